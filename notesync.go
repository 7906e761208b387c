// Package notesync wires the client-side synchronization engine for
// collaborative note editing: debounced auto-save, version history, conflict
// detection and resolution, and the offline operation queue.
//
// Construct one Session per application session; there are no package-level
// singletons.
package notesync

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/nuwank-swivel/notesync/autosave"
	"github.com/nuwank-swivel/notesync/conflict"
	"github.com/nuwank-swivel/notesync/localdb"
	"github.com/nuwank-swivel/notesync/logging"
	"github.com/nuwank-swivel/notesync/notify"
	"github.com/nuwank-swivel/notesync/queue"
	"github.com/nuwank-swivel/notesync/store"
	"github.com/nuwank-swivel/notesync/syncmgr"
	"github.com/nuwank-swivel/notesync/validate"
	"github.com/nuwank-swivel/notesync/version"
)

// Options configures a Session. Store, UserID and Logger are required;
// everything else has working defaults.
type Options struct {
	// UserID identifies the local editor.
	UserID string

	// Store is the remote document store.
	Store store.Store

	// Subscriber overrides the change-feed source, e.g. a remote.Bridge.
	// Defaults to Store.
	Subscriber syncmgr.Subscriber

	// QueuePath is the SQLite path for the durable offline queue.
	// Defaults to ":memory:" (non-durable).
	QueuePath string

	// Notifier receives conflict-resolution notices. Defaults to a log sink.
	Notifier notify.Sink

	Logger logging.Logger

	AutoSave autosave.Config
	Versions version.Config
	Detector conflict.DetectorConfig
	Manager  syncmgr.Config
}

// Session is one user's fully wired sync engine.
type Session struct {
	Coordinator *autosave.Coordinator
	Versions    *version.Store
	Detector    *conflict.Detector
	Resolver    *conflict.Resolver
	Manager     *syncmgr.Manager

	db *sql.DB
}

// NewSession opens the local queue database and wires every component.
func NewSession(ctx context.Context, opts Options) (*Session, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("notesync: Options.Store is required")
	}
	if opts.UserID == "" {
		return nil, fmt.Errorf("notesync: Options.UserID is required")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.QueuePath == "" {
		opts.QueuePath = ":memory:"
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogSink(opts.Logger)
	}

	db, err := localdb.Open(ctx, opts.QueuePath)
	if err != nil {
		return nil, err
	}

	versions := version.NewStore(opts.Store, opts.Versions, opts.Logger)
	coordinator := autosave.NewCoordinator(opts.Store, versions, opts.UserID, opts.AutoSave, nil, opts.Logger)
	detector := conflict.NewDetector(opts.Store, opts.Detector, opts.Logger)
	resolver := conflict.NewResolver(opts.Store, versions, detector, opts.Notifier, opts.Logger)

	manager := syncmgr.NewManager(syncmgr.Deps{
		Remote:      opts.Store,
		Subscriber:  opts.Subscriber,
		Coordinator: coordinator,
		Detector:    detector,
		Versions:    versions,
		Validator:   validate.New(),
		Queue:       queue.NewSQLiteRepository(db),
		Logger:      opts.Logger,
	}, opts.Manager)

	return &Session{
		Coordinator: coordinator,
		Versions:    versions,
		Detector:    detector,
		Resolver:    resolver,
		Manager:     manager,
		db:          db,
	}, nil
}

// Close releases the session's local database.
func (s *Session) Close() error {
	return s.db.Close()
}
