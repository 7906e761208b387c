// Package version implements the append-only version history of document
// snapshots, with a per-document retention cap and optional line-based delta
// compression.
package version

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nuwank-swivel/notesync/common"
	"github.com/nuwank-swivel/notesync/diff"
	"github.com/nuwank-swivel/notesync/logging"
	"github.com/nuwank-swivel/notesync/models"
	"github.com/nuwank-swivel/notesync/store"
)

// Config holds version store settings.
type Config struct {
	// MaxVersionsPerDocument is the retention cap; oldest versions beyond it
	// are pruned whenever history is read or written.
	MaxVersionsPerDocument int

	// DeltaCompression enables storing versions as deltas against the most
	// recent full snapshot when that is cheaper than full content.
	DeltaCompression bool

	// Collection / DocumentCollection name the remote store collections for
	// versions and for the documents restore writes back to.
	Collection         string
	DocumentCollection string
}

// DefaultConfig returns the default version store settings.
func DefaultConfig() Config {
	return Config{
		MaxVersionsPerDocument: 50,
		Collection:             common.CollectionVersions,
		DocumentCollection:     common.CollectionNotes,
	}
}

// Store is the version history service.
type Store struct {
	remote store.Store
	cfg    Config
	log    logging.Logger
	now    func() time.Time

	mu     sync.Mutex
	lastTS map[string]time.Time
}

// NewStore returns a version Store over the given remote store.
func NewStore(remote store.Store, cfg Config, log logging.Logger) *Store {
	if cfg.MaxVersionsPerDocument <= 0 {
		cfg.MaxVersionsPerDocument = DefaultConfig().MaxVersionsPerDocument
	}
	if cfg.Collection == "" {
		cfg.Collection = common.CollectionVersions
	}
	if cfg.DocumentCollection == "" {
		cfg.DocumentCollection = common.CollectionNotes
	}
	return &Store{remote: remote, cfg: cfg, log: log, now: time.Now, lastTS: make(map[string]time.Time)}
}

// nextTimestamp returns a timestamp strictly after every one previously handed
// out for the document, keeping per-document history totally ordered even when
// versions are created within the clock's resolution.
func (s *Store) nextTimestamp(documentID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now().UTC()
	if last, ok := s.lastTS[documentID]; ok && !ts.After(last) {
		ts = last.Add(time.Nanosecond)
	}
	s.lastTS[documentID] = ts
	return ts
}

// Create appends a new version for a document and prunes history beyond the
// retention cap. ByteSize is computed from the full content even when the
// persisted record holds a delta.
func (s *Store) Create(ctx context.Context, documentID, content, author, changeSummary string) (*models.Version, error) {
	v := &models.Version{
		ID:            uuid.NewString(),
		DocumentID:    documentID,
		Content:       content,
		Timestamp:     s.nextTimestamp(documentID),
		Author:        author,
		ChangeSummary: changeSummary,
		ByteSize:      len(content),
	}

	if s.cfg.DeltaCompression {
		if base, err := s.latestFull(ctx, documentID); err == nil && base != nil {
			if delta, ok := CompressDelta(content, base.Content); ok {
				v.Content = delta
				v.IsDelta = true
				v.BaseVersionID = base.ID
			}
		}
	}

	if err := s.remote.Create(ctx, s.cfg.Collection, v.ID, v.Record()); err != nil {
		return nil, fmt.Errorf("failed to persist version: %w", err)
	}

	if err := s.prune(ctx, documentID); err != nil {
		s.log.Warn(ctx, "version pruning failed", "documentId", documentID, "error", err)
	}

	v.Content = content
	return v, nil
}

// HistoryQuery selects a page of a document's history.
type HistoryQuery struct {
	DocumentID string
	Limit      int
	Offset     int
}

// History returns versions newest-first. The retention cap is enforced before
// pagination, so callers never observe more than the cap.
func (s *Store) History(ctx context.Context, q HistoryQuery) ([]models.Version, error) {
	all, err := s.listDescending(ctx, q.DocumentID)
	if err != nil {
		return nil, err
	}

	if len(all) > s.cfg.MaxVersionsPerDocument {
		if err := s.prune(ctx, q.DocumentID); err != nil {
			s.log.Warn(ctx, "version pruning failed", "documentId", q.DocumentID, "error", err)
		}
		all = all[:s.cfg.MaxVersionsPerDocument]
	}

	if q.Offset >= len(all) {
		return nil, nil
	}
	all = all[q.Offset:]
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[:q.Limit]
	}

	out := make([]models.Version, 0, len(all))
	for _, v := range all {
		mv, err := s.materialize(ctx, v)
		if err != nil {
			return nil, err
		}
		out = append(out, *mv)
	}
	return out, nil
}

// Get returns a single version with its full content materialized.
func (s *Store) Get(ctx context.Context, id string) (*models.Version, error) {
	rec, err := s.remote.Get(ctx, s.cfg.Collection, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load version %s: %w", id, err)
	}
	return s.materialize(ctx, models.VersionFromRecord(rec))
}

// Restore writes a version's content back as the document's current content
// and appends a new version recording the restore. History only ever grows.
func (s *Store) Restore(ctx context.Context, id string) (*models.Version, error) {
	v, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	data := map[string]any{"content": v.Content, "updatedBy": v.Author}
	if err := s.remote.Update(ctx, s.cfg.DocumentCollection, v.DocumentID, data); err != nil {
		return nil, fmt.Errorf("failed to write restored content: %w", err)
	}

	summary := fmt.Sprintf("restored from version %s", v.ID)
	restored, err := s.Create(ctx, v.DocumentID, v.Content, v.Author, summary)
	if err != nil {
		return nil, err
	}

	s.log.Info(ctx, "version restored", "documentId", v.DocumentID, "versionId", v.ID, "newVersionId", restored.ID)
	return restored, nil
}

// Compare returns the structural line diff between two versions, or
// common.ErrNotFound if either id is unknown.
func (s *Store) Compare(ctx context.Context, id1, id2 string) (*diff.LineChanges, error) {
	v1, err := s.Get(ctx, id1)
	if err != nil {
		return nil, err
	}
	v2, err := s.Get(ctx, id2)
	if err != nil {
		return nil, err
	}

	changes := diff.Lines(v1.Content, v2.Content)
	return &changes, nil
}

// Stats summarizes a document's history.
type Stats struct {
	Count      int
	TotalBytes int
	Oldest     time.Time
	Newest     time.Time
}

// Stats returns history totals for a document. All fields are zero when no
// versions exist.
func (s *Store) Stats(ctx context.Context, documentID string) (*Stats, error) {
	all, err := s.listDescending(ctx, documentID)
	if err != nil {
		return nil, err
	}

	stats := &Stats{Count: len(all)}
	for _, v := range all {
		stats.TotalBytes += v.ByteSize
	}
	if len(all) > 0 {
		stats.Newest = all[0].Timestamp
		stats.Oldest = all[len(all)-1].Timestamp
	}
	return stats, nil
}

// listDescending returns raw (non-materialized) versions newest-first.
func (s *Store) listDescending(ctx context.Context, documentID string) ([]*models.Version, error) {
	recs, err := s.remote.Query(ctx, s.cfg.Collection,
		[]store.Filter{{Field: "documentId", Op: store.FilterEq, Value: documentID}},
		&store.OrderBy{Field: "timestamp", Desc: true}, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to query versions: %w", err)
	}

	out := make([]*models.Version, 0, len(recs))
	for _, rec := range recs {
		out = append(out, models.VersionFromRecord(rec))
	}
	return out, nil
}

// latestFull returns the newest non-delta version, used as a delta base.
func (s *Store) latestFull(ctx context.Context, documentID string) (*models.Version, error) {
	all, err := s.listDescending(ctx, documentID)
	if err != nil {
		return nil, err
	}
	for _, v := range all {
		if !v.IsDelta {
			return v, nil
		}
	}
	return nil, nil
}

// materialize resolves a delta version into full content. A delta whose base
// is missing fails closed rather than returning partial content.
func (s *Store) materialize(ctx context.Context, v *models.Version) (*models.Version, error) {
	if !v.IsDelta {
		return v, nil
	}

	baseRec, err := s.remote.Get(ctx, s.cfg.Collection, v.BaseVersionID)
	if err != nil {
		return nil, fmt.Errorf("delta base %s unavailable: %w", v.BaseVersionID, err)
	}
	base := models.VersionFromRecord(baseRec)
	if base.IsDelta {
		return nil, fmt.Errorf("delta base %s is itself a delta: %w", base.ID, common.ErrDeltaIntegrity)
	}

	out := *v
	out.Content = ApplyDelta(v.Content, base.Content)
	out.IsDelta = false
	return &out, nil
}

// prune drops oldest versions beyond the retention cap. A delta whose base is
// about to be pruned is rewritten as full content first, so history never
// dangles.
func (s *Store) prune(ctx context.Context, documentID string) error {
	all, err := s.listDescending(ctx, documentID)
	if err != nil {
		return err
	}
	if len(all) <= s.cfg.MaxVersionsPerDocument {
		return nil
	}

	doomed := all[s.cfg.MaxVersionsPerDocument:]
	doomedIDs := make(map[string]bool, len(doomed))
	for _, v := range doomed {
		doomedIDs[v.ID] = true
	}

	for _, v := range all[:s.cfg.MaxVersionsPerDocument] {
		if !v.IsDelta || !doomedIDs[v.BaseVersionID] {
			continue
		}
		full, err := s.materialize(ctx, v)
		if err != nil {
			return err
		}
		data := map[string]any{"content": full.Content, "isDelta": false, "baseVersionId": ""}
		if err := s.remote.Update(ctx, s.cfg.Collection, v.ID, data); err != nil {
			return fmt.Errorf("failed to inline delta %s before pruning: %w", v.ID, err)
		}
	}

	for _, v := range doomed {
		if err := s.remote.Delete(ctx, s.cfg.Collection, v.ID); err != nil {
			return fmt.Errorf("failed to prune version %s: %w", v.ID, err)
		}
	}

	s.log.Debug(ctx, "pruned old versions", "documentId", documentID, "pruned", len(doomed))
	return nil
}
