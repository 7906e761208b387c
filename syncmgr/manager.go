// Package syncmgr implements the top-level sync manager: per-user sync
// status, the offline operation queue, real-time subscription attachment, and
// forced full resyncs on reconnect.
package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nuwank-swivel/notesync/autosave"
	"github.com/nuwank-swivel/notesync/common"
	"github.com/nuwank-swivel/notesync/conflict"
	"github.com/nuwank-swivel/notesync/logging"
	"github.com/nuwank-swivel/notesync/models"
	"github.com/nuwank-swivel/notesync/queue"
	"github.com/nuwank-swivel/notesync/store"
	"github.com/nuwank-swivel/notesync/validate"
	"github.com/nuwank-swivel/notesync/version"
)

// Subscriber is the subscription half of the remote store. Both a store
// implementation and the websocket bridge satisfy it.
type Subscriber interface {
	Subscribe(ctx context.Context, collection string, filters []store.Filter, fn func(store.Event)) (store.Unsubscribe, error)
}

// Config holds sync manager settings.
type Config struct {
	Collection      string
	EntityType      string
	MaxQueueRetries int

	// MaxQueueSize bounds the offline queue; further writes fail with
	// common.ErrQueueFull instead of growing the local database forever.
	MaxQueueSize int
}

// DefaultConfig returns the default manager settings.
func DefaultConfig() Config {
	return Config{
		Collection:      common.CollectionNotes,
		EntityType:      "note",
		MaxQueueRetries: queue.DefaultMaxRetries,
		MaxQueueSize:    1000,
	}
}

// Deps collects the manager's collaborators.
type Deps struct {
	Remote      store.Store
	Subscriber  Subscriber // defaults to Remote
	Coordinator *autosave.Coordinator
	Detector    *conflict.Detector
	Versions    *version.Store
	Validator   *validate.Validator
	Queue       queue.Repository
	Logger      logging.Logger
}

// Manager orchestrates the sync engine for one application session.
type Manager struct {
	remote      store.Store
	subscriber  Subscriber
	coordinator *autosave.Coordinator
	detector    *conflict.Detector
	versions    *version.Store
	validator   *validate.Validator
	queue       queue.Repository
	cfg         Config
	log         logging.Logger
	now         func() time.Time

	mu         sync.Mutex
	online     bool
	statuses   map[string]*models.SyncStatus
	statusSubs map[string]map[int]func(models.SyncStatus)
	nextSub    int
	unsubs     map[string][]store.Unsubscribe
	seen       map[string]lastKnown
}

// lastKnown is the newest document content this session has accepted, the
// divergence baseline for incoming change-feed events.
type lastKnown struct {
	content   string
	userID    string
	updatedAt time.Time
}

// NewManager wires a Manager from its collaborators.
func NewManager(deps Deps, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Collection == "" {
		cfg.Collection = def.Collection
	}
	if cfg.EntityType == "" {
		cfg.EntityType = def.EntityType
	}
	if cfg.MaxQueueRetries <= 0 {
		cfg.MaxQueueRetries = def.MaxQueueRetries
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = def.MaxQueueSize
	}
	sub := deps.Subscriber
	if sub == nil {
		sub = deps.Remote
	}
	return &Manager{
		remote:      deps.Remote,
		subscriber:  sub,
		coordinator: deps.Coordinator,
		detector:    deps.Detector,
		versions:    deps.Versions,
		validator:   deps.Validator,
		queue:       deps.Queue,
		cfg:         cfg,
		log:         deps.Logger,
		now:         time.Now,
		online:      true,
		statuses:    make(map[string]*models.SyncStatus),
		statusSubs:  make(map[string]map[int]func(models.SyncStatus)),
		unsubs:      make(map[string][]store.Unsubscribe),
		seen:        make(map[string]lastKnown),
	}
}

// InitializeSync attaches real-time subscriptions for a user's documents and
// drains the offline queue.
func (m *Manager) InitializeSync(ctx context.Context, userID string) error {
	m.setState(ctx, userID, models.SyncSyncing, "")

	unsub, err := m.subscriber.Subscribe(ctx, m.cfg.Collection,
		[]store.Filter{{Field: "ownerId", Op: store.FilterEq, Value: userID}},
		func(ev store.Event) { m.onRemoteChange(ev) })
	if err != nil {
		m.setState(ctx, userID, models.SyncError, err.Error())
		return fmt.Errorf("failed to attach subscription: %w", err)
	}

	m.mu.Lock()
	m.unsubs[userID] = append(m.unsubs[userID], unsub)
	m.mu.Unlock()

	if err := m.ProcessOfflineQueue(ctx); err != nil {
		m.setState(ctx, userID, models.SyncError, err.Error())
		return err
	}

	m.markSynced(ctx, userID)
	m.log.Info(ctx, "sync initialized", "userId", userID)
	return nil
}

// StopSync detaches every subscription held for a user.
func (m *Manager) StopSync(userID string) {
	m.mu.Lock()
	unsubs := m.unsubs[userID]
	delete(m.unsubs, userID)
	m.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
}

// onRemoteChange checks an incoming change-feed event against the content this
// session last accepted for the document. The persisted record already holds
// the incoming content by the time the event arrives, so the check runs
// against the local baseline, not the store.
func (m *Manager) onRemoteChange(ev store.Event) {
	ctx := context.Background()
	if ev.Type == store.EventDeleted {
		m.forget(ev.ID)
		return
	}
	doc := models.DocumentFromRecord(ev.Data)
	if doc.ID == "" || doc.UpdatedBy == "" {
		return
	}

	base, ok := m.known(doc.ID)
	if ok && base.userID != doc.UpdatedBy && base.content != doc.Content {
		result := m.detector.DetectAgainst(ctx, doc.ID, conflict.Baseline{
			Content:   base.content,
			UserID:    base.userID,
			Timestamp: base.updatedAt,
		}, doc.Content, doc.UpdatedBy, doc.UpdatedAt)
		if result.HasConflict {
			m.log.Warn(ctx, "remote change conflicts with local state",
				"documentId", doc.ID, "conflictId", result.ConflictID, "severity", string(result.Severity))
		}
	}

	m.remember(doc.ID, doc.Content, doc.UpdatedBy, doc.UpdatedAt)
}

func (m *Manager) known(documentID string) (lastKnown, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	base, ok := m.seen[documentID]
	return base, ok
}

func (m *Manager) remember(documentID, content, userID string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[documentID] = lastKnown{content: content, userID: userID, updatedAt: at}
}

func (m *Manager) forget(documentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, documentID)
}

// SyncDocument validates, sanitizes and writes one document. Writes attempted
// while offline, and writes that fail transiently, are buffered in the
// offline queue instead of being lost. A content change appends a version.
func (m *Manager) SyncDocument(ctx context.Context, doc models.Document) error {
	m.setState(ctx, doc.UpdatedBy, models.SyncSyncing, "")

	data := m.validator.Sanitize(m.cfg.EntityType, doc.Record())
	if res := m.validator.Validate(m.cfg.EntityType, data); !res.IsValid {
		err := res.Err()
		m.setState(ctx, doc.UpdatedBy, models.SyncError, err.Error())
		return err
	}

	if !m.isOnline() {
		if err := m.QueueOfflineOperation(ctx, store.Operation{
			Type: store.OpUpdate, Collection: m.cfg.Collection, ID: doc.ID, Data: data,
		}); err != nil {
			m.setState(ctx, doc.UpdatedBy, models.SyncError, err.Error())
			return err
		}
		m.setState(ctx, doc.UpdatedBy, models.SyncIdle, "")
		return nil
	}

	prev, err := m.remote.Get(ctx, m.cfg.Collection, doc.ID)
	contentChanged := true
	switch {
	case err == nil:
		contentChanged = models.DocumentFromRecord(prev).Content != doc.Content
		err = m.remote.Update(ctx, m.cfg.Collection, doc.ID, data)
	case errors.Is(err, common.ErrNotFound):
		err = m.remote.Create(ctx, m.cfg.Collection, doc.ID, data)
	}
	if err != nil {
		// transient store failure: buffer the write for the next drain
		if qErr := m.QueueOfflineOperation(ctx, store.Operation{
			Type: store.OpUpdate, Collection: m.cfg.Collection, ID: doc.ID, Data: data,
		}); qErr != nil {
			m.setState(ctx, doc.UpdatedBy, models.SyncError, qErr.Error())
			return fmt.Errorf("failed to sync document: %w", errors.Join(err, qErr))
		}
		m.setState(ctx, doc.UpdatedBy, models.SyncError, err.Error())
		return fmt.Errorf("failed to sync document, operation queued: %w", err)
	}

	if contentChanged {
		if _, err := m.versions.Create(ctx, doc.ID, doc.Content, doc.UpdatedBy, "sync"); err != nil {
			m.setState(ctx, doc.UpdatedBy, models.SyncError, err.Error())
			return fmt.Errorf("failed to append sync version: %w", err)
		}
	}

	m.remember(doc.ID, doc.Content, doc.UpdatedBy, m.now().UTC())
	m.markSynced(ctx, doc.UpdatedBy)
	return nil
}

// QueueOfflineOperation buffers a write operation and republishes pending
// counts to every status subscriber.
func (m *Manager) QueueOfflineOperation(ctx context.Context, op store.Operation) error {
	count, err := m.queue.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to check queue size: %w", err)
	}
	if count >= m.cfg.MaxQueueSize {
		return fmt.Errorf("offline queue holds %d operations: %w", count, common.ErrQueueFull)
	}

	item := &queue.Item{
		ID:         uuid.NewString(),
		Operation:  op,
		Timestamp:  m.now().UTC(),
		MaxRetries: m.cfg.MaxQueueRetries,
	}
	if err := m.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("failed to queue offline operation: %w", err)
	}

	m.log.Debug(ctx, "operation queued offline", "opType", string(op.Type), "collection", op.Collection, "id", op.ID)
	m.publishPendingCounts(ctx)
	return nil
}

// ProcessOfflineQueue drains the queue in a single batch write. It is a no-op
// while offline or when the queue is empty. On batch failure every item's
// retry count is bumped individually, and items past their retry budget are
// dropped with a log line rather than retried forever.
func (m *Manager) ProcessOfflineQueue(ctx context.Context) error {
	if !m.isOnline() {
		return nil
	}

	items, err := m.queue.All(ctx)
	if err != nil {
		return fmt.Errorf("failed to read offline queue: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	m.setAllStates(ctx, models.SyncSyncing, "")

	ops := make([]store.Operation, len(items))
	for i, item := range items {
		ops[i] = m.resolveOp(ctx, item.Operation)
	}

	if err := m.remote.BatchWrite(ctx, ops); err != nil {
		for _, item := range items {
			count, incErr := m.queue.IncrementRetry(ctx, item.ID)
			if incErr != nil {
				m.log.Error(ctx, "failed to bump queue retry count", "itemId", item.ID, "error", incErr)
				continue
			}
			if count >= item.MaxRetries {
				m.log.Warn(ctx, "dropping queued operation after retry budget exhausted",
					"itemId", item.ID, "opType", string(item.Operation.Type), "documentId", item.Operation.ID, "retries", count)
				if rmErr := m.queue.Remove(ctx, item.ID); rmErr != nil {
					m.log.Error(ctx, "failed to drop exhausted queue item", "itemId", item.ID, "error", rmErr)
				}
			}
		}
		m.setAllStates(ctx, models.SyncError, err.Error())
		m.publishPendingCounts(ctx)
		return fmt.Errorf("failed to drain offline queue: %w", err)
	}

	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
	}
	if err := m.queue.RemoveMany(ctx, ids); err != nil {
		m.log.Error(ctx, "failed to remove drained queue items", "error", err)
	}

	m.log.Info(ctx, "offline queue drained", "operations", len(items))
	m.markAllSynced(ctx)
	m.publishPendingCounts(ctx)
	return nil
}

// resolveOp reconciles a buffered write with the remote state it is about to
// land on: an update for a document that never reached the remote store (a
// create made while offline) becomes a create, and a create that raced an
// existing document becomes an update. On a transient existence-check failure
// the operation is left as queued and the batch outcome decides.
func (m *Manager) resolveOp(ctx context.Context, op store.Operation) store.Operation {
	if op.Type != store.OpCreate && op.Type != store.OpUpdate {
		return op
	}
	_, err := m.remote.Get(ctx, op.Collection, op.ID)
	switch {
	case err == nil:
		op.Type = store.OpUpdate
	case errors.Is(err, common.ErrNotFound):
		op.Type = store.OpCreate
	}
	return op
}

// ForceSync drains the offline queue and flushes every pending auto-save. It
// requires connectivity and fails with common.ErrOffline otherwise.
func (m *Manager) ForceSync(ctx context.Context, userID string) error {
	if !m.isOnline() {
		return fmt.Errorf("force sync requires connectivity: %w", common.ErrOffline)
	}
	m.setState(ctx, userID, models.SyncSyncing, "")

	if err := m.ProcessOfflineQueue(ctx); err != nil {
		m.setState(ctx, userID, models.SyncError, err.Error())
		return err
	}
	if err := m.coordinator.Flush(ctx); err != nil {
		m.setState(ctx, userID, models.SyncError, err.Error())
		return fmt.Errorf("failed to flush pending saves: %w", err)
	}

	m.markSynced(ctx, userID)
	return nil
}

// QueueStatus reports queue totals for the UI.
func (m *Manager) QueueStatus(ctx context.Context) (queue.Status, error) {
	return m.queue.Status(ctx)
}

// SetOnline records a connectivity change. Going offline moves every user's
// status to idle; coming back online triggers a queue drain.
func (m *Manager) SetOnline(ctx context.Context, online bool) {
	m.mu.Lock()
	was := m.online
	m.online = online
	m.mu.Unlock()

	if !online {
		m.setAllStates(ctx, models.SyncIdle, "")
		return
	}
	if !was {
		if err := m.ProcessOfflineQueue(ctx); err != nil {
			m.log.Error(ctx, "queue drain on reconnect failed", "error", err)
		}
	}
}

// Status returns the current sync status for a user.
func (m *Manager) Status(userID string) models.SyncStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.statuses[userID]; ok {
		return *st
	}
	return models.SyncStatus{UserID: userID, State: models.SyncIdle}
}

// SubscribeStatus delivers every sync status change for a user. The returned
// unsubscribe is idempotent.
func (m *Manager) SubscribeStatus(userID string, fn func(models.SyncStatus)) store.Unsubscribe {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.statusSubs[userID] == nil {
		m.statusSubs[userID] = make(map[int]func(models.SyncStatus))
	}
	id := m.nextSub
	m.nextSub++
	m.statusSubs[userID][id] = fn

	released := false
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if released {
			return
		}
		released = true
		delete(m.statusSubs[userID], id)
	}
}

func (m *Manager) isOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

func (m *Manager) status(userID string) *models.SyncStatus {
	st, ok := m.statuses[userID]
	if !ok {
		st = &models.SyncStatus{UserID: userID, State: models.SyncIdle}
		m.statuses[userID] = st
	}
	return st
}

func (m *Manager) setState(ctx context.Context, userID string, state models.SyncState, errMsg string) {
	if userID == "" {
		return
	}
	m.mu.Lock()
	st := m.status(userID)
	st.State = state
	st.Error = errMsg
	snapshot := *st
	m.mu.Unlock()

	m.publish(snapshot)
}

func (m *Manager) markSynced(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	now := m.now().UTC()
	m.mu.Lock()
	st := m.status(userID)
	st.State = models.SyncSynced
	st.Error = ""
	st.LastSync = &now
	snapshot := *st
	m.mu.Unlock()

	m.publish(snapshot)
}

func (m *Manager) setAllStates(ctx context.Context, state models.SyncState, errMsg string) {
	m.mu.Lock()
	snapshots := make([]models.SyncStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		st.State = state
		st.Error = errMsg
		snapshots = append(snapshots, *st)
	}
	m.mu.Unlock()

	for _, s := range snapshots {
		m.publish(s)
	}
}

func (m *Manager) markAllSynced(ctx context.Context) {
	now := m.now().UTC()
	m.mu.Lock()
	snapshots := make([]models.SyncStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		st.State = models.SyncSynced
		st.Error = ""
		st.LastSync = &now
		snapshots = append(snapshots, *st)
	}
	m.mu.Unlock()

	for _, s := range snapshots {
		m.publish(s)
	}
}

// publishPendingCounts refreshes pendingOperations on every tracked status.
func (m *Manager) publishPendingCounts(ctx context.Context) {
	count, err := m.queue.Count(ctx)
	if err != nil {
		m.log.Error(ctx, "failed to count queued operations", "error", err)
		return
	}

	m.mu.Lock()
	snapshots := make([]models.SyncStatus, 0, len(m.statuses))
	for _, st := range m.statuses {
		st.PendingOperations = count
		snapshots = append(snapshots, *st)
	}
	m.mu.Unlock()

	for _, s := range snapshots {
		m.publish(s)
	}
}

func (m *Manager) publish(status models.SyncStatus) {
	m.mu.Lock()
	fns := make([]func(models.SyncStatus), 0, len(m.statusSubs[status.UserID]))
	for _, fn := range m.statusSubs[status.UserID] {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}
