package syncmgr

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuwank-swivel/notesync/autosave"
	"github.com/nuwank-swivel/notesync/common"
	"github.com/nuwank-swivel/notesync/conflict"
	"github.com/nuwank-swivel/notesync/localdb"
	"github.com/nuwank-swivel/notesync/logging"
	"github.com/nuwank-swivel/notesync/models"
	"github.com/nuwank-swivel/notesync/queue"
	"github.com/nuwank-swivel/notesync/store"
	"github.com/nuwank-swivel/notesync/validate"
	"github.com/nuwank-swivel/notesync/version"
)

func setupManager(t *testing.T, cfg Config) (*Manager, *store.Memory, *version.Store, queue.Repository) {
	t.Helper()

	mem := store.NewMemory()
	log := logging.Discard()
	versions := version.NewStore(mem, version.Config{}, log)
	detector := conflict.NewDetector(mem, conflict.DetectorConfig{}, log)
	coordinator := autosave.NewCoordinator(mem, versions, "user-a", autosave.Config{}, nil, log)

	db, err := localdb.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := queue.NewSQLiteRepository(db)

	m := NewManager(Deps{
		Remote:      mem,
		Coordinator: coordinator,
		Detector:    detector,
		Versions:    versions,
		Validator:   validate.New(),
		Queue:       repo,
		Logger:      log,
	}, cfg)
	return m, mem, versions, repo
}

func testDoc(id, content string) models.Document {
	return models.Document{
		ID:        id,
		Title:     "Test note",
		Content:   content,
		OwnerID:   "user-a",
		UpdatedBy: "user-a",
	}
}

func TestSyncDocument_WritesAndVersions(t *testing.T) {
	m, mem, versions, _ := setupManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.SyncDocument(ctx, testDoc("d1", "hello")))

	rec, err := mem.Get(ctx, common.CollectionNotes, "d1")
	require.NoError(t, err)
	assert.Equal(t, "hello", rec["content"])

	history, err := versions.History(ctx, version.HistoryQuery{DocumentID: "d1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "sync", history[0].ChangeSummary)

	status := m.Status("user-a")
	assert.Equal(t, models.SyncSynced, status.State)
	require.NotNil(t, status.LastSync)

	// unchanged content does not grow history
	require.NoError(t, m.SyncDocument(ctx, testDoc("d1", "hello")))
	history, err = versions.History(ctx, version.HistoryQuery{DocumentID: "d1"})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestSyncDocument_RejectsInvalidWithoutQueueing(t *testing.T) {
	m, _, _, repo := setupManager(t, Config{})
	ctx := context.Background()

	doc := testDoc("d1", "hello")
	doc.Title = "   "
	err := m.SyncDocument(ctx, doc)
	require.ErrorIs(t, err, common.ErrValidation)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "invalid documents are rejected, never buffered")

	assert.Equal(t, models.SyncError, m.Status("user-a").State)
}

func TestSyncDocument_OfflineBuffersOperation(t *testing.T) {
	m, mem, _, repo := setupManager(t, Config{})
	ctx := context.Background()

	m.SetOnline(ctx, false)
	require.NoError(t, m.SyncDocument(ctx, testDoc("d1", "offline edit")))

	_, err := mem.Get(ctx, common.CollectionNotes, "d1")
	assert.ErrorIs(t, err, common.ErrNotFound, "nothing reaches the remote store while offline")

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	status := m.Status("user-a")
	assert.Equal(t, models.SyncIdle, status.State)
	assert.Equal(t, 1, status.PendingOperations)
}

func TestSetOnline_ReconnectDrainsQueue(t *testing.T) {
	m, mem, _, repo := setupManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.SyncDocument(ctx, testDoc("d1", "first")))

	m.SetOnline(ctx, false)
	require.NoError(t, m.SyncDocument(ctx, testDoc("d1", "second")))

	writes := 0
	unsub, err := mem.Subscribe(ctx, common.CollectionNotes, nil, func(store.Event) { writes++ })
	require.NoError(t, err)
	defer unsub()

	m.SetOnline(ctx, true)

	rec, err := mem.Get(ctx, common.CollectionNotes, "d1")
	require.NoError(t, err)
	assert.Equal(t, "second", rec["content"])
	assert.Equal(t, 1, writes, "the queue drains in a single batch")

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	status := m.Status("user-a")
	assert.Equal(t, models.SyncSynced, status.State)
	assert.Zero(t, status.PendingOperations)
}

func TestSetOnline_ReconnectCreatesDocumentsBornOffline(t *testing.T) {
	m, mem, _, repo := setupManager(t, Config{})
	ctx := context.Background()

	// the document has never existed remotely
	m.SetOnline(ctx, false)
	require.NoError(t, m.SyncDocument(ctx, testDoc("new-doc", "written offline")))

	m.SetOnline(ctx, true)

	rec, err := mem.Get(ctx, common.CollectionNotes, "new-doc")
	require.NoError(t, err, "a document created offline must exist after the drain")
	assert.Equal(t, "written offline", rec["content"])

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestProcessOfflineQueue_ResolvesCreateAgainstExistingDocument(t *testing.T) {
	m, mem, _, repo := setupManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, mem.Create(ctx, common.CollectionNotes, "d1", map[string]any{"content": "remote copy"}))

	require.NoError(t, m.QueueOfflineOperation(ctx, store.Operation{
		Type: store.OpCreate, Collection: common.CollectionNotes, ID: "d1",
		Data: map[string]any{"content": "buffered create"},
	}))

	require.NoError(t, m.ProcessOfflineQueue(ctx))

	rec, err := mem.Get(ctx, common.CollectionNotes, "d1")
	require.NoError(t, err)
	assert.Equal(t, "buffered create", rec["content"], "a create racing an existing document lands as an update")

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestProcessOfflineQueue_DropsExhaustedItems(t *testing.T) {
	m, mem, _, repo := setupManager(t, Config{MaxQueueRetries: 2})
	ctx := context.Background()

	require.NoError(t, m.QueueOfflineOperation(ctx, store.Operation{
		Type: store.OpCreate, Collection: common.CollectionNotes, ID: "d1",
		Data: map[string]any{"content": "buffered"},
	}))

	mem.SetError(errors.New("store unavailable"))

	require.Error(t, m.ProcessOfflineQueue(ctx))
	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "first failure keeps the item for another attempt")

	require.Error(t, m.ProcessOfflineQueue(ctx))
	count, err = repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count, "retry budget exhausted, item dropped")

	mem.SetError(nil)
	require.NoError(t, m.ProcessOfflineQueue(ctx), "empty queue drains cleanly")
}

func TestProcessOfflineQueue_NoopWhileOffline(t *testing.T) {
	m, _, _, repo := setupManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.QueueOfflineOperation(ctx, store.Operation{
		Type: store.OpCreate, Collection: common.CollectionNotes, ID: "d1",
		Data: map[string]any{"content": "queued"},
	}))

	m.SetOnline(ctx, false)
	require.NoError(t, m.ProcessOfflineQueue(ctx))

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "offline drain leaves the queue untouched")
}

func TestInitializeSync_AttachesAndDrains(t *testing.T) {
	m, mem, _, repo := setupManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.QueueOfflineOperation(ctx, store.Operation{
		Type: store.OpCreate, Collection: common.CollectionNotes, ID: "d1",
		Data: map[string]any{"content": "buffered", "ownerId": "user-a"},
	}))

	require.NoError(t, m.InitializeSync(ctx, "user-a"))

	rec, err := mem.Get(ctx, common.CollectionNotes, "d1")
	require.NoError(t, err)
	assert.Equal(t, "buffered", rec["content"])

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	assert.Equal(t, models.SyncSynced, m.Status("user-a").State)

	m.StopSync("user-a")
}

func TestOnRemoteChange_DetectsDivergenceFromLocalBaseline(t *testing.T) {
	m, mem, _, _ := setupManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.InitializeSync(ctx, "user-a"))
	require.NoError(t, m.SyncDocument(ctx, testDoc("d1", "Hello world")))

	m.detector.StartMonitoring("d1", "user-a")
	m.detector.StartMonitoring("d1", "user-b")

	// another client writes divergent content; the store already holds it by
	// the time the change event reaches this session
	require.NoError(t, mem.Update(ctx, common.CollectionNotes, "d1", map[string]any{
		"content":   "Hello there, world",
		"updatedBy": "user-b",
	}))

	pending, err := m.detector.Pending(ctx, "d1")
	require.NoError(t, err)
	require.NotNil(t, pending, "divergent remote edit must raise a conflict")
	assert.Equal(t, "user-a", pending.User1ID)
	assert.Equal(t, "Hello world", pending.User1Content)
	assert.Equal(t, "user-b", pending.User2ID)
	assert.Equal(t, "Hello there, world", pending.User2Content)
}

func TestOnRemoteChange_IgnoresOwnEcho(t *testing.T) {
	m, mem, _, _ := setupManager(t, Config{})
	ctx := context.Background()

	require.NoError(t, m.InitializeSync(ctx, "user-a"))
	require.NoError(t, m.SyncDocument(ctx, testDoc("d1", "Hello world")))

	m.detector.StartMonitoring("d1", "user-a")
	m.detector.StartMonitoring("d1", "user-b")

	// the same user's follow-up write echoes back over the feed
	require.NoError(t, mem.Update(ctx, common.CollectionNotes, "d1", map[string]any{
		"content":   "Hello world, extended by its author",
		"updatedBy": "user-a",
	}))

	pending, err := m.detector.Pending(ctx, "d1")
	require.NoError(t, err)
	assert.Nil(t, pending, "a user's own echoed write is not a conflict")
}

func TestForceSync_FlushesPendingSaves(t *testing.T) {
	m, mem, _, _ := setupManager(t, Config{})
	ctx := context.Background()

	m.coordinator.Start("d1", "unsaved edit", "Draft")
	require.NoError(t, m.ForceSync(ctx, "user-a"))

	rec, err := mem.Get(ctx, common.CollectionNotes, "d1")
	require.NoError(t, err)
	assert.Equal(t, "unsaved edit", rec["content"])

	assert.Equal(t, models.SyncSynced, m.Status("user-a").State)
}

func TestQueueOfflineOperation_RespectsCap(t *testing.T) {
	m, _, _, _ := setupManager(t, Config{MaxQueueSize: 1})
	ctx := context.Background()

	op := store.Operation{
		Type: store.OpCreate, Collection: common.CollectionNotes, ID: "d1",
		Data: map[string]any{"content": "x"},
	}
	require.NoError(t, m.QueueOfflineOperation(ctx, op))

	err := m.QueueOfflineOperation(ctx, op)
	assert.ErrorIs(t, err, common.ErrQueueFull)
}

func TestForceSync_RequiresConnectivity(t *testing.T) {
	m, _, _, _ := setupManager(t, Config{})
	ctx := context.Background()

	m.SetOnline(ctx, false)
	err := m.ForceSync(ctx, "user-a")
	assert.ErrorIs(t, err, common.ErrOffline)
}

func TestSubscribeStatus(t *testing.T) {
	m, _, _, _ := setupManager(t, Config{})
	ctx := context.Background()

	var states []models.SyncState
	unsub := m.SubscribeStatus("user-a", func(s models.SyncStatus) { states = append(states, s.State) })

	require.NoError(t, m.SyncDocument(ctx, testDoc("d1", "hello")))
	require.NotEmpty(t, states)
	assert.Equal(t, models.SyncSyncing, states[0])
	assert.Equal(t, models.SyncSynced, states[len(states)-1])

	seen := len(states)
	unsub()
	unsub() // second call is a no-op

	require.NoError(t, m.SyncDocument(ctx, testDoc("d1", "changed")))
	assert.Len(t, states, seen, "unsubscribed listener receives nothing")
}
