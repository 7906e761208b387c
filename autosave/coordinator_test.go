package autosave

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuwank-swivel/notesync/common"
	"github.com/nuwank-swivel/notesync/logging"
	"github.com/nuwank-swivel/notesync/models"
	"github.com/nuwank-swivel/notesync/store"
	"github.com/nuwank-swivel/notesync/version"
)

// fakeScheduler collects scheduled functions and fires them on demand, so
// debounce and retry behaviour can be stepped through deterministically.
type fakeScheduler struct {
	mu    sync.Mutex
	tasks []*fakeTask
}

type fakeTask struct {
	fn       func()
	fired    bool
	canceled bool
}

func (s *fakeScheduler) AfterFunc(d time.Duration, fn func()) Cancel {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := &fakeTask{fn: fn}
	s.tasks = append(s.tasks, task)
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		if task.fired || task.canceled {
			return false
		}
		task.canceled = true
		return true
	}
}

// fire runs every task currently pending and returns how many ran. Tasks
// scheduled while firing wait for the next call.
func (s *fakeScheduler) fire() int {
	s.mu.Lock()
	var runnable []*fakeTask
	for _, task := range s.tasks {
		if !task.fired && !task.canceled {
			task.fired = true
			runnable = append(runnable, task)
		}
	}
	s.mu.Unlock()

	for _, task := range runnable {
		task.fn()
	}
	return len(runnable)
}

// drain fires until no tasks remain, returning the total run.
func (s *fakeScheduler) drain() int {
	total := 0
	for {
		n := s.fire()
		if n == 0 {
			return total
		}
		total += n
	}
}

func setupCoordinator(t *testing.T) (*Coordinator, *store.Memory, *version.Store, *fakeScheduler) {
	t.Helper()
	mem := store.NewMemory()
	versions := version.NewStore(mem, version.Config{}, logging.Discard())
	sched := &fakeScheduler{}
	c := NewCoordinator(mem, versions, "alice", Config{}, sched, logging.Discard())
	return c, mem, versions, sched
}

func TestStart_CoalescesRapidEdits(t *testing.T) {
	c, mem, versions, sched := setupCoordinator(t)
	ctx := context.Background()

	writes := 0
	unsub, err := mem.Subscribe(ctx, common.CollectionNotes, nil, func(store.Event) { writes++ })
	require.NoError(t, err)
	defer unsub()

	c.Start("d1", "first", "Title")
	c.Start("d1", "second", "Title")
	c.Start("d1", "third", "Title")

	require.Equal(t, 1, sched.drain(), "only the last debounce timer may fire")
	assert.Equal(t, 1, writes, "rapid edits coalesce into a single write")

	rec, err := mem.Get(ctx, common.CollectionNotes, "d1")
	require.NoError(t, err)
	assert.Equal(t, "third", rec["content"])
	assert.Equal(t, "alice", rec["ownerId"], "first write establishes ownership")

	history, err := versions.History(ctx, version.HistoryQuery{DocumentID: "d1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "auto-save", history[0].ChangeSummary)

	status, ok := c.Status("d1")
	require.True(t, ok)
	assert.Equal(t, models.SaveSaved, status.State)
	require.NotNil(t, status.LastSaved)
}

func TestStart_RetriesUpToCapThenErrors(t *testing.T) {
	c, mem, _, sched := setupCoordinator(t)

	attempts := 0
	unsub := c.SubscribeStatus("d1", func(s models.SaveStatus) {
		if s.State == models.SaveSaving {
			attempts++
		}
	})
	defer unsub()

	mem.SetError(errors.New("store unavailable"))
	c.Start("d1", "content", "Title")
	sched.drain()

	assert.Equal(t, 4, attempts, "one initial attempt plus three retries")

	status, ok := c.Status("d1")
	require.True(t, ok)
	assert.Equal(t, models.SaveError, status.State)
	assert.Equal(t, 3, status.RetryCount)
	assert.Contains(t, status.Error, "store unavailable")
}

func TestSaveNow_BypassesDebounceAndResetsRetries(t *testing.T) {
	c, mem, versions, sched := setupCoordinator(t)
	ctx := context.Background()

	mem.SetError(errors.New("store unavailable"))
	c.Start("d1", "content", "Title")
	sched.drain()

	status, _ := c.Status("d1")
	require.Equal(t, models.SaveError, status.State)

	mem.SetError(nil)
	require.NoError(t, c.SaveNow(ctx, "d1", "fixed content", "Title"))

	history, err := versions.History(ctx, version.HistoryQuery{DocumentID: "d1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "manual save", history[0].ChangeSummary)

	status, ok := c.Status("d1")
	require.True(t, ok)
	assert.Equal(t, models.SaveSaved, status.State)
	assert.Zero(t, status.RetryCount, "successful save resets the retry counter")

	rec, err := mem.Get(ctx, common.CollectionNotes, "d1")
	require.NoError(t, err)
	assert.Equal(t, "fixed content", rec["content"])
}

func TestSaveNow_ReturnsError(t *testing.T) {
	c, mem, _, _ := setupCoordinator(t)

	mem.SetError(errors.New("store unavailable"))
	err := c.SaveNow(context.Background(), "d1", "content", "Title")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
}

func TestStop_CancelsPendingSave(t *testing.T) {
	c, mem, _, sched := setupCoordinator(t)

	c.Start("d1", "content", "Title")
	c.Stop("d1")

	assert.Zero(t, sched.drain(), "canceled debounce never fires")

	_, err := mem.Get(context.Background(), common.CollectionNotes, "d1")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, ok := c.Status("d1")
	assert.False(t, ok)
}

func TestFlush_PersistsAllPending(t *testing.T) {
	c, mem, _, sched := setupCoordinator(t)
	ctx := context.Background()

	c.Start("d1", "doc one", "One")
	c.Start("d2", "doc two", "Two")

	require.NoError(t, c.Flush(ctx))
	assert.Zero(t, sched.drain(), "flush cancels pending debounce timers")

	for id, want := range map[string]string{"d1": "doc one", "d2": "doc two"} {
		rec, err := mem.Get(ctx, common.CollectionNotes, id)
		require.NoError(t, err)
		assert.Equal(t, want, rec["content"])
	}
}

func TestSubscribeStatus_TransitionsAndIdempotentUnsubscribe(t *testing.T) {
	c, _, _, _ := setupCoordinator(t)
	ctx := context.Background()

	var states []models.SaveState
	unsub := c.SubscribeStatus("d1", func(s models.SaveStatus) {
		states = append(states, s.State)
	})

	require.NoError(t, c.SaveNow(ctx, "d1", "content", "Title"))
	assert.Equal(t, []models.SaveState{models.SaveSaving, models.SaveSaved}, states)

	unsub()
	unsub() // second call is a no-op

	require.NoError(t, c.SaveNow(ctx, "d1", "more content", "Title"))
	assert.Len(t, states, 2, "unsubscribed listener receives nothing")
}
