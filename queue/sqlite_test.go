package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nuwank-swivel/notesync/common"
	"github.com/nuwank-swivel/notesync/localdb"
	"github.com/nuwank-swivel/notesync/store"
)

func setupRepo(t *testing.T) *SQLiteRepository {
	t.Helper()

	db, err := localdb.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return NewSQLiteRepository(db)
}

func newItem(id, docID string, at time.Time) *Item {
	return &Item{
		ID: id,
		Operation: store.Operation{
			Type:       store.OpCreate,
			Collection: common.CollectionNotes,
			ID:         docID,
			Data:       map[string]any{"content": "hello " + docID},
		},
		Timestamp:  at,
		MaxRetries: DefaultMaxRetries,
	}
}

func TestSQLiteRepository_EnqueueAllRemove(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, repo.Enqueue(ctx, newItem("i2", "d2", now.Add(time.Second))))
	require.NoError(t, repo.Enqueue(ctx, newItem("i1", "d1", now)))

	items, err := repo.All(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)

	// oldest first regardless of insertion order
	assert.Equal(t, "i1", items[0].ID)
	assert.Equal(t, "i2", items[1].ID)
	assert.Equal(t, store.OpCreate, items[0].Operation.Type)
	assert.Equal(t, "d1", items[0].Operation.ID)
	assert.Equal(t, map[string]any{"content": "hello d1"}, items[0].Operation.Data)
	assert.Equal(t, now, items[0].Timestamp)

	require.NoError(t, repo.Remove(ctx, "i1"))
	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// removing a missing id is a no-op
	require.NoError(t, repo.Remove(ctx, "i1"))
}

func TestSQLiteRepository_RemoveMany(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, id := range []string{"i1", "i2", "i3"} {
		require.NoError(t, repo.Enqueue(ctx, newItem(id, "d-"+id, now)))
	}

	require.NoError(t, repo.RemoveMany(ctx, []string{"i1", "i3", "missing"}))

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, repo.RemoveMany(ctx, nil))
}

func TestSQLiteRepository_IncrementRetry(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Enqueue(ctx, newItem("i1", "d1", time.Now().UTC())))

	count, err := repo.IncrementRetry(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = repo.IncrementRetry(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	_, err = repo.IncrementRetry(ctx, "missing")
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestSQLiteRepository_Exhausted(t *testing.T) {
	item := Item{RetryCount: 4, MaxRetries: 5}
	assert.False(t, item.Exhausted())

	item.RetryCount = 5
	assert.True(t, item.Exhausted())
}

func TestSQLiteRepository_Status(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	st, err := repo.Status(ctx)
	require.NoError(t, err)
	assert.Zero(t, st.TotalOperations)
	assert.Zero(t, st.FailedOperations)
	assert.Nil(t, st.OldestOperation)

	oldest := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, repo.Enqueue(ctx, newItem("i1", "d1", oldest)))
	require.NoError(t, repo.Enqueue(ctx, newItem("i2", "d2", oldest.Add(time.Second))))
	_, err = repo.IncrementRetry(ctx, "i2")
	require.NoError(t, err)

	st, err = repo.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.TotalOperations)
	assert.Equal(t, 1, st.FailedOperations)
	require.NotNil(t, st.OldestOperation)
	assert.Equal(t, oldest, *st.OldestOperation)
}

func TestSQLiteRepository_DatabaseErrors(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	repo := NewSQLiteRepository(db)
	ctx := context.Background()
	dbErr := errors.New("database is locked")

	mock.ExpectExec("INSERT INTO offline_queue").WillReturnError(dbErr)
	err = repo.Enqueue(ctx, newItem("i1", "d1", time.Now()))
	assert.ErrorIs(t, err, dbErr)

	mock.ExpectQuery("SELECT id, op_type").WillReturnError(dbErr)
	_, err = repo.All(ctx)
	assert.ErrorIs(t, err, dbErr)

	mock.ExpectQuery("SELECT COUNT").WillReturnError(dbErr)
	_, err = repo.Count(ctx)
	assert.ErrorIs(t, err, dbErr)

	require.NoError(t, mock.ExpectationsWereMet())
}
