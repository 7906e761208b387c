package localdb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesSchema(t *testing.T) {
	ctx := context.Background()

	db, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, `INSERT INTO offline_queue
		(id, op_type, collection, document_id, payload, created_at, retry_count, max_retries)
		VALUES ('i1', 'create', 'notes', 'd1', '{}', 0, 0, 5)`)
	assert.NoError(t, err)
}

func TestOpen_OnDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	db, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// reopening runs migrations idempotently
	db, err = Open(ctx, path)
	require.NoError(t, err)
	defer db.Close()

	var count int
	row := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue`)
	require.NoError(t, row.Scan(&count))
	assert.Zero(t, count)
}
