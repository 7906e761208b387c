package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nuwank-swivel/notesync/common"
	"github.com/nuwank-swivel/notesync/dbx"
	"github.com/nuwank-swivel/notesync/store"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Enqueue appends an item to the offline queue.
func (r *SQLiteRepository) Enqueue(ctx context.Context, item *Item) error {
	payload, err := json.Marshal(item.Operation.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal operation payload: %w", err)
	}

	query := `INSERT INTO offline_queue (id, op_type, collection, document_id, payload, created_at, retry_count, max_retries)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = r.db.ExecContext(ctx, query,
		item.ID, string(item.Operation.Type), item.Operation.Collection, item.Operation.ID,
		string(payload), item.Timestamp.UnixNano(), item.RetryCount, item.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}
	return nil
}

// All lists every buffered item, oldest first.
func (r *SQLiteRepository) All(ctx context.Context) ([]Item, error) {
	query := `SELECT id, op_type, collection, document_id, payload, created_at, retry_count, max_retries
			FROM offline_queue ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to select queue items: %w", err)
	}
	defer rows.Close()

	var result []Item
	for rows.Next() {
		var (
			item            Item
			opType, payload string
			createdAt       int64
		)
		if err := rows.Scan(&item.ID, &opType, &item.Operation.Collection, &item.Operation.ID,
			&payload, &createdAt, &item.RetryCount, &item.MaxRetries); err != nil {
			return nil, err
		}
		item.Operation.Type = store.OpType(opType)
		item.Timestamp = time.Unix(0, createdAt).UTC()
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &item.Operation.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal operation payload: %w", err)
			}
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Remove deletes an item by id.
func (r *SQLiteRepository) Remove(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove queue item: %w", err)
	}
	return nil
}

// RemoveMany deletes all ids in one transaction when the repository is bound
// to a *sql.DB; inside an existing transaction it deletes sequentially.
func (r *SQLiteRepository) RemoveMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if db, ok := r.db.(*sql.DB); ok {
		return dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			return removeAll(ctx, tx, ids)
		})
	}
	return removeAll(ctx, r.db, ids)
}

func removeAll(ctx context.Context, db dbx.DBTX, ids []string) error {
	for _, id := range ids {
		if _, err := db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to remove queue item %s: %w", id, err)
		}
	}
	return nil
}

// IncrementRetry bumps an item's retry count and returns the new value.
func (r *SQLiteRepository) IncrementRetry(ctx context.Context, id string) (int, error) {
	_, err := r.db.ExecContext(ctx, `UPDATE offline_queue SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry count: %w", err)
	}

	var count int
	row := r.db.QueryRowContext(ctx, `SELECT retry_count FROM offline_queue WHERE id = ?`, id)
	if err := row.Scan(&count); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("queue item %s: %w", id, common.ErrNotFound)
		}
		return 0, fmt.Errorf("failed to read retry count: %w", err)
	}
	return count, nil
}

// Count returns the number of buffered items.
func (r *SQLiteRepository) Count(ctx context.Context) (int, error) {
	var count int
	row := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_queue`)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return count, nil
}

// Status returns the queue summary.
func (r *SQLiteRepository) Status(ctx context.Context) (Status, error) {
	var (
		st     Status
		oldest sql.NullInt64
	)
	row := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN retry_count > 0 THEN 1 ELSE 0 END), 0),
		       MIN(created_at)
		FROM offline_queue`)
	if err := row.Scan(&st.TotalOperations, &st.FailedOperations, &oldest); err != nil {
		return Status{}, fmt.Errorf("failed to read queue status: %w", err)
	}
	if oldest.Valid {
		t := time.Unix(0, oldest.Int64).UTC()
		st.OldestOperation = &t
	}
	return st, nil
}
