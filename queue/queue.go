// Package queue implements the durable offline operation queue: writes
// attempted while the remote store is unreachable are buffered locally and
// drained in a single batch once connectivity returns.
package queue

import (
	"context"
	"time"

	"github.com/nuwank-swivel/notesync/store"
)

// DefaultMaxRetries is the per-item retry cap before an operation is dropped
// and logged rather than retried forever.
const DefaultMaxRetries = 5

// Item is one buffered write operation.
type Item struct {
	ID         string
	Operation  store.Operation
	Timestamp  time.Time
	RetryCount int
	MaxRetries int
}

// Exhausted reports whether the item has used up its retry budget.
func (i Item) Exhausted() bool {
	return i.RetryCount >= i.MaxRetries
}

// Status summarizes the queue for the UI: total buffered operations, how many
// have already failed at least once, and the age of the oldest one.
type Status struct {
	TotalOperations  int
	FailedOperations int
	OldestOperation  *time.Time
}

// Repository persists queue items. The SQLite implementation keeps the queue
// durable across application restarts.
type Repository interface {
	// Enqueue appends an item.
	Enqueue(ctx context.Context, item *Item) error

	// All returns every buffered item, oldest first.
	All(ctx context.Context) ([]Item, error)

	// Remove deletes an item after it was successfully written remotely, or
	// after its retry budget is exhausted. Removing a missing id is a no-op.
	Remove(ctx context.Context, id string) error

	// RemoveMany deletes a set of items atomically, used after a successful
	// batch drain so a crash mid-cleanup cannot replay half the batch.
	RemoveMany(ctx context.Context, ids []string) error

	// IncrementRetry bumps an item's retry count and returns the new value.
	IncrementRetry(ctx context.Context, id string) (int, error)

	// Count returns the number of buffered items.
	Count(ctx context.Context) (int, error)

	// Status returns the queue summary.
	Status(ctx context.Context) (Status, error)
}
