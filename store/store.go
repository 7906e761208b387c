// Package store defines the abstract remote document store the sync engine is
// written against: collection-oriented CRUD, filtered queries, change
// subscriptions and batched writes. Implementations are assumed to be
// eventually consistent and subject to transient failure.
package store

import "context"

// FilterOp is a comparison operator applied by Query and Subscribe filters.
type FilterOp string

const (
	FilterEq FilterOp = "=="
	FilterNe FilterOp = "!="
)

// Filter restricts a query or subscription to records whose field matches.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// OrderBy names the field query results are sorted on.
type OrderBy struct {
	Field string
	Desc  bool
}

// OpType classifies a batched write operation.
type OpType string

const (
	OpCreate OpType = "create"
	OpUpdate OpType = "update"
	OpDelete OpType = "delete"
)

// Operation is a single write in a batch: target collection, document id and
// payload. Delete operations carry no payload.
type Operation struct {
	Type       OpType
	Collection string
	ID         string
	Data       map[string]any
}

// EventType classifies a change-feed event.
type EventType string

const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
	EventDeleted EventType = "deleted"
)

// Event is a single change delivered to a subscription callback.
type Event struct {
	Type       EventType
	Collection string
	ID         string
	Data       map[string]any
}

// Unsubscribe detaches a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Store is the remote document store interface. Every successful Create or
// Update bumps the record's revisionId field; that value is the optimistic
// concurrency token carried through the rest of the engine.
type Store interface {
	// Get returns a single record, or common.ErrNotFound.
	Get(ctx context.Context, collection, id string) (map[string]any, error)

	// Query returns records matching every filter, optionally ordered and
	// limited. A limit of 0 means no limit.
	Query(ctx context.Context, collection string, filters []Filter, orderBy *OrderBy, limit int) ([]map[string]any, error)

	// Create inserts a new record.
	Create(ctx context.Context, collection, id string, data map[string]any) error

	// Update overwrites fields of an existing record, or common.ErrNotFound.
	Update(ctx context.Context, collection, id string, data map[string]any) error

	// Delete removes a record. Deleting a missing record is not an error.
	Delete(ctx context.Context, collection, id string) error

	// Subscribe registers fn for every change in collection matching the
	// filters. The returned Unsubscribe is idempotent.
	Subscribe(ctx context.Context, collection string, filters []Filter, fn func(Event)) (Unsubscribe, error)

	// BatchWrite applies all operations; implementations may apply them
	// atomically but are only required to be all-or-nothing per call result.
	BatchWrite(ctx context.Context, ops []Operation) error
}

// Matches reports whether a record satisfies a filter.
func (f Filter) Matches(rec map[string]any) bool {
	v, ok := rec[f.Field]
	switch f.Op {
	case FilterNe:
		return !ok || v != f.Value
	default:
		return ok && v == f.Value
	}
}

// MatchesAll reports whether a record satisfies every filter.
func MatchesAll(filters []Filter, rec map[string]any) bool {
	for _, f := range filters {
		if !f.Matches(rec) {
			return false
		}
	}
	return true
}
