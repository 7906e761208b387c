package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nuwank-swivel/notesync/common"
)

// Memory is an in-memory Store implementation. It is the default backing for
// tests and offline development, and the reference for revision-token and
// subscription semantics: every write bumps revisionId and updatedAt, and
// change events are fanned out synchronously to matching subscribers.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]any
	subs        map[int]*memorySub
	nextSubID   int
	forcedErr   error
}

type memorySub struct {
	collection string
	filters    []Filter
	fn         func(Event)
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]map[string]any),
		subs:        make(map[int]*memorySub),
	}
}

// SetError forces every subsequent operation to fail with err until called
// again with nil. Used to simulate transient store outages in tests.
func (m *Memory) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forcedErr = err
}

func (m *Memory) failing() error {
	return m.forcedErr
}

func cloneRecord(rec map[string]any) map[string]any {
	out := make(map[string]any, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func (m *Memory) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failing(); err != nil {
		return nil, err
	}
	rec, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, common.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

func (m *Memory) Query(ctx context.Context, collection string, filters []Filter, orderBy *OrderBy, limit int) ([]map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.failing(); err != nil {
		return nil, err
	}

	var result []map[string]any
	for _, rec := range m.collections[collection] {
		if MatchesAll(filters, rec) {
			result = append(result, cloneRecord(rec))
		}
	}

	if orderBy != nil {
		sort.SliceStable(result, func(i, j int) bool {
			less := lessValues(result[i][orderBy.Field], result[j][orderBy.Field])
			if orderBy.Desc {
				return !less && !equalValues(result[i][orderBy.Field], result[j][orderBy.Field])
			}
			return less
		})
	}

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *Memory) Create(ctx context.Context, collection, id string, data map[string]any) error {
	m.mu.Lock()
	if err := m.failing(); err != nil {
		m.mu.Unlock()
		return err
	}

	rec := cloneRecord(data)
	rec["id"] = id
	rec["revisionId"] = uuid.NewString()
	rec["updatedAt"] = time.Now().UTC()

	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]map[string]any)
	}
	m.collections[collection][id] = rec

	ev := Event{Type: EventCreated, Collection: collection, ID: id, Data: cloneRecord(rec)}
	subs := m.matchingSubs(collection, rec)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, data map[string]any) error {
	m.mu.Lock()
	if err := m.failing(); err != nil {
		m.mu.Unlock()
		return err
	}

	rec, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("update %s/%s: %w", collection, id, common.ErrNotFound)
	}

	for k, v := range data {
		rec[k] = v
	}
	rec["revisionId"] = uuid.NewString()
	rec["updatedAt"] = time.Now().UTC()

	ev := Event{Type: EventUpdated, Collection: collection, ID: id, Data: cloneRecord(rec)}
	subs := m.matchingSubs(collection, rec)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	if err := m.failing(); err != nil {
		m.mu.Unlock()
		return err
	}

	rec, ok := m.collections[collection][id]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.collections[collection], id)

	ev := Event{Type: EventDeleted, Collection: collection, ID: id, Data: cloneRecord(rec)}
	subs := m.matchingSubs(collection, rec)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, collection string, filters []Filter, fn func(Event)) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failing(); err != nil {
		return nil, err
	}

	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = &memorySub{collection: collection, filters: filters, fn: fn}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}, nil
}

func (m *Memory) BatchWrite(ctx context.Context, ops []Operation) error {
	for _, op := range ops {
		var err error
		switch op.Type {
		case OpCreate:
			err = m.Create(ctx, op.Collection, op.ID, op.Data)
		case OpUpdate:
			err = m.Update(ctx, op.Collection, op.ID, op.Data)
		case OpDelete:
			err = m.Delete(ctx, op.Collection, op.ID)
		default:
			err = fmt.Errorf("unknown batch operation type %q", op.Type)
		}
		if err != nil {
			return fmt.Errorf("batch %s %s/%s: %w", op.Type, op.Collection, op.ID, err)
		}
	}
	return nil
}

// matchingSubs must be called with m.mu held.
func (m *Memory) matchingSubs(collection string, rec map[string]any) []func(Event) {
	var fns []func(Event)
	for _, s := range m.subs {
		if s.collection == collection && MatchesAll(s.filters, rec) {
			fns = append(fns, s.fn)
		}
	}
	return fns
}

func lessValues(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Before(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	case int:
		if bv, ok := b.(int); ok {
			return av < bv
		}
	case int64:
		if bv, ok := b.(int64); ok {
			return av < bv
		}
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	}
	return false
}

func equalValues(a, b any) bool {
	return !lessValues(a, b) && !lessValues(b, a)
}
