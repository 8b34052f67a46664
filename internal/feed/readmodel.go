package feed

import (
	"context"
	"sync"
)

// ReadModel is a keyed in-memory view of one table.
type ReadModel[T any] struct {
	mu    sync.RWMutex
	key   func(T) string
	load  func(context.Context) ([]T, error)
	items []T
}

// NewReadModel builds an empty model. load is used by Refresh and may be nil
// for models that are only fed by changes.
func NewReadModel[T any](key func(T) string, load func(context.Context) ([]T, error)) *ReadModel[T] {
	return &ReadModel[T]{key: key, load: load}
}

// Merge applies c to items: insert prepends (replacing an existing row with
// the same key), update replaces by key or inserts when absent, delete removes
// by key. Records of the wrong type are ignored.
func Merge[T any](items []T, c Change, key func(T) string) []T {
	k := c.Key
	var rec T
	if c.Op != Delete {
		r, ok := c.Record.(T)
		if !ok {
			return items
		}
		rec = r
		if k == "" {
			k = key(rec)
		}
	}
	idx := -1
	for i, it := range items {
		if key(it) == k {
			idx = i
			break
		}
	}
	switch c.Op {
	case Insert:
		if idx >= 0 {
			items[idx] = rec
			return items
		}
		return append([]T{rec}, items...)
	case Update:
		if idx >= 0 {
			items[idx] = rec
			return items
		}
		return append(items, rec)
	case Delete:
		if idx < 0 {
			return items
		}
		return append(items[:idx], items[idx+1:]...)
	}
	return items
}

func (m *ReadModel[T]) Apply(c Change) {
	m.mu.Lock()
	m.items = Merge(m.items, c, m.key)
	m.mu.Unlock()
}

// Refresh replaces the model's contents with the store's current rows.
func (m *ReadModel[T]) Refresh(ctx context.Context) error {
	if m.load == nil {
		return nil
	}
	items, err := m.load(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.items = append([]T(nil), items...)
	m.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the current rows.
func (m *ReadModel[T]) Snapshot() []T {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]T(nil), m.items...)
}

func (m *ReadModel[T]) Get(key string) (T, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, it := range m.items {
		if m.key(it) == key {
			return it, true
		}
	}
	var zero T
	return zero, false
}

func (m *ReadModel[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
