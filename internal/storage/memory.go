package storage

import (
	"context"
	"sort"
	"sync"

	"candle-sync/internal/frame"
)

// MemoryStore keeps items in process. Used by the memory backend and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	items     map[string]Item
	batchSize int
}

// NewMemoryStore constructs an empty store accepting batchSize items per write.
func NewMemoryStore(batchSize int) *MemoryStore {
	if batchSize <= 0 {
		batchSize = DefaultMaxBatchSize
	}
	return &MemoryStore{items: make(map[string]Item), batchSize: batchSize}
}

// WriteBatch stores every item, replacing existing keys wholesale.
func (m *MemoryStore) WriteBatch(ctx context.Context, items []Item) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("write", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.items[it.Key] = cloneItem(it)
	}
	return nil, nil
}

// MaxBatchSize implements Writer.
func (m *MemoryStore) MaxBatchSize() int { return m.batchSize }

// GetBatch returns stored items for keys.
func (m *MemoryStore) GetBatch(ctx context.Context, keys []string) ([]Item, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, unavailable("get", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	found := make([]Item, 0, len(keys))
	for _, k := range keys {
		if it, ok := m.items[k]; ok {
			found = append(found, cloneItem(it))
		}
	}
	return found, nil, nil
}

// MaxGetBatchSize implements Reader.
func (m *MemoryStore) MaxGetBatchSize() int { return DefaultMaxGetBatchSize }

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() {}

// Len returns the number of stored items.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Items returns a snapshot ordered by timestamp.
func (m *MemoryStore) Items() []Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Item, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, cloneItem(it))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

func cloneItem(it Item) Item {
	attrs := make(map[string]frame.Value, len(it.Attributes))
	for k, v := range it.Attributes {
		attrs[k] = v
	}
	it.Attributes = attrs
	return it
}

var _ Backend = (*MemoryStore)(nil)
