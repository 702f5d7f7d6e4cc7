package kvtab

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryTable is an in-memory Table used by tests and local runs.
type MemoryTable struct {
	mu      sync.Mutex
	entries map[string]Entry
	rev     uint64
}

// NewMemory creates an empty MemoryTable.
func NewMemory() *MemoryTable {
	return &MemoryTable{entries: make(map[string]Entry)}
}

func (t *MemoryTable) Get(_ context.Context, key string) (Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[SafeKey(key)]
	if !ok {
		return Entry{}, fmt.Errorf("kvtab: %s: %w", key, ErrNotFound)
	}
	return Entry{Key: key, Value: append([]byte(nil), e.Value...), Revision: e.Revision}, nil
}

func (t *MemoryTable) Put(_ context.Context, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rev++
	t.entries[SafeKey(key)] = Entry{Key: key, Value: append([]byte(nil), value...), Revision: t.rev}
	return nil
}

func (t *MemoryTable) Create(_ context.Context, key string, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := SafeKey(key)
	if _, ok := t.entries[k]; ok {
		return fmt.Errorf("kvtab: %s: %w", key, ErrExists)
	}
	t.rev++
	t.entries[k] = Entry{Key: key, Value: append([]byte(nil), value...), Revision: t.rev}
	return nil
}

func (t *MemoryTable) Update(_ context.Context, key string, value []byte, revision uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := SafeKey(key)
	e, ok := t.entries[k]
	if !ok || e.Revision != revision {
		return fmt.Errorf("kvtab: %s: %w", key, ErrConflict)
	}
	t.rev++
	t.entries[k] = Entry{Key: key, Value: append([]byte(nil), value...), Revision: t.rev}
	return nil
}

func (t *MemoryTable) Delete(_ context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := SafeKey(key)
	if _, ok := t.entries[k]; !ok {
		return fmt.Errorf("kvtab: %s: %w", key, ErrNotFound)
	}
	delete(t.entries, k)
	return nil
}

func (t *MemoryTable) Keys(_ context.Context) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
