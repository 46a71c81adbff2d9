package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// MemoryBackend keeps every table in process memory. It is safe for concurrent use and is
// intended for tests and dry runs.
type MemoryBackend struct {
	mu     sync.Mutex
	tables map[string]*memoryTable
	closed bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tables: make(map[string]*memoryTable)}
}

func (b *MemoryBackend) Table(name string) (Table, error) {
	if err := ValidateKey(name); err != nil {
		return nil, fmt.Errorf("%w: table name: %v", ErrInvalidConfig, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	t, ok := b.tables[name]
	if !ok {
		t = &memoryTable{name: name, records: make(map[string][]byte)}
		b.tables[name] = t
	}
	return t, nil
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

type memoryTable struct {
	name string

	mu sync.RWMutex
	// Values are stored serialized so callers can never alias stored state.
	records map[string][]byte
}

func (t *memoryTable) Name() string { return t.name }

func (t *memoryTable) Get(_ context.Context, key string) (Record, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	t.mu.RLock()
	b, ok := t.records[key]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, t.name, key)
	}
	return UnmarshalRecord(b)
}

func (t *memoryTable) Upsert(_ context.Context, key string, partial Record) (Record, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	existing := Record{}
	if b, ok := t.records[key]; ok {
		rec, err := UnmarshalRecord(b)
		if err != nil {
			return nil, fmt.Errorf("kvstore/memory: decode %s: %w", key, err)
		}
		existing = rec
	}
	merged := Merge(existing, partial)
	b, err := MarshalRecord(merged)
	if err != nil {
		return nil, fmt.Errorf("kvstore/memory: encode %s: %w", key, err)
	}
	t.records[key] = b
	return merged, nil
}

func (t *memoryTable) Delete(_ context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	t.mu.Lock()
	delete(t.records, key)
	t.mu.Unlock()
	return nil
}

func (t *memoryTable) ExistsOrInsert(_ context.Context, key string, value Record) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	b, err := MarshalRecord(value)
	if err != nil {
		return false, fmt.Errorf("kvstore/memory: encode %s: %w", key, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.records[key]; ok {
		return false, nil
	}
	t.records[key] = b
	return true, nil
}

func (t *memoryTable) Walk(ctx context.Context, r Range, fn func(string, Record) error) error {
	t.mu.RLock()
	keys := make([]string, 0, len(t.records))
	snap := make(map[string][]byte, len(t.records))
	for k, v := range t.records {
		if r.Contains(k) {
			keys = append(keys, k)
			snap[k] = v
		}
	}
	t.mu.RUnlock()
	sort.Strings(keys)

	for i, k := range keys {
		if r.Limit > 0 && i >= r.Limit {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := UnmarshalRecord(snap[k])
		if err != nil {
			return fmt.Errorf("kvstore/memory: decode %s: %w", k, err)
		}
		if err := fn(k, rec); err != nil {
			if errors.Is(err, ErrStopWalk) {
				return nil
			}
			return err
		}
	}
	return nil
}
