package kv

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// entry is one stored value. Exactly one of str/set is used, selected by kind.
type entry struct {
	kind Kind
	str  string
	set  map[string]struct{}
}

// MemoryStore is a thread-safe in-memory Store implementation.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Dry runs against an imported snapshot of a production keyspace
//   - Small datasets that fit entirely in RAM
//
// Thread Safety:
//
//	All public methods are thread-safe. Multiple goroutines can safely
//	call any method concurrently.
//
// Example:
//
//	store := kv.NewMemoryStore()
//	defer store.Close()
//
//	store.SAdd(ctx, "category:pet-care", "B1", "B2")
//	n, _ := store.SRem(ctx, "category:pet-care", "B1", "B2")
//	// n == 2 and the key no longer exists
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]*entry
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]*entry)}
}

func (m *MemoryStore) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get returns the value stored at key, whatever its kind.
func (m *MemoryStore) Get(ctx context.Context, key string) Value {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkOpen(ctx); err != nil {
		return ioError(err)
	}
	e, ok := m.data[key]
	if !ok {
		return notFound()
	}
	return e.value()
}

// Members returns the set stored at key.
func (m *MemoryStore) Members(ctx context.Context, key string) Value {
	v := m.Get(ctx, key)
	if v.Kind == KindString {
		return mismatch(fmt.Errorf("%w: %s holds a string", ErrWrongType, key))
	}
	return v
}

// Scalar returns the string stored at key.
func (m *MemoryStore) Scalar(ctx context.Context, key string) Value {
	v := m.Get(ctx, key)
	if v.Kind == KindSet {
		return mismatch(fmt.Errorf("%w: %s holds a set", ErrWrongType, key))
	}
	return v
}

// SetString stores a string at key, replacing any existing value.
func (m *MemoryStore) SetString(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(ctx); err != nil {
		return err
	}
	m.data[key] = &entry{kind: KindString, str: value}
	return nil
}

// SAdd adds members to the set at key and returns how many were new.
func (m *MemoryStore) SAdd(ctx context.Context, key string, members ...string) (int, error) {
	if key == "" {
		return 0, ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(ctx); err != nil {
		return 0, err
	}
	e, ok := m.data[key]
	if ok && e.kind != KindSet {
		return 0, fmt.Errorf("%w: %s", ErrWrongType, key)
	}
	if !ok {
		if len(members) == 0 {
			return 0, nil
		}
		e = &entry{kind: KindSet, set: make(map[string]struct{}, len(members))}
		m.data[key] = e
	}

	added := 0
	for _, member := range members {
		if _, exists := e.set[member]; !exists {
			e.set[member] = struct{}{}
			added++
		}
	}
	return added, nil
}

// SRem removes members from the set at key and returns how many were removed.
// The key is deleted when its last member goes.
func (m *MemoryStore) SRem(ctx context.Context, key string, members ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(ctx); err != nil {
		return 0, err
	}
	e, ok := m.data[key]
	if !ok {
		return 0, nil
	}
	if e.kind != KindSet {
		return 0, fmt.Errorf("%w: %s", ErrWrongType, key)
	}

	removed := 0
	for _, member := range members {
		if _, exists := e.set[member]; exists {
			delete(e.set, member)
			removed++
		}
	}
	if len(e.set) == 0 {
		delete(m.data, key)
	}
	return removed, nil
}

// Del removes keys of any kind and returns how many existed.
func (m *MemoryStore) Del(ctx context.Context, keys ...string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkOpen(ctx); err != nil {
		return 0, err
	}
	deleted := 0
	for _, key := range keys {
		if _, ok := m.data[key]; ok {
			delete(m.data, key)
			deleted++
		}
	}
	return deleted, nil
}

// Exists reports whether key holds any value.
func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkOpen(ctx); err != nil {
		return false, err
	}
	_, ok := m.data[key]
	return ok, nil
}

// Keys returns every key starting with prefix, sorted.
func (m *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkOpen(ctx); err != nil {
		return nil, err
	}
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store closed. Further calls fail with ErrStoreClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// value returns a copy so callers can't mutate stored state.
func (e *entry) value() Value {
	if e.kind == KindString {
		return Value{Kind: KindString, Str: e.str}
	}
	return Value{Kind: KindSet, Members: sortedMembers(e.set)}
}

// Verify MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)
