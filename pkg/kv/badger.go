// BadgerStore provides persistent disk-based storage using BadgerDB.
// Every logical key is one Badger entry, so each Store operation runs in a
// single Badger transaction touching a single key.

package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization
const (
	prefixValue = byte(0x01) // 0x01 + key -> tag + payload
)

// Value tags stored as the first byte of every Badger value.
const (
	tagString = byte('s')
	tagSet    = byte('S')
)

// BadgerStore provides persistent storage using BadgerDB.
//
// Key Structure:
//   - 0x01 + key -> 's' + raw string bytes
//   - 0x01 + key -> 'S' + JSON array of members (sorted)
//
// A value whose tag is unknown or whose set payload does not decode reads as
// KindShapeMismatch, the same way a string read through Members does. That is
// how index keys damaged by foreign writers show up to the validator.
//
// Example:
//
//	store, err := kv.NewBadgerStore("./data/catindex")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
//
//	store.SAdd(ctx, "category:pet-care", "B1")
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines.
type BadgerStore struct {
	db     *badger.DB
	mu     sync.RWMutex // Protects closed
	closed bool
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// DataDir holds the value log and LSM files. Ignored when InMemory.
	DataDir string

	// InMemory keeps everything in RAM; the keyspace is lost on Close.
	InMemory bool

	// SyncWrites fsyncs every Update before it returns.
	SyncWrites bool

	// Logger receives badger's own log output; nil discards it.
	// See NewZapBadgerLogger.
	Logger badger.Logger
}

// NewBadgerStore opens a persistent store in dataDir with default settings.
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerStoreWithOptions opens a BadgerStore with custom configuration.
//
// The low-memory tuning is always applied: the keyspace is a few hundred
// thousand small keys at most, and the tool runs next to the web application.
func NewBadgerStoreWithOptions(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	// A nil logger silences Badger
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStoreInMemory creates an in-memory BadgerDB for testing.
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{InMemory: true})
}

// ============================================================================
// Encoding helpers
// ============================================================================

func valueKey(key string) []byte {
	k := make([]byte, 0, 1+len(key))
	k = append(k, prefixValue)
	return append(k, key...)
}

func encodeString(s string) []byte {
	out := make([]byte, 0, 1+len(s))
	out = append(out, tagString)
	return append(out, s...)
}

func encodeSet(set map[string]struct{}) ([]byte, error) {
	payload, err := json.Marshal(sortedMembers(set))
	if err != nil {
		return nil, err
	}
	return append([]byte{tagSet}, payload...), nil
}

// decodeValue turns a raw Badger value into a tagged Value.
func decodeValue(key string, raw []byte) Value {
	if len(raw) == 0 {
		return mismatch(fmt.Errorf("%s: empty payload", key))
	}
	switch raw[0] {
	case tagString:
		return Value{Kind: KindString, Str: string(raw[1:])}
	case tagSet:
		var members []string
		if err := json.Unmarshal(raw[1:], &members); err != nil {
			return mismatch(fmt.Errorf("%s: undecodable set payload: %w", key, err))
		}
		if len(members) == 0 {
			return mismatch(fmt.Errorf("%s: empty set payload", key))
		}
		sort.Strings(members)
		return Value{Kind: KindSet, Members: members}
	default:
		return mismatch(fmt.Errorf("%s: unknown value tag 0x%02x", key, raw[0]))
	}
}

// loadSet reads the set at key inside txn. A missing key yields an empty set.
func loadSet(txn *badger.Txn, key string) (map[string]struct{}, bool, error) {
	item, err := txn.Get(valueKey(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return map[string]struct{}{}, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var v Value
	if err := item.Value(func(raw []byte) error {
		v = decodeValue(key, raw)
		return nil
	}); err != nil {
		return nil, false, err
	}
	if v.Kind != KindSet {
		return nil, true, fmt.Errorf("%w: %s", ErrWrongType, key)
	}
	set := make(map[string]struct{}, len(v.Members))
	for _, m := range v.Members {
		set[m] = struct{}{}
	}
	return set, true, nil
}

// ============================================================================
// Store Operations
// ============================================================================

func (b *BadgerStore) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStoreClosed
	}
	return nil
}

// Get returns the value stored at key, whatever its kind.
func (b *BadgerStore) Get(ctx context.Context, key string) Value {
	if err := b.checkOpen(ctx); err != nil {
		return ioError(err)
	}

	var v Value
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(valueKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			v = notFound()
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			v = decodeValue(key, raw)
			return nil
		})
	})
	if err != nil {
		return ioError(fmt.Errorf("reading %s: %w", key, err))
	}
	return v
}

// Members returns the set stored at key.
func (b *BadgerStore) Members(ctx context.Context, key string) Value {
	v := b.Get(ctx, key)
	if v.Kind == KindString {
		return mismatch(fmt.Errorf("%w: %s holds a string", ErrWrongType, key))
	}
	return v
}

// Scalar returns the string stored at key.
func (b *BadgerStore) Scalar(ctx context.Context, key string) Value {
	v := b.Get(ctx, key)
	if v.Kind == KindSet {
		return mismatch(fmt.Errorf("%w: %s holds a set", ErrWrongType, key))
	}
	return v
}

// SetString stores a string at key, replacing any existing value.
func (b *BadgerStore) SetString(ctx context.Context, key, value string) error {
	if key == "" {
		return ErrInvalidKey
	}
	if err := b.checkOpen(ctx); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(valueKey(key), encodeString(value))
	})
}

// SAdd adds members to the set at key and returns how many were new.
func (b *BadgerStore) SAdd(ctx context.Context, key string, members ...string) (int, error) {
	if key == "" {
		return 0, ErrInvalidKey
	}
	if err := b.checkOpen(ctx); err != nil {
		return 0, err
	}

	added := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		added = 0
		set, _, err := loadSet(txn, key)
		if err != nil {
			return err
		}
		for _, m := range members {
			if _, ok := set[m]; !ok {
				set[m] = struct{}{}
				added++
			}
		}
		if added == 0 {
			return nil
		}
		data, err := encodeSet(set)
		if err != nil {
			return err
		}
		return txn.Set(valueKey(key), data)
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// SRem removes members from the set at key and returns how many were removed.
// The key is deleted when its last member goes.
func (b *BadgerStore) SRem(ctx context.Context, key string, members ...string) (int, error) {
	if err := b.checkOpen(ctx); err != nil {
		return 0, err
	}

	removed := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		removed = 0
		set, exists, err := loadSet(txn, key)
		if err != nil || !exists {
			return err
		}
		for _, m := range members {
			if _, ok := set[m]; ok {
				delete(set, m)
				removed++
			}
		}
		if removed == 0 {
			return nil
		}
		if len(set) == 0 {
			return txn.Delete(valueKey(key))
		}
		data, err := encodeSet(set)
		if err != nil {
			return err
		}
		return txn.Set(valueKey(key), data)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Del removes keys of any kind and returns how many existed.
// Each key is deleted in its own transaction.
func (b *BadgerStore) Del(ctx context.Context, keys ...string) (int, error) {
	if err := b.checkOpen(ctx); err != nil {
		return 0, err
	}

	deleted := 0
	for _, key := range keys {
		err := b.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(valueKey(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			deleted++
			return txn.Delete(valueKey(key))
		})
		if err != nil {
			return deleted, fmt.Errorf("deleting %s: %w", key, err)
		}
	}
	return deleted, nil
}

// Exists reports whether key holds any value.
func (b *BadgerStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := b.checkOpen(ctx); err != nil {
		return false, err
	}
	exists := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(valueKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// Keys returns every key starting with prefix, sorted.
func (b *BadgerStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := b.checkOpen(ctx); err != nil {
		return nil, err
	}

	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := valueKey(prefix)
		for it.Seek(seek); it.ValidForPrefix(seek); it.Next() {
			// Check context cancellation
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			k := it.Item().Key()
			keys = append(keys, string(k[1:]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// Close closes the underlying database.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// putRaw writes an arbitrary raw value. Tests use it to simulate foreign
// writers leaving undecodable payloads.
func (b *BadgerStore) putRaw(key string, raw []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(valueKey(key), raw)
	})
}

// Verify BadgerStore implements Store interface
var _ Store = (*BadgerStore)(nil)
