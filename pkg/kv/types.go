// Package kv provides the schema-less key-value store the directory keeps its
// business records and category indexes in.
//
// The store mirrors the small subset of Redis semantics the directory relies on:
// every key holds either a string or a set of strings, a set is never stored
// empty, and every operation is atomic on exactly one key. There are no
// multi-key transactions. Callers that need to change several keys must treat
// each write as an independent, individually-idempotent step.
//
// Because nothing enforces a schema, a key can hold the wrong kind of value at
// any time. Reads therefore never assume a shape: they return a tagged Value
// that says what was actually found.
//
// Design Principles:
//   - Tagged reads (Value.Kind) instead of shape assumptions
//   - Redis-compatible set semantics (SADD/SREM/SMEMBERS/DEL/KEYS)
//   - Testability through dependency injection (MemoryStore)
//   - Persistent storage through BadgerDB (BadgerStore)
//
// Example Usage:
//
//	store := kv.NewMemoryStore()
//	defer store.Close()
//
//	ctx := context.Background()
//	store.SetString(ctx, "business:B1", `{"category":"Pet Care"}`)
//	store.SAdd(ctx, "businesses", "B1")
//	store.SAdd(ctx, "category:pet-care", "B1")
//
//	v := store.Members(ctx, "category:pet-care")
//	switch v.Kind {
//	case kv.KindSet:
//		fmt.Println(v.Members) // [B1]
//	case kv.KindShapeMismatch:
//		fmt.Println("index holds the wrong type")
//	}
package kv

import (
	"context"
	"errors"
	"sort"
)

// Common errors
var (
	ErrNotFound    = errors.New("not found")
	ErrWrongType   = errors.New("operation against a key holding the wrong kind of value")
	ErrInvalidKey  = errors.New("invalid key")
	ErrStoreClosed = errors.New("store closed")
)

// Kind tags what a read found at a key.
type Kind uint8

const (
	// KindNotFound means the key does not exist.
	KindNotFound Kind = iota
	// KindString means the key holds a scalar string.
	KindString
	// KindSet means the key holds a set of strings.
	KindSet
	// KindShapeMismatch means the key exists but does not hold the requested
	// shape, or its stored payload cannot be decoded at all.
	KindShapeMismatch
	// KindIOError means the read itself failed.
	KindIOError
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindString:
		return "string"
	case KindSet:
		return "set"
	case KindShapeMismatch:
		return "shape_mismatch"
	case KindIOError:
		return "io_error"
	default:
		return "unknown"
	}
}

// Value is the tagged result of a read.
//
// Exactly one of the payload fields is meaningful, selected by Kind:
//   - KindString: Str
//   - KindSet: Members (sorted, never empty)
//   - KindShapeMismatch, KindIOError: Err describes the problem
//   - KindNotFound: nothing
//
// Example:
//
//	v := store.Members(ctx, "category:automotive")
//	if v.Kind == kv.KindSet && v.Has("B7") {
//		// B7 is indexed under automotive
//	}
type Value struct {
	Kind    Kind
	Str     string
	Members []string
	Err     error
}

// OK reports whether the read produced a usable string or set.
func (v Value) OK() bool {
	return v.Kind == KindString || v.Kind == KindSet
}

// Has reports whether member is in a set value.
func (v Value) Has(member string) bool {
	if v.Kind != KindSet {
		return false
	}
	i := sort.SearchStrings(v.Members, member)
	return i < len(v.Members) && v.Members[i] == member
}

// Store is the key-value store interface.
//
// All implementations must be safe for concurrent use. Each method is atomic on
// the single key it touches (Del is atomic per key, not across keys).
//
// Read semantics:
//   - Get returns whatever is stored (KindString or KindSet) or KindNotFound.
//   - Members expects a set; a string key yields KindShapeMismatch.
//   - Scalar expects a string; a set key yields KindShapeMismatch.
//
// Write semantics (Redis compatible):
//   - SetString overwrites any existing value regardless of type.
//   - SAdd creates the set if missing and fails with ErrWrongType on a string key.
//   - SRem deletes the key once the last member is removed.
//   - Del removes keys of any type and reports how many existed.
type Store interface {
	Get(ctx context.Context, key string) Value
	Members(ctx context.Context, key string) Value
	Scalar(ctx context.Context, key string) Value

	SetString(ctx context.Context, key, value string) error
	SAdd(ctx context.Context, key string, members ...string) (int, error)
	SRem(ctx context.Context, key string, members ...string) (int, error)
	Del(ctx context.Context, keys ...string) (int, error)

	Exists(ctx context.Context, key string) (bool, error)
	// Keys returns every key starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// notFound, ioError and mismatch are small constructors used by implementations.
func notFound() Value { return Value{Kind: KindNotFound} }

func ioError(err error) Value { return Value{Kind: KindIOError, Err: err} }

func mismatch(err error) Value { return Value{Kind: KindShapeMismatch, Err: err} }

// sortedMembers converts a member set to the sorted slice used in Values.
func sortedMembers(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// IsRetryable reports whether an error from a Store write is transient.
// Wrong-type and invalid-key errors are permanent: retrying the same write
// against the same key will fail again.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrWrongType) && !errors.Is(err, ErrInvalidKey) &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
