package kv

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreContract exercises the Redis-compatible semantics every Store
// implementation must provide.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("missing_key_reads_not_found", func(t *testing.T) {
		s := newStore(t)
		assert.Equal(t, KindNotFound, s.Get(ctx, "nope").Kind)
		assert.Equal(t, KindNotFound, s.Members(ctx, "nope").Kind)
		assert.Equal(t, KindNotFound, s.Scalar(ctx, "nope").Kind)

		ok, err := s.Exists(ctx, "nope")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("string_roundtrip", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SetString(ctx, "business:B1", `{"category":"Pet Care"}`))

		v := s.Scalar(ctx, "business:B1")
		require.Equal(t, KindString, v.Kind)
		assert.Equal(t, `{"category":"Pet Care"}`, v.Str)
		assert.True(t, v.OK())
	})

	t.Run("sadd_reports_new_members_and_sorts", func(t *testing.T) {
		s := newStore(t)
		n, err := s.SAdd(ctx, "category:pet-care", "B2", "B1", "B2")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		n, err = s.SAdd(ctx, "category:pet-care", "B1", "B3")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		v := s.Members(ctx, "category:pet-care")
		require.Equal(t, KindSet, v.Kind)
		assert.Equal(t, []string{"B1", "B2", "B3"}, v.Members)
		assert.True(t, v.Has("B2"))
		assert.False(t, v.Has("B9"))
	})

	t.Run("sadd_on_string_is_wrong_type", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SetString(ctx, "category:automotive", "oops"))

		_, err := s.SAdd(ctx, "category:automotive", "B1")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrWrongType))
		assert.False(t, IsRetryable(err))

		// Value untouched
		assert.Equal(t, "oops", s.Scalar(ctx, "category:automotive").Str)
	})

	t.Run("shape_mismatch_on_wrong_read", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SetString(ctx, "k1", "x"))
		_, err := s.SAdd(ctx, "k2", "a")
		require.NoError(t, err)

		v := s.Members(ctx, "k1")
		assert.Equal(t, KindShapeMismatch, v.Kind)
		assert.Error(t, v.Err)
		assert.Equal(t, KindShapeMismatch, s.Scalar(ctx, "k2").Kind)
	})

	t.Run("srem_deletes_empty_set", func(t *testing.T) {
		s := newStore(t)
		_, err := s.SAdd(ctx, "category:x", "B1", "B2")
		require.NoError(t, err)

		n, err := s.SRem(ctx, "category:x", "B1", "B9")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, []string{"B2"}, s.Members(ctx, "category:x").Members)

		n, err = s.SRem(ctx, "category:x", "B2")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		ok, err := s.Exists(ctx, "category:x")
		require.NoError(t, err)
		assert.False(t, ok, "empty set must not be stored")
	})

	t.Run("srem_on_missing_key_is_noop", func(t *testing.T) {
		s := newStore(t)
		n, err := s.SRem(ctx, "category:none", "B1")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("sadd_without_members_creates_nothing", func(t *testing.T) {
		s := newStore(t)
		n, err := s.SAdd(ctx, "category:empty")
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, KindNotFound, s.Get(ctx, "category:empty").Kind)
	})

	t.Run("del_counts_existing_keys", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.SetString(ctx, "a", "1"))
		_, err := s.SAdd(ctx, "b", "x")
		require.NoError(t, err)

		n, err := s.Del(ctx, "a", "b", "c")
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, KindNotFound, s.Get(ctx, "a").Kind)
		assert.Equal(t, KindNotFound, s.Get(ctx, "b").Kind)
	})

	t.Run("keys_by_prefix_sorted", func(t *testing.T) {
		s := newStore(t)
		for _, k := range []string{"category:b", "category:a", "business:B1", "businesses"} {
			require.NoError(t, s.SetString(ctx, k, "v"))
		}

		keys, err := s.Keys(ctx, "category:")
		require.NoError(t, err)
		assert.Equal(t, []string{"category:a", "category:b"}, keys)

		all, err := s.Keys(ctx, "")
		require.NoError(t, err)
		assert.Len(t, all, 4)
	})

	t.Run("invalid_key_rejected", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.SetString(ctx, "", "v"), ErrInvalidKey)
		_, err := s.SAdd(ctx, "", "m")
		assert.ErrorIs(t, err, ErrInvalidKey)
	})

	t.Run("cancelled_context", func(t *testing.T) {
		s := newStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		assert.Equal(t, KindIOError, s.Get(cctx, "k").Kind)
		assert.ErrorIs(t, s.SetString(cctx, "k", "v"), context.Canceled)
		_, err := s.Keys(cctx, "")
		assert.Error(t, err)
	})

	t.Run("closed_store", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())

		v := s.Get(ctx, "k")
		assert.Equal(t, KindIOError, v.Kind)
		assert.ErrorIs(t, v.Err, ErrStoreClosed)
		assert.ErrorIs(t, s.SetString(ctx, "k", "v"), ErrStoreClosed)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	_, err := s.SAdd(ctx, "category:x", "B1", "B2")
	require.NoError(t, err)

	v := s.Members(ctx, "category:x")
	v.Members[0] = "mutated"

	assert.Equal(t, []string{"B1", "B2"}, s.Members(ctx, "category:x").Members)
}

func TestMemoryStore_ConcurrentSAdd(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.SAdd(ctx, "category:busy", string(rune('a'+i%26)))
		}(i)
	}
	wg.Wait()

	assert.Len(t, s.Members(ctx, "category:busy").Members, 26)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"wrong type", ErrWrongType, false},
		{"invalid key", ErrInvalidKey, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"io", errors.New("connection reset"), true},
		{"closed", ErrStoreClosed, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "not_found", KindNotFound.String())
	assert.Equal(t, "set", KindSet.String())
	assert.Equal(t, "shape_mismatch", KindShapeMismatch.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
