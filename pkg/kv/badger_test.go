package kv

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestBadger(t *testing.T) *BadgerStore {
	t.Helper()
	s, err := NewBadgerStoreInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBadgerStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return newTestBadger(t)
	})
}

func TestBadgerStore_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SetString(ctx, "business:B1", `{"category":"Automotive"}`))
	_, err = s.SAdd(ctx, "category:automotive", "B1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewBadgerStoreWithOptions(BadgerOptions{DataDir: dir, SyncWrites: true})
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, `{"category":"Automotive"}`, s.Scalar(ctx, "business:B1").Str)
	assert.Equal(t, []string{"B1"}, s.Members(ctx, "category:automotive").Members)
}

func TestBadgerStore_UndecodablePayloads(t *testing.T) {
	ctx := context.Background()
	s := newTestBadger(t)

	t.Run("unknown_tag", func(t *testing.T) {
		require.NoError(t, s.putRaw("category:bad-tag", []byte{0x7f, 'x'}))
		v := s.Get(ctx, "category:bad-tag")
		assert.Equal(t, KindShapeMismatch, v.Kind)
		assert.Contains(t, v.Err.Error(), "unknown value tag")
	})

	t.Run("broken_set_json", func(t *testing.T) {
		require.NoError(t, s.putRaw("category:bad-json", append([]byte{tagSet}, []byte("[\"B1\"")...)))
		assert.Equal(t, KindShapeMismatch, s.Members(ctx, "category:bad-json").Kind)
	})

	t.Run("empty_payload", func(t *testing.T) {
		require.NoError(t, s.putRaw("category:empty", []byte{}))
		assert.Equal(t, KindShapeMismatch, s.Get(ctx, "category:empty").Kind)
	})

	t.Run("sadd_refuses_corrupt_key", func(t *testing.T) {
		_, err := s.SAdd(ctx, "category:bad-tag", "B1")
		assert.ErrorIs(t, err, ErrWrongType)
	})

	t.Run("del_removes_corrupt_key", func(t *testing.T) {
		n, err := s.Del(ctx, "category:bad-tag")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, KindNotFound, s.Get(ctx, "category:bad-tag").Kind)
	})
}

func TestBadgerStore_KeysDoesNotLeakPrefixByte(t *testing.T) {
	ctx := context.Background()
	s := newTestBadger(t)

	require.NoError(t, s.SetString(ctx, "category:a", "x"))
	keys, err := s.Keys(ctx, "cat")
	require.NoError(t, err)
	assert.Equal(t, []string{"category:a"}, keys)
}

func TestZapBadgerLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZapBadgerLogger(zap.New(core))

	l.Warningf("value log %d truncated\n", 3)
	l.Infof("replaying")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "value log 3 truncated", entries[0].Message)
	assert.Equal(t, "badger", entries[0].LoggerName)
	assert.Equal(t, zapcore.DebugLevel, entries[1].Level)

	s, err := NewBadgerStoreWithOptions(BadgerOptions{InMemory: true, Logger: l})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
