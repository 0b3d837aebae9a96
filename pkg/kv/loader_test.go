package kv

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDump = `{
  "keys": [
    {"key": "business:B1", "type": "string", "value": "{\"category\":\"Pet Care\"}"},
    {"key": "businesses", "type": "set", "value": ["B1", "B2"]},
    {"key": "category:pet-care", "type": "set", "value": ["B1"]},
    {"key": "category:automotive", "type": "corrupt", "value": "garbage"}
  ]
}`

func TestImport(t *testing.T) {
	ctx := context.Background()

	t.Run("loads_every_entry", func(t *testing.T) {
		s := NewMemoryStore()
		stats, err := Import(ctx, s, strings.NewReader(sampleDump))
		require.NoError(t, err)

		assert.Equal(t, 2, stats.Strings)
		assert.Equal(t, 2, stats.Sets)
		assert.Equal(t, 3, stats.Members)

		assert.Equal(t, []string{"B1", "B2"}, s.Members(ctx, "businesses").Members)
		assert.Equal(t, KindShapeMismatch, s.Members(ctx, "category:automotive").Kind)
	})

	t.Run("replaces_existing_sets", func(t *testing.T) {
		s := NewMemoryStore()
		_, err := s.SAdd(ctx, "businesses", "OLD")
		require.NoError(t, err)

		_, err = Import(ctx, s, strings.NewReader(sampleDump))
		require.NoError(t, err)
		assert.False(t, s.Members(ctx, "businesses").Has("OLD"))
	})

	t.Run("rejects_bad_documents", func(t *testing.T) {
		cases := map[string]string{
			"not json":     `{`,
			"unknown type": `{"keys":[{"key":"k","type":"hash","value":"x"}]}`,
			"empty key":    `{"keys":[{"key":"","type":"string","value":"x"}]}`,
			"set as str":   `{"keys":[{"key":"k","type":"set","value":"x"}]}`,
		}
		for name, doc := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := Import(ctx, NewMemoryStore(), strings.NewReader(doc))
				assert.Error(t, err)
			})
		}
	})
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.SetString(ctx, "business:B1", `{"category":"Automotive"}`))
	_, err := s.SAdd(ctx, "category:automotive", "B1")
	require.NoError(t, err)
	_, err = s.SAdd(ctx, "businesses", "B1")
	require.NoError(t, err)

	t.Run("prefix_filter", func(t *testing.T) {
		var buf bytes.Buffer
		n, err := Export(ctx, s, &buf, "category:")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		var dump Dump
		require.NoError(t, json.Unmarshal(buf.Bytes(), &dump))
		require.Len(t, dump.Keys, 1)
		assert.Equal(t, "category:automotive", dump.Keys[0].Key)
		assert.Equal(t, DumpTypeSet, dump.Keys[0].Type)
	})

	t.Run("file_roundtrip_into_badger", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out", "dump.json")
		n, err := ExportFile(ctx, s, path, "")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		b := newTestBadger(t)
		_, err = ImportFile(ctx, b, path)
		require.NoError(t, err)

		assert.Equal(t, `{"category":"Automotive"}`, b.Scalar(ctx, "business:B1").Str)
		assert.Equal(t, []string{"B1"}, b.Members(ctx, "category:automotive").Members)
	})

	t.Run("corrupt_payload_exported_as_corrupt", func(t *testing.T) {
		b := newTestBadger(t)
		require.NoError(t, b.putRaw("category:broken", []byte{0x00}))

		var buf bytes.Buffer
		_, err := Export(ctx, b, &buf, "")
		require.NoError(t, err)

		var dump Dump
		require.NoError(t, json.Unmarshal(buf.Bytes(), &dump))
		require.Len(t, dump.Keys, 1)
		assert.Equal(t, DumpTypeCorrupt, dump.Keys[0].Type)
	})
}
