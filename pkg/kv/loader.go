package kv

// Dump import/export.
//
// A dump is a single JSON document holding every key of a keyspace (or of a
// prefix of it). It is the way production snapshots are moved into a local
// store for dry runs, and the way test fixtures are written down.
//
// Format:
//
//	{
//	  "keys": [
//	    {"key": "business:B1", "type": "string", "value": "{\"category\":\"Pet Care\"}"},
//	    {"key": "businesses", "type": "set", "value": ["B1"]},
//	    {"key": "category:pet-care", "type": "set", "value": ["B1"]}
//	  ]
//	}
//
// Keys that hold undecodable payloads are exported with type "corrupt" and the
// read error as value, so a dump of a damaged keyspace still says what was
// found. Importing a "corrupt" entry writes it back as a plain string, which
// reproduces the shape mismatch the validator reports.

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Dump entry types.
const (
	DumpTypeString  = "string"
	DumpTypeSet     = "set"
	DumpTypeCorrupt = "corrupt"
)

// Dump is the serialized form of a keyspace.
type Dump struct {
	Keys []DumpEntry `json:"keys"`
}

// DumpEntry is one key of a Dump. Value is a JSON string for string and
// corrupt entries and a JSON array of strings for set entries.
type DumpEntry struct {
	Key   string          `json:"key"`
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

// ImportStats reports what an import wrote.
type ImportStats struct {
	Strings int
	Sets    int
	Members int
}

// Import reads a dump from r and writes every entry into store.
//
// Existing keys named by the dump are replaced. Keys not named by the dump are
// left alone. The first failing entry stops the import.
func Import(ctx context.Context, store Store, r io.Reader) (ImportStats, error) {
	var stats ImportStats
	var dump Dump
	if err := json.NewDecoder(r).Decode(&dump); err != nil {
		return stats, fmt.Errorf("failed to parse dump: %w", err)
	}

	for i, e := range dump.Keys {
		if e.Key == "" {
			return stats, fmt.Errorf("entry %d: %w", i, ErrInvalidKey)
		}
		switch e.Type {
		case DumpTypeString, DumpTypeCorrupt:
			var s string
			if err := json.Unmarshal(e.Value, &s); err != nil {
				return stats, fmt.Errorf("entry %s: string value: %w", e.Key, err)
			}
			if err := store.SetString(ctx, e.Key, s); err != nil {
				return stats, fmt.Errorf("entry %s: %w", e.Key, err)
			}
			stats.Strings++
		case DumpTypeSet:
			var members []string
			if err := json.Unmarshal(e.Value, &members); err != nil {
				return stats, fmt.Errorf("entry %s: set value: %w", e.Key, err)
			}
			if _, err := store.Del(ctx, e.Key); err != nil {
				return stats, fmt.Errorf("entry %s: %w", e.Key, err)
			}
			n, err := store.SAdd(ctx, e.Key, members...)
			if err != nil {
				return stats, fmt.Errorf("entry %s: %w", e.Key, err)
			}
			stats.Sets++
			stats.Members += n
		default:
			return stats, fmt.Errorf("entry %s: unknown type %q", e.Key, e.Type)
		}
	}
	return stats, nil
}

// Export writes every key starting with prefix to w as a dump.
// An empty prefix exports the whole keyspace.
func Export(ctx context.Context, store Store, w io.Writer, prefix string) (int, error) {
	keys, err := store.Keys(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list keys: %w", err)
	}

	dump := Dump{Keys: make([]DumpEntry, 0, len(keys))}
	for _, key := range keys {
		v := store.Get(ctx, key)
		var (
			typ     string
			payload any
		)
		switch v.Kind {
		case KindString:
			typ, payload = DumpTypeString, v.Str
		case KindSet:
			typ, payload = DumpTypeSet, v.Members
		case KindShapeMismatch:
			typ, payload = DumpTypeCorrupt, v.Err.Error()
		case KindNotFound:
			// Deleted between listing and reading
			continue
		default:
			return len(dump.Keys), fmt.Errorf("reading %s: %w", key, v.Err)
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return len(dump.Keys), fmt.Errorf("encoding %s: %w", key, err)
		}
		dump.Keys = append(dump.Keys, DumpEntry{Key: key, Type: typ, Value: raw})
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		return len(dump.Keys), fmt.Errorf("failed to write dump: %w", err)
	}
	return len(dump.Keys), nil
}

// ImportFile imports the dump stored at path.
func ImportFile(ctx context.Context, store Store, path string) (ImportStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportStats{}, fmt.Errorf("failed to open dump: %w", err)
	}
	defer f.Close()
	return Import(ctx, store, f)
}

// ExportFile writes a dump to path, creating parent directories as needed.
func ExportFile(ctx context.Context, store Store, path, prefix string) (int, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return 0, fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create dump: %w", err)
	}
	n, err := Export(ctx, store, f, prefix)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	return n, err
}
