package business

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/orneryd/catindex/pkg/kv"
)

// Key layout
const (
	RecordPrefix = "business:"
	RegistryKey  = "businesses"
)

// ErrCorruptedRegistry means the master registry key holds the wrong type.
var ErrCorruptedRegistry = errors.New("business registry is not a set")

// sideKeySuffixes are the per-business keys older write paths kept next to
// the record. Each holds encoded JSON in a string.
var sideKeySuffixes = []string{
	"allCategories",
	"allSubcategories",
	"categories",
	"categoriesWithSubcategories",
	"selectedCategories",
	"simplifiedCategories",
}

// RecordKey returns the key of a business record.
func RecordKey(id string) string {
	return RecordPrefix + id
}

// SideKeys returns the per-business side keys of id.
func SideKeys(id string) []string {
	out := make([]string, len(sideKeySuffixes))
	for i, s := range sideKeySuffixes {
		out[i] = RecordPrefix + id + ":" + s
	}
	return out
}

// SideKeyProblem describes why a side key value is unusable, or returns ""
// when the value is fine or absent.
func SideKeyProblem(v kv.Value) string {
	switch v.Kind {
	case kv.KindNotFound:
		return ""
	case kv.KindString:
		if !json.Valid([]byte(v.Str)) {
			return "side key does not hold encoded JSON"
		}
		return ""
	case kv.KindSet:
		return "side key holds a set, expected a string"
	default:
		if v.Err != nil {
			return v.Err.Error()
		}
		return v.Kind.String()
	}
}

// Repository reads and writes business records through a kv.Store.
//
// The repository never deletes records and never mutates the registry: both
// are owned by the directory's own write paths.
type Repository struct {
	store kv.Store
}

// NewRepository creates a Repository over store.
func NewRepository(store kv.Store) *Repository {
	return &Repository{store: store}
}

// Store returns the underlying store.
func (r *Repository) Store() kv.Store {
	return r.store
}

// Registry returns every id in the master registry, sorted.
// A missing registry is empty.
func (r *Repository) Registry(ctx context.Context) ([]string, error) {
	v := r.store.Members(ctx, RegistryKey)
	switch v.Kind {
	case kv.KindNotFound:
		return []string{}, nil
	case kv.KindSet:
		return v.Members, nil
	case kv.KindShapeMismatch:
		return nil, fmt.Errorf("%w: %v", ErrCorruptedRegistry, v.Err)
	default:
		return nil, fmt.Errorf("reading %s: %w", RegistryKey, v.Err)
	}
}

// InRegistry reports whether id is registered.
func (r *Repository) InRegistry(ctx context.Context, id string) (bool, error) {
	ids, err := r.Registry(ctx)
	if err != nil {
		return false, err
	}
	v := kv.Value{Kind: kv.KindSet, Members: ids}
	return v.Has(id), nil
}

// Load reads and decodes the record of id.
//
// Errors:
//   - ErrNotFound: no record is stored
//   - ErrCorruptedRecord: the key holds a set or an unparseable value
//   - anything else: the read itself failed
func (r *Repository) Load(ctx context.Context, id string) (*Record, error) {
	key := RecordKey(id)
	v := r.store.Scalar(ctx, key)
	switch v.Kind {
	case kv.KindNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case kv.KindString:
		return Decode(id, v.Str)
	case kv.KindShapeMismatch:
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptedRecord, id, v.Err)
	default:
		return nil, fmt.Errorf("reading %s: %w", key, v.Err)
	}
}

// Save writes rec back to its key.
func (r *Repository) Save(ctx context.Context, rec *Record) error {
	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encoding %s: %w", rec.ID, err)
	}
	return r.store.SetString(ctx, RecordKey(rec.ID), data)
}
