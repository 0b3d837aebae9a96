// Package business decodes, normalizes and persists business records.
//
// A record is stored as one JSON object in a string key. Only the category
// attributes are interpreted here; every other field is carried through
// untouched, byte for byte, when a record is written back.
//
// Records were written over the years by several code paths that did not
// agree on shapes: container fields show up as JSON arrays, as JSON arrays
// encoded inside a string, as null, and occasionally as something else
// entirely. Decode tolerates the benign variants and reports the rest as
// FieldProblems instead of failing the whole record. Only a value that is not
// a JSON object at all is a corrupted record.
package business

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/orneryd/catindex/pkg/category"
)

// Record field names.
const (
	FieldCategory         = "category"
	FieldSubcategory      = "subcategory"
	FieldAllCategories    = "allCategories"
	FieldAllSubcategories = "allSubcategories"
	FieldCategoriesCount  = "categoriesCount"
	FieldUpdatedAt        = "updatedAt"
)

// Errors returned by decoding and loading.
var (
	ErrCorruptedRecord = errors.New("corrupted business record")
	ErrNotFound        = errors.New("business not found")
)

// FieldProblem describes one record field that could not be read as the
// expected shape. The field is treated as empty.
type FieldProblem struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

func (p FieldProblem) String() string {
	return p.Field + ": " + p.Reason
}

// Record is the category view of a business record.
type Record struct {
	ID               string
	Category         string
	Subcategory      string
	AllCategories    []string
	AllSubcategories []string

	// CategoriesCount is the stored denormalized count. HasCount is false
	// when the field is absent or unreadable.
	CategoriesCount int
	HasCount        bool

	UpdatedAt string

	// Problems lists fields that did not have the expected shape.
	Problems []FieldProblem

	fields  map[string]json.RawMessage
	encoded map[string]bool // container fields stored as a JSON string
}

// Decode parses a stored record.
//
// The error wraps ErrCorruptedRecord when raw is not a JSON object.
func Decode(id, raw string) (*Record, error) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptedRecord, id, err)
	}
	if fields == nil {
		// The literal null
		return nil, fmt.Errorf("%w: %s: record is null", ErrCorruptedRecord, id)
	}

	r := &Record{ID: id, fields: fields, encoded: map[string]bool{}}
	r.Category = r.scalar(FieldCategory)
	r.Subcategory = r.scalar(FieldSubcategory)
	r.AllCategories = r.list(FieldAllCategories)
	r.AllSubcategories = r.list(FieldAllSubcategories)
	r.CategoriesCount, r.HasCount = r.count()
	r.UpdatedAt = r.scalar(FieldUpdatedAt)
	return r, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null"
}

func (r *Record) problem(field, format string, args ...any) {
	r.Problems = append(r.Problems, FieldProblem{Field: field, Reason: fmt.Sprintf(format, args...)})
}

func (r *Record) scalar(field string) string {
	raw, ok := r.fields[field]
	if !ok || isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		r.problem(field, "expected a string, got %s", truncate(raw))
		return ""
	}
	return s
}

func (r *Record) list(field string) []string {
	raw, ok := r.fields[field]
	if !ok || isNull(raw) {
		return nil
	}

	// A JSON string may carry an encoded list
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		r.encoded[field] = true
		if strings.TrimSpace(s) == "" {
			return nil
		}
		raw = json.RawMessage(s)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		r.problem(field, "expected a list of labels, got %s", truncate(raw))
		return nil
	}
	out := make([]string, 0, len(items))
	for i, item := range items {
		if isNull(item) {
			continue
		}
		var label string
		if err := json.Unmarshal(item, &label); err != nil {
			r.problem(field, "element %d is not a string: %s", i, truncate(item))
			continue
		}
		out = append(out, label)
	}
	return out
}

func (r *Record) count() (int, bool) {
	raw, ok := r.fields[FieldCategoriesCount]
	if !ok || isNull(raw) {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := strconv.Atoi(n.String()); err == nil {
			return v, true
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return v, true
		}
	}
	r.problem(FieldCategoriesCount, "expected an integer, got %s", truncate(raw))
	return 0, false
}

func truncate(raw json.RawMessage) string {
	const max = 40
	s := string(raw)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}

// CanonicalSet returns the record's CanonicalCategorySet.
func (r *Record) CanonicalSet() []string {
	return category.Extract(r.Category, r.Subcategory, r.AllCategories, r.AllSubcategories)
}

// HasCategories reports whether the record claims any category.
func (r *Record) HasCategories() bool {
	return len(r.CanonicalSet()) > 0
}

// CountConsistent reports whether the stored count equals the size of the
// canonical set. An absent count is inconsistent.
func (r *Record) CountConsistent() bool {
	return r.HasCount && r.CategoriesCount == len(r.CanonicalSet())
}

// Normalize rewrites the denormalized category fields to their canonical form
// and reports whether anything changed.
//
// After Normalize:
//
//	AllCategories    = dedup(Category, AllCategories...)
//	AllSubcategories = dedup(Subcategory, AllSubcategories...) minus AllCategories
//	CategoriesCount  = |CanonicalSet|
//
// The union of both containers is exactly the canonical set. UpdatedAt is set
// to now only when something changed, so normalizing a normalized record is a
// no-op.
func (r *Record) Normalize(now time.Time) bool {
	all, sub, count, changed := r.normalized()
	if !changed {
		return false
	}

	r.AllCategories = all
	r.AllSubcategories = sub
	r.CategoriesCount = count
	r.HasCount = true
	r.UpdatedAt = now.UTC().Format(time.RFC3339)
	r.Problems = nil
	r.encoded = map[string]bool{}
	// Problem fields are rewritten with their empty form
	for _, f := range []string{FieldCategory, FieldSubcategory} {
		if raw, ok := r.fields[f]; ok && !isNull(raw) {
			var s string
			if json.Unmarshal(raw, &s) != nil {
				delete(r.fields, f)
			}
		}
	}
	return true
}

// NeedsNormalization reports whether Normalize would change the record.
func (r *Record) NeedsNormalization() bool {
	_, _, _, changed := r.normalized()
	return changed
}

func (r *Record) normalized() (all, sub []string, count int, changed bool) {
	all = category.Dedup(append([]string{r.Category}, r.AllCategories...)...)
	inAll := make(map[string]struct{}, len(all))
	for _, l := range all {
		inAll[l] = struct{}{}
	}
	for _, l := range category.Dedup(append([]string{r.Subcategory}, r.AllSubcategories...)...) {
		if _, ok := inAll[l]; !ok {
			sub = append(sub, l)
		}
	}
	count = len(all) + len(sub)

	changed = !equalLabels(all, r.AllCategories) ||
		!equalLabels(sub, r.AllSubcategories) ||
		!r.HasCount || r.CategoriesCount != count ||
		len(r.Problems) > 0 ||
		r.encoded[FieldAllCategories] || r.encoded[FieldAllSubcategories]
	return all, sub, count, changed
}

func equalLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Encode serializes the record, preserving every field it does not own.
func (r *Record) Encode() (string, error) {
	fields := make(map[string]json.RawMessage, len(r.fields)+4)
	for k, v := range r.fields {
		fields[k] = v
	}

	set := func(field string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", field, err)
		}
		fields[field] = raw
		return nil
	}

	all, sub := r.AllCategories, r.AllSubcategories
	if all == nil {
		all = []string{}
	}
	if sub == nil {
		sub = []string{}
	}
	if err := set(FieldAllCategories, all); err != nil {
		return "", err
	}
	if err := set(FieldAllSubcategories, sub); err != nil {
		return "", err
	}
	if r.HasCount {
		if err := set(FieldCategoriesCount, r.CategoriesCount); err != nil {
			return "", err
		}
	}
	if r.UpdatedAt != "" {
		if err := set(FieldUpdatedAt, r.UpdatedAt); err != nil {
			return "", err
		}
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
