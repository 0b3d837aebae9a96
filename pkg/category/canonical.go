package category

import (
	"regexp"
	"sort"
	"strings"
)

// Key prefixes and suffixes of category index keys.
const (
	IndexPrefix  = "category:"
	LegacySuffix = ":businesses"
)

var (
	// foldSeparators matches every character class writers have used to
	// separate words in a label. \s is ASCII-only in RE2; \p{Z} adds the
	// Unicode spaces (no-break, em, ideographic).
	foldSeparators = regexp.MustCompile(`[\p{Z}\s_:-]+`)
	// fallbackSeparators matches what the fallback rule replaces with '-'.
	fallbackSeparators = regexp.MustCompile(`[\p{Z}\s:]+`)
)

// Fold reduces a label to its alias lookup form: lowercase, trimmed, with every
// run of whitespace, underscores, colons and hyphens collapsed to one hyphen.
//
// Fold is only used to find a label in the alias table. It is deliberately more
// aggressive than the fallback rule, so "Pet_Care", "pet care" and "PET-CARE"
// all find the same alias entry.
func Fold(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	return foldSeparators.ReplaceAllString(s, "-")
}

// fallback is the rule for labels the alias table does not know: lowercase,
// trimmed, runs of whitespace (Unicode spaces included) (and colons, which would break key parsing)
// replaced with one hyphen.
func fallback(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	return fallbackSeparators.ReplaceAllString(s, "-")
}

// Canonicalizer maps raw labels to canonical index keys.
//
// The mapping is:
//
//	Key(x) = aliases[Fold(x)]   if present
//	       = fallback(x)        otherwise
//
// Key is idempotent. fallback output always folds to the same value as its
// input, and every alias target is itself a fixed point of Key (enforced when
// the table is built), so Key(Key(x)) == Key(x) for every x.
//
// Thread Safety:
//
//	Immutable after construction; safe for concurrent use.
type Canonicalizer struct {
	table *AliasTable
}

// NewCanonicalizer creates a Canonicalizer backed by table.
// A nil table means no aliases: every label goes through the fallback rule.
func NewCanonicalizer(table *AliasTable) *Canonicalizer {
	if table == nil {
		table = emptyTable()
	}
	return &Canonicalizer{table: table}
}

// Table returns the alias table in use.
func (c *Canonicalizer) Table() *AliasTable {
	return c.table
}

// Key returns the canonical category key for label, without the index prefix.
// Unknown labels degrade to the fallback rule; Key never fails.
func (c *Canonicalizer) Key(label string) string {
	if target, ok := c.table.lookup(Fold(label)); ok {
		return target
	}
	return fallback(label)
}

// IndexKey returns the storage key of the inverted index for label.
func (c *Canonicalizer) IndexKey(label string) string {
	return IndexPrefix + c.Key(label)
}

// KeySet maps every label to its index key and returns the distinct keys in
// first-occurrence order. Labels that canonicalize to an empty key are
// skipped.
func (c *Canonicalizer) KeySet(labels []string) []string {
	out := make([]string, 0, len(labels))
	seen := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		k := c.Key(l)
		if k == "" {
			continue
		}
		ik := IndexPrefix + k
		if _, ok := seen[ik]; ok {
			continue
		}
		seen[ik] = struct{}{}
		out = append(out, ik)
	}
	return out
}

// CanonicalIndexKey maps a physical index key to the canonical index key it
// stands for. Legacy spellings such as "category:Pet Care:businesses" or
// "category:funeral_services" map to their canonical key; a key that is
// already canonical maps to itself.
//
// The second return value is false when the key is not an index key at all.
func (c *Canonicalizer) CanonicalIndexKey(physical string) (string, bool) {
	label, ok := LabelFromIndexKey(physical)
	if !ok {
		return "", false
	}
	k := c.Key(label)
	if k == "" {
		return "", false
	}
	return IndexPrefix + k, true
}

// IsCanonicalIndexKey reports whether physical is the canonical spelling of
// its own category.
func (c *Canonicalizer) IsCanonicalIndexKey(physical string) bool {
	ck, ok := c.CanonicalIndexKey(physical)
	return ok && ck == physical
}

// LabelFromIndexKey strips the index prefix and the legacy ":businesses"
// suffix from a physical index key.
func LabelFromIndexKey(key string) (string, bool) {
	if !strings.HasPrefix(key, IndexPrefix) {
		return "", false
	}
	label := strings.TrimPrefix(key, IndexPrefix)
	label = strings.TrimSuffix(label, LegacySuffix)
	if strings.TrimSpace(label) == "" {
		return "", false
	}
	return label, true
}

// SortedKeys returns the keys of set in ascending order.
func SortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
