package category

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

// Alias table errors
var (
	ErrAliasConflict = errors.New("alias conflict")
	ErrInvalidTarget = errors.New("invalid alias target")
)

// DefaultAliasVersion identifies the built-in alias table.
const DefaultAliasVersion = "2024.11-directory"

// AliasTable is a versioned lookup table from folded label variants to
// canonical category keys.
//
// Every target is registered under its own folded form, which keeps the
// table closed under Key: looking up a target always returns the target.
// Conflicting entries (one variant claimed by two targets) are rejected when
// the table is built rather than resolved silently.
//
// Example:
//
//	t, err := category.NewAliasTable("v1", map[string][]string{
//		"automotive-services": {"automotive", "Automotive/Motorcycle/RV, etc"},
//	})
type AliasTable struct {
	version string
	entries map[string]string // Fold(variant) -> target
	targets []string          // sorted, distinct
}

// AliasFile is the YAML form of an alias table.
//
// Example aliases.yaml:
//
//	version: "2025-01"
//	inherit: true
//	aliases:
//	  home-improvement:
//	    - Home Improvement & Repair
//	    - homeImprovement
type AliasFile struct {
	// Version labels the table; it is reported next to the fingerprint.
	Version string `yaml:"version"`

	// Inherit layers the file on top of the built-in table.
	Inherit bool `yaml:"inherit"`

	// Aliases maps each canonical target to its known variants.
	Aliases map[string][]string `yaml:"aliases"`
}

func emptyTable() *AliasTable {
	return &AliasTable{version: "none", entries: map[string]string{}}
}

// NewAliasTable builds a table from target -> variants.
//
// Targets must already be in canonical form: lowercase with no whitespace or
// colons and not empty. A variant that folds to the same value as a different
// target's variant (or a different target itself) is an ErrAliasConflict.
func NewAliasTable(version string, aliases map[string][]string) (*AliasTable, error) {
	t := &AliasTable{version: version, entries: make(map[string]string)}

	// Sorted for deterministic conflict reporting
	targets := make([]string, 0, len(aliases))
	for target := range aliases {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	for _, target := range targets {
		if err := t.add(target, target); err != nil {
			return nil, err
		}
	}
	for _, target := range targets {
		for _, variant := range aliases[target] {
			if err := t.add(variant, target); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

func (t *AliasTable) add(variant, target string) error {
	if target == "" || fallback(target) != target {
		return fmt.Errorf("%w: %q is not in canonical form", ErrInvalidTarget, target)
	}
	f := Fold(variant)
	if f == "" {
		return nil
	}
	if existing, ok := t.entries[f]; ok && existing != target {
		return fmt.Errorf("%w: %q maps to both %q and %q", ErrAliasConflict, variant, existing, target)
	}
	if _, ok := t.entries[f]; !ok {
		t.entries[f] = target
	}
	if variant == target {
		i := sort.SearchStrings(t.targets, target)
		if i == len(t.targets) || t.targets[i] != target {
			t.targets = append(t.targets, "")
			copy(t.targets[i+1:], t.targets[i:])
			t.targets[i] = target
		}
	}
	return nil
}

func (t *AliasTable) lookup(folded string) (string, bool) {
	target, ok := t.entries[folded]
	return target, ok
}

// Version returns the table's declared version.
func (t *AliasTable) Version() string {
	return t.version
}

// Len returns the number of folded variants, targets included.
func (t *AliasTable) Len() int {
	return len(t.entries)
}

// Targets returns every canonical target, sorted.
func (t *AliasTable) Targets() []string {
	out := make([]string, len(t.targets))
	copy(out, t.targets)
	return out
}

// Entries returns a copy of the folded variant -> target map.
func (t *AliasTable) Entries() map[string]string {
	out := make(map[string]string, len(t.entries))
	for k, v := range t.entries {
		out[k] = v
	}
	return out
}

// Fingerprint returns a short BLAKE2b digest of the table contents.
// Two tables with the same entries have the same fingerprint regardless of
// declared version, so operators can tell whether a table really changed.
func (t *AliasTable) Fingerprint() string {
	keys := make([]string, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte(0)
		b.WriteString(t.entries[k])
		b.WriteByte('\n')
	}
	sum := blake2b.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// merge returns a new table with other's entries layered over t's.
// Entries of other win on conflict; the version is other's.
func (t *AliasTable) merge(other map[string][]string, version string) (*AliasTable, error) {
	combined := make(map[string][]string)
	for variant, target := range t.entries {
		combined[target] = append(combined[target], variant)
	}
	// Variants claimed by the overlay are dropped from the base first.
	claimed := make(map[string]struct{})
	for target, variants := range other {
		claimed[Fold(target)] = struct{}{}
		for _, v := range variants {
			claimed[Fold(v)] = struct{}{}
		}
	}
	for target, variants := range combined {
		kept := variants[:0]
		for _, v := range variants {
			if _, ok := claimed[v]; !ok || v == target {
				kept = append(kept, v)
			}
		}
		combined[target] = kept
	}
	for target, variants := range other {
		combined[target] = append(combined[target], variants...)
	}
	return NewAliasTable(version, combined)
}

// DefaultAliases returns the built-in alias table.
//
// The entries cover the spellings historically written by the directory's
// registration, import and admin paths: camelCase page ids, hyphen and
// underscore variants, and the slash-separated "etc" browse labels.
func DefaultAliases() *AliasTable {
	t, err := NewAliasTable(DefaultAliasVersion, defaultAliasEntries)
	if err != nil {
		// The built-in table is static data covered by tests.
		panic(fmt.Sprintf("category: invalid built-in alias table: %v", err))
	}
	return t
}

var defaultAliasEntries = map[string][]string{
	"mortuary-services": {
		"mortuaryServices",
		"mortuary_services",
		"Mortuary Services",
		"funeral-services",
		"funeral_services",
		"funeralServices",
		"Funeral Services",
	},
	"arts-entertainment": {
		"artDesignEntertainment",
		"art-design-entertainment",
		"Arts & Entertainment",
		"arts-&-entertainment",
		"art-design-and-entertainment",
		"Art, Design and Entertainment",
	},
	"automotive-services": {
		"automotive",
		"Automotive Services",
		"automotiveServices",
		"automotive_services",
		"auto-services",
		"autoServices",
		"Automotive/Motorcycle/RV",
		"automotive-motorcycle-rv",
		"Automotive/Motorcycle/RV, etc",
		"Automotive/Motorcycle/RV etc",
	},
	"home-improvement": {
		"homeImprovement",
		"Home Improvement",
	},
	"insurance-finance-debt-sales": {
		"Insurance, Finance, Debt and Sales",
		"insurance,-finance,-debt-and-sales",
		"insuranceFinanceDebtSales",
	},
}

// LoadAliasFile loads an alias table from a YAML file.
//
// When the file sets inherit: true its entries are layered over the built-in
// table; otherwise the file replaces it.
func LoadAliasFile(path string) (*AliasTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseAliasFile(data)
}

// ParseAliasFile parses the YAML form of an alias table.
func ParseAliasFile(data []byte) (*AliasTable, error) {
	var f AliasFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid alias file: %w", err)
	}
	if f.Version == "" {
		f.Version = "unversioned"
	}
	if f.Inherit {
		return DefaultAliases().merge(f.Aliases, f.Version)
	}
	return NewAliasTable(f.Version, f.Aliases)
}
