// Package category derives canonical category sets from business records and
// maps category labels to the storage keys of their inverted indexes.
//
// Two pure building blocks live here and every higher component composes them:
//
//   - Extract turns the redundant category fields of one record into its
//     CanonicalCategorySet: the deduplicated labels the business really
//     belongs to.
//   - Canonicalizer maps one human-entered label to the one index key that
//     represents it, resolving historical spellings through a versioned alias
//     table and falling back to a deterministic lowercase/hyphen rule.
//
// Example Usage:
//
//	labels := category.Extract("Pet Care", "", nil, []string{"Veterinarians", "Pet Care"})
//	// labels == ["Pet Care", "Veterinarians"]
//
//	c := category.NewCanonicalizer(category.DefaultAliases())
//	c.Key("Pet Care")                       // "pet-care"
//	c.IndexKey("Automotive/Motorcycle/RV, etc") // "category:automotive-services"
//
// ELI12 (Explain Like I'm 12):
//
// Imagine a library where people wrote the same shelf name in different ways:
// "Pet Care", "pet_care", "PET-CARE". The librarian keeps one official sign
// per shelf. Extract is reading every sticker on a book and throwing away the
// duplicates. The Canonicalizer is the librarian who looks at any sticker and
// tells you which official shelf it belongs on, every time the same answer.
package category

import "strings"

// Extract returns the CanonicalCategorySet of a record: primary, then
// subcategory, then every element of allCategories, then every element of
// allSubcategories. Empty and whitespace-only labels are dropped, and each
// label is kept once, at its first occurrence.
//
// Labels are compared exactly (after trimming surrounding whitespace); two
// spellings of one category both survive here and collapse later when mapped
// to index keys.
func Extract(primary, subcategory string, allCategories, allSubcategories []string) []string {
	out := make([]string, 0, 2+len(allCategories)+len(allSubcategories))
	seen := make(map[string]struct{}, cap(out))

	add := func(label string) {
		label = strings.TrimSpace(label)
		if label == "" {
			return
		}
		if _, ok := seen[label]; ok {
			return
		}
		seen[label] = struct{}{}
		out = append(out, label)
	}

	add(primary)
	add(subcategory)
	for _, l := range allCategories {
		add(l)
	}
	for _, l := range allSubcategories {
		add(l)
	}
	return out
}

// Dedup returns labels with empty values and repeats removed, first
// occurrence wins. It is Extract for a single container.
func Dedup(labels ...string) []string {
	return Extract("", "", labels, nil)
}
