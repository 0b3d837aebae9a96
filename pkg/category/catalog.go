package category

// publishedCategories are the category ids the directory's browse pages read.
// Some are legacy spellings; Catalog canonicalizes them.
var publishedCategories = []string{
	"arts-entertainment",
	"automotive-services",
	"beauty-wellness",
	"care-services",
	"child-care",
	"education-tutoring",
	"elder-care",
	"financial-services",
	"fitness-athletics",
	"food-dining",
	"funeral-services",
	"home-improvement",
	"homecare",
	"insurance,-finance,-debt-and-sales",
	"legal-services",
	"medical-practitioners",
	"mental-health",
	"mortuary-services",
	"music-lessons",
	"personal-assistants",
	"pet-care",
	"physical-rehabilitation",
	"real-estate",
	"retail-stores",
	"tailoring-clothing",
	"tech-it-services",
	"travel-vacation",
	"weddings-events",
}

// Catalog returns the canonical index keys of every category the directory
// is known to publish: the browse-page categories plus every alias target.
// The result is sorted and free of duplicates.
//
// The catalog lets analysis find stale memberships in categories a business
// has lost entirely, even when no other business claims them either.
func (c *Canonicalizer) Catalog() []string {
	set := make(map[string]struct{}, len(publishedCategories)+len(c.table.targets))
	for _, label := range publishedCategories {
		set[c.IndexKey(label)] = struct{}{}
	}
	for _, target := range c.table.targets {
		set[IndexPrefix+target] = struct{}{}
	}
	return SortedKeys(set)
}
