package reconcile

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/orneryd/catindex/pkg/category"
	"github.com/orneryd/catindex/pkg/kv"
)

// ValidateAll scans every registered business and every index key and reports
// each divergence as an Issue. It never writes.
//
// Per business (from the master registry):
//   - registered but no record: MissingRecord
//   - record with the wrong shape: CorruptedRecord, no further checks
//   - record read failed: UnreadableRecord, no further checks
//   - fields with the wrong shape: MalformedField
//   - categoriesCount wrong or absent: InconsistentCount
//
// Per index key (category:*):
//   - not a readable set: CorruptedIndex, no further checks
//   - not the canonical spelling of its category: NonCanonicalIndex
//   - member that does not exist: OrphanedMember
//   - member whose categories do not map to this key: InconsistentMember
//   - canonical key lacking a business that claims it: MissingMember
//   - category claimed by no business: OrphanedIndex, unless an unreadable
//     business is a member
//
// And for every canonical key some business claims with no key of that exact
// spelling: MissingIndex.
//
// The result is valid iff there are no CorruptedRecord, CorruptedIndex,
// InconsistentCount or InconsistentMember issues. Only a failure to enumerate
// the registry or the index keyspace is returned as an error.
func (e *Engine) ValidateAll(ctx context.Context) (*ValidationResult, error) {
	log := e.log.With(zap.String("operation", "validate"))
	table := e.canon.Table()
	result := &ValidationResult{
		Issues:           []Issue{},
		Recommendations:  []string{},
		CheckedAt:        e.now().UTC(),
		AliasVersion:     table.Version(),
		AliasFingerprint: table.Fingerprint(),
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, err := e.repo.Registry(ctx)
	if err != nil {
		return nil, unavailable("reading business registry", err)
	}
	indexKeys, err := e.store.Keys(ctx, category.IndexPrefix)
	if err != nil {
		return nil, unavailable("listing index keys", err)
	}
	result.Summary.TotalEntities = len(ids)
	result.Summary.TotalIndexes = len(indexKeys)

	entities, err := e.loadEntities(ctx, ids)
	if err != nil {
		return nil, err
	}

	v := &validation{e: e, result: result, entities: entities, claims: map[string][]string{}, entityKeys: map[string]map[string]struct{}{}}
	for _, id := range ids {
		v.checkEntity(entities[id])
	}

	physical := make(map[string]struct{}, len(indexKeys))
	for _, key := range indexKeys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		physical[key] = struct{}{}
		v.checkIndex(ctx, key)
	}

	claimed := make([]string, 0, len(v.claims))
	for key := range v.claims {
		claimed = append(claimed, key)
	}
	sort.Strings(claimed)
	for _, key := range claimed {
		if _, ok := physical[key]; ok {
			continue
		}
		result.Summary.MissingIndexes++
		v.add(Issue{
			Kind:        IssueMissingIndex,
			Key:         key,
			Description: "Category used by businesses but has no index",
			Details:     map[string]any{"entities": v.claims[key]},
		})
	}

	result.Summary.InconsistentEntities = len(v.inconsistent)
	result.Valid = true
	for _, issue := range result.Issues {
		if issue.Kind.breaksValidity() {
			result.Valid = false
			break
		}
	}
	result.Recommendations = recommend(result)

	log.Info("validation finished",
		zap.Bool("valid", result.Valid),
		zap.Int("issues", len(result.Issues)),
		zap.Int("entities", result.Summary.TotalEntities),
		zap.Int("indexes", result.Summary.TotalIndexes))
	return result, nil
}

// validation carries the state of one ValidateAll pass.
type validation struct {
	e        *Engine
	result   *ValidationResult
	entities map[string]*entityState

	// claims maps canonical index key -> sorted ids of businesses claiming it.
	claims map[string][]string
	// entityKeys maps id -> canonical index keys of its categories.
	entityKeys map[string]map[string]struct{}

	inconsistent map[string]struct{}
}

func (v *validation) add(issue Issue) {
	issue.Severity = issue.Kind.Severity()
	v.result.Issues = append(v.result.Issues, issue)

	switch issue.Kind {
	case IssueInconsistentCount, IssueInconsistentMember, IssueMalformedField:
		if issue.EntityID != "" {
			if v.inconsistent == nil {
				v.inconsistent = map[string]struct{}{}
			}
			v.inconsistent[issue.EntityID] = struct{}{}
		}
	}
}

func (v *validation) checkEntity(s *entityState) {
	switch {
	case s.missing():
		v.add(Issue{
			Kind:        IssueMissingRecord,
			EntityID:    s.id,
			Description: "Business is registered but its data was not found",
		})
		return
	case s.corrupted():
		v.add(Issue{
			Kind:        IssueCorruptedRecord,
			EntityID:    s.id,
			Description: "Business data is corrupted",
			Details:     map[string]any{"error": s.err.Error()},
		})
		return
	case s.unreadable():
		v.add(Issue{
			Kind:        IssueUnreadableRecord,
			EntityID:    s.id,
			Description: "Business data could not be read; its memberships were not checked",
			Details:     map[string]any{"error": s.err.Error()},
		})
		return
	}

	rec := s.rec
	for _, p := range rec.Problems {
		v.add(Issue{
			Kind:        IssueMalformedField,
			EntityID:    s.id,
			Description: "Business field has the wrong shape",
			Details:     map[string]any{"field": p.Field, "reason": p.Reason},
		})
	}

	labels := rec.CanonicalSet()
	if len(labels) > 0 {
		v.result.Summary.EntitiesWithCategories++
	}
	if !rec.CountConsistent() {
		details := map[string]any{"expected": len(labels), "categories": labels}
		if rec.HasCount {
			details["actual"] = rec.CategoriesCount
		}
		v.add(Issue{
			Kind:        IssueInconsistentCount,
			EntityID:    s.id,
			Description: "Category count mismatch",
			Details:     details,
		})
	}

	keys := v.e.canon.KeySet(labels)
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
		v.claims[k] = append(v.claims[k], s.id)
	}
	v.entityKeys[s.id] = set
}

func (v *validation) checkIndex(ctx context.Context, key string) {
	val := v.e.store.Members(ctx, key)
	switch val.Kind {
	case kv.KindSet:
	case kv.KindNotFound:
		// Removed between listing and reading
		return
	default:
		v.result.Summary.CorruptedIndexes++
		v.add(Issue{
			Kind:        IssueCorruptedIndex,
			Key:         key,
			Description: "Category index could not be read as a set",
			Details:     map[string]any{"error": describe(val)},
		})
		return
	}

	canonical, ok := v.e.canon.CanonicalIndexKey(key)
	if ok && canonical != key {
		v.add(Issue{
			Kind:        IssueNonCanonicalIndex,
			Key:         key,
			Description: "Category index uses a non-canonical spelling",
			Details:     map[string]any{"canonicalKey": canonical},
		})
	}

	held := false
	for _, member := range val.Members {
		s, registered := v.entities[member]
		switch {
		case !registered || !s.exists():
			v.add(Issue{
				Kind:        IssueOrphanedMember,
				Key:         key,
				EntityID:    member,
				Description: "Category index references a business that does not exist",
			})
		case s.unreadable():
			held = true
		case s.corrupted():
			// Nothing more can be said about a corrupted business
		default:
			if _, claims := v.entityKeys[member][canonical]; !ok || !claims {
				v.add(Issue{
					Kind:        IssueInconsistentMember,
					Key:         key,
					EntityID:    member,
					Description: "Business is indexed under a category it does not claim",
					Details:     map[string]any{"categories": s.rec.CanonicalSet()},
				})
			}
		}
	}

	claimants := v.claims[canonical]
	if !ok || (len(claimants) == 0 && !held) {
		v.result.Summary.OrphanedIndexes++
		v.add(Issue{
			Kind:        IssueOrphanedIndex,
			Key:         key,
			Description: "Category index exists but no businesses use it",
		})
		return
	}
	v.result.Summary.ValidIndexes++

	if canonical == key {
		have := kv.Value{Kind: kv.KindSet, Members: val.Members}
		for _, id := range claimants {
			if !have.Has(id) {
				v.add(Issue{
					Kind:        IssueMissingMember,
					Key:         key,
					EntityID:    id,
					Description: "Business claims this category but is missing from its index",
				})
			}
		}
	}
}

// recommend derives recommendations from the kinds of issues present.
func recommend(r *ValidationResult) []string {
	counts := r.CountByKind()
	out := []string{}

	if n := counts[IssueCorruptedIndex]; n > 0 {
		out = append(out, fmt.Sprintf("Remove %d corrupted category indexes and rebuild them from business data", n))
	}
	if n := counts[IssueCorruptedRecord]; n > 0 {
		out = append(out, fmt.Sprintf("Inspect and manually restore %d corrupted business records; they are excluded from index rebuilds", n))
	}
	if n := counts[IssueOrphanedIndex]; n > 0 {
		out = append(out, fmt.Sprintf("Remove %d orphaned category indexes that are no longer used", n))
	}
	if n := counts[IssueMissingIndex]; n > 0 {
		out = append(out, fmt.Sprintf("Create %d missing category indexes for categories used by businesses", n))
	}
	if n := counts[IssueInconsistentCount] + counts[IssueMalformedField]; n > 0 {
		out = append(out, fmt.Sprintf("Normalize %d business records so categoriesCount matches their categories", n))
	}
	if n := counts[IssueOrphanedMember]; n > 0 {
		out = append(out, fmt.Sprintf("Remove %d references to deleted businesses from category indexes", n))
	}
	if n := counts[IssueInconsistentMember] + counts[IssueMissingMember]; n > 0 {
		out = append(out, fmt.Sprintf("Rebuild category indexes to fix %d membership mismatches", n))
	}
	if n := counts[IssueNonCanonicalIndex]; n > 0 {
		out = append(out, fmt.Sprintf("Merge %d legacy-spelled category indexes into their canonical keys", n))
	}
	if n := counts[IssueUnreadableRecord]; n > 0 {
		out = append(out, fmt.Sprintf("Validate again once the store recovers; %d business records could not be read", n))
	}
	if n := counts[IssueMissingRecord]; n > 0 {
		out = append(out, fmt.Sprintf("Review %d registered businesses with no stored data", n))
	}
	if len(out) > 0 {
		out = append(out, "Run a full repair to rebuild every category index from business data")
	}
	return out
}
