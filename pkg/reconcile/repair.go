package reconcile

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/orneryd/catindex/pkg/business"
	"github.com/orneryd/catindex/pkg/category"
	"github.com/orneryd/catindex/pkg/kv"
)

// RepairOptions tunes a store-wide repair.
type RepairOptions struct {
	// Validation reuses a prior ValidateAll result. When nil a fresh
	// validation is run first.
	Validation *ValidationResult

	// DryRun plans the mutations without writing.
	DryRun bool
}

// RepairAll rebuilds every category index from the business records.
//
// Phases:
//  1. delete every key the validation flagged CorruptedIndex or OrphanedIndex
//  2. normalize and persist every readable business record
//  3. build canonical key -> member ids from the records
//  4. overwrite (delete, then recreate) every index whose members differ
//  5. delete every remaining category:* key that is not a rebuilt canonical key
//
// Corrupted records are excluded from the rebuild and listed in Excluded.
// Records whose read failed are listed in Held: nothing is known about their
// categories, so the indexes that currently contain them keep them (under the
// canonical spelling) and are never deleted on their account. Every other
// business contributes its canonical set whether or not its own
// normalization succeeded, so the rebuilt indexes are consistent with the
// records even after partial failures.
//
// Cancellation stops further steps; applied steps stay valid. The result is
// returned along with the context error. Only a failure to enumerate the
// store returns a nil result.
func (e *Engine) RepairAll(ctx context.Context, opts RepairOptions) (*RepairResult, error) {
	start := time.Now()
	validation := opts.Validation
	if validation == nil {
		var err error
		if validation, err = e.ValidateAll(ctx); err != nil {
			return nil, err
		}
	}

	run := e.newRunner("repair", opts.DryRun)
	result := &RepairResult{
		RunID:      run.runID,
		DryRun:     opts.DryRun,
		Rebuilt:    []string{},
		Deleted:    []string{},
		Normalized: []string{},
		Excluded:   []string{},
		Held:       []string{},
		Errors:     []string{},
		Validation: validation,
	}
	finish := func(err error) (*RepairResult, error) {
		result.Steps = run.steps
		if result.Steps == nil {
			result.Steps = []Step{}
		}
		result.FixedCount, _ = run.counts()
		for _, s := range run.steps {
			if s.Err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s %s: %s", s.Action, s.Key, s.Error))
			}
		}
		result.Duration = time.Since(start)
		run.log.Info("repair finished",
			zap.Int("fixed", result.FixedCount),
			zap.Int("errors", len(result.Errors)),
			zap.Int("rebuilt", len(result.Rebuilt)),
			zap.Int("deleted", len(result.Deleted)),
			zap.Bool("dry_run", opts.DryRun),
			zap.Duration("duration", result.Duration))
		return result, err
	}

	deleted := make(map[string]struct{})
	deleteKey := func(key, reason string) {
		if _, done := deleted[key]; done {
			return
		}
		step := run.do(ctx, Step{Action: ActionDeleteKey, Key: key, Reason: reason}, func(ctx context.Context) error {
			_, err := e.store.Del(ctx, key)
			return err
		})
		if step.Err == nil {
			deleted[key] = struct{}{}
			result.Deleted = append(result.Deleted, key)
		}
	}

	// Records first: which businesses can be read decides what is safe to delete
	if err := ctx.Err(); err != nil {
		return finish(err)
	}
	ids, err := e.repo.Registry(ctx)
	if err != nil {
		return finish(unavailable("reading business registry", err))
	}
	entities, err := e.loadEntities(ctx, ids)
	if err != nil {
		return finish(err)
	}
	var unreadable []string
	for _, id := range ids {
		if s := entities[id]; s.unreadable() {
			unreadable = append(unreadable, id)
		}
	}
	held, err := e.currentMemberships(ctx, unreadable)
	if err != nil {
		return finish(unavailable("listing index keys", err))
	}

	// 1. Flagged keys, except those still holding an unreadable business
	for _, issue := range validation.Issues {
		if issue.Kind != IssueCorruptedIndex && issue.Kind != IssueOrphanedIndex {
			continue
		}
		if _, keep := held[issue.Key]; keep {
			continue
		}
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		deleteKey(issue.Key, string(issue.Kind))
	}

	// 2. Records
	target := make(map[string][]string)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		s := entities[id]
		switch {
		case s.missing():
			continue
		case s.corrupted():
			result.Excluded = append(result.Excluded, id)
			result.Errors = append(result.Errors, fmt.Sprintf("business %s excluded from rebuild: %v", id, s.err))
			continue
		case s.unreadable():
			result.Held = append(result.Held, id)
			result.Errors = append(result.Errors, fmt.Sprintf("business %s unreadable, current memberships kept: %v", id, s.err))
			continue
		}

		labels := s.rec.CanonicalSet()
		if s.rec.Normalize(e.now()) {
			rec := s.rec
			step := run.do(ctx, Step{
				Action:   ActionNormalizeRecord,
				Key:      business.RecordKey(id),
				EntityID: id,
				Reason:   fmt.Sprintf("categoriesCount=%d", rec.CategoriesCount),
			}, func(ctx context.Context) error {
				return e.repo.Save(ctx, rec)
			})
			if step.Err == nil {
				result.Normalized = append(result.Normalized, id)
			}
		}
		// 3. Target membership
		for _, key := range e.canon.KeySet(labels) {
			target[key] = append(target[key], id)
		}
	}
	// Unreadable businesses stay where they are, under the canonical spelling
	for key, members := range held {
		canonical, ok := e.canon.CanonicalIndexKey(key)
		if !ok {
			continue
		}
		target[canonical] = append(target[canonical], members...)
	}

	// 4. Rebuild
	failed := make(map[string]struct{})
	keys := make([]string, 0, len(target))
	for key := range target {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		members := target[key]
		sort.Strings(members)
		members = slices.Compact(members)

		current := e.store.Members(ctx, key)
		if current.Kind == kv.KindSet && equalMembers(current.Members, members) {
			continue
		}

		key := key
		step := run.do(ctx, Step{
			Action:  ActionRebuildIndex,
			Key:     key,
			Members: len(members),
			Reason:  "was " + current.Kind.String(),
		}, func(ctx context.Context) error {
			if _, err := e.store.Del(ctx, key); err != nil {
				return err
			}
			_, err := e.store.SAdd(ctx, key, members...)
			return err
		})
		if step.Err == nil {
			result.Rebuilt = append(result.Rebuilt, key)
		} else {
			failed[key] = struct{}{}
		}
	}

	// 5. Prune everything that is not a rebuilt canonical key
	existing, err := e.store.Keys(ctx, category.IndexPrefix)
	if err != nil {
		return finish(unavailable("listing index keys", err))
	}
	for _, key := range existing {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}
		if _, keep := target[key]; keep {
			continue
		}
		if _, holding := held[key]; holding {
			// Legacy spelling of an unreadable business's category: drop it only
			// once the canonical index has taken its members.
			if canonical, ok := e.canon.CanonicalIndexKey(key); !ok {
				continue
			} else if _, notRebuilt := failed[canonical]; notRebuilt {
				continue
			}
		}
		reason := "orphaned"
		if !e.canon.IsCanonicalIndexKey(key) {
			reason = "non-canonical spelling"
		}
		deleteKey(key, reason)
	}

	return finish(nil)
}

func equalMembers(a, b []string) bool {
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

// currentMemberships maps every readable index key to those of ids it
// currently contains. Keys holding none of them are left out.
func (e *Engine) currentMemberships(ctx context.Context, ids []string) (map[string][]string, error) {
	out := make(map[string][]string)
	if len(ids) == 0 {
		return out, nil
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	keys, err := e.store.Keys(ctx, category.IndexPrefix)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v := e.store.Members(ctx, key)
		if v.Kind != kv.KindSet {
			continue
		}
		for _, m := range v.Members {
			if _, ok := want[m]; ok {
				out[key] = append(out[key], m)
			}
		}
	}
	return out, nil
}
