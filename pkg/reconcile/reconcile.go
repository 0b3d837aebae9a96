package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/orneryd/catindex/pkg/business"
)

// ReconcileOptions tunes a single-business reconciliation.
type ReconcileOptions struct {
	// Report reuses a prior analysis instead of re-reading the store.
	Report *ConsistencyReport

	// DryRun plans the steps without writing.
	DryRun bool
}

// Reconcile applies the analysis of business id to the store.
//
// Steps, in order, each attempted regardless of earlier failures:
//  1. delete every corrupted index and side key found by the analysis; keys
//     that could not be read are kept and reported as failed, retryable steps
//  2. remove the id from every stale index
//  3. add the id to every missing index (creating it if needed)
//  4. rewrite the record's denormalized fields to the canonical form
//
// Every step is idempotent and a second run on a consistent business applies
// nothing. The outcome lists each step with its result so a caller can retry
// the failed ones. The only error return is a failed analysis or a cancelled
// context; every other failure is recorded on its step.
//
// Example:
//
//	outcome, err := engine.Reconcile(ctx, "B1", reconcile.ReconcileOptions{})
//	for _, s := range outcome.FailedSteps() {
//		if s.Retryable {
//			// try again later
//		}
//	}
func (e *Engine) Reconcile(ctx context.Context, id string, opts ReconcileOptions) (*Outcome, error) {
	report := opts.Report
	if report == nil || report.EntityID != id {
		var err error
		if report, err = e.Analyze(ctx, id); err != nil {
			return nil, err
		}
	}

	run := e.newRunner("reconcile", opts.DryRun)
	outcome := &Outcome{
		RunID:    run.runID,
		EntityID: id,
		Found:    report.Found,
		DryRun:   opts.DryRun,
		Steps:    []Step{},
		Report:   report,
	}
	if !report.Found {
		run.log.Info("business not found, nothing to reconcile", zap.String("entity_id", id))
		return outcome, nil
	}

	finish := func() (*Outcome, error) {
		outcome.Steps = run.steps
		if outcome.Steps == nil {
			outcome.Steps = []Step{}
		}
		outcome.Mutations, outcome.Failures = run.counts()
		run.log.Info("reconcile finished",
			zap.String("entity_id", id),
			zap.Int("mutations", outcome.Mutations),
			zap.Int("failures", outcome.Failures),
			zap.Bool("dry_run", opts.DryRun))
		if err := ctx.Err(); err != nil {
			return outcome, err
		}
		return outcome, nil
	}

	// 1. Corrupted state is never merged, only removed. Keys that failed to
	// read are left alone; whatever step they block is recorded as failed.
	missing := make(map[string]struct{}, len(report.MissingMemberships))
	for _, key := range report.MissingMemberships {
		missing[key] = struct{}{}
	}
	for _, c := range report.CorruptedKeys {
		if ctx.Err() != nil {
			return finish()
		}
		if c.Unreadable() {
			e.deferUnreadable(run, id, c, missing)
			continue
		}
		if !c.Deletable() {
			continue
		}
		key := c.Key
		run.do(ctx, Step{Action: ActionDeleteKey, Key: key, EntityID: id, Reason: string(c.Kind) + " corrupted: " + c.Reason},
			func(ctx context.Context) error {
				_, err := e.store.Del(ctx, key)
				return err
			})
	}

	// 2. Stale memberships
	for _, key := range report.StaleMemberships {
		if ctx.Err() != nil {
			return finish()
		}
		key := key
		run.do(ctx, Step{Action: ActionRemoveMember, Key: key, EntityID: id, Reason: "business does not claim this category"},
			func(ctx context.Context) error {
				_, err := e.store.SRem(ctx, key, id)
				return err
			})
	}

	// 3. Missing memberships
	for _, key := range report.MissingMemberships {
		if ctx.Err() != nil {
			return finish()
		}
		key := key
		run.do(ctx, Step{Action: ActionAddMember, Key: key, EntityID: id, Reason: "business claims this category"},
			func(ctx context.Context) error {
				_, err := e.store.SAdd(ctx, key, id)
				return err
			})
	}

	// 4. Record normalization
	if ctx.Err() != nil {
		return finish()
	}
	e.normalizeRecord(ctx, run, id, report.recordCorrupted())

	return finish()
}

// deferUnreadable records the step an unreadable key blocks. A canonical
// index the business belongs in still gets its add-member step, since SAdd
// does not depend on the current contents; any other index may hold a stale
// membership that cannot be seen, and a side key cannot be judged at all.
func (e *Engine) deferUnreadable(run *runner, id string, c CorruptedKey, missing map[string]struct{}) {
	step := Step{Key: c.Key, EntityID: id}
	switch c.Kind {
	case CorruptIndexUnreadable:
		if _, needed := missing[c.Key]; needed {
			return
		}
		step.Action = ActionRemoveMember
		step.Reason = "index unreadable, membership unknown"
	default:
		step.Action = ActionDeleteKey
		step.Reason = "side key unreadable"
	}
	run.fail(step, fmt.Errorf("%w: %s: %s", ErrKeyUnreadable, c.Key, c.Reason))
}

// normalizeRecord re-reads the record and rewrites it if its denormalized
// fields are not canonical. It reports whether a write was applied or planned.
func (e *Engine) normalizeRecord(ctx context.Context, run *runner, id string, knownCorrupt bool) bool {
	key := business.RecordKey(id)
	step := Step{Action: ActionNormalizeRecord, Key: key, EntityID: id}

	if knownCorrupt {
		run.fail(step, fmt.Errorf("%w: %s is left for manual repair", business.ErrCorruptedRecord, key))
		return false
	}

	rec, err := e.repo.Load(ctx, id)
	if errors.Is(err, business.ErrNotFound) {
		// Deleted since analysis; nothing to normalize
		return false
	}
	if err != nil {
		run.fail(step, err)
		return false
	}
	if !rec.Normalize(e.now()) {
		return false
	}

	step.Reason = fmt.Sprintf("categoriesCount=%d", rec.CategoriesCount)
	step = run.do(ctx, step, func(ctx context.Context) error {
		return e.repo.Save(ctx, rec)
	})
	return step.Err == nil
}
