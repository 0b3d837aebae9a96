// Package reconcile detects and repairs divergence between business records and
// the category indexes derived from them.
//
// The directory stores every business once, as a record, and keeps one
// inverted index per category (a set of business ids) so browse pages can do a
// single set lookup. Records and indexes are written independently by many
// code paths with inconsistent label spellings, so they drift. This package is
// the only component responsible for restoring the invariants:
//
//  1. Every business is a member of the index of every category it claims.
//  2. Every index member exists and claims that index's category.
//  3. categoriesCount equals the size of the business's canonical set.
//  4. No index key holds the wrong kind of value.
//  5. No index is left empty.
//
// The store offers single-key atomicity only. Every write path is therefore an
// ordered list of independent, individually idempotent steps, each with its own
// recorded result, and indexes are repaired by delete-then-recreate rather than
// by merging. Running any operation again converges to the same state no
// matter what an overlapping run already did.
//
// Operations:
//   - Analyze: read-only per-business diff
//   - Reconcile: per-business repair driven by Analyze
//   - ValidateAll: read-only store-wide scan producing issues and a summary
//   - RepairAll: store-wide rebuild of every index from the records
//
// Example Usage:
//
//	store, _ := kv.NewBadgerStore("./data")
//	engine := reconcile.New(store, category.NewCanonicalizer(category.DefaultAliases()), reconcile.Config{
//		Logger: logger,
//	})
//
//	report, err := engine.Analyze(ctx, "B1")
//	outcome, err := engine.Reconcile(ctx, "B1", reconcile.ReconcileOptions{})
//
//	result, err := engine.ValidateAll(ctx)
//	if !result.Valid {
//		repair, err := engine.RepairAll(ctx, reconcile.RepairOptions{Validation: result})
//		fmt.Println(repair.FixedCount)
//	}
//
// ELI12 (Explain Like I'm 12):
//
// Think of a school where every student has a card listing their clubs, and
// every club has a clipboard listing its students. People keep updating cards
// and clipboards separately, and they get out of sync. The cards are the
// truth. Analyze compares one student's card against every clipboard.
// Reconcile fixes the clipboards for that one student. ValidateAll walks the
// whole school and writes down every mismatch. RepairAll throws away every
// clipboard and writes fresh ones from the cards.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/catindex/pkg/audit"
	"github.com/orneryd/catindex/pkg/business"
	"github.com/orneryd/catindex/pkg/category"
	"github.com/orneryd/catindex/pkg/kv"
)

// DefaultConcurrency bounds parallel record loads during store-wide scans.
const DefaultConcurrency = 8

// Journal receives one event per attempted mutation.
// *audit.Logger implements it.
type Journal interface {
	Log(event audit.Event) error
}

// Config configures an Engine.
type Config struct {
	// Concurrency bounds parallel record reads in ValidateAll and RepairAll.
	// Writes are always sequential. Default: DefaultConcurrency.
	Concurrency int

	// Logger receives structured progress and failure logs.
	// Default: zap.NewNop().
	Logger *zap.Logger

	// Journal receives mutation events. Optional.
	Journal Journal

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// Engine runs analysis and repair against one store.
//
// The Engine holds no mutable state between calls: every operation re-reads
// what it needs, and the master registry is only ever read.
//
// Thread Safety:
//
//	Safe for concurrent use. Concurrent repairs of the same business can
//	interleave; both converge because every step is idempotent.
type Engine struct {
	store       kv.Store
	repo        *business.Repository
	canon       *category.Canonicalizer
	log         *zap.Logger
	journal     Journal
	concurrency int
	now         func() time.Time
}

// New creates an Engine.
func New(store kv.Store, canon *category.Canonicalizer, cfg Config) *Engine {
	if canon == nil {
		canon = category.NewCanonicalizer(category.DefaultAliases())
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		store:       store,
		repo:        business.NewRepository(store),
		canon:       canon,
		log:         cfg.Logger,
		journal:     cfg.Journal,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
	}
}

// Canonicalizer returns the canonicalizer in use.
func (e *Engine) Canonicalizer() *category.Canonicalizer {
	return e.canon
}

// ============================================================================
// Step runner
// ============================================================================

// runner executes the steps of one operation and collects their results.
type runner struct {
	e      *Engine
	runID  string
	op     string
	dryRun bool
	log    *zap.Logger
	steps  []Step
}

func (e *Engine) newRunner(op string, dryRun bool) *runner {
	id := uuid.NewString()
	return &runner{
		e:      e,
		runID:  id,
		op:     op,
		dryRun: dryRun,
		log:    e.log.With(zap.String("run_id", id), zap.String("operation", op)),
	}
}

// do runs fn for step unless this is a dry run, then records the result.
// Failures never stop the caller; they are captured on the step.
func (r *runner) do(ctx context.Context, step Step, fn func(ctx context.Context) error) Step {
	if !r.dryRun {
		if err := fn(ctx); err != nil {
			step.Err = err
			step.Error = err.Error()
			step.Retryable = kv.IsRetryable(err)
		} else {
			step.Applied = true
		}
	}
	r.steps = append(r.steps, step)

	fields := []zap.Field{
		zap.String("action", string(step.Action)),
		zap.String("key", step.Key),
	}
	if step.EntityID != "" {
		fields = append(fields, zap.String("entity_id", step.EntityID))
	}
	switch {
	case r.dryRun:
		r.log.Debug("planned mutation", fields...)
	case step.Err != nil:
		r.log.Warn("mutation failed", append(fields, zap.Error(step.Err), zap.Bool("retryable", step.Retryable))...)
	default:
		r.log.Info("mutation applied", fields...)
	}

	r.journal(step)
	return step
}

// fail records a step that could not even be attempted.
func (r *runner) fail(step Step, err error) Step {
	step.Err = err
	step.Error = err.Error()
	step.Retryable = kv.IsRetryable(err) && !errors.Is(err, business.ErrCorruptedRecord)
	r.steps = append(r.steps, step)
	r.log.Warn("mutation skipped",
		zap.String("action", string(step.Action)),
		zap.String("key", step.Key),
		zap.Error(err))
	r.journal(step)
	return step
}

func (r *runner) journal(step Step) {
	if r.e.journal == nil {
		return
	}
	event := audit.Event{
		RunID:     r.runID,
		Operation: r.op,
		Type:      eventType(step.Action),
		Key:       step.Key,
		EntityID:  step.EntityID,
		Members:   step.Members,
		DryRun:    r.dryRun,
		Success:   step.Err == nil,
		Reason:    step.Reason,
	}
	if step.Err != nil {
		event.Reason = step.Error
	}
	if err := r.e.journal.Log(event); err != nil {
		r.log.Warn("audit journal write failed", zap.Error(err))
	}
}

func eventType(a Action) audit.EventType {
	switch a {
	case ActionDeleteKey:
		return audit.EventKeyDeleted
	case ActionAddMember:
		return audit.EventMemberAdded
	case ActionRemoveMember:
		return audit.EventMemberRemoved
	case ActionRebuildIndex:
		return audit.EventIndexRebuilt
	default:
		return audit.EventRecordNormalized
	}
}

// counts returns applied (or planned, on dry runs) and failed step counts.
func (r *runner) counts() (mutations, failures int) {
	for _, s := range r.steps {
		switch {
		case s.Err != nil:
			failures++
		case s.Applied || r.dryRun:
			mutations++
		}
	}
	return mutations, failures
}

// unavailable wraps err as a top-level store failure.
func unavailable(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStoreUnavailable, what, err)
}
