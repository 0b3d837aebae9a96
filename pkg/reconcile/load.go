package reconcile

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/catindex/pkg/business"
)

// entityState is the result of loading one registered business.
type entityState struct {
	id  string
	rec *business.Record
	err error
}

func (s *entityState) missing() bool {
	return errors.Is(s.err, business.ErrNotFound)
}

func (s *entityState) corrupted() bool {
	return errors.Is(s.err, business.ErrCorruptedRecord)
}

// unreadable reports a failed read: the record may be perfectly fine.
func (s *entityState) unreadable() bool {
	return s.err != nil && !s.missing() && !s.corrupted()
}

// exists reports whether the business may have a record: it does, or its
// read failed and nothing can be concluded.
func (s *entityState) exists() bool {
	return !s.missing()
}

// loadEntities reads the records of ids with bounded parallelism.
// Per-record failures are captured on the state; only cancellation aborts.
func (e *Engine) loadEntities(ctx context.Context, ids []string) (map[string]*entityState, error) {
	states := make([]*entityState, len(ids))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			rec, err := e.repo.Load(gCtx, id)
			states[i] = &entityState{id: id, rec: rec, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]*entityState, len(ids))
	for _, s := range states {
		out[s.id] = s
	}
	return out, nil
}
