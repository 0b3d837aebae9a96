package reconcile

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/orneryd/catindex/pkg/business"
	"github.com/orneryd/catindex/pkg/category"
	"github.com/orneryd/catindex/pkg/kv"
)

// Analyze compares the categories business id claims with the indexes that
// claim it. It never writes.
//
// The probe universe is the union of:
//   - the index keys implied by the business's own categories
//   - the catalog of categories the directory publishes
//   - every category:* key currently in the store
//
// so memberships in categories the business has lost entirely, and in legacy
// spellings of categories it still has, are found too.
//
// Classification per probed key:
//   - readable set, canonical for the business: correct or missing
//   - readable set, anything else containing the id: stale
//   - absent, canonical for the business: missing
//   - wrong shape: corrupted (and missing, if canonical)
//   - read failure: unreadable, reported with the corrupted keys (and
//     missing, if canonical)
//
// A business whose record is not a JSON object is reported Found with a
// corrupted record entry; its memberships are not classified because its
// categories are unknown. A failure to read the record at all returns an
// error wrapping ErrStoreUnavailable.
func (e *Engine) Analyze(ctx context.Context, id string) (*ConsistencyReport, error) {
	report := &ConsistencyReport{
		EntityID:           id,
		CanonicalSet:       []string{},
		CanonicalKeys:      []string{},
		CorrectMemberships: []string{},
		MissingMemberships: []string{},
		StaleMemberships:   []string{},
		CorruptedKeys:      []CorruptedKey{},
		AliasVersion:       e.canon.Table().Version(),
	}
	log := e.log.With(zap.String("entity_id", id))

	rec, err := e.repo.Load(ctx, id)
	switch {
	case errors.Is(err, business.ErrNotFound):
		log.Debug("business not found")
		return report, nil
	case errors.Is(err, business.ErrCorruptedRecord):
		report.Found = true
		report.CorruptedKeys = append(report.CorruptedKeys, CorruptedKey{
			Key:    business.RecordKey(id),
			Kind:   CorruptRecord,
			Reason: err.Error(),
		})
	case err != nil:
		return nil, unavailable("reading record", err)
	default:
		report.Found = true
		report.CanonicalSet = rec.CanonicalSet()
		report.CanonicalKeys = e.canon.KeySet(report.CanonicalSet)
		report.CountConsistent = rec.CountConsistent()
		report.NeedsNormalization = rec.NeedsNormalization()
		for _, p := range rec.Problems {
			report.CorruptedKeys = append(report.CorruptedKeys, CorruptedKey{
				Key:    business.RecordKey(id),
				Kind:   CorruptRecordField,
				Field:  p.Field,
				Reason: p.Reason,
			})
		}
	}

	if inReg, err := e.repo.InRegistry(ctx, id); err != nil {
		log.Warn("registry unreadable", zap.Error(err))
	} else {
		report.InRegistry = inReg
	}

	universe, complete := e.probeUniverse(ctx, report.CanonicalKeys)
	report.Incomplete = !complete
	report.ProbedKeys = len(universe)

	canonical := make(map[string]struct{}, len(report.CanonicalKeys))
	for _, k := range report.CanonicalKeys {
		canonical[k] = struct{}{}
	}
	classify := !report.recordCorrupted()

	for _, key := range universe {
		_, needed := canonical[key]
		v := e.store.Members(ctx, key)

		switch v.Kind {
		case kv.KindSet:
			if !classify {
				continue
			}
			has := v.Has(id)
			switch {
			case needed && has:
				report.CorrectMemberships = append(report.CorrectMemberships, key)
			case needed:
				report.MissingMemberships = append(report.MissingMemberships, key)
			case has:
				report.StaleMemberships = append(report.StaleMemberships, key)
			}
		case kv.KindNotFound:
			if needed {
				report.MissingMemberships = append(report.MissingMemberships, key)
			}
		default:
			log.Warn("unreadable index", zap.String("key", key), zap.Stringer("kind", v.Kind), zap.Error(v.Err))
			kind := CorruptIndex
			if v.Kind == kv.KindIOError {
				kind = CorruptIndexUnreadable
			}
			report.CorruptedKeys = append(report.CorruptedKeys, CorruptedKey{
				Key:    key,
				Kind:   kind,
				Reason: describe(v),
			})
			if needed {
				report.MissingMemberships = append(report.MissingMemberships, key)
			}
		}
	}

	for _, key := range business.SideKeys(id) {
		v := e.store.Get(ctx, key)
		if problem := business.SideKeyProblem(v); problem != "" {
			kind := CorruptSideKey
			if v.Kind == kv.KindIOError {
				kind = CorruptSideKeyUnreadable
			}
			report.CorruptedKeys = append(report.CorruptedKeys, CorruptedKey{
				Key:    key,
				Kind:   kind,
				Reason: problem,
			})
		}
	}

	return report, nil
}

// probeUniverse returns the sorted union of own, the catalog and every index
// key in the store. complete is false when the store could not be listed.
func (e *Engine) probeUniverse(ctx context.Context, own []string) (keys []string, complete bool) {
	set := make(map[string]struct{})
	for _, k := range own {
		set[k] = struct{}{}
	}
	for _, k := range e.canon.Catalog() {
		set[k] = struct{}{}
	}

	complete = true
	existing, err := e.store.Keys(ctx, category.IndexPrefix)
	if err != nil {
		e.log.Warn("listing index keys failed; probing catalog only", zap.Error(err))
		complete = false
	}
	for _, k := range existing {
		set[k] = struct{}{}
	}
	return category.SortedKeys(set), complete
}

// describe renders an unusable read for reports.
func describe(v kv.Value) string {
	if v.Err != nil {
		return fmt.Sprintf("%s: %v", v.Kind, v.Err)
	}
	return v.Kind.String()
}
