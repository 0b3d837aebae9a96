package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/catindex/pkg/audit"
	"github.com/orneryd/catindex/pkg/business"
	"github.com/orneryd/catindex/pkg/kv"
)

func TestRepairAll(t *testing.T) {
	ctx := context.Background()

	t.Run("converges a messy store", func(t *testing.T) {
		store := kv.NewMemoryStore()
		messyStore(t, store)
		e := newTestEngine(t, store, Config{})

		result, err := e.RepairAll(ctx, RepairOptions{})
		require.NoError(t, err)
		require.NotNil(t, result.Validation)
		assert.False(t, result.Validation.Valid)

		assert.Equal(t, []string{"category:closed-shop", "category:legacy-format", "category:Pet Care:businesses"}, result.Deleted)
		assert.Equal(t, []string{"category:food-dining", "category:pet-care", "category:retail-stores"}, result.Rebuilt)
		assert.Equal(t, []string{"B4", "B7"}, result.Normalized)
		assert.Equal(t, []string{"B6"}, result.Excluded)
		assert.Equal(t, 8, result.FixedCount)
		require.Len(t, result.Errors, 1)
		assert.Contains(t, result.Errors[0], "B6")

		assert.Equal(t, []string{"B2"}, members(t, store, "category:food-dining"))
		assert.Equal(t, []string{"B1", "B3", "B7"}, members(t, store, "category:pet-care"))
		assert.Equal(t, []string{"B4"}, members(t, store, "category:retail-stores"))
		assertConverged(t, e, store)

		after, err := e.ValidateAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[IssueKind]int{
			IssueCorruptedRecord: 1,
			IssueMissingRecord:   1,
		}, after.CountByKind())
	})

	t.Run("second repair is a no-op", func(t *testing.T) {
		store := kv.NewMemoryStore()
		messyStore(t, store)
		e := newTestEngine(t, store, Config{})

		_, err := e.RepairAll(ctx, RepairOptions{})
		require.NoError(t, err)
		before := snapshot(t, store)

		again, err := e.RepairAll(ctx, RepairOptions{})
		require.NoError(t, err)
		assert.Zero(t, again.FixedCount)
		assert.Empty(t, again.Deleted)
		assert.Empty(t, again.Rebuilt)
		assert.Empty(t, again.Normalized)
		assert.Equal(t, before, snapshot(t, store))
	})

	t.Run("removes corrupted index", func(t *testing.T) {
		store := kv.NewMemoryStore()
		putBusiness(t, store, "B1", `{"category":"Pet Care","allCategories":["Pet Care"],"categoriesCount":1}`)
		putIndex(t, store, "category:pet-care", "B1")
		require.NoError(t, store.SetString(ctx, "category:legacy-format", "garbage"))
		e := newTestEngine(t, store, Config{})

		result, err := e.RepairAll(ctx, RepairOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"category:legacy-format"}, result.Deleted)
		assert.Empty(t, result.Rebuilt)

		exists, err := store.Exists(ctx, "category:legacy-format")
		require.NoError(t, err)
		assert.False(t, exists)

		report, err := e.Analyze(ctx, "B1")
		require.NoError(t, err)
		assert.Empty(t, report.CorruptedKeys)
		assert.True(t, report.Consistent())
	})

	t.Run("drops deleted businesses from indexes", func(t *testing.T) {
		store := kv.NewMemoryStore()
		putBusiness(t, store, "B1", `{"category":"Retail Stores","allCategories":["Retail Stores"],"categoriesCount":1}`)
		putIndex(t, store, "category:retail-stores", "B1", "B2")
		e := newTestEngine(t, store, Config{})

		result, err := e.RepairAll(ctx, RepairOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"category:retail-stores"}, result.Rebuilt)
		assert.Equal(t, []string{"B1"}, members(t, store, "category:retail-stores"))
	})

	t.Run("merges aliased spellings", func(t *testing.T) {
		store := kv.NewMemoryStore()
		putBusiness(t, store, "B1", `{"category":"automotive","categoriesCount":1}`)
		putBusiness(t, store, "B2", `{"category":"Automotive/Motorcycle/RV, etc","categoriesCount":1}`)
		putIndex(t, store, "category:automotive", "B1")
		putIndex(t, store, "category:Automotive/Motorcycle/RV, etc:businesses", "B2")
		e := newTestEngine(t, store, Config{})

		_, err := e.RepairAll(ctx, RepairOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"B1", "B2"}, members(t, store, "category:automotive-services"))
		assertConverged(t, e, store)
	})

	t.Run("dry run writes nothing", func(t *testing.T) {
		store := kv.NewMemoryStore()
		messyStore(t, store)
		e := newTestEngine(t, store, Config{})
		before := snapshot(t, store)

		result, err := e.RepairAll(ctx, RepairOptions{DryRun: true})
		require.NoError(t, err)
		assert.True(t, result.DryRun)
		assert.Equal(t, 8, result.FixedCount)
		for _, s := range result.Steps {
			assert.False(t, s.Applied)
		}
		assert.Equal(t, before, snapshot(t, store))
	})

	t.Run("reuses a supplied validation", func(t *testing.T) {
		store := kv.NewMemoryStore()
		messyStore(t, store)
		e := newTestEngine(t, store, Config{})

		validation, err := e.ValidateAll(ctx)
		require.NoError(t, err)
		result, err := e.RepairAll(ctx, RepairOptions{Validation: validation})
		require.NoError(t, err)
		assert.Same(t, validation, result.Validation)
	})

	t.Run("write failure is recorded and the rest applied", func(t *testing.T) {
		store := newFaultyStore(kv.NewMemoryStore())
		messyStore(t, store)
		store.failWrite("category:pet-care", errInjected)
		e := newTestEngine(t, store, Config{})

		result, err := e.RepairAll(ctx, RepairOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"category:food-dining", "category:retail-stores"}, result.Rebuilt)
		assert.Equal(t, 7, result.FixedCount)
		require.Len(t, result.Errors, 2)
		assert.True(t, strings.HasPrefix(result.Errors[1], "rebuild-index category:pet-care"))

		store.heal()
		retry, err := e.RepairAll(ctx, RepairOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"category:pet-care"}, retry.Rebuilt)
		assertConverged(t, e, store)
	})

	t.Run("unreadable record keeps its memberships", func(t *testing.T) {
		store := newFaultyStore(kv.NewMemoryStore())
		putBusiness(t, store, "B1", `{"category":"Pet Care","allCategories":["Pet Care"],"categoriesCount":1}`)
		putBusiness(t, store, "B2", `{"category":"Pet Care","allCategories":["Pet Care"],"categoriesCount":1}`)
		putIndex(t, store, "category:pet-care", "B1", "B2")
		store.failRead(business.RecordKey("B1"))
		e := newTestEngine(t, store, Config{})

		result, err := e.RepairAll(ctx, RepairOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"B1"}, result.Held)
		assert.Empty(t, result.Excluded)
		assert.Empty(t, result.Deleted)
		require.NotEmpty(t, result.Errors)
		assert.Contains(t, result.Errors[0], "B1")

		store.heal()
		assert.Equal(t, []string{"B1", "B2"}, members(t, store, "category:pet-care"))
		assertConverged(t, e, store)
	})

	t.Run("index holding only an unreadable record survives", func(t *testing.T) {
		store := newFaultyStore(kv.NewMemoryStore())
		putBusiness(t, store, "B1", `{"category":"Pet Care","allCategories":["Pet Care"],"categoriesCount":1}`)
		putBusiness(t, store, "B2", `{"category":"Retail Stores","allCategories":["Retail Stores"],"categoriesCount":1}`)
		putIndex(t, store, "category:pet-care", "B1")
		putIndex(t, store, "category:retail-stores", "B2")
		store.failRead(business.RecordKey("B1"))
		e := newTestEngine(t, store, Config{})

		result, err := e.RepairAll(ctx, RepairOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"B1"}, result.Held)
		assert.NotContains(t, result.Deleted, "category:pet-care")

		store.heal()
		assert.Equal(t, []string{"B1"}, members(t, store, "category:pet-care"))
		assert.Equal(t, []string{"B2"}, members(t, store, "category:retail-stores"))
	})

	t.Run("unreadable record moves from a legacy spelling", func(t *testing.T) {
		store := newFaultyStore(kv.NewMemoryStore())
		putBusiness(t, store, "B1", `{"category":"Pet Care","allCategories":["Pet Care"],"categoriesCount":1}`)
		putIndex(t, store, "category:Pet Care:businesses", "B1")
		store.failRead(business.RecordKey("B1"))
		e := newTestEngine(t, store, Config{})

		result, err := e.RepairAll(ctx, RepairOptions{})
		require.NoError(t, err)
		assert.Equal(t, []string{"category:pet-care"}, result.Rebuilt)
		assert.Equal(t, []string{"category:Pet Care:businesses"}, result.Deleted)

		store.heal()
		assert.Equal(t, []string{"B1"}, members(t, store, "category:pet-care"))
	})

	t.Run("legacy spelling kept while its canonical rebuild fails", func(t *testing.T) {
		store := newFaultyStore(kv.NewMemoryStore())
		putBusiness(t, store, "B1", `{"category":"Pet Care","allCategories":["Pet Care"],"categoriesCount":1}`)
		putIndex(t, store, "category:Pet Care:businesses", "B1")
		store.failRead(business.RecordKey("B1"))
		store.failWrite("category:pet-care", errInjected)
		e := newTestEngine(t, store, Config{})

		result, err := e.RepairAll(ctx, RepairOptions{})
		require.NoError(t, err)
		assert.Empty(t, result.Rebuilt)
		assert.Empty(t, result.Deleted)

		store.heal()
		assert.Equal(t, []string{"B1"}, members(t, store, "category:Pet Care:businesses"))
	})

	t.Run("registry unreadable", func(t *testing.T) {
		store := newFaultyStore(kv.NewMemoryStore())
		messyStore(t, store)
		store.failRead(business.RegistryKey)
		e := newTestEngine(t, store, Config{})

		result, err := e.RepairAll(ctx, RepairOptions{})
		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})

	t.Run("cancelled context", func(t *testing.T) {
		store := kv.NewMemoryStore()
		messyStore(t, store)
		e := newTestEngine(t, store, Config{})
		validation, err := e.ValidateAll(ctx)
		require.NoError(t, err)
		before := snapshot(t, store)

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		result, err := e.RepairAll(cancelled, RepairOptions{Validation: validation})
		require.ErrorIs(t, err, context.Canceled)
		require.NotNil(t, result)
		assert.Empty(t, result.Steps)
		assert.Equal(t, before, snapshot(t, store))
	})

	t.Run("journals every step", func(t *testing.T) {
		store := kv.NewMemoryStore()
		messyStore(t, store)
		var buf bytes.Buffer
		journal := audit.NewLoggerWithWriter(&buf, audit.Config{Enabled: true})
		e := newTestEngine(t, store, Config{Journal: journal})

		result, err := e.RepairAll(ctx, RepairOptions{})
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		assert.Len(t, lines, len(result.Steps))
		assert.Contains(t, lines[0], `"operation":"repair"`)
		assert.Contains(t, lines[0], result.RunID)
	})

	t.Run("large generated store", func(t *testing.T) {
		store := kv.NewMemoryStore()
		labels := []string{"Pet Care", "pet_care", "Retail Stores", "Food Dining", "automotive", "Home Improvement", "Funeral Services"}
		for i := 0; i < 60; i++ {
			id := fmt.Sprintf("B%03d", i)
			primary := labels[i%len(labels)]
			sub := labels[(i*3+1)%len(labels)]
			putBusiness(t, store, id, fmt.Sprintf(`{"category":%q,"allSubcategories":[%q],"categoriesCount":%d}`, primary, sub, i%4))
			// Index under a wrong or legacy key
			putIndex(t, store, "category:"+labels[(i+2)%len(labels)]+":businesses", id)
			if i%5 == 0 {
				putIndex(t, store, "category:pet-care", fmt.Sprintf("GONE%d", i))
			}
		}
		e := newTestEngine(t, store, Config{Concurrency: 4})

		result, err := e.RepairAll(ctx, RepairOptions{})
		require.NoError(t, err)
		assert.Empty(t, result.Errors)
		assertConverged(t, e, store)

		after, err := e.ValidateAll(ctx)
		require.NoError(t, err)
		assert.True(t, after.Valid)
		assert.Empty(t, after.Issues)
	})
}
