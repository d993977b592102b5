package projection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsingest-io/tsingest/internal/catalog"
	"github.com/tsingest-io/tsingest/internal/eventlog"
	"github.com/tsingest-io/tsingest/internal/objectstore"
	"github.com/tsingest-io/tsingest/internal/rowset"
)

func row(obsTime time.Time, series string, value float64, version string) rowset.Row {
	r := rowset.NewRow()
	r.Set("obs_time", obsTime)
	r.Set("internal_series_code", series)
	r.Set("value", value)

	if version != "" {
		r.Set("version", version)
	}

	return r
}

func TestAffectedMonths_DistinctAscending(t *testing.T) {
	delta := rowset.Set{
		row(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), "A", 1, ""),
		row(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A", 1, ""),
		row(time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), "A", 1, ""),
	}

	months := AffectedMonths(delta)
	assert.Equal(t, []Month{{Year: 2024, Month: 1}, {Year: 2024, Month: 2}}, months)
}

func TestConsolidate_WritesProjectionAndCompletesManifest(t *testing.T) {
	store := objectstore.NewMemStore()
	events := eventlog.New(store, nil)
	proj := New(store, events, nil)
	ctx := context.Background()

	rows := rowset.Set{
		row(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A", 1, ""),
		row(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), "B", 2, ""),
	}

	_, err := events.Write(ctx, "d1", "v1", rows)
	require.NoError(t, err)

	err = proj.Consolidate(ctx, "d1", []Month{{Year: 2024, Month: 1}}, []string{"obs_time", "internal_series_code"})
	require.NoError(t, err)

	manifest, err := proj.readManifest(ctx, catalog.New("d1"), Month{Year: 2024, Month: 1})
	require.NoError(t, err)
	assert.Equal(t, statusCompleted, manifest.Status)

	data, err := store.Get(ctx, catalog.New("d1").ProjectionWindow("A", 2024, 1))
	require.NoError(t, err)

	decoded, err := rowset.Decode(data)
	require.NoError(t, err)
	assert.Len(t, decoded, 1)
}

func TestConsolidate_SkipsCompletedNonAffectedMonth(t *testing.T) {
	store := objectstore.NewMemStore()
	events := eventlog.New(store, nil)
	proj := New(store, events, nil)
	ctx := context.Background()

	rows := rowset.Set{row(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A", 1, "")}

	_, err := events.Write(ctx, "d1", "v1", rows)
	require.NoError(t, err)

	keys := []string{"obs_time", "internal_series_code"}
	require.NoError(t, proj.Consolidate(ctx, "d1", []Month{{Year: 2024, Month: 1}}, keys))
	require.NoError(t, store.Delete(ctx, catalog.New("d1").ProjectionWindow("A", 2024, 1)))

	// Re-running with this month NOT in the affected set should be a no-op
	// (idempotent skip), leaving the window deleted above untouched.
	require.NoError(t, proj.Consolidate(ctx, "d1", nil, keys))

	_, err = store.Get(ctx, catalog.New("d1").ProjectionWindow("A", 2024, 1))
	assert.ErrorIs(t, err, objectstore.ErrNotFound)
}

func TestConsolidate_DropsDuplicatesKeepingGreatestVersion(t *testing.T) {
	store := objectstore.NewMemStore()
	events := eventlog.New(store, nil)
	proj := New(store, events, nil)
	ctx := context.Background()

	rows := rowset.Set{
		row(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A", 1, "v2"),
		row(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A", 2, "v1"),
	}

	_, err := events.Write(ctx, "d1", "v1", rows)
	require.NoError(t, err)

	err = proj.Consolidate(ctx, "d1", []Month{{Year: 2024, Month: 1}}, []string{"obs_time", "internal_series_code"})
	require.NoError(t, err)

	data, err := store.Get(ctx, catalog.New("d1").ProjectionWindow("A", 2024, 1))
	require.NoError(t, err)

	decoded, err := rowset.Decode(data)
	require.NoError(t, err)
	require.Len(t, decoded, 1)

	v, _ := decoded[0].Get("version")
	assert.Equal(t, "v2", v)
}

func TestConsolidate_SweepsStaleTempBeforeStarting(t *testing.T) {
	store := objectstore.NewMemStore()
	events := eventlog.New(store, nil)
	proj := New(store, events, nil)
	ctx := context.Background()

	paths := catalog.New("d1")
	staleKey := paths.ProjectionWindowTemp("Z", 2024, 1)
	require.NoError(t, func() error { _, err := store.Put(ctx, staleKey, []byte("garbage"), "application/octet-stream", ""); return err }())

	rows := rowset.Set{row(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A", 1, "")}

	_, err := events.Write(ctx, "d1", "v1", rows)
	require.NoError(t, err)

	require.NoError(t, proj.Consolidate(ctx, "d1", []Month{{Year: 2024, Month: 1}}, []string{"obs_time", "internal_series_code"}))

	_, err = store.Get(ctx, staleKey)
	assert.ErrorIs(t, err, objectstore.ErrNotFound, "stale tmp key from a prior crashed attempt must be swept")
}
