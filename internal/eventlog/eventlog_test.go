package eventlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsingest-io/tsingest/internal/objectstore"
	"github.com/tsingest-io/tsingest/internal/rowset"
)

func obsRow(obsTime time.Time, series string) rowset.Row {
	r := rowset.NewRow()
	r.Set("obs_time", obsTime)
	r.Set("internal_series_code", series)
	r.Set("value", 1.0)

	return r
}

func TestWrite_EmptyRows_NoFiles(t *testing.T) {
	s := New(objectstore.NewMemStore(), nil)

	keys, err := s.Write(context.Background(), "d1", "v1", nil)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestWrite_PartitionsByMonth(t *testing.T) {
	store := objectstore.NewMemStore()
	s := New(store, nil)

	rows := rowset.Set{
		obsRow(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A"),
		obsRow(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), "A"),
	}

	keys, err := s.Write(context.Background(), "d1", "v1", rows)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	assert.Contains(t, keys, "datasets/d1/events/v1/data/year=2024/month=01/part-0.parquet")
	assert.Contains(t, keys, "datasets/d1/events/v1/data/year=2024/month=02/part-0.parquet")

	_, err = store.Get(context.Background(), "datasets/d1/events/index/2024/01/versions.json")
	require.NoError(t, err)
}

func TestWrite_DatelessRows_SingleFile(t *testing.T) {
	store := objectstore.NewMemStore()
	s := New(store, nil)

	r := rowset.NewRow()
	r.Set("internal_series_code", "A")
	r.Set("value", 1.0)

	keys, err := s.Write(context.Background(), "d1", "v1", rowset.Set{r})
	require.NoError(t, err)
	assert.Equal(t, []string{"datasets/d1/events/v1/data/part-0.parquet"}, keys)
}

func TestListEventsForMonth_FastPathUsesIndex(t *testing.T) {
	store := objectstore.NewMemStore()
	s := New(store, nil)
	ctx := context.Background()

	_, err := s.Write(ctx, "d1", "v1", rowset.Set{obsRow(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A")})
	require.NoError(t, err)

	_, err = s.Write(ctx, "d1", "v2", rowset.Set{obsRow(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), "A")})
	require.NoError(t, err)

	keys, err := s.ListEventsForMonth(ctx, "d1", 2024, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"datasets/d1/events/v1/data/year=2024/month=01/part-0.parquet",
		"datasets/d1/events/v2/data/year=2024/month=01/part-0.parquet",
	}, keys)
}

func TestListEventsForMonth_SlowPathReconstructsWhenIndexMissing(t *testing.T) {
	store := objectstore.NewMemStore()
	s := New(store, nil)
	ctx := context.Background()

	_, err := s.Write(ctx, "d1", "v1", rowset.Set{obsRow(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A")})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "datasets/d1/events/index/2024/01/versions.json"))

	keys, err := s.ListEventsForMonth(ctx, "d1", 2024, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"datasets/d1/events/v1/data/year=2024/month=01/part-0.parquet"}, keys)
}

func TestWrite_UnparseableDate_Errors(t *testing.T) {
	store := objectstore.NewMemStore()
	s := New(store, nil)

	r := rowset.NewRow()
	r.Set("obs_time", "not-a-time")

	_, err := s.Write(context.Background(), "d1", "v1", rowset.Set{r})
	require.ErrorIs(t, err, ErrUnparseableDate)
}
