package publication

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsingest-io/tsingest/internal/catalog"
	"github.com/tsingest-io/tsingest/internal/delta"
	"github.com/tsingest-io/tsingest/internal/objectstore"
	"github.com/tsingest-io/tsingest/internal/rowset"
)

func rowsWithKeys(primaryKeys []string, vals ...string) rowset.Set {
	out := make(rowset.Set, 0, len(vals))

	for _, v := range vals {
		r := rowset.NewRow()
		r.Set(primaryKeys[0], v)
		out = append(out, r)
	}

	return delta.Fingerprint(out, primaryKeys)
}

func TestPublish_LostPointerCAS_LeavesOrphanedVersionAndReportsNotPublished(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	store := New(objects)
	primaryKeys := []string{"internal_series_code"}

	first, err := store.Publish(ctx, PublishInput{
		DatasetID:        "noaa-gsom",
		Version:          "v1",
		CreatedAt:        "2024-01-01T00:00:00Z",
		OutputKeys:       []string{"datasets/noaa-gsom/events/v1/data/part-0.parquet"},
		RowsAdded:        1,
		PrimaryKeys:      primaryKeys,
		DeltaRows:        rowsWithKeys(primaryKeys, "A"),
		PriorPointerETag: "",
	})
	require.NoError(t, err)
	require.True(t, first.Published)

	_, staleEtag, err := store.ReadPointer(ctx, "noaa-gsom")
	require.NoError(t, err)

	// A concurrent runner wins the pointer CAS for v2 between this runner's
	// read of the pointer and its own publish attempt.
	paths := catalog.New("noaa-gsom")
	concurrentPointer := []byte(`{"dataset_id":"noaa-gsom","current_version":"v2-concurrent"}`)
	_, err = objects.Put(ctx, paths.CurrentPointer(), concurrentPointer, "application/json", staleEtag)
	require.NoError(t, err)

	second, err := store.Publish(ctx, PublishInput{
		DatasetID:        "noaa-gsom",
		Version:          "v2",
		CreatedAt:        "2024-01-02T00:00:00Z",
		OutputKeys:       []string{"datasets/noaa-gsom/events/v2/data/part-0.parquet"},
		RowsAdded:        1,
		PrimaryKeys:      primaryKeys,
		PriorIndex:       first.NewIndex,
		DeltaRows:        rowsWithKeys(primaryKeys, "B"),
		PriorPointerETag: staleEtag,
	})
	require.NoError(t, err, "a lost CAS race is reported via Published=false, not an error")
	assert.False(t, second.Published)
	assert.Nil(t, second.NewIndex)

	// The version manifest was written before the CAS attempt and is now
	// orphaned: reachable by key but not referenced by the current pointer.
	_, err = objects.Get(ctx, paths.VersionManifest("v2"))
	require.NoError(t, err, "the version manifest write happens before the pointer cas and is not rolled back")

	pointer, _, err := store.ReadPointer(ctx, "noaa-gsom")
	require.NoError(t, err)
	assert.Equal(t, "v2-concurrent", pointer.CurrentVersion, "the winning runner's pointer must be untouched")

	// The key set index was never advanced for the losing runner's rows.
	idx, err := store.ReadIndex(ctx, "noaa-gsom")
	require.NoError(t, err)
	assert.Equal(t, 1, idx.Len(), "only the first publish's row is reflected in the index")
}

func TestVerifyPointerIndexConsistency_WithinToleranceIsConsistent(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	store := New(objects)
	paths := catalog.New("noaa-gsom")

	manifest := VersionManifest{
		DatasetID: "noaa-gsom",
		Version:   "v1",
		Outputs:   Outputs{RowsTotal: 100},
		Index:     IndexRef{KeyColumns: []string{"internal_series_code"}},
	}
	writeManifestAndPointer(t, ctx, objects, paths, manifest)

	fingerprints := make([]string, 0, 110)
	for i := 0; i < 110; i++ {
		fingerprints = append(fingerprints, delta.KeyFingerprint(rowWithValue(i), []string{"internal_series_code"}))
	}

	writeIndex(t, ctx, objects, paths, delta.IndexFromFingerprints(fingerprints))

	consistent, err := store.VerifyPointerIndexConsistency(ctx, "noaa-gsom")
	require.NoError(t, err)
	assert.True(t, consistent, "a diff of exactly ConsistencyTolerance (10) must still be consistent")
}

func TestVerifyPointerIndexConsistency_BeyondToleranceIsInconsistent(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	store := New(objects)
	paths := catalog.New("noaa-gsom")

	manifest := VersionManifest{
		DatasetID: "noaa-gsom",
		Version:   "v1",
		Outputs:   Outputs{RowsTotal: 100},
		Index:     IndexRef{KeyColumns: []string{"internal_series_code"}},
	}
	writeManifestAndPointer(t, ctx, objects, paths, manifest)

	fingerprints := make([]string, 0, 111)
	for i := 0; i < 111; i++ {
		fingerprints = append(fingerprints, delta.KeyFingerprint(rowWithValue(i), []string{"internal_series_code"}))
	}

	writeIndex(t, ctx, objects, paths, delta.IndexFromFingerprints(fingerprints))

	consistent, err := store.VerifyPointerIndexConsistency(ctx, "noaa-gsom")
	require.NoError(t, err)
	assert.False(t, consistent, "a diff of ConsistencyTolerance+1 (11) must be inconsistent")
}

func TestRebuildIndexFromPointer_ReconstructsFromEligibleVersionsOnly(t *testing.T) {
	ctx := context.Background()
	objects := objectstore.NewMemStore()
	store := New(objects)
	paths := catalog.New("noaa-gsom")
	primaryKeys := []string{"internal_series_code"}

	v1Rows := rowsWithKeys(primaryKeys, "A", "B")
	v1Data, err := rowset.Encode(v1Rows)
	require.NoError(t, err)
	_, err = objects.Put(ctx, paths.EventDataDateless("v1"), v1Data, "application/octet-stream", "")
	require.NoError(t, err)

	v2Rows := rowsWithKeys(primaryKeys, "C")
	v2Data, err := rowset.Encode(v2Rows)
	require.NoError(t, err)
	_, err = objects.Put(ctx, paths.EventDataDateless("v2"), v2Data, "application/octet-stream", "")
	require.NoError(t, err)

	// v3's event data exists (e.g. written by a run that crashed before its
	// own pointer CAS) but the pointer only advanced to v2: rebuild must not
	// pick up v3's rows.
	v3Rows := rowsWithKeys(primaryKeys, "D")
	v3Data, err := rowset.Encode(v3Rows)
	require.NoError(t, err)
	_, err = objects.Put(ctx, paths.EventDataDateless("v3"), v3Data, "application/octet-stream", "")
	require.NoError(t, err)

	manifest := VersionManifest{
		DatasetID: "noaa-gsom",
		Version:   "v2",
		Outputs:   Outputs{RowsTotal: 3},
		Index:     IndexRef{KeyColumns: primaryKeys},
	}
	writeManifestAndPointer(t, ctx, objects, paths, manifest)

	err = store.RebuildIndexFromPointer(ctx, "noaa-gsom")
	require.NoError(t, err)

	idx, err := store.ReadIndex(ctx, "noaa-gsom")
	require.NoError(t, err)
	assert.Equal(t, 3, idx.Len(), "rebuild must cover v1 and v2 but not the unreferenced v3")

	assert.True(t, idx.Has(delta.KeyFingerprint(rowWithKey(primaryKeys[0], "A"), primaryKeys)))
	assert.True(t, idx.Has(delta.KeyFingerprint(rowWithKey(primaryKeys[0], "B"), primaryKeys)))
	assert.True(t, idx.Has(delta.KeyFingerprint(rowWithKey(primaryKeys[0], "C"), primaryKeys)))
	assert.False(t, idx.Has(delta.KeyFingerprint(rowWithKey(primaryKeys[0], "D"), primaryKeys)))
}

func rowWithValue(i int) rowset.Row {
	r := rowset.NewRow()
	r.Set("internal_series_code", i)

	return r
}

func rowWithKey(col, val string) rowset.Row {
	r := rowset.NewRow()
	r.Set(col, val)

	return r
}

func writeManifestAndPointer(t *testing.T, ctx context.Context, objects objectstore.Store, paths catalog.Paths, manifest VersionManifest) {
	t.Helper()

	data, err := json.Marshal(manifest)
	require.NoError(t, err)
	_, err = objects.Put(ctx, paths.VersionManifest(manifest.Version), data, "application/json", "")
	require.NoError(t, err)

	pointer := CurrentPointer{DatasetID: manifest.DatasetID, CurrentVersion: manifest.Version}
	pointerData, err := json.Marshal(pointer)
	require.NoError(t, err)
	_, err = objects.Put(ctx, paths.CurrentPointer(), pointerData, "application/json", objectstore.IfAbsent)
	require.NoError(t, err)
}

func writeIndex(t *testing.T, ctx context.Context, objects objectstore.Store, paths catalog.Paths, idx *delta.Index) {
	t.Helper()

	data, err := delta.EncodeIndex(idx)
	require.NoError(t, err)
	_, err = objects.Put(ctx, paths.KeySetIndex(), data, "application/octet-stream", "")
	require.NoError(t, err)
}
