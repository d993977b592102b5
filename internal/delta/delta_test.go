package delta

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsingest-io/tsingest/internal/rowset"
)

func makeRow(obsTime time.Time, series string) rowset.Row {
	r := rowset.NewRow()
	r.Set("obs_time", obsTime)
	r.Set("internal_series_code", series)
	r.Set("value", 1.0)

	return r
}

func TestKeyFingerprint_Length40Hex(t *testing.T) {
	r := makeRow(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A")

	fp := KeyFingerprint(r, []string{"obs_time", "internal_series_code"})

	assert.Len(t, fp, 40)
}

func TestKeyFingerprint_Deterministic(t *testing.T) {
	r1 := makeRow(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A")
	r2 := makeRow(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A")

	assert.Equal(t, KeyFingerprint(r1, []string{"obs_time", "internal_series_code"}),
		KeyFingerprint(r2, []string{"obs_time", "internal_series_code"}))
}

func TestComputeDelta_NilPriorReturnsAll(t *testing.T) {
	rows := rowset.Set{
		makeRow(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A"),
		makeRow(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), "A"),
	}
	fingerprinted := Fingerprint(rows, []string{"obs_time", "internal_series_code"})

	out := ComputeDelta(fingerprinted, nil)

	assert.Len(t, out, 2)
}

func TestComputeDelta_ExcludesKnownFingerprints(t *testing.T) {
	keys := []string{"obs_time", "internal_series_code"}
	rows := rowset.Set{
		makeRow(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A"),
		makeRow(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), "A"),
	}
	fingerprinted := Fingerprint(rows, keys)

	prior := UpdateIndex(nil, fingerprinted[:1])

	out := ComputeDelta(fingerprinted, prior)

	require.Len(t, out, 1)

	series, _ := out[0].Get("internal_series_code")
	assert.Equal(t, "A", series)

	obsTime, _ := out[0].Get("obs_time")
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), obsTime)
}

func TestUpdateIndex_DedupesPreservingOrder(t *testing.T) {
	keys := []string{"obs_time", "internal_series_code"}
	row := makeRow(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A")
	fingerprinted := Fingerprint(rowset.Set{row}, keys)

	idx1 := UpdateIndex(nil, fingerprinted)
	idx2 := UpdateIndex(idx1, fingerprinted)

	assert.Equal(t, 1, idx2.Len())
}

func TestComputeDelta_RoundTripIsEmpty(t *testing.T) {
	keys := []string{"obs_time", "internal_series_code"}
	rows := Fingerprint(rowset.Set{
		makeRow(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), "A"),
		makeRow(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), "B"),
	}, keys)

	idx := UpdateIndex(nil, rows)

	again := ComputeDelta(rows, UpdateIndex(idx, ComputeDelta(rows, idx)))

	assert.Empty(t, again)
}

func TestIndexCodec_RoundTrip(t *testing.T) {
	idx := IndexFromFingerprints([]string{"a", "b", "c"})

	data, err := EncodeIndex(idx)
	require.NoError(t, err)

	decoded, err := DecodeIndex(data)
	require.NoError(t, err)

	assert.Equal(t, idx.Len(), decoded.Len())
	assert.True(t, decoded.Has("b"))
}
