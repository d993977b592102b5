package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPaths_CanonicalPrefix(t *testing.T) {
	p := New("bcra_rem")

	assert.Equal(t, "datasets/bcra_rem/current/manifest.json", p.CurrentPointer())
	assert.Equal(t, "datasets/bcra_rem/index/keys.parquet", p.KeySetIndex())
	assert.Equal(t, "datasets/bcra_rem/events/v1/manifest.json", p.VersionManifest("v1"))
}

func TestPaths_EventDataPartitioned_ZeroPadded(t *testing.T) {
	p := New("d1")

	assert.Equal(t, "datasets/d1/events/v1/data/year=2024/month=01/part-0.parquet", p.EventDataPartitioned("v1", 2024, 1))
	assert.Equal(t, "datasets/d1/events/v1/data/year=2024/month=12/part-0.parquet", p.EventDataPartitioned("v1", 2024, 12))
}

func TestPaths_EventDataDateless(t *testing.T) {
	p := New("d1")

	assert.Equal(t, "datasets/d1/events/v1/data/part-0.parquet", p.EventDataDateless("v1"))
}

func TestPaths_EventIndex(t *testing.T) {
	p := New("d1")

	assert.Equal(t, "datasets/d1/events/index/2024/01/versions.json", p.EventIndex(2024, 1))
}

func TestPaths_ProjectionWindowAndTemp(t *testing.T) {
	p := New("d1")

	assert.Equal(t, "datasets/d1/projections/windows/A/year=2024/month=01/data.parquet", p.ProjectionWindow("A", 2024, 1))
	assert.Equal(t, "datasets/d1/projections/windows/A/year=2024/month=01/.tmp/data.parquet", p.ProjectionWindowTemp("A", 2024, 1))
	assert.Equal(t, "datasets/d1/projections/windows/A/year=2024/month=01/.tmp/", p.ProjectionWindowTempPrefix("A", 2024, 1))
}

func TestPaths_ConsolidationManifest(t *testing.T) {
	p := New("d1")

	assert.Equal(t, "datasets/d1/projections/consolidation/2024/01/manifest.json", p.ConsolidationManifest(2024, 1))
}

func TestPaths_EventsPrefix(t *testing.T) {
	p := New("d1")

	assert.Equal(t, "datasets/d1/events/", p.EventsPrefix())
}
