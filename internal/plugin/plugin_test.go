package plugin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenericCSVParser_ParsesHeaderAndRows(t *testing.T) {
	data := []byte("date,series,val\n2024-01-01,A,1.5\n2024-01-02,A,2.5\n")

	rows, err := GenericCSVParser{}.Parse(data)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	v, _ := rows[0].Get("val")
	assert.Equal(t, "1.5", v)
}

func TestGenericCSVParser_EmptyInput(t *testing.T) {
	rows, err := GenericCSVParser{}.Parse([]byte(""))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestColumnMapNormalizer_MapsAndTypesColumns(t *testing.T) {
	data := []byte("date,series,val\n2024-01-01,A,1.5\n")

	rows, err := GenericCSVParser{}.Parse(data)
	require.NoError(t, err)

	columnMap := map[string]string{
		ColObsTime:            "date",
		ColValue:              "val",
		ColInternalSeriesCode: "series",
	}

	normalized, err := ColumnMapNormalizer{}.Normalize(rows, columnMap)
	require.NoError(t, err)
	require.Len(t, normalized, 1)

	obsTime, ok := normalized[0].Get(ColObsTime)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), obsTime)

	value, ok := normalized[0].Get(ColValue)
	require.True(t, ok)
	assert.Equal(t, 1.5, value)
}

func TestColumnMapNormalizer_MissingRequiredMapping(t *testing.T) {
	_, err := ColumnMapNormalizer{}.Normalize(nil, map[string]string{ColObsTime: "date"})
	assert.ErrorIs(t, err, ErrMissingColumnMapping)
}

func TestColumnMapNormalizer_DropsRowsWithUnparseableObsTimeOrValue(t *testing.T) {
	data := []byte("date,series,val\n2024-01-01,A,1.5\nnot-a-date,A,2.5\n2024-01-03,A,not-a-number\n2024-01-04,A,4.5\n")

	rows, err := GenericCSVParser{}.Parse(data)
	require.NoError(t, err)
	require.Len(t, rows, 4)

	columnMap := map[string]string{
		ColObsTime:            "date",
		ColValue:              "val",
		ColInternalSeriesCode: "series",
	}

	normalized, err := ColumnMapNormalizer{}.Normalize(rows, columnMap)
	require.NoError(t, err)
	require.Len(t, normalized, 2, "rows with an unparseable obs_time or value are dropped, not an error")

	first, _ := normalized[0].Get(ColObsTime)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), first)

	second, _ := normalized[1].Get(ColObsTime)
	assert.Equal(t, time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC), second)
}

func TestRegistry_GetUnknownPlugin(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("does-not-exist")
	assert.ErrorIs(t, err, ErrUnknownPlugin)
}

func TestNewDefaultRegistry_HasGenericAndXLSX(t *testing.T) {
	r := NewDefaultRegistry()

	_, err := r.Get("generic")
	require.NoError(t, err)

	_, err = r.Get("genericxlsx")
	require.NoError(t, err)
}
