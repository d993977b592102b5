package plugin

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tsingest-io/tsingest/internal/rowset"
)

// Canonical column names the normalizer emits.
const (
	ColObsTime            = "obs_time"
	ColValue              = "value"
	ColInternalSeriesCode = "internal_series_code"
	ColUnit               = "unit"
	ColFrequency          = "frequency"
)

// requiredCanonicalColumns must all be present in columnMap for Normalize to
// produce a usable Observation.
var requiredCanonicalColumns = []string{ColObsTime, ColValue, ColInternalSeriesCode}

// ErrMissingColumnMapping is returned when columnMap omits a required
// canonical column.
var ErrMissingColumnMapping = errors.New("plugin: dataset config is missing a required column mapping")

// obsTimeLayouts are tried in order; most datasets use one of these.
var obsTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01",
}

// ColumnMapNormalizer renames and types a plugin's raw parsed rows into the
// canonical Observation shape using a dataset-supplied column mapping
// (canonical name -> source column name in the parsed rows).
type ColumnMapNormalizer struct{}

var _ Normalizer = ColumnMapNormalizer{}

// Normalize implements Normalizer.
func (ColumnMapNormalizer) Normalize(rows rowset.Set, columnMap map[string]string) (rowset.Set, error) {
	for _, required := range requiredCanonicalColumns {
		if _, ok := columnMap[required]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumnMapping, required)
		}
	}

	out := make(rowset.Set, 0, len(rows))

	for _, r := range rows {
		normalized, keep := normalizeRow(r, columnMap)
		if !keep {
			continue
		}

		out = append(out, normalized)
	}

	return out, nil
}

// normalizeRow coerces one raw row to the canonical shape, reporting keep =
// false for a null/unparseable obs_time or value: such rows are dropped
// silently, not treated as a failure of the whole normalize call.
func normalizeRow(r rowset.Row, columnMap map[string]string) (row rowset.Row, keep bool) {
	out := rowset.NewRow()

	obsTimeRaw, hasObsTime := r.Get(columnMap[ColObsTime])
	if !hasObsTime {
		return rowset.Row{}, false
	}

	obsTime, ok := parseObsTime(fmt.Sprint(obsTimeRaw))
	if !ok {
		return rowset.Row{}, false
	}

	out.Set(ColObsTime, obsTime)

	valueRaw, hasValue := r.Get(columnMap[ColValue])
	if !hasValue {
		return rowset.Row{}, false
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(valueRaw)), 64)
	if err != nil {
		return rowset.Row{}, false
	}

	out.Set(ColValue, value)

	series, _ := r.Get(columnMap[ColInternalSeriesCode])
	out.Set(ColInternalSeriesCode, fmt.Sprint(series))

	if col, ok := columnMap[ColUnit]; ok {
		if v, ok := r.Get(col); ok {
			out.Set(ColUnit, fmt.Sprint(v))
		}
	}

	if col, ok := columnMap[ColFrequency]; ok {
		if v, ok := r.Get(col); ok {
			out.Set(ColFrequency, fmt.Sprint(v))
		}
	}

	return out, true
}

func parseObsTime(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}

	for _, layout := range obsTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), true
		}
	}

	return time.Time{}, false
}
