// Package projection implements the projection consolidator (C6): rebuilding
// per-series monthly windows from event files with a write-ahead-log staging
// step and a ConsolidationManifest idempotency record.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tsingest-io/tsingest/internal/catalog"
	"github.com/tsingest-io/tsingest/internal/clock"
	"github.com/tsingest-io/tsingest/internal/eventlog"
	"github.com/tsingest-io/tsingest/internal/objectstore"
	"github.com/tsingest-io/tsingest/internal/rowset"
)

// SeriesColumn is the column rows are grouped by to form one SeriesProjection.
const SeriesColumn = "internal_series_code"

// VersionColumn, when present, breaks ties within a series group: the row
// with the greatest version wins duplicate primary keys.
const VersionColumn = "version"

const (
	statusInProgress = "in_progress"
	statusCompleted  = "completed"
)

// ConsolidationManifest drives per-month idempotency.
type ConsolidationManifest struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// Store implements C6 over the object store facade.
type Store struct {
	objects objectstore.Store
	events  *eventlog.Store
	clock   clock.Clock
	logger  *slog.Logger
}

// New returns a projection Store backed by objects, reading event files via
// events and timestamping ConsolidationManifests through clk. A nil clk
// defaults to clock.New().
func New(objects objectstore.Store, events *eventlog.Store, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}

	return &Store{
		objects: objects,
		events:  events,
		clock:   clk,
		logger:  slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// Month is one (year, month) pair to consolidate.
type Month struct {
	Year  int
	Month int
}

// AffectedMonths parses delta's date column (preferring obs_time, falling
// back to obs_date) and returns the distinct months touched, in ascending
// lexical order. Rows whose date column is missing or unparseable are
// dropped (a drop-invalid policy, unlike the event log's write which errors).
func AffectedMonths(delta rowset.Set) []Month {
	seen := make(map[Month]struct{})

	for _, r := range delta {
		t, ok := rowDate(r)
		if !ok {
			continue
		}

		seen[Month{Year: t.UTC().Year(), Month: int(t.UTC().Month())}] = struct{}{}
	}

	months := make([]Month, 0, len(seen))
	for m := range seen {
		months = append(months, m)
	}

	sort.Slice(months, func(i, j int) bool {
		if months[i].Year != months[j].Year {
			return months[i].Year < months[j].Year
		}

		return months[i].Month < months[j].Month
	})

	return months
}

func rowDate(r rowset.Row) (time.Time, bool) {
	for _, col := range eventlog.DateColumns {
		if v, ok := r.Get(col); ok {
			if t, ok := v.(time.Time); ok {
				return t, true
			}
		}
	}

	return time.Time{}, false
}

// Consolidate runs the per-affected-month consolidation orchestration for
// datasetID. affectedMonths is the set of months this run's delta touched;
// primaryKeys is the configured key tuple used to drop duplicates.
func (s *Store) Consolidate(ctx context.Context, datasetID string, affectedMonths []Month, primaryKeys []string) error {
	paths := catalog.New(datasetID)

	affected := make(map[Month]struct{}, len(affectedMonths))
	for _, m := range affectedMonths {
		affected[m] = struct{}{}
	}

	sorted := make([]Month, len(affectedMonths))
	copy(sorted, affectedMonths)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Year != sorted[j].Year {
			return sorted[i].Year < sorted[j].Year
		}

		return sorted[i].Month < sorted[j].Month
	})

	for _, month := range sorted {
		if err := s.consolidateMonth(ctx, paths, datasetID, month, affected, primaryKeys); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) consolidateMonth(
	ctx context.Context,
	paths catalog.Paths,
	datasetID string,
	month Month,
	affected map[Month]struct{},
	primaryKeys []string,
) error {
	_, isAffected := affected[month]

	if !isAffected {
		manifest, err := s.readManifest(ctx, paths, month)
		if err == nil && manifest.Status == statusCompleted {
			return nil
		}

		if err != nil && !errors.Is(err, objectstore.ErrNotFound) {
			return fmt.Errorf("projection: reading consolidation manifest for %04d-%02d: %w", month.Year, month.Month, err)
		}
	}

	s.cleanupStaleTempForMonth(ctx, paths, datasetID, month)

	if err := s.writeManifest(ctx, paths, month, statusInProgress); err != nil {
		return err
	}

	bySeries, err := s.buildSeriesGroups(ctx, paths, datasetID, month, primaryKeys)
	if err != nil {
		s.cleanupTemp(ctx, paths, month, seriesNames(bySeries))

		return err
	}

	if err := s.walWrite(ctx, paths, month, bySeries); err != nil {
		s.cleanupTemp(ctx, paths, month, seriesNames(bySeries))

		return err
	}

	return s.writeManifest(ctx, paths, month, statusCompleted)
}

func (s *Store) readManifest(ctx context.Context, paths catalog.Paths, month Month) (ConsolidationManifest, error) {
	data, err := s.objects.Get(ctx, paths.ConsolidationManifest(month.Year, month.Month))
	if err != nil {
		return ConsolidationManifest{}, err
	}

	var m ConsolidationManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return ConsolidationManifest{}, fmt.Errorf("projection: parsing consolidation manifest: %w", err)
	}

	return m, nil
}

func (s *Store) writeManifest(ctx context.Context, paths catalog.Paths, month Month, status string) error {
	m := ConsolidationManifest{Status: status, Timestamp: s.clock.NowISO()}

	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("projection: marshaling consolidation manifest: %w", err)
	}

	if _, err := s.objects.Put(ctx, paths.ConsolidationManifest(month.Year, month.Month), data, "application/json", ""); err != nil {
		return fmt.Errorf("projection: writing consolidation manifest: %w", err)
	}

	return nil
}

// buildSeriesGroups reads every event file for month, concatenates, groups by
// SeriesColumn (logging and skipping rows missing it), sorts each group
// descending by VersionColumn when present, and drops duplicates on
// primaryKeys keeping the first.
func (s *Store) buildSeriesGroups(
	ctx context.Context,
	paths catalog.Paths,
	datasetID string,
	month Month,
	primaryKeys []string,
) (map[string]rowset.Set, error) {
	keys, err := s.events.ListEventsForMonth(ctx, datasetID, month.Year, month.Month)
	if err != nil {
		return nil, fmt.Errorf("projection: listing events for %04d-%02d: %w", month.Year, month.Month, err)
	}

	var all rowset.Set

	for _, key := range keys {
		data, err := s.objects.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("projection: reading event %s: %w", key, err)
		}

		rows, err := rowset.Decode(data)
		if err != nil {
			return nil, fmt.Errorf("projection: decoding event %s: %w", key, err)
		}

		all = append(all, rows...)
	}

	grouped := make(map[string]rowset.Set)

	for _, r := range all {
		v, ok := r.Get(SeriesColumn)
		if !ok {
			s.logger.Info("projection: row missing series column, skipping",
				slog.String("dataset_id", datasetID),
				slog.Int("year", month.Year),
				slog.Int("month", month.Month),
			)

			continue
		}

		series, ok := v.(string)
		if !ok || !validSeriesKey(series) {
			continue
		}

		grouped[series] = append(grouped[series], r)
	}

	for series, rows := range grouped {
		if hasVersionColumn(rows) {
			rows = rows.SortDescendingBy(VersionColumn)
		}

		grouped[series] = rows.DropDuplicates(primaryKeys)
	}

	return grouped, nil
}

func hasVersionColumn(rows rowset.Set) bool {
	if len(rows) == 0 {
		return false
	}

	_, ok := rows[0].Get(VersionColumn)

	return ok
}

// walWrite is the WAL two-phase write: stage every series to its .tmp/ key;
// only after all temp writes succeed, copy each to
// its final key and delete the temp key (delete errors ignored).
func (s *Store) walWrite(ctx context.Context, paths catalog.Paths, month Month, bySeries map[string]rowset.Set) error {
	for series, rows := range bySeries {
		data, err := rowset.Encode(rows)
		if err != nil {
			return fmt.Errorf("projection: encoding series %s: %w", series, err)
		}

		tempKey := paths.ProjectionWindowTemp(series, month.Year, month.Month)
		if _, err := s.objects.Put(ctx, tempKey, data, "application/octet-stream", ""); err != nil {
			return fmt.Errorf("projection: writing temp window for series %s: %w", series, err)
		}
	}

	for series := range bySeries {
		tempKey := paths.ProjectionWindowTemp(series, month.Year, month.Month)
		finalKey := paths.ProjectionWindow(series, month.Year, month.Month)

		data, err := s.objects.Get(ctx, tempKey)
		if err != nil {
			return fmt.Errorf("projection: reading temp window for series %s: %w", series, err)
		}

		if _, err := s.objects.Put(ctx, finalKey, data, "application/octet-stream", ""); err != nil {
			return fmt.Errorf("projection: copying temp window to final key for series %s: %w", series, err)
		}

		if err := s.objects.Delete(ctx, tempKey); err != nil {
			s.logger.Warn("projection: failed to delete temp window after copy",
				slog.String("series", series),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// tempKeySuffix matches a series' .tmp/ staging key, capturing the (year,
// month) segments so cleanupStaleTempForMonth can filter a prefix listing
// down to the month being consolidated.
var tempKeySuffix = regexp.MustCompile(`/year=(\d{4})/month=(\d{2})/\.tmp/data\.parquet$`)

// cleanupStaleTempForMonth sweeps stale temp files: before starting a
// consolidation attempt, remove any .tmp/ staging file left behind by a
// crashed prior attempt for this month, across every series (the series set
// for this attempt isn't known yet — that's step e). Best-effort: listing or
// delete failures are logged, not surfaced, since a leftover stale tmp file
// does not violate any invariant by itself.
func (s *Store) cleanupStaleTempForMonth(ctx context.Context, paths catalog.Paths, datasetID string, month Month) {
	keys, err := s.objects.List(ctx, paths.ProjectionsPrefix())
	if err != nil {
		s.logger.Warn("projection: failed to list projections prefix for stale tmp sweep",
			slog.String("dataset_id", datasetID), slog.String("error", err.Error()))

		return
	}

	wantYear := fmt.Sprintf("%04d", month.Year)
	wantMonth := fmt.Sprintf("%02d", month.Month)

	for _, key := range keys {
		m := tempKeySuffix.FindStringSubmatch(key)
		if m == nil || m[1] != wantYear || m[2] != wantMonth {
			continue
		}

		if err := s.objects.Delete(ctx, key); err != nil {
			s.logger.Warn("projection: failed to delete stale tmp key",
				slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}

// cleanupTemp removes the .tmp/ keys of the given series for month. Consolidate
// calls it after this attempt's own grouping or WAL write fails; stale keys
// from earlier attempts are swept by cleanupStaleTempForMonth.
func (s *Store) cleanupTemp(ctx context.Context, paths catalog.Paths, month Month, series []string) {
	for _, sname := range series {
		key := paths.ProjectionWindowTemp(sname, month.Year, month.Month)
		if err := s.objects.Delete(ctx, key); err != nil {
			s.logger.Warn("projection: failed to clean up stale temp window",
				slog.String("series", sname),
				slog.String("error", err.Error()),
			)
		}
	}
}

func seriesNames(bySeries map[string]rowset.Set) []string {
	names := make([]string, 0, len(bySeries))
	for s := range bySeries {
		names = append(names, s)
	}

	return names
}

// validSeriesKey reports whether a series code is safe to embed verbatim in
// an object key (the path builder treats series codes as opaque; callers are
// responsible for key safety).
func validSeriesKey(series string) bool {
	return series != "" && !strings.ContainsAny(series, "\x00")
}
