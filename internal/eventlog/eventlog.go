// Package eventlog implements the event log store (C4): appending
// partitioned, immutable event files for one version and maintaining the
// per-month EventIndex secondary index that accelerates projection rebuilds.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/tsingest-io/tsingest/internal/catalog"
	"github.com/tsingest-io/tsingest/internal/clock"
	"github.com/tsingest-io/tsingest/internal/objectstore"
	"github.com/tsingest-io/tsingest/internal/rowset"
)

// DateColumns names the two columns the partitioner checks, in priority order.
var DateColumns = []string{"obs_time", "obs_date"}

// ErrUnparseableDate is returned when a row's date column is present but not
// a time.Time; normalizing to a parseable timestamp is a plugin-layer
// concern, not something the event log silently drops or repairs.
var ErrUnparseableDate = errors.New("eventlog: row date column is not a valid timestamp")

// Store implements C4 over an object store facade.
type Store struct {
	objects objectstore.Store
	clock   clock.Clock
	logger  *slog.Logger
}

// New returns an eventlog Store backed by objects, timestamping EventIndex
// updates through clk. A nil clk defaults to clock.New().
func New(objects objectstore.Store, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.New()
	}

	return &Store{
		objects: objects,
		clock:   clk,
		logger:  slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// Write appends one version's rows as one or more immutable event files,
// then updates the EventIndex for every affected month. On any failure after
// event files have been written, it rolls back every file this call wrote
// (best-effort) and surfaces the original error.
func (s *Store) Write(ctx context.Context, datasetID, version string, rows rowset.Set) ([]string, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	paths := catalog.New(datasetID)

	dateCol, ok := pickDateColumn(rows)
	if !ok {
		key := paths.EventDataDateless(version)

		data, err := rowset.Encode(rows)
		if err != nil {
			return nil, fmt.Errorf("eventlog: encoding dateless event: %w", err)
		}

		if _, err := s.objects.Put(ctx, key, data, "application/octet-stream", ""); err != nil {
			return nil, fmt.Errorf("eventlog: writing dateless event: %w", err)
		}

		return []string{key}, nil
	}

	groups, err := partitionByMonth(rows, dateCol)
	if err != nil {
		return nil, err
	}

	written := make([]string, 0, len(groups))

	writeErr := s.writeGroups(ctx, paths, version, groups, &written)
	if writeErr != nil {
		s.rollback(ctx, written)

		return nil, writeErr
	}

	if err := s.updateIndexes(ctx, paths, version, groups); err != nil {
		s.rollback(ctx, written)

		return nil, err
	}

	sort.Strings(written)

	return written, nil
}

func (s *Store) writeGroups(
	ctx context.Context,
	paths catalog.Paths,
	version string,
	groups map[monthKey]rowset.Set,
	written *[]string,
) error {
	for ym, groupRows := range groups {
		key := paths.EventDataPartitioned(version, ym.Year, ym.Month)

		data, err := rowset.Encode(groupRows)
		if err != nil {
			return fmt.Errorf("eventlog: encoding event for %04d-%02d: %w", ym.Year, ym.Month, err)
		}

		if _, err := s.objects.Put(ctx, key, data, "application/octet-stream", ""); err != nil {
			return fmt.Errorf("eventlog: writing event for %04d-%02d: %w", ym.Year, ym.Month, err)
		}

		*written = append(*written, key)
	}

	return nil
}

func (s *Store) updateIndexes(
	ctx context.Context,
	paths catalog.Paths,
	version string,
	groups map[monthKey]rowset.Set,
) error {
	for ym := range groups {
		if err := s.appendVersionToIndex(ctx, paths, ym.Year, ym.Month, version); err != nil {
			return fmt.Errorf("eventlog: updating event index for %04d-%02d: %w", ym.Year, ym.Month, err)
		}
	}

	return nil
}

// rollback deletes every key this Write call wrote. Errors are swallowed
// (best-effort); the original error is what the caller surfaces.
func (s *Store) rollback(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := s.objects.Delete(ctx, key); err != nil {
			s.logger.Warn("eventlog: rollback delete failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ListEventsForMonth returns every event key touching (year, month), sorted.
// The fast path reads the EventIndex; if absent, it falls back to listing the
// events prefix, filtering by partition suffix, and lazily persisting the
// reconstructed index.
func (s *Store) ListEventsForMonth(ctx context.Context, datasetID string, year, month int) ([]string, error) {
	paths := catalog.New(datasetID)

	idx, err := s.readIndex(ctx, paths, year, month)
	if err == nil {
		keys := make([]string, 0, len(idx.Versions))
		for _, v := range idx.Versions {
			keys = append(keys, paths.EventDataPartitioned(v, year, month))
		}

		sort.Strings(keys)

		return keys, nil
	}

	if !errors.Is(err, objectstore.ErrNotFound) {
		return nil, fmt.Errorf("eventlog: reading event index: %w", err)
	}

	return s.reconstructFromListing(ctx, paths, datasetID, year, month)
}

var partitionSuffix = regexp.MustCompile(`/events/([^/]+)/data/year=(\d{4})/month=(\d{2})/part-0\.parquet$`)

func (s *Store) reconstructFromListing(
	ctx context.Context,
	paths catalog.Paths,
	datasetID string,
	year, month int,
) ([]string, error) {
	all, err := s.objects.List(ctx, paths.EventsPrefix())
	if err != nil {
		return nil, fmt.Errorf("eventlog: listing events prefix: %w", err)
	}

	wantYear := fmt.Sprintf("%04d", year)
	wantMonth := fmt.Sprintf("%02d", month)

	var keys []string

	var versions []string

	for _, k := range all {
		m := partitionSuffix.FindStringSubmatch(k)
		if m == nil {
			continue
		}

		if m[2] != wantYear || m[3] != wantMonth {
			continue
		}

		keys = append(keys, k)
		versions = append(versions, m[1])
	}

	sort.Strings(keys)
	sort.Strings(versions)

	if len(versions) > 0 {
		if err := s.writeIndex(ctx, paths, year, month, &EventIndex{
			Versions:    versions,
			LastUpdated: s.clock.NowISO(),
			EventCount:  len(versions),
		}); err != nil {
			s.logger.Warn("eventlog: failed to lazily persist reconstructed event index",
				slog.String("dataset_id", datasetID),
				slog.Int("year", year),
				slog.Int("month", month),
				slog.String("error", err.Error()),
			)
		}
	}

	return keys, nil
}

func pickDateColumn(rows rowset.Set) (string, bool) {
	for _, col := range DateColumns {
		if _, ok := rows[0].Get(col); ok {
			return col, true
		}
	}

	return "", false
}

type monthKey struct {
	Year  int
	Month int
}

func partitionByMonth(rows rowset.Set, dateCol string) (map[monthKey]rowset.Set, error) {
	groups := make(map[monthKey]rowset.Set)

	for _, r := range rows {
		v, _ := r.Get(dateCol)

		t, ok := v.(time.Time)
		if !ok {
			return nil, ErrUnparseableDate
		}

		ym := monthKey{Year: t.UTC().Year(), Month: int(t.UTC().Month())}
		groups[ym] = append(groups[ym], r)
	}

	return groups, nil
}
