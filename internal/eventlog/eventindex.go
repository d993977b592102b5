package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/tsingest-io/tsingest/internal/catalog"
	"github.com/tsingest-io/tsingest/internal/objectstore"
)

// EventIndex is the per-month secondary index listing every version whose
// event covers (year, month), accelerating projection rebuilds.
type EventIndex struct {
	Versions    []string `json:"versions"`
	LastUpdated string   `json:"last_updated"`
	EventCount  int      `json:"event_count"`
}

func (s *Store) readIndex(ctx context.Context, paths catalog.Paths, year, month int) (*EventIndex, error) {
	data, err := s.objects.Get(ctx, paths.EventIndex(year, month))
	if err != nil {
		return nil, err
	}

	var idx EventIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("eventlog: parsing event index: %w", err)
	}

	return &idx, nil
}

func (s *Store) writeIndex(ctx context.Context, paths catalog.Paths, year, month int, idx *EventIndex) error {
	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("eventlog: marshaling event index: %w", err)
	}

	if _, err := s.objects.Put(ctx, paths.EventIndex(year, month), data, "application/json", ""); err != nil {
		return fmt.Errorf("eventlog: writing event index: %w", err)
	}

	return nil
}

// appendVersionToIndex is the read-modify-write step of C4.write step 6:
// append version to the month's EventIndex, re-sorting and deduplicating.
func (s *Store) appendVersionToIndex(ctx context.Context, paths catalog.Paths, year, month int, version string) error {
	idx, err := s.readIndex(ctx, paths, year, month)
	if err != nil {
		if !errors.Is(err, objectstore.ErrNotFound) {
			return fmt.Errorf("eventlog: reading event index before append: %w", err)
		}

		idx = &EventIndex{}
	}

	versions := append(idx.Versions, version)
	sort.Strings(versions)
	versions = dedupeSorted(versions)

	idx.Versions = versions
	idx.EventCount = len(versions)
	idx.LastUpdated = s.clock.NowISO()

	return s.writeIndex(ctx, paths, year, month, idx)
}

func dedupeSorted(s []string) []string {
	out := s[:0]

	var prev string

	first := true

	for _, v := range s {
		if !first && v == prev {
			continue
		}

		out = append(out, v)
		prev = v
		first = false
	}

	return out
}
