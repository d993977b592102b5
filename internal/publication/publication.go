// Package publication implements the manifest/pointer store (C5): the
// compare-and-swap publication protocol that makes a new version atomic and
// observable-or-invisible, repair of the index on detected inconsistency,
// and the consistency check that drives that repair.
package publication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/tsingest-io/tsingest/internal/catalog"
	"github.com/tsingest-io/tsingest/internal/delta"
	"github.com/tsingest-io/tsingest/internal/objectstore"
	"github.com/tsingest-io/tsingest/internal/rowset"
)

// ConsistencyTolerance is the ±10 row-count tolerance verifyPointerIndexConsistency
// allows, reflecting best-effort equality under
// possible eventual-consistency reads. The canonical rows_total semantics is
// |KeySetIndex after publish|, which implies zero tolerance once reads are
// strongly consistent; the tolerance exists solely for repair-time reads.
const ConsistencyTolerance = 10

// Store implements C5 over the object store facade.
type Store struct {
	objects objectstore.Store
	logger  *slog.Logger
}

// New returns a publication Store backed by objects.
func New(objects objectstore.Store) *Store {
	return &Store{
		objects: objects,
		logger:  slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// PublishInput bundles the publish() parameters.
type PublishInput struct {
	DatasetID        string
	Version          string
	CreatedAt        string
	SourceFiles      []SourceFile
	OutputKeys       []string
	RowsAdded        int
	PrimaryKeys      []string
	PriorIndex       *delta.Index
	DeltaRows        rowset.Set // must already carry delta.HashColumn (see delta.Fingerprint)
	PriorPointerETag string     // "" means no prior pointer exists: CAS create-if-absent
}

// PublishResult is what Publish returns; Published is false (not an error)
// when rowsAdded is 0 or the pointer CAS was lost to a concurrent runner.
type PublishResult struct {
	Published bool
	NewIndex  *delta.Index
	Manifest  VersionManifest
}

// Publish implements C5's publish() algorithm. Precondition: event files for
// this version have already been written by the event log store.
func (s *Store) Publish(ctx context.Context, in PublishInput) (PublishResult, error) {
	if in.RowsAdded <= 0 {
		return PublishResult{}, nil
	}

	paths := catalog.New(in.DatasetID)

	newIndex := delta.UpdateIndex(in.PriorIndex, in.DeltaRows)

	manifest := VersionManifest{
		DatasetID: in.DatasetID,
		Version:   in.Version,
		CreatedAt: in.CreatedAt,
		Source:    Source{Files: in.SourceFiles},
		Outputs: Outputs{
			DataPrefix:           fmt.Sprintf("datasets/%s/events/%s/data/", in.DatasetID, in.Version),
			Files:                in.OutputKeys,
			RowsTotal:            newIndex.Len(),
			RowsAddedThisVersion: in.RowsAdded,
		},
		Index: IndexRef{
			Path:       paths.KeySetIndex(),
			KeyColumns: in.PrimaryKeys,
			HashColumn: delta.HashColumn,
		},
	}

	manifestBytes, err := json.Marshal(manifest)
	if err != nil {
		return PublishResult{}, fmt.Errorf("publication: marshaling version manifest: %w", err)
	}

	if _, err := s.objects.Put(ctx, paths.VersionManifest(in.Version), manifestBytes, "application/json", ""); err != nil {
		return PublishResult{}, fmt.Errorf("publication: writing version manifest: %w", err)
	}

	pointer := CurrentPointer{DatasetID: in.DatasetID, CurrentVersion: in.Version}

	pointerBytes, err := json.Marshal(pointer)
	if err != nil {
		return PublishResult{}, fmt.Errorf("publication: marshaling current pointer: %w", err)
	}

	ifMatch := in.PriorPointerETag
	if ifMatch == "" {
		ifMatch = objectstore.IfAbsent
	}

	if _, err := s.objects.Put(ctx, paths.CurrentPointer(), pointerBytes, "application/json", ifMatch); err != nil {
		if errors.Is(err, objectstore.ErrPreconditionFailed) {
			s.logger.Info("publication: lost pointer cas race",
				slog.String("dataset_id", in.DatasetID),
				slog.String("version", in.Version),
			)

			return PublishResult{}, nil
		}

		return PublishResult{}, fmt.Errorf("publication: cas pointer swap: %w", err)
	}

	indexBytes, err := delta.EncodeIndex(newIndex)
	if err != nil {
		return PublishResult{}, fmt.Errorf("publication: encoding key set index: %w", err)
	}

	if _, err := s.objects.Put(ctx, paths.KeySetIndex(), indexBytes, "application/octet-stream", ""); err != nil {
		return PublishResult{}, fmt.Errorf("publication: writing key set index (index now stale): %w", err)
	}

	return PublishResult{Published: true, NewIndex: newIndex, Manifest: manifest}, nil
}

// ReadPointer returns the current pointer and its etag, or ErrNotFound.
func (s *Store) ReadPointer(ctx context.Context, datasetID string) (CurrentPointer, string, error) {
	paths := catalog.New(datasetID)

	data, err := s.objects.Get(ctx, paths.CurrentPointer())
	if err != nil {
		return CurrentPointer{}, "", err
	}

	var pointer CurrentPointer
	if err := json.Unmarshal(data, &pointer); err != nil {
		return CurrentPointer{}, "", fmt.Errorf("publication: parsing current pointer: %w", err)
	}

	meta, err := s.objects.Head(ctx, paths.CurrentPointer())
	if err != nil {
		return CurrentPointer{}, "", fmt.Errorf("publication: reading pointer etag: %w", err)
	}

	return pointer, meta.ETag, nil
}

// ReadManifest returns the VersionManifest for version.
func (s *Store) ReadManifest(ctx context.Context, datasetID, version string) (VersionManifest, error) {
	paths := catalog.New(datasetID)

	data, err := s.objects.Get(ctx, paths.VersionManifest(version))
	if err != nil {
		return VersionManifest{}, err
	}

	var m VersionManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return VersionManifest{}, fmt.Errorf("publication: parsing version manifest: %w", err)
	}

	return m, nil
}

// ReadIndex returns the current KeySetIndex, or an empty index if absent.
func (s *Store) ReadIndex(ctx context.Context, datasetID string) (*delta.Index, error) {
	paths := catalog.New(datasetID)

	data, err := s.objects.Get(ctx, paths.KeySetIndex())
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return delta.NewIndex(), nil
		}

		return nil, err
	}

	return delta.DecodeIndex(data)
}

// RebuildIndexFromPointer reconstructs the KeySetIndex from every event at or
// before the current pointer's version, using the pointer's own version
// manifest for the primary key columns. Used to repair the stale-index state
// a crash between the pointer CAS and the index write can leave behind.
func (s *Store) RebuildIndexFromPointer(ctx context.Context, datasetID string) error {
	paths := catalog.New(datasetID)

	pointer, _, err := s.ReadPointer(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("publication: reading pointer for rebuild: %w", err)
	}

	manifest, err := s.ReadManifest(ctx, datasetID, pointer.CurrentVersion)
	if err != nil {
		return fmt.Errorf("publication: reading pointer's manifest for rebuild: %w", err)
	}

	allKeys, err := s.objects.List(ctx, paths.EventsPrefix())
	if err != nil {
		return fmt.Errorf("publication: listing events for rebuild: %w", err)
	}

	eligible := filterKeysAtOrBeforeVersion(allKeys, pointer.CurrentVersion)

	var fingerprints []string

	for _, key := range eligible {
		data, err := s.objects.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("publication: reading event %s for rebuild: %w", key, err)
		}

		rows, err := rowset.Decode(data)
		if err != nil {
			return fmt.Errorf("publication: decoding event %s for rebuild: %w", key, err)
		}

		for _, r := range rows {
			fingerprints = append(fingerprints, delta.KeyFingerprint(r, manifest.Index.KeyColumns))
		}
	}

	newIndex := delta.IndexFromFingerprints(fingerprints)

	indexBytes, err := delta.EncodeIndex(newIndex)
	if err != nil {
		return fmt.Errorf("publication: encoding rebuilt key set index: %w", err)
	}

	if _, err := s.objects.Put(ctx, paths.KeySetIndex(), indexBytes, "application/octet-stream", ""); err != nil {
		return fmt.Errorf("publication: writing rebuilt key set index: %w", err)
	}

	return nil
}

// VerifyPointerIndexConsistency checks that the pointer's row count and the
// index's fingerprint count agree within tolerance.
func (s *Store) VerifyPointerIndexConsistency(ctx context.Context, datasetID string) (bool, error) {
	paths := catalog.New(datasetID)

	pointer, _, err := s.ReadPointer(ctx, datasetID)
	if err != nil {
		if !errors.Is(err, objectstore.ErrNotFound) {
			return false, fmt.Errorf("publication: reading pointer for verification: %w", err)
		}

		// No pointer: consistent only if the index is also absent or empty.
		idxData, getErr := s.objects.Get(ctx, paths.KeySetIndex())
		if getErr != nil {
			if errors.Is(getErr, objectstore.ErrNotFound) {
				return true, nil
			}

			return false, fmt.Errorf("publication: reading index for verification: %w", getErr)
		}

		idx, decErr := delta.DecodeIndex(idxData)
		if decErr != nil {
			return false, fmt.Errorf("publication: decoding index for verification: %w", decErr)
		}

		return idx.Len() == 0, nil
	}

	manifest, err := s.ReadManifest(ctx, datasetID, pointer.CurrentVersion)
	if err != nil {
		return false, fmt.Errorf("publication: reading manifest for verification: %w", err)
	}

	idx, err := s.ReadIndex(ctx, datasetID)
	if err != nil {
		return false, fmt.Errorf("publication: reading index for verification: %w", err)
	}

	diff := idx.Len() - manifest.Outputs.RowsTotal
	if diff < 0 {
		diff = -diff
	}

	return diff <= ConsistencyTolerance, nil
}

func filterKeysAtOrBeforeVersion(keys []string, maxVersion string) []string {
	var out []string

	for _, k := range keys {
		v, ok := extractVersion(k)
		if !ok {
			continue
		}

		if v <= maxVersion {
			out = append(out, k)
		}
	}

	sort.Strings(out)

	return out
}

// extractVersion pulls the version segment out of an event data key, which
// is always .../events/{version}/data/....
func extractVersion(key string) (string, bool) {
	const marker = "/events/"

	i := strings.Index(key, marker)
	if i < 0 {
		return "", false
	}

	rest := key[i+len(marker):]

	j := strings.Index(rest, "/")
	if j < 0 {
		return "", false
	}

	if !strings.HasPrefix(rest[j:], "/data/") {
		return "", false
	}

	return rest[:j], true
}
