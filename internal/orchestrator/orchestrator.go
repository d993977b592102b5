// Package orchestrator implements the run orchestrator (C7): the only
// component that holds references to all other six, sequencing one run's
// state machine: lease acquisition, verification/repair, fetch,
// parse/normalize, delta computation, event write, CAS publish, projection
// consolidation, and notification, releasing the lease on every exit.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tsingest-io/tsingest/internal/clock"
	"github.com/tsingest-io/tsingest/internal/delta"
	"github.com/tsingest-io/tsingest/internal/eventlog"
	"github.com/tsingest-io/tsingest/internal/fetch"
	"github.com/tsingest-io/tsingest/internal/lease"
	"github.com/tsingest-io/tsingest/internal/objectstore"
	"github.com/tsingest-io/tsingest/internal/plugin"
	"github.com/tsingest-io/tsingest/internal/projection"
	"github.com/tsingest-io/tsingest/internal/publication"
	"github.com/tsingest-io/tsingest/internal/rowset"
	"github.com/tsingest-io/tsingest/internal/runconfig"
)

// Outcome names where in the run state machine a run ended.
type Outcome string

const (
	// OutcomeSkip is END(skip): the lease was held by another runner.
	OutcomeSkip Outcome = "skip"
	// OutcomeNoop is END(noop): nothing new to publish, either because the
	// source bytes were unchanged or the computed delta was empty.
	OutcomeNoop Outcome = "noop"
	// OutcomeLost is END(lost): the pointer CAS was lost to a concurrent runner.
	OutcomeLost Outcome = "lost"
	// OutcomeOK is END(ok): a new version was published, consolidated, and notified.
	OutcomeOK Outcome = "ok"
)

// defaultLeaseTTL is used when a DatasetConfig does not override it.
const defaultLeaseTTL = 3600 * time.Second

// Leaser is the distributed mutex dependency. *lease.Store satisfies it;
// defined here so tests can inject a fake without standing up Postgres.
type Leaser interface {
	Acquire(ctx context.Context, datasetID, ownerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, datasetID, ownerID string) error
}

// Fetcher retrieves one dataset's source bytes. *fetch.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, kind fetch.SourceKind, uri string) (fetch.Result, error)
}

// Notifier publishes the DATASET_UPDATED event after a successful publish.
// *notify.Bus satisfies it.
type Notifier interface {
	PublishDatasetUpdated(ctx context.Context, datasetID, manifestPointer string, now time.Time) error
}

// RunRecord is everything run() reports back to its caller: a run is always
// "observed", whether or not it did any work.
type RunRecord struct {
	RunID            string    `json:"run_id"`
	DatasetID        string    `json:"dataset_id"`
	VersionStamp     string    `json:"version_stamp"`
	Outcome          Outcome   `json:"outcome"`
	Published        bool      `json:"published"`
	PublishedVersion string    `json:"published_version,omitempty"`
	RowsAdded        int       `json:"rows_added"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
}

// Deps bundles the six cooperating components (C1-C6) plus the surrounding
// collaborators the orchestrator drives. The orchestrator is the only
// component that holds all of them; none of C1-C6 reach back into it or
// into each other beyond what their own constructors wire.
type Deps struct {
	Objects     objectstore.Store
	Events      *eventlog.Store
	Publication *publication.Store
	Projections *projection.Store
	Leases      Leaser
	Fetcher     Fetcher
	Plugins     *plugin.Registry
	Notifier    Notifier
	Clock       clock.Clock
}

// Orchestrator runs C7's state machine for one dataset per Run call.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger
}

// New returns an Orchestrator driving deps.
func New(deps Deps) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}

	return &Orchestrator{
		deps:   deps,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// Run executes one full run of the state machine for dataset. runID and
// fullReload are optional: an empty runID gets a freshly generated one from
// the injected Clock.
func (o *Orchestrator) Run(
	ctx context.Context,
	dataset runconfig.DatasetConfig,
	app *runconfig.AppConfig,
	runID string,
	fullReload bool,
) (RunRecord, error) {
	if runID == "" {
		runID = o.deps.Clock.NewRunID()
	}

	record := RunRecord{
		RunID:        runID,
		DatasetID:    dataset.DatasetID,
		VersionStamp: o.deps.Clock.NewVersionStamp(),
		StartedAt:    o.deps.Clock.Now(),
	}

	// LEASE_TRY
	ttl := defaultLeaseTTL
	if dataset.LeaseTTLSeconds > 0 {
		ttl = time.Duration(dataset.LeaseTTLSeconds) * time.Second
	}

	acquired, err := o.deps.Leases.Acquire(ctx, dataset.DatasetID, runID, ttl)
	if err != nil {
		record.FinishedAt = o.deps.Clock.Now()

		return record, fmt.Errorf("orchestrator: acquiring lease for %s: %w", dataset.DatasetID, err)
	}

	if !acquired {
		o.logger.Info("orchestrator: lease held by another runner, skipping",
			slog.String("dataset_id", dataset.DatasetID), slog.String("run_id", runID))

		record.Outcome = OutcomeSkip
		record.FinishedAt = o.deps.Clock.Now()

		return record, nil
	}

	defer o.releaseLease(ctx, dataset.DatasetID, runID)

	outcome, err := o.runLocked(ctx, dataset, &record, fullReload)

	record.Outcome = outcome
	record.FinishedAt = o.deps.Clock.Now()

	return record, err
}

// runLocked is everything between LEASE_HELD and the lease release deferred
// in Run: VERIFY, FETCH, PARSE/NORMALIZE, COMPUTE_DELTA, WRITE_EVENTS,
// PUBLISH, CONSOLIDATE, NOTIFY.
func (o *Orchestrator) runLocked(
	ctx context.Context,
	dataset runconfig.DatasetConfig,
	record *RunRecord,
	fullReload bool,
) (Outcome, error) {
	if err := o.verify(ctx, dataset.DatasetID); err != nil {
		return "", err
	}

	fetched, err := o.deps.Fetcher.Fetch(ctx, fetch.SourceKind(dataset.Source.Kind), dataset.Source.URI)
	if err != nil {
		return "", fmt.Errorf("orchestrator: fetch failed: %w", err)
	}

	priorManifest, priorEtag, hasPrior, err := o.readPriorState(ctx, dataset.DatasetID)
	if err != nil {
		return "", err
	}

	if hasPrior && !fullReload && sourceUnchanged(priorManifest, fetched) {
		o.logger.Info("orchestrator: source unchanged, no-op",
			slog.String("dataset_id", dataset.DatasetID), slog.String("run_id", record.RunID))

		return OutcomeNoop, nil
	}

	rows, err := o.parseAndNormalize(dataset, fetched.Bytes)
	if err != nil {
		return "", err
	}

	if dataset.FilterByLatestDate && hasPrior {
		rows, err = o.filterByLatestDate(ctx, dataset.DatasetID, priorManifest, rows)
		if err != nil {
			return "", err
		}
	}

	priorIndex, err := o.deps.Publication.ReadIndex(ctx, dataset.DatasetID)
	if err != nil {
		return "", fmt.Errorf("orchestrator: reading prior key set index: %w", err)
	}

	fingerprinted := delta.Fingerprint(rows, dataset.PrimaryKeys)
	added := delta.ComputeDelta(fingerprinted, priorIndex)

	if len(added) == 0 {
		o.logger.Info("orchestrator: no new rows, no-op",
			slog.String("dataset_id", dataset.DatasetID), slog.String("run_id", record.RunID))

		return OutcomeNoop, nil
	}

	enriched := o.enrich(added, dataset, record.VersionStamp)

	eventKeys, err := o.deps.Events.Write(ctx, dataset.DatasetID, record.VersionStamp, enriched)
	if err != nil {
		return "", fmt.Errorf("orchestrator: writing events: %w", err)
	}

	result, err := o.publish(ctx, dataset, record, fetched, priorIndex, enriched, eventKeys, priorEtag)
	if err != nil {
		return "", err
	}

	if !result.Published {
		return OutcomeLost, nil
	}

	record.Published = true
	record.PublishedVersion = record.VersionStamp
	record.RowsAdded = len(enriched)

	affectedMonths := projection.AffectedMonths(enriched)
	if err := o.deps.Projections.Consolidate(ctx, dataset.DatasetID, affectedMonths, dataset.PrimaryKeys); err != nil {
		return "", fmt.Errorf("orchestrator: consolidating projections: %w", err)
	}

	if err := o.notify(ctx, dataset, record.VersionStamp); err != nil {
		return "", fmt.Errorf("orchestrator: notifying: %w", err)
	}

	return OutcomeOK, nil
}

// verify implements the VERIFY step: repair the key set index before FETCH
// if it has drifted from the published pointer.
func (o *Orchestrator) verify(ctx context.Context, datasetID string) error {
	consistent, err := o.deps.Publication.VerifyPointerIndexConsistency(ctx, datasetID)
	if err != nil {
		return fmt.Errorf("orchestrator: verifying pointer/index consistency: %w", err)
	}

	if consistent {
		return nil
	}

	o.logger.Info("orchestrator: pointer/index inconsistency detected, rebuilding index",
		slog.String("dataset_id", datasetID))

	if err := o.deps.Publication.RebuildIndexFromPointer(ctx, datasetID); err != nil {
		return fmt.Errorf("orchestrator: rebuilding index: %w", err)
	}

	return nil
}

// readPriorState reads the current pointer and its manifest, if any. hasPrior
// is false on a first-ever run for this dataset (NotFound is not an error).
func (o *Orchestrator) readPriorState(
	ctx context.Context,
	datasetID string,
) (manifest publication.VersionManifest, etag string, hasPrior bool, err error) {
	pointer, etag, err := o.deps.Publication.ReadPointer(ctx, datasetID)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return publication.VersionManifest{}, "", false, nil
		}

		return publication.VersionManifest{}, "", false, fmt.Errorf("orchestrator: reading current pointer: %w", err)
	}

	manifest, err = o.deps.Publication.ReadManifest(ctx, datasetID, pointer.CurrentVersion)
	if err != nil {
		return publication.VersionManifest{}, "", false, fmt.Errorf("orchestrator: reading prior version manifest: %w", err)
	}

	return manifest, etag, true, nil
}

// sourceUnchanged implements the HASH_COMPARE pre-check: a run is a no-op
// when the fetched source bytes hash the same as the prior published source.
func sourceUnchanged(prior publication.VersionManifest, fetched fetch.Result) bool {
	if len(prior.Source.Files) == 0 {
		return false
	}

	return prior.Source.Files[0].SHA256 == fetched.SHA256
}

func (o *Orchestrator) parseAndNormalize(dataset runconfig.DatasetConfig, data []byte) (rowset.Set, error) {
	p, err := o.deps.Plugins.Get(dataset.PluginID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: looking up plugin %q: %w", dataset.PluginID, err)
	}

	parsed, err := p.Parser.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: parsing source: %w", err)
	}

	normalized, err := p.Normalizer.Normalize(parsed, dataset.ColumnMap)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: normalizing rows: %w", err)
	}

	return normalized, nil
}

// filterByLatestDate implements the optional pre-filter: find the max
// obs_time across the previous version's event files and drop input rows
// not strictly greater. Naive/aware alignment is moot here since the
// normalizer always yields UTC-zoned timestamps (see plugin.ColumnMapNormalizer),
// but the comparison still goes through alignedAfter to keep the intent explicit.
func (o *Orchestrator) filterByLatestDate(
	ctx context.Context,
	datasetID string,
	priorManifest publication.VersionManifest,
	rows rowset.Set,
) (rowset.Set, error) {
	maxObsTime, ok, err := o.maxObsTimeOf(ctx, priorManifest.Outputs.Files)
	if err != nil {
		return nil, err
	}

	if !ok {
		return rows, nil
	}

	o.logger.Debug("orchestrator: filtering rows by latest date",
		slog.String("dataset_id", datasetID), slog.Time("max_obs_time", maxObsTime))

	return rows.Filter(func(r rowset.Row) bool {
		v, ok := r.Get("obs_time")
		if !ok {
			return false
		}

		t, ok := v.(time.Time)
		if !ok {
			return false
		}

		return alignedAfter(t, maxObsTime)
	}), nil
}

func (o *Orchestrator) maxObsTimeOf(ctx context.Context, eventKeys []string) (time.Time, bool, error) {
	var (
		max   time.Time
		found bool
	)

	for _, key := range eventKeys {
		data, err := o.deps.Objects.Get(ctx, key)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("orchestrator: reading prior event %s: %w", key, err)
		}

		rows, err := rowset.Decode(data)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("orchestrator: decoding prior event %s: %w", key, err)
		}

		for _, r := range rows {
			v, ok := r.Get("obs_time")
			if !ok {
				continue
			}

			t, ok := v.(time.Time)
			if !ok {
				continue
			}

			if !found || alignedAfter(t, max) {
				max = t
				found = true
			}
		}
	}

	return max, found, nil
}

// alignedAfter reports whether a is strictly after b, stripping the location
// from whichever side carries the zero UTC offset when the other does not,
// so a naive and a zoned timestamp compare on wall-clock fields rather than
// instant.
func alignedAfter(a, b time.Time) bool {
	_, aOffset := a.Zone()
	_, bOffset := b.Zone()

	if aOffset == 0 && bOffset != 0 {
		a = time.Date(a.Year(), a.Month(), a.Day(), a.Hour(), a.Minute(), a.Second(), a.Nanosecond(), b.Location())
	} else if bOffset == 0 && aOffset != 0 {
		b = time.Date(b.Year(), b.Month(), b.Day(), b.Hour(), b.Minute(), b.Second(), b.Nanosecond(), a.Location())
	}

	return a.After(b)
}

// enrich adds the optional Observation enrichment fields before rows are
// written as events: dataset_id, provider, source_kind, obs_date (derived
// from obs_time), version, vintage_date.
func (o *Orchestrator) enrich(rows rowset.Set, dataset runconfig.DatasetConfig, version string) rowset.Set {
	vintage := o.deps.Clock.NowISO()

	out := make(rowset.Set, len(rows))

	for i, r := range rows {
		clone := r.Clone()
		clone.Set("dataset_id", dataset.DatasetID)

		if dataset.Provider != "" {
			clone.Set("provider", dataset.Provider)
		}

		clone.Set("source_kind", dataset.Source.Kind)
		clone.Set("version", version)
		clone.Set("vintage_date", vintage)

		if v, ok := clone.Get("obs_time"); ok {
			if t, ok := v.(time.Time); ok {
				clone.Set("obs_date", t.UTC().Format("2006-01-02"))
			}
		}

		out[i] = clone
	}

	return out
}

func (o *Orchestrator) publish(
	ctx context.Context,
	dataset runconfig.DatasetConfig,
	record *RunRecord,
	fetched fetch.Result,
	priorIndex *delta.Index,
	enriched rowset.Set,
	eventKeys []string,
	priorEtag string,
) (publication.PublishResult, error) {
	result, err := o.deps.Publication.Publish(ctx, publication.PublishInput{
		DatasetID:        dataset.DatasetID,
		Version:          record.VersionStamp,
		CreatedAt:        o.deps.Clock.NowISO(),
		SourceFiles:      []publication.SourceFile{{SHA256: fetched.SHA256, Size: fetched.Size}},
		OutputKeys:       eventKeys,
		RowsAdded:        len(enriched),
		PrimaryKeys:      dataset.PrimaryKeys,
		PriorIndex:       priorIndex,
		DeltaRows:        enriched,
		PriorPointerETag: priorEtag,
	})
	if err != nil {
		return publication.PublishResult{}, fmt.Errorf("orchestrator: publishing: %w", err)
	}

	if !result.Published {
		o.logger.Info("orchestrator: lost pointer cas, leaving event files unreferenced",
			slog.String("dataset_id", dataset.DatasetID), slog.String("run_id", record.RunID))
	}

	return result, nil
}

func (o *Orchestrator) notify(
	ctx context.Context,
	dataset runconfig.DatasetConfig,
	version string,
) error {
	if o.deps.Notifier == nil {
		return nil
	}

	// manifest_pointer is relative to the bucket with the leading "datasets/"
	// prefix stripped.
	manifestPointer := fmt.Sprintf("%s/events/%s/manifest.json", dataset.DatasetID, version)

	return o.deps.Notifier.PublishDatasetUpdated(ctx, dataset.DatasetID, manifestPointer, o.deps.Clock.Now())
}

// releaseLease releases the run's lease, best-effort: a mismatched-owner
// release (lease already reclaimed as expired) is logged, not surfaced.
func (o *Orchestrator) releaseLease(ctx context.Context, datasetID, runID string) {
	if err := o.deps.Leases.Release(ctx, datasetID, runID); err != nil {
		if errors.Is(err, lease.ErrNotHeld) {
			o.logger.Info("orchestrator: lease release no-op, not held by this run",
				slog.String("dataset_id", datasetID), slog.String("run_id", runID))

			return
		}

		o.logger.Warn("orchestrator: lease release failed",
			slog.String("dataset_id", datasetID), slog.String("run_id", runID), slog.String("error", err.Error()))
	}
}
