// Command tsingest is the CLI entry point for the incremental dataset
// ingestion engine: `tsingest run <dataset_id> [--full-reload]` drives one
// run of the orchestrator's state machine; `tsingest show <dataset_id>` is
// read-only tooling that resolves the current pointer and prints the
// manifest summary, optionally dumping one projection window.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tsingest-io/tsingest/internal/catalog"
	"github.com/tsingest-io/tsingest/internal/clock"
	"github.com/tsingest-io/tsingest/internal/config"
	"github.com/tsingest-io/tsingest/internal/eventlog"
	"github.com/tsingest-io/tsingest/internal/fetch"
	"github.com/tsingest-io/tsingest/internal/handler"
	"github.com/tsingest-io/tsingest/internal/lease"
	"github.com/tsingest-io/tsingest/internal/notify"
	"github.com/tsingest-io/tsingest/internal/objectstore"
	"github.com/tsingest-io/tsingest/internal/orchestrator"
	"github.com/tsingest-io/tsingest/internal/plugin"
	"github.com/tsingest-io/tsingest/internal/projection"
	"github.com/tsingest-io/tsingest/internal/publication"
	"github.com/tsingest-io/tsingest/internal/rowset"
	"github.com/tsingest-io/tsingest/internal/runconfig"
)

// Version information.
const (
	version = "0.1.0-dev"
	name    = "tsingest"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fullReload := fs.Bool("full-reload", false, "bypass the source-hash short-circuit and reprocess all rows")
	versionFlag := fs.Bool("version", false, "show version information")

	flagArgs, posArgs := splitFlags(args)

	if err := fs.Parse(flagArgs); err != nil {
		return 1
	}

	if *versionFlag {
		fmt.Printf("%s v%s\n", name, version)

		return 0
	}

	positional := posArgs
	if len(positional) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s run <dataset_id> [--full-reload] | show <dataset_id> [series] [year] [month]\n", name)

		return 1
	}

	datasetID := positional[1]

	switch positional[0] {
	case "run":
		return runDataset(logger, datasetID, *fullReload)
	case "show":
		return showDataset(logger, datasetID, positional[2:])
	default:
		fmt.Fprintf(os.Stderr, "usage: %s run <dataset_id> [--full-reload] | show <dataset_id> [series] [year] [month]\n", name)

		return 1
	}
}

// splitFlags partitions args into dash-prefixed flag tokens and the rest, so
// flags may appear anywhere on the command line rather than only before the
// first positional argument as the stdlib flag package otherwise requires.
func splitFlags(args []string) (flags []string, positional []string) {
	for _, a := range args {
		if len(a) > 1 && a[0] == '-' {
			flags = append(flags, a)
		} else {
			positional = append(positional, a)
		}
	}

	return flags, positional
}

func runDataset(logger *slog.Logger, datasetID string, fullReload bool) int {
	ctx, cancel := context.WithTimeout(context.Background(), fetch.DefaultTimeout+30*time.Second)
	defer cancel()

	h, closeFn, err := buildHandler(ctx, logger)
	if err != nil {
		logger.Error("tsingest: failed to initialize", slog.String("error", err.Error()))

		return 1
	}
	defer closeFn()

	out := h.Handle(ctx, handler.Input{DatasetID: datasetID, FullReload: fullReload})

	logger.Info("tsingest: run finished",
		slog.String("dataset_id", datasetID),
		slog.Int("status_code", out.StatusCode),
	)

	if out.StatusCode != 200 {
		fmt.Fprintf(os.Stderr, "%s: %v\n", name, out.Body)

		return 1
	}

	return 0
}

// showDataset resolves the current pointer and prints the manifest summary,
// and, when series/year/month are given, dumps that projection window's rows
// as JSON. Read-only tooling equivalent to the source material's
// scripts/read_latest_dataset.py.
func showDataset(logger *slog.Logger, datasetID string, extra []string) int {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	bucket := config.GetEnvStr("S3_BUCKET", "")
	region := config.GetEnvStr("AWS_REGION", config.GetEnvStr("AWS_DEFAULT_REGION", "us-east-1"))
	verifySSL := config.GetEnvBool("VERIFY_SSL", true)

	objects, err := objectstore.NewS3Store(ctx, objectstore.S3Config{Bucket: bucket, Region: region, VerifySSL: verifySSL})
	if err != nil {
		logger.Error("tsingest: failed to open object store", slog.String("error", err.Error()))

		return 1
	}

	pub := publication.New(objects)

	pointer, _, err := pub.ReadPointer(ctx, datasetID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: no current pointer for dataset %q: %v\n", name, datasetID, err)

		return 1
	}

	manifest, err := pub.ReadManifest(ctx, datasetID, pointer.CurrentVersion)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: failed to read manifest: %v\n", name, err)

		return 1
	}

	summary, _ := json.MarshalIndent(manifest, "", "  ")
	fmt.Println(string(summary))

	if len(extra) < 3 {
		return 0
	}

	series, yearStr, monthStr := extra[0], extra[1], extra[2]

	var year, month int
	if _, err := fmt.Sscanf(yearStr, "%d", &year); err != nil {
		fmt.Fprintf(os.Stderr, "%s: invalid year %q\n", name, yearStr)

		return 1
	}

	if _, err := fmt.Sscanf(monthStr, "%d", &month); err != nil {
		fmt.Fprintf(os.Stderr, "%s: invalid month %q\n", name, monthStr)

		return 1
	}

	windowKey := catalog.New(datasetID).ProjectionWindow(series, year, month)

	data, err := objects.Get(ctx, windowKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: failed to read projection window %s: %v\n", name, windowKey, err)

		return 1
	}

	rows, err := rowset.Decode(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: failed to decode projection window: %v\n", name, err)

		return 1
	}

	dump := make([]map[string]any, len(rows))
	for i, r := range rows {
		dump[i] = r.Map()
	}

	out, _ := json.MarshalIndent(dump, "", "  ")
	fmt.Println(string(out))

	return 0
}

// buildHandler wires every component from environment configuration; env
// vars are read only here, never by the core packages.
func buildHandler(ctx context.Context, logger *slog.Logger) (*handler.Handler, func(), error) {
	appCfg, err := runconfig.LoadConfigFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("loading app config: %w", err)
	}

	bucket := config.GetEnvStr("S3_BUCKET", appCfg.ObjectStoreBucket)
	region := config.GetEnvStr("AWS_REGION", config.GetEnvStr("AWS_DEFAULT_REGION", "us-east-1"))
	verifySSL := config.GetEnvBool("VERIFY_SSL", true)

	objects, err := objectstore.NewS3Store(ctx, objectstore.S3Config{
		Bucket:    bucket,
		Region:    region,
		VerifySSL: verifySSL,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("building object store: %w", err)
	}

	leaseCfg := lease.LoadConfig()
	if err := leaseCfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("lease config: %w", err)
	}

	leases, err := lease.New(leaseCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("building lease store: %w", err)
	}

	topic := config.GetEnvStr("NOTIFY_TOPIC", appCfg.NotifyTopic)
	brokers := config.ParseCommaSeparatedList(config.GetEnvStr("KAFKA_BROKERS", "localhost:9092"))

	notifier := notify.New(notify.Config{Brokers: brokers, Topic: topic})

	clk := clock.New()
	events := eventlog.New(objects, clk)
	projections := projection.New(objects, events, clk)
	pub := publication.New(objects)
	fetcher := fetch.New(fetch.Config{})

	orch := orchestrator.New(orchestrator.Deps{
		Objects:     objects,
		Events:      events,
		Publication: pub,
		Projections: projections,
		Leases:      leases,
		Fetcher:     fetcher,
		Plugins:     plugin.NewDefaultRegistry(),
		Notifier:    notifier,
		Clock:       clk,
	})

	closeFn := func() {
		if err := leases.Close(); err != nil {
			logger.Warn("tsingest: closing lease store", slog.String("error", err.Error()))
		}

		if err := notifier.Close(); err != nil {
			logger.Warn("tsingest: closing notifier", slog.String("error", err.Error()))
		}
	}

	return handler.New(orch, appCfg), closeFn, nil
}
