// Package runconfig loads the per-dataset and application configuration
// from YAML with graceful degradation: a missing file is not an error, and
// invalid YAML logs a warning and falls back to an empty config.
package runconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tsingest-io/tsingest/internal/config"
)

// ConfigPathEnvVar names the environment variable pointing at the app config.
const ConfigPathEnvVar = "TSINGEST_CONFIG_PATH"

// DefaultConfigPath is used when ConfigPathEnvVar is unset.
const DefaultConfigPath = "tsingest.yaml"

// SourceConfig describes where and how to fetch a dataset's raw bytes.
type SourceConfig struct {
	Kind string `yaml:"kind"` // "http" or "local"
	URI  string `yaml:"uri"`
}

// DatasetConfig is one dataset's full pipeline configuration.
type DatasetConfig struct {
	DatasetID           string            `yaml:"dataset_id"`
	Provider            string            `yaml:"provider"`
	PluginID            string            `yaml:"plugin_id"`
	Source              SourceConfig      `yaml:"source"`
	PrimaryKeys         []string          `yaml:"primary_keys"`
	ColumnMap           map[string]string `yaml:"column_map"`
	FilterByLatestDate  bool              `yaml:"filter_by_latest_date"`
	LeaseTTLSeconds     int               `yaml:"lease_ttl_seconds"`
}

// AppConfig is the top-level application configuration: every dataset this
// deployment knows how to ingest, plus shared infrastructure settings.
type AppConfig struct {
	Datasets []DatasetConfig `yaml:"datasets"`

	ObjectStoreBucket string `yaml:"object_store_bucket"`
	NotifyTopic       string `yaml:"notify_topic"`
}

// FindDataset returns the DatasetConfig with the given id, or false.
func (c *AppConfig) FindDataset(datasetID string) (DatasetConfig, bool) {
	for _, d := range c.Datasets {
		if d.DatasetID == datasetID {
			return d, true
		}
	}

	return DatasetConfig{}, false
}

// LoadConfig loads AppConfig from a YAML file at path. A missing file returns
// an empty, valid AppConfig (configuration is optional at this layer — the
// caller decides whether an empty config is fatal). Invalid YAML logs a
// warning and also falls back to an empty config.
func LoadConfig(path string) (*AppConfig, error) {
	cfg := &AppConfig{Datasets: []DatasetConfig{}}

	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted deployment config
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("runconfig: config file not found, continuing with empty config",
				slog.String("path", path))

			return cfg, nil
		}

		slog.Warn("runconfig: failed to read config file, continuing with empty config",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return cfg, nil
	}

	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("runconfig: failed to parse config file, continuing with empty config",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return &AppConfig{Datasets: []DatasetConfig{}}, nil
	}

	if cfg.Datasets == nil {
		cfg.Datasets = []DatasetConfig{}
	}

	return cfg, nil
}

// LoadConfigFromEnv loads AppConfig from the path named by ConfigPathEnvVar,
// falling back to DefaultConfigPath.
func LoadConfigFromEnv() (*AppConfig, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}

// ErrDatasetNotConfigured is returned by operations that require a dataset id
// not present in the loaded AppConfig.
var ErrDatasetNotConfigured = errors.New("runconfig: dataset not found in app config")

// MustFindDataset is FindDataset with an error return, for call sites that
// treat an unconfigured dataset as fatal.
func (c *AppConfig) MustFindDataset(datasetID string) (DatasetConfig, error) {
	d, ok := c.FindDataset(datasetID)
	if !ok {
		return DatasetConfig{}, fmt.Errorf("%w: %q", ErrDatasetNotConfigured, datasetID)
	}

	return d, nil
}
