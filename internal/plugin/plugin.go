// Package plugin implements the parser/normalizer capability: turning fetched
// bytes into canonical rows. A process-wide Registry keyed by a short plugin
// id stands in for the original system's dataset-specific plugins, which are
// out of scope here (schema evolution and dataset business rules aren't core).
package plugin

import (
	"errors"
	"fmt"

	"github.com/tsingest-io/tsingest/internal/rowset"
)

// ErrUnknownPlugin is returned by Registry.Get for an unregistered id.
var ErrUnknownPlugin = errors.New("plugin: unknown plugin id")

// Parser turns raw source bytes into rows. Implementations do not enrich or
// validate beyond shaping the byte grid into Row records.
type Parser interface {
	Parse(data []byte) (rowset.Set, error)
}

// Normalizer maps a parsed Row onto the canonical Observation shape
// (obs_time, value, internal_series_code, plus optional enrichment fields),
// given the dataset's configured column mapping.
type Normalizer interface {
	Normalize(rows rowset.Set, columnMap map[string]string) (rowset.Set, error)
}

// Plugin bundles a Parser and Normalizer under one registry id.
type Plugin struct {
	ID         string
	Parser     Parser
	Normalizer Normalizer
}

// Registry is the process-wide, id-keyed lookup populated at startup and
// passed by value through the run orchestrator (the orchestrator is the only
// component that owns a Registry reference; plugins never reach back into it).
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]Plugin)}
}

// Register adds p to the registry, keyed by p.ID. A later Register call for
// the same id replaces the earlier one.
func (r *Registry) Register(p Plugin) {
	r.plugins[p.ID] = p
}

// Get returns the plugin registered under id, or ErrUnknownPlugin.
func (r *Registry) Get(id string) (Plugin, error) {
	p, ok := r.plugins[id]
	if !ok {
		return Plugin{}, fmt.Errorf("%w: %q", ErrUnknownPlugin, id)
	}

	return p, nil
}

// NewDefaultRegistry returns a Registry pre-populated with the two reference
// plugins shipped by this repository: "generic" (CSV) and "genericxlsx" (XLSX).
func NewDefaultRegistry() *Registry {
	r := NewRegistry()

	r.Register(Plugin{ID: "generic", Parser: GenericCSVParser{}, Normalizer: ColumnMapNormalizer{}})
	r.Register(Plugin{ID: "genericxlsx", Parser: GenericXLSXParser{}, Normalizer: ColumnMapNormalizer{}})

	return r
}
