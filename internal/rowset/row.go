// Package rowset models the canonical row-structured data the core passes
// between components (observations, fingerprinted rows, consolidated
// projections) as a typed record with an ordered field set, and dispatches
// vectorized operations (sort, drop-duplicates, group-by) through this
// pluggable abstraction rather than an in-process tabular library. The
// on-disk format is parquet (see Encode/Decode in codec.go); the in-memory
// representation here is free to evolve independently.
package rowset

// Row is an ordered record. Field order is preserved in declaration order so
// that encoding the same logical row twice produces the same column order,
// which the delta engine's determinism requirement depends on.
type Row struct {
	order  []string
	values map[string]any
}

// NewRow returns an empty Row.
func NewRow() Row {
	return Row{values: make(map[string]any)}
}

// Set assigns field to v, appending field to the declared order the first
// time it is set.
func (r *Row) Set(field string, v any) {
	if r.values == nil {
		r.values = make(map[string]any)
	}

	if _, exists := r.values[field]; !exists {
		r.order = append(r.order, field)
	}

	r.values[field] = v
}

// Get returns the value at field and whether it was present.
func (r Row) Get(field string) (any, bool) {
	v, ok := r.values[field]

	return v, ok
}

// Fields returns the declared field order.
func (r Row) Fields() []string {
	return r.order
}

// Clone returns a deep-enough copy (values are copied by reference, which is
// safe since rows only ever hold immutable scalars: strings, numbers, bools,
// time.Time).
func (r Row) Clone() Row {
	c := Row{
		order:  make([]string, len(r.order)),
		values: make(map[string]any, len(r.values)),
	}
	copy(c.order, r.order)

	for k, v := range r.values {
		c.values[k] = v
	}

	return c
}

// Map returns the row as a plain map, used by the parquet codec and by
// plugins that build rows from a generic CSV/XLSX cell grid.
func (r Row) Map() map[string]any {
	return r.values
}

// FromMap builds a Row from a map and an explicit field order. Callers own
// the order slice; FromMap does not infer one from map iteration (which Go
// randomizes).
func FromMap(order []string, values map[string]any) Row {
	return Row{order: order, values: values}
}
