package plugin

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/tsingest-io/tsingest/internal/rowset"
)

// GenericCSVParser parses a byte-for-byte CSV grid into rows keyed by the
// first row's header names, in file column order. No type inference is
// performed here: every cell is a string, left for the Normalizer to
// interpret (e.g. parsing obs_time).
type GenericCSVParser struct{}

var _ Parser = GenericCSVParser{}

// Parse implements Parser.
func (GenericCSVParser) Parse(data []byte) (rowset.Set, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}

		return nil, fmt.Errorf("plugin: reading csv header: %w", err)
	}

	var out rowset.Set

	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("plugin: reading csv record: %w", err)
		}

		r := rowset.NewRow()

		for i, col := range header {
			if i >= len(record) {
				r.Set(col, "")

				continue
			}

			r.Set(col, record[i])
		}

		out = append(out, r)
	}

	return out, nil
}
