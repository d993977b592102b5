package plugin

import (
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/tsingest-io/tsingest/internal/rowset"
)

// GenericXLSXParser parses the first sheet of an XLSX workbook into rows
// keyed by the first row's header names, in column order. Like
// GenericCSVParser, every cell is read as its string representation; typed
// interpretation is the Normalizer's job.
type GenericXLSXParser struct{}

var _ Parser = GenericXLSXParser{}

// Parse implements Parser.
func (GenericXLSXParser) Parse(data []byte) (rowset.Set, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("plugin: opening xlsx workbook: %w", err)
	}
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetList()
	if len(sheet) == 0 {
		return nil, nil
	}

	rows, err := f.GetRows(sheet[0])
	if err != nil {
		return nil, fmt.Errorf("plugin: reading xlsx sheet %q: %w", sheet[0], err)
	}

	if len(rows) == 0 {
		return nil, nil
	}

	header := rows[0]

	var out rowset.Set

	for _, record := range rows[1:] {
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
