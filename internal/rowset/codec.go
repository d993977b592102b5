package rowset

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/xitongsys/parquet-go-source/buffer"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"
)

// parallelism bounds the parquet reader/writer goroutine pool; our row
// volumes (per-month, per-series) never warrant more.
const parallelism = 4

// columnSchema is one field of the JSON schema xitongsys/parquet-go's
// JSONWriter/JSONReader expect: a tag string per the library's struct-tag
// grammar, built dynamically since rows from different datasets carry
// different columns.
type columnSchema struct {
	Tag    string         `json:"Tag"`
	Fields []columnSchema `json:"Fields,omitempty"`
}

// Encode writes rows to parquet bytes. All rows are expected to share the
// same field set (they originate from one parse/normalize/fingerprint pass);
// the schema is inferred from the first row's field order and value kinds.
func Encode(rows Set) ([]byte, error) {
	if len(rows) == 0 {
		return encodeEmpty()
	}

	fields := rows[0].Fields()

	schema, err := buildSchema(rows[0], fields)
	if err != nil {
		return nil, fmt.Errorf("rowset: building parquet schema: %w", err)
	}

	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("rowset: marshaling parquet schema: %w", err)
	}

	buf := buffer.NewBufferFile()

	pw, err := writer.NewJSONWriter(string(schemaJSON), buf, parallelism)
	if err != nil {
		return nil, fmt.Errorf("rowset: creating parquet writer: %w", err)
	}

	for _, row := range rows {
		line, err := encodeRow(row, fields)
		if err != nil {
			return nil, fmt.Errorf("rowset: encoding row: %w", err)
		}

		if err := pw.Write(string(line)); err != nil {
			return nil, fmt.Errorf("rowset: writing parquet row: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("rowset: finalizing parquet file: %w", err)
	}

	if err := buf.Close(); err != nil {
		return nil, fmt.Errorf("rowset: closing parquet buffer: %w", err)
	}

	return buf.Bytes(), nil
}

// Decode reads parquet bytes written by Encode back into a Set. Each decoded
// row's field order is its field names sorted lexically; the column order
// Encode was given is not restored. Values come back as the JSON reader's
// native types (float64, string, bool), except that any string
// value matching RFC3339Nano is parsed back into a time.Time, reversing
// encodeRow's coercion so a round trip through Encode/Decode yields back the
// same value kinds it was given.
func Decode(data []byte) (Set, error) {
	if len(data) == 0 {
		return nil, nil
	}

	buf := buffer.NewBufferFileFromBytes(data)

	pr, err := reader.NewParquetReader(buf, nil, parallelism)
	if err != nil {
		return nil, fmt.Errorf("rowset: creating parquet reader: %w", err)
	}
	defer pr.ReadStop()

	numRows := int(pr.GetNumRows())
	if numRows == 0 {
		return nil, nil
	}

	rawRows, err := pr.ReadByNumber(numRows)
	if err != nil {
		return nil, fmt.Errorf("rowset: reading parquet rows: %w", err)
	}

	out := make(Set, 0, len(rawRows))

	for _, raw := range rawRows {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}

		order := make([]string, 0, len(m))
		for k := range m {
			order = append(order, k)
		}

		sort.Strings(order)

		for k, v := range m {
			if s, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					m[k] = t
				}
			}
		}

		out = append(out, FromMap(order, m))
	}

	return out, nil
}

func encodeEmpty() ([]byte, error) {
	buf := buffer.NewBufferFile()

	emptySchema := columnSchema{Tag: "name=root, repetitiontype=REQUIRED"}

	schemaJSON, err := json.Marshal(emptySchema)
	if err != nil {
		return nil, fmt.Errorf("rowset: marshaling empty parquet schema: %w", err)
	}

	pw, err := writer.NewJSONWriter(string(schemaJSON), buf, 1)
	if err != nil {
		return nil, fmt.Errorf("rowset: creating empty parquet writer: %w", err)
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("rowset: finalizing empty parquet file: %w", err)
	}

	if err := buf.Close(); err != nil {
		return nil, fmt.Errorf("rowset: closing empty parquet buffer: %w", err)
	}

	return buf.Bytes(), nil
}

func buildSchema(sample Row, fields []string) (columnSchema, error) {
	cols := make([]columnSchema, 0, len(fields))

	for _, f := range fields {
		v, _ := sample.Get(f)
		cols = append(cols, fieldSchema(f, v))
	}

	return columnSchema{
		Tag:    "name=root, repetitiontype=REQUIRED",
		Fields: cols,
	}, nil
}

func fieldSchema(name string, v any) columnSchema {
	switch v.(type) {
	case int, int64:
		return columnSchema{Tag: fmt.Sprintf("name=%s, type=INT64, repetitiontype=OPTIONAL", name)}
	case float32, float64:
		return columnSchema{Tag: fmt.Sprintf("name=%s, type=DOUBLE, repetitiontype=OPTIONAL", name)}
	case bool:
		return columnSchema{Tag: fmt.Sprintf("name=%s, type=BOOLEAN, repetitiontype=OPTIONAL", name)}
	default:
		return columnSchema{
			Tag: fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", name),
		}
	}
}

// encodeRow marshals one Row to a JSON object in field order, coercing
// time.Time to RFC3339Nano strings since parquet has no native datetime
// match for our OPTIONAL BYTE_ARRAY/UTF8 columns.
func encodeRow(row Row, fields []string) ([]byte, error) {
	obj := make(map[string]any, len(fields))

	for _, f := range fields {
		v, _ := row.Get(f)

		if t, ok := v.(time.Time); ok {
			v = t.UTC().Format(time.RFC3339Nano)
		}

		obj[f] = v
	}

	return json.Marshal(obj)
}
