package delta

import (
	"fmt"

	"github.com/tsingest-io/tsingest/internal/rowset"
)

// EncodeIndex serializes an Index to parquet bytes: a single key_hash column,
// matching KeySetIndex's declared on-disk shape.
func EncodeIndex(idx *Index) ([]byte, error) {
	rows := make(rowset.Set, 0, idx.Len())

	for _, fp := range idx.Fingerprints() {
		r := rowset.NewRow()
		r.Set(HashColumn, fp)
		rows = append(rows, r)
	}

	data, err := rowset.Encode(rows)
	if err != nil {
		return nil, fmt.Errorf("delta: encoding key set index: %w", err)
	}

	return data, nil
}

// DecodeIndex parses parquet bytes written by EncodeIndex back into an Index.
func DecodeIndex(data []byte) (*Index, error) {
	rows, err := rowset.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("delta: decoding key set index: %w", err)
	}

	fingerprints := make([]string, 0, len(rows))

	for _, r := range rows {
		v, ok := r.Get(HashColumn)
		if !ok {
			continue
		}

		s, ok := v.(string)
		if !ok {
			continue
		}

		fingerprints = append(fingerprints, s)
	}

	return IndexFromFingerprints(fingerprints), nil
}
