// Package delta implements the delta engine (C3): fingerprinting rows by
// their declared primary key columns and diffing them against the prior
// KeySetIndex to find the rows a run actually needs to publish.
package delta

import (
	"crypto/sha1" //nolint:gosec // key fingerprint, not a security boundary
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tsingest-io/tsingest/internal/rowset"
)

// HashColumn is the name Fingerprint writes the computed key fingerprint to.
const HashColumn = "key_hash"

// Fingerprint computes SHA1(join(str(row[k]) for k in primaryKeys, "|")) for
// each row and returns a new Set with HashColumn appended, in the same row
// order. Deterministic: identical inputs produce identical fingerprints and
// column order.
func Fingerprint(rows rowset.Set, primaryKeys []string) rowset.Set {
	out := make(rowset.Set, len(rows))

	for i, r := range rows {
		fp := KeyFingerprint(r, primaryKeys)

		clone := r.Clone()
		clone.Set(HashColumn, fp)
		out[i] = clone
	}

	return out
}

// KeyFingerprint computes the 40-char hex SHA1 fingerprint of one row's
// primary key columns, joined by "|" in declared order.
func KeyFingerprint(r rowset.Row, primaryKeys []string) string {
	joined := ""

	for i, k := range primaryKeys {
		if i > 0 {
			joined += "|"
		}

		v, _ := r.Get(k)
		joined += fingerprintComponent(v)
	}

	sum := sha1.Sum([]byte(joined)) //nolint:gosec

	return hex.EncodeToString(sum[:])
}

func fingerprintComponent(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(t)
	}
}

// Index is the set of KeyFingerprints known to have been published, in
// first-seen order. It mirrors the KeySetIndex's on-disk shape: a single
// "key_hash" column.
type Index struct {
	order []string
	set   map[string]struct{}
}

// NewIndex returns an empty Index.
func NewIndex() *Index {
	return &Index{set: make(map[string]struct{})}
}

// IndexFromFingerprints builds an Index from a slice of fingerprints,
// deduplicating while preserving first-seen order.
func IndexFromFingerprints(fingerprints []string) *Index {
	idx := NewIndex()
	for _, fp := range fingerprints {
		idx.add(fp)
	}

	return idx
}

// Has reports whether fp is a member of the index.
func (idx *Index) Has(fp string) bool {
	if idx == nil {
		return false
	}

	_, ok := idx.set[fp]

	return ok
}

// Len returns the number of distinct fingerprints.
func (idx *Index) Len() int {
	if idx == nil {
		return 0
	}

	return len(idx.order)
}

// Fingerprints returns the fingerprints in first-seen order.
func (idx *Index) Fingerprints() []string {
	if idx == nil {
		return nil
	}

	out := make([]string, len(idx.order))
	copy(out, idx.order)

	return out
}

func (idx *Index) add(fp string) bool {
	if _, exists := idx.set[fp]; exists {
		return false
	}

	idx.set[fp] = struct{}{}
	idx.order = append(idx.order, fp)

	return true
}

// ComputeDelta returns the subset of rows whose HashColumn fingerprint is not
// already present in prior. rows must already be fingerprinted (see
// Fingerprint). A nil or empty prior index means "first run — proceed":
// every row is returned.
func ComputeDelta(rows rowset.Set, prior *Index) rowset.Set {
	if prior == nil || prior.Len() == 0 {
		out := make(rowset.Set, len(rows))
		copy(out, rows)

		return out
	}

	out := make(rowset.Set, 0, len(rows))

	for _, r := range rows {
		fp, ok := r.Get(HashColumn)
		if !ok {
			continue
		}

		if !prior.Has(fp.(string)) {
			out = append(out, r)
		}
	}

	return out
}

// UpdateIndex returns the set-union of prior and the fingerprints of added,
// preserving first-seen order and deduplicating. added must already be
// fingerprinted.
func UpdateIndex(prior *Index, added rowset.Set) *Index {
	next := NewIndex()

	if prior != nil {
		for _, fp := range prior.order {
			next.add(fp)
		}
	}

	for _, r := range added {
		fp, ok := r.Get(HashColumn)
		if !ok {
			continue
		}

		next.add(fp.(string))
	}

	return next
}
