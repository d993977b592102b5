package rowset

import (
	"fmt"
	"sort"
	"time"
)

// Set is an ordered collection of Rows. Vectorized operations (Sort,
// DropDuplicates, GroupBy) are implemented here rather than pulled in from an
// in-process tabular library, per the row-structured data design note.
type Set []Row

// Filter returns the subset of rows for which keep returns true, preserving
// order.
func (s Set) Filter(keep func(Row) bool) Set {
	out := make(Set, 0, len(s))

	for _, r := range s {
		if keep(r) {
			out = append(out, r)
		}
	}

	return out
}

// SortDescendingBy stable-sorts rows by field, descending, using a
// best-effort comparison across the value kinds rows actually carry
// (time.Time, float64, int, int64, string). Rows missing the field sort last.
func (s Set) SortDescendingBy(field string) Set {
	out := make(Set, len(s))
	copy(out, s)

	sort.SliceStable(out, func(i, j int) bool {
		vi, oki := out[i].Get(field)
		vj, okj := out[j].Get(field)

		if !oki {
			return false
		}

		if !okj {
			return true
		}

		return compare(vi, vj) > 0
	})

	return out
}

// DropDuplicates groups rows by the tuple of keyFields and keeps only the
// first row seen per group, preserving the first-seen order of groups.
func (s Set) DropDuplicates(keyFields []string) Set {
	seen := make(map[string]struct{}, len(s))
	out := make(Set, 0, len(s))

	for _, r := range s {
		k := compositeKey(r, keyFields)
		if _, ok := seen[k]; ok {
			continue
		}

		seen[k] = struct{}{}

		out = append(out, r)
	}

	return out
}

// GroupBy partitions rows by the string value of field, preserving row order
// within each group and the first-seen order of group keys.
func (s Set) GroupBy(field string) (keys []string, groups map[string]Set) {
	groups = make(map[string]Set)

	for _, r := range s {
		v, ok := r.Get(field)
		if !ok {
			continue
		}

		k := stringify(v)
		if _, exists := groups[k]; !exists {
			keys = append(keys, k)
		}

		groups[k] = append(groups[k], r)
	}

	return keys, groups
}

func compositeKey(r Row, fields []string) string {
	key := ""

	for i, f := range fields {
		if i > 0 {
			key += "|"
		}

		v, _ := r.Get(f)
		key += stringify(v)
	}

	return key
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return toComparableString(t)
	}
}

// compare returns -1, 0, 1 comparing a against b across the value kinds a Row
// may hold. Mismatched kinds fall back to string comparison.
func compare(a, b any) int {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			switch {
			case av.Before(bv):
				return -1
			case av.After(bv):
				return 1
			default:
				return 0
			}
		}
	case float64:
		if bv, ok := asFloat(b); ok {
			switch {
			case av < bv:
				return -1
			case av > bv:
				return 1
			default:
				return 0
			}
		}
	case int:
		if bv, ok := asFloat(b); ok {
			return compare(float64(av), bv)
		}
	case int64:
		if bv, ok := asFloat(b); ok {
			return compare(float64(av), bv)
		}
	}

	as, bs := stringify(a), stringify(b)

	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func toComparableString(v any) string {
	return fmt.Sprint(v)
}
