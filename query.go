package tinylsm

import (
	"encoding/binary"
	"strings"

	"github.com/freeeve/msgpck"
)

// AggregateResult summarizes the numeric values found under a prefix.
type AggregateResult struct {
	Count   int64 // Live keys scanned
	Numeric int64 // Keys that yielded a number
	Sum     float64
	Min     float64
	Max     float64
}

// Avg returns the mean of the numeric values, or 0 if there were none.
func (r AggregateResult) Avg() float64 {
	if r.Numeric == 0 {
		return 0
	}
	return r.Sum / float64(r.Numeric)
}

func (r *AggregateResult) add(v float64) {
	if r.Numeric == 0 || v < r.Min {
		r.Min = v
	}
	if r.Numeric == 0 || v > r.Max {
		r.Max = v
	}
	r.Sum += v
	r.Numeric++
}

// Count returns the number of live keys with prefix.
func (s *Store) Count(prefix []byte) (int64, error) {
	var n int64
	err := s.ScanPrefix(prefix, func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

// Aggregate scans prefix once and folds a numeric field of every value.
// With an empty field each value must be an 8-byte integer as written by
// PutInt64 or Increment. Otherwise values are msgpack maps and field is
// a dotted path such as "address.zip". Values without a number are
// counted but not folded.
func (s *Store) Aggregate(prefix []byte, field string) (AggregateResult, error) {
	var r AggregateResult
	err := s.ScanPrefix(prefix, func(_, val []byte) bool {
		r.Count++
		if v, ok := numericField(val, field); ok {
			r.add(v)
		}
		return true
	})
	return r, err
}

func numericField(val []byte, field string) (float64, bool) {
	if field == "" {
		if len(val) != 8 {
			return 0, false
		}
		return float64(int64(binary.BigEndian.Uint64(val))), true
	}

	fields, err := msgpck.UnmarshalMapStringAny(val, false)
	if err != nil || fields == nil {
		return 0, false
	}
	return toFloat(lookupPath(fields, field))
}

// lookupPath follows a dotted path through nested maps.
func lookupPath(m map[string]any, path string) any {
	var cur any = m
	for _, part := range strings.Split(path, ".") {
		next, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = next[part]
	}
	return cur
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
