package models

import (
	"sort"
	"strings"
	"time"
)

// Collation controls string comparison for a collection. Only the simple
// case-insensitive collation is honored: strength 1 and 2 fold case, the
// default strength 3 compares byte-wise.
type Collation struct {
	Locale   string `msgpack:"locale" json:"locale"`
	Strength int    `msgpack:"strength" json:"strength"`
}

// Key returns the comparison key for a string under this collation.
func (c *Collation) Key(s string) string {
	if c == nil || c.Strength == 0 || c.Strength >= 3 {
		return s
	}
	return strings.ToLower(s)
}

// Type ranks for cross-type ordering. Values of different kinds compare by
// rank alone, so min/max over a field is total even when types are mixed.
const (
	rankNull = iota
	rankNumber
	rankString
	rankDocument
	rankArray
	rankBool
	rankTime
	rankOther
)

func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return rankNull
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return rankNumber
	case string:
		return rankString
	case Document, map[string]any:
		return rankDocument
	case []any:
		return rankArray
	case bool:
		return rankBool
	case time.Time:
		return rankTime
	default:
		return rankOther
	}
}

// Compare imposes a total order over document values: null < numbers <
// strings < documents < arrays < booleans < timestamps. Numbers compare by
// value regardless of width; strings honor the collation.
func Compare(a, b any, coll *Collation) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}

	switch ra {
	case rankNull:
		return 0
	case rankNumber:
		fa, fb := toFloat64(a), toFloat64(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	case rankString:
		return strings.Compare(coll.Key(a.(string)), coll.Key(b.(string)))
	case rankDocument:
		da, _ := asDocument(a)
		db, _ := asDocument(b)
		return compareDocuments(da, db, coll)
	case rankArray:
		return compareArrays(a.([]any), b.([]any), coll)
	case rankBool:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		default:
			return 1
		}
	case rankTime:
		ta, tb := a.(time.Time), b.(time.Time)
		switch {
		case ta.Before(tb):
			return -1
		case ta.After(tb):
			return 1
		default:
			return 0
		}
	default:
		return 0
	}
}

// compareDocuments walks both documents in sorted key order: the first
// differing key name orders them, then the value under it.
func compareDocuments(a, b Document, coll *Collation) int {
	ka, kb := sortedKeys(a), sortedKeys(b)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if c := strings.Compare(ka[i], kb[i]); c != 0 {
			return c
		}
		if c := Compare(a[ka[i]], b[kb[i]], coll); c != 0 {
			return c
		}
	}
	return len(ka) - len(kb)
}

func compareArrays(a, b []any, coll *Collation) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := Compare(a[i], b[i], coll); c != 0 {
			return c
		}
	}
	return len(a) - len(b)
}

func sortedKeys(d Document) []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ValuesEqual reports whether two values are equal under the collation.
func ValuesEqual(a, b any, coll *Collation) bool {
	return Compare(a, b, coll) == 0
}

func toFloat64(v any) float64 {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int8:
		return float64(val)
	case int16:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case uint:
		return float64(val)
	case uint8:
		return float64(val)
	case uint16:
		return float64(val)
	case uint32:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case float64:
		return val
	default:
		return 0
	}
}
