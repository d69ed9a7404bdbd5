package bucketcatalog

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/strata-db/strata/pkg/models"
)

// bucketMetadata is the canonicalized metadata value a bucket groups on. Two
// measurements land in the same bucket iff their canonical strings are equal.
type bucketMetadata struct {
	field     string // source field name, "" when the collection has none
	value     any    // original value, persisted as the bucket's meta
	hasValue  bool   // distinguishes an explicit null value from an absent field
	canonical string
}

// makeBucketMetadata canonicalizes the measurement's metadata. An explicit
// null value groups separately from an absent field (canonical "z" vs "")
// and is persisted as meta: null on the bucket.
func makeBucketMetadata(doc models.Document, metaField string, coll *models.Collation) bucketMetadata {
	if metaField == "" {
		return bucketMetadata{}
	}
	value, ok := doc[metaField]
	if !ok {
		return bucketMetadata{field: metaField}
	}

	var b strings.Builder
	appendCanonical(&b, value, coll)
	return bucketMetadata{field: metaField, value: value, hasValue: true, canonical: b.String()}
}

func (m bucketMetadata) present() bool {
	return m.field != "" && m.hasValue
}

// appendCanonical writes a deterministic byte form of a metadata value:
// document keys sorted recursively, strings folded through the collation.
// The generic encoders cannot serve here since map encoding order is not
// deterministic.
func appendCanonical(b *strings.Builder, v any, coll *models.Collation) {
	switch val := v.(type) {
	case nil:
		b.WriteString("z")
	case bool:
		if val {
			b.WriteString("b1")
		} else {
			b.WriteString("b0")
		}
	case string:
		key := coll.Key(val)
		b.WriteByte('s')
		b.WriteString(strconv.Itoa(len(key)))
		b.WriteByte(':')
		b.WriteString(key)
	case time.Time:
		b.WriteByte('t')
		b.WriteString(strconv.FormatInt(val.UnixNano(), 10))
	case []any:
		b.WriteByte('a')
		b.WriteString(strconv.Itoa(len(val)))
		b.WriteByte('[')
		for _, e := range val {
			appendCanonical(b, e, coll)
		}
		b.WriteByte(']')
	case models.Document:
		appendCanonicalDoc(b, val, coll)
	case map[string]any:
		appendCanonicalDoc(b, val, coll)
	default:
		// Numbers normalize to their float form so 2 and 2.0 collide.
		b.WriteByte('n')
		b.WriteString(strconv.FormatFloat(numericValue(val), 'g', -1, 64))
	}
}

func appendCanonicalDoc(b *strings.Builder, doc models.Document, coll *models.Collation) {
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for _, k := range keys {
		b.WriteString(strconv.Itoa(len(k)))
		b.WriteByte(':')
		b.WriteString(k)
		b.WriteByte('=')
		appendCanonical(b, doc[k], coll)
	}
	b.WriteByte('}')
}

func numericValue(v any) float64 {
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
