package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCompareCrossType(t *testing.T) {
	// null < numbers < strings < documents < arrays < booleans < timestamps
	ordered := []any{
		nil,
		int64(5),
		"a",
		Document{"k": int64(1)},
		[]any{int64(1)},
		false,
		time.Now(),
	}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Negative(t, Compare(ordered[i], ordered[i+1], nil),
			"%T should sort before %T", ordered[i], ordered[i+1])
	}
}

func TestCompareNumbersByValue(t *testing.T) {
	assert.Zero(t, Compare(int64(5), 5.0, nil))
	assert.Negative(t, Compare(int32(4), float64(4.5), nil))
	assert.Positive(t, Compare(uint64(10), int64(9), nil))
}

func TestCompareStringsWithCollation(t *testing.T) {
	ci := &Collation{Locale: "en", Strength: 2}
	assert.Zero(t, Compare("North", "north", ci))
	assert.NotZero(t, Compare("North", "north", nil))
	assert.NotZero(t, Compare("North", "north", &Collation{Strength: 3}))
}

func TestCompareDocumentsAndArrays(t *testing.T) {
	a := Document{"x": int64(1), "y": int64(2)}
	b := Document{"x": int64(1), "y": int64(3)}
	assert.Negative(t, Compare(a, b, nil))
	assert.Zero(t, Compare(a, a.Clone(), nil))

	// Shorter prefix sorts first
	assert.Negative(t, Compare(Document{"x": int64(1)}, a, nil))
	assert.Negative(t, Compare([]any{int64(1)}, []any{int64(1), int64(2)}, nil))
}

func TestCollationKey(t *testing.T) {
	assert.Equal(t, "North", (*Collation)(nil).Key("North"))
	assert.Equal(t, "north", (&Collation{Strength: 1}).Key("North"))
	assert.Equal(t, "north", (&Collation{Strength: 2}).Key("North"))
	assert.Equal(t, "North", (&Collation{Strength: 3}).Key("North"))
}

func TestCloneIsDeep(t *testing.T) {
	doc := Document{
		"nested": Document{"k": int64(1)},
		"arr":    []any{Document{"v": int64(2)}},
	}
	clone := doc.Clone()
	clone["nested"].(Document)["k"] = int64(9)
	clone["arr"].([]any)[0].(Document)["v"] = int64(9)

	assert.Equal(t, int64(1), doc["nested"].(Document)["k"])
	assert.Equal(t, int64(2), doc["arr"].([]any)[0].(Document)["v"])
}

func TestLookupDottedPath(t *testing.T) {
	doc := Document{"control": Document{"min": map[string]any{"temp": 20.0}}}

	v, ok := doc.Lookup("control.min.temp")
	assert.True(t, ok)
	assert.Equal(t, 20.0, v)

	_, ok = doc.Lookup("control.max.temp")
	assert.False(t, ok)
}

func TestNamespace(t *testing.T) {
	ns, err := ParseNamespace("weather.readings")
	assert.NoError(t, err)
	assert.Equal(t, Namespace{Database: "weather", Collection: "readings"}, ns)
	assert.Equal(t, "weather.readings", ns.String())

	for _, bad := range []string{"", "weather", ".readings", "weather."} {
		_, err := ParseNamespace(bad)
		assert.Error(t, err, bad)
	}

	buckets := ns.Buckets()
	assert.Equal(t, "weather.buckets.readings", buckets.String())
	assert.True(t, buckets.IsBuckets())
	assert.True(t, buckets.IsSystem())
	assert.False(t, ns.IsBuckets())
	assert.False(t, ns.IsSystem())
	assert.True(t, Namespace{Database: "weather", Collection: "system.views"}.IsSystem())
}
