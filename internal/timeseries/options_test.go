package timeseries

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/pkg/models"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, (&Options{TimeField: "ts"}).Validate())
	assert.NoError(t, (&Options{TimeField: "ts", MetaField: "m", Granularity: GranularityHours}).Validate())

	for _, bad := range []*Options{
		{},
		{TimeField: "ts", Granularity: "weeks"},
		{TimeField: "ts", MetaField: "ts"},
	} {
		err := bad.Validate()
		require.Error(t, err)
		assert.Equal(t, status.CodeInvalidOptions, status.CodeOf(err))
	}
}

func TestBucketMaxSpan(t *testing.T) {
	assert.Equal(t, time.Hour, (&Options{}).BucketMaxSpan())
	assert.Equal(t, time.Hour, (&Options{Granularity: GranularitySeconds}).BucketMaxSpan())
	assert.Equal(t, 24*time.Hour, (&Options{Granularity: GranularityMinutes}).BucketMaxSpan())
	assert.Equal(t, 30*24*time.Hour, (&Options{Granularity: GranularityHours}).BucketMaxSpan())
}

func TestExtractTime(t *testing.T) {
	opts := &Options{TimeField: "ts"}
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cases := map[string]any{
		"time":    want,
		"rfc3339": "2026-03-01T12:00:00Z",
		"seconds": want.Unix(),
		"millis":  want.UnixMilli(),
		"micros":  want.UnixMicro(),
		"float":   float64(want.Unix()),
	}
	for name, raw := range cases {
		got, err := ExtractTime(models.Document{"ts": raw}, opts)
		require.NoError(t, err, name)
		assert.True(t, got.Equal(want), "%s: got %v", name, got)
	}
}

func TestExtractTimeErrors(t *testing.T) {
	opts := &Options{TimeField: "ts"}

	for name, doc := range map[string]models.Document{
		"missing field": {"other": 1},
		"bad string":    {"ts": "yesterday"},
		"bad type":      {"ts": true},
	} {
		_, err := ExtractTime(doc, opts)
		require.Error(t, err, name)
		assert.Equal(t, status.CodeInvalidMeasurement, status.CodeOf(err), name)
	}
}

func TestValidateMeasurement(t *testing.T) {
	opts := &Options{TimeField: "ts"}
	maxSkew := 15 * time.Minute

	_, err := ValidateMeasurement(models.Document{"ts": time.Now(), "v": 1.0}, opts, maxSkew)
	assert.NoError(t, err)

	// A little ahead of the clock is tolerated
	_, err = ValidateMeasurement(models.Document{"ts": time.Now().Add(5 * time.Minute)}, opts, maxSkew)
	assert.NoError(t, err)

	_, err = ValidateMeasurement(models.Document{"ts": time.Now().Add(time.Hour)}, opts, maxSkew)
	require.Error(t, err)
	assert.Equal(t, status.CodeInvalidMeasurement, status.CodeOf(err))

	_, err = ValidateMeasurement(models.Document{}, opts, maxSkew)
	require.Error(t, err)
	assert.Equal(t, status.CodeInvalidMeasurement, status.CodeOf(err))
}
