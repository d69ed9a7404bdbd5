// Package timeseries holds the time-series collection descriptor and
// measurement validation shared by the bucket catalog and the write driver.
package timeseries

import (
	"time"

	"github.com/strata-db/strata/internal/status"
	"github.com/strata-db/strata/pkg/models"
)

// Granularity values accepted on collection creation.
const (
	GranularitySeconds = "seconds"
	GranularityMinutes = "minutes"
	GranularityHours   = "hours"
)

// Options is the time-series descriptor stored in collection options.
type Options struct {
	TimeField   string `msgpack:"timeField" json:"timeField"`
	MetaField   string `msgpack:"metaField,omitempty" json:"metaField,omitempty"`
	Granularity string `msgpack:"granularity,omitempty" json:"granularity,omitempty"`
}

// BucketMaxSpan returns the widest time range one bucket may cover for the
// configured granularity.
func (o *Options) BucketMaxSpan() time.Duration {
	switch o.Granularity {
	case GranularityMinutes:
		return 24 * time.Hour
	case GranularityHours:
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Validate checks the descriptor on collection creation.
func (o *Options) Validate() error {
	if o.TimeField == "" {
		return status.New(status.CodeInvalidOptions, "time-series options require a timeField")
	}
	switch o.Granularity {
	case "", GranularitySeconds, GranularityMinutes, GranularityHours:
	default:
		return status.Errorf(status.CodeInvalidOptions, "invalid granularity %q", o.Granularity)
	}
	if o.MetaField == o.TimeField {
		return status.New(status.CodeInvalidOptions, "metaField must differ from timeField")
	}
	return nil
}

// ExtractTime pulls the measurement timestamp out of a document. Accepts
// time.Time directly, RFC3339 strings, and integer epochs with the unit
// auto-detected the same way the wire decoders do (seconds, milliseconds or
// microseconds by magnitude).
func ExtractTime(doc models.Document, opts *Options) (time.Time, error) {
	raw, ok := doc[opts.TimeField]
	if !ok {
		return time.Time{}, status.Errorf(status.CodeInvalidMeasurement,
			"measurement is missing time field %q", opts.TimeField)
	}

	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, status.Errorf(status.CodeInvalidMeasurement,
				"time field %q is not a valid RFC3339 timestamp: %v", opts.TimeField, err)
		}
		return t.UTC(), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return epochToTime(raw), nil
	default:
		return time.Time{}, status.Errorf(status.CodeInvalidMeasurement,
			"time field %q has unsupported type %T", opts.TimeField, raw)
	}
}

func epochToTime(v any) time.Time {
	var ts int64
	switch val := v.(type) {
	case int:
		ts = int64(val)
	case int8:
		ts = int64(val)
	case int16:
		ts = int64(val)
	case int32:
		ts = int64(val)
	case int64:
		ts = val
	case uint:
		ts = int64(val)
	case uint8:
		ts = int64(val)
	case uint16:
		ts = int64(val)
	case uint32:
		ts = int64(val)
	case uint64:
		ts = int64(val)
	case float32:
		ts = int64(val)
	case float64:
		ts = int64(val)
	}

	// Auto-detect unit by magnitude.
	if ts < 1e10 {
		return time.Unix(ts, 0).UTC()
	} else if ts < 1e13 {
		return time.UnixMilli(ts).UTC()
	}
	return time.UnixMicro(ts).UTC()
}

// ValidateMeasurement checks a measurement before it is routed to a bucket.
// The timestamp must parse and must not sit further than maxSkew ahead of
// the local clock.
func ValidateMeasurement(doc models.Document, opts *Options, maxSkew time.Duration) (time.Time, error) {
	if len(doc) == 0 {
		return time.Time{}, status.New(status.CodeInvalidMeasurement, "empty measurement")
	}
	t, err := ExtractTime(doc, opts)
	if err != nil {
		return time.Time{}, err
	}
	if maxSkew > 0 && t.After(time.Now().Add(maxSkew)) {
		return time.Time{}, status.Errorf(status.CodeInvalidMeasurement,
			"measurement timestamp %s is too far in the future", t.Format(time.RFC3339))
	}
	return t, nil
}
