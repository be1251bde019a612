// Package timestamp normalizes event timestamps supplied by external
// transports. Inbound events may carry RFC3339 strings, Unix seconds or Unix
// milliseconds; everything is converted to time.Time in UTC.
package timestamp

import (
	"encoding/json"
	"strconv"
	"time"
)

// msThreshold separates seconds from milliseconds (year 2001 in seconds).
const msThreshold = 1e12

// ToUnixMs converts a time.Time to Unix milliseconds, 0 for the zero time.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time, zero time for 0.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Parse converts a loosely typed timestamp into time.Time.
//
// Supported inputs: int64/int/float64 (milliseconds when above 1e12,
// otherwise seconds), numeric strings, RFC3339 strings and time.Time.
// The boolean is false when the input could not be interpreted.
func Parse(input any) (time.Time, bool) {
	switch v := input.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return v.UTC(), !v.IsZero()
	case int64:
		return fromNumber(float64(v))
	case int:
		return fromNumber(float64(v))
	case float64:
		return fromNumber(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromNumber(f)
	case string:
		if v == "" {
			return time.Time{}, false
		}
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t.UTC(), true
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return fromNumber(f)
		}
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func fromNumber(f float64) (time.Time, bool) {
	if f <= 0 {
		return time.Time{}, false
	}
	if f > msThreshold {
		return time.UnixMilli(int64(f)).UTC(), true
	}
	return time.UnixMilli(int64(f * 1000)).UTC(), true
}
