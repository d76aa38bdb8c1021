package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999-0700",
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999Z0700",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Unix magnitudes used to guess the unit of a numeric timestamp
const (
	nanoThreshold  = 1e17
	microThreshold = 1e14
	milliThreshold = 1e11
)

// CoerceTime converts the timestamp shapes collectors emit into a UTC
// time.Time without a monotonic reading, so every event compares on the
// same wall clock.
func CoerceTime(v interface{}) (time.Time, error) {
	var t time.Time
	switch val := v.(type) {
	case time.Time:
		t = val
	case string:
		parsed, err := parseTimeString(val)
		if err != nil {
			return time.Time{}, err
		}
		t = parsed
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid numeric timestamp %q", val.String())
		}
		t = fromUnix(f)
	case float64:
		t = fromUnix(val)
	case float32:
		t = fromUnix(float64(val))
	case int:
		t = fromUnix(float64(val))
	case int64:
		t = fromUnix(float64(val))
	case uint64:
		t = fromUnix(float64(val))
	case nil:
		return time.Time{}, fmt.Errorf("missing timestamp")
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}

	if t.IsZero() || t.Unix() <= 0 {
		return time.Time{}, fmt.Errorf("timestamp before epoch")
	}
	return t.UTC().Round(0), nil
}

func parseTimeString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromUnix(f), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format %q", s)
}

func fromUnix(f float64) time.Time {
	if math.IsNaN(f) || math.IsInf(f, 0) || f <= 0 {
		return time.Time{}
	}
	switch {
	case f >= nanoThreshold:
		return time.Unix(0, int64(f))
	case f >= microThreshold:
		return time.UnixMicro(int64(f))
	case f >= milliThreshold:
		return time.UnixMilli(int64(f))
	default:
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9))
	}
}
