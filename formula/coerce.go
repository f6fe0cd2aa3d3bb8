/*
coerce.go - Argument coercion for registry functions

PURPOSE:
  Reads evaluated Values as the Go types the functions need: numbers with a
  float cast, integers truncated toward zero and clamped to the int32 range,
  truthiness, and dates from ISO 8601 text.

SEE ALSO:
  - value.go: The Value sum type
  - functions.go: Callers
*/
package formula

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// COERCIONS - How registry functions read their arguments
// =============================================================================

// toNumber coerces like a float cast: numbers pass, booleans are 1/0,
// numeric strings parse, everything else is an invalid argument.
func toNumber(fn string, v Value) (float64, error) {
	switch v.kind {
	case KindNumber:
		return v.num, nil
	case KindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	case KindText:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.text), 64)
		if err != nil && !isRangeError(err) {
			return 0, invalidArgument(fn, "could not convert %q to a number", v.text)
		}
		return f, nil
	case KindRaw:
		switch n := v.raw.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case json.Number:
			if f, err := n.Float64(); err == nil {
				return f, nil
			}
		}
	}
	return 0, invalidArgument(fn, "expected a number, got %s", v.kind)
}

func toNumbers(fn string, args []Value) ([]float64, error) {
	out := make([]float64, len(args))
	for i, a := range args {
		f, err := toNumber(fn, a)
		if err != nil {
			return nil, err
		}
		out[i] = f
	}
	return out, nil
}

// toInt truncates toward zero, like an int cast of a float.
func toInt(fn string, v Value) (int, error) {
	f, err := toNumber(fn, v)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalidArgument(fn, "expected a finite integer, got %v", f)
	}
	// Clamp before converting; out-of-range float to int is undefined.
	return int(math.Max(-math.MaxInt32, math.Min(math.MaxInt32, math.Trunc(f)))), nil
}

// ToBool is the truthiness rule shared by if/and/or/not:
//   - booleans pass through
//   - strings are false iff, trimmed and case-folded, they are "", "false", "0" or "no"
//   - numbers are false iff zero
//   - null is false
//   - anything else is true
func ToBool(v Value) bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindText:
		switch strings.ToLower(strings.TrimSpace(v.text)) {
		case "", "false", "0", "no":
			return false
		}
		return true
	case KindNumber:
		return v.num != 0
	case KindNull:
		return false
	default:
		return true
	}
}

// toDate accepts a date value or an ISO-8601 string.
func toDate(fn string, v Value) (time.Time, error) {
	switch v.kind {
	case KindDate:
		return v.date, nil
	case KindText:
		t, err := ParseISODate(v.text)
		if err != nil {
			return time.Time{}, invalidArgument(fn, "invalid date %q", v.text)
		}
		return t, nil
	}
	return time.Time{}, invalidArgument(fn, "expected a date, got %s", v.kind)
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseISODate parses ISO-8601 date and datetime strings. A trailing Z
// means UTC; strings without an offset are read as UTC.
func ParseISODate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	var lastErr error
	for _, layout := range isoLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
