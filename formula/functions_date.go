/*
functions_date.go - Date functions of the registry

PURPOSE:
  now, date_add, date_subtract, date_diff, format_date and the year/month/day
  accessors. Dates are instants; text arguments go through ParseISODate.

UNITS:
  minutes, hours, days, weeks, months (30 days), years (365 days).
  Shifts are applied as whole calendar days plus a remainder, so amounts
  are not limited by time.Duration. Results must land in years 1..9999.

SEE ALSO:
  - functions.go: Registry and the other categories
  - coerce.go: toDate and ParseISODate
*/
package formula

import (
	"math"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"
)

// DefaultDateFormat is the strftime pattern format_date uses when none is given.
const DefaultDateFormat = "%Y-%m-%d"

// Months and years are fixed-length approximations.
var dateUnits = map[string]time.Duration{
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
	"weeks":   7 * 24 * time.Hour,
	"months":  30 * 24 * time.Hour,
	"years":   365 * 24 * time.Hour,
}

const (
	secondsPerDay = 24 * 60 * 60

	// Shifted dates must stay within calendar years 1 to 9999.
	minYear         = 1
	maxYear         = 9999
	maxShiftSeconds = (maxYear - minYear + 1) * 366 * secondsPerDay
)

func dateUnit(fn string, args []Value, idx int) (time.Duration, error) {
	if len(args) <= idx {
		return dateUnits["days"], nil
	}
	name := strings.ToLower(strings.TrimSpace(args[idx].String()))
	d, ok := dateUnits[name]
	if !ok {
		return 0, invalidArgument(fn, "unknown unit %q", name)
	}
	return d, nil
}

func (r *Registry) now(args []Value) (Value, error) {
	if err := arity("now", args, 0, 0); err != nil {
		return Null(), err
	}
	return Date(r.clock.Now()), nil
}

// date_add(date, amount, unit="days")
func dateAdd(args []Value) (Value, error) {
	return shiftDate("date_add", args, 1)
}

// date_subtract(date, amount, unit="days") is date_add with a negated amount.
func dateSubtract(args []Value) (Value, error) {
	return shiftDate("date_subtract", args, -1)
}

func shiftDate(fn string, args []Value, sign float64) (Value, error) {
	if err := arity(fn, args, 2, 3); err != nil {
		return Null(), err
	}
	t, err := toDate(fn, args[0])
	if err != nil {
		return Null(), err
	}
	amount, err := toNumber(fn, args[1])
	if err != nil {
		return Null(), err
	}
	unit, err := dateUnit(fn, args, 2)
	if err != nil {
		return Null(), err
	}
	secs := sign * amount * unit.Seconds()
	if math.IsNaN(secs) || math.Abs(secs) > maxShiftSeconds {
		return Null(), invalidArgument(fn, "amount %v is out of range", amount)
	}
	days := math.Trunc(secs / secondsPerDay)
	rem := time.Duration(math.Round((secs - days*secondsPerDay) * float64(time.Second)))
	out := t.AddDate(0, 0, int(days)).Add(rem)
	if out.Year() < minYear || out.Year() > maxYear {
		return Null(), invalidArgument(fn, "result %d is outside years %d..%d", out.Year(), minYear, maxYear)
	}
	return Date(out), nil
}

// date_diff(d1, d2, unit="days") is d1 - d2 in whole units, truncated
// toward zero.
func dateDiff(args []Value) (Value, error) {
	if err := arity("date_diff", args, 2, 3); err != nil {
		return Null(), err
	}
	d1, err := toDate("date_diff", args[0])
	if err != nil {
		return Null(), err
	}
	d2, err := toDate("date_diff", args[1])
	if err != nil {
		return Null(), err
	}
	unit, err := dateUnit("date_diff", args, 2)
	if err != nil {
		return Null(), err
	}
	// Sub saturates at about 292 years, so work in seconds.
	secs := float64(d1.Unix()-d2.Unix()) + float64(d1.Nanosecond()-d2.Nanosecond())/float64(time.Second)
	return Number(math.Trunc(secs / unit.Seconds())), nil
}

// format_date(date, fmt="%Y-%m-%d") renders with strftime directives.
func formatDate(args []Value) (Value, error) {
	if err := arity("format_date", args, 1, 2); err != nil {
		return Null(), err
	}
	t, err := toDate("format_date", args[0])
	if err != nil {
		return Null(), err
	}
	pattern := DefaultDateFormat
	if len(args) == 2 {
		pattern = args[1].String()
	}
	out, err := strftime.Format(pattern, t)
	if err != nil {
		return Null(), invalidArgument("format_date", "bad format %q: %v", pattern, err)
	}
	return Text(out), nil
}

func datePart(fn string, part func(time.Time) int) Function {
	return func(args []Value) (Value, error) {
		if err := arity(fn, args, 1, 1); err != nil {
			return Null(), err
		}
		t, err := toDate(fn, args[0])
		if err != nil {
			return Null(), err
		}
		return Number(float64(part(t))), nil
	}
}
