package formula

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var testNow = time.Date(2025, time.March, 15, 10, 30, 0, 0, time.UTC)

func call(t *testing.T, name string, args ...Value) (Value, error) {
	t.Helper()
	fn, ok := NewRegistry(fixedClock{testNow}).Lookup(name)
	require.True(t, ok, "function %s not registered", name)
	return fn(args)
}

func mustCall(t *testing.T, name string, args ...Value) Value {
	t.Helper()
	v, err := call(t, name, args...)
	require.NoError(t, err)
	return v
}

func TestRegistry_Names(t *testing.T) {
	names := DefaultRegistry.Names()
	assert.Len(t, names, 33)
	assert.Contains(t, names, "date_subtract")
	assert.NotContains(t, names, "prop")
	assert.IsIncreasing(t, names)
}

// =============================================================================
// MATH
// =============================================================================

func TestMath(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		args []Value
		want float64
	}{
		{"add", "add", []Value{Number(2), Number(3)}, 5},
		{"add coerces text", "add", []Value{Text(" 2 "), Number(3)}, 5},
		{"add coerces bool", "add", []Value{Bool(true), Number(3)}, 4},
		{"subtract", "subtract", []Value{Number(2), Number(3)}, -1},
		{"multiply", "multiply", []Value{Number(2.5), Number(4)}, 10},
		{"divide", "divide", []Value{Number(10), Number(2)}, 5},
		{"pow", "pow", []Value{Number(2), Number(10)}, 1024},
		{"sqrt", "sqrt", []Value{Number(16)}, 4},
		{"abs", "abs", []Value{Number(-3)}, 3},
		{"ceil", "ceil", []Value{Number(1.2)}, 2},
		{"floor", "floor", []Value{Number(-1.2)}, -2},
		{"round half to even", "round", []Value{Number(2.5)}, 2},
		{"round odd half up", "round", []Value{Number(3.5)}, 4},
		{"round places", "round", []Value{Number(1.25), Number(1)}, 1.2},
		{"round negative places", "round", []Value{Number(1234), Number(-2)}, 1200},
		{"round exact binary value", "round", []Value{Number(2.675), Number(2)}, 2.67},
		{"round places beyond float precision", "round", []Value{Number(1.5), Number(1e9)}, 1.5},
		{"round places past int32", "round", []Value{Number(0.1), Number(3e10)}, 0.1},
		{"round places far below zero", "round", []Value{Number(12345), Number(-1e9)}, 0},
		{"min", "min", []Value{Number(3), Number(-1), Number(2)}, -1},
		{"max", "max", []Value{Number(3), Number(-1), Number(2)}, 3},
		{"sum", "sum", []Value{Number(1), Number(2), Number(3)}, 6},
		{"sum of nothing", "sum", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustCall(t, tt.fn, tt.args...)
			assert.Equal(t, KindNumber, got.Kind())
			assert.InDelta(t, tt.want, got.Num(), 1e-9)
		})
	}
}

func TestRound_Bounds(t *testing.T) {
	// Huge place counts return at once instead of rescaling by 10^places
	assert.Equal(t, Number(1.5), mustCall(t, "round", Number(1.5), Number(2e7)))
	assert.Equal(t, Number(1e-300), mustCall(t, "round", Number(1e-300), Number(400)))
	assert.Equal(t, Number(0), mustCall(t, "round", Number(1e-300), Number(20)))

	neg := mustCall(t, "round", Number(-7), Number(-400))
	assert.Equal(t, 0.0, neg.Num())
	assert.True(t, math.Signbit(neg.Num()))

	assert.Equal(t, Number(2.67), mustCall(t, "round", Number(2.675), Number(2)))
	assert.Equal(t, Number(0.12), mustCall(t, "round", Number(0.125), Number(2)))
}

func TestMath_Errors(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		args []Value
		kind error
	}{
		{"divide by zero", "divide", []Value{Number(1), Number(0)}, ErrDivisionByZero},
		{"zero to negative power", "pow", []Value{Number(0), Number(-1)}, ErrDivisionByZero},
		{"sqrt negative", "sqrt", []Value{Number(-1)}, ErrInvalidArgument},
		{"non numeric text", "add", []Value{Text("abc"), Number(1)}, ErrInvalidArgument},
		{"null operand", "multiply", []Value{Null(), Number(1)}, ErrInvalidArgument},
		{"min of nothing", "min", nil, ErrInvalidArgument},
		{"max of nothing", "max", nil, ErrInvalidArgument},
		{"add arity", "add", []Value{Number(1)}, ErrInvalidArgument},
		{"round arity", "round", []Value{Number(1), Number(2), Number(3)}, ErrInvalidArgument},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(t, tt.fn, tt.args...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.kind), "got %v", err)
			assert.True(t, errors.Is(err, ErrEvaluation))
		})
	}
}

// =============================================================================
// STRING
// =============================================================================

func TestString(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		args []Value
		want Value
	}{
		{"concat", "concat", []Value{Text("a"), Text("b"), Text("c")}, Text("abc")},
		{"concat mixed", "concat", []Value{Text("n="), Number(10), Text(" "), Bool(true), Null()}, Text("n=10 true")},
		{"concat nothing", "concat", nil, Text("")},
		{"length", "length", []Value{Text("héllo")}, Number(5)},
		{"length of number", "length", []Value{Number(2.5)}, Number(3)},
		{"upper", "upper", []Value{Text("abc")}, Text("ABC")},
		{"lower", "lower", []Value{Text("ABC")}, Text("abc")},
		{"replace", "replace", []Value{Text("a-b-c"), Text("-"), Text("+")}, Text("a+b+c")},
		{"substring", "substring", []Value{Text("hello"), Number(1), Number(3)}, Text("ell")},
		{"substring to end", "substring", []Value{Text("hello"), Number(2)}, Text("llo")},
		{"substring negative start", "substring", []Value{Text("hello"), Number(-3)}, Text("llo")},
		{"substring past end", "substring", []Value{Text("hello"), Number(3), Number(10)}, Text("lo")},
		{"substring start past end", "substring", []Value{Text("hello"), Number(10)}, Text("")},
		{"substring negative length", "substring", []Value{Text("hello"), Number(2), Number(-1)}, Text("")},
		{"substring very negative", "substring", []Value{Text("hello"), Number(-10), Number(2)}, Text("")},
		{"substring huge start", "substring", []Value{Text("hello"), Number(1e300)}, Text("")},
		{"substring huge negative start", "substring", []Value{Text("hello"), Number(-1e300)}, Text("hello")},
		{"substring huge length", "substring", []Value{Text("hello"), Number(1), Number(1e300)}, Text("ello")},
		{"contains", "contains", []Value{Text("hello"), Text("ell")}, Bool(true)},
		{"contains missing", "contains", []Value{Text("hello"), Text("xyz")}, Bool(false)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mustCall(t, tt.fn, tt.args...))
		})
	}
}

// =============================================================================
// LOGICAL
// =============================================================================

func TestToBool(t *testing.T) {
	tests := []struct {
		in   Value
		want bool
	}{
		{Bool(true), true},
		{Bool(false), false},
		{Text("no"), false},
		{Text("0"), false},
		{Text(" FALSE "), false},
		{Text(""), false},
		{Text("anything"), true},
		{Text("yes"), true},
		{Number(0), false},
		{Number(-0.5), true},
		{Null(), false},
		{Date(testNow), true},
		{Raw([]any{}), true},
	}

	for _, tt := range tests {
		t.Run(tt.in.Kind().String()+":"+tt.in.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ToBool(tt.in))
		})
	}
}

func TestLogical(t *testing.T) {
	assert.Equal(t, Text("yes"), mustCall(t, "if", Text("1"), Text("yes"), Text("no")))
	assert.Equal(t, Number(2), mustCall(t, "if", Text("no"), Number(1), Number(2)))

	assert.Equal(t, Bool(true), mustCall(t, "and", Bool(true), Number(1), Text("x")))
	assert.Equal(t, Bool(false), mustCall(t, "and", Bool(true), Number(0)))
	assert.Equal(t, Bool(true), mustCall(t, "and"))

	assert.Equal(t, Bool(true), mustCall(t, "or", Bool(false), Text("x")))
	assert.Equal(t, Bool(false), mustCall(t, "or", Null(), Text("false")))
	assert.Equal(t, Bool(false), mustCall(t, "or"))

	assert.Equal(t, Bool(true), mustCall(t, "not", Text("no")))

	assert.Equal(t, Bool(true), mustCall(t, "empty", Null()))
	assert.Equal(t, Bool(true), mustCall(t, "empty", Text("")))
	assert.Equal(t, Bool(true), mustCall(t, "empty", Raw([]any{})))
	assert.Equal(t, Bool(false), mustCall(t, "empty", Text(" ")))
	assert.Equal(t, Bool(false), mustCall(t, "empty", Number(0)))
	assert.Equal(t, Bool(false), mustCall(t, "empty", Bool(false)))

	_, err := call(t, "if", Bool(true), Number(1))
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

// =============================================================================
// DATE
// =============================================================================

func TestNow_UsesClock(t *testing.T) {
	assert.Equal(t, Date(testNow), mustCall(t, "now"))
}

func TestDateAddSubtract(t *testing.T) {
	start := Text("2025-01-31")
	tests := []struct {
		name string
		fn   string
		args []Value
		want time.Time
	}{
		{"default unit is days", "date_add", []Value{start, Number(1)}, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)},
		{"hours", "date_add", []Value{start, Number(36), Text("hours")}, time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)},
		{"minutes", "date_add", []Value{start, Number(90), Text("minutes")}, time.Date(2025, 1, 31, 1, 30, 0, 0, time.UTC)},
		{"weeks", "date_add", []Value{start, Number(2), Text("weeks")}, time.Date(2025, 2, 14, 0, 0, 0, 0, time.UTC)},
		{"months are 30 days", "date_add", []Value{start, Number(1), Text("months")}, time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)},
		{"years are 365 days", "date_add", []Value{Text("2024-01-01"), Number(1), Text("years")}, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)},
		{"subtract", "date_subtract", []Value{start, Number(31)}, time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)},
		{"fractional days", "date_add", []Value{start, Number(0.5)}, time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)},
		{"date value input", "date_add", []Value{Date(testNow), Number(1)}, testNow.Add(24 * time.Hour)},
		{"300 years", "date_add", []Value{Text("2024-01-01"), Number(300), Text("years")}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 300*365)},
		{"500 years", "date_add", []Value{Text("2024-01-01"), Number(500), Text("years")}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 500*365)},
		{"500 years back", "date_subtract", []Value{Text("2524-01-01"), Number(500), Text("years")}, time.Date(2524, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -500*365)},
		{"fractional beyond duration range", "date_add", []Value{Text("2024-01-01"), Number(120000.5)}, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC).AddDate(0, 0, 120000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mustCall(t, tt.fn, tt.args...)
			require.Equal(t, KindDate, got.Kind())
			assert.True(t, tt.want.Equal(got.Time()), "want %s, got %s", tt.want, got.Time())
		})
	}
}

func TestDateDiff(t *testing.T) {
	assert.Equal(t, Number(9), mustCall(t, "date_diff", Text("2025-01-10"), Text("2025-01-01")))
	assert.Equal(t, Number(-9), mustCall(t, "date_diff", Text("2025-01-01"), Text("2025-01-10")))
	assert.Equal(t, Number(1), mustCall(t, "date_diff", Text("2025-01-10"), Text("2025-01-01"), Text("weeks")))
	assert.Equal(t, Number(36), mustCall(t, "date_diff", Text("2025-01-02T12:00:00Z"), Text("2025-01-01"), Text("hours")))

	// Spans past the ~292 years a time.Duration can hold
	assert.Equal(t, Number(300), mustCall(t, "date_diff", Text("2324-01-01"), Text("2024-01-01"), Text("years")))
	assert.Equal(t, Number(500), mustCall(t, "date_diff", Text("2524-01-01"), Text("2024-01-01"), Text("years")))
	assert.Equal(t, Number(-500), mustCall(t, "date_diff", Text("2024-01-01"), Text("2524-01-01"), Text("years")))
	assert.Equal(t, Number(182621), mustCall(t, "date_diff", Text("2524-01-01"), Text("2024-01-01")))
}

func TestFormatDate(t *testing.T) {
	assert.Equal(t, Text("2025-03-15"), mustCall(t, "format_date", Date(testNow)))
	assert.Equal(t, Text("15/03/2025 10:30"), mustCall(t, "format_date", Date(testNow), Text("%d/%m/%Y %H:%M")))
}

func TestDateParts(t *testing.T) {
	assert.Equal(t, Number(2025), mustCall(t, "year", Text("2025-03-15T23:00:00Z")))
	assert.Equal(t, Number(3), mustCall(t, "month", Date(testNow)))
	assert.Equal(t, Number(15), mustCall(t, "day", Date(testNow)))
}

func TestDate_Errors(t *testing.T) {
	tests := []struct {
		name string
		fn   string
		args []Value
	}{
		{"unknown unit", "date_add", []Value{Text("2025-01-01"), Number(1), Text("fortnights")}},
		{"bad date text", "date_add", []Value{Text("next tuesday"), Number(1)}},
		{"number as date", "year", []Value{Number(2025)}},
		{"null date", "date_diff", []Value{Null(), Text("2025-01-01")}},
		{"shift past year 9999", "date_add", []Value{Text("2024-01-01"), Number(8000), Text("years")}},
		{"shift before year 1", "date_subtract", []Value{Text("2024-01-01"), Number(2100), Text("years")}},
		{"huge amount", "date_add", []Value{Text("2024-01-01"), Number(1e300)}},
		{"now takes no args", "now", []Value{Number(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := call(t, tt.fn, tt.args...)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidArgument), "got %v", err)
		})
	}
}

func TestParseISODate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2025-03-01", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"2025-03-01T09:15:00Z", time.Date(2025, 3, 1, 9, 15, 0, 0, time.UTC)},
		{"2025-03-01T09:15:00+02:00", time.Date(2025, 3, 1, 7, 15, 0, 0, time.UTC)},
		{"2025-03-01T09:15:00", time.Date(2025, 3, 1, 9, 15, 0, 0, time.UTC)},
		{"2025-03-01T09:15", time.Date(2025, 3, 1, 9, 15, 0, 0, time.UTC)},
		{"2025-03-01 09:15:30", time.Date(2025, 3, 1, 9, 15, 30, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseISODate(tt.in)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
		})
	}

	_, err := ParseISODate("03/01/2025")
	assert.Error(t, err)
}
