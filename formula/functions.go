/*
functions.go - Built-in function registry

PURPOSE:
  A fixed table of pure functions, name -> func([]Value) (Value, error).
  Built once per Registry; nothing mutates it afterwards. prop() is NOT in
  the table: it needs entry access, so the Evaluator handles it.

CATEGORIES:
  Math:    add subtract multiply divide pow sqrt abs round ceil floor min max sum
  String:  concat length upper lower replace substring contains
  Logical: if and or not empty
  Date:    now date_add date_subtract date_diff format_date year month day
           (functions_date.go)

ARGUMENTS:
  Arguments are already evaluated (eager). Numbers are read with a float
  cast, strings with Value.String, truthiness with ToBool. Arity is checked
  per function and a mismatch is an invalid argument, never a silent null.

SEE ALSO:
  - coerce.go: toNumber / ToBool / toDate
  - evaluator.go: Dispatch into the registry
*/
package formula

import (
	"math"
	"math/big"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Function is a built-in implementation. It must be pure apart from the
// registry clock.
type Function func(args []Value) (Value, error)

// Clock supplies the current time to now().
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Registry is the immutable function table.
type Registry struct {
	clock     Clock
	functions map[string]Function
}

// NewRegistry builds the table. A nil clock means SystemClock.
func NewRegistry(clock Clock) *Registry {
	if clock == nil {
		clock = SystemClock{}
	}
	r := &Registry{clock: clock}
	r.functions = map[string]Function{
		// Math
		"add":      binaryMath("add", func(a, b float64) (float64, error) { return a + b, nil }),
		"subtract": binaryMath("subtract", func(a, b float64) (float64, error) { return a - b, nil }),
		"multiply": binaryMath("multiply", func(a, b float64) (float64, error) { return a * b, nil }),
		"divide":   binaryMath("divide", divide),
		"pow":      binaryMath("pow", power),
		"sqrt":     unaryMath("sqrt", squareRoot),
		"abs":      unaryMath("abs", func(x float64) (float64, error) { return math.Abs(x), nil }),
		"ceil":     unaryMath("ceil", func(x float64) (float64, error) { return math.Ceil(x), nil }),
		"floor":    unaryMath("floor", func(x float64) (float64, error) { return math.Floor(x), nil }),
		"round":    round,
		"min":      extremum("min", func(a, b float64) bool { return a < b }),
		"max":      extremum("max", func(a, b float64) bool { return a > b }),
		"sum":      sum,

		// String
		"concat":    concat,
		"length":    length,
		"upper":     unaryText("upper", strings.ToUpper),
		"lower":     unaryText("lower", strings.ToLower),
		"replace":   replace,
		"substring": substring,
		"contains":  contains,

		// Logical
		"if":    ifThenElse,
		"and":   and,
		"or":    or,
		"not":   not,
		"empty": empty,

		// Date
		"now":           r.now,
		"date_add":      dateAdd,
		"date_subtract": dateSubtract,
		"date_diff":     dateDiff,
		"format_date":   formatDate,
		"year":          datePart("year", func(t time.Time) int { return t.Year() }),
		"month":         datePart("month", func(t time.Time) int { return int(t.Month()) }),
		"day":           datePart("day", func(t time.Time) int { return t.Day() }),
	}
	return r
}

// DefaultRegistry uses the system clock.
var DefaultRegistry = NewRegistry(nil)

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Function, bool) {
	fn, ok := r.functions[name]
	return fn, ok
}

// Names returns all registered names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func arity(fn string, args []Value, minArgs, maxArgs int) error {
	n := len(args)
	switch {
	case minArgs == maxArgs && n != minArgs:
		return invalidArgument(fn, "expected %d arguments, got %d", minArgs, n)
	case n < minArgs:
		return invalidArgument(fn, "expected at least %d arguments, got %d", minArgs, n)
	case maxArgs >= 0 && n > maxArgs:
		return invalidArgument(fn, "expected at most %d arguments, got %d", maxArgs, n)
	}
	return nil
}

// =============================================================================
// MATH
// =============================================================================

func unaryMath(name string, op func(float64) (float64, error)) Function {
	return func(args []Value) (Value, error) {
		if err := arity(name, args, 1, 1); err != nil {
			return Null(), err
		}
		x, err := toNumber(name, args[0])
		if err != nil {
			return Null(), err
		}
		out, err := op(x)
		if err != nil {
			return Null(), err
		}
		return Number(out), nil
	}
}

func binaryMath(name string, op func(a, b float64) (float64, error)) Function {
	return func(args []Value) (Value, error) {
		if err := arity(name, args, 2, 2); err != nil {
			return Null(), err
		}
		nums, err := toNumbers(name, args)
		if err != nil {
			return Null(), err
		}
		out, err := op(nums[0], nums[1])
		if err != nil {
			return Null(), err
		}
		return Number(out), nil
	}
}

func divide(a, b float64) (float64, error) {
	if b == 0 {
		return 0, divisionByZero("divide")
	}
	return a / b, nil
}

func power(base, exp float64) (float64, error) {
	if base == 0 && exp < 0 {
		return 0, divisionByZero("pow")
	}
	out := math.Pow(base, exp)
	if math.IsNaN(out) && !math.IsNaN(base) && !math.IsNaN(exp) {
		return 0, invalidArgument("pow", "%v to the power %v is not a real number", base, exp)
	}
	return out, nil
}

func squareRoot(x float64) (float64, error) {
	if x < 0 {
		return 0, invalidArgument("sqrt", "cannot take the square root of negative number %v", x)
	}
	return math.Sqrt(x), nil
}

// Beyond these place counts rounding cannot change a float64.
const (
	maxRoundPlaces = 323
	minRoundPlaces = -308
)

// round uses banker's rounding on the exact binary value: round(2.5) is 2,
// round(1.25, 1) is 1.2, round(2.675, 2) is 2.67.
func round(args []Value) (Value, error) {
	if err := arity("round", args, 1, 2); err != nil {
		return Null(), err
	}
	x, err := toNumber("round", args[0])
	if err != nil {
		return Null(), err
	}
	places := 0
	if len(args) == 2 {
		if places, err = toInt("round", args[1]); err != nil {
			return Null(), err
		}
	}
	switch {
	case math.IsNaN(x) || math.IsInf(x, 0) || x == 0 || places > maxRoundPlaces:
		return Number(x), nil
	case places < minRoundPlaces:
		return Number(math.Copysign(0, x)), nil
	}
	out, _ := exactDecimal(x).RoundBank(int32(places)).Float64()
	return Number(out), nil
}

// exactDecimal expands a finite float64 to its exact decimal value,
// mant * 2^exp written as mant * 5^-exp * 10^exp.
func exactDecimal(x float64) decimal.Decimal {
	frac, exp := math.Frexp(x)
	mant := big.NewInt(int64(math.Ldexp(frac, 53)))
	exp -= 53
	if exp >= 0 {
		return decimal.NewFromBigInt(mant.Lsh(mant, uint(exp)), 0)
	}
	five := new(big.Int).Exp(big.NewInt(5), big.NewInt(int64(-exp)), nil)
	return decimal.NewFromBigInt(mant.Mul(mant, five), int32(exp))
}

func extremum(name string, better func(a, b float64) bool) Function {
	return func(args []Value) (Value, error) {
		if err := arity(name, args, 1, -1); err != nil {
			return Null(), err
		}
		nums, err := toNumbers(name, args)
		if err != nil {
			return Null(), err
		}
		best := nums[0]
		for _, n := range nums[1:] {
			if better(n, best) {
				best = n
			}
		}
		return Number(best), nil
	}
}

func sum(args []Value) (Value, error) {
	nums, err := toNumbers("sum", args)
	if err != nil {
		return Null(), err
	}
	total := 0.0
	for _, n := range nums {
		total += n
	}
	return Number(total), nil
}

// =============================================================================
// STRING
// =============================================================================

func unaryText(name string, op func(string) string) Function {
	return func(args []Value) (Value, error) {
		if err := arity(name, args, 1, 1); err != nil {
			return Null(), err
		}
		return Text(op(args[0].String())), nil
	}
}

func concat(args []Value) (Value, error) {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(a.String())
	}
	return Text(b.String()), nil
}

func length(args []Value) (Value, error) {
	if err := arity("length", args, 1, 1); err != nil {
		return Null(), err
	}
	return Number(float64(utf8.RuneCountInString(args[0].String()))), nil
}

func replace(args []Value) (Value, error) {
	if err := arity("replace", args, 3, 3); err != nil {
		return Null(), err
	}
	return Text(strings.ReplaceAll(args[0].String(), args[1].String(), args[2].String())), nil
}

// substring(s, start, length?) follows slice semantics: negative indices
// count from the end and out-of-range bounds clamp instead of failing.
func substring(args []Value) (Value, error) {
	if err := arity("substring", args, 2, 3); err != nil {
		return Null(), err
	}
	runes := []rune(args[0].String())
	start, err := toInt("substring", args[1])
	if err != nil {
		return Null(), err
	}
	end := len(runes)
	if len(args) == 3 {
		n, err := toInt("substring", args[2])
		if err != nil {
			return Null(), err
		}
		end = start + n
	}
	lo, hi := clampSliceIndex(start, len(runes)), clampSliceIndex(end, len(runes))
	if hi <= lo {
		return Text(""), nil
	}
	return Text(string(runes[lo:hi])), nil
}

func clampSliceIndex(i, n int) int {
	if i < 0 {
		i += n
		if i < 0 {
			return 0
		}
	}
	if i > n {
		return n
	}
	return i
}

func contains(args []Value) (Value, error) {
	if err := arity("contains", args, 2, 2); err != nil {
		return Null(), err
	}
	return Bool(strings.Contains(args[0].String(), args[1].String())), nil
}

// =============================================================================
// LOGICAL
// =============================================================================

func ifThenElse(args []Value) (Value, error) {
	if err := arity("if", args, 3, 3); err != nil {
		return Null(), err
	}
	if ToBool(args[0]) {
		return args[1], nil
	}
	return args[2], nil
}

func and(args []Value) (Value, error) {
	for _, a := range args {
		if !ToBool(a) {
			return Bool(false), nil
		}
	}
	return Bool(true), nil
}

func or(args []Value) (Value, error) {
	for _, a := range args {
		if ToBool(a) {
			return Bool(true), nil
		}
	}
	return Bool(false), nil
}

func not(args []Value) (Value, error) {
	if err := arity("not", args, 1, 1); err != nil {
		return Null(), err
	}
	return Bool(!ToBool(args[0])), nil
}

// empty is true for null, the empty string, and empty lists or maps.
func empty(args []Value) (Value, error) {
	if err := arity("empty", args, 1, 1); err != nil {
		return Null(), err
	}
	v := args[0]
	switch v.kind {
	case KindNull:
		return Bool(true), nil
	case KindText:
		return Bool(v.text == ""), nil
	case KindRaw:
		switch raw := v.raw.(type) {
		case nil:
			return Bool(true), nil
		case []any:
			return Bool(len(raw) == 0), nil
		case map[string]any:
			return Bool(len(raw) == 0), nil
		}
	}
	return Bool(false), nil
}
