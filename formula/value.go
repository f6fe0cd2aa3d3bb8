/*
value.go - Runtime values and stored property values

PURPOSE:
  Value is the sum type every function receives and returns: null, number,
  text, bool, date, or a raw payload passed through from storage.
  UnwrapPropertyValue turns a stored {"type": payload} map into a Value.

SEE ALSO:
  - types.go: PropertyValue and the formula result envelope
  - coerce.go: Conversions used by functions
*/
package formula

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// VALUE - Runtime sum type flowing through the interpreter
// =============================================================================

type Kind uint8

const (
	KindNull Kind = iota
	KindNumber
	KindText
	KindBool
	KindDate
	KindRaw // unrecognized stored shape, passed through untouched
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindBool:
		return "boolean"
	case KindDate:
		return "date"
	default:
		return "raw"
	}
}

// Value is the only type registry functions see. The zero Value is Null.
type Value struct {
	kind Kind
	num  float64
	text string
	b    bool
	date time.Time
	raw  any
}

func Null() Value               { return Value{} }
func Number(f float64) Value    { return Value{kind: KindNumber, num: f} }
func Text(s string) Value       { return Value{kind: KindText, text: s} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Date(t time.Time) Value    { return Value{kind: KindDate, date: t} }
func Raw(v any) Value           { return Value{kind: KindRaw, raw: v} }
func (v Value) Kind() Kind      { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }
func (v Value) Num() float64    { return v.num }
func (v Value) Str() string     { return v.text }
func (v Value) Boolean() bool   { return v.b }
func (v Value) Time() time.Time { return v.date }
func (v Value) RawValue() any   { return v.raw }

// Native converts v to a JSON-friendly Go value for storage.
func (v Value) Native() any {
	switch v.kind {
	case KindNumber:
		return v.num
	case KindText:
		return v.text
	case KindBool:
		return v.b
	case KindDate:
		return v.date.Format(time.RFC3339)
	case KindRaw:
		return v.raw
	default:
		return nil
	}
}

// String renders v the way text functions see it: numbers in shortest form,
// booleans lowercase, null as the empty string, dates as RFC 3339.
func (v Value) String() string {
	switch v.kind {
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case KindText:
		return v.text
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindDate:
		return v.date.Format(time.RFC3339)
	case KindRaw:
		if data, err := json.Marshal(v.raw); err == nil {
			return string(data)
		}
		return fmt.Sprint(v.raw)
	default:
		return ""
	}
}

// MarshalJSON lets results be embedded directly in API responses.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// =============================================================================
// UNWRAPPING STORED VALUES
// =============================================================================

// UnwrapPropertyValue converts a stored tagged value into the scalar a
// formula sees: number -> Number, text -> Text, checkbox -> Bool,
// date.start -> Date (end ignored), select -> option name or Null.
// Any other shape is passed through as Raw.
func UnwrapPropertyValue(pv PropertyValue) Value {
	if pv == nil {
		return Null()
	}
	if raw, ok := pv["number"]; ok {
		return unwrapNumber(raw, pv)
	}
	if raw, ok := pv["text"]; ok {
		if raw == nil {
			return Null()
		}
		if s, ok := raw.(string); ok {
			return Text(s)
		}
		return Text(fmt.Sprint(raw))
	}
	if raw, ok := pv["checkbox"]; ok {
		b, _ := raw.(bool)
		return Bool(b)
	}
	if raw, ok := pv["date"]; ok {
		d, ok := raw.(map[string]any)
		if !ok {
			return Raw(map[string]any(pv))
		}
		start, _ := d["start"].(string)
		if start == "" {
			return Null()
		}
		t, err := ParseISODate(start)
		if err != nil {
			return Text(start)
		}
		return Date(t)
	}
	if raw, ok := pv["select"]; ok {
		opt, ok := raw.(map[string]any)
		if !ok {
			return Null()
		}
		name, ok := opt["name"].(string)
		if !ok {
			return Null()
		}
		return Text(name)
	}
	return Raw(map[string]any(pv))
}

func unwrapNumber(raw any, pv PropertyValue) Value {
	switch n := raw.(type) {
	case nil:
		return Null()
	case float64:
		return Number(n)
	case float32:
		return Number(float64(n))
	case int:
		return Number(float64(n))
	case int64:
		return Number(float64(n))
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return Number(f)
		}
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return Number(f)
		}
	}
	return Raw(map[string]any(pv))
}
