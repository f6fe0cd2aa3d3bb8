/*
parser.go - Formula grammar and recursive-descent parser

GRAMMAR:
  formula        := function_call | literal
  function_call  := name "(" [ argument ("," argument)* ] ")"
  literal        := number | quoted_string | "true" | "false" | bareword

RULES:
  - Function names are letters and underscores, lower-cased on parse,
    so ADD(1,2) and add(1,2) are the same call.
  - Numbers are anything strconv.ParseFloat accepts (including 1e3, inf).
  - Strings are wrapped in matching ' or " quotes. No escape sequences.
  - true/false are matched case-insensitively.
  - Anything else is a bareword and becomes a string literal, so
    prop(Revenue) reads the same as prop('Revenue').
  - Arguments split on commas outside parentheses and quotes.

ERRORS:
  Unbalanced parentheses, unterminated quotes inside an argument list,
  and nesting deeper than MaxNestingDepth are reported as
  InvalidFormulaError carrying the full formula text.

SEE ALSO:
  - cache.go: Parsed ASTs are cached by formula text
  - evaluator.go: Walks the AST produced here
*/
package formula

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MaxNestingDepth bounds function-call nesting so pathological input fails
// as an ordinary invalid formula instead of exhausting the stack.
const MaxNestingDepth = 64

var functionCallPattern = regexp.MustCompile(`(?is)^([a-z_]+)\((.*)\)$`)

// =============================================================================
// AST
// =============================================================================

// Node is a parsed formula: *Literal or *FunctionCall.
type Node interface {
	// String renders the node back into formula syntax.
	String() string
	isNode()
}

type LiteralType string

const (
	LiteralNumber  LiteralType = "number"
	LiteralString  LiteralType = "string"
	LiteralBoolean LiteralType = "boolean"
)

type Literal struct {
	Value Value
	Type  LiteralType
}

func (*Literal) isNode() {}

func (l *Literal) String() string {
	if l.Type != LiteralString {
		return l.Value.String()
	}
	s := l.Value.Str()
	if strings.Contains(s, "'") {
		return `"` + s + `"`
	}
	return "'" + s + "'"
}

type FunctionCall struct {
	Name      string
	Arguments []Node
}

func (*FunctionCall) isNode() {}

func (f *FunctionCall) String() string {
	args := make([]string, len(f.Arguments))
	for i, a := range f.Arguments {
		args[i] = a.String()
	}
	return f.Name + "(" + strings.Join(args, ", ") + ")"
}

// Walk visits node and its descendants depth-first. Returning false from
// fn skips the children of the current node.
func Walk(node Node, fn func(Node) bool) {
	if node == nil || !fn(node) {
		return
	}
	if call, ok := node.(*FunctionCall); ok {
		for _, arg := range call.Arguments {
			Walk(arg, fn)
		}
	}
}

// =============================================================================
// PARSING
// =============================================================================

// Parse turns formula text into an AST. It performs no I/O.
func Parse(formula string) (Node, error) {
	node, err := parse(formula, 0)
	if err != nil {
		return nil, &InvalidFormulaError{Formula: formula, Reason: err.Error()}
	}
	return node, nil
}

func parse(text string, depth int) (Node, error) {
	if depth > MaxNestingDepth {
		return nil, fmt.Errorf("nesting deeper than %d levels", MaxNestingDepth)
	}
	text = strings.TrimSpace(text)

	m := functionCallPattern.FindStringSubmatch(text)
	if m == nil {
		return parseLiteral(text), nil
	}

	rawArgs, err := splitArguments(m[2])
	if err != nil {
		return nil, err
	}
	call := &FunctionCall{
		Name:      strings.ToLower(m[1]),
		Arguments: make([]Node, 0, len(rawArgs)),
	}
	for _, raw := range rawArgs {
		arg, err := parse(raw, depth+1)
		if err != nil {
			return nil, err
		}
		call.Arguments = append(call.Arguments, arg)
	}
	return call, nil
}

func parseLiteral(text string) *Literal {
	if f, err := strconv.ParseFloat(text, 64); err == nil || isRangeError(err) {
		return &Literal{Value: Number(f), Type: LiteralNumber}
	}
	if len(text) >= 2 && (text[0] == '\'' || text[0] == '"') && text[len(text)-1] == text[0] {
		return &Literal{Value: Text(text[1 : len(text)-1]), Type: LiteralString}
	}
	if strings.EqualFold(text, "true") {
		return &Literal{Value: Bool(true), Type: LiteralBoolean}
	}
	if strings.EqualFold(text, "false") {
		return &Literal{Value: Bool(false), Type: LiteralBoolean}
	}
	return &Literal{Value: Text(text), Type: LiteralString}
}

// 1e400 overflows to ±Inf, which is still a number.
func isRangeError(err error) bool {
	var numErr *strconv.NumError
	return errors.As(err, &numErr) && errors.Is(numErr.Err, strconv.ErrRange)
}

// splitArguments splits on top-level commas. A comma nested in parentheses
// or inside a quoted string is not a separator.
func splitArguments(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}

	var (
		args  []string
		depth int
		quote rune
		start int
	)
	for i, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == '(':
			depth++
		case r == ')':
			depth--
			if depth < 0 {
				return nil, errors.New("unbalanced parentheses")
			}
		case r == ',' && depth == 0:
			args = append(args, s[start:i])
			start = i + 1
		}
	}
	if quote != 0 {
		return nil, errors.New("unterminated string literal")
	}
	if depth != 0 {
		return nil, errors.New("unbalanced parentheses")
	}
	return append(args, s[start:]), nil
}

// =============================================================================
// STATIC INSPECTION
// =============================================================================

// IsVolatile reports whether expr reads the clock, meaning its value can
// change without any input changing. Unparseable formulas are not volatile.
func IsVolatile(expr string) bool {
	node, err := Parse(expr)
	if err != nil {
		return false
	}
	volatile := false
	Walk(node, func(n Node) bool {
		if call, ok := n.(*FunctionCall); ok && call.Name == "now" {
			volatile = true
		}
		return !volatile
	})
	return volatile
}
