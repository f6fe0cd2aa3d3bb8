/*
errors.go - Centralized error types for the formula engine

PURPOSE:
  All error types in one place. Callers branch with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Syntax errors     - InvalidFormulaError (parse failure, unknown function)
  2. Runtime errors    - EvaluationError, FunctionError (bad argument,
                         division by zero, unresolvable prop())
  3. Structural errors - CircularReferenceError (aborts recalculation)
  4. Schema errors     - PropertyInUseError, not-found sentinels

PROPAGATION:
  Evaluate catches categories 1 and 2 and returns them inside Result.Error.
  CircularReferenceError is the only evaluation failure returned as a Go
  error, so a batch recalculation stops instead of skipping one property.

SEE ALSO:
  - evaluator.go: Where the propagation policy is applied
  - api/handlers.go: HTTP status mapping via IsClientError / IsNotFound
*/
package formula

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidFormula is returned when an expression cannot be parsed or
	// calls a function the registry does not know.
	ErrInvalidFormula = errors.New("invalid formula")

	// ErrEvaluation is the base of every runtime evaluation failure.
	ErrEvaluation = errors.New("formula evaluation failed")

	// ErrCircularReference is returned when a property reaches itself
	// through prop() references.
	ErrCircularReference = errors.New("circular reference")

	ErrInvalidArgument = errors.New("invalid argument")
	ErrDivisionByZero  = errors.New("division by zero")

	ErrPropertyNotFound = errors.New("property not found")
	ErrEntryNotFound    = errors.New("entry not found")
	ErrDatabaseNotFound = errors.New("database not found")

	// ErrPropertyInUse is returned when deleting a property other
	// formulas or rollups still reference.
	ErrPropertyInUse = errors.New("property in use")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidFormulaError reports the offending formula text.
type InvalidFormulaError struct {
	Formula string
	Reason  string
}

func (e *InvalidFormulaError) Error() string {
	return fmt.Sprintf("invalid formula %q: %s", e.Formula, e.Reason)
}

func (e *InvalidFormulaError) Unwrap() error {
	return ErrInvalidFormula
}

// EvaluationError is a runtime failure outside a single function call,
// e.g. an unresolvable prop() or a failing referenced formula.
type EvaluationError struct {
	Message string
	Err     error // optional cause
}

func (e *EvaluationError) Error() string {
	return e.Message
}

func (e *EvaluationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrEvaluation}
	}
	return []error{ErrEvaluation, e.Err}
}

// FunctionError is raised by a registry function. Kind is ErrInvalidArgument
// or ErrDivisionByZero.
type FunctionError struct {
	Function string
	Message  string
	Kind     error
}

func (e *FunctionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Function, e.Message)
}

func (e *FunctionError) Unwrap() []error {
	return []error{e.Kind, ErrEvaluation}
}

func invalidArgument(fn, format string, args ...any) error {
	return &FunctionError{Function: fn, Message: fmt.Sprintf(format, args...), Kind: ErrInvalidArgument}
}

func divisionByZero(fn string) error {
	return &FunctionError{Function: fn, Message: "division by zero", Kind: ErrDivisionByZero}
}

// CircularReferenceError lists the property ids in evaluation order,
// ending with the id that closed the loop.
type CircularReferenceError struct {
	Chain []PropertyID
}

func (e *CircularReferenceError) Error() string {
	parts := make([]string, len(e.Chain))
	for i, id := range e.Chain {
		parts[i] = string(id)
	}
	return "circular reference detected: " + strings.Join(parts, " -> ")
}

func (e *CircularReferenceError) Unwrap() []error {
	return []error{ErrCircularReference, ErrEvaluation}
}

// PropertyInUseError lists the properties that still depend on PropertyID.
type PropertyInUseError struct {
	PropertyID PropertyID
	Dependents []PropertyID
}

func (e *PropertyInUseError) Error() string {
	return fmt.Sprintf("property %s is referenced by %d other properties: %v",
		e.PropertyID, len(e.Dependents), e.Dependents)
}

func (e *PropertyInUseError) Unwrap() error {
	return ErrPropertyInUse
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidFormula) ||
		errors.Is(err, ErrCircularReference) ||
		errors.Is(err, ErrPropertyInUse)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrPropertyNotFound) ||
		errors.Is(err, ErrEntryNotFound) ||
		errors.Is(err, ErrDatabaseNotFound)
}
