/*
evaluator.go - AST walk, prop() resolution, and cycle detection

ALGORITHM (Evaluate):
  1. propertyID already in chain -> CircularReferenceError (returned as error)
  2. lineage = copy of chain + propertyID
  3. Parse (cached)
  4. Literal -> its value
  5. prop(name) -> resolve against the entry via the DataProvider
  6. other call -> registry lookup (unknown name is InvalidFormula),
     evaluate arguments left to right, call
  7. any failure other than a cycle -> Result{Value: Null, Error: msg}

EVALUATION CHAIN:
  The chain holds the property ids currently being resolved on this call
  path. It is copied, never mutated, when descending into a prop(), so two
  sibling branches that reference the same property (a diamond) do not see
  each other. Only a path that climbs back to one of its own ancestors is a
  cycle.

REFERENCED FORMULAS:
  A prop() that names another formula property evaluates that formula live
  with the extended chain. Stored formula values are never read back.

SEE ALSO:
  - parser.go: Grammar
  - functions.go: Registry
  - recalc.go: Batch use of Evaluate
*/
package formula

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/warp/formula-engine/logger"
)

// =============================================================================
// EVALUATION CHAIN
// =============================================================================

// Chain is the ordered list of property ids in flight on one call path.
type Chain []PropertyID

func (c Chain) Contains(id PropertyID) bool {
	for _, p := range c {
		if p == id {
			return true
		}
	}
	return false
}

// With returns a new chain ending in id. c is left untouched.
func (c Chain) With(id PropertyID) Chain {
	out := make(Chain, len(c), len(c)+1)
	copy(out, c)
	return append(out, id)
}

// =============================================================================
// EVALUATOR
// =============================================================================

type Evaluator struct {
	Provider  DataProvider
	Functions *Registry
	Cache     *ParseCache
	Logger    zerolog.Logger
}

func NewEvaluator(provider DataProvider) *Evaluator {
	return &Evaluator{
		Provider:  provider,
		Functions: DefaultRegistry,
		Cache:     NewParseCache(DefaultParseCacheSize),
		Logger:    logger.GetFormulaLogger(),
	}
}

// Evaluate computes formula for one entry as the value of propertyID.
//
// The returned error is non-nil only for a CircularReferenceError or a
// cancelled context; every other failure is reported in Result.Error.
func (e *Evaluator) Evaluate(ctx context.Context, formula string, entryID EntryID, propertyID PropertyID, chain Chain) (Result, error) {
	if chain.Contains(propertyID) {
		return Result{}, &CircularReferenceError{Chain: chain.With(propertyID)}
	}
	lineage := chain.With(propertyID)

	value, err := e.evaluate(ctx, formula, entryID, lineage)
	if err != nil {
		var cycle *CircularReferenceError
		if errors.As(err, &cycle) {
			return Result{}, cycle
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		e.Logger.Debug().
			Str("entry_id", string(entryID)).
			Str("property_id", string(propertyID)).
			Str("formula", formula).
			Err(err).
			Msg("formula evaluation failed")
		return Result{Value: Null(), Error: err.Error()}, nil
	}
	return Result{Value: value}, nil
}

// EvaluateProperty evaluates the stored expression of a formula property.
func (e *Evaluator) EvaluateProperty(ctx context.Context, entryID EntryID, prop Property) (Result, error) {
	return e.Evaluate(ctx, prop.Config.Formula(), entryID, prop.ID, nil)
}

func (e *Evaluator) evaluate(ctx context.Context, formula string, entryID EntryID, lineage Chain) (Value, error) {
	node, err := e.Cache.Parse(formula)
	if err != nil {
		return Null(), err
	}
	return e.evalNode(ctx, node, entryID, lineage)
}

func (e *Evaluator) evalNode(ctx context.Context, node Node, entryID EntryID, lineage Chain) (Value, error) {
	switch n := node.(type) {
	case *Literal:
		return n.Value, nil

	case *FunctionCall:
		if n.Name == "prop" {
			return e.evalProp(ctx, n, entryID, lineage)
		}
		fn, ok := e.Functions.Lookup(n.Name)
		if !ok {
			return Null(), &InvalidFormulaError{Formula: n.String(), Reason: "Unknown function: " + n.Name}
		}
		args := make([]Value, len(n.Arguments))
		for i, arg := range n.Arguments {
			v, err := e.evalNode(ctx, arg, entryID, lineage)
			if err != nil {
				return Null(), err
			}
			args[i] = v
		}
		return fn(args)
	}
	return Null(), &EvaluationError{Message: fmt.Sprintf("unsupported node %T", node)}
}

func (e *Evaluator) evalProp(ctx context.Context, call *FunctionCall, entryID EntryID, lineage Chain) (Value, error) {
	if len(call.Arguments) != 1 {
		return Null(), invalidArgument("prop", "expected 1 argument, got %d", len(call.Arguments))
	}
	lit, ok := call.Arguments[0].(*Literal)
	if !ok {
		return Null(), &InvalidFormulaError{Formula: call.String(), Reason: "prop() takes a property name, not an expression"}
	}
	return e.resolvePropertyReference(ctx, entryID, lit.Value.String(), lineage)
}

// resolvePropertyReference finds the entry's property by name and returns
// its value. Names are unique within a database.
func (e *Evaluator) resolvePropertyReference(ctx context.Context, entryID EntryID, name string, lineage Chain) (Value, error) {
	if err := ctx.Err(); err != nil {
		return Null(), err
	}
	values, err := e.Provider.GetEntryValues(ctx, entryID)
	if err != nil {
		return Null(), &EvaluationError{Message: fmt.Sprintf("load entry %s: %v", entryID, err), Err: err}
	}

	for _, ev := range values {
		if ev.PropertyName != name {
			continue
		}
		if ev.PropertyType != PropertyTypeFormula {
			return UnwrapPropertyValue(ev.Value), nil
		}

		res, err := e.Evaluate(ctx, ev.PropertyConfig.Formula(), entryID, ev.PropertyID, lineage)
		if err != nil {
			return Null(), err
		}
		if !res.OK() {
			return Null(), &EvaluationError{Message: fmt.Sprintf("referenced formula %q failed: %s", name, res.Error)}
		}
		return res.Value, nil
	}

	return Null(), &EvaluationError{
		Message: fmt.Sprintf("property %q not found", name),
		Err:     ErrPropertyNotFound,
	}
}
