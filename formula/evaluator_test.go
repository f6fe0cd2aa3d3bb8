/*
evaluator_test.go - Behavior tests for evaluation against a live entry

ORGANIZATION:
  1. Pure formulas (no prop())
  2. Property resolution and unwrapping
  3. Cycle detection
  4. Error envelope

Each test states its scenario as GIVEN/WHEN/THEN.
*/
package formula_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/formula-engine/formula"
	"github.com/warp/formula-engine/formula/store"
)

// =============================================================================
// TEST INFRASTRUCTURE
// =============================================================================

const testDB formula.DatabaseID = "db-1"

type fixture struct {
	store *store.Memory
	eval  *formula.Evaluator
}

func newFixture() *fixture {
	s := store.NewMemory()
	s.AddDatabase(testDB)
	return &fixture{store: s, eval: formula.NewEvaluator(s)}
}

func (f *fixture) property(id, name string, typ formula.PropertyType, cfg formula.PropertyConfig) formula.Property {
	p := formula.Property{
		ID:         formula.PropertyID(id),
		DatabaseID: testDB,
		Name:       name,
		Type:       typ,
		Config:     cfg,
	}
	f.store.AddProperty(p)
	return p
}

func (f *fixture) formulaProperty(id, name, expr string) formula.Property {
	return f.property(id, name, formula.PropertyTypeFormula, formula.PropertyConfig{formula.ConfigKeyFormula: expr})
}

func (f *fixture) entry(id string) formula.EntryID {
	f.store.AddEntry(formula.Entry{ID: formula.EntryID(id), DatabaseID: testDB})
	return formula.EntryID(id)
}

func (f *fixture) evaluate(t *testing.T, expr string) formula.Result {
	t.Helper()
	res, err := f.eval.Evaluate(context.Background(), expr, "entry-1", "adhoc", nil)
	require.NoError(t, err)
	return res
}

// =============================================================================
// 1. PURE FORMULAS
// =============================================================================

func TestEvaluate_Arithmetic(t *testing.T) {
	f := newFixture()
	f.entry("entry-1")

	res := f.evaluate(t, "divide(10,2)")
	require.True(t, res.OK(), res.Error)
	assert.Equal(t, formula.Number(5), res.Value)

	res = f.evaluate(t, "add(1, multiply(2, 3))")
	assert.Equal(t, formula.Number(7), res.Value)
}

func TestEvaluate_Strings(t *testing.T) {
	f := newFixture()
	f.entry("entry-1")

	assert.Equal(t, formula.Text("abc"), f.evaluate(t, "concat('a','b','c')").Value)
	assert.Equal(t, formula.Text("ell"), f.evaluate(t, "substring('hello',1,3)").Value)
	assert.Equal(t, formula.Text("HELLO WORLD"), f.evaluate(t, `upper(concat("hello", ' ', "world"))`).Value)
}

func TestEvaluate_Literal(t *testing.T) {
	f := newFixture()
	f.entry("entry-1")

	assert.Equal(t, formula.Number(42), f.evaluate(t, "42").Value)
	assert.Equal(t, formula.Bool(true), f.evaluate(t, "TRUE").Value)
	assert.Equal(t, formula.Text("bare"), f.evaluate(t, "bare").Value)
}

func TestEvaluate_Now(t *testing.T) {
	// GIVEN: An evaluator whose registry reads a fixed clock
	f := newFixture()
	f.entry("entry-1")
	fixed := time.Date(2025, time.June, 1, 8, 0, 0, 0, time.UTC)
	f.eval.Functions = formula.NewRegistry(clockFunc(func() time.Time { return fixed }))

	// WHEN: Formatting now()
	res := f.evaluate(t, "format_date(date_add(now(), 1, 'days'))")

	// THEN: The injected clock is used
	assert.Equal(t, formula.Text("2025-06-02"), res.Value)
}

type clockFunc func() time.Time

func (c clockFunc) Now() time.Time { return c() }

// =============================================================================
// 2. PROPERTY RESOLUTION
// =============================================================================

func TestEvaluate_PropUnwrapsStoredValues(t *testing.T) {
	// GIVEN: An entry with one value of each scalar shape
	f := newFixture()
	e := f.entry("entry-1")
	f.property("p-num", "Effort", formula.PropertyTypeNumber, nil)
	f.property("p-text", "Title", formula.PropertyTypeText, nil)
	f.property("p-check", "Done", formula.PropertyTypeCheckbox, nil)
	f.property("p-date", "Due", formula.PropertyTypeDate, nil)
	f.property("p-select", "Status", formula.PropertyTypeSelect, nil)
	f.property("p-empty-select", "Priority", formula.PropertyTypeSelect, nil)
	f.property("p-multi", "Tags", formula.PropertyTypeMultiSelect, nil)
	f.property("p-unset", "Notes", formula.PropertyTypeText, nil)

	f.store.SetValue(e, "p-num", formula.PropertyValue{"number": 5.0})
	f.store.SetValue(e, "p-text", formula.PropertyValue{"text": "Ship it"})
	f.store.SetValue(e, "p-check", formula.PropertyValue{"checkbox": true})
	f.store.SetValue(e, "p-date", formula.PropertyValue{"date": map[string]any{"start": "2025-03-01", "end": "2025-03-05"}})
	f.store.SetValue(e, "p-select", formula.PropertyValue{"select": map[string]any{"name": "Done", "color": "green"}})
	f.store.SetValue(e, "p-empty-select", formula.PropertyValue{"select": nil})
	f.store.SetValue(e, "p-multi", formula.PropertyValue{"multi_select": []any{}})

	// WHEN / THEN: Each prop() sees the underlying scalar
	assert.Equal(t, formula.Number(5), f.evaluate(t, "prop('Effort')").Value)
	assert.Equal(t, formula.Text("Ship it"), f.evaluate(t, `prop("Title")`).Value)
	assert.Equal(t, formula.Bool(true), f.evaluate(t, "prop('Done')").Value)
	assert.Equal(t, formula.Date(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)), f.evaluate(t, "prop('Due')").Value)
	assert.Equal(t, formula.Text("Done"), f.evaluate(t, "prop('Status')").Value)
	assert.Equal(t, formula.Null(), f.evaluate(t, "prop('Priority')").Value)
	assert.Equal(t, formula.Null(), f.evaluate(t, "prop('Notes')").Value)

	// AND: Unknown shapes pass through
	multi := f.evaluate(t, "prop('Tags')").Value
	assert.Equal(t, formula.KindRaw, multi.Kind())

	// AND: Values compose with functions
	assert.Equal(t, formula.Number(10), f.evaluate(t, "multiply(prop('Effort'), 2)").Value)
	assert.Equal(t, formula.Number(4), f.evaluate(t, "date_diff(date_add(prop('Due'), 4), prop('Due'))").Value)
	assert.Equal(t, formula.Bool(true), f.evaluate(t, "empty(prop('Notes'))").Value)
	assert.Equal(t, formula.Text("done"), f.evaluate(t, "if(prop('Done'), 'done', 'open')").Value)
}

func TestEvaluate_FormulaReferencesResolveLive(t *testing.T) {
	// GIVEN: Doubled = Effort * 2 with a stale stored result
	f := newFixture()
	e := f.entry("entry-1")
	f.property("p-effort", "Effort", formula.PropertyTypeNumber, nil)
	f.formulaProperty("p-doubled", "Doubled", "multiply(prop('Effort'), 2)")
	f.store.SetValue(e, "p-effort", formula.PropertyValue{"number": 7.0})
	f.store.SetValue(e, "p-doubled", formula.FormulaValue(formula.Number(999)))

	// WHEN: Another formula reads Doubled
	res := f.evaluate(t, "add(prop('Doubled'), 1)")

	// THEN: Doubled is recomputed, not read from storage
	assert.Equal(t, formula.Number(15), res.Value)
}

func TestEvaluate_DiamondIsNotACycle(t *testing.T) {
	// GIVEN: Total reads Left and Right, both of which read Base
	f := newFixture()
	e := f.entry("entry-1")
	f.property("p-base", "Base", formula.PropertyTypeNumber, nil)
	f.formulaProperty("p-left", "Left", "add(prop('Base'), 1)")
	f.formulaProperty("p-right", "Right", "multiply(prop('Base'), 2)")
	total := f.formulaProperty("p-total", "Total", "add(prop('Left'), prop('Right'))")
	f.store.SetValue(e, "p-base", formula.PropertyValue{"number": 3.0})

	// WHEN: Evaluating Total
	res, err := f.eval.EvaluateProperty(context.Background(), e, total)

	// THEN: Both branches resolve Base independently
	require.NoError(t, err)
	assert.Equal(t, formula.Number(10), res.Value)
}

// =============================================================================
// 3. CYCLE DETECTION
// =============================================================================

func TestEvaluate_MutualReferenceIsACycle(t *testing.T) {
	// GIVEN: A = prop('B'), B = prop('A')
	f := newFixture()
	e := f.entry("entry-1")
	a := f.formulaProperty("A", "A", "prop('B')")
	f.formulaProperty("B", "B", "prop('A')")

	// WHEN: Evaluating A
	res, err := f.eval.EvaluateProperty(context.Background(), e, a)

	// THEN: The cycle propagates as an error with both ids in order
	require.Error(t, err)
	assert.Equal(t, formula.Result{}, res)
	var cycle *formula.CircularReferenceError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []formula.PropertyID{"A", "B", "A"}, cycle.Chain)
	assert.True(t, errors.Is(err, formula.ErrCircularReference))
	assert.True(t, errors.Is(err, formula.ErrEvaluation))
}

func TestEvaluate_SelfReferenceIsACycle(t *testing.T) {
	f := newFixture()
	e := f.entry("entry-1")
	self := f.formulaProperty("S", "Self", "add(prop('Self'), 1)")

	_, err := f.eval.EvaluateProperty(context.Background(), e, self)

	var cycle *formula.CircularReferenceError
	require.True(t, errors.As(err, &cycle))
	assert.Equal(t, []formula.PropertyID{"S", "S"}, cycle.Chain)
}

func TestEvaluate_CycleInsideAnArgumentPropagates(t *testing.T) {
	// GIVEN: Top reaches a cycle through one argument of if()
	f := newFixture()
	e := f.entry("entry-1")
	f.formulaProperty("p-broken", "Broken", "divide(1, 0)")
	f.formulaProperty("p-x", "X", "prop('Y')")
	f.formulaProperty("p-y", "Y", "prop('X')")
	top := f.formulaProperty("p-top", "Top", "if(true, prop('X'), prop('Broken'))")

	// WHEN / THEN: The cycle escapes the nested calls
	_, err := f.eval.EvaluateProperty(context.Background(), e, top)
	assert.True(t, errors.Is(err, formula.ErrCircularReference))
}

func TestChain_WithCopies(t *testing.T) {
	base := formula.Chain{"a"}.With("b")
	left := base.With("c")
	right := base.With("d")

	assert.Equal(t, formula.Chain{"a", "b"}, base)
	assert.Equal(t, formula.Chain{"a", "b", "c"}, left)
	assert.Equal(t, formula.Chain{"a", "b", "d"}, right)
	assert.False(t, right.Contains("c"))
}

// =============================================================================
// 4. ERROR ENVELOPE
// =============================================================================

func TestEvaluate_OrdinaryFailuresAreReturnedInResult(t *testing.T) {
	f := newFixture()
	f.entry("entry-1")
	f.formulaProperty("p-bad", "Bad", "sqrt(-1)")

	tests := []struct {
		name    string
		expr    string
		message string
	}{
		{"unknown function", "bogus(1)", "Unknown function"},
		{"division by zero", "divide(1,0)", "division by zero"},
		{"bad argument", "add('x', 1)", "could not convert"},
		{"missing property", "prop('Nope')", `property "Nope" not found`},
		{"failing referenced formula", "prop('Bad')", `referenced formula "Bad" failed`},
		{"unparseable", "add((1)", "unbalanced parentheses"},
		{"prop of expression", "prop(concat('a', 'b'))", "property name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := f.evaluate(t, tt.expr)
			assert.False(t, res.OK())
			assert.True(t, res.Value.IsNull())
			assert.Contains(t, res.Error, tt.message)
		})
	}
}

func TestEvaluate_UnknownEntry(t *testing.T) {
	f := newFixture()

	res, err := f.eval.Evaluate(context.Background(), "prop('X')", "ghost", "p", nil)

	require.NoError(t, err)
	assert.Contains(t, res.Error, "entry not found")
}

func TestEvaluate_CancelledContext(t *testing.T) {
	f := newFixture()
	f.entry("entry-1")
	f.property("p-x", "X", formula.PropertyTypeNumber, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.eval.Evaluate(ctx, "prop('X')", "entry-1", "p", nil)

	assert.ErrorIs(t, err, context.Canceled)
}
