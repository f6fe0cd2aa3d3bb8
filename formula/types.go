/*
Package formula provides the formula evaluation engine for user-defined databases.

PURPOSE:
  A database is a user-defined table: typed properties (columns) and entries
  (rows). Most property values are stored as entered. Formula properties are
  computed from an expression such as:

    multiply(prop('Effort'), 2)

  This package parses those expressions, evaluates them against an entry,
  detects reference cycles, and writes the computed values back through a
  DataProvider. It knows nothing about HTTP, SQL, or authorization.

KEY CONCEPTS IN THIS FILE (types.go):
  - DatabaseID / PropertyID / EntryID: Type-safe identifiers
  - Property: A column with a type and an open config map
  - PropertyValue: The stored, tagged JSON shape of a cell ({"number": 5})
  - EntryValue: One (property, value) row of an entry as the engine sees it
  - Result: The envelope returned by Evaluate

DATA FLOW:
  Recalculator -> Evaluator (per formula property)
               -> Parse (cached)
               -> Registry functions / prop() resolution via DataProvider
               -> DataProvider.SetComputedValue

SEE ALSO:
  - value.go: Runtime Value sum type
  - parser.go: Formula grammar
  - evaluator.go: AST walk and prop() resolution
  - recalc.go: Entry and database recalculation
  - provider.go: DataProvider interface
*/
package formula

// =============================================================================
// IDENTIFIERS
// =============================================================================

type DatabaseID string
type PropertyID string
type EntryID string

// =============================================================================
// PROPERTY - A typed column of a database
// =============================================================================

type PropertyType string

const (
	PropertyTypeText        PropertyType = "text"
	PropertyTypeNumber      PropertyType = "number"
	PropertyTypeCheckbox    PropertyType = "checkbox"
	PropertyTypeDate        PropertyType = "date"
	PropertyTypeSelect      PropertyType = "select"
	PropertyTypeMultiSelect PropertyType = "multi_select"
	PropertyTypeURL         PropertyType = "url"
	PropertyTypeEmail       PropertyType = "email"
	PropertyTypeRelation    PropertyType = "relation"
	PropertyTypeRollup      PropertyType = "rollup"
	PropertyTypeFormula     PropertyType = "formula"
)

// KnownPropertyTypes lists every type the service accepts for a property.
var KnownPropertyTypes = []PropertyType{
	PropertyTypeText, PropertyTypeNumber, PropertyTypeCheckbox, PropertyTypeDate,
	PropertyTypeSelect, PropertyTypeMultiSelect, PropertyTypeURL, PropertyTypeEmail,
	PropertyTypeRelation, PropertyTypeRollup, PropertyTypeFormula,
}

// IsKnown reports whether t is one of KnownPropertyTypes.
func (t PropertyType) IsKnown() bool {
	for _, k := range KnownPropertyTypes {
		if k == t {
			return true
		}
	}
	return false
}

// PropertyConfig is the open configuration map of a property.
// Formula properties keep their expression under "formula"; rollups keep
// the relation they aggregate under "relation_property_id".
type PropertyConfig map[string]any

const (
	ConfigKeyFormula          = "formula"
	ConfigKeyRelationProperty = "relation_property_id"
)

// Formula returns the stored expression, or "" when none is configured.
func (c PropertyConfig) Formula() string {
	s, _ := c[ConfigKeyFormula].(string)
	return s
}

// RelationPropertyID returns the relation a rollup aggregates over.
func (c PropertyConfig) RelationPropertyID() PropertyID {
	s, _ := c[ConfigKeyRelationProperty].(string)
	return PropertyID(s)
}

type Property struct {
	ID         PropertyID
	DatabaseID DatabaseID
	Name       string
	Type       PropertyType
	Config     PropertyConfig
}

// IsFormula reports whether the engine owns this property's values.
func (p Property) IsFormula() bool { return p.Type == PropertyTypeFormula }

// =============================================================================
// ENTRY VALUES
// =============================================================================

// PropertyValue is the stored, tagged shape of a cell, keyed by property type:
//
//	{"text": "hello"}
//	{"number": 5}
//	{"checkbox": true}
//	{"select": {"name": "Done", "color": "green"}}
//	{"date": {"start": "2025-03-01", "end": null}}
//	{"formula": {"result": 10}}
type PropertyValue map[string]any

// FormulaValue wraps a computed result in the shape formula properties store.
func FormulaValue(v Value) PropertyValue {
	return PropertyValue{"formula": map[string]any{"result": v.Native()}}
}

type Entry struct {
	ID         EntryID
	DatabaseID DatabaseID
}

// EntryValue is one property of an entry together with its current value.
// Value is nil when the entry has never stored anything for the property.
type EntryValue struct {
	PropertyID     PropertyID
	PropertyName   string
	PropertyType   PropertyType
	PropertyConfig PropertyConfig
	Value          PropertyValue
}

// =============================================================================
// RESULT - Envelope returned by Evaluate
// =============================================================================

// Result carries either a computed value or the message of the ordinary
// evaluation failure that prevented it. Error is empty on success.
type Result struct {
	Value Value
	Error string
}

func (r Result) OK() bool { return r.Error == "" }
