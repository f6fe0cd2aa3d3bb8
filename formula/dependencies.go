/*
dependencies.go - Static dependency extraction and the property graph

PURPOSE:
  Answers "what does this formula read?" without evaluating it. Used to
  block deletion of referenced properties, to order batch recalculation,
  and to reject formula edits that would close a cycle.

EXTRACTION:
  Textual: every prop('Name') / prop("Name") / prop(Name) in the stored expression,
  matched with a regex and resolved to ids by name within the database.
  Names that resolve to nothing are dropped.

GRAPH EDGES:
  formula -> each property its expression names
  rollup  -> its relation_property_id

ORDER:
  Depth-first topological order of the formula properties, declaration
  order breaking ties. White/grey/black colouring; reaching a grey node
  is a cycle and yields a CircularReferenceError with the loop's ids.

SEE ALSO:
  - recalc.go: Uses Order() for batch recalculation
  - api/handlers.go: CheckDeletable on property delete, ValidateFormula on save
*/
package formula

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"
)

// Quoted names, or a bareword argument the parser reads as a string.
var propReferencePattern = regexp.MustCompile(`(?i)\bprop\(\s*(?:"([^"]*)"|'([^']*)'|([^"'(),]*?))\s*\)`)

// ReferencedNames returns the distinct property names an expression passes
// to prop(), in first-seen order.
func ReferencedNames(expr string) []string {
	matches := propReferencePattern.FindAllStringSubmatch(expr, -1)
	names := lo.FilterMap(matches, func(m []string, _ int) (string, bool) {
		name := m[1] + m[2] + strings.TrimSpace(m[3])
		return name, name != ""
	})
	return lo.Uniq(names)
}

// =============================================================================
// DEPENDENCY GRAPH
// =============================================================================

type DependencyGraph struct {
	properties []Property
	deps       map[PropertyID][]PropertyID
	dependents map[PropertyID][]PropertyID
}

// BuildGraph builds the graph for one database's properties, given in
// declaration order.
func BuildGraph(properties []Property) *DependencyGraph {
	byName := lo.SliceToMap(properties, func(p Property) (string, PropertyID) { return p.Name, p.ID })
	known := lo.SliceToMap(properties, func(p Property) (PropertyID, bool) { return p.ID, true })

	g := &DependencyGraph{
		properties: properties,
		deps:       make(map[PropertyID][]PropertyID),
		dependents: make(map[PropertyID][]PropertyID),
	}
	for _, p := range properties {
		var targets []PropertyID
		switch p.Type {
		case PropertyTypeFormula:
			for _, name := range ReferencedNames(p.Config.Formula()) {
				if id, ok := byName[name]; ok {
					targets = append(targets, id)
				}
			}
		case PropertyTypeRollup:
			if rel := p.Config.RelationPropertyID(); known[rel] {
				targets = append(targets, rel)
			}
		}
		g.deps[p.ID] = targets
		for _, t := range targets {
			g.dependents[t] = append(g.dependents[t], p.ID)
		}
	}
	return g
}

// Dependencies returns the properties id reads directly.
func (g *DependencyGraph) Dependencies(id PropertyID) []PropertyID {
	return g.deps[id]
}

// Dependents returns the properties that read id directly.
func (g *DependencyGraph) Dependents(id PropertyID) []PropertyID {
	return g.dependents[id]
}

// Order returns the formula properties so that every formula comes after
// the formulas it references.
func (g *DependencyGraph) Order() ([]Property, error) {
	const (
		white = iota
		grey
		black
	)
	colour := make(map[PropertyID]int, len(g.properties))
	byID := lo.KeyBy(g.properties, func(p Property) PropertyID { return p.ID })

	var (
		order []Property
		stack []PropertyID
		visit func(id PropertyID) error
	)
	visit = func(id PropertyID) error {
		switch colour[id] {
		case black:
			return nil
		case grey:
			start := lo.IndexOf(stack, id)
			chain := append(append([]PropertyID{}, stack[start:]...), id)
			return &CircularReferenceError{Chain: chain}
		}

		colour[id] = grey
		stack = append(stack, id)
		for _, dep := range g.deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		colour[id] = black

		if p := byID[id]; p.IsFormula() {
			order = append(order, p)
		}
		return nil
	}

	for _, p := range g.properties {
		if err := visit(p.ID); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// =============================================================================
// PROVIDER-BACKED CHECKS
// =============================================================================

// DependencyExtractor answers dependency questions against live schema.
type DependencyExtractor struct {
	Provider  DataProvider
	Functions *Registry
}

func NewDependencyExtractor(provider DataProvider) *DependencyExtractor {
	return &DependencyExtractor{Provider: provider, Functions: DefaultRegistry}
}

// GetDependencies returns the ids a formula property references. Any other
// property type has no dependencies.
func (d *DependencyExtractor) GetDependencies(ctx context.Context, databaseID DatabaseID, propertyID PropertyID) ([]PropertyID, error) {
	props, err := d.Provider.GetPropertiesByDatabase(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	prop, ok := lo.Find(props, func(p Property) bool { return p.ID == propertyID })
	if !ok {
		return nil, fmt.Errorf("property %s: %w", propertyID, ErrPropertyNotFound)
	}
	if !prop.IsFormula() {
		return []PropertyID{}, nil
	}

	ids := []PropertyID{}
	for _, name := range ReferencedNames(prop.Config.Formula()) {
		for _, p := range props {
			if p.Name == name {
				ids = append(ids, p.ID)
				break
			}
		}
	}
	return lo.Uniq(ids), nil
}

// CheckDeletable returns a PropertyInUseError when other properties of the
// database still reference propertyID.
func (d *DependencyExtractor) CheckDeletable(ctx context.Context, databaseID DatabaseID, propertyID PropertyID) error {
	props, err := d.Provider.GetPropertiesByDatabase(ctx, databaseID)
	if err != nil {
		return err
	}
	dependents := lo.Without(BuildGraph(props).Dependents(propertyID), propertyID)
	if len(dependents) > 0 {
		return &PropertyInUseError{PropertyID: propertyID, Dependents: lo.Uniq(dependents)}
	}
	return nil
}

// ValidateFormula checks expr as the new formula of propertyID: it must
// parse, call only known functions, name only existing properties, and not
// close a reference cycle. propertyID may be empty for a property that
// does not exist yet, in which case the cycle check is skipped.
func (d *DependencyExtractor) ValidateFormula(ctx context.Context, databaseID DatabaseID, propertyID PropertyID, expr string) error {
	node, err := Parse(expr)
	if err != nil {
		return err
	}

	var names []string
	var walkErr error
	Walk(node, func(n Node) bool {
		call, ok := n.(*FunctionCall)
		if !ok || walkErr != nil {
			return walkErr == nil
		}
		if call.Name == "prop" {
			var literal *Literal
			if len(call.Arguments) == 1 {
				literal, _ = call.Arguments[0].(*Literal)
			}
			if literal == nil {
				walkErr = &InvalidFormulaError{Formula: expr, Reason: "prop() takes a single property name"}
				return false
			}
			names = append(names, literal.Value.String())
			return false
		}
		if _, known := d.Functions.Lookup(call.Name); !known {
			walkErr = &InvalidFormulaError{Formula: expr, Reason: "Unknown function: " + call.Name}
			return false
		}
		return true
	})
	if walkErr != nil {
		return walkErr
	}

	props, err := d.Provider.GetPropertiesByDatabase(ctx, databaseID)
	if err != nil {
		return err
	}
	for _, name := range lo.Uniq(names) {
		if !lo.ContainsBy(props, func(p Property) bool { return p.Name == name }) {
			return &InvalidFormulaError{Formula: expr, Reason: fmt.Sprintf("unknown property %q", name)}
		}
	}

	if propertyID == "" {
		return nil
	}
	proposed := lo.Map(props, func(p Property, _ int) Property {
		if p.ID != propertyID {
			return p
		}
		cfg := PropertyConfig{}
		for k, v := range p.Config {
			cfg[k] = v
		}
		cfg[ConfigKeyFormula] = expr
		return Property{ID: p.ID, DatabaseID: p.DatabaseID, Name: p.Name, Type: PropertyTypeFormula, Config: cfg}
	})
	_, err = BuildGraph(proposed).Order()
	return err
}
