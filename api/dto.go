/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the engine's model (formula package) from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

TYPES:
  Databases:  DatabaseDTO, CreateDatabaseRequest
  Properties: PropertyDTO, SavePropertyRequest, DependenciesResponse
  Entries:    EntryDTO, CreateEntryRequest, SetValuesRequest
  Formulas:   ValidateFormulaRequest, EvaluateFormulaRequest, EvaluationResponse
  Recalc:     RecalculationResponse
  Scenarios:  ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - formula/types.go: Engine types
*/
package api

import (
	"time"

	"github.com/samber/lo"
	"github.com/warp/formula-engine/formula"
	"github.com/warp/formula-engine/store/sqlite"
)

// =============================================================================
// DATABASES
// =============================================================================

type DatabaseDTO struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	CreatedAt  string        `json:"created_at"`
	Properties []PropertyDTO `json:"properties,omitempty"`
}

type CreateDatabaseRequest struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

func toDatabaseDTO(d sqlite.DatabaseRecord) DatabaseDTO {
	return DatabaseDTO{
		ID:        string(d.ID),
		Name:      d.Name,
		CreatedAt: d.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// PROPERTIES
// =============================================================================

type PropertyDTO struct {
	ID         string         `json:"id"`
	DatabaseID string         `json:"database_id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Config     map[string]any `json:"config"`
}

// SavePropertyRequest creates or updates a property. For formula
// properties the expression goes in Config["formula"].
type SavePropertyRequest struct {
	ID     string         `json:"id,omitempty"`
	Name   string         `json:"name"`
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

type DependenciesResponse struct {
	PropertyID   string   `json:"property_id"`
	Dependencies []string `json:"dependencies"`
	Dependents   []string `json:"dependents"`
}

func toPropertyDTO(p formula.Property) PropertyDTO {
	cfg := map[string]any(p.Config)
	if cfg == nil {
		cfg = map[string]any{}
	}
	return PropertyDTO{
		ID:         string(p.ID),
		DatabaseID: string(p.DatabaseID),
		Name:       p.Name,
		Type:       string(p.Type),
		Config:     cfg,
	}
}

func toPropertyDTOs(props []formula.Property) []PropertyDTO {
	return lo.Map(props, func(p formula.Property, _ int) PropertyDTO { return toPropertyDTO(p) })
}

func idStrings(ids []formula.PropertyID) []string {
	return lo.Map(ids, func(id formula.PropertyID, _ int) string { return string(id) })
}

// =============================================================================
// ENTRIES
// =============================================================================

// EntryDTO carries an entry's values keyed by property name. Unset
// properties are omitted.
type EntryDTO struct {
	ID         string                    `json:"id"`
	DatabaseID string                    `json:"database_id"`
	Values     map[string]map[string]any `json:"values"`

	// Set when the write succeeded but recalculation aborted.
	RecalcError string `json:"recalc_error,omitempty"`
}

type CreateEntryRequest struct {
	ID     string                    `json:"id,omitempty"`
	Values map[string]map[string]any `json:"values,omitempty"`
}

// SetValuesRequest writes user values keyed by property name. A null value
// clears the cell.
type SetValuesRequest struct {
	Values map[string]map[string]any `json:"values"`
}

func toEntryDTO(entry formula.Entry, values []formula.EntryValue) EntryDTO {
	set := lo.Filter(values, func(v formula.EntryValue, _ int) bool { return v.Value != nil })
	return EntryDTO{
		ID:         string(entry.ID),
		DatabaseID: string(entry.DatabaseID),
		Values: lo.SliceToMap(set, func(v formula.EntryValue) (string, map[string]any) {
			return v.PropertyName, map[string]any(v.Value)
		}),
	}
}

// =============================================================================
// FORMULAS
// =============================================================================

// ValidateFormulaRequest checks an expression against a database's
// properties. PropertyID is the property that would own the formula; leave
// it empty for a property that does not exist yet.
type ValidateFormulaRequest struct {
	DatabaseID string `json:"database_id"`
	PropertyID string `json:"property_id,omitempty"`
	Formula    string `json:"formula"`
}

type ValidateFormulaResponse struct {
	Valid        bool     `json:"valid"`
	Error        string   `json:"error,omitempty"`
	Dependencies []string `json:"dependencies"`
	Volatile     bool     `json:"volatile"`
}

// EvaluateFormulaRequest evaluates an ad-hoc expression against an entry
// without storing anything.
type EvaluateFormulaRequest struct {
	EntryID string `json:"entry_id"`
	Formula string `json:"formula"`
}

type EvaluationResponse struct {
	Value any    `json:"value"`
	Type  string `json:"type"`
	Error string `json:"error,omitempty"`
}

func toEvaluationResponse(res formula.Result) EvaluationResponse {
	return EvaluationResponse{
		Value: res.Value.Native(),
		Type:  res.Value.Kind().String(),
		Error: res.Error,
	}
}

// =============================================================================
// RECALCULATION
// =============================================================================

type RecalculationResponse struct {
	Updated int    `json:"updated"`
	Elapsed string `json:"elapsed"`
}

// =============================================================================
// SCENARIOS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// LoadScenarioRequest is the request to load a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
