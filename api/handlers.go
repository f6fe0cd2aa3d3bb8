/*
handlers.go - HTTP API handlers for the formula engine

PURPOSE:
  Exposes databases, properties, entries and the formula engine via REST.
  Handles HTTP request/response and JSON serialization, and delegates to
  the store and the formula package.

ENDPOINTS:
  Databases:
    GET    /api/databases                        List databases
    POST   /api/databases                        Create database
    GET    /api/databases/{id}                   Database with its properties
    DELETE /api/databases/{id}                   Delete database (cascades)

  Properties:
    GET    /api/databases/{id}/properties                     List properties
    POST   /api/databases/{id}/properties                     Create property
    PUT    /api/databases/{id}/properties/{propertyId}        Update property
    DELETE /api/databases/{id}/properties/{propertyId}        Delete property
    GET    /api/databases/{id}/properties/{propertyId}/dependencies

  Entries:
    GET    /api/databases/{id}/entries           List entries with values
    POST   /api/databases/{id}/entries           Create entry
    GET    /api/entries/{id}                     Entry with values
    DELETE /api/entries/{id}                     Delete entry
    PUT    /api/entries/{id}/values              Write user values

  Engine:
    POST   /api/databases/{id}/recalculate       Recalculate every entry
    POST   /api/entries/{id}/recalculate         Recalculate one entry
    POST   /api/formulas/validate                Validate an expression
    POST   /api/formulas/evaluate                Evaluate without storing

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call the store / engine
  4. Serialize response
  5. Map errors to status

WRITE RULES:
  - Formula properties are engine-owned: user writes to them are rejected.
  - Every user value write is followed by RecalculateEntry.
  - Saving a property is rejected if it would close a reference cycle.
  - Deleting a property that others reference returns 409.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Invalid input, invalid formula
  - 404: Database, property or entry not found
  - 409: Duplicate id or property name, property still referenced
  - 422: Circular reference
  - 500: Internal errors

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/warp/formula-engine/formula"
	"github.com/warp/formula-engine/logger"
	"github.com/warp/formula-engine/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store        *sqlite.Store
	Evaluator    *formula.Evaluator
	Recalculator *formula.Recalculator
	Dependencies *formula.DependencyExtractor
	Log          zerolog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler with the given store. A nil recalculator
// gets the defaults.
func NewHandler(store *sqlite.Store, recalc *formula.Recalculator) *Handler {
	if recalc == nil {
		recalc = formula.NewRecalculator(store, nil)
	}
	return &Handler{
		Store:        store,
		Evaluator:    recalc.Evaluator,
		Recalculator: recalc,
		Dependencies: formula.NewDependencyExtractor(store),
		Log:          logger.GetAPILogger(),
	}
}

// =============================================================================
// DATABASE HANDLERS
// =============================================================================

// ListDatabases returns all databases.
func (h *Handler) ListDatabases(w http.ResponseWriter, r *http.Request) {
	records, err := h.Store.ListDatabases(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list databases", err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(records, func(d sqlite.DatabaseRecord, _ int) DatabaseDTO {
		return toDatabaseDTO(d)
	}))
}

// CreateDatabase creates a new, empty database.
func (h *Handler) CreateDatabase(w http.ResponseWriter, r *http.Request) {
	var req CreateDatabaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ctx := r.Context()
	id := formula.DatabaseID(req.ID)
	if existing, err := h.Store.GetDatabase(ctx, id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get database", err)
		return
	} else if existing != nil {
		writeEngineError(w, "Database id already exists", fmt.Errorf("database %s: %w", id, sqlite.ErrDuplicateID))
		return
	}
	if err := h.Store.SaveDatabase(ctx, sqlite.DatabaseRecord{ID: id, Name: req.Name}); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create database", err)
		return
	}
	record, err := h.Store.GetDatabase(ctx, id)
	if err != nil || record == nil {
		writeError(w, http.StatusInternalServerError, "Failed to load database", err)
		return
	}
	writeJSON(w, http.StatusCreated, toDatabaseDTO(*record))
}

// GetDatabase returns a database with its properties.
func (h *Handler) GetDatabase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := formula.DatabaseID(chi.URLParam(r, "id"))

	record, err := h.Store.GetDatabase(ctx, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get database", err)
		return
	}
	if record == nil {
		writeError(w, http.StatusNotFound, "Database not found", nil)
		return
	}
	props, err := h.Store.GetPropertiesByDatabase(ctx, id)
	if err != nil {
		writeEngineError(w, "Failed to list properties", err)
		return
	}

	dto := toDatabaseDTO(*record)
	dto.Properties = toPropertyDTOs(props)
	writeJSON(w, http.StatusOK, dto)
}

// DeleteDatabase removes a database with everything in it.
func (h *Handler) DeleteDatabase(w http.ResponseWriter, r *http.Request) {
	id := formula.DatabaseID(chi.URLParam(r, "id"))
	if err := h.Store.DeleteDatabase(r.Context(), id); err != nil {
		writeEngineError(w, "Failed to delete database", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PROPERTY HANDLERS
// =============================================================================

// ListProperties returns a database's properties in declaration order.
func (h *Handler) ListProperties(w http.ResponseWriter, r *http.Request) {
	props, err := h.Store.GetPropertiesByDatabase(r.Context(), formula.DatabaseID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to list properties", err)
		return
	}
	writeJSON(w, http.StatusOK, toPropertyDTOs(props))
}

// CreateProperty adds a property to a database.
func (h *Handler) CreateProperty(w http.ResponseWriter, r *http.Request) {
	var req SavePropertyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	} else {
		existing, err := h.Store.GetProperty(r.Context(), formula.PropertyID(req.ID))
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to get property", err)
			return
		}
		if existing != nil {
			writeEngineError(w, "Property id already exists", fmt.Errorf("property %s: %w", req.ID, sqlite.ErrDuplicateID))
			return
		}
	}
	h.saveProperty(w, r, req, http.StatusCreated)
}

// UpdateProperty renames a property, changes its type, or replaces its config.
// A formula property is recalculated across the database after the update.
func (h *Handler) UpdateProperty(w http.ResponseWriter, r *http.Request) {
	var req SavePropertyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	req.ID = chi.URLParam(r, "propertyId")

	existing, err := h.Store.GetProperty(r.Context(), formula.PropertyID(req.ID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get property", err)
		return
	}
	if existing == nil || string(existing.DatabaseID) != chi.URLParam(r, "id") {
		writeError(w, http.StatusNotFound, "Property not found", nil)
		return
	}
	h.saveProperty(w, r, req, http.StatusOK)
}

func (h *Handler) saveProperty(w http.ResponseWriter, r *http.Request, req SavePropertyRequest, status int) {
	ctx := r.Context()
	prop := formula.Property{
		ID:         formula.PropertyID(req.ID),
		DatabaseID: formula.DatabaseID(chi.URLParam(r, "id")),
		Name:       strings.TrimSpace(req.Name),
		Type:       formula.PropertyType(req.Type),
		Config:     formula.PropertyConfig(req.Config),
	}
	if prop.Config == nil {
		prop.Config = formula.PropertyConfig{}
	}
	if prop.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required", nil)
		return
	}
	if !prop.Type.IsKnown() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown property type %q", req.Type), nil)
		return
	}

	if err := h.checkProperty(ctx, prop); err != nil {
		writeEngineError(w, "Property rejected", err)
		return
	}
	if err := h.Store.SaveProperty(ctx, prop); err != nil {
		writeEngineError(w, "Failed to save property", err)
		return
	}

	if prop.IsFormula() {
		if _, err := h.Recalculator.RecalculateDatabase(ctx, prop.DatabaseID); err != nil {
			h.Log.Warn().Err(err).Str("database_id", string(prop.DatabaseID)).Msg("recalculation after property save failed")
		}
	}

	saved, err := h.Store.GetProperty(ctx, prop.ID)
	if err != nil || saved == nil {
		writeError(w, http.StatusInternalServerError, "Failed to load property", err)
		return
	}
	writeJSON(w, status, toPropertyDTO(*saved))
}

// checkProperty validates a formula expression and rejects any change that
// would leave the database with a reference cycle.
func (h *Handler) checkProperty(ctx context.Context, prop formula.Property) error {
	if prop.IsFormula() {
		if err := h.Dependencies.ValidateFormula(ctx, prop.DatabaseID, "", prop.Config.Formula()); err != nil {
			return err
		}
	}

	props, err := h.Store.GetPropertiesByDatabase(ctx, prop.DatabaseID)
	if err != nil {
		return err
	}
	replaced := false
	proposed := lo.Map(props, func(p formula.Property, _ int) formula.Property {
		if p.ID == prop.ID {
			replaced = true
			return prop
		}
		return p
	})
	if !replaced {
		proposed = append(proposed, prop)
	}
	_, err = formula.BuildGraph(proposed).Order()
	return err
}

// DeleteProperty removes a property unless other properties reference it.
func (h *Handler) DeleteProperty(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbID := formula.DatabaseID(chi.URLParam(r, "id"))
	propID := formula.PropertyID(chi.URLParam(r, "propertyId"))

	if err := h.Dependencies.CheckDeletable(ctx, dbID, propID); err != nil {
		writeEngineError(w, "Property is still referenced", err)
		return
	}
	if err := h.Store.DeleteProperty(ctx, propID); err != nil {
		writeEngineError(w, "Failed to delete property", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetPropertyDependencies returns what a property reads and what reads it.
func (h *Handler) GetPropertyDependencies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbID := formula.DatabaseID(chi.URLParam(r, "id"))
	propID := formula.PropertyID(chi.URLParam(r, "propertyId"))

	deps, err := h.Dependencies.GetDependencies(ctx, dbID, propID)
	if err != nil {
		writeEngineError(w, "Failed to get dependencies", err)
		return
	}
	props, err := h.Store.GetPropertiesByDatabase(ctx, dbID)
	if err != nil {
		writeEngineError(w, "Failed to list properties", err)
		return
	}
	dependents := lo.Without(formula.BuildGraph(props).Dependents(propID), propID)

	writeJSON(w, http.StatusOK, DependenciesResponse{
		PropertyID:   string(propID),
		Dependencies: idStrings(deps),
		Dependents:   idStrings(dependents),
	})
}

// =============================================================================
// ENTRY HANDLERS
// =============================================================================

// ListEntries returns a database's entries with their values.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entries, err := h.Store.ListEntries(ctx, formula.DatabaseID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to list entries", err)
		return
	}

	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		values, err := h.Store.GetEntryValues(ctx, e.ID)
		if err != nil {
			writeEngineError(w, "Failed to load entry values", err)
			return
		}
		dtos = append(dtos, toEntryDTO(e, values))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateEntry adds an entry, writes its initial values and computes its
// formulas.
func (h *Handler) CreateEntry(w http.ResponseWriter, r *http.Request) {
	var req CreateEntryRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	ctx := r.Context()
	entry := formula.Entry{ID: formula.EntryID(req.ID), DatabaseID: formula.DatabaseID(chi.URLParam(r, "id"))}

	// Resolve names before creating anything so a bad request leaves no entry.
	props, err := h.Store.GetPropertiesByDatabase(ctx, entry.DatabaseID)
	if err != nil {
		writeEngineError(w, "Failed to list properties", err)
		return
	}
	writes, err := resolveWrites(props, req.Values)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid values", err)
		return
	}

	if err := h.Store.CreateEntry(ctx, entry); err != nil {
		writeEngineError(w, "Failed to create entry", err)
		return
	}
	h.applyWrites(w, r, entry, writes, http.StatusCreated)
}

// GetEntry returns an entry with its values.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	entry, err := h.Store.GetEntry(ctx, formula.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to get entry", err)
		return
	}
	values, err := h.Store.GetEntryValues(ctx, entry.ID)
	if err != nil {
		writeEngineError(w, "Failed to load entry values", err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry, values))
}

// DeleteEntry removes an entry and its values.
func (h *Handler) DeleteEntry(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteEntry(r.Context(), formula.EntryID(chi.URLParam(r, "id"))); err != nil {
		writeEngineError(w, "Failed to delete entry", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetEntryValues writes user values by property name and recalculates the
// entry's formulas.
func (h *Handler) SetEntryValues(w http.ResponseWriter, r *http.Request) {
	var req SetValuesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	entry, err := h.Store.GetEntry(ctx, formula.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Failed to get entry", err)
		return
	}
	props, err := h.Store.GetPropertiesByDatabase(ctx, entry.DatabaseID)
	if err != nil {
		writeEngineError(w, "Failed to list properties", err)
		return
	}
	writes, err := resolveWrites(props, req.Values)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid values", err)
		return
	}
	h.applyWrites(w, r, entry, writes, http.StatusOK)
}

type valueWrite struct {
	propertyID formula.PropertyID
	value      formula.PropertyValue
}

// resolveWrites maps property names to ids and refuses writes to
// engine-owned formula properties.
func resolveWrites(props []formula.Property, values map[string]map[string]any) ([]valueWrite, error) {
	byName := lo.KeyBy(props, func(p formula.Property) string { return p.Name })

	var errs []error
	writes := make([]valueWrite, 0, len(values))
	for name, value := range values {
		prop, ok := byName[name]
		switch {
		case !ok:
			errs = append(errs, fmt.Errorf("unknown property %q", name))
		case prop.IsFormula():
			errs = append(errs, fmt.Errorf("property %q is a formula and cannot be written", name))
		default:
			writes = append(writes, valueWrite{propertyID: prop.ID, value: formula.PropertyValue(value)})
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return writes, nil
}

func (h *Handler) applyWrites(w http.ResponseWriter, r *http.Request, entry formula.Entry, writes []valueWrite, status int) {
	ctx := r.Context()
	for _, wr := range writes {
		if err := h.Store.SetValue(ctx, entry.ID, wr.propertyID, wr.value); err != nil {
			writeEngineError(w, "Failed to store value", err)
			return
		}
	}

	// User values are stored even when recalculation aborts on a cycle.
	var recalcErr error
	if _, err := h.Recalculator.RecalculateEntry(ctx, entry.ID); err != nil {
		h.Log.Warn().Err(err).Str("entry_id", string(entry.ID)).Msg("recalculation after write failed")
		recalcErr = err
	}

	values, err := h.Store.GetEntryValues(ctx, entry.ID)
	if err != nil {
		writeEngineError(w, "Failed to load entry values", err)
		return
	}
	dto := toEntryDTO(entry, values)
	if recalcErr != nil {
		dto.RecalcError = recalcErr.Error()
	}
	writeJSON(w, status, dto)
}

// =============================================================================
// RECALCULATION HANDLERS
// =============================================================================

// RecalculateDatabase recomputes every formula of every entry.
// POST /api/databases/{id}/recalculate
func (h *Handler) RecalculateDatabase(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	n, err := h.Recalculator.RecalculateDatabase(r.Context(), formula.DatabaseID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Recalculation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, RecalculationResponse{Updated: n, Elapsed: time.Since(start).String()})
}

// RecalculateEntry recomputes the formulas of one entry.
// POST /api/entries/{id}/recalculate
func (h *Handler) RecalculateEntry(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	n, err := h.Recalculator.RecalculateEntry(r.Context(), formula.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		writeEngineError(w, "Recalculation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, RecalculationResponse{Updated: n, Elapsed: time.Since(start).String()})
}

// =============================================================================
// FORMULA HANDLERS
// =============================================================================

// ValidateFormula reports whether an expression could be saved. An invalid
// formula is a 200 with valid=false; only a missing database is an error.
// POST /api/formulas/validate
func (h *Handler) ValidateFormula(w http.ResponseWriter, r *http.Request) {
	var req ValidateFormulaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	dbID := formula.DatabaseID(req.DatabaseID)
	resp := ValidateFormulaResponse{Valid: true, Dependencies: []string{}, Volatile: formula.IsVolatile(req.Formula)}

	err := h.Dependencies.ValidateFormula(ctx, dbID, formula.PropertyID(req.PropertyID), req.Formula)
	switch {
	case err == nil:
	case formula.IsClientError(err):
		resp.Valid = false
		resp.Error = err.Error()
	default:
		writeEngineError(w, "Failed to validate formula", err)
		return
	}

	if props, err := h.Store.GetPropertiesByDatabase(ctx, dbID); err == nil {
		byName := lo.KeyBy(props, func(p formula.Property) string { return p.Name })
		resp.Dependencies = append(resp.Dependencies, lo.FilterMap(formula.ReferencedNames(req.Formula), func(name string, _ int) (string, bool) {
			p, ok := byName[name]
			return string(p.ID), ok
		})...)
	}
	writeJSON(w, http.StatusOK, resp)
}

// EvaluateFormula evaluates an ad-hoc expression against an entry without
// storing the result.
// POST /api/formulas/evaluate
func (h *Handler) EvaluateFormula(w http.ResponseWriter, r *http.Request) {
	var req EvaluateFormulaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	entryID := formula.EntryID(req.EntryID)
	if _, err := h.Store.GetEntry(ctx, entryID); err != nil {
		writeEngineError(w, "Failed to get entry", err)
		return
	}

	res, err := h.Evaluator.Evaluate(ctx, req.Formula, entryID, "", nil)
	if err != nil {
		writeEngineError(w, "Evaluation failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toEvaluationResponse(res))
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError picks the status and code from the error's sentinel.
func writeEngineError(w http.ResponseWriter, message string, err error) {
	status, code := classify(err)
	writeJSON(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, formula.ErrCircularReference):
		return http.StatusUnprocessableEntity, "circular_reference"
	case errors.Is(err, formula.ErrPropertyInUse):
		return http.StatusConflict, "property_in_use"
	case errors.Is(err, sqlite.ErrDuplicateName):
		return http.StatusConflict, "duplicate_name"
	case errors.Is(err, sqlite.ErrDuplicateID):
		return http.StatusConflict, "duplicate_id"
	case errors.Is(err, formula.ErrInvalidFormula):
		return http.StatusBadRequest, "invalid_formula"
	case formula.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	default:
		return http.StatusInternalServerError, ""
	}
}
