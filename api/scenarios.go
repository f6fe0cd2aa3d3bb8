/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built workspaces that populate the store with databases,
	properties and entries showing specific engine features. Scenario
	definitions are YAML files embedded from scenarios/.

AVAILABLE SCENARIOS:

	project-tracker:  Text, select and checkbox inputs feeding formulas
	sales-pipeline:   Formula chains and a division-by-zero entry
	content-calendar: Date arithmetic and now()-based countdowns

HOW SCENARIOS WORK:
 1. Reset store (clear all data)
 2. Create databases and properties in declaration order
 3. Create entries and write their user values
 4. Recalculate every database

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "project-tracker"}

ADDING NEW SCENARIOS:
 1. Add a YAML file to scenarios/ with id, name, description, databases
 2. That's it: files are discovered at startup

NOTE:

	Scenarios reset the store. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Property and entry write rules
  - scenarios/*.yaml: Definitions
*/
package api

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"net/http"
	"sort"

	"github.com/warp/formula-engine/formula"
	"github.com/warp/formula-engine/store/sqlite"
	"gopkg.in/yaml.v3"
)

//go:embed scenarios/*.yaml
var scenarioFiles embed.FS

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenarioDefinition struct {
	ScenarioDTO `yaml:",inline"`
	Databases   []scenarioDatabase `yaml:"databases"`
}

type scenarioDatabase struct {
	ID         string             `yaml:"id"`
	Name       string             `yaml:"name"`
	Properties []scenarioProperty `yaml:"properties"`
	Entries    []scenarioEntry    `yaml:"entries"`
}

type scenarioProperty struct {
	ID      string         `yaml:"id"`
	Name    string         `yaml:"name"`
	Type    string         `yaml:"type"`
	Formula string         `yaml:"formula"`
	Config  map[string]any `yaml:"config"`
}

type scenarioEntry struct {
	ID     string                    `yaml:"id"`
	Values map[string]map[string]any `yaml:"values"`
}

// loadScenarioDefinitions parses every embedded scenario, sorted by id.
func loadScenarioDefinitions(fsys fs.FS) ([]scenarioDefinition, error) {
	paths, err := fs.Glob(fsys, "scenarios/*.yaml")
	if err != nil {
		return nil, err
	}

	defs := make([]scenarioDefinition, 0, len(paths))
	for _, path := range paths {
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return nil, err
		}
		var def scenarioDefinition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return nil, fmt.Errorf("scenario %s: %w", path, err)
		}
		if def.ID == "" {
			return nil, fmt.Errorf("scenario %s: missing id", path)
		}
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

func findScenario(id string) (*scenarioDefinition, error) {
	defs, err := loadScenarioDefinitions(scenarioFiles)
	if err != nil {
		return nil, err
	}
	for i := range defs {
		if defs[i].ID == id {
			return &defs[i], nil
		}
	}
	return nil, nil
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	defs, err := loadScenarioDefinitions(scenarioFiles)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read scenarios", err)
		return
	}
	dtos := make([]ScenarioDTO, len(defs))
	for i, d := range defs {
		dtos[i] = d.ScenarioDTO
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	def, err := findScenario(current)
	if err != nil || def == nil {
		writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
		return
	}
	writeJSON(w, http.StatusOK, def.ScenarioDTO)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	def, err := findScenario(req.ScenarioID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read scenarios", err)
		return
	}
	if def == nil {
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setCurrentScenario("")

	updated, err := h.loadScenario(ctx, def)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}

	h.setCurrentScenario(def.ID)
	h.Log.Info().Str("scenario", def.ID).Int("updated", updated).Msg("scenario loaded")
	writeJSON(w, http.StatusOK, map[string]any{"status": "loaded", "scenario": def.ID, "updated": updated})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.setCurrentScenario("")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) setCurrentScenario(id string) {
	h.mu.Lock()
	h.currentScenario = id
	h.mu.Unlock()
}

// =============================================================================
// SCENARIO LOADER
// =============================================================================

// loadScenario writes a definition into the store and returns how many
// formula values the initial recalculation produced.
func (h *Handler) loadScenario(ctx context.Context, def *scenarioDefinition) (int, error) {
	updated := 0
	for _, db := range def.Databases {
		dbID := formula.DatabaseID(db.ID)
		if err := h.Store.SaveDatabase(ctx, sqlite.DatabaseRecord{ID: dbID, Name: db.Name}); err != nil {
			return updated, err
		}

		byName := make(map[string]formula.PropertyID, len(db.Properties))
		for _, p := range db.Properties {
			cfg := formula.PropertyConfig{}
			for k, v := range p.Config {
				cfg[k] = v
			}
			if p.Formula != "" {
				cfg[formula.ConfigKeyFormula] = p.Formula
			}
			prop := formula.Property{
				ID:         formula.PropertyID(p.ID),
				DatabaseID: dbID,
				Name:       p.Name,
				Type:       formula.PropertyType(p.Type),
				Config:     cfg,
			}
			if err := h.Store.SaveProperty(ctx, prop); err != nil {
				return updated, fmt.Errorf("property %s: %w", p.Name, err)
			}
			byName[p.Name] = prop.ID
		}

		for _, e := range db.Entries {
			entryID := formula.EntryID(e.ID)
			if err := h.Store.CreateEntry(ctx, formula.Entry{ID: entryID, DatabaseID: dbID}); err != nil {
				return updated, err
			}
			for name, value := range e.Values {
				propID, ok := byName[name]
				if !ok {
					return updated, fmt.Errorf("entry %s: unknown property %q", e.ID, name)
				}
				if err := h.Store.SetValue(ctx, entryID, propID, formula.PropertyValue(value)); err != nil {
					return updated, err
				}
			}
		}

		n, err := h.Recalculator.RecalculateDatabase(ctx, dbID)
		if err != nil {
			return updated, err
		}
		updated += n
	}
	return updated, nil
}
