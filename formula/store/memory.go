// Package store provides DataProvider implementations.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/formula-engine/formula"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu         sync.RWMutex
	properties map[formula.DatabaseID][]formula.Property
	entries    map[formula.DatabaseID][]formula.EntryID
	entryDB    map[formula.EntryID]formula.DatabaseID
	values     map[cell]formula.PropertyValue
	writes     int
}

type cell struct {
	EntryID    formula.EntryID
	PropertyID formula.PropertyID
}

func NewMemory() *Memory {
	return &Memory{
		properties: make(map[formula.DatabaseID][]formula.Property),
		entries:    make(map[formula.DatabaseID][]formula.EntryID),
		entryDB:    make(map[formula.EntryID]formula.DatabaseID),
		values:     make(map[cell]formula.PropertyValue),
	}
}

// =============================================================================
// SETUP
// =============================================================================

// AddDatabase registers an empty database.
func (m *Memory) AddDatabase(id formula.DatabaseID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.properties[id]; !ok {
		m.properties[id] = []formula.Property{}
	}
}

// AddProperty appends a property to its database, replacing one with the
// same id in place.
func (m *Memory) AddProperty(p formula.Property) {
	m.mu.Lock()
	defer m.mu.Unlock()
	props := m.properties[p.DatabaseID]
	for i := range props {
		if props[i].ID == p.ID {
			props[i] = p
			return
		}
	}
	m.properties[p.DatabaseID] = append(props, p)
}

func (m *Memory) AddEntry(e formula.Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.properties[e.DatabaseID]; !ok {
		m.properties[e.DatabaseID] = []formula.Property{}
	}
	if _, ok := m.entryDB[e.ID]; ok {
		return
	}
	m.entryDB[e.ID] = e.DatabaseID
	m.entries[e.DatabaseID] = append(m.entries[e.DatabaseID], e.ID)
}

// SetValue stores a user value. It does not recalculate.
func (m *Memory) SetValue(entryID formula.EntryID, propertyID formula.PropertyID, v formula.PropertyValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[cell{entryID, propertyID}] = v
}

// Value returns the stored value of one cell, or nil.
func (m *Memory) Value(entryID formula.EntryID, propertyID formula.PropertyID) formula.PropertyValue {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[cell{entryID, propertyID}]
}

// Writes counts SetComputedValue calls.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// =============================================================================
// DATA PROVIDER
// =============================================================================

func (m *Memory) GetEntry(_ context.Context, entryID formula.EntryID) (formula.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	db, ok := m.entryDB[entryID]
	if !ok {
		return formula.Entry{}, fmt.Errorf("entry %s: %w", entryID, formula.ErrEntryNotFound)
	}
	return formula.Entry{ID: entryID, DatabaseID: db}, nil
}

func (m *Memory) GetEntryValues(_ context.Context, entryID formula.EntryID) ([]formula.EntryValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	db, ok := m.entryDB[entryID]
	if !ok {
		return nil, fmt.Errorf("entry %s: %w", entryID, formula.ErrEntryNotFound)
	}
	props := m.properties[db]
	out := make([]formula.EntryValue, len(props))
	for i, p := range props {
		out[i] = formula.EntryValue{
			PropertyID:     p.ID,
			PropertyName:   p.Name,
			PropertyType:   p.Type,
			PropertyConfig: p.Config,
			Value:          m.values[cell{entryID, p.ID}],
		}
	}
	return out, nil
}

func (m *Memory) GetFormulaProperties(ctx context.Context, databaseID formula.DatabaseID) ([]formula.Property, error) {
	props, err := m.GetPropertiesByDatabase(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	var out []formula.Property
	for _, p := range props {
		if p.IsFormula() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) GetPropertiesByDatabase(_ context.Context, databaseID formula.DatabaseID) ([]formula.Property, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	props, ok := m.properties[databaseID]
	if !ok {
		return nil, fmt.Errorf("database %s: %w", databaseID, formula.ErrDatabaseNotFound)
	}
	out := make([]formula.Property, len(props))
	copy(out, props)
	return out, nil
}

func (m *Memory) SetComputedValue(_ context.Context, entryID formula.EntryID, propertyID formula.PropertyID, value formula.PropertyValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entryDB[entryID]; !ok {
		return fmt.Errorf("entry %s: %w", entryID, formula.ErrEntryNotFound)
	}
	m.values[cell{entryID, propertyID}] = value
	m.writes++
	return nil
}

func (m *Memory) ListEntryIDs(_ context.Context, databaseID formula.DatabaseID, offset, limit int) ([]formula.EntryID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids, ok := m.entries[databaseID]
	if !ok {
		if _, known := m.properties[databaseID]; !known {
			return nil, fmt.Errorf("database %s: %w", databaseID, formula.ErrDatabaseNotFound)
		}
	}
	if offset >= len(ids) {
		return []formula.EntryID{}, nil
	}
	end := len(ids)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	out := make([]formula.EntryID, end-offset)
	copy(out, ids[offset:end])
	return out, nil
}

var _ formula.DataProvider = (*Memory)(nil)
