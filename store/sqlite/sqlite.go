/*
Package sqlite provides a SQLite-backed implementation of formula.DataProvider.

PURPOSE:
  Persists user-defined databases: their typed properties, their entries,
  and one JSON value per (entry, property) cell. The formula engine reads
  and writes through the DataProvider methods; the HTTP layer uses the
  CRUD methods below them.

INTERFACES IMPLEMENTED:
  formula.DataProvider: GetEntry, GetEntryValues, GetFormulaProperties,
                        GetPropertiesByDatabase, SetComputedValue, ListEntryIDs

KEY TABLES:
  databases:    User-defined tables
  properties:   Typed columns; UNIQUE(database_id, name); position keeps
                declaration order
  entries:      Rows; rowid keeps insertion order for stable paging
  entry_values: Tagged JSON value per cell, e.g. {"number": 5}

CASCADES:
  Deleting a database removes its properties, entries and values. Deleting
  a property or entry removes its values. Requires _foreign_keys=on.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. ":memory:" databases are pinned to a
  single connection, since every new connection would get an empty database.

USAGE:
  store, err := sqlite.New("./data/formula.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  recalc := formula.NewRecalculator(store, nil)

MIGRATION:
  Schema is auto-migrated on New().

SEE ALSO:
  - formula/provider.go: Interface definition
  - formula/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/warp/formula-engine/formula"
	"github.com/warp/formula-engine/logger"
)

// ErrDuplicateName is returned when a database already has a property
// with the requested name.
var ErrDuplicateName = errors.New("property name already exists in database")

// ErrDuplicateID is returned when a create reuses an id that already
// belongs to another row, including a property of a different database.
var ErrDuplicateID = errors.New("id already in use")

// Store implements formula.DataProvider using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.RWMutex
	log zerolog.Logger
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, log: logger.GetDatabaseLogger()}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	store.log.Debug().Str("path", dbPath).Msg("database opened")
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS databases (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS properties (
		id TEXT PRIMARY KEY,
		database_id TEXT NOT NULL REFERENCES databases(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		config_json TEXT NOT NULL DEFAULT '{}',
		position INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE(database_id, name)
	);

	-- Declaration order within a database (hot path for every evaluation)
	CREATE INDEX IF NOT EXISTS idx_properties_database_position
		ON properties(database_id, position);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		database_id TEXT NOT NULL REFERENCES databases(id) ON DELETE CASCADE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_database
		ON entries(database_id);

	CREATE TABLE IF NOT EXISTS entry_values (
		entry_id TEXT NOT NULL REFERENCES entries(id) ON DELETE CASCADE,
		property_id TEXT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
		value_json TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entry_id, property_id)
	);

	CREATE INDEX IF NOT EXISTS idx_entry_values_property
		ON entry_values(property_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// DATA PROVIDER (formula.DataProvider interface)
// =============================================================================

// GetEntry returns the entry or an error wrapping formula.ErrEntryNotFound.
func (s *Store) GetEntry(ctx context.Context, entryID formula.EntryID) (formula.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getEntry(ctx, entryID)
}

func (s *Store) getEntry(ctx context.Context, entryID formula.EntryID) (formula.Entry, error) {
	var e formula.Entry
	err := s.db.QueryRowContext(ctx,
		"SELECT id, database_id FROM entries WHERE id = ?", entryID,
	).Scan(&e.ID, &e.DatabaseID)
	if err == sql.ErrNoRows {
		return formula.Entry{}, fmt.Errorf("entry %s: %w", entryID, formula.ErrEntryNotFound)
	}
	if err != nil {
		return formula.Entry{}, fmt.Errorf("failed to load entry: %w", err)
	}
	return e, nil
}

// GetEntryValues returns every property of the entry's database, in
// declaration order, with the entry's value (nil if never set).
func (s *Store) GetEntryValues(ctx context.Context, entryID formula.EntryID) ([]formula.EntryValue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, err := s.getEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT p.id, p.name, p.type, p.config_json, v.value_json
		FROM properties p
		LEFT JOIN entry_values v ON v.property_id = p.id AND v.entry_id = ?
		WHERE p.database_id = ?
		ORDER BY p.position ASC
	`
	rows, err := s.db.QueryContext(ctx, query, entryID, entry.DatabaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query entry values: %w", err)
	}
	defer rows.Close()

	var values []formula.EntryValue
	for rows.Next() {
		var (
			ev         formula.EntryValue
			configJSON string
			valueJSON  sql.NullString
		)
		if err := rows.Scan(&ev.PropertyID, &ev.PropertyName, &ev.PropertyType, &configJSON, &valueJSON); err != nil {
			return nil, err
		}
		if ev.PropertyConfig, err = decodeConfig(configJSON); err != nil {
			return nil, err
		}
		if valueJSON.Valid {
			if err := json.Unmarshal([]byte(valueJSON.String), &ev.Value); err != nil {
				return nil, fmt.Errorf("corrupt value for property %s: %w", ev.PropertyID, err)
			}
		}
		values = append(values, ev)
	}
	return values, rows.Err()
}

// GetFormulaProperties returns the formula properties of a database in
// declaration order.
func (s *Store) GetFormulaProperties(ctx context.Context, databaseID formula.DatabaseID) ([]formula.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.requireDatabase(ctx, databaseID); err != nil {
		return nil, err
	}
	return s.queryProperties(ctx, `
		SELECT id, database_id, name, type, config_json FROM properties
		WHERE database_id = ? AND type = ?
		ORDER BY position ASC
	`, databaseID, formula.PropertyTypeFormula)
}

// GetPropertiesByDatabase returns all properties of a database in
// declaration order.
func (s *Store) GetPropertiesByDatabase(ctx context.Context, databaseID formula.DatabaseID) ([]formula.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.requireDatabase(ctx, databaseID); err != nil {
		return nil, err
	}
	return s.queryProperties(ctx, `
		SELECT id, database_id, name, type, config_json FROM properties
		WHERE database_id = ?
		ORDER BY position ASC
	`, databaseID)
}

// SetComputedValue stores a formula result for one cell.
func (s *Store) SetComputedValue(ctx context.Context, entryID formula.EntryID, propertyID formula.PropertyID, value formula.PropertyValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setValue(ctx, entryID, propertyID, value)
}

// ListEntryIDs pages through a database's entries in insertion order.
func (s *Store) ListEntryIDs(ctx context.Context, databaseID formula.DatabaseID, offset, limit int) ([]formula.EntryID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.requireDatabase(ctx, databaseID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM entries WHERE database_id = ? ORDER BY rowid ASC LIMIT ? OFFSET ?",
		databaseID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer rows.Close()

	ids := []formula.EntryID{}
	for rows.Next() {
		var id formula.EntryID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ formula.DataProvider = (*Store)(nil)

// =============================================================================
// DATABASE STORE
// =============================================================================

// DatabaseRecord is a user-defined table.
type DatabaseRecord struct {
	ID        formula.DatabaseID
	Name      string
	CreatedAt time.Time
}

// SaveDatabase creates a database or renames an existing one.
func (s *Store) SaveDatabase(ctx context.Context, d DatabaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO databases (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`
	_, err := s.db.ExecContext(ctx, query, d.ID, d.Name, time.Now().UTC().Format(time.RFC3339))
	return err
}

// GetDatabase retrieves a database by ID. Returns nil, nil if not found.
func (s *Store) GetDatabase(ctx context.Context, id formula.DatabaseID) (*DatabaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var d DatabaseRecord
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM databases WHERE id = ?", id,
	).Scan(&d.ID, &d.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &d, nil
}

// ListDatabases returns all databases ordered by name.
func (s *Store) ListDatabases(ctx context.Context) ([]DatabaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name, created_at FROM databases ORDER BY name, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DatabaseRecord
	for rows.Next() {
		var d DatabaseRecord
		var createdAt string
		if err := rows.Scan(&d.ID, &d.Name, &createdAt); err != nil {
			return nil, err
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeleteDatabase removes a database with its properties, entries and values.
func (s *Store) DeleteDatabase(ctx context.Context, id formula.DatabaseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM databases WHERE id = ?", id)
	if err != nil {
		return err
	}
	return notFoundIfNoRows(res, fmt.Errorf("database %s: %w", id, formula.ErrDatabaseNotFound))
}

func (s *Store) requireDatabase(ctx context.Context, id formula.DatabaseID) error {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM databases WHERE id = ?", id).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("database %s: %w", id, formula.ErrDatabaseNotFound)
	}
	return err
}

// =============================================================================
// PROPERTY STORE
// =============================================================================

// SaveProperty creates a property at the end of its database's declaration
// order, or updates name, type and config of an existing one in place.
// A property never moves between databases: saving an id that belongs to
// another database fails with ErrDuplicateID.
func (s *Store) SaveProperty(ctx context.Context, p formula.Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	configJSON, err := json.Marshal(p.Config)
	if err != nil {
		return fmt.Errorf("failed to encode property config: %w", err)
	}
	if p.Config == nil {
		configJSON = []byte("{}")
	}

	query := `
		INSERT INTO properties (id, database_id, name, type, config_json, position, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(position), -1) + 1 FROM properties WHERE database_id = ?),
			?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			config_json = excluded.config_json,
			updated_at = excluded.updated_at
		WHERE properties.database_id = excluded.database_id
	`
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, query,
		p.ID, p.DatabaseID, p.Name, p.Type, string(configJSON),
		p.DatabaseID,
		now, now,
	)
	switch {
	case err == nil:
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("property %s: %w", p.ID, ErrDuplicateID)
		}
		return nil
	case isUniqueConstraintError(err):
		return fmt.Errorf("%q: %w", p.Name, ErrDuplicateName)
	case isForeignKeyError(err):
		return fmt.Errorf("database %s: %w", p.DatabaseID, formula.ErrDatabaseNotFound)
	default:
		return fmt.Errorf("failed to save property: %w", err)
	}
}

// GetProperty retrieves a property by ID. Returns nil, nil if not found.
func (s *Store) GetProperty(ctx context.Context, id formula.PropertyID) (*formula.Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	props, err := s.queryProperties(ctx,
		"SELECT id, database_id, name, type, config_json FROM properties WHERE id = ?", id)
	if err != nil || len(props) == 0 {
		return nil, err
	}
	return &props[0], nil
}

// DeleteProperty removes a property and its values. Reference checks are
// the caller's job (formula.DependencyExtractor.CheckDeletable).
func (s *Store) DeleteProperty(ctx context.Context, id formula.PropertyID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM properties WHERE id = ?", id)
	if err != nil {
		return err
	}
	return notFoundIfNoRows(res, fmt.Errorf("property %s: %w", id, formula.ErrPropertyNotFound))
}

func (s *Store) queryProperties(ctx context.Context, query string, args ...any) ([]formula.Property, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query properties: %w", err)
	}
	defer rows.Close()

	props := []formula.Property{}
	for rows.Next() {
		var p formula.Property
		var configJSON string
		if err := rows.Scan(&p.ID, &p.DatabaseID, &p.Name, &p.Type, &configJSON); err != nil {
			return nil, err
		}
		if p.Config, err = decodeConfig(configJSON); err != nil {
			return nil, err
		}
		props = append(props, p)
	}
	return props, rows.Err()
}

// =============================================================================
// ENTRY STORE
// =============================================================================

// CreateEntry adds an empty entry to a database.
func (s *Store) CreateEntry(ctx context.Context, e formula.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO entries (id, database_id, created_at) VALUES (?, ?, ?)",
		e.ID, e.DatabaseID, time.Now().UTC().Format(time.RFC3339),
	)
	switch {
	case isForeignKeyError(err):
		return fmt.Errorf("database %s: %w", e.DatabaseID, formula.ErrDatabaseNotFound)
	case isUniqueConstraintError(err):
		return fmt.Errorf("entry %s: %w", e.ID, ErrDuplicateID)
	}
	return err
}

// ListEntries returns a database's entries in insertion order.
func (s *Store) ListEntries(ctx context.Context, databaseID formula.DatabaseID) ([]formula.Entry, error) {
	ids, err := s.ListEntryIDs(ctx, databaseID, 0, 0)
	if err != nil {
		return nil, err
	}
	entries := make([]formula.Entry, len(ids))
	for i, id := range ids {
		entries[i] = formula.Entry{ID: id, DatabaseID: databaseID}
	}
	return entries, nil
}

// DeleteEntry removes an entry and its values.
func (s *Store) DeleteEntry(ctx context.Context, id formula.EntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, "DELETE FROM entries WHERE id = ?", id)
	if err != nil {
		return err
	}
	return notFoundIfNoRows(res, fmt.Errorf("entry %s: %w", id, formula.ErrEntryNotFound))
}

// SetValue stores a user-entered value. A nil value clears the cell.
func (s *Store) SetValue(ctx context.Context, entryID formula.EntryID, propertyID formula.PropertyID, value formula.PropertyValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if value == nil {
		_, err := s.db.ExecContext(ctx,
			"DELETE FROM entry_values WHERE entry_id = ? AND property_id = ?", entryID, propertyID)
		return err
	}
	return s.setValue(ctx, entryID, propertyID, value)
}

func (s *Store) setValue(ctx context.Context, entryID formula.EntryID, propertyID formula.PropertyID, value formula.PropertyValue) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}

	query := `
		INSERT INTO entry_values (entry_id, property_id, value_json, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(entry_id, property_id) DO UPDATE SET
			value_json = excluded.value_json,
			updated_at = excluded.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		entryID, propertyID, string(valueJSON), time.Now().UTC().Format(time.RFC3339))
	if isForeignKeyError(err) {
		if _, lookupErr := s.getEntry(ctx, entryID); lookupErr != nil {
			return lookupErr
		}
		return fmt.Errorf("property %s: %w", propertyID, formula.ErrPropertyNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to store value: %w", err)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"entry_values", "entries", "properties", "databases"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	s.log.Info().Msg("store reset")
	return nil
}

func decodeConfig(raw string) (formula.PropertyConfig, error) {
	cfg := formula.PropertyConfig{}
	if raw == "" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("corrupt property config: %w", err)
	}
	return cfg, nil
}

func notFoundIfNoRows(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
