/*
provider.go - Interface between the engine and whatever stores databases

PURPOSE:
  The engine never touches storage directly. Everything it reads or writes
  goes through a DataProvider, so the same evaluator runs against SQLite in
  production and an in-memory map in tests.

CONTRACT:
  GetEntryValues:     One row per property of the entry's database, in
                      declaration order. Value is nil for never-set cells.
  GetFormulaProperties / GetPropertiesByDatabase:
                      Properties in declaration order.
  SetComputedValue:   The ONLY write the engine performs; stores a
                      {"formula": {"result": ...}} value for one cell.
  ListEntryIDs:       Stable paging over a database's entries.

  Missing entries/databases are reported with ErrEntryNotFound /
  ErrDatabaseNotFound (wrapped is fine).

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - formula/store/memory.go: In-memory for testing

SEE ALSO:
  - evaluator.go: Reads through GetEntryValues
  - recalc.go: Writes through SetComputedValue
*/
package formula

import "context"

type DataProvider interface {
	// GetEntry returns the entry, or an error wrapping ErrEntryNotFound.
	GetEntry(ctx context.Context, entryID EntryID) (Entry, error)

	// GetEntryValues returns every property of the entry's database with
	// the entry's value for it.
	GetEntryValues(ctx context.Context, entryID EntryID) ([]EntryValue, error)

	// GetFormulaProperties returns the formula-typed properties of a database.
	GetFormulaProperties(ctx context.Context, databaseID DatabaseID) ([]Property, error)

	// GetPropertiesByDatabase returns all properties of a database.
	GetPropertiesByDatabase(ctx context.Context, databaseID DatabaseID) ([]Property, error)

	// SetComputedValue stores a computed formula value.
	SetComputedValue(ctx context.Context, entryID EntryID, propertyID PropertyID, value PropertyValue) error

	// ListEntryIDs returns up to limit entry ids starting at offset.
	ListEntryIDs(ctx context.Context, databaseID DatabaseID, offset, limit int) ([]EntryID, error)
}
