/*
recalc.go - Batch recalculation of stored formula values

PURPOSE:
  Re-evaluates the formula properties of one entry, or of every entry in a
  database, and writes each successful result back through the provider.

ORDERING:
  Formulas run in dependency order when the database's static graph is
  acyclic, otherwise in declaration order (the cycle is then detected by
  Evaluate and aborts the batch). Referenced formulas are always resolved
  live during evaluation, so order only avoids stale reads of stored values
  by code outside the engine.

FAILURE POLICY:
  - Ordinary evaluation failure: prior stored value kept, not counted.
  - CircularReferenceError or provider error: whole operation aborts.
    Writes made before the abort stay committed.

SEE ALSO:
  - evaluator.go: Evaluate
  - dependencies.go: BuildGraph / Order
  - api/scheduler.go: Periodic recalculation of volatile formulas
*/
package formula

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/warp/formula-engine/logger"
)

// DefaultBatchSize is the page size RecalculateDatabase reads entries with.
const DefaultBatchSize = 50

type Recalculator struct {
	Provider  DataProvider
	Evaluator *Evaluator
	BatchSize int
	Logger    zerolog.Logger
}

func NewRecalculator(provider DataProvider, evaluator *Evaluator) *Recalculator {
	if evaluator == nil {
		evaluator = NewEvaluator(provider)
	}
	return &Recalculator{
		Provider:  provider,
		Evaluator: evaluator,
		BatchSize: DefaultBatchSize,
		Logger:    logger.GetRecalcLogger(),
	}
}

// RecalculateEntry evaluates every formula property of the entry's database
// for this entry and returns how many values were written.
func (r *Recalculator) RecalculateEntry(ctx context.Context, entryID EntryID) (int, error) {
	entry, err := r.Provider.GetEntry(ctx, entryID)
	if err != nil {
		return 0, err
	}
	props, err := r.orderedFormulas(ctx, entry.DatabaseID)
	if err != nil {
		return 0, err
	}
	return r.recalculate(ctx, entryID, props)
}

// RecalculateDatabase recalculates every entry of the database, reading
// entries BatchSize at a time, and returns the total number of writes.
func (r *Recalculator) RecalculateDatabase(ctx context.Context, databaseID DatabaseID) (int, error) {
	props, err := r.orderedFormulas(ctx, databaseID)
	if err != nil {
		return 0, err
	}
	if len(props) == 0 {
		return 0, nil
	}

	batch := r.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}

	total := 0
	for offset := 0; ; offset += batch {
		ids, err := r.Provider.ListEntryIDs(ctx, databaseID, offset, batch)
		if err != nil {
			return total, err
		}
		for _, id := range ids {
			n, err := r.recalculate(ctx, id, props)
			total += n
			if err != nil {
				return total, err
			}
		}
		if len(ids) < batch {
			break
		}
	}

	r.Logger.Info().
		Str("database_id", string(databaseID)).
		Int("updated", total).
		Msg("database recalculated")
	return total, nil
}

func (r *Recalculator) recalculate(ctx context.Context, entryID EntryID, props []Property) (int, error) {
	count := 0
	for _, prop := range props {
		expr := prop.Config.Formula()
		if expr == "" {
			continue
		}

		res, err := r.Evaluator.Evaluate(ctx, expr, entryID, prop.ID, nil)
		if err != nil {
			r.Logger.Error().
				Str("entry_id", string(entryID)).
				Str("property", prop.Name).
				Err(err).
				Msg("recalculation aborted")
			return count, err
		}
		if !res.OK() {
			r.Logger.Warn().
				Str("entry_id", string(entryID)).
				Str("property", prop.Name).
				Str("error", res.Error).
				Msg("formula failed, keeping previous value")
			continue
		}

		if err := r.Provider.SetComputedValue(ctx, entryID, prop.ID, FormulaValue(res.Value)); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (r *Recalculator) orderedFormulas(ctx context.Context, databaseID DatabaseID) ([]Property, error) {
	all, err := r.Provider.GetPropertiesByDatabase(ctx, databaseID)
	if err != nil {
		return nil, err
	}
	ordered, err := BuildGraph(all).Order()
	if err == nil {
		return ordered, nil
	}

	r.Logger.Debug().
		Str("database_id", string(databaseID)).
		Err(err).
		Msg("dependency graph has a cycle, using declaration order")
	return r.Provider.GetFormulaProperties(ctx, databaseID)
}
