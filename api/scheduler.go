/*
scheduler.go - Periodic recalculation of time-dependent formulas

PURPOSE:
  A formula that calls now() goes stale without any write to its entry.
  The scheduler periodically recalculates every database that holds such
  a formula, so stored results track the clock.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A database is picked when any of its formula properties IsVolatile
  - One failing database is logged and does not stop the others

CONFIGURATION:
  - Interval: How often to check (scheduler.interval, default: 1m)
  - Enabled: Whether scheduler is active (scheduler.enabled, default: true)

USAGE:
  scheduler := NewRecalculationScheduler(store, recalc)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - formula/parser.go: IsVolatile
  - formula/recalc.go: RecalculateDatabase
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/warp/formula-engine/formula"
	"github.com/warp/formula-engine/logger"
	"github.com/warp/formula-engine/store/sqlite"
)

// RecalculationScheduler keeps now()-based formulas fresh.
type RecalculationScheduler struct {
	Store        *sqlite.Store
	Recalculator *formula.Recalculator
	Interval     time.Duration
	Enabled      bool

	log    zerolog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewRecalculationScheduler creates a new scheduler.
func NewRecalculationScheduler(store *sqlite.Store, recalc *formula.Recalculator) *RecalculationScheduler {
	return &RecalculationScheduler{
		Store:        store,
		Recalculator: recalc,
		Interval:     time.Minute,
		Enabled:      true,
		log:          logger.GetSchedulerLogger(),
	}
}

// Start begins the scheduler.
func (rs *RecalculationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		rs.log.Info().Msg("scheduler disabled, not starting")
		return
	}
	if rs.ticker != nil {
		return
	}

	rs.ticker = time.NewTicker(rs.Interval)
	rs.stop = make(chan struct{})
	rs.wg.Add(1)

	go rs.run()

	rs.log.Info().Dur("interval", rs.Interval).Msg("scheduler started")
}

// Stop stops the scheduler and waits for a running pass to finish.
func (rs *RecalculationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		rs.ticker = nil
		rs.log.Info().Msg("scheduler stopped")
	}
}

func (rs *RecalculationScheduler) run() {
	defer rs.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-rs.stop
		cancel()
	}()

	// Run immediately on start
	rs.RunOnce(ctx)

	for {
		select {
		case <-rs.ticker.C:
			rs.RunOnce(ctx)
		case <-rs.stop:
			return
		}
	}
}

// RunOnce recalculates every database with a volatile formula and returns
// the number of values written.
func (rs *RecalculationScheduler) RunOnce(ctx context.Context) int {
	databases, err := rs.Store.ListDatabases(ctx)
	if err != nil {
		rs.log.Error().Err(err).Msg("listing databases failed")
		return 0
	}

	total := 0
	for _, db := range databases {
		if ctx.Err() != nil {
			return total
		}
		props, err := rs.Store.GetFormulaProperties(ctx, db.ID)
		if err != nil {
			rs.log.Error().Err(err).Str("database_id", string(db.ID)).Msg("listing formulas failed")
			continue
		}
		volatile := lo.ContainsBy(props, func(p formula.Property) bool {
			return formula.IsVolatile(p.Config.Formula())
		})
		if !volatile {
			continue
		}

		n, err := rs.Recalculator.RecalculateDatabase(ctx, db.ID)
		if err != nil {
			rs.log.Error().Err(err).Str("database_id", string(db.ID)).Msg("scheduled recalculation failed")
			continue
		}
		total += n
	}

	if total > 0 {
		rs.log.Debug().Int("updated", total).Msg("scheduled recalculation completed")
	}
	return total
}
