/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the formula engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (file, FORMULA_* environment, flags)
  3. Initialize logging
  4. Initialize SQLite store
  5. Build evaluator, recalculator and API handler
  6. Start volatile-formula scheduler
  7. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (default: ./formula.yaml if present)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides database.path
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection and log files

EXAMPLES:
  # Run with file database
  ./server -db="./data/formula.db"

  # Run with in-memory database and a config file
  ./server -db=":memory:" -config=./config/formula.yaml

  # Override via environment
  FORMULA_SERVER_PORT=3000 FORMULA_LOG_LEVEL=debug ./server

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/formula-engine/api"
	"github.com/warp/formula-engine/config"
	"github.com/warp/formula-engine/formula"
	"github.com/warp/formula-engine/logger"
	"github.com/warp/formula-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "formula-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "Path to YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.New(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := logger.Initialize(cfg.Log); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer logger.CloseGlobal()
	log := logger.GetLogger("server")

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Engine
	evaluator := formula.NewEvaluator(store)
	evaluator.Cache = nil // recalc.parse_cache_size 0 disables caching
	if cfg.Recalc.ParseCacheSize > 0 {
		evaluator.Cache = formula.NewParseCache(cfg.Recalc.ParseCacheSize)
	}
	recalc := formula.NewRecalculator(store, evaluator)
	recalc.BatchSize = cfg.Recalc.BatchSize

	handler := api.NewHandler(store, recalc)
	router := api.NewRouter(handler, cfg.Server.AllowedOrigins)

	scheduler := api.NewRecalculationScheduler(store, recalc)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.Interval = cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("db", cfg.Database.Path).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info().Msg("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}
