/*
logger.go - zerolog manager with per-package loggers

PURPOSE:
  One Manager owns the output writers. Packages ask for a named child
  logger (tagged pkg=<name>) whose level can be set per package from
  log.levels. Before Initialize is called every logger discards, so
  library code and tests stay silent.

OUTPUTS:
  stderr always; console (human) or JSON format.
  log.file.path adds a file, rotated by lumberjack when max_size_mb > 0.
*/
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/formula-engine/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Manager manages the loggers of all packages.
type Manager struct {
	config         config.LogConfig
	root           zerolog.Logger
	packageLoggers map[string]zerolog.Logger
	mu             sync.RWMutex
	closers        []io.Closer
}

// NewManager creates a manager writing to stderr and, if configured, a file.
func NewManager(cfg config.LogConfig) (*Manager, error) {
	return newManager(cfg, os.Stderr)
}

func newManager(cfg config.LogConfig, stderr io.Writer) (*Manager, error) {
	m := &Manager{
		config:         cfg,
		packageLoggers: make(map[string]zerolog.Logger),
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	console := strings.EqualFold(cfg.Format, "console")
	writers := []io.Writer{stderr}
	if console {
		writers[0] = zerolog.ConsoleWriter{Out: stderr, TimeFormat: "15:04:05.000"}
	}

	if cfg.File.Path != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		var w io.WriteCloser
		if cfg.File.MaxSizeMB > 0 {
			w = &lumberjack.Logger{
				Filename:   cfg.File.Path,
				MaxSize:    cfg.File.MaxSizeMB,
				MaxBackups: cfg.File.MaxBackups,
				MaxAge:     cfg.File.MaxAgeDays,
				Compress:   cfg.File.Compress,
			}
		} else {
			f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("failed to open log file %s: %w", cfg.File.Path, err)
			}
			w = f
		}
		m.closers = append(m.closers, w)
		writers = append(writers, w)
	}

	m.root = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(parseLevel(cfg.Level)).
		With().Timestamp().Logger()
	return m, nil
}

// GetLogger returns the logger for pkg, creating it on first use.
func (m *Manager) GetLogger(pkg string) zerolog.Logger {
	m.mu.RLock()
	l, ok := m.packageLoggers[pkg]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.packageLoggers[pkg]; ok {
		return l
	}

	level := parseLevel(m.config.Level)
	if pkgLevel, ok := m.config.Levels[pkg]; ok {
		level = parseLevel(pkgLevel)
	}
	l = m.root.With().Str("pkg", pkg).Logger().Level(level)
	m.packageLoggers[pkg] = l
	return l
}

// SetPackageLevel changes the level of pkg's logger. Loggers already handed
// out keep their old level.
func (m *Manager) SetPackageLevel(pkg, level string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.Levels == nil {
		m.config.Levels = make(map[string]string)
	}
	m.config.Levels[pkg] = level
	if l, ok := m.packageLoggers[pkg]; ok {
		m.packageLoggers[pkg] = l.Level(parseLevel(level))
	}
}

// Close closes file outputs.
func (m *Manager) Close() error {
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return nil
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "DISABLED", "OFF":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// =============================================================================
// GLOBAL MANAGER
// =============================================================================

var (
	globalMu      sync.RWMutex
	globalManager *Manager
)

// Initialize installs the process-wide manager, replacing any previous one.
func Initialize(cfg config.LogConfig) error {
	m, err := NewManager(cfg)
	if err != nil {
		return err
	}
	globalMu.Lock()
	old := globalManager
	globalManager = m
	globalMu.Unlock()
	if old != nil {
		return old.Close()
	}
	return nil
}

// GetLogger returns pkg's logger from the global manager, or a discard
// logger when none is installed.
func GetLogger(pkg string) zerolog.Logger {
	globalMu.RLock()
	m := globalManager
	globalMu.RUnlock()
	if m == nil {
		return zerolog.Nop()
	}
	return m.GetLogger(pkg)
}

// CloseGlobal closes the global manager's outputs.
func CloseGlobal() error {
	globalMu.RLock()
	m := globalManager
	globalMu.RUnlock()
	if m == nil {
		return nil
	}
	return m.Close()
}

// Named getters keep logger names in sync with log.levels keys.

func GetAPILogger() zerolog.Logger       { return GetLogger("api") }
func GetFormulaLogger() zerolog.Logger   { return GetLogger("formula") }
func GetRecalcLogger() zerolog.Logger    { return GetLogger("recalc") }
func GetDatabaseLogger() zerolog.Logger  { return GetLogger("database") }
func GetSchedulerLogger() zerolog.Logger { return GetLogger("scheduler") }
