/*
config.go - Application configuration

PURPOSE:
  One AppConfig built by New() and passed to components. Values come from,
  lowest to highest precedence: defaultConfig(), an optional YAML file,
  FORMULA_* environment variables (dots become underscores, so
  FORMULA_SERVER_PORT sets server.port), and finally command-line flags
  applied by cmd/server.

SEE ALSO:
  - logger/logger.go: Consumes LogConfig
  - cmd/server/main.go: Flag overrides
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

type AppConfig struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Log       LogConfig       `mapstructure:"log"`
	Recalc    RecalcConfig    `mapstructure:"recalc"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"` // empty = allow all
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"` // SQLite file, ":memory:" for ephemeral
}

type LogConfig struct {
	Level  string            `mapstructure:"level"`
	Format string            `mapstructure:"format"` // "console" or "json"
	File   LogFileConfig     `mapstructure:"file"`
	Levels map[string]string `mapstructure:"levels"`
}

// LogFileConfig enables a rotated log file in addition to stderr.
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type RecalcConfig struct {
	BatchSize      int `mapstructure:"batch_size"`
	ParseCacheSize int `mapstructure:"parse_cache_size"`
}

// SchedulerConfig controls periodic recalculation of formulas that call now().
type SchedulerConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// New builds an AppConfig. An empty path searches ./formula.yaml and
// ./config/formula.yaml; a missing file is not an error.
func New(configPath string) (*AppConfig, error) {
	cfg := defaultConfig()

	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("formula")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("FORMULA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// bindEnv registers every key so AutomaticEnv applies to keys that are
// absent from the config file.
func bindEnv(v *viper.Viper) {
	for _, key := range []string{
		"server.host", "server.port", "server.allowed_origins",
		"database.path",
		"log.level", "log.format",
		"log.file.path", "log.file.max_size_mb", "log.file.max_backups", "log.file.max_age_days", "log.file.compress",
		"recalc.batch_size", "recalc.parse_cache_size",
		"scheduler.enabled", "scheduler.interval",
	} {
		_ = v.BindEnv(key)
	}
}

func defaultConfig() AppConfig {
	return AppConfig{
		Server: ServerConfig{
			Host: "",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Path: "formula.db",
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "console",
			File: LogFileConfig{
				MaxSizeMB:  100,
				MaxBackups: 7,
				MaxAgeDays: 30,
				Compress:   true,
			},
			Levels: map[string]string{
				"api":       "INFO",
				"formula":   "INFO",
				"recalc":    "INFO",
				"database":  "INFO",
				"scheduler": "INFO",
			},
		},
		Recalc: RecalcConfig{
			BatchSize:      50,
			ParseCacheSize: 1024,
		},
		Scheduler: SchedulerConfig{
			Enabled:  true,
			Interval: time.Minute,
		},
	}
}

// Validate checks the values that would otherwise fail late.
func (c *AppConfig) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("log.format must be console or json, got %q", c.Log.Format)
	}
	if c.Recalc.BatchSize <= 0 {
		return fmt.Errorf("recalc.batch_size must be positive, got %d", c.Recalc.BatchSize)
	}
	if c.Recalc.ParseCacheSize < 0 {
		return fmt.Errorf("recalc.parse_cache_size must not be negative, got %d", c.Recalc.ParseCacheSize)
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive when the scheduler is enabled, got %s", c.Scheduler.Interval)
	}
	return nil
}
