// Package config loads stateflow settings from YAML with environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported store drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
)

// Config is the full process configuration.
type Config struct {
	Namespace string         `yaml:"namespace"`
	Store     StoreConfig    `yaml:"store"`
	Log       LogConfig      `yaml:"log"`
	Engine    EngineConfig   `yaml:"engine"`
	Watchdog  WatchdogConfig `yaml:"watchdog"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Driver   string         `yaml:"driver"`
	Postgres PostgresConfig `yaml:"postgres"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Redis    RedisConfig    `yaml:"redis"`
}

type PostgresConfig struct {
	ConnString  string `yaml:"conn_string"`
	TablePrefix string `yaml:"table_prefix"`
}

type SQLiteConfig struct {
	Path        string `yaml:"path"`
	TablePrefix string `yaml:"table_prefix"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// EngineConfig holds dispatch and retry settings.
type EngineConfig struct {
	LeaseDuration time.Duration `yaml:"lease_duration"`
	Retry         RetryConfig   `yaml:"retry"`
}

// RetryConfig mirrors the engine retry policy.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Strategy    string        `yaml:"strategy"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Jitter      bool          `yaml:"jitter"`
}

// WatchdogConfig controls the timeout sweeper.
type WatchdogConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
	Workers   int           `yaml:"workers"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Namespace: "default",
		Store: StoreConfig{
			Driver: DriverMemory,
			SQLite: SQLiteConfig{Path: "stateflow.db"},
			Redis:  RedisConfig{Addr: "localhost:6379"},
		},
		Log: LogConfig{Level: "info"},
		Engine: EngineConfig{
			LeaseDuration: 5 * time.Minute,
			Retry: RetryConfig{
				MaxAttempts: 3,
				Strategy:    "exponential",
				BaseDelay:   time.Second,
				MaxDelay:    time.Minute,
			},
		},
		Watchdog: WatchdogConfig{
			Interval:  30 * time.Second,
			BatchSize: 100,
			Workers:   1,
		},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("STATEFLOW_STORE"); ok && v != "" {
		c.Store.Driver = v
	}
	if v, ok := lookup("STATEFLOW_NAMESPACE"); ok && v != "" {
		c.Namespace = v
	}
	if v, ok := lookup("POSTGRES_CONN_STRING"); ok && v != "" {
		c.Store.Postgres.ConnString = v
	}
	if v, ok := lookup("REDIS_ADDR"); ok && v != "" {
		c.Store.Redis.Addr = v
	}
	if v, ok := lookup("SQLITE_PATH"); ok && v != "" {
		c.Store.SQLite.Path = v
	}
	if v, ok := lookup("STATEFLOW_LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
}

// Validate reports configuration errors.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverRedis:
	case DriverPostgres:
		if c.Store.Postgres.ConnString == "" {
			errs = append(errs, errors.New("store.postgres.conn_string is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}
	if c.Engine.LeaseDuration <= 0 {
		errs = append(errs, errors.New("engine.lease_duration must be positive"))
	}
	if c.Engine.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("engine.retry.max_attempts must be at least 1"))
	}
	switch c.Engine.Retry.Strategy {
	case "fixed", "linear", "exponential":
	default:
		errs = append(errs, fmt.Errorf("unknown retry strategy %q", c.Engine.Retry.Strategy))
	}
	if c.Watchdog.Interval <= 0 {
		errs = append(errs, errors.New("watchdog.interval must be positive"))
	}
	if c.Watchdog.BatchSize < 1 || c.Watchdog.Workers < 1 {
		errs = append(errs, errors.New("watchdog.batch_size and watchdog.workers must be at least 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
