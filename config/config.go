// Package config holds the evolve CLI configuration: a YAML file with
// EVOLVE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. EVOLVE_STORE_DSN.
const EnvPrefix = "EVOLVE_"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Lock backends.
const (
	LockStore = "store"
	LockRedis = "redis"
	LockLocal = "local"
)

// StoreConfig selects the target database.
type StoreConfig struct {
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
	// Schema is the PostgreSQL schema to migrate. Empty means the server's
	// search_path.
	Schema   string `yaml:"schema,omitempty" env:"SCHEMA"`
	MaxConns int32  `yaml:"max_conns,omitempty" env:"MAX_CONNS"`
}

// LockConfig selects how concurrent runners are excluded.
type LockConfig struct {
	Backend string        `yaml:"backend" env:"BACKEND"`
	Key     string        `yaml:"key" env:"KEY"`
	TTL     time.Duration `yaml:"ttl" env:"TTL"`
	// Wait bounds how long a contended lock is retried. Zero fails at once.
	Wait            time.Duration `yaml:"wait" env:"WAIT"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password,omitempty" env:"PASSWORD"`
	DB       int    `yaml:"db,omitempty" env:"DB"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty" env:"ADDR"`
}

// TracingConfig enables OTLP/HTTP export when Endpoint is set.
type TracingConfig struct {
	Endpoint   string  `yaml:"endpoint,omitempty" env:"ENDPOINT"`
	Insecure   bool    `yaml:"insecure,omitempty" env:"INSECURE"`
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Config is the full CLI configuration.
type Config struct {
	Store      StoreConfig `yaml:"store" envPrefix:"STORE_"`
	Migrations string      `yaml:"migrations" env:"MIGRATIONS"`
	// VerifyChecksums refuses to plan when an applied migration was edited.
	VerifyChecksums bool          `yaml:"verify_checksums" env:"VERIFY_CHECKSUMS"`
	Lock            LockConfig    `yaml:"lock" envPrefix:"LOCK_"`
	Redis           RedisConfig   `yaml:"redis" envPrefix:"REDIS_"`
	Log             LogConfig     `yaml:"log" envPrefix:"LOG_"`
	Metrics         MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Tracing         TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
}

// Default returns the configuration used when no file is given: a local
// SQLite database and ./migrations.
func Default() *Config {
	return &Config{
		Store:           StoreConfig{Driver: DriverSQLite, DSN: "evolve.db"},
		Migrations:      "migrations",
		VerifyChecksums: true,
		Lock: LockConfig{
			Backend:         LockStore,
			Key:             "evolve_migrate",
			TTL:             30 * time.Second,
			InitialInterval: 250 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
		Redis:   RedisConfig{Addr: "localhost:6379"},
		Log:     LogConfig{Level: "info", Format: "text"},
		Tracing: TracingConfig{SampleRate: 1},
	}
}

// LoadFromFile reads path over Default(). A missing file is an error.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Load builds the effective configuration: defaults, then the file at path
// when path is non-empty, then environment overrides. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from EVOLVE_* variables. Unset variables leave the
// current value in place.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn: required"))
	}
	if c.Migrations == "" {
		errs = append(errs, errors.New("migrations: required"))
	}
	switch c.Lock.Backend {
	case LockStore, LockLocal:
	case LockRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr: required for the redis lock backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend: unknown backend %q", c.Lock.Backend))
	}
	if c.Lock.Key == "" {
		errs = append(errs, errors.New("lock.key: required"))
	}
	if c.Lock.TTL < time.Second {
		errs = append(errs, fmt.Errorf("lock.ttl: %s is shorter than 1s", c.Lock.TTL))
	}
	if c.Lock.Wait < 0 {
		errs = append(errs, errors.New("lock.wait: must not be negative"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate: %v outside [0, 1]", c.Tracing.SampleRate))
	}
	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
