// Package config loads the evlog runtime configuration from EVLOG_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/caarlos0/env/v11"
)

type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendNATS     Backend = "nats"
	BackendRedis    Backend = "redis"
)

var Backends = []Backend{BackendMemory, BackendSQLite, BackendPostgres, BackendNATS, BackendRedis}

type Config struct {
	Backend Backend `env:"EVLOG_BACKEND" envDefault:"sqlite"`

	SQLitePath string `env:"EVLOG_SQLITE_PATH" envDefault:"evlog.db"`

	PostgresDSN string `env:"EVLOG_POSTGRES_DSN"`

	NATSURL           string `env:"EVLOG_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSStream        string `env:"EVLOG_NATS_STREAM" envDefault:"EVLOG_EVENTS"`
	NATSSubjectPrefix string `env:"EVLOG_NATS_SUBJECT_PREFIX" envDefault:"evlog.events"`

	RedisURL    string `env:"EVLOG_REDIS_URL" envDefault:"redis://127.0.0.1:6379/0"`
	RedisPrefix string `env:"EVLOG_REDIS_PREFIX" envDefault:"evlog"`

	LogLevel string `env:"EVLOG_LOG_LEVEL" envDefault:"info"`
	Tracing  bool   `env:"EVLOG_TRACING" envDefault:"false"`
	// OTelEndpoint receives spans over OTLP/HTTP when tracing is on. Empty
	// logs finished spans at debug level instead.
	OTelEndpoint string `env:"EVLOG_OTEL_ENDPOINT"`
}

// Parse reads the environment without validating.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the settings the selected backend needs.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("EVLOG_SQLITE_PATH is required for the sqlite backend"))
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("EVLOG_POSTGRES_DSN is required for the postgres backend"))
		}
	case BackendNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("EVLOG_NATS_URL is required for the nats backend"))
		}
		if c.NATSSubjectPrefix == "" || strings.ContainsAny(c.NATSSubjectPrefix, "*> ") {
			errs = append(errs, fmt.Errorf("invalid EVLOG_NATS_SUBJECT_PREFIX %q", c.NATSSubjectPrefix))
		}
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("EVLOG_REDIS_URL is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q, want one of %v", c.Backend, Backends))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid EVLOG_LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return l, nil
}
