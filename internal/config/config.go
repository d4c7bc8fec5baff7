// Package config loads the worker process's configuration from
// environment variables via internal/env, following the corpus's
// reflection-based env:"..." tag convention with nested-struct validation.
package config

import (
	"fmt"
	"time"

	"github.com/rezkam/jobchain/internal/env"
)

// Config is the root configuration for cmd/jobchaind.
type Config struct {
	Env string `env:"JOBCHAIN_ENV"`

	Worker        WorkerConfig
	Postgres      PostgresConfig
	Observability ObservabilityConfig
}

// WorkerConfig controls the worker loop's concurrency and timing.
type WorkerConfig struct {
	WorkerID     string        `env:"JOBCHAIN_WORKER_ID"`
	Concurrency  int           `env:"JOBCHAIN_WORKER_CONCURRENCY"`
	LeaseMs      int64         `env:"JOBCHAIN_WORKER_LEASE_MS"`
	RenewEvery   time.Duration `env:"JOBCHAIN_WORKER_RENEW_EVERY"`
	PollInterval time.Duration `env:"JOBCHAIN_WORKER_POLL_INTERVAL"`
	ReapInterval time.Duration `env:"JOBCHAIN_WORKER_REAP_INTERVAL"`
}

// Validate checks WorkerConfig invariants once env.Load has populated it.
func (c *WorkerConfig) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("JOBCHAIN_WORKER_CONCURRENCY must not be negative")
	}
	if c.LeaseMs < 0 {
		return fmt.Errorf("JOBCHAIN_WORKER_LEASE_MS must not be negative")
	}
	return nil
}

// PostgresConfig configures the optional pgstate/pgnotify backends. When
// DSN is empty the worker runs against the in-memory reference backend
// instead.
type PostgresConfig struct {
	DSN             string        `env:"JOBCHAIN_POSTGRES_DSN"`
	MaxOpenConns    int           `env:"JOBCHAIN_POSTGRES_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `env:"JOBCHAIN_POSTGRES_MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `env:"JOBCHAIN_POSTGRES_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `env:"JOBCHAIN_POSTGRES_CONN_MAX_IDLE_TIME"`
}

// ObservabilityConfig gates the OTel-backed ObservabilityAdapter.
type ObservabilityConfig struct {
	OTelEnabled bool   `env:"JOBCHAIN_OTEL_ENABLED"`
	ServiceName string `env:"JOBCHAIN_SERVICE_NAME"`
}

// applyDefaults fills in zero-valued fields with their defaults. env.Load
// does not interpret a "default" tag (internal/env's Load doc leaves unset
// fields at their zero values and defaults to the consuming code), so the
// defaults live here instead.
func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.Worker.WorkerID == "" {
		c.Worker.WorkerID = "jobchain-worker"
	}
	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 10
	}
	if c.Worker.LeaseMs == 0 {
		c.Worker.LeaseMs = 30_000
	}
	if c.Worker.RenewEvery == 0 {
		c.Worker.RenewEvery = 10 * time.Second
	}
	if c.Worker.PollInterval == 0 {
		c.Worker.PollInterval = 5 * time.Second
	}
	if c.Worker.ReapInterval == 0 {
		c.Worker.ReapInterval = 30 * time.Second
	}
	if c.Postgres.MaxOpenConns == 0 {
		c.Postgres.MaxOpenConns = 10
	}
	if c.Postgres.MaxIdleConns == 0 {
		c.Postgres.MaxIdleConns = 5
	}
	if c.Postgres.ConnMaxLifetime == 0 {
		c.Postgres.ConnMaxLifetime = time.Hour
	}
	if c.Postgres.ConnMaxIdleTime == 0 {
		c.Postgres.ConnMaxIdleTime = 10 * time.Minute
	}
	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "jobchain-worker"
	}
}

// Load parses environment variables into a Config, applying defaults for
// anything left unset.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}
