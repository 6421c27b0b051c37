// Package config loads daemon configuration from the environment, with .env
// file support. Command-line flags layered on top by each daemon take
// precedence over everything here.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for optional settings.
const (
	DefaultLeaseSeconds     = 60.0
	DefaultIdleSleepSeconds = 0.5
	DefaultHashMod          = 1
	DefaultMaxAttempts      = 3
)

// Config is the environment-derived configuration shared by the daemons.
type Config struct {
	// DatabaseURL is the Postgres connection string. Required unless the
	// daemon runs with in-memory storage.
	DatabaseURL string

	// ClickHouseDSN enables the result analytics mirror when non-empty.
	ClickHouseDSN string

	// WorkerID identifies a worker among its peers. Empty lets the worker
	// generate one.
	WorkerID string

	// Lease is the task claim lease duration.
	Lease time.Duration

	// IdleSleep is the pause between empty claims.
	IdleSleep time.Duration

	// HashMod is the default task partition count for submitted runs.
	HashMod int

	// MaxAttempts is the per-task attempt budget.
	MaxAttempts int
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first without overriding existing variables.
func Load() (*Config, error) {
	// Missing .env is the common case, not an error.
	_ = godotenv.Load()

	leaseSeconds, err := envFloat("WORKER_LEASE_SECONDS", DefaultLeaseSeconds)
	if err != nil {
		return nil, err
	}
	if leaseSeconds <= 0 {
		return nil, fmt.Errorf("WORKER_LEASE_SECONDS must be positive, got %v", leaseSeconds)
	}
	idleSeconds, err := envFloat("WORKER_IDLE_SLEEP_SECONDS", DefaultIdleSleepSeconds)
	if err != nil {
		return nil, err
	}
	if idleSeconds <= 0 {
		return nil, fmt.Errorf("WORKER_IDLE_SLEEP_SECONDS must be positive, got %v", idleSeconds)
	}
	hashMod, err := envInt("RUN_TASK_HASH_MOD", DefaultHashMod)
	if err != nil {
		return nil, err
	}
	if hashMod < 1 {
		return nil, fmt.Errorf("RUN_TASK_HASH_MOD must be >= 1, got %d", hashMod)
	}
	maxAttempts, err := envInt("RUN_TASK_MAX_ATTEMPTS", DefaultMaxAttempts)
	if err != nil {
		return nil, err
	}
	if maxAttempts < 1 {
		return nil, fmt.Errorf("RUN_TASK_MAX_ATTEMPTS must be >= 1, got %d", maxAttempts)
	}

	return &Config{
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		ClickHouseDSN: os.Getenv("CLICKHOUSE_DSN"),
		WorkerID:      os.Getenv("WORKER_ID"),
		Lease:         time.Duration(leaseSeconds * float64(time.Second)),
		IdleSleep:     time.Duration(idleSeconds * float64(time.Second)),
		HashMod:       hashMod,
		MaxAttempts:   maxAttempts,
	}, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return v, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s=%q: %w", key, raw, err)
	}
	return v, nil
}
