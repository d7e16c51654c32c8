// Package config loads daemon configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings shared by the scheduler and worker daemons.
type Config struct {
	// DatabaseURL selects the durable store backend. postgres:// URLs use
	// the pgx pool; sqlite: URLs (or bare file paths) use the embedded store.
	DatabaseURL string
	// RedisURL is the change/event bus address. Empty selects the
	// in-process bus, which only makes sense when scheduler and worker run
	// inside one process.
	RedisURL string
	// LeaseSeconds is the work-item lease duration.
	LeaseSeconds int
	// WorkerID identifies this worker in leases and run records.
	WorkerID string
	// PollInterval is the worker's sleep between empty lease attempts.
	PollInterval time.Duration
	// TickInterval is the scheduler's timer resolution.
	TickInterval time.Duration
	// Dev switches logging to human-readable console output.
	Dev bool
}

// Defaults per the daemon contract.
const (
	DefaultLeaseSeconds = 60
	DefaultPollInterval = 250 * time.Millisecond
	DefaultTickInterval = 500 * time.Millisecond
)

// FromEnv builds a Config from environment variables. A missing
// DATABASE_URL is a fatal configuration error.
func FromEnv() (*Config, error) {
	cfg := &Config{
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		LeaseSeconds: DefaultLeaseSeconds,
		PollInterval: DefaultPollInterval,
		TickInterval: DefaultTickInterval,
		WorkerID:     os.Getenv("WORKER_ID"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if v := os.Getenv("LEASE_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("LEASE_SECONDS must be a positive integer, got %q", v)
		}
		cfg.LeaseSeconds = n
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("POLL_INTERVAL_MS must be a positive integer, got %q", v)
		}
		cfg.PollInterval = time.Duration(n) * time.Millisecond
	}
	if v := os.Getenv("SCHEDULER_TICK_MS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("SCHEDULER_TICK_MS must be a positive integer, got %q", v)
		}
		cfg.TickInterval = time.Duration(n) * time.Millisecond
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = DefaultWorkerID()
	}
	return cfg, nil
}

// DefaultWorkerID is host + pid + a random suffix, unique enough to tell
// workers apart in lease and run records.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}
