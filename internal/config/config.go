// Package config defines service configuration structures and loading hooks.
//
// Conventions:
//   - Provide New(ctx) to build a Config with defaults and Load(ctx) to layer
//     a .env file, a YAML file and LADDER_ environment variables on top.
//   - Errors wrap ErrLoadConfig or ErrInvalidConfig.
package config

import (
	"context"
	"time"
)

// Store kinds accepted by the Store field.
const (
	StoreMemory   = "memory"
	StoreBadger   = "badger"
	StorePostgres = "postgres"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn warning error"`

	// LogFormat selects text or json log lines.
	LogFormat string `koanf:"log_format" validate:"oneof=text json"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr" validate:"required"`

	// Store selects the ladder backend.
	Store string `koanf:"store" validate:"oneof=memory badger postgres"`

	// BadgerPath is the Badger data directory. Required for the badger
	// store unless BadgerInMemory is set.
	BadgerPath     string `koanf:"badger_path" validate:"required_if=Store badger BadgerInMemory false"`
	BadgerInMemory bool   `koanf:"badger_in_memory"`

	// BadgerMaxCompetitors is the ladder size Badger transactions are sized
	// for. A rank shift across a larger ladder fails.
	BadgerMaxCompetitors int `koanf:"badger_max_competitors" validate:"gt=0"`

	// DatabaseURL is the PostgreSQL connection string for the postgres store.
	DatabaseURL string `koanf:"database_url" validate:"required_if=Store postgres"`

	// ResultQueueSize bounds the in-memory result queue.
	ResultQueueSize int `koanf:"result_queue_size" validate:"gt=0"`

	// ResultWorkers sets the number of result workers. One worker keeps
	// results in submission order.
	ResultWorkers int `koanf:"result_workers" validate:"gt=0"`

	// DedupeSize bounds the remembered result ids.
	DedupeSize int `koanf:"dedupe_size" validate:"gt=0"`

	// ShutdownTimeoutMS bounds the graceful shutdown, queue drain included.
	ShutdownTimeoutMS int `koanf:"shutdown_timeout_ms" validate:"gt=0"`

	// WriteRateLimit caps mutating API requests per second; 0 disables it.
	WriteRateLimit float64 `koanf:"write_rate_limit" validate:"gte=0"`
	WriteBurst     int     `koanf:"write_burst" validate:"gte=0"`
}

// New creates a Config with defaults. Context is accepted first to satisfy
// the project-wide convention.
func New(_ context.Context) *Config {
	return &Config{
		LogLevel:             "info",
		LogFormat:            "text",
		Addr:                 ":9080",
		Store:                StoreMemory,
		BadgerPath:           "data/badger",
		BadgerMaxCompetitors: 100_000,
		ResultQueueSize:      10_000,
		ResultWorkers:        1,
		DedupeSize:           50_000,
		ShutdownTimeoutMS:    10_000,
		WriteRateLimit:       0,
		WriteBurst:           50,
	}
}

// ShutdownTimeout returns ShutdownTimeoutMS as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}
