// Package config holds service configuration: operational tuning constants
// plus the environment-driven settings parsed at startup.
package config

import (
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/friendsofgo/errors"
)

// Reconciliation chunking. Missing-date runs longer than the ceiling are
// split into target-size fetches; a provider timeout re-splits the failing
// range once into retry-size chunks.
const (
	ChunkTargetDays  = 14
	ChunkCeilingDays = 21
	RetryChunkDays   = 7
)

// Provider limits. Analytical queries run for minutes on large windows, so
// the timeout budget is generous and calls are spaced out as a courtesy to
// the upstream service.
const (
	ProviderTimeout  = 10 * time.Minute
	ProviderInterval = 2 * time.Second
)

// Server timeouts. Writes ride out a worst-case reconciling read.
const (
	ServerReadTimeout  = 30 * time.Second
	ServerWriteTimeout = 12 * time.Minute
	ShutdownTimeout    = 30 * time.Second
)

// DefaultLookbackDays is the read window when a request omits date bounds.
const DefaultLookbackDays = 30

// Config is the environment-driven service configuration.
type Config struct {
	Addr     string `env:"TAGWATCH_ADDR" envDefault:":8080"`
	DataDir  string `env:"TAGWATCH_DATA_DIR" envDefault:"./data"`
	InMemory bool   `env:"TAGWATCH_IN_MEMORY" envDefault:"false"`

	LogLevel string `env:"TAGWATCH_LOG_LEVEL" envDefault:"info"`
	LogMode  string `env:"TAGWATCH_LOG_MODE" envDefault:"console"`

	// Analytical query provider. When the URL is empty the service runs
	// against the built-in mock provider.
	ProviderURL    string `env:"TAGWATCH_PROVIDER_URL"`
	ProviderToken  string `env:"TAGWATCH_PROVIDER_TOKEN"`
	ProviderDB     int    `env:"TAGWATCH_PROVIDER_DB" envDefault:"2"`
	ProviderSchema string `env:"TAGWATCH_PROVIDER_SCHEMA" envDefault:"advertising"`

	// Daily auto-collection.
	CollectionEnabled bool     `env:"TAGWATCH_COLLECTION_ENABLED" envDefault:"true"`
	CollectionTime    string   `env:"TAGWATCH_COLLECTION_TIME" envDefault:"06:00"`
	LookbackDays      int      `env:"TAGWATCH_LOOKBACK_DAYS" envDefault:"7"`
	KnownSeatIDs      []string `env:"TAGWATCH_SEAT_IDS" envSeparator:","`
	KnownPublisherIDs []string `env:"TAGWATCH_PUBLISHER_IDS" envSeparator:","`

	// Concurrency bounds for provider traffic.
	FetchWorkers     int `env:"TAGWATCH_FETCH_WORKERS" envDefault:"2"`
	CollectorWorkers int `env:"TAGWATCH_COLLECTOR_WORKERS" envDefault:"2"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	if cfg.LookbackDays < 1 {
		return nil, errors.New("lookback days must be at least 1")
	}
	if cfg.FetchWorkers < 1 || cfg.CollectorWorkers < 1 {
		return nil, errors.New("worker counts must be at least 1")
	}
	return cfg, nil
}
