// Package config loads the environment-variable contract (spec §6, §11)
// into a typed struct via struct tags, the way the grounding codebase's
// sibling module does, instead of the JSON-literal-plus-manual-override
// pattern the chosen teacher module used.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"pumpfeed/internal/classify"
)

// WellKnownProgramID is the default PROGRAM_ID when the environment
// doesn't override it.
const WellKnownProgramID = "6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"

// Config is the full environment-variable contract: the four required
// names from spec §6 plus the ambient additions from SPEC_FULL.md §11.
type Config struct {
	UpstreamHTTPURL string `env:"UPSTREAM_HTTP_URL,required"`
	UpstreamWSSURL  string `env:"UPSTREAM_WSS_URL,required"`
	ServerPort      int    `env:"SERVER_PORT,required"`
	ProgramID       string `env:"PROGRAM_ID" envDefault:"6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"`

	MaxInflightFetch     int `env:"MAX_INFLIGHT_FETCH" envDefault:"16"`
	FetchQueueHighWater  int `env:"FETCH_QUEUE_HIGH_WATER" envDefault:"512"`
	FetchTimeoutSeconds  int `env:"FETCH_TIMEOUT_SECONDS" envDefault:"10"`
	FetchMaxRetries      int `env:"FETCH_MAX_RETRIES" envDefault:"3"`

	HubRingCapacity               int `env:"HUB_RING_CAPACITY" envDefault:"100"`
	SubscriberWriteTimeoutSeconds int `env:"SUBSCRIBER_WRITE_TIMEOUT_SECONDS" envDefault:"5"`

	ReconnectBaseSeconds int `env:"RECONNECT_BASE_SECONDS" envDefault:"1"`
	ReconnectCapSeconds  int `env:"RECONNECT_CAP_SECONDS" envDefault:"30"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`
	HealthzEnabled bool `env:"HEALTHZ_ENABLED" envDefault:"true"`

	ShutdownGraceSeconds int `env:"SHUTDOWN_GRACE_SECONDS" envDefault:"10"`
}

// Load reads a .env file if present (local development convenience; a
// missing file is not an error) then parses the environment into Config.
// Any failure here is FatalConfig: startup must be refused.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", classify.FatalConfig, err)
	}

	if cfg.ServerPort <= 0 || cfg.ServerPort > 65535 {
		return Config{}, fmt.Errorf("%w: SERVER_PORT %d out of range", classify.FatalConfig, cfg.ServerPort)
	}

	return cfg, nil
}
