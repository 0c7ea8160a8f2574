// Package config loads this process's configuration, the way ws/config.go
// does: a best-effort .env load followed by caarlos0/env/v11 parsing of a
// flat, tagged struct.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config is the flat, env-tagged configuration shared by the Service and
// its reference cmd/multiplexd binary. Clients embedded in other programs
// construct descriptor.Transport/Config values directly and do not need
// this type.
type Config struct {
	// Transport
	BindAddr    string `env:"MULTIPLEX_BIND_ADDR" envDefault:":7000"`
	ConnectAddr string `env:"MULTIPLEX_CONNECT_ADDR" envDefault:"127.0.0.1:7000"`

	// Heartbeat & timeouts
	HeartbeatMs    int64         `env:"MULTIPLEX_HEARTBEAT_MS" envDefault:"5000"`
	RPCTimeout     time.Duration `env:"MULTIPLEX_RPC_TIMEOUT" envDefault:"10s"`
	InitTimeout    time.Duration `env:"MULTIPLEX_INIT_TIMEOUT" envDefault:"10s"`

	// PushPull
	PushPullQueueCap int `env:"MULTIPLEX_PUSHPULL_QUEUE_CAP" envDefault:"10000"`

	// RPC rate limiting (golang.org/x/time/rate token bucket, per connection)
	RPCRateLimitPerSec float64 `env:"MULTIPLEX_RPC_RATE_PER_SEC" envDefault:"200"`
	RPCRateLimitBurst  int     `env:"MULTIPLEX_RPC_RATE_BURST" envDefault:"50"`

	// Plugins (spec §12)
	EnableHealthPlugin  bool   `env:"MULTIPLEX_ENABLE_HEALTH_PLUGIN" envDefault:"true"`
	EnableMetricsPlugin bool   `env:"MULTIPLEX_ENABLE_METRICS_PLUGIN" envDefault:"true"`
	MetricsAddr         string `env:"MULTIPLEX_METRICS_ADDR" envDefault:":9090"`
	AuditNATSURL        string `env:"MULTIPLEX_AUDIT_NATS_URL" envDefault:""`

	// Logging
	LogLevel  string `env:"MULTIPLEX_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"MULTIPLEX_LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (missing file is only logged, never an error) then
// parses environment variables into Config, validating the result.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks invariants env.Parse cannot express via tags alone.
func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("MULTIPLEX_BIND_ADDR is required")
	}
	if c.HeartbeatMs <= 0 {
		return fmt.Errorf("MULTIPLEX_HEARTBEAT_MS must be > 0, got %d", c.HeartbeatMs)
	}
	if c.PushPullQueueCap <= 0 {
		return fmt.Errorf("MULTIPLEX_PUSHPULL_QUEUE_CAP must be > 0, got %d", c.PushPullQueueCap)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("MULTIPLEX_LOG_LEVEL must be one of debug,info,warn,error, got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("MULTIPLEX_LOG_FORMAT must be one of json,console, got %q", c.LogFormat)
	}
	return nil
}
