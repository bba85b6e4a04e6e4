// Package config loads the subscription engine's process configuration
// from environment variables (with an optional local .env file),
// following the teacher's caarlos0/env + godotenv pattern.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all process configuration for the subscription delivery
// engine.
//
// Tags:
//
//	env: environment variable name
//	envDefault: default value if not set
type Config struct {
	// Server basics
	Addr string `env:"HSTREAM_ADDR" envDefault:":6570"`

	// Log store (Log Client Adapter backend)
	LogStoreBrokers string `env:"HSTREAM_LOGSTORE_BROKERS" envDefault:"localhost:9092"`

	// Metadata store (Metadata Adapter backend)
	MetadataURL    string `env:"HSTREAM_METADATA_URL" envDefault:"nats://localhost:4222"`
	MetadataBucket string `env:"HSTREAM_METADATA_BUCKET" envDefault:"subscriptions"`

	// Dispatch tuning (§4.2)
	DispatchBatchSize int           `env:"HSTREAM_DISPATCH_BATCH_SIZE" envDefault:"1000"`
	DispatchTick      time.Duration `env:"HSTREAM_DISPATCH_TICK" envDefault:"1s"`
	// DefaultAckTimeout is logged at startup only; it does not reach the
	// runtime, which falls back to a fixed 30s when a subscription's
	// ackTimeoutSeconds is 0.
	DefaultAckTimeout time.Duration `env:"HSTREAM_DEFAULT_ACK_TIMEOUT" envDefault:"30s"`

	// Session admission (resource guard)
	MaxSessions        int     `env:"HSTREAM_MAX_SESSIONS" envDefault:"2000"`
	MaxGoroutines      int     `env:"HSTREAM_MAX_GOROUTINES" envDefault:"4000"`
	CPURejectThreshold float64 `env:"HSTREAM_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"HSTREAM_CPU_PAUSE_THRESHOLD" envDefault:"80.0"` // validated and logged only; nothing consults it

	// Consumer session auth (optional; empty secret disables it)
	JWTSecret string `env:"HSTREAM_JWT_SECRET" envDefault:""`

	// Monitoring
	MetricsInterval time.Duration `env:"HSTREAM_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a local .env file (if present) and
// environment variables. Priority: env vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("HSTREAM_ADDR is required")
	}
	if c.DispatchBatchSize < 1 {
		return fmt.Errorf("HSTREAM_DISPATCH_BATCH_SIZE must be > 0, got %d", c.DispatchBatchSize)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("HSTREAM_MAX_SESSIONS must be > 0, got %d", c.MaxSessions)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("HSTREAM_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("HSTREAM_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("HSTREAM_CPU_PAUSE_THRESHOLD (%.1f) must be >= HSTREAM_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// LogFields logs the loaded configuration via structured logging.
func (c *Config) LogFields(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("logstore_brokers", c.LogStoreBrokers).
		Str("metadata_url", c.MetadataURL).
		Int("dispatch_batch_size", c.DispatchBatchSize).
		Dur("dispatch_tick", c.DispatchTick).
		Dur("default_ack_timeout", c.DefaultAckTimeout).
		Int("max_sessions", c.MaxSessions).
		Int("max_goroutines", c.MaxGoroutines).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
