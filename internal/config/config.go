// Package config loads broker configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all broker configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Transport
	Addr string `env:"BROKER_ADDR" envDefault:":8080"`

	// Durable Log Store
	DataDir string `env:"BROKER_DATA_DIR" envDefault:"./data"`

	// Capacity
	MaxConnections int `env:"BROKER_MAX_CONNECTIONS" envDefault:"10000"`

	// Actor mailbox sizes
	BrokerMailboxSize   int `env:"BROKER_MAILBOX_SIZE" envDefault:"1024"`
	LogStoreMailboxSize int `env:"BROKER_LOGSTORE_MAILBOX_SIZE" envDefault:"1024"`

	// Per-session outbound queue depth
	SessionSendBufferSize int `env:"BROKER_SESSION_SEND_BUFFER" envDefault:"256"`

	// Submit rate limiting (per client)
	SubmitRatePerClient  float64 `env:"BROKER_SUBMIT_RATE" envDefault:"20"`
	SubmitBurstPerClient int     `env:"BROKER_SUBMIT_BURST" envDefault:"40"`

	// Resource limits (from container/host)
	CPULimit    float64 `env:"BROKER_CPU_LIMIT" envDefault:"1.0"`
	MemoryLimit int64   `env:"BROKER_MEMORY_LIMIT" envDefault:"536870912"` // 512MB

	// Admission control safety thresholds (percent of host CPU, compared
	// as-is; CPULimit does not scale them). Only CPURejectThreshold is
	// passed to the admission guard; CPUPauseThreshold is validated only.
	CPURejectThreshold float64 `env:"BROKER_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"BROKER_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	// Monitoring
	MetricsInterval time.Duration `env:"BROKER_METRICS_INTERVAL" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and the process
// environment. Priority: ENV vars > .env file > defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Info: no .env file found (using environment variables only)")
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

// Validate checks configuration for internally consistent values.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("BROKER_ADDR is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("BROKER_DATA_DIR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("BROKER_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("BROKER_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < 0 || c.CPUPauseThreshold > 100 {
		return fmt.Errorf("BROKER_CPU_PAUSE_THRESHOLD must be 0-100, got %.1f", c.CPUPauseThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("BROKER_CPU_PAUSE_THRESHOLD (%.1f) must be >= BROKER_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "text": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, text, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Print logs configuration in a human-readable form for startup output.
func (c *Config) Print() {
	fmt.Println("=== Broker Configuration ===")
	fmt.Printf("Environment:     %s\n", c.Environment)
	fmt.Printf("Address:         %s\n", c.Addr)
	fmt.Printf("Data directory:  %s\n", c.DataDir)
	fmt.Println("\n=== Capacity ===")
	fmt.Printf("Max Connections: %d\n", c.MaxConnections)
	fmt.Printf("Submit rate:     %.1f/s (burst %d) per client\n", c.SubmitRatePerClient, c.SubmitBurstPerClient)
	fmt.Println("\n=== Resource Limits ===")
	fmt.Printf("CPU Limit:       %.1f cores\n", c.CPULimit)
	fmt.Printf("Memory Limit:    %d MB\n", c.MemoryLimit/(1024*1024))
	fmt.Printf("CPU Reject:      %.1f%%\n", c.CPURejectThreshold)
	fmt.Printf("CPU Pause:       %.1f%%\n", c.CPUPauseThreshold)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:           %s\n", c.LogLevel)
	fmt.Printf("Format:          %s\n", c.LogFormat)
	fmt.Println("=============================")
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("data_dir", c.DataDir).
		Int("max_connections", c.MaxConnections).
		Float64("submit_rate", c.SubmitRatePerClient).
		Int("submit_burst", c.SubmitBurstPerClient).
		Float64("cpu_limit", c.CPULimit).
		Int64("memory_limit_mb", c.MemoryLimit/(1024*1024)).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("broker configuration loaded")
}
