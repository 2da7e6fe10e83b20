package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting of the execution core. Values from the yaml
// file can be overridden through environment variables (see
// overrideWithEnv); a .env file is loaded first if present.
type Config struct {
	App struct {
		Name string `yaml:"name"`
	} `yaml:"app"`

	Database struct {
		Path string `yaml:"path"` // empty: resolved under the workspace data dir
	} `yaml:"database"`

	Orchestrator struct {
		MaxRetries  int `yaml:"max_retries"`
		RetryBaseMS int `yaml:"retry_base_ms"`
	} `yaml:"orchestrator"`

	Broker struct {
		Mode        string `yaml:"mode"`         // "sim" is the only built-in venue
		InitialCash string `yaml:"initial_cash"` // sim starting balance

		RateLimit struct {
			Burst     int     `yaml:"burst"`
			PerSecond float64 `yaml:"per_second"`
		} `yaml:"rate_limit"`

		Breaker struct {
			FailureThreshold int `yaml:"failure_threshold"`
			SuccessThreshold int `yaml:"success_threshold"`
			TimeoutSec       int `yaml:"timeout_sec"`
		} `yaml:"breaker"`
	} `yaml:"broker"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // "text" or "json"
	} `yaml:"logging"`
}

// DefaultConfig returns a runnable configuration for the sim venue.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.App.Name = "gnosis-exec"
	cfg.Orchestrator.MaxRetries = 3
	cfg.Orchestrator.RetryBaseMS = 1000
	cfg.Broker.Mode = "sim"
	cfg.Broker.InitialCash = "100000"
	cfg.Broker.RateLimit.Burst = 5
	cfg.Broker.RateLimit.PerSecond = 10
	cfg.Broker.Breaker.FailureThreshold = 5
	cfg.Broker.Breaker.SuccessThreshold = 2
	cfg.Broker.Breaker.TimeoutSec = 30
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}

// LoadConfig reads the yaml file, applies env overrides and validates.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	overrideWithEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// RetryBase returns the configured inter-attempt base delay.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Orchestrator.RetryBaseMS) * time.Millisecond
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1, got %d", c.Orchestrator.MaxRetries)
	}
	if c.Orchestrator.RetryBaseMS < 0 {
		return fmt.Errorf("retry_base_ms must not be negative")
	}
	if c.Broker.Mode != "sim" {
		return fmt.Errorf("unknown broker mode: %s", c.Broker.Mode)
	}
	if c.Broker.RateLimit.Burst < 1 || c.Broker.RateLimit.PerSecond <= 0 {
		return fmt.Errorf("rate limit requires burst >= 1 and per_second > 0")
	}
	return nil
}

// overrideWithEnv applies environment variables over file values. Env wins
// so deployments never need to edit the yaml for per-host settings.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("GNOSIS_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("GNOSIS_BROKER_MODE"); v != "" {
		cfg.Broker.Mode = v
	}
	if v := os.Getenv("GNOSIS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GNOSIS_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.MaxRetries = n
		}
	}
}
