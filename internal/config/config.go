package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines configuration for the swath CLI.
type Config struct {
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	AssetTypes      []string      `yaml:"asset_types"`
	Destination     string        `yaml:"destination"`
	Overwrite       bool          `yaml:"overwrite"`
	NoDelay         bool          `yaml:"no_delay"`
	MinPollInterval time.Duration `yaml:"min_poll_interval"`
	Queues          QueueConfig   `yaml:"queues"`
	Rates           RateConfig    `yaml:"rates"`
	Retry           RetryConfig   `yaml:"retry"`
	LogLevel        string        `yaml:"log_level"`
}

// QueueConfig bounds the per-stage task queues.
type QueueConfig struct {
	Activation int `yaml:"activation"`
	Poll       int `yaml:"poll"`
	Download   int `yaml:"download"`
}

// RateConfig caps per-stage operations per second.
type RateConfig struct {
	Activation float64 `yaml:"activation"`
	Poll       float64 `yaml:"poll"`
	Download   float64 `yaml:"download"`
}

// RetryConfig defines API retry behavior.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		BaseURL:         "https://api.swath.earth",
		MinPollInterval: 5 * time.Second,
		Queues: QueueConfig{
			Activation: 100,
			Poll:       100,
			Download:   4,
		},
		Rates: RateConfig{
			Activation: 5,
			Poll:       2,
			Download:   2,
		},
		Retry: RetryConfig{
			Attempts:   5,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
		LogLevel: "info",
	}
}

// yamlConfig is used for YAML unmarshaling with string durations.
type yamlConfig struct {
	APIKey          string          `yaml:"api_key"`
	BaseURL         string          `yaml:"base_url"`
	AssetTypes      []string        `yaml:"asset_types"`
	Destination     string          `yaml:"destination"`
	Overwrite       bool            `yaml:"overwrite"`
	NoDelay         bool            `yaml:"no_delay"`
	MinPollInterval string          `yaml:"min_poll_interval"`
	Queues          QueueConfig     `yaml:"queues"`
	Rates           RateConfig      `yaml:"rates"`
	Retry           yamlRetryConfig `yaml:"retry"`
	LogLevel        string          `yaml:"log_level"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file, layered over defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.APIKey != "" {
		cfg.APIKey = yc.APIKey
	}
	if yc.BaseURL != "" {
		cfg.BaseURL = yc.BaseURL
	}
	if len(yc.AssetTypes) > 0 {
		cfg.AssetTypes = yc.AssetTypes
	}
	if yc.Destination != "" {
		cfg.Destination = yc.Destination
	}
	cfg.Overwrite = yc.Overwrite
	cfg.NoDelay = yc.NoDelay
	if yc.MinPollInterval != "" {
		d, err := time.ParseDuration(yc.MinPollInterval)
		if err != nil {
			return Config{}, fmt.Errorf("parse min_poll_interval: %w", err)
		}
		cfg.MinPollInterval = d
	}
	if yc.Queues.Activation != 0 {
		cfg.Queues.Activation = yc.Queues.Activation
	}
	if yc.Queues.Poll != 0 {
		cfg.Queues.Poll = yc.Queues.Poll
	}
	if yc.Queues.Download != 0 {
		cfg.Queues.Download = yc.Queues.Download
	}
	if yc.Rates.Activation != 0 {
		cfg.Rates.Activation = yc.Rates.Activation
	}
	if yc.Rates.Poll != 0 {
		cfg.Rates.Poll = yc.Rates.Poll
	}
	if yc.Rates.Download != 0 {
		cfg.Rates.Download = yc.Rates.Download
	}
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(yc.Retry.MaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.max_backoff: %w", err)
		}
		cfg.Retry.MaxBackoff = d
	}
	if yc.LogLevel != "" {
		cfg.LogLevel = yc.LogLevel
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SWATH_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("SWATH_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("SWATH_BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv("SWATH_ASSET_TYPES"); v != "" {
		c.AssetTypes = splitList(v)
	}
	if v := os.Getenv("SWATH_DESTINATION"); v != "" {
		c.Destination = v
	}
	if v := os.Getenv("SWATH_OVERWRITE"); v != "" {
		c.Overwrite = v == "true" || v == "1"
	}
	if v := os.Getenv("SWATH_NO_DELAY"); v != "" {
		c.NoDelay = v == "true" || v == "1"
	}
	if v := os.Getenv("SWATH_MIN_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse SWATH_MIN_POLL_INTERVAL: %w", err)
		}
		c.MinPollInterval = d
	}
	if v := os.Getenv("SWATH_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse SWATH_RETRY_ATTEMPTS: %w", err)
		}
		c.Retry.Attempts = n
	}
	if v := os.Getenv("SWATH_RETRY_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse SWATH_RETRY_BACKOFF: %w", err)
		}
		c.Retry.Backoff = d
	}
	if v := os.Getenv("SWATH_RETRY_MAX_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse SWATH_RETRY_MAX_BACKOFF: %w", err)
		}
		c.Retry.MaxBackoff = d
	}
	if v := os.Getenv("SWATH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("config: api_key is required (set SWATH_API_KEY)")
	}
	if c.BaseURL == "" {
		return errors.New("config: base_url is required")
	}
	if c.MinPollInterval < 0 {
		return errors.New("config: min_poll_interval must not be negative")
	}
	if c.Retry.Attempts < 0 {
		return errors.New("config: retry.attempts must not be negative")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.APIKey != "" {
		c.APIKey = override.APIKey
	}
	if override.BaseURL != "" {
		c.BaseURL = override.BaseURL
	}
	if len(override.AssetTypes) > 0 {
		c.AssetTypes = override.AssetTypes
	}
	if override.Destination != "" {
		c.Destination = override.Destination
	}
	if override.Overwrite {
		c.Overwrite = true
	}
	if override.NoDelay {
		c.NoDelay = true
	}
	if override.MinPollInterval != 0 {
		c.MinPollInterval = override.MinPollInterval
	}
	if override.Queues.Activation != 0 {
		c.Queues.Activation = override.Queues.Activation
	}
	if override.Queues.Poll != 0 {
		c.Queues.Poll = override.Queues.Poll
	}
	if override.Queues.Download != 0 {
		c.Queues.Download = override.Queues.Download
	}
	if override.Rates.Activation != 0 {
		c.Rates.Activation = override.Rates.Activation
	}
	if override.Rates.Poll != 0 {
		c.Rates.Poll = override.Rates.Poll
	}
	if override.Rates.Download != 0 {
		c.Rates.Download = override.Rates.Download
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	if override.LogLevel != "" {
		c.LogLevel = override.LogLevel
	}
	return c
}

// splitList splits a comma-separated list, trimming whitespace.
func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
