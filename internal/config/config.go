// Package config loads the settings that shape a graphcache instance: slot
// table size, HTTP listen address, and the Redis connection backing the
// reference Loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level shape of a graphsrv YAML config file.
type Config struct {
	Addr        string        `yaml:"addr"`
	LogLevel    string        `yaml:"log_level"`
	LogCapacity int           `yaml:"log_capacity"` // cache holds 2^LogCapacity slots
	MaxStride   uint32        `yaml:"max_stride"`   // probe window is [home, home+MaxStride]
	StripeCount uint32        `yaml:"stripe_count"` // lock stripes; must be a power of two
	Redis       RedisConfig   `yaml:"redis"`
	LoadTimeout time.Duration `yaml:"load_timeout"`
}

// RedisConfig points the reference Loader at a backing store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Load reads and validates a config file at path, applying defaults for any
// field left at its zero value.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return LoadYAML(raw)
}

// LoadYAML parses raw YAML bytes into a validated Config. Exported
// separately from Load so callers that already have the bytes (tests,
// embedded defaults) don't need a real file on disk.
func LoadYAML(raw []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ApplyDefaults fills in every field a caller left at its zero value.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogCapacity == 0 {
		c.LogCapacity = 16 // 65536 slots
	}
	if c.MaxStride == 0 {
		c.MaxStride = 20
	}
	if c.StripeCount == 0 {
		c.StripeCount = 1024
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.LoadTimeout == 0 {
		c.LoadTimeout = 5 * time.Second
	}
}

// Validate rejects settings that would make the cache misbehave rather than
// merely perform badly.
func (c *Config) Validate() error {
	if c.LogCapacity < 1 || c.LogCapacity > 30 {
		return fmt.Errorf("log_capacity must be between 1 and 30, got %d", c.LogCapacity)
	}
	if c.MaxStride == 0 {
		return fmt.Errorf("max_stride must be positive, got %d", c.MaxStride)
	}
	if c.StripeCount == 0 || c.StripeCount&(c.StripeCount-1) != 0 {
		return fmt.Errorf("stripe_count must be a power of two, got %d", c.StripeCount)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel)
	}
	if c.LoadTimeout <= 0 {
		return fmt.Errorf("load_timeout must be positive, got %s", c.LoadTimeout)
	}
	return nil
}
