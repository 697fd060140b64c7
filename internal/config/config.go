// Package config loads the dispatcher configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"glimpse-api/internal/shared"
)

// Config holds all dispatcher configuration.
type Config struct {
	Listen    string           `yaml:"listen"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
	Limiter   LimiterConfig    `yaml:"limiter"`
	Retry     RetryConfig      `yaml:"retry"`
	Cache     CacheConfig      `yaml:"cache"`
	Router    RouterConfig     `yaml:"router"`
	Journal   JournalConfig    `yaml:"journal"`
}

// EndpointConfig defines one upstream completion endpoint and the token
// bucket that gates admission to it.
type EndpointConfig struct {
	Name   string       `yaml:"name"`
	URL    string       `yaml:"url"`
	APIKey string       `yaml:"api_key"`
	Bucket BucketConfig `yaml:"bucket"`
}

type BucketConfig struct {
	Capacity    float64       `yaml:"capacity"`
	RefillRate  float64       `yaml:"refill_rate"`
	RateCeiling float64       `yaml:"rate_ceiling"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

// LimiterConfig tunes how buckets react to upstream pressure. ShrinkFactor
// multiplies the refill rate on a throttle signal, GrowthStep is added back
// after SuccessWindow consecutive successes.
type LimiterConfig struct {
	ShrinkFactor  float64 `yaml:"shrink_factor"`
	GrowthStep    float64 `yaml:"growth_step"`
	SuccessWindow int     `yaml:"success_window"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// CacheConfig controls the response cache. RedisAddr enables the remote tier
// when set, the local LRU stays authoritative either way.
type CacheConfig struct {
	MaxEntries    int           `yaml:"max_entries"`
	MaxBytes      int64         `yaml:"max_bytes"`
	MaxEntryBytes int64         `yaml:"max_entry_bytes"`
	MaxAge        time.Duration `yaml:"max_age"`
	RedisAddr     string        `yaml:"redis_addr"`
}

// RouterConfig defines the model tiers requests can land on. Rules are fixed,
// tiers bind them to concrete models and endpoints.
type RouterConfig struct {
	Tiers        []TierConfig `yaml:"tiers"`
	LiteMaxChars int          `yaml:"lite_max_chars"`
}

// TierConfig binds one routing rule to a concrete model. Triggers overrides
// the built-in keyword list for the search and reasoning rules.
type TierConfig struct {
	Name      string   `yaml:"name"`
	Model     string   `yaml:"model"`
	Endpoint  string   `yaml:"endpoint"`
	Priority  string   `yaml:"priority"`
	MaxTokens int      `yaml:"max_tokens"`
	Triggers  []string `yaml:"triggers"`
}

// JournalConfig controls the request journal. An empty DSN disables it.
type JournalConfig struct {
	DSN           string        `yaml:"dsn"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Limiter: LimiterConfig{
			ShrinkFactor:  0.5,
			GrowthStep:    1,
			SuccessWindow: 10,
		},
		Retry: RetryConfig{
			MaxAttempts: 4,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
		},
		Cache: CacheConfig{
			MaxEntries:    1024,
			MaxBytes:      64 << 20,
			MaxEntryBytes: 1 << 20,
			MaxAge:        shared.DefaultCacheMaxAge,
		},
		Router: RouterConfig{
			LiteMaxChars: 240,
		},
		Journal: JournalConfig{
			FlushInterval: shared.JournalFlushInterval,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate fills per entry defaults and rejects configs the dispatcher could
// not run with.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("config: at least one endpoint is required")
	}
	names := make(map[string]bool, len(c.Endpoints))
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.Name == "" {
			return fmt.Errorf("config: endpoint %d has no name", i)
		}
		if names[ep.Name] {
			return fmt.Errorf("config: duplicate endpoint %q", ep.Name)
		}
		names[ep.Name] = true
		if ep.URL == "" {
			return fmt.Errorf("config: endpoint %q has no url", ep.Name)
		}
		// admission costs are token estimates, buckets default to token scale
		if ep.Bucket.Capacity <= 0 {
			ep.Bucket.Capacity = 8192
		}
		if ep.Bucket.RefillRate <= 0 {
			ep.Bucket.RefillRate = 128
		}
		if ep.Bucket.RateCeiling <= 0 {
			ep.Bucket.RateCeiling = ep.Bucket.RefillRate
		}
		if ep.Bucket.MaxWait <= 0 {
			ep.Bucket.MaxWait = 30 * time.Second
		}
	}

	if len(c.Router.Tiers) == 0 {
		return fmt.Errorf("config: at least one router tier is required")
	}
	hasDefault := false
	for i := range c.Router.Tiers {
		tier := &c.Router.Tiers[i]
		if tier.Name == "" {
			return fmt.Errorf("config: tier %d has no name", i)
		}
		if tier.Model == "" {
			return fmt.Errorf("config: tier %q has no model", tier.Name)
		}
		if !names[tier.Endpoint] {
			return fmt.Errorf("config: tier %q references unknown endpoint %q", tier.Name, tier.Endpoint)
		}
		switch tier.Priority {
		case "":
			tier.Priority = "normal"
		case "low", "normal", "high":
		default:
			return fmt.Errorf("config: tier %q has invalid priority %q", tier.Name, tier.Priority)
		}
		if tier.MaxTokens <= 0 {
			tier.MaxTokens = shared.DefaultMaxTokens
		}
		if tier.Name == "default" {
			hasDefault = true
		}
	}
	if !hasDefault {
		return fmt.Errorf("config: a tier named \"default\" is required")
	}

	if c.Limiter.ShrinkFactor <= 0 || c.Limiter.ShrinkFactor >= 1 {
		return fmt.Errorf("config: limiter shrink_factor must be in (0, 1)")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry max_attempts must be at least 1")
	}
	return nil
}

// Endpoint returns the endpoint config by name.
func (c *Config) Endpoint(name string) (EndpointConfig, bool) {
	for _, ep := range c.Endpoints {
		if ep.Name == name {
			return ep, true
		}
	}
	return EndpointConfig{}, false
}
