// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // postgres | memory
	URL    string `yaml:"url"`
	Pool   int    `yaml:"pool"` // max connections
}

type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // status cache TTL
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"` // per window, per caller
	Window   time.Duration `yaml:"window"`
}

type ServerConfig struct {
	Port      int             `yaml:"port"`
	APIKey    string          `yaml:"api_key"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type JobsConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	MaxPayloadBytes  int           `yaml:"max_payload_bytes"`
	SubscriberBuffer int           `yaml:"subscriber_buffer"` // events buffered per subscriber
	TopicIdleTTL     time.Duration `yaml:"topic_idle_ttl"`    // reclaim topics with no subscribers
	Workers          int           `yaml:"workers"`           // retry execution pool size
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Server   ServerConfig   `yaml:"server"`
	Jobs     JobsConfig     `yaml:"jobs"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Runtime.Dev = dev
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills zero values so a minimal config file still runs.
func (cfg *Config) ApplyDefaults() {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.Driver == "" {
		if cfg.Database.URL == "" {
			cfg.Database.Driver = "memory"
		} else {
			cfg.Database.Driver = "postgres"
		}
	}
	if cfg.Database.Pool <= 0 {
		cfg.Database.Pool = 10
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 5 * time.Minute
	}
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimit.Requests <= 0 {
		cfg.Server.RateLimit.Requests = 120
	}
	if cfg.Server.RateLimit.Window <= 0 {
		cfg.Server.RateLimit.Window = time.Minute
	}
	if cfg.Jobs.MaxRetries <= 0 {
		cfg.Jobs.MaxRetries = 3
	}
	if cfg.Jobs.RetryBaseDelay <= 0 {
		cfg.Jobs.RetryBaseDelay = 5 * time.Second
	}
	if cfg.Jobs.RetryMaxDelay <= 0 {
		cfg.Jobs.RetryMaxDelay = 5 * time.Minute
	}
	if cfg.Jobs.MaxPayloadBytes <= 0 {
		cfg.Jobs.MaxPayloadBytes = 1 << 20 // 1 MiB
	}
	if cfg.Jobs.SubscriberBuffer <= 0 {
		cfg.Jobs.SubscriberBuffer = 16
	}
	if cfg.Jobs.TopicIdleTTL <= 0 {
		cfg.Jobs.TopicIdleTTL = 10 * time.Minute
	}
	if cfg.Jobs.Workers <= 0 {
		cfg.Jobs.Workers = 4
	}
}

// Default returns a config with all defaults applied, used by dev mode when
// no file is present.
func Default(dev bool) *Config {
	cfg := &Config{Runtime: RuntimeConfig{Dev: dev}}
	cfg.ApplyDefaults()
	return cfg
}
