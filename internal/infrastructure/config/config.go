package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Restriction RestrictionConfig `yaml:"restriction"`
	Logging     LogConfig         `yaml:"logging"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
}

// ServerConfig holds diagnostic HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8200" yaml:"port"`
	Host string `envconfig:"HOST" default:"0.0.0.0" yaml:"host"`
}

// DispatchConfig holds broadcast queue tuning. Delays are additive offsets
// applied to the head item's enqueue time; the urgent delay is typically
// negative to pull urgent work ahead.
type DispatchConfig struct {
	DelayNormal          time.Duration `envconfig:"DISPATCH_DELAY_NORMAL" default:"10s" yaml:"delay_normal"`
	DelayCached          time.Duration `envconfig:"DISPATCH_DELAY_CACHED" default:"120s" yaml:"delay_cached"`
	DelayUrgent          time.Duration `envconfig:"DISPATCH_DELAY_URGENT" default:"-120s" yaml:"delay_urgent"`
	MaxConsecutiveUrgent int           `envconfig:"DISPATCH_MAX_CONSECUTIVE_URGENT" default:"3" yaml:"max_consecutive_urgent"`
	MaxConsecutiveNormal int           `envconfig:"DISPATCH_MAX_CONSECUTIVE_NORMAL" default:"10" yaml:"max_consecutive_normal"`
	MaxPending           int           `envconfig:"DISPATCH_MAX_PENDING" default:"256" yaml:"max_pending"`
	BlockedCeiling       time.Duration `envconfig:"DISPATCH_BLOCKED_CEILING" default:"10m" yaml:"blocked_ceiling"`
	HealthInterval       time.Duration `envconfig:"DISPATCH_HEALTH_INTERVAL" default:"1m" yaml:"health_interval"`
}

// RestrictionConfig holds restriction engine tuning.
type RestrictionConfig struct {
	RestrictedBucketEnabled bool          `envconfig:"RESTRICTION_RESTRICTED_BUCKET_ENABLED" default:"true" yaml:"restricted_bucket_enabled"`
	NotificationMinInterval time.Duration `envconfig:"RESTRICTION_NOTIFICATION_MIN_INTERVAL" default:"24h" yaml:"notification_min_interval"`
	EventQueueDepth         int           `envconfig:"RESTRICTION_EVENT_QUEUE_DEPTH" default:"1024" yaml:"event_queue_depth"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" yaml:"development"`
}

// RateLimitConfig holds rate limiting for the diagnostic API.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" yaml:"enabled"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadWithOverrides loads configuration from the environment, then applies
// overrides from an optional YAML tunables file. A missing file is not an
// error; a malformed one is.
func LoadWithOverrides(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read tunables file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse tunables file: %w", err)
	}
	return cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8200",
			Host: "0.0.0.0",
		},
		Dispatch: DispatchConfig{
			DelayNormal:          10 * time.Second,
			DelayCached:          120 * time.Second,
			DelayUrgent:          -120 * time.Second,
			MaxConsecutiveUrgent: 3,
			MaxConsecutiveNormal: 10,
			MaxPending:           256,
			BlockedCeiling:       10 * time.Minute,
			HealthInterval:       time.Minute,
		},
		Restriction: RestrictionConfig{
			RestrictedBucketEnabled: true,
			NotificationMinInterval: 24 * time.Hour,
			EventQueueDepth:         1024,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
