// Package config loads relay configuration from environment variables.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds relay configuration.
type Config struct {
	// Server
	Port     int
	LogLevel string

	// Authentication
	JWTSecret string

	// Durable store
	DatabaseURL string

	// Cache (optional)
	RedisURL string

	// Timing. These carry defaults rather than env bindings; tests shrink
	// them through struct literals.
	HeartbeatInterval      time.Duration
	HeartbeatTimeout       time.Duration
	PersistDebounce        time.Duration
	PersistDebounceDurable time.Duration
	DurableWriteFloor      time.Duration
}

// ErrMissingJWTSecret is returned when JWT_SECRET is not set. The relay
// cannot verify session tokens without it.
var ErrMissingJWTSecret = errors.New("JWT_SECRET is required")

// ErrMissingDatabaseURL is returned when DATABASE_URL is not set.
var ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetDefault("port", 4001)
	v.SetDefault("log_level", "info")

	_ = v.BindEnv("port", "REALTIME_PORT")
	_ = v.BindEnv("jwt_secret", "JWT_SECRET")
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("log_level", "LOG_LEVEL")

	cfg := &Config{
		Port:        v.GetInt("port"),
		LogLevel:    v.GetString("log_level"),
		JWTSecret:   v.GetString("jwt_secret"),
		DatabaseURL: v.GetString("database_url"),
		RedisURL:    v.GetString("redis_url"),

		HeartbeatInterval:      5 * time.Second,
		HeartbeatTimeout:       10 * time.Second,
		PersistDebounce:        1 * time.Second,
		PersistDebounceDurable: 5 * time.Second,
		DurableWriteFloor:      5 * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	return nil
}
