// Package config provides configuration management for govlock.
package config

import (
	"os"
	"strconv"
	"time"
)

const (
	// DefaultLeaseDuration is the default lock lease length. Leases are kept
	// short so an abandoned session frees its resource quickly.
	DefaultLeaseDuration = 5 * time.Minute

	// DefaultRenewInterval is the client-side renewal cadence. It must be
	// comfortably shorter than the lease so a healthy session never lapses.
	DefaultRenewInterval = 90 * time.Second

	// DefaultMaxLeaseDuration caps client-requested lease lengths.
	DefaultMaxLeaseDuration = 30 * time.Minute
)

// Config holds the application configuration.
type Config struct {
	// Port is the HTTP server port.
	Port string

	// LogLevel is the zerolog level name.
	LogLevel string

	// DatabaseURL selects the Postgres lock store when set.
	DatabaseURL string

	// RedisAddr selects the Redis lock store when set and DatabaseURL is not.
	RedisAddr string

	// LeaseDuration is the default lock lease length.
	LeaseDuration time.Duration

	// RenewInterval is the renewal cadence advertised to clients.
	RenewInterval time.Duration

	// MaxLeaseDuration caps client-requested lease lengths.
	MaxLeaseDuration time.Duration

	// StatusCacheTTL enables the query status cache when positive.
	StatusCacheTTL time.Duration
}

// Load loads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Port:             getEnvOrDefault("PORT", "8080"),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "info"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		LeaseDuration:    getEnvDurationOrDefault("LOCK_LEASE_DURATION", DefaultLeaseDuration),
		RenewInterval:    getEnvDurationOrDefault("LOCK_RENEW_INTERVAL", DefaultRenewInterval),
		MaxLeaseDuration: getEnvDurationOrDefault("LOCK_MAX_LEASE_DURATION", DefaultMaxLeaseDuration),
		StatusCacheTTL:   getEnvDurationOrDefault("STATUS_CACHE_TTL", 0),
	}
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvDurationOrDefault returns the environment variable parsed as a
// duration ("90s", "5m") or as whole seconds, or the default if not set or
// invalid.
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
