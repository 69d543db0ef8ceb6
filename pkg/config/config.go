// Package config loads the dispatch daemon's runtime configuration:
// environment variables for deployment wiring, YAML profiles for the
// tunable option blocks.
package config

import (
	"os"
	"time"
)

// Config holds daemon configuration sourced from the environment.
// Empty optional values mean the backend is not wired: no DatabaseURL
// runs the stores on embedded SQLite, no RedisAddr keeps the audit
// writer lock in-process, no HECEndpoint disables the SIEM exporter,
// no KeystorePath keeps key material in memory.
type Config struct {
	LogLevel     string
	DatabaseURL  string
	RedisAddr    string
	HECEndpoint  string
	HECToken     string
	KeystorePath string
	PollInterval time.Duration
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	// Timeout delivery default; unparseable values fall back rather
	// than failing boot.
	pollInterval := time.Second
	if raw := os.Getenv("POLL_INTERVAL"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			pollInterval = parsed
		}
	}

	return &Config{
		LogLevel:     logLevel,
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		HECEndpoint:  os.Getenv("HEC_ENDPOINT"),
		HECToken:     os.Getenv("HEC_TOKEN"),
		KeystorePath: os.Getenv("KMS_KEYSTORE_PATH"),
		PollInterval: pollInterval,
	}
}
