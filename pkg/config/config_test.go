package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/excalibur-labs/dispatch/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set. The daemon must boot with
// every optional backend unwired.
func TestLoad_Defaults(t *testing.T) {
	// Ensure clean env
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("HEC_ENDPOINT", "")
	t.Setenv("HEC_TOKEN", "")
	t.Setenv("KMS_KEYSTORE_PATH", "")
	t.Setenv("POLL_INTERVAL", "")

	cfg := config.Load()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.RedisAddr)
	assert.Empty(t, cfg.HECEndpoint)
	assert.Empty(t, cfg.KeystorePath)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values. Ops control config via standard 12-factor
// env vars.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("DATABASE_URL", "postgres://dispatch@db:5432/dispatch?sslmode=disable")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("HEC_ENDPOINT", "https://siem:8088/services/collector")
	t.Setenv("HEC_TOKEN", "token-1")
	t.Setenv("KMS_KEYSTORE_PATH", "/var/lib/dispatch/keystore.json")
	t.Setenv("POLL_INTERVAL", "250ms")

	cfg := config.Load()

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres://dispatch@db:5432/dispatch?sslmode=disable", cfg.DatabaseURL)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, "https://siem:8088/services/collector", cfg.HECEndpoint)
	assert.Equal(t, "token-1", cfg.HECToken)
	assert.Equal(t, "/var/lib/dispatch/keystore.json", cfg.KeystorePath)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
}

// TestLoad_BadPollInterval verifies that an unparseable POLL_INTERVAL
// falls back to the default instead of failing boot.
func TestLoad_BadPollInterval(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "soonish")

	cfg := config.Load()
	assert.Equal(t, time.Second, cfg.PollInterval)
}
