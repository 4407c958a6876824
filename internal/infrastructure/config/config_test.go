package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Server config
	assert.Equal(t, "8200", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Dispatch config
	assert.Equal(t, 10*time.Second, cfg.Dispatch.DelayNormal)
	assert.Equal(t, 120*time.Second, cfg.Dispatch.DelayCached)
	assert.Equal(t, -120*time.Second, cfg.Dispatch.DelayUrgent)
	assert.Equal(t, 3, cfg.Dispatch.MaxConsecutiveUrgent)
	assert.Equal(t, 10, cfg.Dispatch.MaxConsecutiveNormal)
	assert.Equal(t, 256, cfg.Dispatch.MaxPending)
	assert.Equal(t, 10*time.Minute, cfg.Dispatch.BlockedCeiling)

	// Restriction config
	assert.True(t, cfg.Restriction.RestrictedBucketEnabled)
	assert.Equal(t, 24*time.Hour, cfg.Restriction.NotificationMinInterval)
	assert.Equal(t, 1024, cfg.Restriction.EventQueueDepth)

	// Logging config
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)

	// Rate limit config
	assert.Equal(t, 100, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 200, cfg.RateLimit.Burst)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadMatchesDefaults(t *testing.T) {
	// With a clean environment Load yields the same values as Default.
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                            "9200",
		"HOST":                            "127.0.0.1",
		"DISPATCH_DELAY_NORMAL":           "5s",
		"DISPATCH_DELAY_CACHED":           "60s",
		"DISPATCH_DELAY_URGENT":           "-30s",
		"DISPATCH_MAX_CONSECUTIVE_URGENT": "5",
		"DISPATCH_MAX_PENDING":            "64",
		"DISPATCH_BLOCKED_CEILING":        "5m",
		"RESTRICTION_RESTRICTED_BUCKET_ENABLED": "false",
		"RESTRICTION_NOTIFICATION_MIN_INTERVAL": "12h",
		"LOG_LEVEL":          "debug",
		"LOG_DEV":            "true",
		"RATE_LIMIT_RPS":     "500",
		"RATE_LIMIT_ENABLED": "false",
	}

	for key, value := range envVars {
		err := os.Setenv(key, value)
		require.NoError(t, err)
		defer os.Unsetenv(key)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9200", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)

	assert.Equal(t, 5*time.Second, cfg.Dispatch.DelayNormal)
	assert.Equal(t, time.Minute, cfg.Dispatch.DelayCached)
	assert.Equal(t, -30*time.Second, cfg.Dispatch.DelayUrgent)
	assert.Equal(t, 5, cfg.Dispatch.MaxConsecutiveUrgent)
	assert.Equal(t, 64, cfg.Dispatch.MaxPending)
	assert.Equal(t, 5*time.Minute, cfg.Dispatch.BlockedCeiling)

	assert.False(t, cfg.Restriction.RestrictedBucketEnabled)
	assert.Equal(t, 12*time.Hour, cfg.Restriction.NotificationMinInterval)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)

	assert.Equal(t, 500, cfg.RateLimit.RequestsPerSecond)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoadWithPartialEnvironmentVariables(t *testing.T) {
	err := os.Setenv("PORT", "3000")
	require.NoError(t, err)
	defer os.Unsetenv("PORT")

	err = os.Setenv("DISPATCH_MAX_PENDING", "32")
	require.NoError(t, err)
	defer os.Unsetenv("DISPATCH_MAX_PENDING")

	cfg, err := Load()
	require.NoError(t, err)

	// Overridden values
	assert.Equal(t, "3000", cfg.Server.Port)
	assert.Equal(t, 32, cfg.Dispatch.MaxPending)

	// Defaults still apply
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 10*time.Second, cfg.Dispatch.DelayNormal)
	assert.True(t, cfg.Restriction.RestrictedBucketEnabled)
}

func TestLoadWithOverrides(t *testing.T) {
	t.Run("yaml overrides environment defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tunables.yaml")
		data := []byte(`
server:
  port: "9999"
dispatch:
  delay_normal: 2s
  max_pending: 8
restriction:
  restricted_bucket_enabled: false
`)
		require.NoError(t, os.WriteFile(path, data, 0o644))

		cfg, err := LoadWithOverrides(path)
		require.NoError(t, err)

		assert.Equal(t, "9999", cfg.Server.Port)
		assert.Equal(t, 2*time.Second, cfg.Dispatch.DelayNormal)
		assert.Equal(t, 8, cfg.Dispatch.MaxPending)
		assert.False(t, cfg.Restriction.RestrictedBucketEnabled)

		// Untouched sections keep their defaults.
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 10*time.Minute, cfg.Dispatch.BlockedCeiling)
	})

	t.Run("missing file is not an error", func(t *testing.T) {
		cfg, err := LoadWithOverrides(filepath.Join(t.TempDir(), "nope.yaml"))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("empty path skips overrides", func(t *testing.T) {
		cfg, err := LoadWithOverrides("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("malformed file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("dispatch: [not a map"), 0o644))

		_, err := LoadWithOverrides(path)
		assert.Error(t, err)
	})
}
