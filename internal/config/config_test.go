package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itinera-ai/itinera/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 10, cfg.StreamMaxPerSecond)
	assert.Equal(t, "itinera", cfg.ServiceName)
	assert.Empty(t, cfg.RedisURL)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ITINERA_PORT", "9090")
	t.Setenv("ITINERA_IDEMPOTENCY_TTL", "1h")
	t.Setenv("ITINERA_STREAM_MAX_PER_SECOND", "25")
	t.Setenv("ITINERA_LOG_LEVEL", "debug")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, 25, cfg.StreamMaxPerSecond)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("ITINERA_PORT", "not-a-number")
	t.Setenv("ITINERA_READ_TIMEOUT", "soon")

	cfg, err := config.Load()
	require.NoError(t, err)

	// Unparseable values fall back to defaults rather than failing startup.
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	t.Setenv("ITINERA_START_RUN_LIMIT", "-1")
	_, err := config.Load()
	assert.ErrorContains(t, err, "rate limits")
}

func TestValidateRejectsZeroTTL(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	cfg.IdempotencyTTL = 0
	assert.Error(t, cfg.Validate())
}
