package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, uint64(1024), cfg.Queue.ClientCapacity)
	assert.Equal(t, uint64(4096), cfg.Queue.LogCapacity)
	assert.Equal(t, time.Millisecond, cfg.Queue.PollInterval)
	assert.Equal(t, "json", cfg.Observability.LogFormat)
	assert.True(t, cfg.MarketData.Enabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("EXCHANGE_QUEUE_CAPACITY", "256")
	t.Setenv("EXCHANGE_POLL_INTERVAL", "5ms")
	t.Setenv("EXCHANGE_WAL_SYNC", "true")
	t.Setenv("EXCHANGE_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(256), cfg.Queue.ClientCapacity)
	assert.Equal(t, 5*time.Millisecond, cfg.Queue.PollInterval)
	assert.True(t, cfg.WAL.SyncMode)
	assert.Equal(t, "debug", cfg.Observability.LogLevel)
}

func TestLoadRejectsNonPowerOfTwoCapacity(t *testing.T) {
	t.Setenv("EXCHANGE_QUEUE_CAPACITY", "1000")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("EXCHANGE_QUEUE_CAPACITY", "not-a-number")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), cfg.Queue.ClientCapacity)
}
