package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_ENV", "nonexistent")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3*time.Second, cfg.OfferGrace)
	assert.Equal(t, 3*time.Second, cfg.ChunkCadence)
	assert.Equal(t, 100, cfg.MinChunkBytes)
	assert.Equal(t, 3, cfg.UndersizedRunLimit)
	assert.Equal(t, 10, cfg.QueueCapacity)
	assert.Equal(t, 5*time.Second, cfg.LatencyWarn)
	assert.Equal(t, time.Second, cfg.ReconnectBase)
	assert.Equal(t, 30*time.Second, cfg.ReconnectCap)
	assert.Equal(t, 10, cfg.ReconnectAttempts)
	assert.Equal(t, 10*time.Second, cfg.CaptureHealthInterval)
	assert.NotEmpty(t, cfg.STUNURLs)
}
