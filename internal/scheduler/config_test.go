package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("GEOEVENTS_SCHEDULER_TICK", "30s")
	t.Setenv("GEOEVENTS_SCHEDULER_CONCURRENCY", "2")

	cfg := LoadConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.TickInterval)
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, defaultStuckTimeout, cfg.StuckTimeout)
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StuckTimeout = cfg.FetchTimeout

	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.Concurrency = 0

	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
