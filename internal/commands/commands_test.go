package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoevents/geoevents/internal/api/middleware"
)

func TestCommandTree(t *testing.T) {
	migrate := NewMigrateCmd()

	var names []string
	for _, sub := range migrate.Commands() {
		names = append(names, sub.Name())
	}

	assert.ElementsMatch(t, []string{"up", "down", "status", "drop"}, names)

	serve := NewServeCmd("test")
	assert.NotNil(t, serve.Flags().Lookup("workers"))
	assert.NotNil(t, serve.Flags().Lookup("scheduler"))
}

func TestDropRequiresConfirmation(t *testing.T) {
	cmd := newDropCmd()
	cmd.SetArgs(nil)

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")
}

func TestRateLimiter(t *testing.T) {
	logger := newLogger()

	limiter, err := rateLimiter(logger)
	require.NoError(t, err)

	inMemory, ok := limiter.(*middleware.InMemoryRateLimiter)
	require.True(t, ok)
	inMemory.Close()

	t.Setenv("GEOEVENTS_RATE_LIMIT_REDIS_ADDR", "localhost:6379")

	limiter, err = rateLimiter(logger)
	require.NoError(t, err)

	distributed, ok := limiter.(*middleware.RedisRateLimiter)
	require.True(t, ok)
	require.NoError(t, distributed.Close())

	t.Setenv("GEOEVENTS_ACCOUNT_RPS", "0")

	_, err = rateLimiter(logger)
	require.ErrorIs(t, err, middleware.ErrInvalidConfig)
}
