package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSchedule(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 5 * time.Minute, Multiplier: 2}

	assert.Equal(t, 5*time.Minute, p.Backoff(1))
	assert.Equal(t, 10*time.Minute, p.Backoff(2))
	assert.Equal(t, 20*time.Minute, p.Backoff(3))
}

func TestNextExhaustsAfterMaxRetries(t *testing.T) {
	p := Policy{MaxRetries: 3, BaseDelay: 5 * time.Minute, Multiplier: 2}
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	attempts := 0
	failedAt := start
	var offsets []time.Duration

	for range 3 {
		d := p.Next(attempts, failedAt)
		require.False(t, d.Exhausted)
		offsets = append(offsets, d.NextAttempt.Sub(failedAt))
		attempts = d.Attempts
		failedAt = d.NextAttempt
	}

	assert.Equal(t, []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute}, offsets)

	fourth := p.Next(attempts, failedAt)
	assert.True(t, fourth.Exhausted)
	assert.Equal(t, 4, fourth.Attempts)
	assert.True(t, fourth.NextAttempt.IsZero())
}

func TestBackoffCapped(t *testing.T) {
	p := Policy{MaxRetries: 10, BaseDelay: time.Hour, Multiplier: 10, MaxDelay: 2 * time.Hour}

	assert.Equal(t, 2*time.Hour, p.Backoff(5))
}

func TestValidate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	assert.ErrorIs(t, Policy{MaxRetries: -1, BaseDelay: time.Second, Multiplier: 2}.Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, Policy{MaxRetries: 1, Multiplier: 2}.Validate(), ErrInvalidPolicy)
	assert.ErrorIs(t, Policy{MaxRetries: 1, BaseDelay: time.Second, Multiplier: 0.5}.Validate(), ErrInvalidPolicy)
}
