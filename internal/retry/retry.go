// Package retry holds the exponential backoff policy shared by import jobs and
// scheduled imports.
package retry

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidPolicy is returned by Policy.Validate.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Policy configures exponential backoff. Delays are base * multiplier^(attempt-1).
type Policy struct {
	MaxRetries int           `json:"maxRetries"`
	BaseDelay  time.Duration `json:"baseDelay"`
	Multiplier float64       `json:"multiplier"`
	MaxDelay   time.Duration `json:"maxDelay,omitempty"`
}

// DefaultPolicy returns three retries at 5m, 10m and 20m.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: 3,
		BaseDelay:  5 * time.Minute,
		Multiplier: 2,
		MaxDelay:   24 * time.Hour,
	}
}

// Validate checks that the policy can produce delays.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return errors.Join(ErrInvalidPolicy, errors.New("max retries must be >= 0"))
	}

	if p.BaseDelay <= 0 {
		return errors.Join(ErrInvalidPolicy, errors.New("base delay must be positive"))
	}

	if p.Multiplier < 1 {
		return errors.Join(ErrInvalidPolicy, errors.New("multiplier must be >= 1"))
	}

	return nil
}

// Backoff returns the delay before retry number attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return p.capped(float64(p.BaseDelay))
	}

	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2
	}

	return p.capped(float64(p.BaseDelay) * math.Pow(multiplier, float64(attempt-1)))
}

func (p Policy) capped(delay float64) time.Duration {
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}

	if delay > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(delay)
}

// Decision is the outcome of recording a failure against a retry counter.
type Decision struct {
	// Attempts is the persisted retry counter after this failure.
	Attempts int
	// Exhausted is true when no retries remain.
	Exhausted bool
	// NextAttempt is when the retry becomes due. Zero when exhausted.
	NextAttempt time.Time
}

// Next records one more failure at failedAt given the previously persisted
// attempt count. The schedule is derived from persisted values only, so any
// worker can evaluate it.
func (p Policy) Next(previousAttempts int, failedAt time.Time) Decision {
	attempts := previousAttempts + 1
	if attempts > p.MaxRetries {
		return Decision{Attempts: attempts, Exhausted: true}
	}

	return Decision{
		Attempts:    attempts,
		NextAttempt: failedAt.Add(p.Backoff(attempts)),
	}
}
