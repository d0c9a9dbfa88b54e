package scheduler

import (
	"fmt"
	"time"

	"github.com/geoevents/geoevents/internal/config"
)

const (
	defaultTickInterval     = time.Minute
	defaultStuckTimeout     = 30 * time.Minute
	defaultFetchTimeout     = 5 * time.Minute
	defaultMaxDownloadBytes = 100 << 20
	defaultBatchSize        = 50
	defaultConcurrency      = 4
)

// Config holds scheduler settings.
type Config struct {
	TickInterval     time.Duration // How often due schedules are evaluated
	StuckTimeout     time.Duration // Running executions older than this are reset
	FetchTimeout     time.Duration
	MaxDownloadBytes int64
	BatchSize        int // Due schedules started per tick
	Concurrency      int // Executions running at once within a tick
}

// LoadConfig loads scheduler configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		TickInterval:     config.GetEnvDuration("GEOEVENTS_SCHEDULER_TICK", defaultTickInterval),
		StuckTimeout:     config.GetEnvDuration("GEOEVENTS_SCHEDULER_STUCK_TIMEOUT", defaultStuckTimeout),
		FetchTimeout:     config.GetEnvDuration("GEOEVENTS_SCHEDULER_FETCH_TIMEOUT", defaultFetchTimeout),
		MaxDownloadBytes: config.GetEnvInt64("GEOEVENTS_SCHEDULER_MAX_DOWNLOAD_BYTES", defaultMaxDownloadBytes),
		BatchSize:        config.GetEnvInt("GEOEVENTS_SCHEDULER_BATCH_SIZE", defaultBatchSize),
		Concurrency:      config.GetEnvInt("GEOEVENTS_SCHEDULER_CONCURRENCY", defaultConcurrency),
	}
}

// DefaultConfig returns the configuration LoadConfig yields with no environment set.
func DefaultConfig() *Config {
	return &Config{
		TickInterval:     defaultTickInterval,
		StuckTimeout:     defaultStuckTimeout,
		FetchTimeout:     defaultFetchTimeout,
		MaxDownloadBytes: defaultMaxDownloadBytes,
		BatchSize:        defaultBatchSize,
		Concurrency:      defaultConcurrency,
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be positive", ErrInvalidConfig)
	}

	if c.StuckTimeout <= c.FetchTimeout {
		return fmt.Errorf("%w: stuck timeout must exceed the fetch timeout", ErrInvalidConfig)
	}

	if c.BatchSize < 1 || c.Concurrency < 1 {
		return fmt.Errorf("%w: batch size and concurrency must be >= 1", ErrInvalidConfig)
	}

	return nil
}
