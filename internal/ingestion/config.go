package ingestion

import (
	"errors"
	"fmt"
	"time"

	"github.com/geoevents/geoevents/internal/config"
	"github.com/geoevents/geoevents/internal/retry"
	"github.com/geoevents/geoevents/internal/schema"
)

const (
	defaultWorkers         = 4
	defaultLeaseDuration   = 5 * time.Minute
	defaultPollInterval    = 2 * time.Second
	defaultSchemaLockTTL   = 2 * time.Minute
	defaultLockRetryDelay  = 10 * time.Second
	defaultMaxRowErrors    = 1000
	defaultEventBatchSize  = 500
	defaultMaxUploadBytes  = 100 << 20
	defaultEnumThreshold   = 50
	defaultEnumPercentage  = 0.05
	defaultRetryMaxRetries = 3
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid ingestion config")

// Config holds pipeline and worker pool settings.
type Config struct {
	Workers       int           // Concurrent jobs per process
	LeaseDuration time.Duration // How long a claimed job stays invisible to other workers
	PollInterval  time.Duration // Idle wait between queue polls

	Retry          retry.Policy
	SchemaLockTTL  time.Duration
	LockRetryDelay time.Duration // Requeue delay when the dataset schema lock is busy
	MaxRowErrors   int
	EventBatchSize int
	MaxUploadBytes int64

	Detect schema.DetectOptions
}

// LoadConfig loads pipeline configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	enumMode := schema.EnumMode(config.GetEnvStr("GEOEVENTS_SCHEMA_ENUM_MODE", string(schema.EnumByCount)))

	enumThreshold := config.GetEnvFloat("GEOEVENTS_SCHEMA_ENUM_THRESHOLD", defaultEnumThreshold)
	if enumMode == schema.EnumByPercentage && enumThreshold >= 1 {
		enumThreshold = defaultEnumPercentage
	}

	return &Config{
		Workers:       config.GetEnvInt("GEOEVENTS_WORKERS", defaultWorkers),
		LeaseDuration: config.GetEnvDuration("GEOEVENTS_JOB_LEASE", defaultLeaseDuration),
		PollInterval:  config.GetEnvDuration("GEOEVENTS_JOB_POLL_INTERVAL", defaultPollInterval),
		Retry: retry.Policy{
			MaxRetries: config.GetEnvInt("GEOEVENTS_JOB_MAX_RETRIES", defaultRetryMaxRetries),
			BaseDelay:  config.GetEnvDuration("GEOEVENTS_JOB_RETRY_BASE_DELAY", retry.DefaultPolicy().BaseDelay),
			Multiplier: config.GetEnvFloat("GEOEVENTS_JOB_RETRY_MULTIPLIER", retry.DefaultPolicy().Multiplier),
			MaxDelay:   config.GetEnvDuration("GEOEVENTS_JOB_RETRY_MAX_DELAY", retry.DefaultPolicy().MaxDelay),
		},
		SchemaLockTTL:  config.GetEnvDuration("GEOEVENTS_SCHEMA_LOCK_TTL", defaultSchemaLockTTL),
		LockRetryDelay: config.GetEnvDuration("GEOEVENTS_SCHEMA_LOCK_RETRY_DELAY", defaultLockRetryDelay),
		MaxRowErrors:   config.GetEnvInt("GEOEVENTS_MAX_ROW_ERRORS", defaultMaxRowErrors),
		EventBatchSize: config.GetEnvInt("GEOEVENTS_EVENT_BATCH_SIZE", defaultEventBatchSize),
		MaxUploadBytes: config.GetEnvInt64("GEOEVENTS_MAX_UPLOAD_BYTES", defaultMaxUploadBytes),
		Detect: schema.DetectOptions{
			SampleSize:    config.GetEnvInt("GEOEVENTS_SCHEMA_SAMPLE_SIZE", 0),
			EnumMode:      enumMode,
			EnumThreshold: enumThreshold,
		},
	}
}

// DefaultConfig returns the configuration LoadConfig yields with no environment set.
func DefaultConfig() *Config {
	return &Config{
		Workers:        defaultWorkers,
		LeaseDuration:  defaultLeaseDuration,
		PollInterval:   defaultPollInterval,
		Retry:          retry.DefaultPolicy(),
		SchemaLockTTL:  defaultSchemaLockTTL,
		LockRetryDelay: defaultLockRetryDelay,
		MaxRowErrors:   defaultMaxRowErrors,
		EventBatchSize: defaultEventBatchSize,
		MaxUploadBytes: defaultMaxUploadBytes,
		Detect:         schema.DefaultDetectOptions(),
	}
}

// Validate checks if the configuration is usable.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("%w: workers must be >= 1", ErrInvalidConfig)
	}

	if c.LeaseDuration <= 0 || c.PollInterval <= 0 {
		return fmt.Errorf("%w: lease and poll interval must be positive", ErrInvalidConfig)
	}

	if c.SchemaLockTTL <= 0 || c.LockRetryDelay <= 0 {
		return fmt.Errorf("%w: schema lock TTL and retry delay must be positive", ErrInvalidConfig)
	}

	if c.EventBatchSize < 1 {
		return fmt.Errorf("%w: event batch size must be >= 1", ErrInvalidConfig)
	}

	switch c.Detect.EnumMode {
	case schema.EnumByCount, schema.EnumByPercentage:
	default:
		return fmt.Errorf("%w: unknown enum mode %q", ErrInvalidConfig, c.Detect.EnumMode)
	}

	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return nil
}
