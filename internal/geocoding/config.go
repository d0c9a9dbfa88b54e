package geocoding

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/geoevents/geoevents/internal/config"
)

// Selection strategies.
const (
	StrategyPriority = "priority"
	StrategyTag      = "tag"
)

const (
	// DefaultConfigPath is the default location of the provider configuration file.
	DefaultConfigPath = "geocoding.yaml"
	// ConfigPathEnvVar overrides DefaultConfigPath.
	ConfigPathEnvVar = "GEOEVENTS_GEOCODING_CONFIG"

	defaultChunkSize       = 100
	defaultConcurrency     = 4
	defaultMaxFailedChunks = 3
	defaultRateLimit       = 1.0
	defaultTimeout         = 10 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerTimeout  = 30 * time.Second
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid geocoding configuration")

// ProviderConfig configures one external geocoder.
//
//nolint:tagliatelle // snake_case is intentional for YAML config files
type ProviderConfig struct {
	Name      string        `yaml:"name"`
	Type      string        `yaml:"type"`
	Enabled   *bool         `yaml:"enabled"`
	Priority  int           `yaml:"priority"`
	Tags      []string      `yaml:"tags"`
	RateLimit float64       `yaml:"rate_limit"`
	Burst     int           `yaml:"burst"`
	Timeout   time.Duration `yaml:"timeout"`
	APIKey    string        `yaml:"api_key"`
	APIKeyEnv string        `yaml:"api_key_env"`
	BaseURL   string        `yaml:"base_url"`
	UserAgent string        `yaml:"user_agent"`
}

// IsEnabled reports whether the provider takes part in selection. Providers are
// enabled unless the file says otherwise.
func (pc ProviderConfig) IsEnabled() bool {
	return pc.Enabled == nil || *pc.Enabled
}

// ResolvedAPIKey returns the inline key or the value of APIKeyEnv.
func (pc ProviderConfig) ResolvedAPIKey() string {
	if pc.APIKey != "" {
		return pc.APIKey
	}

	if pc.APIKeyEnv != "" {
		return os.Getenv(pc.APIKeyEnv)
	}

	return ""
}

// HasTag reports whether the provider carries any of tags.
func (pc ProviderConfig) HasTag(tags []string) bool {
	for _, want := range tags {
		for _, have := range pc.Tags {
			if want == have {
				return true
			}
		}
	}

	return false
}

// BreakerConfig configures the per-provider circuit breaker.
//
//nolint:tagliatelle // snake_case is intentional for YAML config files
type BreakerConfig struct {
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures"`
	// OpenTimeout is how long the breaker stays open before a probe.
	OpenTimeout time.Duration `yaml:"open_timeout"`
}

// Config is the geocoding configuration loaded from YAML.
//
//nolint:tagliatelle // snake_case is intentional for YAML config files
type Config struct {
	Strategy        string           `yaml:"strategy"`
	Tags            []string         `yaml:"tags"`
	Fallback        bool             `yaml:"fallback"`
	ChunkSize       int              `yaml:"chunk_size"`
	Concurrency     int              `yaml:"concurrency"`
	MaxFailedChunks int              `yaml:"max_failed_chunks"`
	Breaker         BreakerConfig    `yaml:"breaker"`
	Providers       []ProviderConfig `yaml:"providers"`
}

// DefaultConfig uses the public Nominatim instance only.
func DefaultConfig() *Config {
	return &Config{
		Strategy:        StrategyPriority,
		Fallback:        true,
		ChunkSize:       defaultChunkSize,
		Concurrency:     defaultConcurrency,
		MaxFailedChunks: defaultMaxFailedChunks,
		Breaker: BreakerConfig{
			ConsecutiveFailures: defaultBreakerFailures,
			OpenTimeout:         defaultBreakerTimeout,
		},
		Providers: []ProviderConfig{
			{Name: "nominatim", Type: TypeNominatim, Priority: 100, RateLimit: defaultRateLimit, Burst: 1, Timeout: defaultTimeout},
		},
	}
}

// Validate checks the strategy and provider list.
func (c *Config) Validate() error {
	if c.Strategy != StrategyPriority && c.Strategy != StrategyTag {
		return fmt.Errorf("%w: strategy must be %q or %q, got %q", ErrInvalidConfig, StrategyPriority, StrategyTag, c.Strategy)
	}

	if c.Strategy == StrategyTag && len(c.Tags) == 0 {
		return fmt.Errorf("%w: tag strategy requires tags", ErrInvalidConfig)
	}

	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalidConfig)
	}

	if c.Concurrency <= 0 {
		return fmt.Errorf("%w: concurrency must be positive", ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(c.Providers))

	for _, pc := range c.Providers {
		if pc.Name == "" {
			return fmt.Errorf("%w: provider name is required", ErrInvalidConfig)
		}

		if seen[pc.Name] {
			return fmt.Errorf("%w: duplicate provider %q", ErrInvalidConfig, pc.Name)
		}

		seen[pc.Name] = true

		if pc.RateLimit < 0 {
			return fmt.Errorf("%w: provider %q rate_limit must not be negative", ErrInvalidConfig, pc.Name)
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyPriority
	}

	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}

	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}

	if c.MaxFailedChunks <= 0 {
		c.MaxFailedChunks = defaultMaxFailedChunks
	}

	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = defaultBreakerFailures
	}

	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = defaultBreakerTimeout
	}

	for i := range c.Providers {
		pc := &c.Providers[i]
		if pc.RateLimit == 0 {
			pc.RateLimit = defaultRateLimit
		}

		if pc.Burst <= 0 {
			pc.Burst = 1
		}

		if pc.Timeout <= 0 {
			pc.Timeout = defaultTimeout
		}
	}
}

// LoadConfig reads the provider configuration from path.
//
// A missing, unreadable or invalid file yields DefaultConfig and a warning, so the
// pipeline can still geocode against the public default provider.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is from trusted config source
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			slog.Debug("Geocoding config not found, using defaults",
				slog.String("path", path))

			return DefaultConfig(), nil
		}

		slog.Warn("Failed to read geocoding config, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultConfig(), nil
	}

	if len(data) == 0 {
		return DefaultConfig(), nil
	}

	cfg := &Config{Fallback: true}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		slog.Warn("Failed to parse geocoding config, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultConfig(), nil
	}

	if len(cfg.Providers) == 0 {
		cfg.Providers = DefaultConfig().Providers
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		slog.Warn("Invalid geocoding config, using defaults",
			slog.String("path", path),
			slog.String("error", err.Error()))

		return DefaultConfig(), nil
	}

	return cfg, nil
}

// LoadConfigFromEnv loads the file named by GEOEVENTS_GEOCODING_CONFIG, falling
// back to geocoding.yaml in the working directory.
func LoadConfigFromEnv() (*Config, error) {
	path := config.GetEnvStr(ConfigPathEnvVar, DefaultConfigPath)

	return LoadConfig(path)
}
