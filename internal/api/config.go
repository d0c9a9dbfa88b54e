// Package api serves the geoevents HTTP API: map and timeline aggregation for
// clients, import administration for operators, and webhook triggers for
// scheduled imports.
package api

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/geoevents/geoevents/internal/api/middleware"
	"github.com/geoevents/geoevents/internal/config"
)

const (
	defaultPort           = 8080
	maxPort               = 65535
	defaultHost           = "0.0.0.0"
	defaultTimeout        = 30 * time.Second
	defaultCORSMaxAge     = 24 * time.Hour
	defaultMaxRequestSize = int64(1 << 20)
	defaultMaxUploadSize  = int64(100 << 20)
	defaultVersion        = "dev"

	defaultCORSMethods = "GET,POST,DELETE,OPTIONS"
	defaultCORSHeaders = "Content-Type,Authorization,X-Correlation-ID,X-API-Key,X-Webhook-Token"
	defaultCORSExposed = "X-Correlation-ID,Retry-After"
)

var (
	// ErrInvalidPort indicates the port number is outside valid range (1-65535).
	ErrInvalidPort = errors.New("invalid port")

	// ErrEmptyHost indicates the server host address is empty.
	ErrEmptyHost = errors.New("host cannot be empty")

	// ErrInvalidTimeout indicates a read, write or shutdown timeout that is not positive.
	ErrInvalidTimeout = errors.New("timeout must be positive")

	// ErrInvalidBodyLimit indicates a JSON body limit that is not positive, or an
	// upload limit below it.
	ErrInvalidBodyLimit = errors.New("invalid body size limit")

	// ErrInvalidCORSOrigins indicates "*" listed together with explicit origins.
	ErrInvalidCORSOrigins = errors.New("wildcard origin cannot be combined with explicit origins")
)

// ServerConfig holds HTTP server configuration. Runtime dependencies are passed
// to NewServer separately.
type ServerConfig struct {
	Port            int
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	LogLevel        slog.Level
	MaxRequestSize  int64 // JSON bodies
	MaxUploadSize   int64 // multipart import uploads
	Version         string
	CORS            middleware.CORSPolicy
}

// LoadServerConfig reads GEOEVENTS_SERVER_*, GEOEVENTS_CORS_* and the body
// limits from the environment.
func LoadServerConfig() *ServerConfig {
	list := func(key, fallback string) []string {
		return config.ParseCommaSeparatedList(config.GetEnvStr(key, fallback))
	}

	return &ServerConfig{
		Port:            config.GetEnvInt("GEOEVENTS_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("GEOEVENTS_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("GEOEVENTS_SERVER_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:    config.GetEnvDuration("GEOEVENTS_SERVER_WRITE_TIMEOUT", defaultTimeout),
		ShutdownTimeout: config.GetEnvDuration("GEOEVENTS_SERVER_TIMEOUT", defaultTimeout),
		LogLevel:        config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		MaxRequestSize:  config.GetEnvInt64("GEOEVENTS_MAX_REQUEST_SIZE", defaultMaxRequestSize),
		MaxUploadSize:   config.GetEnvInt64("GEOEVENTS_MAX_UPLOAD_BYTES", defaultMaxUploadSize),
		Version:         config.GetEnvStr("GEOEVENTS_VERSION", defaultVersion),
		CORS: middleware.CORSPolicy{
			// "*" suits local map development; deployments list their origins.
			AllowedOrigins: list("GEOEVENTS_CORS_ALLOWED_ORIGINS", "*"),
			AllowedMethods: list("GEOEVENTS_CORS_ALLOWED_METHODS", defaultCORSMethods),
			AllowedHeaders: list("GEOEVENTS_CORS_ALLOWED_HEADERS", defaultCORSHeaders),
			ExposedHeaders: list("GEOEVENTS_CORS_EXPOSED_HEADERS", defaultCORSExposed),
			MaxAge:         config.GetEnvDuration("GEOEVENTS_CORS_MAX_AGE", defaultCORSMaxAge),
		},
	}
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate validates the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	for name, d := range map[string]time.Duration{
		"read":     c.ReadTimeout,
		"write":    c.WriteTimeout,
		"shutdown": c.ShutdownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: %s timeout is %v", ErrInvalidTimeout, name, d)
		}
	}

	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: max request size %d bytes", ErrInvalidBodyLimit, c.MaxRequestSize)
	}

	if c.MaxUploadSize < c.MaxRequestSize {
		return fmt.Errorf("%w: max upload size %d is below the max request size %d",
			ErrInvalidBodyLimit, c.MaxUploadSize, c.MaxRequestSize)
	}

	if len(c.CORS.AllowedOrigins) > 1 && slices.Contains(c.CORS.AllowedOrigins, "*") {
		return fmt.Errorf("%w: %v", ErrInvalidCORSOrigins, c.CORS.AllowedOrigins)
	}

	return nil
}
