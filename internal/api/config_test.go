package api

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfg := LoadServerConfig()

	assert.Equal(t, defaultPort, cfg.Port)
	assert.Equal(t, defaultHost, cfg.Host)
	assert.Equal(t, defaultTimeout, cfg.ReadTimeout)
	assert.Equal(t, defaultMaxRequestSize, cfg.MaxRequestSize)
	assert.Equal(t, defaultMaxUploadSize, cfg.MaxUploadSize)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.Contains(t, cfg.CORS.AllowedMethods, "DELETE")
	assert.Contains(t, cfg.CORS.AllowedHeaders, "X-Webhook-Token")
	assert.Equal(t, 24*time.Hour, cfg.CORS.MaxAge)
	require.NoError(t, cfg.Validate())
}

func TestLoadServerConfig_FromEnv(t *testing.T) {
	t.Setenv("GEOEVENTS_SERVER_PORT", "9090")
	t.Setenv("GEOEVENTS_SERVER_READ_TIMEOUT", "5s")
	t.Setenv("GEOEVENTS_MAX_UPLOAD_BYTES", "2097152")
	t.Setenv("GEOEVENTS_CORS_ALLOWED_ORIGINS", "https://map.example.org, https://admin.example.org")
	t.Setenv("GEOEVENTS_CORS_MAX_AGE", "10m")
	t.Setenv("GEOEVENTS_VERSION", "1.4.0")
	t.Setenv("LOG_LEVEL", "debug")

	cfg := LoadServerConfig()

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, int64(2<<20), cfg.MaxUploadSize)
	assert.Equal(t, []string{"https://map.example.org", "https://admin.example.org"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, 10*time.Minute, cfg.CORS.MaxAge)
	assert.Equal(t, "1.4.0", cfg.Version)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "0.0.0.0:9090", cfg.Address())
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *ServerConfig)
		want   error
	}{
		{"port zero", func(c *ServerConfig) { c.Port = 0 }, ErrInvalidPort},
		{"port too high", func(c *ServerConfig) { c.Port = 70000 }, ErrInvalidPort},
		{"empty host", func(c *ServerConfig) { c.Host = "" }, ErrEmptyHost},
		{"read timeout", func(c *ServerConfig) { c.ReadTimeout = 0 }, ErrInvalidTimeout},
		{"write timeout", func(c *ServerConfig) { c.WriteTimeout = -time.Second }, ErrInvalidTimeout},
		{"shutdown timeout", func(c *ServerConfig) { c.ShutdownTimeout = 0 }, ErrInvalidTimeout},
		{"request size", func(c *ServerConfig) { c.MaxRequestSize = 0 }, ErrInvalidBodyLimit},
		{"upload below request size", func(c *ServerConfig) { c.MaxUploadSize = c.MaxRequestSize - 1 }, ErrInvalidBodyLimit},
		{"mixed wildcard origin", func(c *ServerConfig) {
			c.CORS.AllowedOrigins = []string{"*", "https://map.example.org"}
		}, ErrInvalidCORSOrigins},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)

			require.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}
