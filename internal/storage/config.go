package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/geoevents/geoevents/internal/config"
)

const (
	defaultMaxOpenConns     = 25
	defaultMaxIdleConns     = 5
	defaultConnMaxLifetime  = 30 * time.Minute
	defaultConnMaxIdleTime  = 10 * time.Minute
	defaultStatementTimeout = time.Minute
	defaultApplicationName  = "geoevents"
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")

	// ErrInvalidPoolSize is returned for a non-positive pool or more idle than open connections.
	ErrInvalidPoolSize = errors.New("invalid connection pool size")
)

// Config holds PostgreSQL connection configuration for the write-side stores.
type Config struct {
	databaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// StatementTimeout bounds every statement server-side. Event batch inserts
	// are the slowest statements the pipeline issues. Zero disables it.
	StatementTimeout time.Duration
	ApplicationName  string
}

// LoadConfig reads DATABASE_URL and the DATABASE_* pool settings.
func LoadConfig() *Config {
	return &Config{
		databaseURL:      config.GetEnvStr("DATABASE_URL", ""),
		MaxOpenConns:     config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:     config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime:  config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime:  config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		StatementTimeout: config.GetEnvDuration("DATABASE_STATEMENT_TIMEOUT", defaultStatementTimeout),
		ApplicationName:  config.GetEnvStr("DATABASE_APPLICATION_NAME", defaultApplicationName),
	}
}

// NewConfig builds a Config for dsn with default pool settings.
func NewConfig(dsn string) *Config {
	return &Config{
		databaseURL:      dsn,
		MaxOpenConns:     defaultMaxOpenConns,
		MaxIdleConns:     defaultMaxIdleConns,
		ConnMaxLifetime:  defaultConnMaxLifetime,
		ConnMaxIdleTime:  defaultConnMaxIdleTime,
		StatementTimeout: defaultStatementTimeout,
		ApplicationName:  defaultApplicationName,
	}
}

// Validate checks the URL and pool sizing.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MaxOpenConns <= 0 || c.MaxIdleConns < 0 || c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("%w: open=%d idle=%d", ErrInvalidPoolSize, c.MaxOpenConns, c.MaxIdleConns)
	}

	return nil
}

// DatabaseURL returns the unmasked connection string. Never log it.
func (c *Config) DatabaseURL() string {
	return c.databaseURL
}

// MaskDatabaseURL returns a masked databaseURL safe for logging.
func (c *Config) MaskDatabaseURL() string {
	return config.MaskDatabaseURL(c.databaseURL)
}

// connectionString adds application_name and statement_timeout to URL-form
// DSNs unless the DSN already sets them. Key/value DSNs are returned as is.
func (c *Config) connectionString() string {
	u, err := url.Parse(c.databaseURL)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return c.databaseURL
	}

	q := u.Query()

	if c.ApplicationName != "" && !q.Has("application_name") {
		q.Set("application_name", c.ApplicationName)
	}

	if c.StatementTimeout > 0 && !q.Has("statement_timeout") {
		q.Set("statement_timeout", strconv.FormatInt(c.StatementTimeout.Milliseconds(), 10))
	}

	u.RawQuery = q.Encode()

	return u.String()
}
