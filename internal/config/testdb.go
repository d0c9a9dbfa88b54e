package config

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migration source
	_ "github.com/lib/pq"                                 // PostgreSQL driver
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testDatabaseImage = "postgres:16-alpine"
	readyLogCount     = 2
	containerStartup  = 2 * time.Minute
)

// ErrMigrationsNotFound is returned when no migrations directory exists above
// the working directory.
var ErrMigrationsNotFound = errors.New("migrations directory not found")

// TestDatabase is a migrated PostgreSQL container owned by one test.
type TestDatabase struct {
	Container        *postgres.PostgresContainer
	Connection       *sql.DB
	ConnectionString string
}

// SetupTestDatabase starts PostgreSQL, applies every migration and registers
// cleanup on t. Callers guard it with testing.Short():
//
//	if testing.Short() {
//		t.Skip("skipping integration test in short mode")
//	}
//	db := config.SetupTestDatabase(ctx, t)
func SetupTestDatabase(ctx context.Context, t *testing.T) *TestDatabase {
	t.Helper()

	container, err := postgres.Run(ctx, testDatabaseImage,
		postgres.WithDatabase("geoevents_test"),
		postgres.WithUsername("geoevents"),
		postgres.WithPassword("geoevents"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(readyLogCount).
				WithStartupTimeout(containerStartup),
		),
	)
	require.NoError(t, err, "start postgres container")

	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "postgres connection string")

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err, "open test database")

	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, RunTestMigrations(db), "apply migrations")

	return &TestDatabase{Container: container, Connection: db, ConnectionString: dsn}
}

// Truncate empties the given tables and resets their identities.
func (d *TestDatabase) Truncate(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		return nil
	}

	_, err := d.Connection.ExecContext(ctx,
		"TRUNCATE "+strings.Join(tables, ", ")+" RESTART IDENTITY CASCADE")

	return err
}

// RunTestMigrations applies all up migrations found in the module's
// migrations directory.
func RunTestMigrations(db *sql.DB) error {
	dir, err := migrationsDir()
	if err != nil {
		return err
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+filepath.ToSlash(dir), "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate source: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	return nil
}

// migrationsDir walks up from the working directory to the module root.
func migrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			candidate := filepath.Join(dir, "migrations")
			if _, err := os.Stat(candidate); err != nil {
				return "", fmt.Errorf("%w: %s", ErrMigrationsNotFound, candidate)
			}

			return candidate, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrMigrationsNotFound
		}

		dir = parent
	}
}
