package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/geoevents/geoevents/internal/config"
)

const defaultMigrationTable = "schema_migrations"

// ErrInvalidConfig is returned when the migration configuration is unusable.
var ErrInvalidConfig = errors.New("invalid migration configuration")

// Config holds the migration runner configuration.
type Config struct {
	DatabaseURL    string
	MigrationTable string
}

// LoadConfig reads DATABASE_URL and MIGRATION_TABLE.
func LoadConfig() *Config {
	return &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", defaultMigrationTable),
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL cannot be empty", ErrInvalidConfig)
	}

	if c.MigrationTable == "" {
		return fmt.Errorf("%w: MIGRATION_TABLE cannot be empty", ErrInvalidConfig)
	}

	return nil
}

// String is safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}",
		config.MaskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

// Status is the migration state of a database.
type Status struct {
	// Version is 0 when nothing has been applied.
	Version int
	Dirty   bool
	// Latest is the highest migration this binary carries.
	Latest int
}

// Pending is the number of migrations not yet applied.
func (s Status) Pending() int {
	return max(s.Latest-s.Version, 0)
}

// Runner applies migrations from an fs.FS to PostgreSQL.
type Runner struct {
	migrate *migrate.Migrate
	db      *sql.DB
	fsys    fs.FS
	logger  *slog.Logger
}

// NewRunner validates fsys (nil means the embedded files), connects and
// prepares golang-migrate.
func NewRunner(ctx context.Context, cfg *Config, fsys fs.FS, logger *slog.Logger) (*Runner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if fsys == nil {
		fsys = FS()
	}

	if logger == nil {
		logger = slog.Default()
	}

	if err := Validate(fsys); err != nil {
		return nil, fmt.Errorf("embedded migration validation failed: %w", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	m, err := newMigrate(db, fsys, cfg.MigrationTable)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	m.Log = &migrateLogger{logger: logger}

	logger.Info("Migration runner initialized", slog.String("config", cfg.String()))

	return &Runner{migrate: m, db: db, fsys: fsys, logger: logger}, nil
}

func newMigrate(db *sql.DB, fsys fs.FS, table string) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: table})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	source, err := iofs.New(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	return m, nil
}

// Up applies every pending migration.
func (r *Runner) Up() error {
	err := r.migrate.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		r.logger.Info("No new migrations to apply")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration up failed: %w", err)
	}

	r.logger.Info("All migrations applied")

	return nil
}

// Down rolls back the last applied migration.
func (r *Runner) Down() error {
	err := r.migrate.Steps(-1)
	if errors.Is(err, migrate.ErrNoChange) || errors.Is(err, fs.ErrNotExist) {
		r.logger.Info("No migrations to roll back")

		return nil
	}

	if err != nil {
		return fmt.Errorf("migration down failed: %w", err)
	}

	r.logger.Info("Last migration rolled back")

	return nil
}

// Status reports the applied version against the newest embedded migration.
func (r *Runner) Status() (Status, error) {
	st := Status{Latest: Latest(r.fsys)}

	ver, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return st, nil
	}

	if err != nil {
		return st, fmt.Errorf("failed to get migration version: %w", err)
	}

	st.Version = int(ver) //nolint:gosec // migration sequences are three digits
	st.Dirty = dirty

	return st, nil
}

// Drop removes every table. It is destructive.
func (r *Runner) Drop() error {
	r.logger.Warn("Dropping all tables")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	return nil
}

// Close releases the migrate instance and the database connection.
func (r *Runner) Close() error {
	var errs []error

	sourceErr, dbErr := r.migrate.Close()
	if sourceErr != nil {
		errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
	}

	if dbErr != nil {
		errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
	}

	if err := r.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		errs = append(errs, fmt.Errorf("database connection close error: %w", err))
	}

	return errors.Join(errs...)
}

// migrateLogger routes golang-migrate output through slog.
type migrateLogger struct {
	logger *slog.Logger
}

var _ migrate.Logger = (*migrateLogger)(nil)

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf(format, v...), slog.String("component", "migrate"))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
