package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/geoevents/geoevents/internal/geocoding"
	"github.com/geoevents/geoevents/internal/identity"
	"github.com/geoevents/geoevents/internal/importfile"
	"github.com/geoevents/geoevents/internal/ingestion"
	"github.com/geoevents/geoevents/internal/quota"
	"github.com/geoevents/geoevents/internal/scheduler"
)

var (
	_ ingestion.Store         = (*PostgresStore)(nil)
	_ scheduler.Store         = (*PostgresStore)(nil)
	_ quota.Usage             = (*PostgresStore)(nil)
	_ geocoding.Cache         = (*PostgresStore)(nil)
	_ geocoding.StatsRecorder = (*PostgresStore)(nil)
	_ identity.Lookup         = (*PostgresStore)(nil)
)

// PostgresStore implements the pipeline, scheduler, geocoding cache and usage
// interfaces on PostgreSQL through database/sql and lib/pq.
type PostgresStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPostgresStore creates a store on conn.
func NewPostgresStore(conn *Connection, logger *slog.Logger) (*PostgresStore, error) {
	if conn == nil {
		return nil, ErrNoDatabaseConnection
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresStore{conn: conn, logger: logger}, nil
}

// HealthCheck verifies the database connection is ready to serve requests.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.conn.HealthCheck(ctx)
}

// queryError wraps a database error and logs connection failures.
func (s *PostgresStore) queryError(op string, err error) error {
	if isDatabaseConnectionError(err) {
		s.logger.Error("Database connection error", slog.String("operation", op), slog.String("error", err.Error()))
	}

	return fmt.Errorf("failed to %s: %w", op, err)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// jsonValue marshals v for a JSONB column.
func jsonValue(v any) ([]byte, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}

	return encoded, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}

	v := t.Time.UTC()

	return &v
}

// Catalogs and datasets

// CreateCatalog stores a catalog.
func (s *PostgresStore) CreateCatalog(ctx context.Context, c *ingestion.Catalog) error {
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO catalogs (id, name, created_at) VALUES ($1, $2, $3)`,
		c.ID, c.Name, c.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: catalog %s", ErrAlreadyExists, c.ID)
	}

	if err != nil {
		return s.queryError("insert catalog", err)
	}

	return nil
}

// CreateDataset stores a dataset.
func (s *PostgresStore) CreateDataset(ctx context.Context, d *ingestion.Dataset) error {
	identityJSON, err := jsonValue(d.Identity)
	if err != nil {
		return err
	}

	policyJSON, err := jsonValue(d.SchemaPolicy)
	if err != nil {
		return err
	}

	mappingsJSON, err := jsonValue(d.Mappings)
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO datasets (id, catalog_id, name, account_id, identity, schema_policy, mappings, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		d.ID, d.CatalogID, d.Name, d.AccountID, identityJSON, policyJSON, mappingsJSON, d.CreatedAt, d.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: dataset %s", ErrAlreadyExists, d.ID)
	}

	if err != nil {
		return s.queryError("insert dataset", err)
	}

	return nil
}

func (s *PostgresStore) GetDataset(ctx context.Context, id string) (*ingestion.Dataset, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, catalog_id, name, account_id, current_schema_version_id, identity, schema_policy,
		       mappings, created_at, updated_at, deleted_at
		FROM datasets WHERE id = $1`, id)

	var (
		d                                   ingestion.Dataset
		current                             sql.NullString
		identityJSON, policyJSON, mapsJSON []byte
		deletedAt                           sql.NullTime
	)

	err := row.Scan(&d.ID, &d.CatalogID, &d.Name, &d.AccountID, &current, &identityJSON, &policyJSON,
		&mapsJSON, &d.CreatedAt, &d.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("dataset %s: %w", id, ingestion.ErrNotFound)
	}

	if err != nil {
		return nil, s.queryError("select dataset", err)
	}

	for _, col := range []struct {
		raw []byte
		dst any
	}{{identityJSON, &d.Identity}, {policyJSON, &d.SchemaPolicy}, {mapsJSON, &d.Mappings}} {
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("failed to decode dataset %s: %w", id, err)
		}
	}

	d.CurrentSchemaVersionID = current.String
	d.DeletedAt = timePtr(deletedAt)

	return &d, nil
}

// SoftDeleteDataset marks the dataset and its events deleted in one transaction.
func (s *PostgresStore) SoftDeleteDataset(ctx context.Context, id string, at time.Time) error {
	return s.conn.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE datasets SET deleted_at = $2, updated_at = $2 WHERE id = $1 AND deleted_at IS NULL`, id, at)
		if err != nil {
			return s.queryError("soft delete dataset", err)
		}

		n, err := rowsAffected(res)
		if err != nil {
			return err
		}

		if n == 0 {
			return fmt.Errorf("dataset %s: %w", id, ingestion.ErrNotFound)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE events SET deleted_at = $2 WHERE dataset_id = $1 AND deleted_at IS NULL`, id, at); err != nil {
			return s.queryError("soft delete events", err)
		}

		return nil
	})
}

const schemaVersionColumns = `id, dataset_id, version_number, schema, diff, auto_approved, approved_by,
	approved_at, import_job_id, field_count_before, field_count_after, created_at`

func scanSchemaVersion(row scanner) (*ingestion.SchemaVersion, error) {
	var (
		v                    ingestion.SchemaVersion
		schemaJSON, diffJSON []byte
	)

	if err := row.Scan(&v.ID, &v.DatasetID, &v.VersionNumber, &schemaJSON, &diffJSON, &v.AutoApproved,
		&v.ApprovedBy, &v.ApprovedAt, &v.ImportJobID, &v.FieldCountBefore, &v.FieldCountAfter, &v.CreatedAt); err != nil {
		return nil, err
	}

	if len(schemaJSON) > 0 {
		if err := json.Unmarshal(schemaJSON, &v.Schema); err != nil {
			return nil, fmt.Errorf("failed to decode schema version %s: %w", v.ID, err)
		}
	}

	if err := json.Unmarshal(diffJSON, &v.Diff); err != nil {
		return nil, fmt.Errorf("failed to decode schema diff %s: %w", v.ID, err)
	}

	return &v, nil
}

func (s *PostgresStore) CurrentSchemaVersion(ctx context.Context, datasetID string) (*ingestion.SchemaVersion, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT `+schemaVersionColumns+`
		FROM schema_versions
		WHERE id = (SELECT current_schema_version_id FROM datasets WHERE id = $1)`, datasetID)

	v, err := scanSchemaVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // a dataset without versions is not an error
	}

	if err != nil {
		return nil, s.queryError("select current schema version", err)
	}

	return v, nil
}

// CreateSchemaVersion numbers the version after the dataset's latest and makes
// it current. The dataset row is locked so concurrent creators serialize.
func (s *PostgresStore) CreateSchemaVersion(ctx context.Context, version *ingestion.SchemaVersion) error {
	schemaJSON, err := jsonValue(version.Schema)
	if err != nil {
		return err
	}

	diffJSON, err := jsonValue(version.Diff)
	if err != nil {
		return err
	}

	return s.conn.withTx(ctx, func(tx *sql.Tx) error {
		var locked string

		err := tx.QueryRowContext(ctx, `SELECT id FROM datasets WHERE id = $1 FOR UPDATE`, version.DatasetID).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("dataset %s: %w", version.DatasetID, ingestion.ErrNotFound)
		}

		if err != nil {
			return s.queryError("lock dataset", err)
		}

		var number int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(version_number), 0) + 1 FROM schema_versions WHERE dataset_id = $1`,
			version.DatasetID).Scan(&number); err != nil {
			return s.queryError("number schema version", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_versions (`+schemaVersionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			version.ID, version.DatasetID, number, schemaJSON, diffJSON, version.AutoApproved, version.ApprovedBy,
			version.ApprovedAt, version.ImportJobID, version.FieldCountBefore, version.FieldCountAfter,
			version.CreatedAt); err != nil {
			return s.queryError("insert schema version", err)
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE datasets SET current_schema_version_id = $2, updated_at = $3 WHERE id = $1`,
			version.DatasetID, version.ID, version.CreatedAt); err != nil {
			return s.queryError("set current schema version", err)
		}

		version.VersionNumber = number

		return nil
	})
}

// Files

func (s *PostgresStore) CreateFile(ctx context.Context, file *ingestion.ImportFile) error {
	sheetsJSON, err := jsonValue(file.Sheets)
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO import_files (id, account_id, object_key, filename, content_type, size, format, sheets,
		                          status, scheduled_import_id, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		file.ID, file.AccountID, file.ObjectKey, file.Filename, file.ContentType, file.Size, string(file.Format),
		sheetsJSON, string(file.Status), nullString(file.ScheduledImportID), file.Error, file.CreatedAt, file.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: import file %s", ErrAlreadyExists, file.ID)
	}

	if err != nil {
		return s.queryError("insert import file", err)
	}

	return nil
}

func (s *PostgresStore) GetFile(ctx context.Context, id string) (*ingestion.ImportFile, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT id, account_id, object_key, filename, content_type, size, format, sheets, status,
		       scheduled_import_id, error, created_at, updated_at
		FROM import_files WHERE id = $1`, id)

	var (
		f              ingestion.ImportFile
		format, status string
		sheetsJSON     []byte
		scheduled      sql.NullString
	)

	err := row.Scan(&f.ID, &f.AccountID, &f.ObjectKey, &f.Filename, &f.ContentType, &f.Size, &format, &sheetsJSON,
		&status, &scheduled, &f.Error, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("import file %s: %w", id, ingestion.ErrNotFound)
	}

	if err != nil {
		return nil, s.queryError("select import file", err)
	}

	if err := json.Unmarshal(sheetsJSON, &f.Sheets); err != nil {
		return nil, fmt.Errorf("failed to decode sheets of import file %s: %w", id, err)
	}

	f.Format = importfile.Format(format)
	f.Status = ingestion.FileStatus(status)
	f.ScheduledImportID = scheduled.String

	return &f, nil
}

func (s *PostgresStore) UpdateFile(ctx context.Context, file *ingestion.ImportFile) error {
	sheetsJSON, err := jsonValue(file.Sheets)
	if err != nil {
		return err
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE import_files
		SET sheets = $2, status = $3, error = $4, format = $5, updated_at = $6
		WHERE id = $1`,
		file.ID, sheetsJSON, string(file.Status), file.Error, string(file.Format), file.UpdatedAt)
	if err != nil {
		return s.queryError("update import file", err)
	}

	n, err := rowsAffected(res)
	if err != nil {
		return err
	}

	if n == 0 {
		return fmt.Errorf("import file %s: %w", file.ID, ingestion.ErrNotFound)
	}

	return nil
}

// Schema locks

// AcquireSchemaLock takes or extends the dataset's schema claim. An expired
// claim held by another owner is taken over.
func (s *PostgresStore) AcquireSchemaLock(ctx context.Context, datasetID, owner string, ttl time.Duration) (bool, error) {
	var holder string

	err := s.conn.QueryRowContext(ctx, `
		INSERT INTO dataset_schema_locks (dataset_id, owner, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		ON CONFLICT (dataset_id) DO UPDATE
		SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
		WHERE dataset_schema_locks.owner = EXCLUDED.owner OR dataset_schema_locks.expires_at <= NOW()
		RETURNING owner`,
		datasetID, owner, ttl.Milliseconds()).Scan(&holder)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}

	if err != nil {
		return false, s.queryError("acquire schema lock", err)
	}

	return holder == owner, nil
}

func (s *PostgresStore) ReleaseSchemaLock(ctx context.Context, datasetID, owner string) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM dataset_schema_locks WHERE dataset_id = $1 AND owner = $2`, datasetID, owner); err != nil {
		return s.queryError("release schema lock", err)
	}

	return nil
}

// Usage

func (s *PostgresStore) ActiveJobs(ctx context.Context, accountID string) (int64, error) {
	var n int64

	if err := s.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM import_jobs WHERE account_id = $1 AND stage NOT IN ($2, $3)`,
		accountID, string(ingestion.StageCompleted), string(ingestion.StageFailed)).Scan(&n); err != nil {
		return 0, s.queryError("count active jobs", err)
	}

	return n, nil
}

func (s *PostgresStore) TotalEvents(ctx context.Context, accountID string) (int64, error) {
	var n int64

	if err := s.conn.QueryRowContext(ctx, `
		SELECT count(*)
		FROM events e JOIN datasets d ON d.id = e.dataset_id
		WHERE d.account_id = $1 AND e.deleted_at IS NULL`, accountID).Scan(&n); err != nil {
		return 0, s.queryError("count events", err)
	}

	return n, nil
}

func (s *PostgresStore) Schedules(ctx context.Context, accountID string) (int64, error) {
	var n int64

	if err := s.conn.QueryRowContext(ctx,
		`SELECT count(*) FROM scheduled_imports WHERE account_id = $1`, accountID).Scan(&n); err != nil {
		return 0, s.queryError("count schedules", err)
	}

	return n, nil
}

// stringArray adapts a string slice for ANY($n) parameters.
func stringArray(values []string) any {
	return pq.Array(values)
}
