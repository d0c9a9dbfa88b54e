package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/geoevents/geoevents/internal/geocoding"
	"github.com/geoevents/geoevents/internal/ingestion"
)

// Jobs are stored as a JSONB document. The columns the queue filters on are
// mirrored next to it and rewritten on every update.

func (s *PostgresStore) CreateJob(ctx context.Context, job *ingestion.ImportJob) error {
	doc, err := jsonValue(job)
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO import_jobs (id, import_file_id, dataset_id, account_id, sheet_index, stage, next_retry_at,
		                         lease_owner, lease_expires_at, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.ImportFileID, job.DatasetID, job.AccountID, job.SheetIndex, string(job.Stage),
		nullTime(job.NextRetryAt), job.LeaseOwner, nullTime(job.LeaseExpiresAt), doc, job.CreatedAt, job.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: import job %s", ErrAlreadyExists, job.ID)
	}

	if err != nil {
		return s.queryError("insert import job", err)
	}

	return nil
}

func decodeJob(doc []byte) (*ingestion.ImportJob, error) {
	var job ingestion.ImportJob
	if err := json.Unmarshal(doc, &job); err != nil {
		return nil, fmt.Errorf("failed to decode import job: %w", err)
	}

	return &job, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*ingestion.ImportJob, error) {
	var doc []byte

	err := s.conn.QueryRowContext(ctx, `SELECT document FROM import_jobs WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("import job %s: %w", id, ingestion.ErrNotFound)
	}

	if err != nil {
		return nil, s.queryError("select import job", err)
	}

	return decodeJob(doc)
}

func (s *PostgresStore) ListJobsByFile(ctx context.Context, fileID string) ([]*ingestion.ImportJob, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT document FROM import_jobs WHERE import_file_id = $1 ORDER BY sheet_index, id`, fileID)
	if err != nil {
		return nil, s.queryError("list import jobs", err)
	}

	return s.scanJobs(rows)
}

func (s *PostgresStore) scanJobs(rows *sql.Rows) ([]*ingestion.ImportJob, error) {
	defer func() {
		_ = rows.Close()
	}()

	var jobs []*ingestion.ImportJob

	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("failed to scan import job: %w", err)
		}

		job, err := decodeJob(doc)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, s.queryError("iterate import jobs", err)
	}

	return jobs, nil
}

// UpdateJob is a compare-and-set on the stage column.
func (s *PostgresStore) UpdateJob(ctx context.Context, job *ingestion.ImportJob, expected ingestion.Stage) error {
	doc, err := jsonValue(job)
	if err != nil {
		return err
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE import_jobs
		SET stage = $3, next_retry_at = $4, lease_owner = $5, lease_expires_at = $6, document = $7, updated_at = $8
		WHERE id = $1 AND stage = $2`,
		job.ID, string(expected), string(job.Stage), nullTime(job.NextRetryAt), job.LeaseOwner,
		nullTime(job.LeaseExpiresAt), doc, job.UpdatedAt)
	if err != nil {
		return s.queryError("update import job", err)
	}

	n, err := rowsAffected(res)
	if err != nil {
		return err
	}

	if n == 1 {
		return nil
	}

	var stored string

	err = s.conn.QueryRowContext(ctx, `SELECT stage FROM import_jobs WHERE id = $1`, job.ID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("import job %s: %w", job.ID, ingestion.ErrNotFound)
	}

	if err != nil {
		return s.queryError("select import job stage", err)
	}

	return fmt.Errorf("import job %s is %s, expected %s: %w", job.ID, stored, expected, ingestion.ErrStageConflict)
}

// DeleteJob removes the job; its geocoding chunks cascade.
func (s *PostgresStore) DeleteJob(ctx context.Context, id string) error {
	res, err := s.conn.ExecContext(ctx, `DELETE FROM import_jobs WHERE id = $1`, id)
	if err != nil {
		return s.queryError("delete import job", err)
	}

	n, err := rowsAffected(res)
	if err != nil {
		return err
	}

	if n == 0 {
		return fmt.Errorf("import job %s: %w", id, ingestion.ErrNotFound)
	}

	return nil
}

// ClaimJobs leases due jobs with FOR UPDATE SKIP LOCKED so concurrent workers
// never receive the same row. The lease is written to the columns and the
// document in the same statement.
func (s *PostgresStore) ClaimJobs(
	ctx context.Context,
	owner string,
	now time.Time,
	lease time.Duration,
	limit int,
) ([]*ingestion.ImportJob, error) {
	expires := now.Add(lease).UTC()

	rows, err := s.conn.QueryContext(ctx, `
		UPDATE import_jobs
		SET lease_owner = $1,
		    lease_expires_at = $2,
		    document = document || jsonb_build_object('leaseOwner', $1::text, 'leaseExpiresAt', to_jsonb($2::timestamptz))
		WHERE id IN (
			SELECT id FROM import_jobs
			WHERE stage NOT IN ($4, $5, $6)
			  AND (next_retry_at IS NULL OR next_retry_at <= $3)
			  AND (lease_owner = '' OR lease_expires_at IS NULL OR lease_expires_at <= $3)
			ORDER BY COALESCE(next_retry_at, created_at), id
			LIMIT $7
			FOR UPDATE SKIP LOCKED
		)
		RETURNING document`,
		owner, expires, now,
		string(ingestion.StageCompleted), string(ingestion.StageFailed), string(ingestion.StageAwaitApproval),
		limit)
	if err != nil {
		return nil, s.queryError("claim import jobs", err)
	}

	return s.scanJobs(rows)
}

func (s *PostgresStore) ReleaseJob(ctx context.Context, id, owner string) error {
	if _, err := s.conn.ExecContext(ctx, `
		UPDATE import_jobs
		SET lease_owner = '', lease_expires_at = NULL,
		    document = document - 'leaseOwner' - 'leaseExpiresAt'
		WHERE id = $1 AND lease_owner = $2`, id, owner); err != nil {
		return s.queryError("release import job", err)
	}

	return nil
}

func (s *PostgresStore) SaveGeocodeChunk(ctx context.Context, jobID string, chunk int, results []geocoding.RowResult) error {
	encoded, err := jsonValue(results)
	if err != nil {
		return err
	}

	if _, err := s.conn.ExecContext(ctx, `
		INSERT INTO import_job_geocodes (import_job_id, chunk_index, results)
		VALUES ($1, $2, $3)
		ON CONFLICT (import_job_id, chunk_index) DO UPDATE SET results = EXCLUDED.results, created_at = NOW()`,
		jobID, chunk, encoded); err != nil {
		return s.queryError("save geocode chunk", err)
	}

	return nil
}

func (s *PostgresStore) GeocodeResults(ctx context.Context, jobID string) ([]geocoding.RowResult, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT results FROM import_job_geocodes WHERE import_job_id = $1 ORDER BY chunk_index`, jobID)
	if err != nil {
		return nil, s.queryError("select geocode chunks", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []geocoding.RowResult

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan geocode chunk: %w", err)
		}

		var chunk []geocoding.RowResult
		if err := json.Unmarshal(raw, &chunk); err != nil {
			return nil, fmt.Errorf("failed to decode geocode chunk: %w", err)
		}

		out = append(out, chunk...)
	}

	if err := rows.Err(); err != nil {
		return nil, s.queryError("iterate geocode chunks", err)
	}

	return out, nil
}
