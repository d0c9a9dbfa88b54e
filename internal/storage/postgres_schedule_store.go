package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/geoevents/geoevents/internal/scheduler"
)

const scheduleColumns = `id, name, account_id, url, auth, frequency, cron_expression, mode, dataset_id,
	sheet_datasets, retry_policy, webhook_enabled, webhook_token_hash, cache_policy, validators, enabled,
	running, started_at, current_execution_id, next_run_at, last_run_at, last_status, last_error,
	retry_attempts, next_retry_at, created_at, updated_at`

// dueCondition mirrors Schedule.IsDue with $1 as now.
const dueCondition = `enabled AND NOT running AND (
		(next_retry_at IS NOT NULL AND next_retry_at <= $1) OR
		(next_run_at IS NOT NULL AND next_run_at <= $1))`

func (s *PostgresStore) CreateSchedule(ctx context.Context, sched *scheduler.Schedule) error {
	auth, err := jsonValue(sched.Auth)
	if err != nil {
		return err
	}

	sheets, err := jsonValue(sched.SheetDatasets)
	if err != nil {
		return err
	}

	policy, err := jsonValue(sched.Retry)
	if err != nil {
		return err
	}

	cache, err := jsonValue(sched.Cache)
	if err != nil {
		return err
	}

	validators, err := jsonValue(sched.Validators)
	if err != nil {
		return err
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO scheduled_imports (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21,
		        $22, $23, $24, $25, $26, $27)`,
		sched.ID, sched.Name, sched.AccountID, sched.URL, auth, string(sched.Frequency), sched.CronExpression,
		string(sched.Mode), nullString(sched.DatasetID), sheets, policy, sched.WebhookEnabled,
		sched.WebhookTokenHash, cache, validators, sched.Enabled, sched.Running, nullTime(sched.StartedAt),
		sched.CurrentExecutionID, nullTime(sched.NextRunAt), nullTime(sched.LastRunAt), string(sched.LastStatus),
		sched.LastError, sched.RetryAttempts, nullTime(sched.NextRetryAt), sched.CreatedAt, sched.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: schedule %s", ErrAlreadyExists, sched.ID)
	}

	if err != nil {
		return s.queryError("insert schedule", err)
	}

	return nil
}

func scanSchedule(row scanner) (*scheduler.Schedule, error) {
	var (
		sched                                        scheduler.Schedule
		auth, sheets, policy, cache, validators      []byte
		frequency, mode, lastStatus                  string
		datasetID                                    sql.NullString
		startedAt, nextRunAt, lastRunAt, nextRetryAt sql.NullTime
	)

	if err := row.Scan(&sched.ID, &sched.Name, &sched.AccountID, &sched.URL, &auth, &frequency,
		&sched.CronExpression, &mode, &datasetID, &sheets, &policy, &sched.WebhookEnabled, &sched.WebhookTokenHash,
		&cache, &validators, &sched.Enabled, &sched.Running, &startedAt, &sched.CurrentExecutionID, &nextRunAt,
		&lastRunAt, &lastStatus, &sched.LastError, &sched.RetryAttempts, &nextRetryAt, &sched.CreatedAt,
		&sched.UpdatedAt); err != nil {
		return nil, err
	}

	for _, col := range []struct {
		raw []byte
		dst any
	}{
		{auth, &sched.Auth},
		{sheets, &sched.SheetDatasets},
		{policy, &sched.Retry},
		{cache, &sched.Cache},
		{validators, &sched.Validators},
	} {
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("failed to decode schedule %s: %w", sched.ID, err)
		}
	}

	sched.Frequency = scheduler.Frequency(frequency)
	sched.Mode = scheduler.MappingMode(mode)
	sched.LastStatus = scheduler.Status(lastStatus)
	sched.DatasetID = datasetID.String
	sched.StartedAt = timePtr(startedAt)
	sched.NextRunAt = timePtr(nextRunAt)
	sched.LastRunAt = timePtr(lastRunAt)
	sched.NextRetryAt = timePtr(nextRetryAt)

	return &sched, nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*scheduler.Schedule, error) {
	row := s.conn.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM scheduled_imports WHERE id = $1`, id)

	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, scheduler.ErrNotFound)
	}

	if err != nil {
		return nil, s.queryError("select schedule", err)
	}

	return sched, nil
}

func (s *PostgresStore) querySchedules(ctx context.Context, op, query string, args ...any) ([]*scheduler.Schedule, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.queryError(op, err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*scheduler.Schedule

	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		out = append(out, sched)
	}

	if err := rows.Err(); err != nil {
		return nil, s.queryError(op, err)
	}

	return out, nil
}

func (s *PostgresStore) DueSchedules(ctx context.Context, now time.Time, limit int) ([]*scheduler.Schedule, error) {
	return s.querySchedules(ctx, "select due schedules", `
		SELECT `+scheduleColumns+` FROM scheduled_imports
		WHERE `+dueCondition+`
		ORDER BY next_run_at NULLS FIRST, id
		LIMIT $2`, now, limit)
}

// ClaimSchedule takes the running guard in a single conditional update.
func (s *PostgresStore) ClaimSchedule(ctx context.Context, id, executionID string, now time.Time, dueOnly bool) (bool, error) {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE scheduled_imports
		SET running = TRUE, started_at = $1, current_execution_id = $3, updated_at = $1
		WHERE id = $2 AND NOT running AND (NOT $4 OR (`+dueCondition+`))`,
		now, id, executionID, dueOnly)
	if err != nil {
		return false, s.queryError("claim schedule", err)
	}

	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}

	if n == 1 {
		return true, nil
	}

	if _, err := s.GetSchedule(ctx, id); err != nil {
		return false, err
	}

	return false, nil
}

// FinishSchedule writes the outcome fields and clears the guard while
// executionID still holds it.
func (s *PostgresStore) FinishSchedule(ctx context.Context, outcome *scheduler.Schedule, executionID string) (bool, error) {
	validators, err := jsonValue(outcome.Validators)
	if err != nil {
		return false, err
	}

	res, err := s.conn.ExecContext(ctx, `
		UPDATE scheduled_imports
		SET running = FALSE, started_at = NULL, current_execution_id = '',
		    next_run_at = $3, last_run_at = $4, last_status = $5, last_error = $6,
		    retry_attempts = $7, next_retry_at = $8, validators = $9, updated_at = $10
		WHERE id = $1 AND running AND current_execution_id = $2`,
		outcome.ID, executionID, nullTime(outcome.NextRunAt), nullTime(outcome.LastRunAt),
		string(outcome.LastStatus), outcome.LastError, outcome.RetryAttempts, nullTime(outcome.NextRetryAt),
		validators, outcome.UpdatedAt)
	if err != nil {
		return false, s.queryError("finish schedule", err)
	}

	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}

	if n == 1 {
		return true, nil
	}

	if _, err := s.GetSchedule(ctx, outcome.ID); err != nil {
		return false, err
	}

	return false, nil
}

func (s *PostgresStore) StuckSchedules(ctx context.Context, cutoff time.Time) ([]*scheduler.Schedule, error) {
	return s.querySchedules(ctx, "select stuck schedules", `
		SELECT `+scheduleColumns+` FROM scheduled_imports
		WHERE running AND started_at < $1
		ORDER BY started_at, id`, cutoff)
}

func (s *PostgresStore) AppendExecution(ctx context.Context, e *scheduler.Execution) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO scheduled_import_executions (id, scheduled_import_id, executed_at, status, actor, duration_ms,
		                                         error, import_file_id, not_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.ScheduleID, e.Timestamp, string(e.Status), e.Actor, e.Duration.Milliseconds(), e.Error,
		e.ImportFileID, e.NotModified)

	if isForeignKeyViolation(err) {
		return fmt.Errorf("schedule %s: %w", e.ScheduleID, scheduler.ErrNotFound)
	}

	if err != nil {
		return s.queryError("insert execution", err)
	}

	return nil
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, e *scheduler.Execution) error {
	res, err := s.conn.ExecContext(ctx, `
		UPDATE scheduled_import_executions
		SET status = $2, duration_ms = $3, error = $4, import_file_id = $5, not_modified = $6
		WHERE id = $1`,
		e.ID, string(e.Status), e.Duration.Milliseconds(), e.Error, e.ImportFileID, e.NotModified)
	if err != nil {
		return s.queryError("update execution", err)
	}

	n, err := rowsAffected(res)
	if err != nil {
		return err
	}

	if n == 0 {
		return fmt.Errorf("execution %s: %w", e.ID, scheduler.ErrNotFound)
	}

	return nil
}

// ListExecutions returns the newest executions first.
func (s *PostgresStore) ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*scheduler.Execution, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, scheduled_import_id, executed_at, status, actor, duration_ms, error, import_file_id, not_modified
		FROM scheduled_import_executions
		WHERE scheduled_import_id = $1
		ORDER BY executed_at DESC, id DESC
		LIMIT $2`, scheduleID, limit)
	if err != nil {
		return nil, s.queryError("list executions", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	var out []*scheduler.Execution

	for rows.Next() {
		var (
			e          scheduler.Execution
			status     string
			durationMS int64
		)

		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.Timestamp, &status, &e.Actor, &durationMS, &e.Error,
			&e.ImportFileID, &e.NotModified); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		e.Status = scheduler.Status(status)
		e.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, s.queryError("iterate executions", err)
	}

	return out, nil
}
