package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/geoevents/geoevents/internal/audit"
	"github.com/geoevents/geoevents/internal/failure"
	"github.com/geoevents/geoevents/internal/ingestion"
	"github.com/geoevents/geoevents/internal/quota"
	"github.com/geoevents/geoevents/internal/telemetry"
)

const (
	resourceScheduledImport = "scheduled_import"
	timedOutMessage         = "timed out"
	defaultHistoryLimit     = 50
)

var errTimedOut = errors.New(timedOutMessage)

// Store persists schedules and their execution history.
type Store interface {
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	// DueSchedules returns up to limit schedules for which IsDue(now) holds.
	DueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
	// ClaimSchedule sets the running guard unless it is already held. With
	// dueOnly the claim also requires the schedule to be due at now.
	ClaimSchedule(ctx context.Context, id, executionID string, now time.Time, dueOnly bool) (bool, error)
	// FinishSchedule persists the outcome fields and clears the guard, but only
	// while executionID still holds it.
	FinishSchedule(ctx context.Context, s *Schedule, executionID string) (bool, error)
	// StuckSchedules returns running schedules started before cutoff.
	StuckSchedules(ctx context.Context, cutoff time.Time) ([]*Schedule, error)

	AppendExecution(ctx context.Context, e *Execution) error
	UpdateExecution(ctx context.Context, e *Execution) error
	ListExecutions(ctx context.Context, scheduleID string, limit int) ([]*Execution, error)
}

// Importer queues downloaded files with the import pipeline.
type Importer interface {
	CreateImport(ctx context.Context, req *ingestion.CreateImportRequest) (*ingestion.ImportFile, []*ingestion.ImportJob, error)
}

var _ Importer = (*ingestion.Service)(nil)

// Scheduler evaluates due schedules and runs them.
type Scheduler struct {
	store    Store
	importer Importer
	fetcher  *Fetcher
	audit    audit.Publisher
	quota    quota.Checker
	metrics  *telemetry.Metrics
	cfg      *Config
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f *Fetcher) Option {
	return func(s *Scheduler) { s.fetcher = f }
}

// WithAudit sets the publisher for manual and webhook triggers.
func WithAudit(p audit.Publisher) Option {
	return func(s *Scheduler) { s.audit = p }
}

// WithQuota gates schedule creation and source fetches.
func WithQuota(q quota.Checker) Option {
	return func(s *Scheduler) { s.quota = q }
}

// WithMetrics records execution counters.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler. A nil cfg uses DefaultConfig.
func New(store Store, importer Importer, cfg *Config, opts ...Option) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Scheduler{
		store:    store,
		importer: importer,
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.fetcher == nil {
		s.fetcher = NewFetcher(nil, cfg.FetchTimeout, cfg.MaxDownloadBytes)
		s.fetcher.now = s.now
	}

	if s.audit == nil {
		s.audit = audit.NewLogPublisher(s.logger)
	}

	if s.quota == nil {
		s.quota = quota.Unlimited{}
	}

	return s
}

// Create validates and stores a new schedule, computing its first run. When
// the webhook is enabled a token is generated and returned once; only its
// hash is stored.
func (s *Scheduler) Create(ctx context.Context, sched *Schedule) (string, error) {
	if err := sched.Validate(); err != nil {
		return "", failure.AsValidation(err)
	}

	if err := s.quota.Check(ctx, quota.Request{
		AccountID: sched.AccountID,
		Kind:      quota.KindSchedules,
		Amount:    1,
	}); err != nil {
		return "", err
	}

	now := s.now()

	next, err := NextRun(sched, now)
	if err != nil {
		return "", err
	}

	var token string

	if sched.WebhookEnabled {
		var hash string

		token, hash, err = GenerateWebhookToken()
		if err != nil {
			return "", err
		}

		sched.WebhookTokenHash = hash
	}

	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}

	if sched.Mode == "" {
		sched.Mode = MappingSingle
	}

	sched.NextRunAt = &next
	sched.Running = false
	sched.CreatedAt = now
	sched.UpdatedAt = now

	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return "", fmt.Errorf("create schedule: %w", err)
	}

	return token, nil
}

// Run evaluates due schedules and cleans up stuck executions every tick until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("Starting scheduler", slog.Duration("tick", s.cfg.TickInterval))

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := s.CleanupStuck(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Stuck schedule cleanup failed", slog.String("error", err.Error()))
		}

		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Scheduler tick failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")

			return nil
		case <-ticker.C:
		}
	}
}

// Tick starts every due schedule and returns how many executions ran.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	due, err := s.store.DueSchedules(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	var g errgroup.Group

	g.SetLimit(s.cfg.Concurrency)

	ran := make([]bool, len(due))
	errs := make([]error, len(due))

	for i, sched := range due {
		g.Go(func() error {
			_, err := s.execute(ctx, sched, ActorScheduler, false, true)

			switch {
			case errors.Is(err, ErrAlreadyRunning):
			case err != nil:
				errs[i] = fmt.Errorf("schedule %s: %w", sched.ID, err)
			default:
				ran[i] = true
			}

			return nil
		})
	}

	_ = g.Wait()

	count := 0

	for _, ok := range ran {
		if ok {
			count++
		}
	}

	return count, errors.Join(errs...)
}

// Get returns a schedule.
func (s *Scheduler) Get(ctx context.Context, id string) (*Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// Trigger runs a schedule immediately on behalf of an operator.
func (s *Scheduler) Trigger(ctx context.Context, id, actor string) (*Execution, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	exec, err := s.execute(ctx, sched, actor, true, false)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, actor, sched.ID, exec)

	return exec, nil
}

// TriggerWebhook runs a schedule for a webhook call authenticated by token.
func (s *Scheduler) TriggerWebhook(ctx context.Context, id, token string) (*Execution, error) {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}

	if !sched.WebhookEnabled {
		return nil, ErrWebhookDisabled
	}

	if !CompareWebhookToken(sched.WebhookTokenHash, token) {
		return nil, ErrInvalidWebhookToken
	}

	exec, err := s.execute(ctx, sched, ActorWebhook, true, false)
	if err != nil {
		return nil, err
	}

	s.publish(ctx, ActorWebhook, sched.ID, exec)

	return exec, nil
}

// History returns the most recent executions of a schedule, newest first.
func (s *Scheduler) History(ctx context.Context, id string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	return s.store.ListExecutions(ctx, id, limit)
}

// CleanupStuck resets schedules whose execution has been running longer than
// the stuck timeout and marks those executions failed. The timeout counts as a
// retryable failure.
func (s *Scheduler) CleanupStuck(ctx context.Context) (int, error) {
	now := s.now()

	stuck, err := s.store.StuckSchedules(ctx, now.Add(-s.cfg.StuckTimeout))
	if err != nil {
		return 0, fmt.Errorf("list stuck schedules: %w", err)
	}

	reset := 0

	for _, sched := range stuck {
		execID := sched.CurrentExecutionID

		exec := &Execution{
			ID:         execID,
			ScheduleID: sched.ID,
			Timestamp:  now,
		}
		if sched.StartedAt != nil {
			exec.Timestamp = *sched.StartedAt
		}

		applyOutcome(sched, exec, failure.AsTransient(errTimedOut), now)

		ok, err := s.store.FinishSchedule(ctx, sched, execID)
		if err != nil {
			return reset, fmt.Errorf("reset schedule %s: %w", sched.ID, err)
		}

		if !ok {
			continue
		}

		if execID != "" {
			if err := s.store.UpdateExecution(ctx, exec); err != nil {
				return reset, fmt.Errorf("mark execution %s timed out: %w", execID, err)
			}
		}

		reset++

		s.logger.Warn("Reset stuck scheduled import",
			slog.String("schedule_id", sched.ID),
			slog.String("execution_id", execID),
			slog.Duration("running_for", exec.Duration))
	}

	return reset, nil
}

// execute claims the running guard, runs the schedule and records the outcome.
// The run's own failure is recorded on the execution, not returned.
func (s *Scheduler) execute(ctx context.Context, sched *Schedule, actor string, manual, dueOnly bool) (*Execution, error) {
	started := s.now()

	exec := &Execution{
		ID:         ulid.MustNew(ulid.Timestamp(started), ulid.DefaultEntropy()).String(),
		ScheduleID: sched.ID,
		Timestamp:  started,
		Status:     StatusRunning,
		Actor:      actor,
	}

	claimed, err := s.store.ClaimSchedule(ctx, sched.ID, exec.ID, started, dueOnly)
	if err != nil {
		return nil, fmt.Errorf("claim schedule: %w", err)
	}

	if !claimed {
		return nil, ErrAlreadyRunning
	}

	sched.Running = true
	sched.StartedAt = &started
	sched.CurrentExecutionID = exec.ID

	if err := s.store.AppendExecution(ctx, exec); err != nil {
		s.logger.Warn("Failed to record execution start",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()))
	}

	ctx, span := telemetry.Tracer().Start(ctx, "scheduler.execute", trace.WithAttributes(
		attribute.String("schedule.id", sched.ID),
		attribute.String("actor", actor),
	))
	defer span.End()

	runErr := s.run(ctx, sched, exec, manual)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
	}

	applyOutcome(sched, exec, runErr, s.now())

	// The outcome is persisted even when the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)

	finished, err := s.store.FinishSchedule(persistCtx, sched, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("finish schedule: %w", err)
	}

	if !finished {
		s.logger.Warn("Discarding outcome of execution reset by cleanup",
			slog.String("schedule_id", sched.ID),
			slog.String("execution_id", exec.ID))

		return exec, nil
	}

	if err := s.store.UpdateExecution(persistCtx, exec); err != nil {
		s.logger.Warn("Failed to record execution outcome",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()))
	}

	if s.metrics != nil {
		s.metrics.ScheduleExecuted(persistCtx, string(exec.Status), actor)
	}

	s.log(sched, exec)

	return exec, nil
}

// run fetches the source and queues it for import. Validators are only
// advanced once the import is queued, so a failed import is fetched again on
// retry. An account without room for another job is not fetched at all.
func (s *Scheduler) run(ctx context.Context, sched *Schedule, exec *Execution, manual bool) error {
	if err := s.quota.Check(ctx, quota.Request{
		AccountID: sched.AccountID,
		Kind:      quota.KindActiveJobs,
		Amount:    1,
	}); err != nil {
		return err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	result, err := s.fetcher.Fetch(fetchCtx, sched, manual)
	if err != nil {
		return err
	}

	if result.NotModified {
		exec.NotModified = true
		sched.Validators = result.Validators

		return nil
	}

	datasetID, sheets := sched.SheetMapping()

	file, _, err := s.importer.CreateImport(ctx, &ingestion.CreateImportRequest{
		AccountID:         sched.AccountID,
		DatasetID:         datasetID,
		SheetDatasets:     sheets,
		Filename:          result.Filename,
		ContentType:       result.ContentType,
		Data:              result.Data,
		ScheduledImportID: sched.ID,
		Actor:             exec.Actor,
	})
	if err != nil {
		return fmt.Errorf("queue import: %w", err)
	}

	exec.ImportFileID = file.ID
	sched.Validators = result.Validators

	return nil
}

func (s *Scheduler) log(sched *Schedule, exec *Execution) {
	attrs := []any{
		slog.String("schedule_id", sched.ID),
		slog.String("execution_id", exec.ID),
		slog.String("actor", exec.Actor),
		slog.String("status", string(exec.Status)),
		slog.Duration("duration", exec.Duration),
	}

	switch exec.Status {
	case StatusSuccess:
		s.logger.Info("Scheduled import executed",
			append(attrs,
				slog.Bool("not_modified", exec.NotModified),
				slog.String("import_file_id", exec.ImportFileID))...)
	case StatusFailed:
		s.logger.Warn("Scheduled import failed",
			append(attrs,
				slog.Int("retry_attempts", sched.RetryAttempts),
				slog.String("error", exec.Error))...)
	default:
		s.logger.Error("Scheduled import errored",
			append(attrs, slog.String("error", exec.Error))...)
	}
}

func (s *Scheduler) publish(ctx context.Context, actor, scheduleID string, exec *Execution) {
	event := audit.NewEvent(audit.ActionScheduleTriggered, actor, resourceScheduledImport, scheduleID, map[string]any{
		"executionId": exec.ID,
		"status":      string(exec.Status),
	})

	if err := s.audit.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish audit event",
			slog.String("action", string(event.Action)),
			slog.String("resource_id", scheduleID),
			slog.String("error", err.Error()))
	}
}
