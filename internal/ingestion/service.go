package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/geoevents/geoevents/internal/audit"
	"github.com/geoevents/geoevents/internal/failure"
	"github.com/geoevents/geoevents/internal/importfile"
	"github.com/geoevents/geoevents/internal/objectstore"
	"github.com/geoevents/geoevents/internal/quota"
	"github.com/geoevents/geoevents/internal/schema"
)

// Sentinel errors for operator actions.
var (
	ErrNotAwaitingApproval  = errors.New("job is not awaiting approval")
	ErrJobActive            = errors.New("job is still active")
	ErrTransformsNotAllowed = errors.New("dataset does not allow transformations")
	ErrNoSheetsMapped       = errors.New("no sheet maps to a dataset")
)

const (
	resourceImportFile = "import_file"
	resourceImportJob  = "import_job"
	resourceDataset    = "dataset"

	sniffSize        = 512
	maxCancelRetries = 3
)

// CreateImportRequest queues a file for import.
type CreateImportRequest struct {
	AccountID string
	// DatasetID receives every sheet unless SheetDatasets is set.
	DatasetID string
	// SheetDatasets maps sheet indexes to datasets. Unmapped sheets are skipped.
	SheetDatasets     map[int]string
	Filename          string
	ContentType       string
	Data              []byte
	ScheduledImportID string
	Actor             string
}

// Service is the operator-facing surface of the pipeline.
type Service struct {
	store     Store
	objects   objectstore.Store
	quota     quota.Checker
	audit     audit.Publisher
	validator *Validator
	maxErrors int
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceQuota sets the quota checker. The default accepts everything.
func WithServiceQuota(q quota.Checker) ServiceOption {
	return func(s *Service) {
		s.quota = q
	}
}

// WithAuditPublisher sets where operator actions are published.
func WithAuditPublisher(p audit.Publisher) ServiceOption {
	return func(s *Service) {
		s.audit = p
	}
}

// WithServiceLogger sets the logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithServiceClock overrides time.Now.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a Service. A nil cfg uses DefaultConfig.
func NewService(store Store, objects objectstore.Store, cfg *Config, opts ...ServiceOption) *Service {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Service{
		store:     store,
		objects:   objects,
		quota:     quota.Unlimited{},
		validator: NewValidator(cfg.MaxUploadBytes),
		maxErrors: cfg.MaxRowErrors,
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.audit == nil {
		s.audit = audit.NewLogPublisher(s.logger)
	}

	return s
}

// CreateImport stores the blob, parses its sheets and queues one job per sheet.
//
// The import file is recorded before parsing so that a file that cannot be parsed
// is kept with status failed.
func (s *Service) CreateImport(ctx context.Context, req *CreateImportRequest) (*ImportFile, []*ImportJob, error) {
	if err := s.validator.ValidateCreateImport(req); err != nil {
		return nil, nil, failure.AsValidation(err)
	}

	for _, datasetID := range targetDatasets(req) {
		if _, err := s.liveDataset(ctx, datasetID); err != nil {
			return nil, nil, err
		}
	}

	format, err := importfile.DetectFormat(req.Filename, req.ContentType, req.Data[:min(sniffSize, len(req.Data))])
	if err != nil {
		return nil, nil, failure.AsValidation(err)
	}

	// Parsing works on the in-memory upload, so quota is known before the
	// blob is stored. Unparseable files are still stored and recorded as failed.
	sheets, parseErr := importfile.Parse(bytes.NewReader(req.Data), req.Filename, req.ContentType, importfile.Options{})
	if parseErr == nil {
		if n := mappedSheetCount(req, sheets); n > 0 {
			if err := s.quota.Check(ctx, quota.Request{
				AccountID: req.AccountID,
				Kind:      quota.KindActiveJobs,
				Amount:    int64(n),
			}); err != nil {
				return nil, nil, err
			}
		}
	}

	now := s.now()
	fileID := s.newID()
	key := objectstore.ImportKey(fileID, now, req.Filename)

	if err := s.objects.Put(ctx, key, req.Data, req.ContentType); err != nil {
		return nil, nil, fmt.Errorf("store import file: %w", err)
	}

	file := &ImportFile{
		ID:                fileID,
		AccountID:         req.AccountID,
		ObjectKey:         key,
		Filename:          filepath.Base(req.Filename),
		ContentType:       req.ContentType,
		Size:              int64(len(req.Data)),
		Format:            format,
		Status:            FileStatusParsing,
		ScheduledImportID: req.ScheduledImportID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.store.CreateFile(ctx, file); err != nil {
		return nil, nil, fmt.Errorf("create import file: %w", err)
	}

	if parseErr != nil {
		return file, nil, s.rejectFile(ctx, file, failure.AsValidation(parseErr))
	}

	jobs := make([]*ImportJob, 0, len(sheets))
	file.Sheets = make([]importfile.SheetInfo, 0, len(sheets))

	for i := range sheets {
		sheet := &sheets[i]
		file.Sheets = append(file.Sheets, sheet.Info())

		datasetID, ok := sheetDataset(req, sheet.Index)
		if !ok {
			continue
		}

		jobs = append(jobs, s.newJob(file, sheet, datasetID, now))
	}

	if len(jobs) == 0 {
		return file, nil, s.rejectFile(ctx, file, failure.AsValidation(ErrNoSheetsMapped))
	}

	for _, job := range jobs {
		if err := s.store.CreateJob(ctx, job); err != nil {
			return file, nil, fmt.Errorf("create import job: %w", err)
		}
	}

	file.Status = FileStatusPending
	file.UpdatedAt = s.now()

	if err := s.store.UpdateFile(ctx, file); err != nil {
		return file, jobs, fmt.Errorf("update import file: %w", err)
	}

	s.publish(ctx, audit.ActionImportCreated, req.Actor, resourceImportFile, file.ID, map[string]any{
		"filename":          file.Filename,
		"jobs":              len(jobs),
		"scheduledImportId": req.ScheduledImportID,
	})

	s.logger.Info("Import queued",
		slog.String("file_id", file.ID),
		slog.String("filename", file.Filename),
		slog.Int("sheets", len(sheets)),
		slog.Int("jobs", len(jobs)))

	return file, jobs, nil
}

func targetDatasets(req *CreateImportRequest) []string {
	if len(req.SheetDatasets) == 0 {
		return []string{req.DatasetID}
	}

	seen := make(map[string]bool)

	var out []string

	for _, id := range req.SheetDatasets {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}

	return out
}

func (s *Service) newJob(file *ImportFile, sheet *importfile.Sheet, datasetID string, now time.Time) *ImportJob {
	job := &ImportJob{
		ID:           s.newID(),
		ImportFileID: file.ID,
		DatasetID:    datasetID,
		AccountID:    file.AccountID,
		SheetIndex:   sheet.Index,
		SheetName:    sheet.Name,
		RowCount:     len(sheet.Records),
		Stage:        StageAnalyzeDuplicates,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	for _, stage := range WorkStages {
		job.StageProgressFor(stage)
	}

	job.Progress = ComputeProgress(job, now)

	return job
}

// sheetDataset returns the dataset a sheet is imported into, if any.
func sheetDataset(req *CreateImportRequest, sheetIndex int) (string, bool) {
	if len(req.SheetDatasets) == 0 {
		return req.DatasetID, true
	}

	id, ok := req.SheetDatasets[sheetIndex]

	return id, ok
}

func mappedSheetCount(req *CreateImportRequest, sheets []importfile.Sheet) int {
	n := 0

	for i := range sheets {
		if _, ok := sheetDataset(req, sheets[i].Index); ok {
			n++
		}
	}

	return n
}

func (s *Service) rejectFile(ctx context.Context, file *ImportFile, cause error) error {
	file.Status = FileStatusFailed
	file.Error = cause.Error()
	file.UpdatedAt = s.now()

	if err := s.store.UpdateFile(ctx, file); err != nil {
		s.logger.Warn("Failed to mark import file failed",
			slog.String("file_id", file.ID),
			slog.String("error", err.Error()))
	}

	return cause
}

func (s *Service) liveDataset(ctx context.Context, id string) (*Dataset, error) {
	ds, err := s.store.GetDataset(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("dataset %s: %w", id, err)
	}

	if ds.IsDeleted() {
		return nil, fmt.Errorf("dataset %s: %w", id, ErrNotFound)
	}

	return ds, nil
}

// Progress returns a job with its progress recomputed for now.
func (s *Service) Progress(ctx context.Context, jobID string) (*ImportJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	job.Progress = ComputeProgress(job, s.now())

	return job, nil
}

// Dataset returns a dataset that has not been deleted.
func (s *Service) Dataset(ctx context.Context, datasetID string) (*Dataset, error) {
	return s.liveDataset(ctx, datasetID)
}

// File returns an import file.
func (s *Service) File(ctx context.Context, fileID string) (*ImportFile, error) {
	return s.store.GetFile(ctx, fileID)
}

// Approve accepts the pending schema change of a job awaiting approval, with the
// transforms to apply during event creation.
func (s *Service) Approve(ctx context.Context, jobID, actor string, transforms []schema.Transform) (*ImportJob, error) {
	if err := s.validator.ValidateActor(actor); err != nil {
		return nil, failure.AsValidation(err)
	}

	if err := s.validator.ValidateTransforms(transforms); err != nil {
		return nil, failure.AsValidation(err)
	}

	job, err := s.awaitingApproval(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if len(transforms) > 0 {
		ds, err := s.liveDataset(ctx, job.DatasetID)
		if err != nil {
			return nil, err
		}

		if !ds.SchemaPolicy.AllowTransformations {
			return nil, failure.AsValidation(ErrTransformsNotAllowed)
		}
	}

	next, err := Next(job.Stage, OutcomeApproved)
	if err != nil {
		return nil, err
	}

	now := s.now()

	if job.SchemaValidation == nil {
		job.SchemaValidation = &SchemaValidation{}
	}

	job.SchemaValidation.ApprovedTransforms = transforms
	job.SchemaValidation.Approval = &Approval{Approved: true, Actor: actor, At: now}

	s.leaveApproval(job, next, StageStatusCompleted, now)

	if err := s.store.UpdateJob(ctx, job, StageAwaitApproval); err != nil {
		return nil, err
	}

	s.publish(ctx, audit.ActionImportApproved, actor, resourceImportJob, job.ID, map[string]any{
		"transforms": len(transforms),
	})

	return job, nil
}

// Reject declines the pending schema change. The job fails with the conflict
// reasons preserved on its schema validation.
func (s *Service) Reject(ctx context.Context, jobID, actor, reason string) (*ImportJob, error) {
	if err := s.validator.ValidateActor(actor); err != nil {
		return nil, failure.AsValidation(err)
	}

	job, err := s.awaitingApproval(ctx, jobID)
	if err != nil {
		return nil, err
	}

	next, err := Next(job.Stage, OutcomeRejected)
	if err != nil {
		return nil, err
	}

	now := s.now()

	if job.SchemaValidation == nil {
		job.SchemaValidation = &SchemaValidation{}
	}

	job.SchemaValidation.Approval = &Approval{Approved: false, Actor: actor, At: now, Reason: reason}

	message := "schema change rejected by " + actor
	if reason != "" {
		message += ": " + reason
	}

	if reasons := job.SchemaValidation.Decision.Reasons; len(reasons) > 0 {
		message += " (" + strings.Join(reasons, "; ") + ")"
	}

	job.FailedStage = StageAwaitApproval
	job.LastError = message
	job.CompletedAt = &now
	job.AddRowErrors(s.maxErrors, RowError{Row: JobLevelRow, Stage: StageAwaitApproval, Message: message})

	s.leaveApproval(job, next, StageStatusFailed, now)

	if err := s.store.UpdateJob(ctx, job, StageAwaitApproval); err != nil {
		return nil, err
	}

	s.syncFile(ctx, job)
	s.publish(ctx, audit.ActionImportRejected, actor, resourceImportJob, job.ID, map[string]any{"reason": reason})

	return job, nil
}

func (s *Service) awaitingApproval(ctx context.Context, jobID string) (*ImportJob, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Stage != StageAwaitApproval {
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotAwaitingApproval, job.ID, job.Stage)
	}

	return job, nil
}

func (s *Service) leaveApproval(job *ImportJob, next Stage, status StageStatus, now time.Time) {
	sp := job.StageProgressFor(StageAwaitApproval)
	sp.Status = status
	sp.CompletedAt = &now

	job.Stage = next
	job.StageCheckpoint = 0
	job.RetryAttempts = 0
	job.NextRetryAt = nil
	job.UpdatedAt = now
	job.Progress = ComputeProgress(job, now)
}

// Cancel fails a non-terminal job and releases its schema lock. A worker running
// the job notices the stage change on its next write and discards its results.
func (s *Service) Cancel(ctx context.Context, jobID, actor string) (*ImportJob, error) {
	if err := s.validator.ValidateActor(actor); err != nil {
		return nil, failure.AsValidation(err)
	}

	for range maxCancelRetries {
		job, err := s.store.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}

		expected := job.Stage

		next, err := Next(expected, OutcomeCancelled)
		if err != nil {
			return nil, err
		}

		now := s.now()
		message := "cancelled by " + actor

		sp := job.StageProgressFor(expected)
		sp.Status = StageStatusFailed
		sp.CompletedAt = &now
		sp.Error = message

		job.Stage = next
		job.FailedStage = expected
		job.LastError = message
		job.NextRetryAt = nil
		job.LeaseOwner = ""
		job.LeaseExpiresAt = nil
		job.CompletedAt = &now
		job.UpdatedAt = now
		job.Progress = ComputeProgress(job, now)

		err = s.store.UpdateJob(ctx, job, expected)
		if errors.Is(err, ErrStageConflict) {
			continue
		}

		if err != nil {
			return nil, err
		}

		if err := s.store.ReleaseSchemaLock(ctx, job.DatasetID, job.ID); err != nil {
			s.logger.Warn("Failed to release schema lock",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
		}

		s.syncFile(ctx, job)
		s.publish(ctx, audit.ActionImportCancelled, actor, resourceImportJob, job.ID, map[string]any{
			"stage": string(expected),
		})

		return job, nil
	}

	return nil, fmt.Errorf("cancel job %s: %w", jobID, ErrStageConflict)
}

// Requeue puts a failed job back into the stage it failed in. Completed stages
// and persisted chunks are not processed again.
func (s *Service) Requeue(ctx context.Context, jobID, actor string) (*ImportJob, error) {
	if err := s.validator.ValidateActor(actor); err != nil {
		return nil, failure.AsValidation(err)
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.Stage != StageFailed {
		return nil, fmt.Errorf("%w: only failed jobs can be requeued, job %s is %s", ErrInvalidTransition, job.ID, job.Stage)
	}

	now := s.now()
	resume := ResumeStage(job)

	sp := job.StageProgressFor(resume)
	sp.Status = StageStatusPending
	sp.Error = ""
	sp.CompletedAt = nil

	if resume == StageAwaitApproval {
		sp.Status = StageStatusWaiting

		if job.SchemaValidation != nil {
			job.SchemaValidation.Approval = nil
		}
	}

	job.Stage = resume
	job.FailedStage = ""
	job.RetryAttempts = 0
	job.NextRetryAt = nil
	job.LastError = ""
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
	job.CompletedAt = nil
	job.UpdatedAt = now
	job.Progress = ComputeProgress(job, now)

	if err := s.store.UpdateJob(ctx, job, StageFailed); err != nil {
		return nil, err
	}

	s.syncFile(ctx, job)
	s.publish(ctx, audit.ActionImportRequeued, actor, resourceImportJob, job.ID, map[string]any{
		"stage":      string(resume),
		"checkpoint": job.StageCheckpoint,
	})

	return job, nil
}

// Delete removes a terminal job. Active jobs must be cancelled first.
func (s *Service) Delete(ctx context.Context, jobID, actor string) error {
	if err := s.validator.ValidateActor(actor); err != nil {
		return failure.AsValidation(err)
	}

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	if !job.Stage.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", ErrJobActive, job.ID, job.Stage)
	}

	if err := s.store.DeleteJob(ctx, job.ID); err != nil {
		return fmt.Errorf("delete job %s: %w", job.ID, err)
	}

	s.syncFile(ctx, job)
	s.publish(ctx, audit.ActionImportDeleted, actor, resourceImportJob, job.ID, map[string]any{
		"stage":        string(job.Stage),
		"importFileId": job.ImportFileID,
	})

	return nil
}

// DeleteDataset soft-deletes a dataset. Its events stay in place but are no
// longer served.
func (s *Service) DeleteDataset(ctx context.Context, datasetID, actor string) error {
	if err := s.validator.ValidateActor(actor); err != nil {
		return failure.AsValidation(err)
	}

	ds, err := s.liveDataset(ctx, datasetID)
	if err != nil {
		return err
	}

	if err := s.store.SoftDeleteDataset(ctx, ds.ID, s.now()); err != nil {
		return fmt.Errorf("delete dataset %s: %w", ds.ID, err)
	}

	s.publish(ctx, audit.ActionDatasetDeleted, actor, resourceDataset, ds.ID, map[string]any{"name": ds.Name})

	return nil
}

func (s *Service) syncFile(ctx context.Context, job *ImportJob) {
	if err := syncFileStatus(ctx, s.store, job.ImportFileID, s.now()); err != nil {
		s.logger.Warn("Failed to update import file status",
			slog.String("file_id", job.ImportFileID),
			slog.String("error", err.Error()))
	}
}

// publish is best-effort: an unavailable audit transport never fails the action.
func (s *Service) publish(ctx context.Context, action audit.Action, actor, resourceType, resourceID string, details map[string]any) {
	event := audit.NewEvent(action, actor, resourceType, resourceID, details)

	if err := s.audit.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish audit event",
			slog.String("action", string(action)),
			slog.String("resource_id", resourceID),
			slog.String("error", err.Error()))
	}
}
