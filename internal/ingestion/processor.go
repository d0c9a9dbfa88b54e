package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/geoevents/geoevents/internal/failure"
	"github.com/geoevents/geoevents/internal/geocoding"
	"github.com/geoevents/geoevents/internal/identity"
	"github.com/geoevents/geoevents/internal/importfile"
	"github.com/geoevents/geoevents/internal/objectstore"
	"github.com/geoevents/geoevents/internal/quota"
	"github.com/geoevents/geoevents/internal/schema"
	"github.com/geoevents/geoevents/internal/telemetry"
)

// JobLevelRow marks a RowError that describes the whole job.
const JobLevelRow = -1

var (
	// ErrDatasetUnavailable fails jobs whose dataset is missing or soft-deleted.
	ErrDatasetUnavailable = errors.New("dataset unavailable")

	// ErrSheetNotFound fails jobs whose sheet is no longer in the import file.
	ErrSheetNotFound = errors.New("sheet not found in import file")

	// ErrMissingStageResult fails jobs that reach a stage without the result of
	// the stage before it.
	ErrMissingStageResult = errors.New("missing result of a previous stage")

	// errPaused stops a run without failing it.
	errPaused = errors.New("job paused")

	// errSchemaLockBusy requeues a job without counting a retry.
	errSchemaLockBusy = errors.New("dataset schema lock busy")
)

// Geocoder resolves location signals in checkpointed chunks.
type Geocoder interface {
	ResolveBatch(
		ctx context.Context,
		signals []geocoding.Signal,
		startChunk int,
		checkpoint geocoding.CheckpointFunc,
	) ([]geocoding.RowResult, error)
}

var _ Geocoder = (*geocoding.Resolver)(nil)

// Processor executes import jobs stage by stage until they pause.
type Processor struct {
	store    Store
	objects  objectstore.Store
	identity *identity.Resolver
	geocoder Geocoder
	aliases  ColumnAliaser
	quota    quota.Checker
	metrics  *telemetry.Metrics
	cfg      *Config
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithGeocoder enables the geocode-batch stage. Without it only explicit
// coordinates are used.
func WithGeocoder(g Geocoder) ProcessorOption {
	return func(p *Processor) {
		p.geocoder = g
	}
}

// WithColumnAliases rewrites source headers before field detection.
func WithColumnAliases(a ColumnAliaser) ProcessorOption {
	return func(p *Processor) {
		p.aliases = a
	}
}

// WithQuota sets the quota checker. The default accepts everything.
func WithQuota(q quota.Checker) ProcessorOption {
	return func(p *Processor) {
		p.quota = q
	}
}

// WithMetrics records stage and job metrics.
func WithMetrics(m *telemetry.Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithProcessorLogger sets the logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithProcessorClock overrides time.Now.
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		p.now = now
	}
}

// NewProcessor creates a Processor. A nil cfg uses DefaultConfig.
func NewProcessor(store Store, objects objectstore.Store, cfg *Config, opts ...ProcessorOption) *Processor {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	p := &Processor{
		store:   store,
		objects: objects,
		quota:   quota.Unlimited{},
		cfg:     cfg,
		logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}

	for _, opt := range opts {
		opt(p)
	}

	p.identity = identity.NewResolver(store, p.logger)

	return p
}

// run carries what one execution of a job has loaded so far.
type run struct {
	job     *ImportJob
	dataset *Dataset
	records []map[string]any
	loaded  bool
}

// Run executes job until it reaches a pause point: await-approval, a terminal
// stage or a retry wait. A job whose stage was changed concurrently (for example
// by Cancel) is abandoned and its in-flight results discarded.
func (p *Processor) Run(ctx context.Context, job *ImportJob) error {
	r := &run{job: job}

	for !job.Stage.IsPaused() {
		if job.NextRetryAt != nil && job.NextRetryAt.After(p.now()) {
			return nil
		}

		err := p.step(ctx, r)

		switch {
		case err == nil:
		case errors.Is(err, errPaused):
			return nil
		case errors.Is(err, ErrStageConflict):
			p.logger.Info("Import job changed concurrently, discarding in-flight results",
				slog.String("job_id", job.ID),
				slog.String("stage", string(job.Stage)))

			return nil
		default:
			return err
		}
	}

	return nil
}

func (p *Processor) step(ctx context.Context, r *run) error {
	job := r.job
	stage := job.Stage

	ctx, span := telemetry.Tracer().Start(ctx, "import."+string(stage), trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("dataset.id", job.DatasetID),
	))
	defer span.End()

	started := p.now()

	sp := job.StageProgressFor(stage)
	firstStart := sp.StartedAt == nil
	sp.Status = StageStatusRunning
	sp.Error = ""

	if firstStart {
		sp.StartedAt = &started
	}

	if err := p.save(ctx, job, stage); err != nil {
		return err
	}

	if firstStart && stage == StageAnalyzeDuplicates {
		p.syncFileStatus(ctx, job.ImportFileID)
	}

	outcome, err := p.execute(ctx, r, stage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if p.metrics != nil && ctx.Err() == nil {
			p.metrics.StageCompleted(ctx, string(stage), "failure", p.now().Sub(started))
		}

		return p.fail(ctx, r, stage, err)
	}

	return p.advance(ctx, r, stage, outcome, started)
}

func (p *Processor) execute(ctx context.Context, r *run, stage Stage) (Outcome, error) {
	switch stage {
	case StageAnalyzeDuplicates:
		return p.analyzeDuplicates(ctx, r)
	case StageDetectSchema:
		return p.detectSchema(ctx, r)
	case StageValidateSchema:
		return p.validateSchema(ctx, r)
	case StageCreateSchemaVersion:
		return p.createSchemaVersion(ctx, r)
	case StageGeocodeBatch:
		return p.geocodeBatch(ctx, r)
	case StageCreateEvents:
		return p.createEvents(ctx, r)
	default:
		return "", failure.AsConfiguration(fmt.Errorf("%w: %q", ErrUnknownStage, stage))
	}
}

func (p *Processor) advance(ctx context.Context, r *run, stage Stage, outcome Outcome, started time.Time) error {
	job := r.job

	next, err := Next(stage, outcome)
	if err != nil {
		return err
	}

	now := p.now()

	sp := job.StageProgressFor(stage)
	sp.Status = StageStatusCompleted
	sp.CompletedAt = &now

	if next == StageAwaitApproval {
		waiting := job.StageProgressFor(next)
		waiting.Status = StageStatusWaiting
		waiting.StartedAt = &now
	}

	job.LastSuccessfulStage = stage
	job.Stage = next
	job.StageCheckpoint = 0
	job.RetryAttempts = 0
	job.NextRetryAt = nil
	job.LastError = ""

	if next == StageCompleted {
		job.CompletedAt = &now
	}

	job.Progress = ComputeProgress(job, now)

	if err := p.save(ctx, job, stage); err != nil {
		return err
	}

	if p.metrics != nil {
		p.metrics.StageCompleted(ctx, string(stage), "success", now.Sub(started))
	}

	p.logger.Info("Import job stage completed",
		slog.String("job_id", job.ID),
		slog.String("stage", string(stage)),
		slog.String("next", string(next)),
		slog.Duration("duration", now.Sub(started)))

	if next.IsTerminal() {
		p.finish(ctx, job)
	}

	return nil
}

// fail applies the failure taxonomy: transient errors schedule a retry until the
// policy is exhausted, everything else fails the job immediately.
func (p *Processor) fail(ctx context.Context, r *run, stage Stage, err error) error {
	job := r.job

	if ctx.Err() != nil {
		// Shutdown. The lease expires and another worker resumes the stage.
		return ctx.Err()
	}

	if errors.Is(err, ErrStageConflict) {
		return err
	}

	now := p.now()
	sp := job.StageProgressFor(stage)

	if errors.Is(err, errSchemaLockBusy) {
		retryAt := now.Add(p.cfg.LockRetryDelay)
		job.NextRetryAt = &retryAt
		sp.Status = StageStatusPending

		p.logger.Info("Dataset schema lock busy, requeueing import job",
			slog.String("job_id", job.ID),
			slog.String("dataset_id", job.DatasetID),
			slog.Time("retry_at", retryAt))

		if saveErr := p.save(ctx, job, stage); saveErr != nil {
			return saveErr
		}

		return errPaused
	}

	job.LastError = err.Error()
	sp.Error = err.Error()

	if failure.IsRetryable(err) {
		decision := p.cfg.Retry.Next(job.RetryAttempts, now)
		job.RetryAttempts = decision.Attempts

		if !decision.Exhausted {
			job.NextRetryAt = &decision.NextAttempt
			sp.Status = StageStatusRetrying

			p.logger.Warn("Import job stage failed, retry scheduled",
				slog.String("job_id", job.ID),
				slog.String("stage", string(stage)),
				slog.Int("attempt", decision.Attempts),
				slog.Time("retry_at", decision.NextAttempt),
				slog.String("error", err.Error()))

			if saveErr := p.save(ctx, job, stage); saveErr != nil {
				return saveErr
			}

			return errPaused
		}

		err = fmt.Errorf("retries exhausted after %d attempts: %w", decision.Attempts-1, err)
	}

	if failErr := p.failJob(ctx, job, stage, err); failErr != nil {
		return failErr
	}

	return errPaused
}

func (p *Processor) failJob(ctx context.Context, job *ImportJob, stage Stage, cause error) error {
	next, err := Next(stage, OutcomeFailed)
	if err != nil {
		return err
	}

	now := p.now()

	sp := job.StageProgressFor(stage)
	sp.Status = StageStatusFailed
	sp.CompletedAt = &now
	sp.Error = cause.Error()

	job.Stage = next
	job.FailedStage = stage
	job.LastError = cause.Error()
	job.NextRetryAt = nil
	job.CompletedAt = &now
	job.AddRowErrors(p.cfg.MaxRowErrors, RowError{Row: JobLevelRow, Stage: stage, Message: cause.Error()})
	job.Progress = ComputeProgress(job, now)

	if err := p.save(ctx, job, stage); err != nil {
		return err
	}

	p.logger.Error("Import job failed",
		slog.String("job_id", job.ID),
		slog.String("stage", string(stage)),
		slog.String("category", string(failure.CategoryOf(cause))),
		slog.String("error", cause.Error()))

	if err := p.store.ReleaseSchemaLock(ctx, job.DatasetID, job.ID); err != nil {
		p.logger.Warn("Failed to release schema lock",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}

	p.finish(ctx, job)

	return nil
}

func (p *Processor) finish(ctx context.Context, job *ImportJob) {
	if p.metrics != nil {
		p.metrics.JobFinished(ctx, string(job.Stage))
	}

	p.syncFileStatus(ctx, job.ImportFileID)
}

// save persists job under compare-and-set on expected and extends the lease.
func (p *Processor) save(ctx context.Context, job *ImportJob, expected Stage) error {
	now := p.now()
	job.UpdatedAt = now

	if job.LeaseOwner != "" {
		expires := now.Add(p.cfg.LeaseDuration)
		job.LeaseExpiresAt = &expires
	}

	if err := p.store.UpdateJob(ctx, job, expected); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}

	return nil
}

func (p *Processor) syncFileStatus(ctx context.Context, fileID string) {
	if err := syncFileStatus(ctx, p.store, fileID, p.now()); err != nil {
		p.logger.Warn("Failed to update import file status",
			slog.String("file_id", fileID),
			slog.String("error", err.Error()))
	}
}

func syncFileStatus(ctx context.Context, store Store, fileID string, now time.Time) error {
	jobs, err := store.ListJobsByFile(ctx, fileID)
	if err != nil {
		return err
	}

	if len(jobs) == 0 {
		return nil
	}

	file, err := store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}

	status := FileStatusFor(jobs)
	if file.Status == status {
		return nil
	}

	file.Status = status
	file.UpdatedAt = now

	return store.UpdateFile(ctx, file)
}

// load reads the dataset and the job's sheet once per run.
func (p *Processor) load(ctx context.Context, r *run) error {
	if r.loaded {
		return nil
	}

	if r.dataset == nil {
		ds, err := p.dataset(ctx, r.job.DatasetID)
		if err != nil {
			return err
		}

		r.dataset = ds
	}

	file, err := p.store.GetFile(ctx, r.job.ImportFileID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failure.AsValidation(fmt.Errorf("import file %s: %w", r.job.ImportFileID, err))
		}

		return err
	}

	blob, err := p.objects.Get(ctx, file.ObjectKey)
	if err != nil {
		return fmt.Errorf("read import file %s: %w", file.ID, err)
	}

	sheets, err := importfile.Parse(bytes.NewReader(blob), file.Filename, file.ContentType, importfile.Options{})
	if err != nil {
		return failure.AsValidation(fmt.Errorf("parse import file %s: %w", file.ID, err))
	}

	for _, sheet := range sheets {
		if sheet.Index == r.job.SheetIndex {
			r.records = sheet.Records
			r.loaded = true

			return nil
		}
	}

	return failure.AsValidation(fmt.Errorf("%w: index %d", ErrSheetNotFound, r.job.SheetIndex))
}

func (p *Processor) dataset(ctx context.Context, id string) (*Dataset, error) {
	ds, err := p.store.GetDataset(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, failure.AsValidation(fmt.Errorf("%w: %s: %w", ErrDatasetUnavailable, id, err))
		}

		return nil, err
	}

	if ds.IsDeleted() {
		return nil, failure.AsValidation(fmt.Errorf("%w: %s is deleted", ErrDatasetUnavailable, id))
	}

	return ds, nil
}

func (p *Processor) analyzeDuplicates(ctx context.Context, r *run) (Outcome, error) {
	if err := p.load(ctx, r); err != nil {
		return "", err
	}

	job := r.job

	if err := p.checkQuota(ctx, job,
		quota.Request{Kind: quota.KindActiveJobs},
		quota.Request{Kind: quota.KindEventsPerImport, Amount: int64(len(r.records))},
	); err != nil {
		return "", err
	}

	res, err := p.identity.Resolve(ctx, job.DatasetID, r.dataset.Identity, r.records)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidConfig) {
			return "", failure.AsConfiguration(err)
		}

		return "", fmt.Errorf("resolve identities: %w", err)
	}

	job.Duplicates = res
	job.RowCount = len(r.records)

	rowErrs := make([]RowError, 0, len(res.Errors))
	for _, e := range res.Errors {
		rowErrs = append(rowErrs, RowError{Row: e.Row, Stage: StageAnalyzeDuplicates, Message: e.Message})
	}

	job.AddRowErrors(p.cfg.MaxRowErrors, rowErrs...)

	return OutcomeSuccess, nil
}

func (p *Processor) detectSchema(ctx context.Context, r *run) (Outcome, error) {
	if err := p.load(ctx, r); err != nil {
		return "", err
	}

	mappings := DetectAliasedFieldMappings(r.records, p.aliases).Merge(r.dataset.Mappings)

	r.job.FieldMappings = &mappings
	r.job.SchemaValidation = &SchemaValidation{Detected: schema.Detect(r.records, p.cfg.Detect)}

	return OutcomeSuccess, nil
}

func (p *Processor) validateSchema(ctx context.Context, r *run) (Outcome, error) {
	job := r.job

	sv := job.SchemaValidation
	if sv == nil || sv.Detected == nil {
		return "", failure.AsValidation(fmt.Errorf("%w: detected schema", ErrMissingStageResult))
	}

	ds, err := p.dataset(ctx, job.DatasetID)
	if err != nil {
		return "", err
	}

	r.dataset = ds

	current, err := p.store.CurrentSchemaVersion(ctx, ds.ID)
	if err != nil {
		return "", fmt.Errorf("read current schema: %w", err)
	}

	var currentSchema *schema.Schema

	sv.BaseVersionID = ""

	if current != nil {
		currentSchema = current.Schema
		sv.BaseVersionID = current.ID
	}

	policy := ds.SchemaPolicy

	sv.Diff = schema.Compare(currentSchema, sv.Detected)
	sv.Decision = schema.Classify(sv.Diff, policy, current == nil)
	sv.Suggestions = nil
	sv.ExcludedRows = nil

	if policy.AllowTransformations && current != nil && sv.Decision.Changed {
		sv.Suggestions = schema.Suggest(sv.Diff, currentSchema, sv.Detected)
	}

	if policy.StrictValidation && current != nil {
		if err := p.load(ctx, r); err != nil {
			return "", err
		}

		violations := schema.ValidateRecords(r.records, nil, currentSchema)
		excluded := make(map[int]bool)
		rowErrs := make([]RowError, 0, len(violations))

		for _, v := range violations {
			if !excluded[v.Row] {
				excluded[v.Row] = true
				sv.ExcludedRows = append(sv.ExcludedRows, v.Row)
			}

			rowErrs = append(rowErrs, RowError{Row: v.Row, Stage: StageValidateSchema, Field: v.Path, Message: v.Message})
		}

		job.AddRowErrors(p.cfg.MaxRowErrors, rowErrs...)
	}

	if sv.Decision.RequiresApproval {
		return OutcomeNeedsApproval, nil
	}

	return OutcomeSuccess, nil
}

func (p *Processor) createSchemaVersion(ctx context.Context, r *run) (Outcome, error) {
	job := r.job

	sv := job.SchemaValidation
	if sv == nil || sv.Detected == nil {
		return "", failure.AsValidation(fmt.Errorf("%w: schema validation", ErrMissingStageResult))
	}

	if !sv.Decision.Changed {
		return OutcomeSuccess, nil
	}

	acquired, err := p.store.AcquireSchemaLock(ctx, job.DatasetID, job.ID, p.cfg.SchemaLockTTL)
	if err != nil {
		return "", fmt.Errorf("acquire schema lock: %w", err)
	}

	if !acquired {
		return "", errSchemaLockBusy
	}

	defer func() {
		if err := p.store.ReleaseSchemaLock(context.WithoutCancel(ctx), job.DatasetID, job.ID); err != nil {
			p.logger.Warn("Failed to release schema lock",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
		}
	}()

	current, err := p.store.CurrentSchemaVersion(ctx, job.DatasetID)
	if err != nil {
		return "", fmt.Errorf("read current schema: %w", err)
	}

	var (
		currentSchema *schema.Schema
		currentID     string
	)

	if current != nil {
		currentSchema = current.Schema
		currentID = current.ID
	}

	diff := sv.Diff
	if currentID != sv.BaseVersionID {
		// Another import created a version since validation.
		diff = schema.Compare(currentSchema, sv.Detected)
		if current != nil && diff.IsEmpty() {
			return OutcomeSuccess, nil
		}
	}

	now := p.now()

	version := &SchemaVersion{
		ID:               p.newID(),
		DatasetID:        job.DatasetID,
		Schema:           sv.Detected,
		Diff:             diff,
		AutoApproved:     sv.Decision.AutoApproved,
		ApprovedBy:       "system",
		ApprovedAt:       now,
		ImportJobID:      job.ID,
		FieldCountBefore: currentSchema.FieldCount(),
		FieldCountAfter:  sv.Detected.FieldCount(),
		CreatedAt:        now,
	}

	if sv.Approval != nil && sv.Approval.Approved {
		version.AutoApproved = false
		version.ApprovedBy = sv.Approval.Actor
		version.ApprovedAt = sv.Approval.At
	}

	if err := p.store.CreateSchemaVersion(ctx, version); err != nil {
		return "", fmt.Errorf("create schema version: %w", err)
	}

	p.logger.Info("Created schema version",
		slog.String("dataset_id", job.DatasetID),
		slog.String("version_id", version.ID),
		slog.Int("version", version.VersionNumber),
		slog.Bool("auto_approved", version.AutoApproved))

	return OutcomeSuccess, nil
}

// target is a row that create-events will write.
type target struct {
	resolution identity.Resolution
	record     map[string]any
}

// targets returns the rows to materialize: new rows and update candidates that
// strict validation did not exclude.
func targets(r *run) []target {
	excluded := make(map[int]bool)
	if sv := r.job.SchemaValidation; sv != nil {
		for _, row := range sv.ExcludedRows {
			excluded[row] = true
		}
	}

	out := make([]target, 0, len(r.job.Duplicates.Resolutions))

	for _, res := range r.job.Duplicates.Resolutions {
		if res.Classification != identity.ClassNew && res.Classification != identity.ClassUpdateCandidate {
			continue
		}

		if excluded[res.Row] || res.Row < 0 || res.Row >= len(r.records) {
			continue
		}

		out = append(out, target{resolution: res, record: r.records[res.Row]})
	}

	return out
}

func (p *Processor) geocodeBatch(ctx context.Context, r *run) (Outcome, error) {
	job := r.job

	if job.Duplicates == nil || job.FieldMappings == nil {
		return "", failure.AsValidation(fmt.Errorf("%w: duplicate analysis or field mappings", ErrMissingStageResult))
	}

	geo := job.FieldMappings.Geo
	if p.geocoder == nil || (!geo.HasCoordinates() && geo.AddressPath == "") {
		return OutcomeSuccess, nil
	}

	if err := p.load(ctx, r); err != nil {
		return "", err
	}

	rows := targets(r)
	signals := make([]geocoding.Signal, 0, len(rows))

	for _, t := range rows {
		signals = append(signals, geo.Extract(t.resolution.Row, t.record))
	}

	checkpoint := func(ctx context.Context, chunk int, results []geocoding.RowResult) error {
		if err := p.store.SaveGeocodeChunk(ctx, job.ID, chunk, results); err != nil {
			return err
		}

		job.StageCheckpoint = chunk + 1

		return p.save(ctx, job, StageGeocodeBatch)
	}

	if _, err := p.geocoder.ResolveBatch(ctx, signals, job.StageCheckpoint, checkpoint); err != nil {
		if errors.Is(err, geocoding.ErrTooManyFailedChunks) {
			return "", failure.AsValidation(err)
		}

		return "", err
	}

	results, err := p.store.GeocodeResults(ctx, job.ID)
	if err != nil {
		return "", fmt.Errorf("read geocode results: %w", err)
	}

	byProvenance := make(map[geocoding.Provenance]int)
	rowErrs := make([]RowError, 0)

	for _, res := range results {
		byProvenance[res.Provenance]++

		if res.Error != "" {
			rowErrs = append(rowErrs, RowError{Row: res.Row, Stage: StageGeocodeBatch, Field: geo.AddressPath, Message: res.Error})
		}
	}

	job.AddRowErrors(p.cfg.MaxRowErrors, rowErrs...)

	if p.metrics != nil {
		for provenance, n := range byProvenance {
			p.metrics.RowsGeocoded(ctx, string(provenance), n)
		}
	}

	return OutcomeSuccess, nil
}

func (p *Processor) createEvents(ctx context.Context, r *run) (Outcome, error) {
	job := r.job

	if job.Duplicates == nil || job.FieldMappings == nil {
		return "", failure.AsValidation(fmt.Errorf("%w: duplicate analysis or field mappings", ErrMissingStageResult))
	}

	if err := p.load(ctx, r); err != nil {
		return "", err
	}

	located, err := p.locations(ctx, job)
	if err != nil {
		return "", err
	}

	var transforms []schema.Transform
	if sv := job.SchemaValidation; sv != nil && r.dataset.SchemaPolicy.AllowTransformations {
		transforms = sv.ApprovedTransforms
	}

	rows := targets(r)
	events := make([]*Event, 0, len(rows))
	inserts := 0

	var rowErrs []RowError

	for _, t := range rows {
		event, errs := p.buildEvent(job, t, transforms, located)
		rowErrs = append(rowErrs, errs...)
		events = append(events, event)

		if t.resolution.Classification == identity.ClassNew {
			inserts++
		}
	}

	if job.StageCheckpoint == 0 {
		if err := p.checkQuota(ctx, job,
			quota.Request{Kind: quota.KindEventsPerImport, Amount: int64(inserts)},
			quota.Request{Kind: quota.KindTotalEvents, Amount: int64(inserts)},
		); err != nil {
			return "", err
		}

		job.Result = &JobResult{
			Duplicates: job.Duplicates.Summary.InternalDuplicates + job.Duplicates.Summary.ExternalDuplicates,
		}

		if sv := job.SchemaValidation; sv != nil {
			job.Result.Excluded = len(sv.ExcludedRows)
		}

		job.AddRowErrors(p.cfg.MaxRowErrors, rowErrs...)
	}

	if job.Result == nil {
		job.Result = &JobResult{}
	}

	size := p.cfg.EventBatchSize

	for batch, start := 0, 0; start < len(events); batch, start = batch+1, start+size {
		if batch < job.StageCheckpoint {
			continue
		}

		end := min(start+size, len(events))

		created, updated, err := p.writeEvents(ctx, events[start:end])
		if err != nil {
			return "", err
		}

		job.Result.Created += created
		job.Result.Updated += updated
		job.StageCheckpoint = batch + 1

		if err := p.save(ctx, job, StageCreateEvents); err != nil {
			return "", err
		}

		if p.metrics != nil {
			p.metrics.EventsCreated(ctx, created)
		}
	}

	return OutcomeSuccess, nil
}

func (p *Processor) writeEvents(ctx context.Context, events []*Event) (int, int, error) {
	var inserts, updates []*Event

	for _, e := range events {
		if e.ID == "" {
			e.ID = p.newID()
			inserts = append(inserts, e)

			continue
		}

		updates = append(updates, e)
	}

	created, err := p.store.InsertEvents(ctx, inserts)
	if err != nil {
		return 0, 0, fmt.Errorf("insert events: %w", err)
	}

	updated, err := p.store.UpdateEvents(ctx, updates)
	if err != nil {
		return created, 0, fmt.Errorf("update events: %w", err)
	}

	return created, updated, nil
}

func (p *Processor) locations(ctx context.Context, job *ImportJob) (map[int]geocoding.RowResult, error) {
	results, err := p.store.GeocodeResults(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("read geocode results: %w", err)
	}

	out := make(map[int]geocoding.RowResult, len(results))
	for _, res := range results {
		out[res.Row] = res
	}

	return out, nil
}

// buildEvent materializes one row. Update candidates keep the existing event ID;
// new events get theirs when written.
func (p *Processor) buildEvent(
	job *ImportJob,
	t target,
	transforms []schema.Transform,
	located map[int]geocoding.RowResult,
) (*Event, []RowError) {
	row := t.resolution.Row
	mappings := *job.FieldMappings
	now := p.now()

	var rowErrs []RowError

	data := t.record
	if len(transforms) > 0 {
		var errs []error

		data, errs = schema.Apply(t.record, transforms)
		for _, err := range errs {
			rowErrs = append(rowErrs, RowError{Row: row, Stage: StageCreateEvents, Message: err.Error()})
		}
	}

	event := &Event{
		DatasetID:        job.DatasetID,
		ImportJobID:      job.ID,
		UniqueID:         t.resolution.UniqueID,
		SourceID:         t.resolution.SourceID,
		ContentHash:      t.resolution.ContentHash,
		Data:             data,
		Title:            mappings.Title(t.record),
		CoordinateSource: geocoding.ProvenanceNone,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if t.resolution.Classification == identity.ClassUpdateCandidate {
		event.ID = t.resolution.ExistingEventID
	}

	ts, ok := mappings.Timestamp(t.record)
	if !ok {
		rowErrs = append(rowErrs, RowError{
			Row: row, Stage: StageCreateEvents, Field: mappings.TimestampPath, Message: "unparseable timestamp",
		})
	}

	event.EventTimestamp = ts

	loc, ok := located[row]
	if !ok {
		loc = explicitLocation(mappings.Geo, row, t.record)
	}

	applyLocation(event, loc)

	return event, rowErrs
}

// explicitLocation resolves a row without the geocoder: only valid explicit
// coordinates are accepted.
func explicitLocation(m geocoding.FieldMapping, row int, record map[string]any) geocoding.RowResult {
	res := geocoding.RowResult{Row: row, Provenance: geocoding.ProvenanceNone}

	if !m.HasCoordinates() {
		return res
	}

	sig := m.Extract(row, record)
	res.Status = sig.Status

	if sig.Coordinate != nil && sig.Status == geocoding.StatusValid {
		c := *sig.Coordinate
		res.Coordinate = &c
		res.Provenance = geocoding.ProvenanceImport
		res.Confidence = 1

		return res
	}

	res.NeedsReview = sig.Status != "" && sig.Status.NeedsReview()

	return res
}

func applyLocation(event *Event, loc geocoding.RowResult) {
	event.CoordinateSource = loc.Provenance
	event.CoordinateConfidence = loc.Confidence
	event.ValidationStatus = loc.Status
	event.NeedsReview = loc.NeedsReview

	if loc.Coordinate != nil {
		lat, lon := loc.Coordinate.Latitude, loc.Coordinate.Longitude
		event.Latitude = &lat
		event.Longitude = &lon
	}

	if loc.Provenance == geocoding.ProvenanceGeocoded {
		event.GeocodingProvider = loc.Provider
		event.OriginalAddress = loc.OriginalAddress
		event.FormattedAddress = loc.FormattedAddress
		event.GeocodingConfidence = loc.Confidence
	}
}

func (p *Processor) checkQuota(ctx context.Context, job *ImportJob, reqs ...quota.Request) error {
	for _, req := range reqs {
		req.AccountID = job.AccountID

		if err := p.quota.Check(ctx, req); err != nil {
			return err
		}
	}

	return nil
}
