package ingestion_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/geoevents/geoevents/internal/failure"
	"github.com/geoevents/geoevents/internal/geocoding"
	"github.com/geoevents/geoevents/internal/identity"
	"github.com/geoevents/geoevents/internal/ingestion"
	"github.com/geoevents/geoevents/internal/objectstore"
	"github.com/geoevents/geoevents/internal/quota"
	"github.com/geoevents/geoevents/internal/scheduler"
	"github.com/geoevents/geoevents/internal/schema"
	"github.com/geoevents/geoevents/internal/storage"
)

const (
	testAccount = "acct-1"
	testDataset = "ds-1"
)

// clock is a settable time source shared by the service and the processor.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type pipeline struct {
	store   *storage.MemoryStore
	objects objectstore.Store
	cfg     *ingestion.Config
	clock   *clock
	service *ingestion.Service
	logger  *slog.Logger
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	clk := &clock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := storage.NewMemoryStore(storage.WithMemoryClock(clk.Now))
	objects := objectstore.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := ingestion.DefaultConfig()
	cfg.EventBatchSize = 10

	ctx := context.Background()
	require.NoError(t, store.CreateCatalog(ctx, &ingestion.Catalog{ID: "cat-1", Name: "Events"}))
	require.NoError(t, store.CreateDataset(ctx, &ingestion.Dataset{
		ID:        testDataset,
		CatalogID: "cat-1",
		Name:      "Concerts",
		AccountID: testAccount,
		Identity: identity.Config{
			Strategy:          identity.StrategyExternal,
			ExternalIDPath:    "id",
			DuplicateStrategy: identity.DuplicateSkip,
		},
		SchemaPolicy: schema.DefaultPolicy(),
	}))

	return &pipeline{
		store:   store,
		objects: objects,
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		service: ingestion.NewService(store, objects, cfg,
			ingestion.WithServiceLogger(logger),
			ingestion.WithServiceClock(clk.Now)),
	}
}

func (p *pipeline) processor(opts ...ingestion.ProcessorOption) *ingestion.Processor {
	opts = append([]ingestion.ProcessorOption{
		ingestion.WithProcessorLogger(p.logger),
		ingestion.WithProcessorClock(p.clock.Now),
	}, opts...)

	return ingestion.NewProcessor(p.store, p.objects, p.cfg, opts...)
}

// importCSV queues body and returns the single job it created.
func (p *pipeline) importCSV(t *testing.T, body string) *ingestion.ImportJob {
	t.Helper()

	_, jobs, err := p.service.CreateImport(context.Background(), &ingestion.CreateImportRequest{
		AccountID:   testAccount,
		DatasetID:   testDataset,
		Filename:    "events.csv",
		ContentType: "text/csv",
		Data:        []byte(body),
		Actor:       "tester",
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	return jobs[0]
}

// run loads the persisted job, runs it and returns its persisted state.
func (p *pipeline) run(t *testing.T, proc *ingestion.Processor, jobID string) *ingestion.ImportJob {
	t.Helper()

	ctx := context.Background()

	job, err := p.store.GetJob(ctx, jobID)
	require.NoError(t, err)
	require.NoError(t, proc.Run(ctx, job))

	job, err = p.store.GetJob(ctx, jobID)
	require.NoError(t, err)

	return job
}

func (p *pipeline) events(t *testing.T) []*ingestion.Event {
	t.Helper()

	events, err := p.store.ListEvents(context.Background(), testDataset)
	require.NoError(t, err)

	return events
}

// concertsCSV renders n rows with ids offset..offset+n-1. Every id in dupes is
// repeated once at the end.
func concertsCSV(offset, n int, dupes ...int) string {
	var b strings.Builder

	b.WriteString("id,title,date,latitude,longitude\n")

	row := func(id int) {
		fmt.Fprintf(&b, "c-%d,Concert %d,2024-01-%02d,52.%d,13.%d\n", id, id, id%28+1, id%90, id%90)
	}

	for i := range n {
		row(offset + i)
	}

	for _, id := range dupes {
		row(id)
	}

	return b.String()
}

func TestPipeline_ImportsAndSkipsDuplicates(t *testing.T) {
	p := newPipeline(t)
	proc := p.processor()

	job := p.importCSV(t, concertsCSV(0, 95, 3, 17, 42, 60, 94))
	job = p.run(t, proc, job.ID)

	require.Equal(t, ingestion.StageCompleted, job.Stage, job.LastError)
	require.NotNil(t, job.Result)
	assert.Equal(t, 100, job.RowCount)
	assert.Equal(t, 95, job.Result.Created)
	assert.Equal(t, 5, job.Result.Duplicates)
	assert.Equal(t, 5, job.Duplicates.Summary.InternalDuplicates)
	assert.InDelta(t, 100, job.Progress.Percentage, 0.001)
	assert.NotNil(t, job.CompletedAt)

	events := p.events(t)
	require.Len(t, events, 95)

	for _, e := range events {
		assert.Equal(t, geocoding.ProvenanceImport, e.CoordinateSource)
		assert.NotNil(t, e.Latitude)
		assert.NotEmpty(t, e.Title)
		assert.NotNil(t, e.EventTimestamp)
	}

	versions, err := p.store.SchemaVersions(context.Background(), testDataset)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.True(t, versions[0].AutoApproved)
	assert.Equal(t, 1, versions[0].VersionNumber)

	file, err := p.service.File(context.Background(), job.ImportFileID)
	require.NoError(t, err)
	assert.Equal(t, ingestion.FileStatusCompleted, file.Status)

	for _, stage := range ingestion.WorkStages {
		sp := job.Stages[stage]
		require.NotNil(t, sp, stage)
		assert.Equal(t, ingestion.StageStatusCompleted, sp.Status, stage)
		assert.NotNil(t, sp.StartedAt, stage)
		assert.NotNil(t, sp.CompletedAt, stage)
	}

	if waiting, ok := job.Stages[ingestion.StageAwaitApproval]; ok {
		assert.Nil(t, waiting.StartedAt, "approval gate never entered")
	}

	assert.Equal(t, ingestion.StageCreateEvents, job.LastSuccessfulStage)

	t.Run("reimport creates nothing", func(t *testing.T) {
		again := p.run(t, proc, p.importCSV(t, concertsCSV(0, 95)).ID)

		require.Equal(t, ingestion.StageCompleted, again.Stage, again.LastError)
		assert.Equal(t, 0, again.Result.Created)
		assert.Equal(t, 95, again.Result.Duplicates)
		assert.Len(t, p.events(t), 95)

		versions, err := p.store.SchemaVersions(context.Background(), testDataset)
		require.NoError(t, err)
		assert.Len(t, versions, 1, "unchanged schema must not create a version")
	})
}

func TestPipeline_SchemaApproval(t *testing.T) {
	p := newPipeline(t)
	proc := p.processor()

	first := p.run(t, proc, p.importCSV(t, concertsCSV(0, 5)).ID)
	require.Equal(t, ingestion.StageCompleted, first.Stage, first.LastError)

	// Dropping the title column is a breaking change.
	const withoutTitle = "id,date,latitude,longitude\nc-100,2024-02-01,52.1,13.1\nc-101,2024-02-02,52.2,13.2\n"

	t.Run("approve", func(t *testing.T) {
		job := p.run(t, proc, p.importCSV(t, withoutTitle).ID)

		require.Equal(t, ingestion.StageAwaitApproval, job.Stage)
		require.NotNil(t, job.SchemaValidation)
		assert.True(t, job.SchemaValidation.Decision.Breaking)
		assert.Contains(t, job.SchemaValidation.Diff.Removed, "title")
		assert.Len(t, p.events(t), 5, "nothing is written before approval")

		_, err := p.service.Approve(context.Background(), job.ID, "alice", nil)
		require.NoError(t, err)

		job = p.run(t, proc, job.ID)
		require.Equal(t, ingestion.StageCompleted, job.Stage, job.LastError)
		assert.Equal(t, 2, job.Result.Created)
		assert.Len(t, p.events(t), 7)

		versions, err := p.store.SchemaVersions(context.Background(), testDataset)
		require.NoError(t, err)
		require.Len(t, versions, 2)

		latest := versions[len(versions)-1]
		assert.Equal(t, 2, latest.VersionNumber)
		assert.False(t, latest.AutoApproved)
		assert.Equal(t, "alice", latest.ApprovedBy)
		assert.Equal(t, job.ID, latest.ImportJobID)
	})

	t.Run("reject", func(t *testing.T) {
		const withoutDate = "id,title,latitude,longitude\nc-200,Gig,52.1,13.1\n"

		job := p.run(t, proc, p.importCSV(t, withoutDate).ID)
		require.Equal(t, ingestion.StageAwaitApproval, job.Stage)

		_, err := p.service.Reject(context.Background(), job.ID, "bob", "unexpected columns")
		require.NoError(t, err)

		job, err = p.service.Progress(context.Background(), job.ID)
		require.NoError(t, err)
		assert.Equal(t, ingestion.StageFailed, job.Stage)
		assert.Equal(t, ingestion.StageAwaitApproval, job.FailedStage)
		assert.Contains(t, job.LastError, "rejected by bob: unexpected columns")
		assert.Equal(t, ingestion.StageStatusFailed, job.Stages[ingestion.StageAwaitApproval].Status)

		_, err = p.service.Approve(context.Background(), job.ID, "bob", nil)
		require.ErrorIs(t, err, ingestion.ErrNotAwaitingApproval)
	})
}

// feed serves whatever CSV body was set last.
type feed struct {
	mu   sync.Mutex
	body string
}

func (f *feed) set(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.body = body
}

func (f *feed) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	w.Header().Set("Content-Type", "text/csv")
	_, _ = io.WriteString(w, f.body)
}

// scheduledImport triggers sched and returns the persisted job it queued.
func (p *pipeline) scheduledImport(t *testing.T, sched *scheduler.Scheduler, scheduleID string) *ingestion.ImportJob {
	t.Helper()

	ctx := context.Background()

	exec, err := sched.Trigger(ctx, scheduleID, "ops")
	require.NoError(t, err)
	require.Equal(t, scheduler.StatusSuccess, exec.Status, exec.Error)

	jobs, err := p.store.ListJobsByFile(ctx, exec.ImportFileID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	return jobs[0]
}

func TestPipeline_ScheduledImportApprovalGate(t *testing.T) {
	p := newPipeline(t)
	proc := p.processor()
	ctx := context.Background()

	source := &feed{}
	srv := httptest.NewServer(source)
	t.Cleanup(srv.Close)

	sched := scheduler.New(p.store, p.service, nil,
		scheduler.WithClock(p.clock.Now),
		scheduler.WithLogger(p.logger))

	schedule := &scheduler.Schedule{
		Name:      "Concert feed",
		AccountID: testAccount,
		URL:       srv.URL + "/concerts.csv",
		Frequency: scheduler.FrequencyDaily,
		DatasetID: testDataset,
		Cache:     scheduler.DefaultCachePolicy(),
		Enabled:   true,
	}
	_, err := sched.Create(ctx, schedule)
	require.NoError(t, err)

	source.set(concertsCSV(0, 5))

	first := p.run(t, proc, p.scheduledImport(t, sched, schedule.ID).ID)
	require.Equal(t, ingestion.StageCompleted, first.Stage, first.LastError)

	file, err := p.service.File(ctx, first.ImportFileID)
	require.NoError(t, err)
	assert.Equal(t, schedule.ID, file.ScheduledImportID)

	t.Run("approve resumes", func(t *testing.T) {
		source.set("id,date,latitude,longitude\nc-300,2024-04-01,52.1,13.1\n")

		job := p.run(t, proc, p.scheduledImport(t, sched, schedule.ID).ID)
		require.Equal(t, ingestion.StageAwaitApproval, job.Stage)
		assert.Equal(t, ingestion.StageStatusWaiting, job.Stages[ingestion.StageAwaitApproval].Status)

		approved, err := p.service.Approve(ctx, job.ID, "alice", nil)
		require.NoError(t, err)
		assert.Equal(t, ingestion.StageCreateSchemaVersion, approved.Stage)

		job = p.run(t, proc, job.ID)
		require.Equal(t, ingestion.StageCompleted, job.Stage, job.LastError)
		assert.Equal(t, 1, job.Result.Created)
	})

	t.Run("reject records the reason", func(t *testing.T) {
		source.set("id,title,latitude,longitude\nc-400,Gig,52.1,13.1\n")

		job := p.run(t, proc, p.scheduledImport(t, sched, schedule.ID).ID)
		require.Equal(t, ingestion.StageAwaitApproval, job.Stage)

		_, err := p.service.Reject(ctx, job.ID, "bob", "feed changed format")
		require.NoError(t, err)

		job, err = p.service.Progress(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, ingestion.StageFailed, job.Stage)
		assert.Contains(t, job.LastError, "feed changed format")
	})
}

func TestPipeline_CancelReleasesSchemaLock(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	job := p.importCSV(t, concertsCSV(0, 3))

	acquired, err := p.store.AcquireSchemaLock(ctx, testDataset, job.ID, time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)

	cancelled, err := p.service.Cancel(ctx, job.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, ingestion.StageFailed, cancelled.Stage)
	assert.Equal(t, ingestion.StageAnalyzeDuplicates, cancelled.FailedStage)

	_, held := p.store.SchemaLockOwner(testDataset)
	assert.False(t, held)

	_, err = p.service.Cancel(ctx, job.ID, "carol")
	require.ErrorIs(t, err, ingestion.ErrTerminalStateImmutable)

	requeued, err := p.service.Requeue(ctx, job.ID, "carol")
	require.NoError(t, err)
	assert.Equal(t, ingestion.StageAnalyzeDuplicates, requeued.Stage)

	done := p.run(t, p.processor(), job.ID)
	assert.Equal(t, ingestion.StageCompleted, done.Stage, done.LastError)
	assert.Len(t, p.events(t), 3)
}

func TestPipeline_SchemaLockBusyRequeues(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	proc := p.processor()

	acquired, err := p.store.AcquireSchemaLock(ctx, testDataset, "other-job", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	job := p.run(t, proc, p.importCSV(t, concertsCSV(0, 3)).ID)

	require.Equal(t, ingestion.StageCreateSchemaVersion, job.Stage)
	require.NotNil(t, job.NextRetryAt)
	assert.Equal(t, p.clock.Now().Add(p.cfg.LockRetryDelay), *job.NextRetryAt)
	assert.Zero(t, job.RetryAttempts, "waiting for the lock is not a retry")

	// Not due yet.
	job = p.run(t, proc, job.ID)
	assert.Equal(t, ingestion.StageCreateSchemaVersion, job.Stage)

	require.NoError(t, p.store.ReleaseSchemaLock(ctx, testDataset, "other-job"))
	p.clock.Advance(p.cfg.LockRetryDelay)

	job = p.run(t, proc, job.ID)
	assert.Equal(t, ingestion.StageCompleted, job.Stage, job.LastError)
}

// countingObjects counts blobs written through it.
type countingObjects struct {
	objectstore.Store
	puts int
}

func (c *countingObjects) Put(ctx context.Context, key string, data []byte, contentType string) error {
	c.puts++

	return c.Store.Put(ctx, key, data, contentType)
}

func TestService_QuotaCheckedBeforeStoringUpload(t *testing.T) {
	p := newPipeline(t)
	objects := &countingObjects{Store: p.objects}
	service := ingestion.NewService(p.store, objects, p.cfg,
		ingestion.WithServiceLogger(p.logger),
		ingestion.WithServiceClock(p.clock.Now),
		ingestion.WithServiceQuota(quota.NewStaticChecker(quota.Limits{MaxActiveJobs: 1}, p.store)))

	req := func() *ingestion.CreateImportRequest {
		return &ingestion.CreateImportRequest{
			AccountID:   testAccount,
			DatasetID:   testDataset,
			Filename:    "events.csv",
			ContentType: "text/csv",
			Data:        []byte(concertsCSV(0, 3)),
			Actor:       "tester",
		}
	}

	_, jobs, err := service.CreateImport(context.Background(), req())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, objects.puts)

	file, jobs, err := service.CreateImport(context.Background(), req())
	require.ErrorIs(t, err, quota.ErrQuotaExceeded)
	assert.Equal(t, failure.Quota, failure.CategoryOf(err))
	assert.Nil(t, file, "no import file is recorded")
	assert.Empty(t, jobs)
	assert.Equal(t, 1, objects.puts, "the rejected upload is never stored")
}

func TestPipeline_QuotaFailsFast(t *testing.T) {
	p := newPipeline(t)
	proc := p.processor(ingestion.WithQuota(quota.NewStaticChecker(quota.Limits{MaxEventsPerImport: 10}, p.store)))

	job := p.run(t, proc, p.importCSV(t, concertsCSV(0, 20)).ID)

	require.Equal(t, ingestion.StageFailed, job.Stage)
	assert.Equal(t, ingestion.StageAnalyzeDuplicates, job.FailedStage)
	assert.Zero(t, job.RetryAttempts, "quota failures are not retried")
	assert.Contains(t, job.LastError, string(quota.KindEventsPerImport))
	require.NotEmpty(t, job.RowErrors)
	assert.Equal(t, ingestion.JobLevelRow, job.RowErrors[0].Row)
	assert.Empty(t, p.events(t))
}

func TestPipeline_MissingDatasetFails(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	job := p.importCSV(t, concertsCSV(0, 2))
	require.NoError(t, p.store.SoftDeleteDataset(ctx, testDataset, p.clock.Now()))

	job = p.run(t, p.processor(), job.ID)

	require.Equal(t, ingestion.StageFailed, job.Stage)
	assert.Contains(t, job.LastError, ingestion.ErrDatasetUnavailable.Error())
}

// chunkGeocoder resolves every address to a fixed point, chunkSize signals at a
// time, and fails once at failAtChunk.
type chunkGeocoder struct {
	chunkSize   int
	failAtChunk int
	failures    int
	starts      []int
	cancel      func()
}

func (g *chunkGeocoder) ResolveBatch(
	ctx context.Context,
	signals []geocoding.Signal,
	startChunk int,
	checkpoint geocoding.CheckpointFunc,
) ([]geocoding.RowResult, error) {
	g.starts = append(g.starts, startChunk)

	if g.cancel != nil {
		g.cancel()
	}

	var out []geocoding.RowResult

	for chunk, start := 0, 0; start < len(signals); chunk, start = chunk+1, start+g.chunkSize {
		if chunk < startChunk {
			continue
		}

		if chunk == g.failAtChunk && g.failures == 0 {
			g.failures++

			return out, failure.AsTransient(errors.New("provider unavailable"))
		}

		results := make([]geocoding.RowResult, 0, g.chunkSize)

		for _, sig := range signals[start:min(start+g.chunkSize, len(signals))] {
			results = append(results, geocoding.RowResult{
				Row:             sig.Row,
				Coordinate:      &geocoding.Coordinate{Latitude: 48.85, Longitude: 2.35},
				Provenance:      geocoding.ProvenanceGeocoded,
				Confidence:      0.9,
				Status:          geocoding.StatusValid,
				Provider:        "fake",
				OriginalAddress: sig.Address,
			})
		}

		if err := checkpoint(ctx, chunk, results); err != nil {
			return out, err
		}

		out = append(out, results...)
	}

	return out, nil
}

const venuesCSV = "id,title,address\n" +
	"v-1,Opening,1 Rue de Rivoli Paris\n" +
	"v-2,Matinee,2 Rue de Rivoli Paris\n" +
	"v-3,Gala,3 Rue de Rivoli Paris\n" +
	"v-4,Encore,4 Rue de Rivoli Paris\n" +
	"v-5,Closing,5 Rue de Rivoli Paris\n"

func TestPipeline_GeocodeRetryResumesFromCheckpoint(t *testing.T) {
	p := newPipeline(t)
	geo := &chunkGeocoder{chunkSize: 2, failAtChunk: 1}
	proc := p.processor(ingestion.WithGeocoder(geo))

	job := p.run(t, proc, p.importCSV(t, venuesCSV).ID)

	require.Equal(t, ingestion.StageGeocodeBatch, job.Stage, job.LastError)
	assert.Equal(t, 1, job.StageCheckpoint)
	assert.Equal(t, 1, job.RetryAttempts)
	require.NotNil(t, job.NextRetryAt)
	assert.Equal(t, p.clock.Now().Add(p.cfg.Retry.Backoff(1)), *job.NextRetryAt)
	assert.Equal(t, ingestion.StageStatusRetrying, job.Stages[ingestion.StageGeocodeBatch].Status)

	p.clock.Advance(p.cfg.Retry.Backoff(1))

	job = p.run(t, proc, job.ID)

	require.Equal(t, ingestion.StageCompleted, job.Stage, job.LastError)
	assert.Equal(t, []int{0, 1}, geo.starts, "second attempt resumes after the persisted chunk")

	events := p.events(t)
	require.Len(t, events, 5)

	for _, e := range events {
		assert.Equal(t, geocoding.ProvenanceGeocoded, e.CoordinateSource)
		assert.Equal(t, "fake", e.GeocodingProvider)
		require.NotNil(t, e.Latitude)
		assert.InDelta(t, 48.85, *e.Latitude, 0.0001)
		assert.NotEmpty(t, e.OriginalAddress)
	}
}

func TestPipeline_RetriesExhausted(t *testing.T) {
	p := newPipeline(t)
	p.cfg.Retry.MaxRetries = 1

	geo := &chunkGeocoder{chunkSize: 2, failAtChunk: 0}
	proc := p.processor(ingestion.WithGeocoder(geo))

	job := p.run(t, proc, p.importCSV(t, venuesCSV).ID)
	require.Equal(t, ingestion.StageGeocodeBatch, job.Stage)

	geo.failures = 0
	p.clock.Advance(p.cfg.Retry.Backoff(1))

	job = p.run(t, proc, job.ID)

	require.Equal(t, ingestion.StageFailed, job.Stage)
	assert.Equal(t, ingestion.StageGeocodeBatch, job.FailedStage)
	assert.Contains(t, job.LastError, "retries exhausted")
	assert.Nil(t, job.NextRetryAt)
}

func TestPipeline_CancelDuringStageDiscardsResults(t *testing.T) {
	p := newPipeline(t)

	job := p.importCSV(t, venuesCSV)

	geo := &chunkGeocoder{chunkSize: 2, failAtChunk: -1}
	geo.cancel = func() {
		_, err := p.service.Cancel(context.Background(), job.ID, "dave")
		require.NoError(t, err)
	}

	done := p.run(t, p.processor(ingestion.WithGeocoder(geo)), job.ID)

	assert.Equal(t, ingestion.StageFailed, done.Stage)
	assert.Equal(t, ingestion.StageGeocodeBatch, done.FailedStage)
	assert.Equal(t, "cancelled by dave", done.LastError)
	assert.Empty(t, p.events(t))
}

func TestPipeline_ColumnAliases(t *testing.T) {
	p := newPipeline(t)
	proc := p.processor(ingestion.WithColumnAliases(aliasMap{"breite": "latitude", "laenge": "longitude"}))

	const german = "id,title,breite,laenge\nd-1,Konzert,52.52,13.40\n"

	job := p.run(t, proc, p.importCSV(t, german).ID)

	require.Equal(t, ingestion.StageCompleted, job.Stage, job.LastError)
	assert.Equal(t, "breite", job.FieldMappings.Geo.LatitudePath)

	events := p.events(t)
	require.Len(t, events, 1)
	require.NotNil(t, events[0].Longitude)
	assert.InDelta(t, 13.40, *events[0].Longitude, 0.0001)
}

type aliasMap map[string]string

func (m aliasMap) Resolve(column string) string {
	if canonical, ok := m[column]; ok {
		return canonical
	}

	return column
}

func TestPool_RunOnce(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()

	first := p.importCSV(t, concertsCSV(0, 4))
	second := p.importCSV(t, concertsCSV(10, 4))

	pool := ingestion.NewPool(p.store, p.processor(), p.cfg, p.logger)

	processed, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, processed)

	for _, id := range []string{first.ID, second.ID} {
		job, err := p.store.GetJob(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, ingestion.StageCompleted, job.Stage, job.LastError)
		assert.Empty(t, job.LeaseOwner, "lease is released after the run")
	}

	processed, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, processed)
}

func TestPool_RunStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := newPipeline(t)
	p.cfg.Workers = 3
	p.cfg.PollInterval = 10 * time.Millisecond

	job := p.importCSV(t, concertsCSV(0, 4))
	pool := ingestion.NewPool(p.store, p.processor(), p.cfg, p.logger)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		errCh <- pool.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		current, err := p.store.GetJob(context.Background(), job.ID)

		return err == nil && current.Stage == ingestion.StageCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}
