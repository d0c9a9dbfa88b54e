// Package storage provides PostgreSQL and in-memory implementations of the
// persistence interfaces declared by the pipeline, scheduler and aggregation
// packages.
package storage

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/geoevents/geoevents/internal/aggregation"
	"github.com/geoevents/geoevents/internal/geocoding"
	"github.com/geoevents/geoevents/internal/identity"
	"github.com/geoevents/geoevents/internal/ingestion"
	"github.com/geoevents/geoevents/internal/quota"
	"github.com/geoevents/geoevents/internal/scheduler"
)

// MemoryStore is a thread-safe in-memory implementation of every store
// interface. It backs end-to-end tests and single-process development runs.
// Values are copied on the way in and out so callers never share state with
// the store, mirroring a database round trip.
type MemoryStore struct {
	mu sync.RWMutex

	catalogs       map[string]*ingestion.Catalog
	datasets       map[string]*ingestion.Dataset
	schemaVersions map[string][]*ingestion.SchemaVersion // by dataset, ascending
	files          map[string]*ingestion.ImportFile
	jobs           map[string]*ingestion.ImportJob
	geocodes       map[string]map[int][]geocoding.RowResult // job -> chunk -> results
	events         map[string]*ingestion.Event
	eventsByUID    map[string]string // unique id -> event id
	schemaLocks    map[string]schemaClaim
	providerStats  map[string]*geocoding.ProviderStats

	schedules  map[string]*scheduler.Schedule
	executions map[string][]*scheduler.Execution // by schedule, append order

	now func() time.Time
}

type schemaClaim struct {
	owner     string
	expiresAt time.Time
}

var (
	_ ingestion.Store           = (*MemoryStore)(nil)
	_ scheduler.Store           = (*MemoryStore)(nil)
	_ aggregation.Store         = (*MemoryStore)(nil)
	_ quota.Usage               = (*MemoryStore)(nil)
	_ geocoding.StatsRecorder   = (*MemoryStore)(nil)
	_ identity.Lookup           = (*MemoryStore)(nil)
)

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides time.Now for lock expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		catalogs:       make(map[string]*ingestion.Catalog),
		datasets:       make(map[string]*ingestion.Dataset),
		schemaVersions: make(map[string][]*ingestion.SchemaVersion),
		files:          make(map[string]*ingestion.ImportFile),
		jobs:           make(map[string]*ingestion.ImportJob),
		geocodes:       make(map[string]map[int][]geocoding.RowResult),
		events:         make(map[string]*ingestion.Event),
		eventsByUID:    make(map[string]string),
		schemaLocks:    make(map[string]schemaClaim),
		providerStats:  make(map[string]*geocoding.ProviderStats),
		schedules:      make(map[string]*scheduler.Schedule),
		executions:     make(map[string][]*scheduler.Execution),
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// clone deep-copies a value through its JSON encoding, the same representation
// the PostgreSQL store persists.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}

	encoded, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("storage: clone %T: %v", v, err))
	}

	var out T
	if err := json.Unmarshal(encoded, &out); err != nil {
		panic(fmt.Sprintf("storage: clone %T: %v", v, err))
	}

	return &out
}

// Catalogs and datasets

// CreateCatalog stores a catalog.
func (s *MemoryStore) CreateCatalog(_ context.Context, c *ingestion.Catalog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.catalogs[c.ID]; exists {
		return fmt.Errorf("%w: catalog %s", ErrAlreadyExists, c.ID)
	}

	s.catalogs[c.ID] = clone(c)

	return nil
}

// CreateDataset stores a dataset. Its catalog must exist.
func (s *MemoryStore) CreateDataset(_ context.Context, d *ingestion.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.catalogs[d.CatalogID]; !ok {
		return fmt.Errorf("catalog %s: %w", d.CatalogID, ingestion.ErrNotFound)
	}

	if _, exists := s.datasets[d.ID]; exists {
		return fmt.Errorf("%w: dataset %s", ErrAlreadyExists, d.ID)
	}

	s.datasets[d.ID] = clone(d)

	return nil
}

func (s *MemoryStore) GetDataset(_ context.Context, id string) (*ingestion.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.datasets[id]
	if !ok {
		return nil, fmt.Errorf("dataset %s: %w", id, ingestion.ErrNotFound)
	}

	return clone(d), nil
}

// SoftDeleteDataset marks the dataset and its events deleted.
func (s *MemoryStore) SoftDeleteDataset(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.datasets[id]
	if !ok || d.DeletedAt != nil {
		return fmt.Errorf("dataset %s: %w", id, ingestion.ErrNotFound)
	}

	d.DeletedAt = &at
	d.UpdatedAt = at

	for _, e := range s.events {
		if e.DatasetID == id && e.DeletedAt == nil {
			e.DeletedAt = &at
		}
	}

	return nil
}

func (s *MemoryStore) CurrentSchemaVersion(_ context.Context, datasetID string) (*ingestion.SchemaVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.datasets[datasetID]
	if !ok {
		return nil, fmt.Errorf("dataset %s: %w", datasetID, ingestion.ErrNotFound)
	}

	for _, v := range s.schemaVersions[datasetID] {
		if v.ID == d.CurrentSchemaVersionID {
			return clone(v), nil
		}
	}

	return nil, nil
}

func (s *MemoryStore) CreateSchemaVersion(_ context.Context, version *ingestion.SchemaVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.datasets[version.DatasetID]
	if !ok {
		return fmt.Errorf("dataset %s: %w", version.DatasetID, ingestion.ErrNotFound)
	}

	versions := s.schemaVersions[version.DatasetID]
	version.VersionNumber = len(versions) + 1

	s.schemaVersions[version.DatasetID] = append(versions, clone(version))
	d.CurrentSchemaVersionID = version.ID
	d.UpdatedAt = version.CreatedAt

	return nil
}

// SchemaVersions returns every version of a dataset in ascending order.
func (s *MemoryStore) SchemaVersions(_ context.Context, datasetID string) ([]*ingestion.SchemaVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*ingestion.SchemaVersion, 0, len(s.schemaVersions[datasetID]))
	for _, v := range s.schemaVersions[datasetID] {
		out = append(out, clone(v))
	}

	return out, nil
}

// Files

func (s *MemoryStore) CreateFile(_ context.Context, file *ingestion.ImportFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[file.ID]; exists {
		return fmt.Errorf("%w: import file %s", ErrAlreadyExists, file.ID)
	}

	s.files[file.ID] = clone(file)

	return nil
}

func (s *MemoryStore) GetFile(_ context.Context, id string) (*ingestion.ImportFile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[id]
	if !ok {
		return nil, fmt.Errorf("import file %s: %w", id, ingestion.ErrNotFound)
	}

	return clone(f), nil
}

func (s *MemoryStore) UpdateFile(_ context.Context, file *ingestion.ImportFile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files[file.ID]; !ok {
		return fmt.Errorf("import file %s: %w", file.ID, ingestion.ErrNotFound)
	}

	s.files[file.ID] = clone(file)

	return nil
}

// Jobs

func (s *MemoryStore) CreateJob(_ context.Context, job *ingestion.ImportJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: import job %s", ErrAlreadyExists, job.ID)
	}

	s.jobs[job.ID] = clone(job)

	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, id string) (*ingestion.ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("import job %s: %w", id, ingestion.ErrNotFound)
	}

	return clone(j), nil
}

func (s *MemoryStore) ListJobsByFile(_ context.Context, fileID string) ([]*ingestion.ImportJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ingestion.ImportJob

	for _, j := range s.jobs {
		if j.ImportFileID == fileID {
			out = append(out, clone(j))
		}
	}

	slices.SortFunc(out, func(a, b *ingestion.ImportJob) int { return cmp.Compare(a.SheetIndex, b.SheetIndex) })

	return out, nil
}

func (s *MemoryStore) UpdateJob(_ context.Context, job *ingestion.ImportJob, expected ingestion.Stage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.jobs[job.ID]
	if !ok {
		return fmt.Errorf("import job %s: %w", job.ID, ingestion.ErrNotFound)
	}

	if stored.Stage != expected {
		return fmt.Errorf("import job %s is %s, expected %s: %w", job.ID, stored.Stage, expected, ingestion.ErrStageConflict)
	}

	s.jobs[job.ID] = clone(job)

	return nil
}

func (s *MemoryStore) DeleteJob(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("import job %s: %w", id, ingestion.ErrNotFound)
	}

	delete(s.jobs, id)
	delete(s.geocodes, id)

	return nil
}

func (s *MemoryStore) ClaimJobs(_ context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*ingestion.ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*ingestion.ImportJob

	for _, j := range s.jobs {
		if jobIsDue(j, now) {
			due = append(due, j)
		}
	}

	slices.SortFunc(due, func(a, b *ingestion.ImportJob) int {
		return cmp.Or(dueAt(a).Compare(dueAt(b)), cmp.Compare(a.ID, b.ID))
	})

	if len(due) > limit {
		due = due[:limit]
	}

	expires := now.Add(lease)
	out := make([]*ingestion.ImportJob, 0, len(due))

	for _, j := range due {
		j.LeaseOwner = owner
		j.LeaseExpiresAt = &expires
		out = append(out, clone(j))
	}

	return out, nil
}

func jobIsDue(j *ingestion.ImportJob, now time.Time) bool {
	if j.Stage.IsPaused() {
		return false
	}

	if j.NextRetryAt != nil && j.NextRetryAt.After(now) {
		return false
	}

	return j.LeaseOwner == "" || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.After(now)
}

func dueAt(j *ingestion.ImportJob) time.Time {
	if j.NextRetryAt != nil {
		return *j.NextRetryAt
	}

	return j.CreatedAt
}

func (s *MemoryStore) ReleaseJob(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[id]; ok && j.LeaseOwner == owner {
		j.LeaseOwner = ""
		j.LeaseExpiresAt = nil
	}

	return nil
}

func (s *MemoryStore) SaveGeocodeChunk(_ context.Context, jobID string, chunk int, results []geocoding.RowResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return fmt.Errorf("import job %s: %w", jobID, ingestion.ErrNotFound)
	}

	chunks, ok := s.geocodes[jobID]
	if !ok {
		chunks = make(map[int][]geocoding.RowResult)
		s.geocodes[jobID] = chunks
	}

	chunks[chunk] = slices.Clone(results)

	return nil
}

func (s *MemoryStore) GeocodeResults(_ context.Context, jobID string) ([]geocoding.RowResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunks := s.geocodes[jobID]

	indexes := make([]int, 0, len(chunks))
	for i := range chunks {
		indexes = append(indexes, i)
	}

	slices.Sort(indexes)

	var out []geocoding.RowResult
	for _, i := range indexes {
		out = append(out, chunks[i]...)
	}

	return out, nil
}

// Schema locks

func (s *MemoryStore) AcquireSchemaLock(_ context.Context, datasetID, owner string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	if claim, held := s.schemaLocks[datasetID]; held && claim.owner != owner && claim.expiresAt.After(now) {
		return false, nil
	}

	s.schemaLocks[datasetID] = schemaClaim{owner: owner, expiresAt: now.Add(ttl)}

	return true, nil
}

func (s *MemoryStore) ReleaseSchemaLock(_ context.Context, datasetID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if claim, held := s.schemaLocks[datasetID]; held && claim.owner == owner {
		delete(s.schemaLocks, datasetID)
	}

	return nil
}

// SchemaLockOwner returns the live owner of a dataset's schema lock, if any.
func (s *MemoryStore) SchemaLockOwner(datasetID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	claim, held := s.schemaLocks[datasetID]
	if !held || !claim.expiresAt.After(s.now()) {
		return "", false
	}

	return claim.owner, true
}

// Events

func (s *MemoryStore) FindByUniqueIDs(_ context.Context, datasetID string, uniqueIDs []string) (map[string]identity.Existing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]identity.Existing)

	for _, uid := range uniqueIDs {
		e, ok := s.events[s.eventsByUID[uid]]
		if ok && e.DatasetID == datasetID && e.DeletedAt == nil {
			out[uid] = existing(e)
		}
	}

	return out, nil
}

func (s *MemoryStore) FindByContentHashes(_ context.Context, datasetID string, hashes []string) (map[string]identity.Existing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		wanted[h] = true
	}

	out := make(map[string]identity.Existing)

	for _, e := range s.events {
		if e.DatasetID == datasetID && e.DeletedAt == nil && wanted[e.ContentHash] {
			if _, seen := out[e.ContentHash]; !seen {
				out[e.ContentHash] = existing(e)
			}
		}
	}

	return out, nil
}

func existing(e *ingestion.Event) identity.Existing {
	return identity.Existing{EventID: e.ID, UniqueID: e.UniqueID, ContentHash: e.ContentHash}
}

func (s *MemoryStore) InsertEvents(_ context.Context, events []*ingestion.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	written := 0

	for _, e := range events {
		if _, exists := s.eventsByUID[e.UniqueID]; exists {
			continue
		}

		if _, ok := s.datasets[e.DatasetID]; !ok {
			return written, fmt.Errorf("dataset %s: %w", e.DatasetID, ingestion.ErrNotFound)
		}

		s.events[e.ID] = clone(e)
		s.eventsByUID[e.UniqueID] = e.ID
		written++
	}

	return written, nil
}

func (s *MemoryStore) UpdateEvents(_ context.Context, events []*ingestion.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated := 0

	for _, e := range events {
		stored, ok := s.events[e.ID]
		if !ok || stored.DeletedAt != nil {
			continue
		}

		next := clone(e)
		next.UniqueID = stored.UniqueID
		next.CreatedAt = stored.CreatedAt
		s.events[e.ID] = next
		updated++
	}

	return updated, nil
}

// ListEvents returns the live events of a dataset ordered by unique id.
func (s *MemoryStore) ListEvents(_ context.Context, datasetID string) ([]*ingestion.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ingestion.Event

	for _, e := range s.events {
		if e.DatasetID == datasetID && e.DeletedAt == nil {
			out = append(out, clone(e))
		}
	}

	slices.SortFunc(out, func(a, b *ingestion.Event) int { return cmp.Compare(a.UniqueID, b.UniqueID) })

	return out, nil
}

// Usage

func (s *MemoryStore) ActiveJobs(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64

	for _, j := range s.jobs {
		if j.AccountID == accountID && !j.Stage.IsTerminal() {
			n++
		}
	}

	return n, nil
}

func (s *MemoryStore) TotalEvents(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64

	for _, e := range s.events {
		d, ok := s.datasets[e.DatasetID]
		if ok && d.AccountID == accountID && e.DeletedAt == nil {
			n++
		}
	}

	return n, nil
}

func (s *MemoryStore) Schedules(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64

	for _, sched := range s.schedules {
		if sched.AccountID == accountID {
			n++
		}
	}

	return n, nil
}

// Provider statistics

func (s *MemoryStore) RecordProviderCall(
	_ context.Context,
	provider string,
	success bool,
	errMsg string,
	latency time.Duration,
	at time.Time,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.providerStats[provider]
	if !ok {
		st = &geocoding.ProviderStats{Provider: provider}
		s.providerStats[provider] = st
	}

	st.Requests++
	if success {
		st.Successes++
	} else {
		st.Failures++
		st.LastErrorMsg = errMsg
	}

	st.AvgLatency += (latency - st.AvgLatency) / time.Duration(st.Requests)
	st.LastUsedAt = at

	return nil
}

// ProviderStats returns the recorded statistics of a provider.
func (s *MemoryStore) ProviderStats(_ context.Context, provider string) (*geocoding.ProviderStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.providerStats[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s: %w", provider, ingestion.ErrNotFound)
	}

	out := *st

	return &out, nil
}
