// Package ingestion provides import pipeline persistence interfaces.
//
// The domain package defines these interfaces to specify what the pipeline needs,
// without depending on concrete implementations. PostgreSQL and in-memory
// implementations live in internal/storage.
package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/geoevents/geoevents/internal/geocoding"
	"github.com/geoevents/geoevents/internal/identity"
)

// Sentinel errors returned by store implementations.
var (
	// ErrNotFound indicates a missing (or soft-deleted) record.
	ErrNotFound = errors.New("not found")

	// ErrStageConflict indicates the stored job is no longer in the expected stage.
	// Writers that receive it discard their in-flight results.
	ErrStageConflict = errors.New("job stage changed concurrently")
)

// FileStore persists import files.
type FileStore interface {
	CreateFile(ctx context.Context, file *ImportFile) error
	GetFile(ctx context.Context, id string) (*ImportFile, error)
	UpdateFile(ctx context.Context, file *ImportFile) error
}

// JobStore persists import jobs and acts as the durable work queue.
type JobStore interface {
	CreateJob(ctx context.Context, job *ImportJob) error
	GetJob(ctx context.Context, id string) (*ImportJob, error)
	ListJobsByFile(ctx context.Context, fileID string) ([]*ImportJob, error)

	// UpdateJob writes job only if the stored stage still equals expected, and
	// returns ErrStageConflict otherwise.
	UpdateJob(ctx context.Context, job *ImportJob, expected Stage) error

	// DeleteJob removes a job and its geocoding checkpoints.
	DeleteJob(ctx context.Context, id string) error

	// ClaimJobs leases up to limit due jobs to owner. A job is due when it is not
	// paused, its retry time has passed and it has no live lease. Concurrent
	// claimers never receive the same job.
	ClaimJobs(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*ImportJob, error)

	// ReleaseJob clears the lease if owner still holds it.
	ReleaseJob(ctx context.Context, id, owner string) error

	// SaveGeocodeChunk persists the results of one geocoding chunk. Saving the
	// same chunk again replaces it.
	SaveGeocodeChunk(ctx context.Context, jobID string, chunk int, results []geocoding.RowResult) error

	// GeocodeResults returns every persisted chunk of a job in chunk order.
	GeocodeResults(ctx context.Context, jobID string) ([]geocoding.RowResult, error)
}

// DatasetStore persists datasets and their schema versions.
type DatasetStore interface {
	GetDataset(ctx context.Context, id string) (*Dataset, error)
	SoftDeleteDataset(ctx context.Context, id string, at time.Time) error

	// CurrentSchemaVersion returns nil without error when the dataset has none.
	CurrentSchemaVersion(ctx context.Context, datasetID string) (*SchemaVersion, error)

	// CreateSchemaVersion assigns the next version number and makes the version
	// current, atomically.
	CreateSchemaVersion(ctx context.Context, version *SchemaVersion) error
}

// EventStore persists materialized events.
type EventStore interface {
	identity.Lookup

	// InsertEvents creates events, skipping any whose unique ID already exists,
	// and returns how many were written.
	InsertEvents(ctx context.Context, events []*Event) (int, error)

	// UpdateEvents replaces the payload of existing events matched by ID.
	UpdateEvents(ctx context.Context, events []*Event) (int, error)
}

// SchemaLocker serializes schema version creation per dataset.
type SchemaLocker interface {
	// AcquireSchemaLock claims the dataset lock for owner. It returns false when
	// another owner holds an unexpired claim. Re-acquiring an owned lock extends it.
	AcquireSchemaLock(ctx context.Context, datasetID, owner string, ttl time.Duration) (bool, error)

	// ReleaseSchemaLock drops the claim if owner holds it.
	ReleaseSchemaLock(ctx context.Context, datasetID, owner string) error
}

// Store is everything the pipeline persists.
type Store interface {
	FileStore
	JobStore
	DatasetStore
	EventStore
	SchemaLocker

	// HealthCheck verifies the storage backend is healthy and ready to serve requests.
	HealthCheck(ctx context.Context) error
}
