// Package ingestion provides the import pipeline domain models: datasets and their
// schema versions, import files, import jobs and the events they materialize.
package ingestion

import (
	"time"

	"github.com/geoevents/geoevents/internal/geocoding"
	"github.com/geoevents/geoevents/internal/identity"
	"github.com/geoevents/geoevents/internal/importfile"
	"github.com/geoevents/geoevents/internal/schema"
)

type (
	// Stage is a step of the import job state machine.
	Stage string

	// Outcome is the result of executing a stage, or an operator decision.
	Outcome string

	// StageStatus is the status of one stage within a job's progress map.
	StageStatus string

	// FileStatus is the aggregate status of an import file, derived from its jobs.
	FileStatus string
)

// Catalog groups datasets.
type Catalog struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Dataset owns a schema-version lineage and the configuration applied to every
// import into it. Datasets are soft-deleted and never removed.
type Dataset struct {
	ID        string `json:"id"`
	CatalogID string `json:"catalogId"`
	Name      string `json:"name"`
	AccountID string `json:"accountId"`

	// CurrentSchemaVersionID is empty until the first import creates a version.
	CurrentSchemaVersionID string `json:"currentSchemaVersionId,omitempty"`

	Identity     identity.Config `json:"identity"`
	SchemaPolicy schema.Policy   `json:"schemaPolicy"`

	// Mappings overrides detected field mappings. Empty paths are detected.
	Mappings FieldMappings `json:"mappings"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// IsDeleted reports whether the dataset has been soft-deleted.
func (d *Dataset) IsDeleted() bool {
	return d.DeletedAt != nil
}

// SchemaVersion is an immutable snapshot of a dataset schema. Versions are only
// created by the pipeline, after approval.
type SchemaVersion struct {
	ID               string         `json:"id"`
	DatasetID        string         `json:"datasetId"`
	VersionNumber    int            `json:"versionNumber"`
	Schema           *schema.Schema `json:"schema,omitempty"`
	Diff             schema.Diff    `json:"diff"`
	AutoApproved     bool           `json:"autoApproved"`
	ApprovedBy       string         `json:"approvedBy"`
	ApprovedAt       time.Time      `json:"approvedAt"`
	ImportJobID      string         `json:"importJobId"`
	FieldCountBefore int            `json:"fieldCountBefore"`
	FieldCountAfter  int            `json:"fieldCountAfter"`
	CreatedAt        time.Time      `json:"createdAt"`
}

// ImportFile is an uploaded or fetched blob and the sheets found in it.
type ImportFile struct {
	ID          string                 `json:"id"`
	AccountID   string                 `json:"accountId"`
	ObjectKey   string                 `json:"objectKey"`
	Filename    string                 `json:"filename"`
	ContentType string                 `json:"contentType"`
	Size        int64                  `json:"size"`
	Format      importfile.Format      `json:"format"`
	Sheets      []importfile.SheetInfo `json:"sheets,omitempty"`
	Status      FileStatus             `json:"status"`
	// ScheduledImportID links files fetched by the scheduler.
	ScheduledImportID string    `json:"scheduledImportId,omitempty"`
	Error             string    `json:"error,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// StageProgress records the execution of one stage.
type StageProgress struct {
	Status      StageStatus `json:"status"`
	StartedAt   *time.Time  `json:"startedAt,omitempty"`
	CompletedAt *time.Time  `json:"completedAt,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Progress is the overall completion of a job, derived from completed stages.
type Progress struct {
	Current             int        `json:"current"`
	Total               int        `json:"total"`
	Percentage          float64    `json:"percentage"`
	EstimatedCompletion *time.Time `json:"estimatedCompletion,omitempty"`
}

// FieldMappings names the columns the pipeline reads besides the payload.
type FieldMappings struct {
	Geo           geocoding.FieldMapping `json:"geo"`
	TitlePath     string                 `json:"titlePath,omitempty"`
	TimestampPath string                 `json:"timestampPath,omitempty"`
}

// Approval is an operator decision on a schema change.
type Approval struct {
	Approved bool      `json:"approved"`
	Actor    string    `json:"actor"`
	At       time.Time `json:"at"`
	Reason   string    `json:"reason,omitempty"`
}

// SchemaValidation is the outcome of the detect-schema and validate-schema stages.
type SchemaValidation struct {
	Detected *schema.Schema `json:"detected,omitempty"`
	// BaseVersionID is the schema version the detected schema was compared to.
	BaseVersionID      string             `json:"baseVersionId,omitempty"`
	Diff               schema.Diff        `json:"diff"`
	Decision           schema.Decision    `json:"decision"`
	Suggestions        []schema.Transform `json:"suggestions,omitempty"`
	ApprovedTransforms []schema.Transform `json:"approvedTransforms,omitempty"`
	// ExcludedRows are rows that violated the current schema under strict validation.
	ExcludedRows []int     `json:"excludedRows,omitempty"`
	Approval     *Approval `json:"approval,omitempty"`
}

// RowError is a row-level problem recorded on a job. Row errors never fail a job.
type RowError struct {
	Row     int    `json:"row"`
	Stage   Stage  `json:"stage"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// JobResult counts what create-events did.
type JobResult struct {
	Created    int `json:"created"`
	Updated    int `json:"updated"`
	Duplicates int `json:"duplicates"`
	Excluded   int `json:"excluded"`
}

// ImportJob processes one sheet of an import file into one dataset.
type ImportJob struct {
	ID           string `json:"id"`
	ImportFileID string `json:"importFileId"`
	DatasetID    string `json:"datasetId"`
	AccountID    string `json:"accountId"`
	SheetIndex   int    `json:"sheetIndex"`
	SheetName    string `json:"sheetName"`
	RowCount     int    `json:"rowCount"`

	Stage    Stage                    `json:"stage"`
	Stages   map[Stage]*StageProgress `json:"stages,omitempty"`
	Progress Progress                 `json:"progress"`

	// StageCheckpoint is the number of chunks of the current stage already
	// persisted. It resets whenever the job enters a new stage.
	StageCheckpoint     int        `json:"stageCheckpoint"`
	RetryAttempts       int        `json:"retryAttempts"`
	NextRetryAt         *time.Time `json:"nextRetryAt,omitempty"`
	LastSuccessfulStage Stage      `json:"lastSuccessfulStage,omitempty"`
	// FailedStage is the stage a failed job stopped in; requeue resumes there.
	FailedStage Stage  `json:"failedStage,omitempty"`
	LastError   string `json:"lastError,omitempty"`

	FieldMappings    *FieldMappings    `json:"fieldMappings,omitempty"`
	Duplicates       *identity.Result  `json:"duplicates,omitempty"`
	SchemaValidation *SchemaValidation `json:"schemaValidation,omitempty"`
	Result           *JobResult        `json:"result,omitempty"`

	// RowErrors is capped; ErrorCount keeps the full count.
	RowErrors  []RowError `json:"rowErrors,omitempty"`
	ErrorCount int        `json:"errorCount"`

	LeaseOwner     string     `json:"leaseOwner,omitempty"`
	LeaseExpiresAt *time.Time `json:"leaseExpiresAt,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// StageProgressFor returns the progress entry of stage, creating it when missing.
func (j *ImportJob) StageProgressFor(stage Stage) *StageProgress {
	if j.Stages == nil {
		j.Stages = make(map[Stage]*StageProgress)
	}

	sp, ok := j.Stages[stage]
	if !ok {
		sp = &StageProgress{Status: StageStatusPending}
		j.Stages[stage] = sp
	}

	return sp
}

// AddRowErrors appends errs, keeping at most limit entries.
func (j *ImportJob) AddRowErrors(limit int, errs ...RowError) {
	j.ErrorCount += len(errs)

	room := limit - len(j.RowErrors)
	if room <= 0 {
		return
	}

	if len(errs) > room {
		errs = errs[:room]
	}

	j.RowErrors = append(j.RowErrors, errs...)
}

// Event is a materialized, geolocated record.
type Event struct {
	ID          string `json:"id"`
	DatasetID   string `json:"datasetId"`
	ImportJobID string `json:"importJobId"`

	UniqueID    string `json:"uniqueId"`
	SourceID    string `json:"sourceId,omitempty"`
	ContentHash string `json:"contentHash"`

	Data           map[string]any `json:"data,omitempty"`
	Title          string         `json:"title,omitempty"`
	EventTimestamp *time.Time     `json:"eventTimestamp,omitempty"`

	Latitude             *float64                   `json:"latitude,omitempty"`
	Longitude            *float64                   `json:"longitude,omitempty"`
	CoordinateSource     geocoding.Provenance       `json:"coordinateSource"`
	CoordinateConfidence float64                    `json:"coordinateConfidence"`
	ValidationStatus     geocoding.ValidationStatus `json:"validationStatus"`
	NeedsReview          bool                       `json:"needsReview"`

	GeocodingProvider   string  `json:"geocodingProvider,omitempty"`
	OriginalAddress     string  `json:"originalAddress,omitempty"`
	FormattedAddress    string  `json:"formattedAddress,omitempty"`
	GeocodingConfidence float64 `json:"geocodingConfidence"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}
