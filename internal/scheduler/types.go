// Package scheduler fetches remote sources on a recurring schedule and hands the
// downloaded files to the import pipeline.
//
// Each Schedule is evaluated on a periodic tick. A schedule is due when it is
// enabled, not already running, and either its next natural run or a pending
// retry has arrived. Manual and webhook triggers bypass the due check but still
// respect the running guard. Failures follow the same exponential backoff as
// import jobs; a schedule is never disabled because its source keeps failing.
package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/geoevents/geoevents/internal/retry"
)

// Frequency is a coarse recurrence aligned to period starts in UTC.
type Frequency string

const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// AuthType selects how the fetcher authenticates against the source.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthAPIKey AuthType = "api-key"
	AuthBearer AuthType = "bearer"
	AuthBasic  AuthType = "basic"
)

// defaultAPIKeyHeader is used when an api-key source names no header.
const defaultAPIKeyHeader = "X-API-Key"

// AuthConfig holds source credentials.
type AuthConfig struct {
	Type       AuthType `json:"type"`
	HeaderName string   `json:"headerName,omitempty"`
	APIKey     string   `json:"apiKey,omitempty"`
	Token      string   `json:"token,omitempty"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
}

// MappingMode decides how sheets of a fetched workbook map to datasets.
type MappingMode string

const (
	// MappingSingle imports every sheet into DatasetID.
	MappingSingle MappingMode = "single"
	// MappingPerSheet imports sheet i into SheetDatasets[i].
	MappingPerSheet MappingMode = "per-sheet"
)

// CachePolicy controls conditional fetching.
type CachePolicy struct {
	UseCache            bool `json:"useCache"`
	BypassOnManual      bool `json:"bypassOnManual"`
	RespectCacheControl bool `json:"respectCacheControl"`
}

// DefaultCachePolicy uses validators, bypasses them on manual runs and honors
// Cache-Control.
func DefaultCachePolicy() CachePolicy {
	return CachePolicy{UseCache: true, BypassOnManual: true, RespectCacheControl: true}
}

// Validators are the cache validators remembered from the last download.
type Validators struct {
	ETag         string     `json:"etag,omitempty"`
	LastModified string     `json:"lastModified,omitempty"`
	ContentHash  string     `json:"contentHash,omitempty"`
	CachedUntil  *time.Time `json:"cachedUntil,omitempty"`
}

// Status is the result of one execution.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	// StatusFailed means a retryable failure, or retries were exhausted.
	StatusFailed Status = "failed"
	// StatusError means a failure that retrying cannot fix.
	StatusError Status = "error"
)

// Actors that start executions.
const (
	ActorScheduler = "scheduler"
	ActorWebhook   = "webhook"
)

// Schedule is a recurring remote import.
type Schedule struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AccountID string `json:"accountId"`

	URL  string     `json:"url"`
	Auth AuthConfig `json:"auth"`

	// Exactly one of Frequency and CronExpression is set.
	Frequency      Frequency `json:"frequency,omitempty"`
	CronExpression string    `json:"cronExpression,omitempty"`

	Mode          MappingMode    `json:"mode"`
	DatasetID     string         `json:"datasetId,omitempty"`
	SheetDatasets map[int]string `json:"sheetDatasets,omitempty"`

	Retry retry.Policy `json:"retry"`

	WebhookEnabled   bool   `json:"webhookEnabled"`
	WebhookTokenHash string `json:"-"`

	Cache      CachePolicy `json:"cache"`
	Validators Validators  `json:"validators"`

	Enabled            bool       `json:"enabled"`
	Running            bool       `json:"running"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	CurrentExecutionID string     `json:"currentExecutionId,omitempty"`

	NextRunAt     *time.Time `json:"nextRunAt,omitempty"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty"`
	LastStatus    Status     `json:"lastStatus,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	RetryAttempts int        `json:"retryAttempts"`
	NextRetryAt   *time.Time `json:"nextRetryAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsDue reports whether the tick should start the schedule at now.
func (s *Schedule) IsDue(now time.Time) bool {
	if !s.Enabled || s.Running {
		return false
	}

	if s.NextRetryAt != nil && !s.NextRetryAt.After(now) {
		return true
	}

	return s.NextRunAt != nil && !s.NextRunAt.After(now)
}

// RetryPolicy returns the schedule's backoff, falling back to the pipeline
// default when none is configured.
func (s *Schedule) RetryPolicy() retry.Policy {
	if s.Retry == (retry.Policy{}) {
		return retry.DefaultPolicy()
	}

	return s.Retry
}

// SheetMapping returns the sheet to dataset mapping handed to the pipeline.
func (s *Schedule) SheetMapping() (string, map[int]string) {
	if s.Mode == MappingPerSheet {
		return "", s.SheetDatasets
	}

	return s.DatasetID, nil
}

// Execution is one entry in a schedule's history.
type Execution struct {
	ID           string        `json:"id"`
	ScheduleID   string        `json:"scheduleId"`
	Timestamp    time.Time     `json:"timestamp"`
	Status       Status        `json:"status"`
	Actor        string        `json:"actor"`
	Duration     time.Duration `json:"duration"`
	Error        string        `json:"error,omitempty"`
	ImportFileID string        `json:"importFileId,omitempty"`
	NotModified  bool          `json:"notModified,omitempty"`
}

// Sentinel errors.
var (
	ErrNotFound            = errors.New("scheduled import not found")
	ErrAlreadyRunning      = errors.New("scheduled import is already running")
	ErrWebhookDisabled     = errors.New("webhook trigger is disabled")
	ErrInvalidWebhookToken = errors.New("invalid webhook token")
	ErrInvalidSchedule     = errors.New("invalid schedule")
	ErrInvalidConfig       = errors.New("invalid scheduler configuration")
)

// Validate checks the fields needed to run the schedule.
func (s *Schedule) Validate() error {
	if s.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidSchedule)
	}

	if s.AccountID == "" {
		return fmt.Errorf("%w: account is required", ErrInvalidSchedule)
	}

	if (s.Frequency == "") == (s.CronExpression == "") {
		return fmt.Errorf("%w: exactly one of frequency and cron expression is required", ErrInvalidSchedule)
	}

	switch s.Mode {
	case MappingSingle, "":
		if s.DatasetID == "" {
			return fmt.Errorf("%w: dataset is required", ErrInvalidSchedule)
		}
	case MappingPerSheet:
		if len(s.SheetDatasets) == 0 {
			return fmt.Errorf("%w: per-sheet mode needs at least one sheet mapping", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: unknown mapping mode %q", ErrInvalidSchedule, s.Mode)
	}

	switch s.Auth.Type {
	case AuthNone, "":
	case AuthAPIKey:
		if s.Auth.APIKey == "" {
			return fmt.Errorf("%w: api key is required", ErrInvalidSchedule)
		}
	case AuthBearer:
		if s.Auth.Token == "" {
			return fmt.Errorf("%w: bearer token is required", ErrInvalidSchedule)
		}
	case AuthBasic:
		if s.Auth.Username == "" {
			return fmt.Errorf("%w: username is required", ErrInvalidSchedule)
		}
	default:
		return fmt.Errorf("%w: unknown auth type %q", ErrInvalidSchedule, s.Auth.Type)
	}

	if s.Retry == (retry.Policy{}) {
		return nil
	}

	if err := s.Retry.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}

	return nil
}
