// Package quota gates imports on per-account limits. Uploads and scheduled
// fetches are checked before anything is stored or downloaded, schedules when
// they are created, and the pipeline checks again before analysis and before
// events are created. A violation fails immediately and is never retried.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/geoevents/geoevents/internal/config"
	"github.com/geoevents/geoevents/internal/failure"
)

// Kind is a limited resource.
type Kind string

const (
	// KindActiveJobs counts non-terminal import jobs of an account.
	KindActiveJobs Kind = "active_jobs"
	// KindEventsPerImport bounds the events one import may create.
	KindEventsPerImport Kind = "events_per_import"
	// KindTotalEvents bounds live events across an account's datasets.
	KindTotalEvents Kind = "total_events"
	// KindSchedules counts an account's scheduled imports.
	KindSchedules Kind = "schedules"
)

// ErrQuotaExceeded is wrapped by every violation.
var ErrQuotaExceeded = errors.New("quota exceeded")

// ExceededError describes a violation.
type ExceededError struct {
	Kind      Kind
	Limit     int64
	Used      int64
	Requested int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s: %s limit %d, used %d, requested %d", ErrQuotaExceeded, e.Kind, e.Limit, e.Used, e.Requested)
}

func (e *ExceededError) Unwrap() error { return ErrQuotaExceeded }

// Request asks whether amount more of kind may be consumed by account.
type Request struct {
	AccountID string
	Kind      Kind
	Amount    int64
}

// Checker is the quota system.
type Checker interface {
	Check(ctx context.Context, req Request) error
}

// Usage reports current consumption.
type Usage interface {
	ActiveJobs(ctx context.Context, accountID string) (int64, error)
	TotalEvents(ctx context.Context, accountID string) (int64, error)
	Schedules(ctx context.Context, accountID string) (int64, error)
}

// Limits are per-account maxima. Zero means unlimited.
type Limits struct {
	MaxActiveJobs      int64
	MaxEventsPerImport int64
	MaxTotalEvents     int64
	MaxSchedules       int64
}

// LoadLimits reads GEOEVENTS_QUOTA_* variables.
func LoadLimits() Limits {
	return Limits{
		MaxActiveJobs:      config.GetEnvInt64("GEOEVENTS_QUOTA_MAX_ACTIVE_JOBS", 0),
		MaxEventsPerImport: config.GetEnvInt64("GEOEVENTS_QUOTA_MAX_EVENTS_PER_IMPORT", 0),
		MaxTotalEvents:     config.GetEnvInt64("GEOEVENTS_QUOTA_MAX_TOTAL_EVENTS", 0),
		MaxSchedules:       config.GetEnvInt64("GEOEVENTS_QUOTA_MAX_SCHEDULES", 0),
	}
}

// StaticChecker enforces the same Limits for every account.
type StaticChecker struct {
	limits Limits
	usage  Usage
}

var _ Checker = (*StaticChecker)(nil)

// NewStaticChecker creates a StaticChecker.
func NewStaticChecker(limits Limits, usage Usage) *StaticChecker {
	return &StaticChecker{limits: limits, usage: usage}
}

func (c *StaticChecker) Check(ctx context.Context, req Request) error {
	var (
		limit int64
		used  int64
		err   error
	)

	switch req.Kind {
	case KindActiveJobs:
		limit = c.limits.MaxActiveJobs
		if limit > 0 {
			used, err = c.usage.ActiveJobs(ctx, req.AccountID)
		}
	case KindEventsPerImport:
		limit = c.limits.MaxEventsPerImport
	case KindTotalEvents:
		limit = c.limits.MaxTotalEvents
		if limit > 0 {
			used, err = c.usage.TotalEvents(ctx, req.AccountID)
		}
	case KindSchedules:
		limit = c.limits.MaxSchedules
		if limit > 0 {
			used, err = c.usage.Schedules(ctx, req.AccountID)
		}
	default:
		return failure.AsConfiguration(fmt.Errorf("unknown quota kind %q", req.Kind))
	}

	if err != nil {
		return fmt.Errorf("read %s usage: %w", req.Kind, err)
	}

	if limit > 0 && used+req.Amount > limit {
		return failure.AsQuota(&ExceededError{Kind: req.Kind, Limit: limit, Used: used, Requested: req.Amount})
	}

	return nil
}

// Unlimited accepts every request.
type Unlimited struct{}

func (Unlimited) Check(context.Context, Request) error { return nil }
