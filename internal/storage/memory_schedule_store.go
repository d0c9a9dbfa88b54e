package storage

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/geoevents/geoevents/internal/aggregation"
	"github.com/geoevents/geoevents/internal/scheduler"
)

// cloneSchedule copies a schedule including the webhook token hash, which the
// JSON encoding omits.
func cloneSchedule(s *scheduler.Schedule) *scheduler.Schedule {
	out := *s
	out.SheetDatasets = maps.Clone(s.SheetDatasets)
	out.Validators.CachedUntil = copyTime(s.Validators.CachedUntil)
	out.StartedAt = copyTime(s.StartedAt)
	out.NextRunAt = copyTime(s.NextRunAt)
	out.LastRunAt = copyTime(s.LastRunAt)
	out.NextRetryAt = copyTime(s.NextRetryAt)

	return &out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}

func (s *MemoryStore) CreateSchedule(_ context.Context, sched *scheduler.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.schedules[sched.ID]; exists {
		return fmt.Errorf("%w: schedule %s", ErrAlreadyExists, sched.ID)
	}

	s.schedules[sched.ID] = cloneSchedule(sched)

	return nil
}

func (s *MemoryStore) GetSchedule(_ context.Context, id string) (*scheduler.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sched, ok := s.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", id, scheduler.ErrNotFound)
	}

	return cloneSchedule(sched), nil
}

func (s *MemoryStore) DueSchedules(_ context.Context, now time.Time, limit int) ([]*scheduler.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*scheduler.Schedule

	for _, sched := range s.schedules {
		if sched.IsDue(now) {
			due = append(due, cloneSchedule(sched))
		}
	}

	slices.SortFunc(due, func(a, b *scheduler.Schedule) int {
		return cmp.Or(timeOrZero(a.NextRunAt).Compare(timeOrZero(b.NextRunAt)), cmp.Compare(a.ID, b.ID))
	})

	if len(due) > limit {
		due = due[:limit]
	}

	return due, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}

	return *t
}

func (s *MemoryStore) ClaimSchedule(_ context.Context, id, executionID string, now time.Time, dueOnly bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[id]
	if !ok {
		return false, fmt.Errorf("schedule %s: %w", id, scheduler.ErrNotFound)
	}

	if sched.Running || (dueOnly && !sched.IsDue(now)) {
		return false, nil
	}

	started := now
	sched.Running = true
	sched.StartedAt = &started
	sched.CurrentExecutionID = executionID
	sched.UpdatedAt = now

	return true, nil
}

func (s *MemoryStore) FinishSchedule(_ context.Context, outcome *scheduler.Schedule, executionID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sched, ok := s.schedules[outcome.ID]
	if !ok {
		return false, fmt.Errorf("schedule %s: %w", outcome.ID, scheduler.ErrNotFound)
	}

	if !sched.Running || sched.CurrentExecutionID != executionID {
		return false, nil
	}

	sched.Running = false
	sched.StartedAt = nil
	sched.CurrentExecutionID = ""
	sched.NextRunAt = copyTime(outcome.NextRunAt)
	sched.LastRunAt = copyTime(outcome.LastRunAt)
	sched.LastStatus = outcome.LastStatus
	sched.LastError = outcome.LastError
	sched.RetryAttempts = outcome.RetryAttempts
	sched.NextRetryAt = copyTime(outcome.NextRetryAt)
	sched.Validators = outcome.Validators
	sched.Validators.CachedUntil = copyTime(outcome.Validators.CachedUntil)
	sched.UpdatedAt = outcome.UpdatedAt

	return true, nil
}

func (s *MemoryStore) StuckSchedules(_ context.Context, cutoff time.Time) ([]*scheduler.Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stuck []*scheduler.Schedule

	for _, sched := range s.schedules {
		if sched.Running && sched.StartedAt != nil && sched.StartedAt.Before(cutoff) {
			stuck = append(stuck, cloneSchedule(sched))
		}
	}

	return stuck, nil
}

func (s *MemoryStore) AppendExecution(_ context.Context, e *scheduler.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[e.ScheduleID]; !ok {
		return fmt.Errorf("schedule %s: %w", e.ScheduleID, scheduler.ErrNotFound)
	}

	exec := *e
	s.executions[e.ScheduleID] = append(s.executions[e.ScheduleID], &exec)

	return nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, e *scheduler.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, stored := range s.executions[e.ScheduleID] {
		if stored.ID == e.ID {
			exec := *e
			s.executions[e.ScheduleID][i] = &exec

			return nil
		}
	}

	return fmt.Errorf("execution %s: %w", e.ID, scheduler.ErrNotFound)
}

// ListExecutions returns the newest executions first.
func (s *MemoryStore) ListExecutions(_ context.Context, scheduleID string, limit int) ([]*scheduler.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.executions[scheduleID]
	out := make([]*scheduler.Execution, 0, min(limit, len(history)))

	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		exec := *history[i]
		out = append(out, &exec)
	}

	return out, nil
}

// Aggregation

func (s *MemoryStore) Clusters(_ context.Context, req aggregation.ClusterRequest) ([]aggregation.Cluster, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	return aggregation.ClusterPoints(s.points(), req), nil
}

func (s *MemoryStore) Histogram(_ context.Context, req aggregation.HistogramRequest) (*aggregation.Histogram, error) {
	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	return aggregation.BuildHistogram(s.points(), req), nil
}

// points projects the live events of live datasets.
func (s *MemoryStore) points() []aggregation.Point {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]aggregation.Point, 0, len(s.events))

	for _, e := range s.events {
		d, ok := s.datasets[e.DatasetID]
		if !ok || d.DeletedAt != nil || e.DeletedAt != nil {
			continue
		}

		out = append(out, aggregation.Point{
			EventID:   e.ID,
			Title:     e.Title,
			CatalogID: d.CatalogID,
			DatasetID: e.DatasetID,
			Latitude:  e.Latitude,
			Longitude: e.Longitude,
			Timestamp: e.EventTimestamp,
			Data:      e.Data,
		})
	}

	return out
}
