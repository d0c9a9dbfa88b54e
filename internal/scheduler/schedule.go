package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/geoevents/geoevents/internal/failure"
)

// NextRun returns the first occurrence of the schedule strictly after from.
// Frequencies align to period starts in UTC: the top of the hour, midnight,
// Monday midnight and the first of the month. A malformed cron expression or
// an unknown frequency is a configuration error.
func NextRun(s *Schedule, from time.Time) (time.Time, error) {
	if s.CronExpression != "" {
		expr, err := cron.ParseStandard(s.CronExpression)
		if err != nil {
			return time.Time{}, failure.AsConfiguration(
				fmt.Errorf("%w: cron expression %q: %w", ErrInvalidSchedule, s.CronExpression, err))
		}

		return expr.Next(from.UTC()), nil
	}

	t := from.UTC()

	switch s.Frequency {
	case FrequencyHourly:
		return t.Truncate(time.Hour).Add(time.Hour), nil
	case FrequencyDaily:
		return startOfDay(t).AddDate(0, 0, 1), nil
	case FrequencyWeekly:
		// time.Weekday counts from Sunday; Monday starts the week.
		daysSinceMonday := (int(t.Weekday()) + 6) % 7

		return startOfDay(t).AddDate(0, 0, 7-daysSinceMonday), nil
	case FrequencyMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0), nil
	default:
		return time.Time{}, failure.AsConfiguration(
			fmt.Errorf("%w: unknown frequency %q", ErrInvalidSchedule, s.Frequency))
	}
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// applyOutcome records the result of an execution on the schedule and clears
// the running guard. Success resets the retry counters. A retryable failure
// schedules a retry with backoff until the policy is exhausted, after which the
// schedule reports failed and waits for its next natural run. Failures that
// retrying cannot fix report error and never retry. The next natural run is
// always advanced and the schedule is never disabled.
func applyOutcome(s *Schedule, exec *Execution, runErr error, now time.Time) {
	s.Running = false
	s.StartedAt = nil
	s.CurrentExecutionID = ""
	s.LastRunAt = &now
	s.UpdatedAt = now

	switch {
	case runErr == nil:
		exec.Status = StatusSuccess
		s.LastError = ""
		s.RetryAttempts = 0
		s.NextRetryAt = nil
	case failure.IsRetryable(runErr):
		exec.Status = StatusFailed
		s.LastError = runErr.Error()

		decision := s.RetryPolicy().Next(s.RetryAttempts, now)
		if decision.Exhausted {
			s.LastError = fmt.Sprintf("retries exhausted after %d attempts: %s", s.RetryAttempts, runErr)
			s.RetryAttempts = 0
			s.NextRetryAt = nil
		} else {
			retryAt := decision.NextAttempt
			s.RetryAttempts = decision.Attempts
			s.NextRetryAt = &retryAt
		}
	default:
		exec.Status = StatusError
		s.LastError = runErr.Error()
		s.RetryAttempts = 0
		s.NextRetryAt = nil
	}

	s.LastStatus = exec.Status
	exec.Duration = now.Sub(exec.Timestamp)

	if runErr != nil {
		exec.Error = runErr.Error()
	}

	next, err := NextRun(s, now)
	if err != nil {
		s.NextRunAt = nil
		s.LastStatus = StatusError
		exec.Status = StatusError
		s.LastError = err.Error()

		return
	}

	s.NextRunAt = &next
}
