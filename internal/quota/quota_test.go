package quota

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/geoevents/geoevents/internal/failure"
)

type fakeUsage struct {
	jobs      int64
	events    int64
	schedules int64
	err       error
}

func (f fakeUsage) ActiveJobs(context.Context, string) (int64, error)  { return f.jobs, f.err }
func (f fakeUsage) TotalEvents(context.Context, string) (int64, error) { return f.events, f.err }
func (f fakeUsage) Schedules(context.Context, string) (int64, error)   { return f.schedules, f.err }

func TestStaticChecker(t *testing.T) {
	limits := Limits{MaxActiveJobs: 3, MaxEventsPerImport: 100, MaxTotalEvents: 1000}
	checker := NewStaticChecker(limits, fakeUsage{jobs: 2, events: 950})
	ctx := context.Background()

	tests := []struct {
		name     string
		req      Request
		exceeded bool
	}{
		{"one more job fits", Request{Kind: KindActiveJobs, Amount: 1}, false},
		{"two more jobs exceed", Request{Kind: KindActiveJobs, Amount: 2}, true},
		{"import at the limit", Request{Kind: KindEventsPerImport, Amount: 100}, false},
		{"import over the limit", Request{Kind: KindEventsPerImport, Amount: 101}, true},
		{"total fits", Request{Kind: KindTotalEvents, Amount: 50}, false},
		{"total exceeded", Request{Kind: KindTotalEvents, Amount: 51}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checker.Check(ctx, tt.req)
			if !tt.exceeded {
				assert.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, ErrQuotaExceeded)
			assert.Equal(t, failure.Quota, failure.CategoryOf(err))
			assert.False(t, failure.IsRetryable(err))

			var exceeded *ExceededError
			require.ErrorAs(t, err, &exceeded)
			assert.Equal(t, tt.req.Kind, exceeded.Kind)
		})
	}
}

func TestStaticChecker_ZeroMeansUnlimited(t *testing.T) {
	checker := NewStaticChecker(Limits{}, fakeUsage{err: errors.New("not consulted")})

	assert.NoError(t, checker.Check(context.Background(), Request{Kind: KindTotalEvents, Amount: 1 << 40}))
	assert.NoError(t, checker.Check(context.Background(), Request{Kind: KindActiveJobs, Amount: 1}))
}

func TestStaticChecker_UsageErrorIsNotAQuotaViolation(t *testing.T) {
	checker := NewStaticChecker(Limits{MaxActiveJobs: 1}, fakeUsage{err: errors.New("db down")})

	err := checker.Check(context.Background(), Request{Kind: KindActiveJobs, Amount: 1})

	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQuotaExceeded)
	assert.True(t, failure.IsRetryable(err))
}

func TestStaticChecker_UnknownKind(t *testing.T) {
	err := NewStaticChecker(Limits{}, fakeUsage{}).Check(context.Background(), Request{Kind: "bytes"})

	assert.Equal(t, failure.Configuration, failure.CategoryOf(err))
}

func TestStaticChecker_Schedules(t *testing.T) {
	checker := NewStaticChecker(Limits{MaxSchedules: 2}, fakeUsage{schedules: 2})

	err := checker.Check(context.Background(), Request{AccountID: "acct", Kind: KindSchedules, Amount: 1})
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, failure.Quota, failure.CategoryOf(err))

	var exceeded *ExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, KindSchedules, exceeded.Kind)

	unlimited := NewStaticChecker(Limits{}, fakeUsage{schedules: 100})
	assert.NoError(t, unlimited.Check(context.Background(), Request{Kind: KindSchedules, Amount: 1}))
}

func TestLoadLimits(t *testing.T) {
	t.Setenv("GEOEVENTS_QUOTA_MAX_ACTIVE_JOBS", "5")
	t.Setenv("GEOEVENTS_QUOTA_MAX_SCHEDULES", "20")

	limits := LoadLimits()

	assert.Equal(t, int64(5), limits.MaxActiveJobs)
	assert.Equal(t, int64(20), limits.MaxSchedules)
	assert.Zero(t, limits.MaxTotalEvents)
}

func TestUnlimited(t *testing.T) {
	assert.NoError(t, Unlimited{}.Check(context.Background(), Request{Kind: KindTotalEvents, Amount: 1}))
}
