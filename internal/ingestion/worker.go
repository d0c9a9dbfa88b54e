package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Pool runs N workers that claim due jobs from the durable queue and execute
// them until they pause.
type Pool struct {
	store     JobStore
	processor *Processor
	cfg       *Config
	owner     string
	logger    *slog.Logger
	now       func() time.Time
}

// NewPool creates a Pool. Each process gets a unique lease owner.
func NewPool(store JobStore, processor *Processor, cfg *Config, logger *slog.Logger) *Pool {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if logger == nil {
		logger = slog.Default()
	}

	host, _ := os.Hostname()

	return &Pool{
		store:     store,
		processor: processor,
		cfg:       cfg,
		owner:     fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		logger:    logger,
		now:       time.Now,
	}
}

// Owner is the lease owner recorded on claimed jobs.
func (p *Pool) Owner() string {
	return p.owner
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("Starting import workers",
		slog.Int("workers", p.cfg.Workers),
		slog.String("owner", p.owner))

	var g errgroup.Group

	for i := range p.cfg.Workers {
		g.Go(func() error {
			p.work(ctx, i)

			return nil
		})
	}

	err := g.Wait()

	p.logger.Info("Import workers stopped", slog.String("owner", p.owner))

	return err
}

func (p *Pool) work(ctx context.Context, worker int) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		processed, err := p.claimAndRun(ctx, 1)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("Import worker iteration failed",
				slog.Int("worker", worker),
				slog.String("error", err.Error()))
		}

		// Poll again immediately while there is work.
		wait := p.cfg.PollInterval
		if processed > 0 && err == nil {
			wait = 0
		}

		timer.Reset(wait)
	}
}

// RunOnce claims up to Workers due jobs and runs them concurrently. It returns
// the number of jobs processed.
func (p *Pool) RunOnce(ctx context.Context) (int, error) {
	return p.claimAndRun(ctx, p.cfg.Workers)
}

func (p *Pool) claimAndRun(ctx context.Context, limit int) (int, error) {
	jobs, err := p.store.ClaimJobs(ctx, p.owner, p.now(), p.cfg.LeaseDuration, limit)
	if err != nil {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}

	if len(jobs) == 0 {
		return 0, nil
	}

	var g errgroup.Group

	errs := make([]error, len(jobs))

	for i, job := range jobs {
		g.Go(func() error {
			errs[i] = p.runJob(ctx, job)

			return nil
		})
	}

	_ = g.Wait()

	return len(jobs), errors.Join(errs...)
}

func (p *Pool) runJob(ctx context.Context, job *ImportJob) error {
	defer func() {
		if err := p.store.ReleaseJob(context.WithoutCancel(ctx), job.ID, p.owner); err != nil {
			p.logger.Warn("Failed to release import job lease",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()))
		}
	}()

	if err := p.processor.Run(ctx, job); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}

		return fmt.Errorf("job %s: %w", job.ID, err)
	}

	return nil
}
