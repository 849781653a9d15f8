package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/storefront-backend/pkg/logger"
	"github.com/angelmondragon/storefront-backend/pkg/metrics"
)

const defaultInterval = time.Hour

type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.CronJobMetrics
	Interval time.Duration
	Now      func() time.Time
}

// Service runs the registered jobs on a fixed interval. A cycle only starts
// while this replica holds the distributed lock.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.CronJobMetrics
	interval time.Duration
	now      func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger required")
	case params.Lock == nil:
		return nil, errors.New("lock required")
	case params.Registry == nil:
		return nil, errors.New("registry required")
	}
	svc := &Service{
		logg:     params.Logger,
		registry: params.Registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: params.Interval,
		now:      params.Now,
	}
	if svc.interval <= 0 {
		svc.interval = defaultInterval
	}
	if svc.now == nil {
		svc.now = time.Now
	}
	return svc, nil
}

// Run starts a cycle right away and then once per interval until ctx ends.
// A failed cycle is logged and the loop keeps going.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if err := s.cycle(ctx, s.registry.Jobs()); err != nil {
			s.logg.Error(ctx, "scheduled run failed", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service context canceled")
			return ctx.Err()
		}
	}
}

// RunOnce runs the named jobs (all when none are named) in one locked cycle.
func (s *Service) RunOnce(ctx context.Context, names ...string) error {
	jobs, err := s.registry.Select(names...)
	if err != nil {
		return err
	}
	return s.cycle(ctx, jobs)
}

func (s *Service) cycle(ctx context.Context, jobs []Job) error {
	ran, err := s.locked(ctx, func() error { return s.runAll(ctx, jobs) })
	if !ran && err == nil {
		s.logg.Info(ctx, "another cron instance is running; skipping this cycle")
	}
	return err
}

// locked runs fn while holding the cron lock. ran is false when another
// replica owns the lock.
func (s *Service) locked(ctx context.Context, fn func() error) (ran bool, err error) {
	acquired, err := s.lock.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("lock acquire: %w", err)
	}
	if !acquired {
		return false, nil
	}
	defer func() {
		if relErr := s.lock.Release(ctx); relErr != nil {
			s.logg.Error(ctx, "failed to release cron lock", relErr)
		}
	}()
	return true, fn()
}

// runAll runs every job in order, even after a failure, and aggregates
// the failures.
func (s *Service) runAll(ctx context.Context, jobs []Job) error {
	cycleCtx := s.logg.WithField(ctx, "jobs", len(jobs))
	s.logg.Info(cycleCtx, "scheduled run starting")

	var errs error
	for _, job := range jobs {
		if err := s.runJob(ctx, job); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", job.Name(), err))
		}
	}
	s.logg.Info(s.logg.WithField(cycleCtx, "failed", len(multierr.Errors(errs))), "scheduled run complete")
	return errs
}

func (s *Service) runJob(ctx context.Context, job Job) error {
	name := job.Name()
	jobCtx := s.logg.WithFields(ctx, map[string]any{"job": name, "event": "cron.job"})
	s.logg.Info(jobCtx, "job start")

	elapsed, err := s.timed(func() error { return job.Run(jobCtx) })
	s.metrics.Observe(name, elapsed, err)

	jobCtx = s.logg.WithField(jobCtx, "duration_ms", elapsed.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		return err
	}
	s.logg.Info(jobCtx, "job completed")
	return nil
}

func (s *Service) timed(fn func() error) (time.Duration, error) {
	start := s.now()
	err := fn()
	return s.now().Sub(start), err
}
