// Package scheduler triggers recurring jobs: daily at a wall-clock time in
// the market timezone, or at a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job is a named recurring task.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
	// next returns the first run time strictly after now.
	next func(now time.Time) time.Time
}

// Daily runs fn every day at offset past midnight in loc.
func Daily(name string, offset time.Duration, loc *time.Location, fn func(ctx context.Context) error) Job {
	return Job{
		Name: name,
		Run:  fn,
		next: func(now time.Time) time.Time { return NextDaily(now, offset, loc) },
	}
}

// Every runs fn at a fixed interval, first one interval after start.
func Every(name string, interval time.Duration, fn func(ctx context.Context) error) Job {
	return Job{
		Name: name,
		Run:  fn,
		next: func(now time.Time) time.Time { return now.Add(interval) },
	}
}

// NextDaily returns the next time after now at which the wall clock in loc
// reads offset past midnight.
func NextDaily(now time.Time, offset time.Duration, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc).Add(offset)
	if !at.After(local) {
		at = time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc).Add(offset)
	}
	return at
}

// Scheduler runs jobs until its context ends.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger
	now    func() time.Time
}

// New creates a scheduler for jobs.
func New(logger *slog.Logger, jobs ...Job) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{jobs: jobs, logger: logger, now: time.Now}
}

// Run blocks until ctx is done. Runs of one job never overlap; a failing
// run is logged and the job is scheduled again.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		g.Go(func() error { return s.loop(gctx, job) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Scheduler) loop(ctx context.Context, job Job) error {
	for {
		next := job.next(s.now())
		s.logger.Debug("job scheduled", "job", job.Name, "at", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		start := time.Now()
		if err := job.Run(ctx); err != nil {
			s.logger.Error("job failed", "job", job.Name, "duration", time.Since(start), "err", err)
			continue
		}
		s.logger.Info("job finished", "job", job.Name, "duration", time.Since(start))
	}
}
