package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

type runner interface {
	RunOnce(ctx context.Context) (RunResult, error)
}

type housekeepingJob struct {
	name     string
	schedule cron.Schedule
	fn       func(ctx context.Context) error
}

// Scheduler fires the processor on a cron schedule until its context is
// cancelled. Overlapping fires are skipped and panics inside a run are
// recovered and logged.
type Scheduler struct {
	proc     runner
	schedule cron.Schedule
	spec     string
	logger   *slog.Logger
	jobs     []housekeepingJob
}

func NewScheduler(proc runner, spec string, logger *slog.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("NewScheduler: %q: %w", spec, err)
	}
	return &Scheduler{proc: proc, schedule: schedule, spec: spec, logger: logger}, nil
}

// AddJob registers a housekeeping job that runs next to the processor with
// the same skip and recover wrappers. Must be called before Run.
func (s *Scheduler) AddJob(name, spec string, fn func(ctx context.Context) error) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("AddJob %s: %q: %w", name, spec, err)
	}
	s.jobs = append(s.jobs, housekeepingJob{name: name, schedule: schedule, fn: fn})
	return nil
}

// Run blocks until ctx is done, then waits for in-flight jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	cronLog := cron.PrintfLogger(slog.NewLogLogger(s.logger.Handler(), slog.LevelError))
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	c.Schedule(s.schedule, cron.FuncJob(func() { s.tick(ctx) }))
	for _, j := range s.jobs {
		c.Schedule(j.schedule, cron.FuncJob(func() { s.runJob(ctx, j) }))
	}

	s.logger.Info("distribution scheduler started", "schedule", s.spec, "jobs", len(s.jobs))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("distribution scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := s.proc.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyRunning):
		s.logger.Info("distribution run skipped, previous run still active")
	case errors.Is(err, ErrLockHeld):
		s.logger.Debug("distribution run skipped, another instance holds the run lock")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error("distribution run failed", "error", err)
	}
}

func (s *Scheduler) runJob(ctx context.Context, j housekeepingJob) {
	if ctx.Err() != nil {
		return
	}
	if err := j.fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("scheduled job failed", "job", j.name, "error", err)
	}
}
