// Package cron runs the daemon's periodic jobs (gap reconciliation and
// retention) on robfig cron schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/escrowmirror/internal/persistence"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 1m" or "@daily".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is one periodic unit of work. Runs of the same job never overlap.
type Job struct {
	Name string
	// Schedule is a cron expression. Ignored when Interval is set.
	Schedule string
	Interval time.Duration
	// RunOnStart fires the job once as soon as the scheduler starts.
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Config holds the dependencies for the scheduler.
type Config struct {
	// Store, when set, records each job's last run under "cron.<name>.last_run".
	Store  *persistence.Store
	Logger *slog.Logger
	Jobs   []Job
}

// Scheduler runs each job in its own goroutine.
type Scheduler struct {
	store  *persistence.Store
	logger *slog.Logger
	jobs   []scheduledJob
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type scheduledJob struct {
	Job
	sched cronlib.Schedule
}

// NewScheduler validates every job's schedule.
func NewScheduler(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:  cfg.Store,
		logger: logger.With("component", "cron"),
		now:    time.Now,
	}
	for _, j := range cfg.Jobs {
		if j.Name == "" || j.Run == nil {
			return nil, errors.New("cron: job name and run func are required")
		}
		sched, err := ParseSchedule(j.Schedule, j.Interval)
		if err != nil {
			return nil, fmt.Errorf("cron: job %s: %w", j.Name, err)
		}
		s.jobs = append(s.jobs, scheduledJob{Job: j, sched: sched})
	}
	return s, nil
}

// ParseSchedule returns a fixed-delay schedule when interval is positive,
// otherwise parses expr.
func ParseSchedule(expr string, interval time.Duration) (cronlib.Schedule, error) {
	if interval > 0 {
		return fixedDelay(interval), nil
	}
	if expr == "" {
		return nil, errors.New("schedule or interval is required")
	}
	return cronParser.Parse(expr)
}

// fixedDelay is a sub-second capable alternative to cronlib.Every, which
// rounds to whole seconds.
type fixedDelay time.Duration

func (d fixedDelay) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// Start launches the job loops. They stop when ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, j)
	}
	s.logger.Info("cron scheduler started", "jobs", len(s.jobs))
}

// Stop cancels the job loops and waits for running jobs to return.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// Run blocks until ctx is done, for use under an errgroup.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start(ctx)
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) loop(ctx context.Context, j scheduledJob) {
	defer s.wg.Done()

	if j.RunOnStart {
		s.fire(ctx, j)
	}
	for {
		next := j.sched.Next(s.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.fire(ctx, j)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, j scheduledJob) {
	if ctx.Err() != nil {
		return
	}
	start := s.now()
	err := j.Run(ctx)
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("cron: job failed", "job", j.Name, "duration", elapsed, "error", err)
	} else {
		s.logger.Info("cron: job completed", "job", j.Name, "duration", elapsed,
			"next_run_at", j.sched.Next(s.now()))
	}
	if s.store != nil {
		if err := s.store.KVSet(context.WithoutCancel(ctx), "cron."+j.Name+".last_run", start.UTC().Format(time.RFC3339)); err != nil {
			s.logger.Warn("cron: record last run failed", "job", j.Name, "error", err)
		}
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
