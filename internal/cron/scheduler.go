// Package cron runs the background maintenance jobs on 5-field cron
// schedules, persisting each job's next run so restarts neither skip nor
// double-fire a slot.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) and descriptors such as @hourly.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

const nextRunKeyPrefix = "cron_next_run:"

// KV is the slice of the store the scheduler needs.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// Job is a named unit of work. Run reports how many entities it touched.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context) (int, error)
}

type Config struct {
	Store    KV
	Jobs     []Job
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
}

type entry struct {
	job      Job
	schedule cronlib.Schedule
}

// Scheduler checks its jobs every interval and fires the ones that are due.
type Scheduler struct {
	store    KV
	logger   *slog.Logger
	interval time.Duration
	entries  []entry
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every job expression up front. Jobs with an empty
// expression are disabled and dropped.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
	for _, j := range cfg.Jobs {
		if j.Expr == "" {
			logger.Info("cron: job disabled", "job", j.Name)
			continue
		}
		sched, err := cronParser.Parse(j.Expr)
		if err != nil {
			return nil, fmt.Errorf("cron: job %s: parse %q: %w", j.Name, j.Expr, err)
		}
		s.entries = append(s.entries, entry{job: j, schedule: sched})
	}
	return s, nil
}

// Jobs returns the names of the enabled jobs.
func (s *Scheduler) Jobs() []string {
	out := make([]string, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.job.Name)
	}
	return out
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "jobs", s.Jobs())
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due job once. A job that has never run is scheduled
// from now rather than fired immediately.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	for _, e := range s.entries {
		if ctx.Err() != nil {
			return
		}
		next, ok := s.nextRun(ctx, e.job.Name)
		if !ok {
			s.storeNext(ctx, e.job.Name, e.schedule.Next(now))
			continue
		}
		if now.Before(next) {
			continue
		}
		s.fire(ctx, e, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, e entry, now time.Time) {
	start := time.Now()
	n, err := e.job.Run(ctx)
	if err != nil {
		s.logger.Error("cron: job failed", "job", e.job.Name, "error", err)
	} else {
		s.logger.Info("cron: job ran", "job", e.job.Name, "affected", n, "duration", time.Since(start))
	}
	// A failed run still advances; the next slot retries.
	s.storeNext(ctx, e.job.Name, e.schedule.Next(now))
}

func (s *Scheduler) nextRun(ctx context.Context, name string) (time.Time, bool) {
	raw, err := s.store.KVGet(ctx, nextRunKeyPrefix+name)
	if err != nil {
		s.logger.Warn("cron: read next run", "job", name, "error", err)
		return time.Time{}, false
	}
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		s.logger.Warn("cron: bad next run, rescheduling", "job", name, "value", raw)
		return time.Time{}, false
	}
	return t, true
}

func (s *Scheduler) storeNext(ctx context.Context, name string, next time.Time) {
	if err := s.store.KVSet(ctx, nextRunKeyPrefix+name, next.UTC().Format(time.RFC3339)); err != nil {
		s.logger.Error("cron: persist next run", "job", name, "error", err)
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
