// Package cron fires the background fleet sweep on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-afm/internal/bus"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Sweeper runs one cleanup pass.
type Sweeper interface {
	Sweep(ctx context.Context) (bus.SweepEvent, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Sweeper Sweeper
	// Schedule is a 5-field cron expression. Empty disables sweeping.
	Schedule string
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 10 seconds if zero
	Now      func() time.Time
}

// Scheduler ticks at a fixed interval and runs the sweeper whenever the
// schedule's next run time has passed.
type Scheduler struct {
	sweeper  Sweeper
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	expr    string
	sched   cronlib.Schedule
	nextRun time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a Scheduler. An invalid schedule is an error.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		sweeper:  cfg.Sweeper,
		logger:   logger.With("component", "cron"),
		interval: interval,
		now:      now,
	}
	if err := s.SetSchedule(cfg.Schedule); err != nil {
		return nil, err
	}
	return s, nil
}

// SetSchedule replaces the cron expression; the next run is computed from now.
// An empty expression pauses sweeping.
func (s *Scheduler) SetSchedule(expr string) error {
	var sched cronlib.Schedule
	if expr != "" {
		var err error
		sched, err = ParseSchedule(expr)
		if err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expr = expr
	s.sched = sched
	s.nextRun = time.Time{}
	if sched != nil {
		s.nextRun = sched.Next(s.now())
	}
	return nil
}

// NextRun returns the next scheduled sweep, or the zero time when disabled.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval, "schedule", s.expr)
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

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs the sweeper if the next run time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	if s.sched == nil || now.Before(s.nextRun) {
		s.mu.Unlock()
		return
	}
	s.nextRun = s.sched.Next(now)
	next := s.nextRun
	s.mu.Unlock()

	s.fire(ctx, next)
}

func (s *Scheduler) fire(ctx context.Context, next time.Time) {
	if s.sweeper == nil {
		return
	}
	res, err := s.sweeper.Sweep(ctx)
	if err != nil {
		s.logger.Error("cron: sweep failed", "error", err, "next_run_at", next)
		return
	}
	s.logger.Info("cron: sweep done",
		"evicted", res.Evicted,
		"reconciled", res.Reconciled,
		"next_run_at", next,
	)
}

// ParseSchedule parses a 5-field cron expression.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := ParseSchedule(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
