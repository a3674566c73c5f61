package cron_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-afm/internal/bus"
	"github.com/basket/go-afm/internal/cron"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

type countingSweeper struct {
	calls atomic.Int64
	err   error
}

func (c *countingSweeper) Sweep(context.Context) (bus.SweepEvent, error) {
	c.calls.Add(1)
	return bus.SweepEvent{Evicted: 1}, c.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestScheduler_FiresWhenDue(t *testing.T) {
	sweeper := &countingSweeper{}
	clk := &clock{now: time.Date(2026, 10, 16, 12, 0, 30, 0, time.UTC)}
	sched, err := cron.NewScheduler(cron.Config{
		Sweeper:  sweeper,
		Schedule: "*/5 * * * *",
		Interval: 10 * time.Millisecond,
		Now:      clk.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if want := time.Date(2026, 10, 16, 12, 5, 0, 0, time.UTC); !sched.NextRun().Equal(want) {
		t.Fatalf("expected next run %v, got %v", want, sched.NextRun())
	}

	sched.Start(context.Background())
	defer sched.Stop()

	time.Sleep(50 * time.Millisecond)
	if n := sweeper.calls.Load(); n != 0 {
		t.Fatalf("expected no sweep before due time, got %d", n)
	}

	clk.Advance(5 * time.Minute)
	waitFor(t, 3*time.Second, func() bool { return sweeper.calls.Load() == 1 })
	if want := time.Date(2026, 10, 16, 12, 10, 0, 0, time.UTC); !sched.NextRun().Equal(want) {
		t.Fatalf("expected next run advanced to %v, got %v", want, sched.NextRun())
	}

	// Same window: no second run.
	time.Sleep(50 * time.Millisecond)
	if n := sweeper.calls.Load(); n != 1 {
		t.Fatalf("expected exactly one sweep per window, got %d", n)
	}
}

func TestScheduler_EmptyScheduleDisabled(t *testing.T) {
	sweeper := &countingSweeper{}
	clk := &clock{now: time.Now()}
	sched, err := cron.NewScheduler(cron.Config{Sweeper: sweeper, Interval: 10 * time.Millisecond, Now: clk.Now})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if !sched.NextRun().IsZero() {
		t.Fatalf("expected zero next run when disabled")
	}
	sched.Start(context.Background())
	clk.Advance(24 * time.Hour)
	time.Sleep(50 * time.Millisecond)
	sched.Stop()
	if n := sweeper.calls.Load(); n != 0 {
		t.Fatalf("expected no sweeps, got %d", n)
	}
}

func TestScheduler_SweepErrorKeepsRunning(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("database is locked")}
	clk := &clock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
	sched, err := cron.NewScheduler(cron.Config{
		Sweeper:  sweeper,
		Schedule: "* * * * *",
		Interval: 10 * time.Millisecond,
		Now:      clk.Now,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	sched.Start(context.Background())
	defer sched.Stop()

	clk.Advance(time.Minute)
	waitFor(t, 3*time.Second, func() bool { return sweeper.calls.Load() == 1 })
	clk.Advance(time.Minute)
	waitFor(t, 3*time.Second, func() bool { return sweeper.calls.Load() == 2 })
}

func TestScheduler_SetScheduleValidates(t *testing.T) {
	if _, err := cron.NewScheduler(cron.Config{Schedule: "not a cron"}); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
	sched, err := cron.NewScheduler(cron.Config{Schedule: "0 * * * *"})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	if err := sched.SetSchedule("61 * * * *"); err == nil {
		t.Fatalf("expected error for out of range minute")
	}
	if err := sched.SetSchedule(""); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if !sched.NextRun().IsZero() {
		t.Fatalf("expected schedule disabled")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2026, 10, 16, 12, 7, 0, 0, time.UTC)
	next, err := cron.NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("next run: %v", err)
	}
	if want := time.Date(2026, 10, 16, 12, 10, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("expected %v, got %v", want, next)
	}
	if _, err := cron.NextRunTime("@every 5m", after); err == nil {
		t.Fatalf("expected descriptor to be rejected by the 5-field parser")
	}
}
