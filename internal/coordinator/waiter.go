package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-afm/internal/bus"
	"github.com/basket/go-afm/internal/persistence"
	"github.com/basket/go-afm/internal/stats"
)

// ErrWaitTimeout is returned when a task does not finish before the deadline.
var ErrWaitTimeout = errors.New("timed out waiting for task")

// Waiter blocks until tasks reach a terminal state, using lifecycle events
// from the bus with a store polling fallback.
type Waiter struct {
	eventBus *bus.Bus // nil means polling only
	store    *persistence.Store
	interval time.Duration
}

// NewWaiter creates a task completion waiter. eventBus may be nil.
func NewWaiter(eventBus *bus.Bus, store *persistence.Store) *Waiter {
	interval := time.Second
	if eventBus == nil {
		interval = 100 * time.Millisecond
	}
	return &Waiter{eventBus: eventBus, store: store, interval: interval}
}

// WaitForTask returns the task once it is completed or failed. A task that is
// deleted while waiting yields persistence.ErrNotFound.
func (w *Waiter) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (*persistence.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe before the first read so a transition in between is not lost.
	var events <-chan bus.Event
	if w.eventBus != nil {
		sub := w.eventBus.Subscribe(bus.TopicTaskPrefix)
		defer w.eventBus.Unsubscribe(sub)
		events = sub.Ch()
	}

	if task, err := w.checkTerminal(ctx, taskID); err != nil || task != nil {
		return task, err
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("task %s: %w", taskID, ErrWaitTimeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !isEventForTask(ev, taskID) {
				continue
			}
		}
		if task, err := w.checkTerminal(ctx, taskID); err != nil || task != nil {
			return task, err
		}
	}
}

func isEventForTask(ev bus.Event, taskID string) bool {
	le, ok := ev.Payload.(stats.LifecycleEvent)
	return ok && le.TaskID == taskID
}

// checkTerminal returns (nil, nil) while the task is still queued or claimed.
func (w *Waiter) checkTerminal(ctx context.Context, taskID string) (*persistence.Task, error) {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	switch task.State() {
	case persistence.TaskStateCompleted, persistence.TaskStateFailed:
		return task, nil
	}
	return nil, nil
}
