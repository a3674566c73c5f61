// Package stats is the best-effort side channel for task lifecycle counters,
// timers and gauges. Sink failures never reach the caller.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/basket/go-afm/internal/bus"
)

// Event names a task lifecycle transition.
type Event string

const (
	EventPosted    Event = "posted"
	EventClaimed   Event = "claimed"
	EventCompleted Event = "completed"
	EventError     Event = "error"
	EventDeleted   Event = "deleted"
)

func (e Event) String() string { return string(e) }

// Metric names passed to the sink. Dynamic parts (type, version, event)
// travel as tags.
const (
	MetricTasks               = "tasks"
	MetricTasksByType         = "tasks.by_type"
	MetricTaskLatency         = "tasks.latency"
	MetricTaskQueue           = "tasks.queue"
	MetricTaskProcessing      = "tasks.processing"
	MetricCapabilityAvailable = "capability.available"
)

// Tag keys.
const (
	TagEvent   = "event"
	TagType    = "type"
	TagVersion = "version"
)

// Tag is a key/value dimension attached to a measurement.
type Tag struct {
	Key   string
	Value string
}

// Sink receives raw measurements. Implementations may drop data but must not
// block for long.
type Sink interface {
	Incr(ctx context.Context, name string, tags ...Tag)
	Timing(ctx context.Context, name string, d time.Duration, tags ...Tag)
	Gauge(ctx context.Context, name string, value int64, tags ...Tag)
}

// LifecycleEvent is published on the bus for every emitted task event.
type LifecycleEvent struct {
	Event    Event     `json:"event"`
	TaskID   string    `json:"task_id"`
	TaskType string    `json:"task_type"`
	Version  int       `json:"task_version"`
	At       time.Time `json:"at"`
}

// Transition is one task lifecycle change as seen by the store. At and
// Elapsed come from the store clock at the moment of the change; Elapsed is
// the time since the task was created.
type Transition struct {
	Event    Event
	TaskID   string
	TaskType string
	Version  int
	At       time.Time
	Elapsed  time.Duration
}

// Emitter translates domain events into sink calls and bus publications.
// A nil *Emitter is valid and discards everything.
type Emitter struct {
	sink   Sink
	bus    *bus.Bus
	logger *slog.Logger
}

// NewEmitter builds an Emitter. sink and eventBus may be nil.
func NewEmitter(sink Sink, eventBus *bus.Bus, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		sink:   sink,
		bus:    eventBus,
		logger: logger.With("component", "stats"),
	}
}

// TaskEvent records one lifecycle transition. Posted events increment a
// per-type counter; every other event records tr.Elapsed as latency.
func (e *Emitter) TaskEvent(ctx context.Context, tr Transition) {
	if e == nil {
		return
	}
	typeTags := []Tag{
		{Key: TagType, Value: tr.TaskType},
		{Key: TagVersion, Value: strconv.Itoa(tr.Version)},
		{Key: TagEvent, Value: tr.Event.String()},
	}
	e.safely("incr", func() {
		e.sinkIncr(ctx, MetricTasks, Tag{Key: TagEvent, Value: tr.Event.String()})
	})
	if tr.Event == EventPosted {
		e.safely("incr", func() { e.sinkIncr(ctx, MetricTasksByType, typeTags...) })
	} else {
		e.safely("timing", func() { e.sinkTiming(ctx, MetricTaskLatency, tr.Elapsed, typeTags...) })
	}
	if e.bus != nil {
		e.bus.Publish(bus.TaskTopic(tr.Event.String()), LifecycleEvent{
			Event:    tr.Event,
			TaskID:   tr.TaskID,
			TaskType: tr.TaskType,
			Version:  tr.Version,
			At:       tr.At.UTC(),
		})
	}
}

// QueueGauge publishes the queue depth and in-flight count for a type/version.
func (e *Emitter) QueueGauge(ctx context.Context, taskType string, version int, queued, processing int64) {
	if e == nil {
		return
	}
	tags := []Tag{{Key: TagType, Value: taskType}, {Key: TagVersion, Value: strconv.Itoa(version)}}
	e.safely("gauge", func() { e.sinkGauge(ctx, MetricTaskQueue, queued, tags...) })
	e.safely("gauge", func() { e.sinkGauge(ctx, MetricTaskProcessing, processing, tags...) })
}

// CapabilityGauge publishes how many agents offer a type/version.
func (e *Emitter) CapabilityGauge(ctx context.Context, taskType string, version int, count int64) {
	if e == nil {
		return
	}
	tags := []Tag{{Key: TagType, Value: taskType}, {Key: TagVersion, Value: strconv.Itoa(version)}}
	e.safely("gauge", func() { e.sinkGauge(ctx, MetricCapabilityAvailable, count, tags...) })
}

func (e *Emitter) sinkIncr(ctx context.Context, name string, tags ...Tag) {
	if e.sink != nil {
		e.sink.Incr(ctx, name, tags...)
	}
}

func (e *Emitter) sinkTiming(ctx context.Context, name string, d time.Duration, tags ...Tag) {
	if e.sink != nil {
		e.sink.Timing(ctx, name, d, tags...)
	}
}

func (e *Emitter) sinkGauge(ctx context.Context, name string, v int64, tags ...Tag) {
	if e.sink != nil {
		e.sink.Gauge(ctx, name, v, tags...)
	}
}

// safely runs a sink call and swallows panics from misbehaving sinks.
func (e *Emitter) safely(op string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("stats sink failed", "op", op, "error", fmt.Sprint(r))
		}
	}()
	fn()
}
