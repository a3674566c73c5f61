// Package coordinator orchestrates agent polls and task result submissions
// on top of the persistence layer. Each request runs in exactly one store
// transaction.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/basket/go-afm/internal/bus"
	afmotel "github.com/basket/go-afm/internal/otel"
	"github.com/basket/go-afm/internal/persistence"
	"github.com/basket/go-afm/internal/shared"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// ProtocolVersion is the only agent protocol accepted.
const ProtocolVersion = 1

const cleanupSavepoint = "afm_cleanup"

var (
	// ErrValidation marks requests rejected before touching storage.
	ErrValidation = errors.New("validation failed")
	// ErrTransient marks storage failures; the caller may retry the whole request.
	ErrTransient = errors.New("transient storage error")
)

// IsClientError reports whether err is a deterministic rejection of the
// request rather than a storage failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, persistence.ErrInvalidArguments) ||
		errors.Is(err, persistence.ErrIllegalState) ||
		errors.Is(err, persistence.ErrNotFound) ||
		errors.Is(err, persistence.ErrAlreadyExists)
}

// Settings are the fleet knobs read on every poll.
type Settings struct {
	AgentReturnTime      time.Duration
	AgentActiveThreshold time.Duration
	AgentDropThreshold   time.Duration
	AutoCleanup          bool
	MaxTasksLimit        int
	// TaskRetention is how long finished tasks are kept. Zero keeps them
	// forever. Only the background sweep purges.
	TaskRetention time.Duration
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		AgentReturnTime:      5 * time.Second,
		AgentActiveThreshold: 500 * time.Second,
		AgentDropThreshold:   time.Hour,
		AutoCleanup:          true,
		MaxTasksLimit:        100,
	}
}

// CapabilitySpec is the per-type entry of an agent's capability declaration.
type CapabilitySpec struct {
	Version int `json:"version"`
}

// Location is the optional self-reported agent location.
type Location struct {
	Country   string   `json:"country"`
	Region    string   `json:"region"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// PollRequest is an agent asking for work.
type PollRequest struct {
	Protocol     int                       `json:"protocol"`
	AgentID      string                    `json:"agent_id"`
	AgentName    string                    `json:"agent_name"`
	Capabilities map[string]CapabilitySpec `json:"agent_capabilities"`
	MaxTasks     int                       `json:"max_tasks"`
	Location     *Location                 `json:"agent_location,omitempty"`
	AgentTime    string                    `json:"agent_time,omitempty"`
}

// Assignment is one task handed to an agent.
type Assignment struct {
	TaskID      string          `json:"task_id"`
	TaskType    string          `json:"task_type"`
	TaskVersion int             `json:"task_version"`
	TaskData    json.RawMessage `json:"task_data"`
}

// PollResponse lists the claimed tasks and when the agent should poll again.
type PollResponse struct {
	Tasks      []Assignment `json:"tasks"`
	ReturnTime string       `json:"return_time"`
}

// ResultRequest reports the outcome of a claimed task. Exactly one of
// TaskData and TaskError must be set.
type ResultRequest struct {
	Protocol  int             `json:"protocol"`
	TaskID    string          `json:"task_id"`
	TaskData  json.RawMessage `json:"task_data,omitempty"`
	TaskError *string         `json:"task_error,omitempty"`
}

// Config wires a Coordinator.
type Config struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Settings Settings
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Metrics  *afmotel.Metrics
}

// Coordinator serves polls, results and background sweeps.
type Coordinator struct {
	store    *persistence.Store
	bus      *bus.Bus
	settings atomic.Pointer[Settings]
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *afmotel.Metrics
}

// New builds a Coordinator. Store is required.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("afm")
	}
	c := &Coordinator{
		store:   cfg.Store,
		bus:     cfg.Bus,
		logger:  logger.With("component", "coordinator"),
		tracer:  tracer,
		metrics: cfg.Metrics,
	}
	settings := cfg.Settings
	if settings == (Settings{}) {
		settings = DefaultSettings()
	}
	c.settings.Store(&settings)
	return c, nil
}

// Settings returns the current settings snapshot.
func (c *Coordinator) Settings() Settings {
	return *c.settings.Load()
}

// UpdateSettings swaps the settings used from the next request on.
func (c *Coordinator) UpdateSettings(s Settings) {
	c.settings.Store(&s)
	c.logger.Info("fleet settings updated",
		"agent_return_time", s.AgentReturnTime.String(),
		"agent_active_threshold", s.AgentActiveThreshold.String(),
		"agent_drop_threshold", s.AgentDropThreshold.String(),
		"auto_cleanup", s.AutoCleanup,
		"max_tasks_limit", s.MaxTasksLimit,
	)
}

func validatePoll(req PollRequest) error {
	if req.Protocol != ProtocolVersion {
		return fmt.Errorf("unsupported protocol %d: %w", req.Protocol, ErrValidation)
	}
	if _, err := uuid.Parse(req.AgentID); err != nil {
		return fmt.Errorf("agent_id %q is not a uuid: %w", req.AgentID, ErrValidation)
	}
	if strings.TrimSpace(req.AgentName) == "" {
		return fmt.Errorf("agent_name is required: %w", ErrValidation)
	}
	if req.MaxTasks < 0 {
		return fmt.Errorf("max_tasks must not be negative: %w", ErrValidation)
	}
	for typ := range req.Capabilities {
		if typ == "" {
			return fmt.Errorf("empty capability type: %w", ErrValidation)
		}
	}
	return nil
}

// Poll registers the agent and its capabilities, optionally runs the cleanup
// sweep, and claims a bounded batch of matching tasks.
func (c *Coordinator) Poll(ctx context.Context, req PollRequest) (*PollResponse, error) {
	start := time.Now()
	ctx = shared.WithAgentID(ctx, req.AgentID)
	ctx, span := afmotel.StartSpan(ctx, c.tracer, "coordinator.poll",
		afmotel.AttrAgentID.String(req.AgentID),
		afmotel.AttrAgentName.String(req.AgentName),
		afmotel.AttrMaxTasks.Int(req.MaxTasks),
	)
	defer span.End()

	if err := validatePoll(req); err != nil {
		c.reject(ctx, span, "poll", err)
		return nil, err
	}
	settings := c.Settings()
	declared := make(map[string]int, len(req.Capabilities))
	for typ, spec := range req.Capabilities {
		declared[typ] = spec.Version
	}
	limit := req.MaxTasks
	if settings.MaxTasksLimit > 0 && limit > settings.MaxTasksLimit {
		limit = settings.MaxTasksLimit
	}

	var resp *PollResponse
	err := c.store.WithTx(ctx, func(ctx context.Context, tx *persistence.Tx) error {
		agent, created, err := tx.GetOrCreateAgent(ctx, req.AgentID, req.AgentName)
		if err != nil {
			return err
		}
		now := tx.Now()
		agent.Name = req.AgentName
		agent.LastSeen = now
		if err := tx.UpsertAgent(ctx, agent); err != nil {
			return err
		}
		added, removed, err := tx.ReplaceCapabilities(ctx, agent.UUID, declared)
		if err != nil {
			return err
		}
		if created || added > 0 || removed > 0 {
			c.logger.Info("agent capabilities changed", append(shared.LogArgs(ctx),
				"agent_name", agent.Name, "new_agent", created, "added", added, "removed", removed)...)
		}

		activeSince := now.Add(-settings.AgentActiveThreshold)
		if settings.AutoCleanup {
			c.cleanup(ctx, tx, now.Add(-settings.AgentDropThreshold), activeSince)
		}
		if err := tx.PublishCapabilityGauges(ctx, &activeSince); err != nil {
			c.logger.Warn("capability gauges skipped", append(shared.LogArgs(ctx), "error", err)...)
		}

		claimed, err := tx.ClaimTasks(ctx, agent.UUID, limit)
		if err != nil {
			return err
		}
		out := &PollResponse{
			Tasks:      make([]Assignment, 0, len(claimed)),
			ReturnTime: now.Add(settings.AgentReturnTime).Format(time.RFC3339),
		}
		for _, task := range claimed {
			data := task.Data
			if data == nil {
				data = json.RawMessage("null")
			}
			out.Tasks = append(out.Tasks, Assignment{
				TaskID:      task.UUID,
				TaskType:    task.Type,
				TaskVersion: task.Version,
				TaskData:    data,
			})
		}
		resp = out
		return nil
	})
	c.recordDuration(ctx, c.pollDuration(), start, err)
	if err != nil {
		err = c.storageError(ctx, span, "poll", err)
		return nil, err
	}

	span.SetAttributes(afmotel.AttrAssigned.Int(len(resp.Tasks)))
	if len(resp.Tasks) > 0 {
		ids := make([]string, 0, len(resp.Tasks))
		for _, a := range resp.Tasks {
			ids = append(ids, a.TaskID)
		}
		c.logger.Info("tasks assigned", append(shared.LogArgs(ctx),
			"agent_name", req.AgentName, "task_ids", ids)...)
		if c.metrics != nil {
			c.metrics.TasksAssigned.Add(ctx, int64(len(resp.Tasks)))
		}
	}
	return resp, nil
}

// cleanup evicts dropped agents and fails tasks of inactive ones inside a
// savepoint. Failures are logged and rolled back to the savepoint only.
func (c *Coordinator) cleanup(ctx context.Context, tx *persistence.Tx, dropBefore, activeSince time.Time) {
	var evicted, reconciled int64
	err := tx.Savepoint(ctx, cleanupSavepoint, func(ctx context.Context) error {
		var err error
		if evicted, err = tx.EvictInactive(ctx, dropBefore); err != nil {
			return err
		}
		reconciled, err = tx.ReconcileInactiveAgents(ctx, activeSince)
		return err
	})
	if err != nil {
		c.logger.Error("cleaning inactive agents failed", append(shared.LogArgs(ctx), "error", err)...)
		return
	}
	if evicted > 0 || reconciled > 0 {
		c.logger.Info("inactive agents cleaned", append(shared.LogArgs(ctx),
			"evicted", evicted, "reconciled", reconciled)...)
	}
}

func validateResult(req ResultRequest) error {
	if req.Protocol != ProtocolVersion {
		return fmt.Errorf("unsupported protocol %d: %w", req.Protocol, ErrValidation)
	}
	if _, err := uuid.Parse(req.TaskID); err != nil {
		return fmt.Errorf("task_id %q is not a uuid: %w", req.TaskID, ErrValidation)
	}
	return nil
}

// SubmitResult records a task's completion or failure.
func (c *Coordinator) SubmitResult(ctx context.Context, req ResultRequest) error {
	start := time.Now()
	ctx = shared.WithTaskID(ctx, req.TaskID)
	ctx, span := afmotel.StartSpan(ctx, c.tracer, "coordinator.result",
		afmotel.AttrTaskID.String(req.TaskID),
	)
	defer span.End()

	if err := validateResult(req); err != nil {
		c.reject(ctx, span, "result", err)
		return err
	}
	err := c.store.WithTx(ctx, func(ctx context.Context, tx *persistence.Tx) error {
		return tx.FinishTask(ctx, req.TaskID, req.TaskData, req.TaskError)
	})
	c.recordDuration(ctx, c.resultDuration(), start, err)
	if err != nil {
		if IsClientError(err) {
			c.reject(ctx, span, "result", err)
			return err
		}
		return c.storageError(ctx, span, "result", err)
	}
	outcome := "completed"
	if req.TaskError != nil {
		outcome = "error"
	}
	span.SetAttributes(afmotel.AttrOutcome.String(outcome))
	c.logger.Info("task result recorded", append(shared.LogArgs(ctx), "outcome", outcome)...)
	return nil
}

// PostTask queues a new task.
func (c *Coordinator) PostTask(ctx context.Context, nt persistence.NewTask) (persistence.Task, error) {
	ctx, span := afmotel.StartSpan(ctx, c.tracer, "coordinator.post_task",
		afmotel.AttrTaskType.String(nt.Type),
		afmotel.AttrTaskVersion.Int(nt.Version),
	)
	defer span.End()

	task, err := c.store.PostTask(ctx, nt)
	if err != nil {
		if IsClientError(err) {
			c.reject(ctx, span, "post_task", err)
			return persistence.Task{}, err
		}
		return persistence.Task{}, c.storageError(ctx, span, "post_task", err)
	}
	span.SetAttributes(afmotel.AttrTaskID.String(task.UUID))
	c.logger.Info("task posted", append(shared.LogArgs(shared.WithTaskID(ctx, task.UUID)),
		"task_type", task.Type, "task_version", task.Version, "test_id", task.TestID)...)
	return task, nil
}

// DeleteTask removes a task regardless of its state.
func (c *Coordinator) DeleteTask(ctx context.Context, taskID string) error {
	ctx = shared.WithTaskID(ctx, taskID)
	ctx, span := afmotel.StartSpan(ctx, c.tracer, "coordinator.delete_task",
		afmotel.AttrTaskID.String(taskID),
	)
	defer span.End()

	if err := c.store.DeleteTask(ctx, taskID); err != nil {
		if IsClientError(err) {
			c.reject(ctx, span, "delete_task", err)
			return err
		}
		return c.storageError(ctx, span, "delete_task", err)
	}
	c.logger.Info("task deleted", shared.LogArgs(ctx)...)
	return nil
}

// Sweep evicts dropped agents, fails tasks held by inactive agents and
// republishes every queue and capability gauge. It runs in its own
// transaction, retried on SQLITE_BUSY.
func (c *Coordinator) Sweep(ctx context.Context) (bus.SweepEvent, error) {
	start := time.Now()
	ctx, span := afmotel.StartSpan(ctx, c.tracer, "coordinator.sweep")
	defer span.End()

	settings := c.Settings()
	var ev bus.SweepEvent
	err := c.store.WithTxRetry(ctx, func(ctx context.Context, tx *persistence.Tx) error {
		now := tx.Now()
		activeSince := now.Add(-settings.AgentActiveThreshold)
		evicted, err := tx.EvictInactive(ctx, now.Add(-settings.AgentDropThreshold))
		if err != nil {
			return err
		}
		reconciled, err := tx.ReconcileInactiveAgents(ctx, activeSince)
		if err != nil {
			return err
		}
		if err := tx.PublishQueueGauges(ctx); err != nil {
			return err
		}
		if err := tx.PublishCapabilityGauges(ctx, &activeSince); err != nil {
			return err
		}
		var purged int64
		if settings.TaskRetention > 0 {
			if purged, err = tx.PurgeFinishedTasks(ctx, now.Add(-settings.TaskRetention)); err != nil {
				return err
			}
		}
		ev = bus.SweepEvent{Evicted: evicted, Reconciled: reconciled, Purged: purged}
		return nil
	})
	if c.metrics != nil {
		c.metrics.SweepDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return bus.SweepEvent{}, fmt.Errorf("sweep: %w", err)
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicFleetSwept, ev)
	}
	if ev.Evicted > 0 || ev.Reconciled > 0 || ev.Purged > 0 {
		c.logger.Info("sweep finished", "evicted", ev.Evicted, "reconciled", ev.Reconciled, "purged", ev.Purged)
	} else {
		c.logger.Debug("sweep finished")
	}
	return ev, nil
}

func (c *Coordinator) reject(ctx context.Context, span trace.Span, op string, err error) {
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(afmotel.AttrOutcome.String("rejected"))
	if c.metrics != nil {
		c.metrics.RequestRejects.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
	c.logger.Warn("request rejected", append(shared.LogArgs(ctx), "op", op, "error", err)...)
}

func (c *Coordinator) storageError(ctx context.Context, span trace.Span, op string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	c.logger.Error("storage failure", append(shared.LogArgs(ctx), "op", op, "busy", persistence.IsBusy(err), "error", err)...)
	return fmt.Errorf("%s: %w: %w", op, ErrTransient, err)
}

func (c *Coordinator) pollDuration() metric.Float64Histogram {
	if c.metrics == nil {
		return nil
	}
	return c.metrics.PollDuration
}

func (c *Coordinator) resultDuration() metric.Float64Histogram {
	if c.metrics == nil {
		return nil
	}
	return c.metrics.ResultDuration
}

func (c *Coordinator) recordDuration(ctx context.Context, h metric.Float64Histogram, start time.Time, err error) {
	if h == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	h.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(afmotel.AttrOutcome.String(outcome)))
}
