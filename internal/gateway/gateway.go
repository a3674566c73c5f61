// Package gateway is the HTTP transport for afm: the agent polling protocol,
// the task administration API, health and the lifecycle event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/basket/go-afm/internal/audit"
	"github.com/basket/go-afm/internal/bus"
	"github.com/basket/go-afm/internal/coordinator"
	afmotel "github.com/basket/go-afm/internal/otel"
	"github.com/basket/go-afm/internal/persistence"
	"github.com/basket/go-afm/internal/shared"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"
)

const defaultMaxWait = 60 * time.Second

type Config struct {
	Coordinator *coordinator.Coordinator
	Store       *persistence.Store
	Bus         *bus.Bus
	// Waiter enables GET /api/tasks/{id}?wait=. Nil disables waiting.
	Waiter *coordinator.Waiter

	Logger  *slog.Logger
	Tracer  trace.Tracer
	Metrics *afmotel.Metrics

	// AdminToken protects /api routes when non-empty.
	AdminToken string
	// AllowOrigins is passed to the websocket origin check for /events.
	AllowOrigins []string
	MaxBodyBytes int64
	// RateLimiter throttles every route but /healthz. Nil disables it.
	RateLimiter *RateLimiter
	// MaxWait caps the wait query parameter. Zero means 60s.
	MaxWait time.Duration

	ConfigFingerprint string
}

type Server struct {
	cfg     Config
	schemas *schemas
	logger  *slog.Logger
	tracer  trace.Tracer
	streams atomic.Int64
	health  singleflight.Group
}

func New(cfg Config) (*Server, error) {
	if cfg.Coordinator == nil || cfg.Store == nil {
		return nil, errors.New("gateway: coordinator and store are required")
	}
	sc, err := compileSchemas()
	if err != nil {
		return nil, fmt.Errorf("gateway: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("afm")
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = defaultMaxWait
	}
	return &Server{
		cfg:     cfg,
		schemas: sc,
		logger:  logger.With("component", "gateway"),
		tracer:  tracer,
	}, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Agent protocol. Trailing slashes are accepted.
	mux.HandleFunc("POST /tasks", s.handlePoll)
	mux.HandleFunc("POST /tasks/{$}", s.handlePoll)
	mux.HandleFunc("POST /tasks/response", s.handleResult)
	mux.HandleFunc("POST /tasks/response/{$}", s.handleResult)

	// Administration.
	admin := func(h http.HandlerFunc) http.Handler { return AdminAuth(s.cfg.AdminToken, h) }
	mux.Handle("POST /api/tasks", admin(s.handleSubmit))
	mux.Handle("GET /api/tasks", admin(s.handleListTasks))
	mux.Handle("GET /api/tasks/{id}", admin(s.handleGetTask))
	mux.Handle("DELETE /api/tasks/{id}", admin(s.handleDeleteTask))
	mux.Handle("GET /api/agents", admin(s.handleListAgents))

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /events", admin(s.handleEvents))

	var h http.Handler = RequestSizeLimitMiddleware(s.cfg.MaxBodyBytes)(mux)
	if s.cfg.RateLimiter != nil {
		h = s.cfg.RateLimiter.Wrap(h)
	}
	return s.instrument(h)
}

// --- agent protocol ---

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readValidated(w, r, s.schemas.poll)
	if !ok {
		return
	}
	var req coordinator.PollRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	resp, err := s.cfg.Coordinator.Poll(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readValidated(w, r, s.schemas.result)
	if !ok {
		return
	}
	var req coordinator.ResultRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if err := s.cfg.Coordinator.SubmitResult(r.Context(), req); err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- administration ---

type submitRequest struct {
	TaskID      string          `json:"task_id"`
	TestID      string          `json:"test_id"`
	TaskType    string          `json:"task_type"`
	TaskVersion int             `json:"task_version"`
	TaskData    json.RawMessage `json:"task_data"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readValidated(w, r, s.schemas.submit)
	if !ok {
		return
	}
	var req submitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	task, err := s.cfg.Coordinator.PostTask(r.Context(), persistence.NewTask{
		UUID:    req.TaskID,
		TestID:  req.TestID,
		Type:    req.TaskType,
		Version: req.TaskVersion,
		Data:    req.TaskData,
	})
	if err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}
	s.auditAdmin(r, "task.submit", task.UUID)
	w.Header().Set("Location", "/api/tasks/"+task.UUID)
	writeJSON(w, http.StatusCreated, map[string]string{"task_id": task.UUID})
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := persistence.TaskFilter{
		Type:      q.Get("type"),
		AgentUUID: q.Get("agent_id"),
		State:     persistence.TaskState(q.Get("state")),
	}
	if v := q.Get("version"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.badRequest(w, r, fmt.Errorf("version: %w", err))
			return
		}
		filter.Version = &n
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	tasks, err := s.cfg.Store.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	ctx := shared.WithTaskID(r.Context(), taskID)

	if raw := r.URL.Query().Get("wait"); raw != "" && s.cfg.Waiter != nil {
		wait, err := parseWait(raw)
		if err != nil {
			s.badRequest(w, r, err)
			return
		}
		wait = min(wait, s.cfg.MaxWait)
		task, err := s.cfg.Waiter.WaitForTask(ctx, taskID, wait)
		if err == nil {
			writeJSON(w, http.StatusOK, task)
			return
		}
		if !errors.Is(err, coordinator.ErrWaitTimeout) {
			s.writeError(w, r, err, http.StatusNotFound)
			return
		}
	}

	task, err := s.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		s.writeError(w, r, err, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// parseWait accepts a Go duration ("30s") or a number of seconds ("30").
func parseWait(raw string) (time.Duration, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		if n < 0 {
			return 0, errors.New("wait must not be negative")
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("wait: %w", err)
	}
	if d < 0 {
		return 0, errors.New("wait must not be negative")
	}
	return d, nil
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	if err := s.cfg.Coordinator.DeleteTask(r.Context(), taskID); err != nil {
		s.writeError(w, r, err, http.StatusNotFound)
		return
	}
	s.auditAdmin(r, "task.delete", taskID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) auditAdmin(r *http.Request, action, taskID string) {
	audit.Record(audit.Event{
		Outcome: audit.OutcomeAllow,
		Action:  action,
		Subject: taskID,
		Remote:  remoteHost(r),
		TraceID: shared.TraceID(r.Context()),
	})
}

type agentView struct {
	AgentID      string                                `json:"agent_id"`
	AgentName    string                                `json:"agent_name"`
	LastSeen     time.Time                             `json:"last_seen"`
	Capabilities map[string]coordinator.CapabilitySpec `json:"agent_capabilities"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Store.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, r, err, http.StatusBadRequest)
		return
	}
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		view := agentView{
			AgentID:      a.UUID,
			AgentName:    a.Name,
			LastSeen:     a.LastSeen,
			Capabilities: make(map[string]coordinator.CapabilitySpec, len(a.Capabilities)),
		}
		// Several versions of one type collapse to the highest in this view.
		for _, c := range a.Capabilities {
			if cur, ok := view.Capabilities[c.Type]; !ok || c.Version > cur.Version {
				view.Capabilities[c.Type] = coordinator.CapabilitySpec{Version: c.Version}
			}
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

// --- health ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	// Concurrent probes share one round trip to the database.
	v, err, _ := s.health.Do("queue", func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
		defer cancel()
		if err := s.cfg.Store.Ping(ctx); err != nil {
			return nil, err
		}
		return s.cfg.Store.TaskSummary(ctx, persistence.TaskFilter{})
	})
	dbOK := err == nil
	queue, _ := v.([]persistence.TaskSummary)
	if queue == nil {
		queue = []persistence.TaskSummary{}
	}
	settings := s.cfg.Coordinator.Settings()
	payload := map[string]any{
		"healthy":        dbOK,
		"db_ok":          dbOK,
		"config_hash":    s.cfg.ConfigFingerprint,
		"auto_cleanup":   settings.AutoCleanup,
		"queue":          queue,
		"stream_clients": s.streams.Load(),
	}
	if s.cfg.Bus != nil {
		c := s.cfg.Bus.Counters()
		payload["events"] = map[string]int64{
			"published": c.Published,
			"delivered": c.Delivered,
			"dropped":   c.Dropped,
		}
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// --- helpers ---

func (s *Server) readValidated(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject(w, r, http.StatusRequestEntityTooLarge, err)
			return nil, false
		}
		s.badRequest(w, r, err)
		return nil, false
	}
	if len(body) == 0 {
		s.badRequest(w, r, errors.New("no JSON content"))
		return nil, false
	}
	if err := validateBody(schema, body); err != nil {
		s.badRequest(w, r, err)
		return nil, false
	}
	return body, true
}

func (s *Server) badRequest(w http.ResponseWriter, r *http.Request, err error) {
	s.reject(w, r, http.StatusBadRequest, err)
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, status int, err error) {
	s.logger.Warn("request rejected", append(shared.LogArgs(r.Context()),
		"path", r.URL.Path, "status", status, "error", err)...)
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestRejects.Add(r.Context(), 1)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeError maps coordinator and store errors to a status. notFound is the
// status used for persistence.ErrNotFound on this route.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, notFound int) {
	status := statusFor(err, notFound)
	if status >= 500 {
		s.logger.Error("request failed", append(shared.LogArgs(r.Context()),
			"path", r.URL.Path, "status", status, "error", err)...)
		if status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		writeJSON(w, status, map[string]string{"error": http.StatusText(status)})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func statusFor(err error, notFound int) int {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return notFound
	case errors.Is(err, persistence.ErrAlreadyExists):
		return http.StatusConflict
	case coordinator.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, coordinator.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
