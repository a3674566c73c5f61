package shared

import (
	"context"

	"github.com/google/uuid"
)

// Scope is the set of correlation ids carried through a request. Each With*
// call stores a copy, so a scope seen by one goroutine never changes.
type Scope struct {
	TraceID string
	AgentID string
	TaskID  string
}

type scopeKey struct{}

// ScopeFrom returns the ids attached to ctx; missing ids are empty.
func ScopeFrom(ctx context.Context) Scope {
	s, _ := ctx.Value(scopeKey{}).(Scope)
	return s
}

func withScope(ctx context.Context, edit func(*Scope)) context.Context {
	s := ScopeFrom(ctx)
	edit(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

// NewTraceID returns a fresh request id.
func NewTraceID() string { return uuid.NewString() }

func WithTraceID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *Scope) { s.TraceID = id })
}

// TraceID returns the request id, or "-" outside a request.
func TraceID(ctx context.Context) string {
	if id := ScopeFrom(ctx).TraceID; id != "" {
		return id
	}
	return "-"
}

// WithAgentID records the agent a request acts for.
func WithAgentID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *Scope) { s.AgentID = id })
}

func AgentID(ctx context.Context) string { return ScopeFrom(ctx).AgentID }

// WithTaskID records the task a request acts on.
func WithTaskID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *Scope) { s.TaskID = id })
}

func TaskID(ctx context.Context) string { return ScopeFrom(ctx).TaskID }

// LogArgs renders the scope as slog key/value pairs. trace_id is always
// present; the other ids only when set.
func LogArgs(ctx context.Context) []any {
	s := ScopeFrom(ctx)
	args := []any{"trace_id", TraceID(ctx)}
	if s.AgentID != "" {
		args = append(args, "agent_id", s.AgentID)
	}
	if s.TaskID != "" {
		args = append(args, "task_id", s.TaskID)
	}
	return args
}
