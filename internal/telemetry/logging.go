package telemetry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/go-afm/internal/shared"
	"github.com/mattn/go-isatty"
)

// LogFileName is the JSON lines log written under <home>/logs.
const LogFileName = "afm.jsonl"

// DefaultComponent tags records from loggers that never set a component.
const DefaultComponent = "runtime"

// NewLogger writes JSON lines to <homeDir>/logs/afm.jsonl and, unless quiet,
// mirrors records to stdout: text on a terminal, JSON otherwise. level may be
// changed while the logger is in use.
func NewLogger(homeDir string, level *slog.LevelVar, quiet bool) (*slog.Logger, io.Closer, error) {
	return newLogger(homeDir, level, quiet, os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
}

func newLogger(homeDir string, level *slog.LevelVar, quiet bool, stdout io.Writer, terminal bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	if level == nil {
		level = new(slog.LevelVar)
	}

	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: replaceAttr}
	sinks := fanout{slog.NewJSONHandler(file, opts)}
	if !quiet {
		if terminal {
			sinks = append(sinks, slog.NewTextHandler(stdout, opts))
		} else {
			sinks = append(sinks, slog.NewJSONHandler(stdout, opts))
		}
	}
	return slog.New(scopeHandler{next: sinks}), file, nil
}

// replaceAttr renames time to timestamp and masks credentials.
func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if v, ok := redactValue(a.Value.String()); ok {
			return slog.String(a.Key, v)
		}
	}
	return a
}

// scopeHandler fills in component and the request ids from the context when
// neither the logger nor the record carries them.
type scopeHandler struct {
	next         slog.Handler
	hasComponent bool
	hasTrace     bool
}

func (h scopeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h scopeHandler) Handle(ctx context.Context, r slog.Record) error {
	needComponent, needTrace := !h.hasComponent, !h.hasTrace
	r.Attrs(func(a slog.Attr) bool {
		switch a.Key {
		case "component":
			needComponent = false
		case "trace_id":
			needTrace = false
		}
		return needComponent || needTrace
	})
	if !needComponent && !needTrace {
		return h.next.Handle(ctx, r)
	}
	r = r.Clone()
	if needComponent {
		r.AddAttrs(slog.String("component", DefaultComponent))
	}
	if needTrace {
		s := shared.ScopeFrom(ctx)
		r.AddAttrs(slog.String("trace_id", shared.TraceID(ctx)))
		if s.AgentID != "" {
			r.AddAttrs(slog.String("agent_id", s.AgentID))
		}
		if s.TaskID != "" {
			r.AddAttrs(slog.String("task_id", s.TaskID))
		}
	}
	return h.next.Handle(ctx, r)
}

func (h scopeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	for _, a := range attrs {
		switch a.Key {
		case "component":
			h.hasComponent = true
		case "trace_id":
			h.hasTrace = true
		}
	}
	h.next = h.next.WithAttrs(attrs)
	return h
}

// WithGroup stops injection: the ids would land inside the group.
func (h scopeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return scopeHandler{next: h.next.WithGroup(name), hasComponent: true, hasTrace: true}
}

// fanout sends each record to every sink enabled for its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, l slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, l) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f fanout) each(fn func(slog.Handler) slog.Handler) fanout {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = fn(h)
	}
	return out
}

var sensitiveKeyParts = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

func redactValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	if r := shared.Redact(v); r != v {
		return r, true
	}
	return v, false
}

// ParseLevel maps a config level name to a slog level. Unknown names are info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
