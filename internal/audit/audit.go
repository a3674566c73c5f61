// Package audit keeps an append-only JSON lines trail of administrative
// actions: task submission and deletion, rejected admin credentials and fatal
// startup failures. Agent polling is not audited.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-afm/internal/shared"
)

// FileName is the audit trail written under <home>/logs.
const FileName = "audit.jsonl"

const (
	OutcomeAllow = "allow"
	OutcomeDeny  = "deny"
	OutcomeFatal = "fatal"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Outcome   string `json:"outcome"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Remote    string `json:"remote,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Event describes one audited action.
type Event struct {
	Outcome string
	Action  string // e.g. "task.submit", "admin.auth"
	Subject string // task id or route
	Reason  string
	Remote  string
	TraceID string
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

// Init opens <homeDir>/logs/audit.jsonl for appending. Calling it twice is a
// no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of denied admin requests since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends ev to the trail. Without Init only the deny counter moves.
func Record(ev Event) {
	if ev.Outcome == OutcomeDeny {
		denyCount.Add(1)
	}

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Outcome:   ev.Outcome,
		Action:    ev.Action,
		Subject:   shared.Redact(ev.Subject),
		Reason:    shared.Redact(ev.Reason),
		Remote:    ev.Remote,
		TraceID:   ev.TraceID,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
