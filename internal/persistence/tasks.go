package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-afm/internal/stats"
	"github.com/google/uuid"
)

// TaskState is derived from a task's timestamp and assignment columns.
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateClaimed   TaskState = "claimed"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
)

const (
	queuedPredicate   = `t.assigned_agent_uuid IS NULL AND t.completed IS NULL AND t.failed IS NULL`
	inFlightPredicate = `t.assigned_agent_uuid IS NOT NULL AND t.claimed IS NOT NULL AND t.completed IS NULL AND t.failed IS NULL`

	taskColumns = `t.uuid, t.test_id, t.type, t.version, t.data, t.result_data,
		t.assigned_agent_uuid, t.created, t.claimed, t.completed, t.failed, t.error`
)

// Task is a unit of work with opaque input and output payloads.
type Task struct {
	UUID              string          `json:"task_id"`
	TestID            string          `json:"test_id"`
	Type              string          `json:"task_type"`
	Version           int             `json:"task_version"`
	Data              json.RawMessage `json:"task_data,omitempty"`
	ResultData        json.RawMessage `json:"result_data,omitempty"`
	AssignedAgentUUID *string         `json:"assigned_agent_id,omitempty"`
	Created           time.Time       `json:"created"`
	Claimed           *time.Time      `json:"claimed,omitempty"`
	Completed         *time.Time      `json:"completed,omitempty"`
	Failed            *time.Time      `json:"failed,omitempty"`
	Error             *string         `json:"error,omitempty"`
}

// State reports the lifecycle state of the task.
func (t *Task) State() TaskState {
	switch {
	case t.Completed != nil:
		return TaskStateCompleted
	case t.Failed != nil:
		return TaskStateFailed
	case t.AssignedAgentUUID != nil:
		return TaskStateClaimed
	default:
		return TaskStateQueued
	}
}

// NewTask is the input to PostTask. An empty UUID is generated.
type NewTask struct {
	UUID    string
	TestID  string
	Type    string
	Version int
	Data    json.RawMessage
}

// TaskFilter narrows task queries. Zero values match everything.
type TaskFilter struct {
	Type      string
	Version   *int
	AgentUUID string
	State     TaskState
	Limit     int
}

// TaskSummary holds non-terminal task counts for one (type, version).
type TaskSummary struct {
	Type       string `json:"type"`
	Version    int    `json:"version"`
	Queued     int64  `json:"queued"`
	Processing int64  `json:"processing"`
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(scan scanner, task *Task) error {
	var (
		data, result, assigned, errMsg sql.NullString
		claimed, completed, failed     sql.NullTime
	)
	if err := scan.Scan(&task.UUID, &task.TestID, &task.Type, &task.Version, &data, &result,
		&assigned, &task.Created, &claimed, &completed, &failed, &errMsg); err != nil {
		return err
	}
	task.Created = task.Created.UTC()
	task.Data = rawOrNil(data)
	task.ResultData = rawOrNil(result)
	if assigned.Valid {
		task.AssignedAgentUUID = &assigned.String
	}
	task.Claimed = nullTimePtr(claimed)
	task.Completed = nullTimePtr(completed)
	task.Failed = nullTimePtr(failed)
	if errMsg.Valid {
		task.Error = &errMsg.String
	}
	return nil
}

func rawOrNil(v sql.NullString) json.RawMessage {
	if !v.Valid {
		return nil
	}
	return json.RawMessage(v.String)
}

// absent treats a missing payload and a JSON null the same way.
func absent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func nullableJSON(raw json.RawMessage) any {
	if absent(raw) {
		return nil
	}
	return string(raw)
}

// --- Claim ---

// ClaimTasks assigns up to maxTasks queued tasks matching the agent's stored
// capabilities, oldest first (ties broken by uuid). Each row is taken with a
// compare-and-set update that only succeeds while the row is still queued, so
// a task is never handed to two agents. The returned slice is fully claimed.
func (t *Tx) ClaimTasks(ctx context.Context, agentUUID string, maxTasks int) ([]Task, error) {
	if maxTasks <= 0 {
		return nil, nil
	}
	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks t
		JOIN agent_capabilities c
		  ON c.agent_uuid = ? AND c.type = t.type AND c.version = t.version
		WHERE `+queuedPredicate+`
		ORDER BY t.created ASC, t.uuid ASC
		LIMIT ?;
	`, agentUUID, maxTasks)
	if err != nil {
		return nil, fmt.Errorf("select claimable tasks: %w", err)
	}
	var candidates []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows, &task); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable task: %w", err)
		}
		candidates = append(candidates, task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("select claimable tasks: iterate: %w", err)
	}
	rows.Close()

	now := t.now()
	claimed := make([]Task, 0, len(candidates))
	var keys []TypeVersion
	seen := make(map[TypeVersion]bool)
	for _, task := range candidates {
		res, err := t.tx.ExecContext(ctx, `
			UPDATE tasks AS t SET assigned_agent_uuid = ?, claimed = ?
			WHERE t.uuid = ? AND `+queuedPredicate+`;
		`, agentUUID, now, task.UUID)
		if err != nil {
			return nil, fmt.Errorf("claim task %s: %w", task.UUID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim task %s: rows affected: %w", task.UUID, err)
		}
		if n != 1 {
			continue
		}
		agent := agentUUID
		claimedAt := now
		task.AssignedAgentUUID = &agent
		task.Claimed = &claimedAt
		claimed = append(claimed, task)
		t.queueTaskEvent(stats.EventClaimed, task, now)

		key := TypeVersion{Type: task.Type, Version: task.Version}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	if err := t.refreshQueueGauges(ctx, keys); err != nil {
		t.store.logger.Warn("queue gauge refresh failed", "error", err)
	}
	return claimed, nil
}

// queueTaskEvent captures the transition at store time at and emits it once
// the transaction commits.
func (t *Tx) queueTaskEvent(ev stats.Event, task Task, at time.Time) {
	if t.store.stats == nil {
		return
	}
	tr := stats.Transition{
		Event:    ev,
		TaskID:   task.UUID,
		TaskType: task.Type,
		Version:  task.Version,
		At:       at,
		Elapsed:  at.Sub(task.Created),
	}
	t.afterCommit(func(ctx context.Context) {
		t.store.stats.TaskEvent(ctx, tr)
	})
}

// --- Terminal transitions ---

// CompleteTask marks a claimed task completed with result.
func (t *Tx) CompleteTask(ctx context.Context, taskUUID string, result json.RawMessage) error {
	if absent(result) {
		return fmt.Errorf("complete task: result required: %w", ErrInvalidArguments)
	}
	return t.FinishTask(ctx, taskUUID, result, nil)
}

// FailTask marks a claimed task failed with errMsg.
func (t *Tx) FailTask(ctx context.Context, taskUUID, errMsg string) error {
	return t.FinishTask(ctx, taskUUID, nil, &errMsg)
}

// FinishTask moves a claimed task to a terminal state. Exactly one of result
// and errMsg must be supplied. A task that is already terminal, or that was
// never claimed, is left untouched and ErrIllegalState is returned.
func (t *Tx) FinishTask(ctx context.Context, taskUUID string, result json.RawMessage, errMsg *string) error {
	hasResult := !absent(result)
	if hasResult == (errMsg != nil) {
		return fmt.Errorf("finish task %s: exactly one of result and error required: %w", taskUUID, ErrInvalidArguments)
	}
	if hasResult && !json.Valid(result) {
		return fmt.Errorf("finish task %s: result is not valid JSON: %w", taskUUID, ErrInvalidArguments)
	}

	task, err := t.getTask(ctx, taskUUID)
	if err != nil {
		return err
	}
	if task.Completed != nil || task.Failed != nil {
		return fmt.Errorf("finish task %s: already %s: %w", taskUUID, task.State(), ErrIllegalState)
	}
	if task.Claimed == nil {
		return fmt.Errorf("finish task %s: never claimed: %w", taskUUID, ErrIllegalState)
	}

	now := t.now()
	guard := `WHERE t.uuid = ? AND t.claimed IS NOT NULL AND t.completed IS NULL AND t.failed IS NULL;`
	var res sql.Result
	event := stats.EventCompleted
	if hasResult {
		res, err = t.tx.ExecContext(ctx, `UPDATE tasks AS t SET completed = ?, result_data = ? `+guard,
			now, string(result), taskUUID)
	} else {
		event = stats.EventError
		res, err = t.tx.ExecContext(ctx, `UPDATE tasks AS t SET failed = ?, error = ? `+guard,
			now, *errMsg, taskUUID)
	}
	if err != nil {
		return fmt.Errorf("finish task %s: %w", taskUUID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish task %s: rows affected: %w", taskUUID, err)
	}
	if n != 1 {
		return fmt.Errorf("finish task %s: %w", taskUUID, ErrIllegalState)
	}

	t.queueTaskEvent(event, *task, now)
	if err := t.refreshQueueGauges(ctx, []TypeVersion{{Type: task.Type, Version: task.Version}}); err != nil {
		t.store.logger.Warn("queue gauge refresh failed", "error", err)
	}
	return nil
}

// ReconcileInactiveAgents fails every unfinished task assigned to an agent
// whose last_seen is before threshold. Terminal tasks are never touched, so
// running it twice is harmless.
func (t *Tx) ReconcileInactiveAgents(ctx context.Context, threshold time.Time) (int64, error) {
	const stale = `t.assigned_agent_uuid IN (SELECT uuid FROM agents WHERE last_seen < ?)
		AND t.completed IS NULL AND t.failed IS NULL`
	threshold = threshold.UTC()

	rows, err := t.tx.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks t WHERE `+stale+`
		ORDER BY t.created ASC, t.uuid ASC;
	`, threshold)
	if err != nil {
		return 0, fmt.Errorf("select orphaned tasks: %w", err)
	}
	var orphaned []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows, &task); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan orphaned task: %w", err)
		}
		orphaned = append(orphaned, task)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("select orphaned tasks: iterate: %w", err)
	}
	rows.Close()
	if len(orphaned) == 0 {
		return 0, nil
	}

	failedAt := t.now()
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tasks AS t SET failed = ?, error = ? WHERE `+stale+`;
	`, failedAt, InactiveAgentError, threshold)
	if err != nil {
		return 0, fmt.Errorf("fail orphaned tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail orphaned tasks: rows affected: %w", err)
	}

	var keys []TypeVersion
	seen := make(map[TypeVersion]bool)
	for _, task := range orphaned {
		t.queueTaskEvent(stats.EventError, task, failedAt)
		key := TypeVersion{Type: task.Type, Version: task.Version}
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	if err := t.refreshQueueGauges(ctx, keys); err != nil {
		t.store.logger.Warn("queue gauge refresh failed", "error", err)
	}
	t.store.logger.Info("reconciled tasks of inactive agents", "count", n, "threshold", threshold)
	return n, nil
}

// --- Summaries ---

// TaskSummary groups non-terminal tasks by (type, version) in one pass,
// counting queued and in-flight rows.
func (t *Tx) TaskSummary(ctx context.Context, filter TaskFilter) ([]TaskSummary, error) {
	return taskSummary(ctx, t.tx, filter)
}

// TaskSummary is the read-only form of Tx.TaskSummary.
func (s *Store) TaskSummary(ctx context.Context, filter TaskFilter) ([]TaskSummary, error) {
	return taskSummary(ctx, s.db, filter)
}

func taskSummary(ctx context.Context, q queryer, filter TaskFilter) ([]TaskSummary, error) {
	where := []string{`t.completed IS NULL`, `t.failed IS NULL`}
	var args []any
	if filter.Type != "" {
		where = append(where, `t.type = ?`)
		args = append(args, filter.Type)
	}
	if filter.Version != nil {
		where = append(where, `t.version = ?`)
		args = append(args, *filter.Version)
	}
	if filter.AgentUUID != "" {
		where = append(where, `t.assigned_agent_uuid = ?`)
		args = append(args, filter.AgentUUID)
	}
	rows, err := q.QueryContext(ctx, `
		SELECT t.type, t.version,
			SUM(CASE WHEN `+queuedPredicate+` THEN 1 ELSE 0 END),
			SUM(CASE WHEN `+inFlightPredicate+` THEN 1 ELSE 0 END)
		FROM tasks t
		WHERE `+strings.Join(where, " AND ")+`
		GROUP BY t.type, t.version
		ORDER BY t.type ASC, t.version ASC;
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("task summary: %w", err)
	}
	defer rows.Close()
	var out []TaskSummary
	for rows.Next() {
		var s TaskSummary
		if err := rows.Scan(&s.Type, &s.Version, &s.Queued, &s.Processing); err != nil {
			return nil, fmt.Errorf("scan task summary: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task summary: iterate: %w", err)
	}
	return out, nil
}

// PublishQueueGauges republishes queue and processing gauges for every
// (type, version) with unfinished tasks.
func (t *Tx) PublishQueueGauges(ctx context.Context) error {
	summary, err := t.TaskSummary(ctx, TaskFilter{})
	if err != nil {
		return err
	}
	keys := make([]TypeVersion, 0, len(summary))
	for _, s := range summary {
		keys = append(keys, TypeVersion{Type: s.Type, Version: s.Version})
	}
	return t.refreshQueueGauges(ctx, keys)
}

// PublishCapabilityGauges publishes agent availability per (type, version),
// counting only agents seen at or after activeSince when it is set.
func (t *Tx) PublishCapabilityGauges(ctx context.Context, activeSince *time.Time) error {
	if t.store.stats == nil {
		return nil
	}
	summary, err := t.CapabilitySummary(ctx, activeSince)
	if err != nil {
		return err
	}
	t.afterCommit(func(ctx context.Context) {
		for _, s := range summary {
			t.store.stats.CapabilityGauge(ctx, s.Type, s.Version, s.Count)
		}
	})
	return nil
}

// --- Lookup ---

// GetTask returns the task or ErrNotFound.
func (t *Tx) GetTask(ctx context.Context, taskUUID string) (*Task, error) {
	return t.getTask(ctx, taskUUID)
}

func (t *Tx) getTask(ctx context.Context, taskUUID string) (*Task, error) {
	var task Task
	err := scanTask(t.tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.uuid = ?;`, taskUUID), &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskUUID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// GetTask returns the task or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskUUID string) (*Task, error) {
	var task Task
	err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks t WHERE t.uuid = ?;`, taskUUID), &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", taskUUID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListTasks returns tasks matching filter in FIFO order. Limit defaults to 100.
func (s *Store) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	var where []string
	var args []any
	if filter.Type != "" {
		where = append(where, `t.type = ?`)
		args = append(args, filter.Type)
	}
	if filter.Version != nil {
		where = append(where, `t.version = ?`)
		args = append(args, *filter.Version)
	}
	if filter.AgentUUID != "" {
		where = append(where, `t.assigned_agent_uuid = ?`)
		args = append(args, filter.AgentUUID)
	}
	switch filter.State {
	case "":
	case TaskStateQueued:
		where = append(where, queuedPredicate)
	case TaskStateClaimed:
		where = append(where, `t.assigned_agent_uuid IS NOT NULL AND t.completed IS NULL AND t.failed IS NULL`)
	case TaskStateCompleted:
		where = append(where, `t.completed IS NOT NULL`)
	case TaskStateFailed:
		where = append(where, `t.failed IS NOT NULL`)
	default:
		return nil, fmt.Errorf("list tasks: unknown state %q: %w", filter.State, ErrInvalidArguments)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks t`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY t.created ASC, t.uuid ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tasks: iterate: %w", err)
	}
	return out, nil
}

// --- Submission ---

// PostTask inserts a queued task and emits the posted event.
func (s *Store) PostTask(ctx context.Context, nt NewTask) (Task, error) {
	if strings.TrimSpace(nt.Type) == "" {
		return Task{}, fmt.Errorf("post task: type required: %w", ErrInvalidArguments)
	}
	if nt.Version < 0 {
		return Task{}, fmt.Errorf("post task: negative version: %w", ErrInvalidArguments)
	}
	if !absent(nt.Data) && !json.Valid(nt.Data) {
		return Task{}, fmt.Errorf("post task: data is not valid JSON: %w", ErrInvalidArguments)
	}
	id := uuid.NewString()
	if nt.UUID != "" {
		parsed, err := uuid.Parse(nt.UUID)
		if err != nil {
			return Task{}, fmt.Errorf("post task: task id %q: %w", nt.UUID, ErrInvalidArguments)
		}
		id = parsed.String()
	}

	var task Task
	err := s.WithTxRetry(ctx, func(ctx context.Context, tx *Tx) error {
		var exists int
		err := tx.tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE uuid = ?;`, id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("post task: check uuid: %w", err)
		}
		if exists > 0 {
			return fmt.Errorf("post task %s: %w", id, ErrAlreadyExists)
		}
		created := tx.now()
		if _, err := tx.tx.ExecContext(ctx, `
			INSERT INTO tasks (uuid, test_id, type, version, data, created)
			VALUES (?, ?, ?, ?, ?, ?);
		`, id, nt.TestID, nt.Type, nt.Version, nullableJSON(nt.Data), created); err != nil {
			return fmt.Errorf("post task: insert: %w", err)
		}
		task = Task{UUID: id, TestID: nt.TestID, Type: nt.Type, Version: nt.Version, Created: created}
		if !absent(nt.Data) {
			task.Data = nt.Data
		}
		tx.queueTaskEvent(stats.EventPosted, task, created)
		return tx.refreshQueueGauges(ctx, []TypeVersion{{Type: nt.Type, Version: nt.Version}})
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// DeleteTask removes a task administratively and emits the deleted event.
func (s *Store) DeleteTask(ctx context.Context, taskUUID string) error {
	return s.WithTxRetry(ctx, func(ctx context.Context, tx *Tx) error {
		task, err := tx.getTask(ctx, taskUUID)
		if err != nil {
			return err
		}
		if _, err := tx.tx.ExecContext(ctx, `DELETE FROM tasks WHERE uuid = ?;`, taskUUID); err != nil {
			return fmt.Errorf("delete task: %w", err)
		}
		tx.queueTaskEvent(stats.EventDeleted, *task, tx.now())
		return tx.refreshQueueGauges(ctx, []TypeVersion{{Type: task.Type, Version: task.Version}})
	})
}
