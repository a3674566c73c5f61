package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

// Agent is a remote worker that polls for tasks.
type Agent struct {
	UUID     string    `json:"agent_id"`
	Name     string    `json:"agent_name"`
	LastSeen time.Time `json:"last_seen"`
}

// Capability is one (type, version) pair an agent can execute.
type Capability struct {
	AgentUUID string `json:"agent_id"`
	Type      string `json:"type"`
	Version   int    `json:"version"`
}

// CapabilitySummary counts agents able to run a type at a version.
type CapabilitySummary struct {
	Type    string `json:"type"`
	Version int    `json:"version"`
	Count   int64  `json:"count"`
}

// AgentInfo is an agent together with its current capabilities.
type AgentInfo struct {
	Agent
	Capabilities []Capability `json:"capabilities"`
}

// --- Agent registry ---

// GetOrCreateAgent returns the stored agent for uuid, or a new unsaved agent
// with the given name (created == true). last_seen is never modified here;
// callers persist the agent with UpsertAgent once the poll is staged.
func (t *Tx) GetOrCreateAgent(ctx context.Context, uuid, name string) (*Agent, bool, error) {
	var a Agent
	err := t.tx.QueryRowContext(ctx, `
		SELECT uuid, name, last_seen FROM agents WHERE uuid = ?;
	`, uuid).Scan(&a.UUID, &a.Name, &a.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return &Agent{UUID: uuid, Name: name}, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get agent: %w", err)
	}
	a.LastSeen = a.LastSeen.UTC()
	return &a, false, nil
}

// UpsertAgent inserts the agent or updates its name and last_seen.
func (t *Tx) UpsertAgent(ctx context.Context, a *Agent) error {
	if a == nil || a.UUID == "" {
		return fmt.Errorf("upsert agent: %w", ErrInvalidArguments)
	}
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO agents (uuid, name, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET name = excluded.name, last_seen = excluded.last_seen;
	`, a.UUID, a.Name, a.LastSeen.UTC()); err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	return nil
}

// EvictInactive deletes every agent with last_seen before threshold. Their
// unfinished tasks go back to the queue (assignment and claim time cleared)
// and their capabilities are removed, all in the caller's transaction.
// Tasks are not failed here; see ReconcileInactiveAgents.
func (t *Tx) EvictInactive(ctx context.Context, threshold time.Time) (int64, error) {
	threshold = threshold.UTC()
	if _, err := t.tx.ExecContext(ctx, `
		UPDATE tasks
		SET assigned_agent_uuid = NULL, claimed = NULL
		WHERE completed IS NULL AND failed IS NULL
		  AND assigned_agent_uuid IN (SELECT uuid FROM agents WHERE last_seen < ?);
	`, threshold); err != nil {
		return 0, fmt.Errorf("evict: release tasks: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `
		DELETE FROM agent_capabilities
		WHERE agent_uuid IN (SELECT uuid FROM agents WHERE last_seen < ?);
	`, threshold); err != nil {
		return 0, fmt.Errorf("evict: delete capabilities: %w", err)
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM agents WHERE last_seen < ?;`, threshold)
	if err != nil {
		return 0, fmt.Errorf("evict: delete agents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("evict: rows affected: %w", err)
	}
	if n > 0 {
		t.store.logger.Info("evicted inactive agents", "count", n, "threshold", threshold)
	}
	return n, nil
}

// --- Capability index ---

// Capabilities returns the agent's capabilities ordered by type and version.
func (t *Tx) Capabilities(ctx context.Context, agentUUID string) ([]Capability, error) {
	return queryCapabilities(ctx, t.tx, agentUUID)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryCapabilities(ctx context.Context, q queryer, agentUUID string) ([]Capability, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT agent_uuid, type, version FROM agent_capabilities
		WHERE agent_uuid = ? ORDER BY type ASC, version ASC;
	`, agentUUID)
	if err != nil {
		return nil, fmt.Errorf("list capabilities: %w", err)
	}
	defer rows.Close()
	var out []Capability
	for rows.Next() {
		var c Capability
		if err := rows.Scan(&c.AgentUUID, &c.Type, &c.Version); err != nil {
			return nil, fmt.Errorf("scan capability: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list capabilities: iterate: %w", err)
	}
	return out, nil
}

// ReplaceCapabilities makes the agent's stored capability set equal to
// declared (type -> version). Rows whose type is no longer declared, or whose
// version changed, are deleted; missing pairs are inserted; matching rows are
// left alone. The agent row must already exist.
func (t *Tx) ReplaceCapabilities(ctx context.Context, agentUUID string, declared map[string]int) (added, removed int, err error) {
	current, err := t.Capabilities(ctx, agentUUID)
	if err != nil {
		return 0, 0, err
	}

	kept := make(map[string]bool, len(current))
	for _, c := range current {
		if v, ok := declared[c.Type]; ok && v == c.Version && !kept[c.Type] {
			kept[c.Type] = true
			continue
		}
		if _, err := t.tx.ExecContext(ctx, `
			DELETE FROM agent_capabilities WHERE agent_uuid = ? AND type = ? AND version = ?;
		`, agentUUID, c.Type, c.Version); err != nil {
			return added, removed, fmt.Errorf("remove capability %s:%d: %w", c.Type, c.Version, err)
		}
		removed++
	}

	types := make([]string, 0, len(declared))
	for typ := range declared {
		if !kept[typ] {
			types = append(types, typ)
		}
	}
	sort.Strings(types)
	for _, typ := range types {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO agent_capabilities (agent_uuid, type, version) VALUES (?, ?, ?);
		`, agentUUID, typ, declared[typ]); err != nil {
			return added, removed, fmt.Errorf("add capability %s:%d: %w", typ, declared[typ], err)
		}
		added++
	}
	return added, removed, nil
}

// CapabilitySummary counts agents per (type, version). When activeSince is
// set only agents seen at or after it are counted.
func (t *Tx) CapabilitySummary(ctx context.Context, activeSince *time.Time) ([]CapabilitySummary, error) {
	return capabilitySummary(ctx, t.tx, activeSince)
}

func capabilitySummary(ctx context.Context, q queryer, activeSince *time.Time) ([]CapabilitySummary, error) {
	query := `
		SELECT c.type, c.version, COUNT(DISTINCT c.agent_uuid)
		FROM agent_capabilities c JOIN agents a ON a.uuid = c.agent_uuid`
	var args []any
	if activeSince != nil {
		query += ` WHERE a.last_seen >= ?`
		args = append(args, activeSince.UTC())
	}
	query += ` GROUP BY c.type, c.version ORDER BY c.type ASC, c.version ASC;`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("capability summary: %w", err)
	}
	defer rows.Close()
	var out []CapabilitySummary
	for rows.Next() {
		var s CapabilitySummary
		if err := rows.Scan(&s.Type, &s.Version, &s.Count); err != nil {
			return nil, fmt.Errorf("scan capability summary: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("capability summary: iterate: %w", err)
	}
	return out, nil
}

// CapabilitySummary is the read-only form of Tx.CapabilitySummary.
func (s *Store) CapabilitySummary(ctx context.Context, activeSince *time.Time) ([]CapabilitySummary, error) {
	return capabilitySummary(ctx, s.db, activeSince)
}

// ListAgents returns all agents with their capabilities, most recently seen first.
func (s *Store) ListAgents(ctx context.Context) ([]AgentInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT uuid, name, last_seen FROM agents ORDER BY last_seen DESC, uuid ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	var out []AgentInfo
	for rows.Next() {
		var info AgentInfo
		if err := rows.Scan(&info.UUID, &info.Name, &info.LastSeen); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		info.LastSeen = info.LastSeen.UTC()
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	rows.Close()

	// Single connection: the agents cursor must be closed before the next query.
	for i := range out {
		caps, err := queryCapabilities(ctx, s.db, out[i].UUID)
		if err != nil {
			return nil, err
		}
		out[i].Capabilities = caps
	}
	return out, nil
}
