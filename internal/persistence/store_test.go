package persistence_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-afm/internal/persistence"
	"github.com/basket/go-afm/internal/stats"
)

const (
	agentA = "11111111-1111-4111-8111-111111111111"
	agentB = "22222222-2222-4222-8222-222222222222"
)

func queryOneString(t *testing.T, db *sql.DB, q string) string {
	t.Helper()
	var out string
	if err := db.QueryRow(q).Scan(&out); err != nil {
		t.Fatalf("query %q: %v", q, err)
	}
	return out
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	f := openTestStore(t)
	db := f.store.DB()

	if journal := queryOneString(t, db, "PRAGMA journal_mode;"); journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}
	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	for _, table := range []string{"schema_migrations", "agents", "agent_capabilities", "tasks"} {
		var got string
		if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name = ?", table).Scan(&got); err != nil {
			t.Fatalf("table %s not found: %v", table, err)
		}
	}
}

func TestStore_MigrationLedgerHasChecksum(t *testing.T) {
	f := openTestStore(t)
	var version int
	var checksum string
	if err := f.store.DB().QueryRow(`SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;`).Scan(&version, &checksum); err != nil {
		t.Fatalf("query schema_migrations: %v", err)
	}
	if version != 1 {
		t.Fatalf("expected version 1, got %d", version)
	}
	if checksum == "" {
		t.Fatalf("expected non-empty checksum")
	}
}

func TestStore_ReopenIsIdempotent(t *testing.T) {
	f := openTestStore(t)
	f.post(t, "ping", 1)
	_ = f.store.Close()

	store, err := persistence.Open(f.path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer store.Close()
	tasks, err := store.ListTasks(context.Background(), persistence.TaskFilter{})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task after reopen, got %d", len(tasks))
	}
}

func TestStore_OpenRejectsFutureSchemaVersion(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "afm.db")
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		t.Fatalf("create schema_migrations: %v", err)
	}
	if _, err := db.Exec(`INSERT INTO schema_migrations(version, checksum) VALUES(999, 'future');`); err != nil {
		t.Fatalf("insert future version: %v", err)
	}
	_ = db.Close()

	_, err = persistence.Open(dbPath)
	if err == nil {
		t.Fatalf("expected error for future schema version")
	}
	if !strings.Contains(err.Error(), "newer than supported") {
		t.Fatalf("expected newer-version error, got %v", err)
	}
}

func TestStore_OpenRejectsChecksumMismatch(t *testing.T) {
	f := openTestStore(t)
	if _, err := f.store.DB().Exec(`UPDATE schema_migrations SET checksum='tampered' WHERE version=1;`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	_ = f.store.Close()

	_, err := persistence.Open(f.path)
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestStore_RolledBackTxEmitsNothing(t *testing.T) {
	f := openTestStore(t)
	task := f.post(t, "ping", 1)
	f.rec.Reset()

	boom := errors.New("boom")
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx *persistence.Tx) error {
		agent, _, err := tx.GetOrCreateAgent(ctx, agentA, "a")
		if err != nil {
			return err
		}
		agent.LastSeen = f.clock.Now()
		if err := tx.UpsertAgent(ctx, agent); err != nil {
			return err
		}
		if _, _, err := tx.ReplaceCapabilities(ctx, agentA, map[string]int{"ping": 1}); err != nil {
			return err
		}
		claimed, err := tx.ClaimTasks(ctx, agentA, 1)
		if err != nil {
			return err
		}
		if len(claimed) != 1 {
			t.Fatalf("expected claim inside tx, got %d", len(claimed))
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := f.task(t, task.UUID); got.State() != persistence.TaskStateQueued {
		t.Fatalf("expected task to stay queued after rollback, got %s", got.State())
	}
	if n := len(f.rec.Measurements()); n != 0 {
		t.Fatalf("expected no stats from rolled back tx, got %d", n)
	}
}

func TestStore_SavepointFailureKeepsOuterWork(t *testing.T) {
	f := openTestStore(t)
	boom := errors.New("cleanup failed")
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx *persistence.Tx) error {
		if err := tx.UpsertAgent(ctx, &persistence.Agent{UUID: agentA, Name: "outer", LastSeen: f.clock.Now()}); err != nil {
			return err
		}
		spErr := tx.Savepoint(ctx, "inner", func(ctx context.Context) error {
			if err := tx.UpsertAgent(ctx, &persistence.Agent{UUID: agentB, Name: "inner", LastSeen: f.clock.Now()}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(spErr, boom) {
			t.Fatalf("expected savepoint to return boom, got %v", spErr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("outer tx: %v", err)
	}
	agents, err := f.store.ListAgents(context.Background())
	if err != nil {
		t.Fatalf("list agents: %v", err)
	}
	if len(agents) != 1 || agents[0].UUID != agentA {
		t.Fatalf("expected only outer agent to persist, got %+v", agents)
	}
}

func TestStore_Backup(t *testing.T) {
	f := openTestStore(t)
	f.post(t, "ping", 1)

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := f.store.Backup(context.Background(), dest); err != nil {
		t.Fatalf("backup: %v", err)
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	if err := f.store.Backup(context.Background(), dest); err == nil {
		t.Fatalf("expected error when destination exists")
	}

	copyStore, err := persistence.Open(dest, persistence.WithStats(stats.NewEmitter(nil, nil, nil)))
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer copyStore.Close()
	tasks, err := copyStore.ListTasks(context.Background(), persistence.TaskFilter{})
	if err != nil {
		t.Fatalf("list backup tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task in backup, got %d", len(tasks))
	}
}

func TestStore_DefaultDBPathUnderHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	want := filepath.Join(home, ".afm", "afm.db")
	if got := persistence.DefaultDBPath(); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}
