package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-afm/internal/stats"
	"github.com/cenkalti/backoff/v5"
	"github.com/mattn/go-sqlite3"
)

const (
	// v1 schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "afm-v1-2026-10-16-fleet"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// InactiveAgentError is stored on tasks failed by reconciliation.
const InactiveAgentError = "Assigned agent reached last seen threshold and is now considered as inactive."

var (
	// ErrNotFound is returned when a task or agent does not exist.
	ErrNotFound = errors.New("not found")
	// ErrIllegalState is returned when a transition is not allowed from the
	// task's current state (already terminal, never claimed).
	ErrIllegalState = errors.New("illegal task state")
	// ErrInvalidArguments is returned when a result carries both or neither of
	// result data and error.
	ErrInvalidArguments = errors.New("invalid arguments")
	// ErrAlreadyExists is returned when posting a task whose uuid is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// Store is the SQLite-backed agent/capability/task store.
type Store struct {
	db     *sql.DB
	stats  *stats.Emitter
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithStats routes lifecycle events and gauges to e.
func WithStats(e *stats.Emitter) Option {
	return func(s *Store) { s.stats = e }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l.With("component", "store")
		}
	}
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".afm", "afm.db")
}

// Open opens (and migrates) the database at path.
//
// Every transaction starts with BEGIN IMMEDIATE so the write lock is taken
// before the claim query reads candidate rows; SQLite has no row-level
// SELECT ... FOR UPDATE and this is the equivalent guarantee.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, logger: slog.Default().With("component", "store"), now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks database reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Backup writes an online-consistent copy of the database to destPath using
// VACUUM INTO. destPath must not exist.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

// busyBackoff spaces out retries after SQLITE_BUSY: 50ms doubling to a
// 500ms cap with 25% jitter, on top of the driver's 5s busy_timeout.
func busyBackoff() *backoff.ExponentialBackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     50 * time.Millisecond,
		RandomizationFactor: 0.25,
		Multiplier:          2,
		MaxInterval:         500 * time.Millisecond,
	}
}

// retryOnBusy calls f until it succeeds, fails with something other than
// BUSY or LOCKED, or has been retried maxRetries times.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := f()
		if err != nil && !IsBusy(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(busyBackoff()),
		backoff.WithMaxTries(uint(maxRetries)+1),
		backoff.WithMaxElapsedTime(0),
	)
	return err
}

// IsBusy reports whether err is a SQLite BUSY (5) or LOCKED (6) error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	// Errors that crossed a string boundary (fmt.Errorf without %w).
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			uuid TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			last_seen DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agent_capabilities (
			agent_uuid TEXT NOT NULL REFERENCES agents(uuid) ON DELETE CASCADE ON UPDATE CASCADE,
			type TEXT NOT NULL,
			version INTEGER NOT NULL,
			PRIMARY KEY (agent_uuid, type, version)
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			uuid TEXT PRIMARY KEY,
			test_id TEXT NOT NULL,
			type TEXT NOT NULL,
			version INTEGER NOT NULL,
			data TEXT,
			result_data TEXT,
			assigned_agent_uuid TEXT REFERENCES agents(uuid) ON DELETE SET NULL,
			created DATETIME NOT NULL,
			claimed DATETIME,
			completed DATETIME,
			failed DATETIME,
			error TEXT,
			CHECK (completed IS NULL OR failed IS NULL),
			CHECK ((failed IS NULL) = (error IS NULL))
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_last_seen ON agents(last_seen);`,
		`CREATE INDEX IF NOT EXISTS idx_capabilities_type_version ON agent_capabilities(type, version);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(type, version, created)
			WHERE assigned_agent_uuid IS NULL AND completed IS NULL AND failed IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assigned ON tasks(assigned_agent_uuid);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("record schema migration: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// Tx is one unit of work. Stats produced while it is open are held back and
// emitted only after a successful commit.
type Tx struct {
	tx      *sql.Tx
	store   *Store
	pending []func(context.Context)
}

// WithTx runs fn inside a single transaction. fn's error (or a commit error)
// rolls everything back.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	tx := &Tx{tx: sqlTx, store: s}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	tx.flush(context.WithoutCancel(ctx))
	return nil
}

// WithTxRetry is WithTx retried on SQLite BUSY. Request paths use WithTx and
// leave retries to the remote caller; this is for submissions and background
// sweeps.
func (s *Store) WithTxRetry(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	return retryOnBusy(ctx, 5, func() error {
		return s.WithTx(ctx, fn)
	})
}

// Savepoint runs fn inside a nested SAVEPOINT. A failure rolls back only the
// work done by fn; the enclosing transaction stays usable.
func (t *Tx) Savepoint(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name+";"); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	mark := len(t.pending)
	if err := fn(ctx); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name+";"); rbErr != nil {
			return errors.Join(err, fmt.Errorf("rollback to savepoint %s: %w", name, rbErr))
		}
		_, _ = t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name+";")
		t.pending = t.pending[:mark]
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name+";"); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

func (t *Tx) now() time.Time {
	return t.store.now().UTC()
}

// Now returns the store clock in UTC.
func (t *Tx) Now() time.Time {
	return t.now()
}

func (t *Tx) afterCommit(fn func(context.Context)) {
	t.pending = append(t.pending, fn)
}

func (t *Tx) flush(ctx context.Context) {
	for _, fn := range t.pending {
		fn(ctx)
	}
	t.pending = nil
}

// refreshQueueGauges queues gauge publication for the given type/version pairs
// using counts read inside the transaction.
func (t *Tx) refreshQueueGauges(ctx context.Context, keys []TypeVersion) error {
	if t.store.stats == nil {
		return nil
	}
	for _, key := range keys {
		summary, err := t.TaskSummary(ctx, TaskFilter{Type: key.Type, Version: &key.Version})
		if err != nil {
			return err
		}
		queued, processing := int64(0), int64(0)
		if len(summary) > 0 {
			queued, processing = summary[0].Queued, summary[0].Processing
		}
		typ, ver := key.Type, key.Version
		t.afterCommit(func(ctx context.Context) {
			t.store.stats.QueueGauge(ctx, typ, ver, queued, processing)
		})
	}
	return nil
}

// TypeVersion identifies a task type at a protocol version.
type TypeVersion struct {
	Type    string
	Version int
}

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
