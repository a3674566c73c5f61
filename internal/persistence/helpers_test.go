package persistence_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-afm/internal/persistence"
	"github.com/basket/go-afm/internal/stats"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	store *persistence.Store
	rec   *stats.Recorder
	clock *fakeClock
	path  string
}

func openTestStore(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "afm.db")
	rec := stats.NewRecorder()
	clock := newFakeClock()
	store, err := persistence.Open(path,
		persistence.WithStats(stats.NewEmitter(rec, nil, nil)),
		persistence.WithClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return &fixture{store: store, rec: rec, clock: clock, path: path}
}

// poll registers the agent with caps at the current clock and claims up to max tasks.
func (f *fixture) poll(t *testing.T, agentUUID string, caps map[string]int, max int) []persistence.Task {
	t.Helper()
	var claimed []persistence.Task
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx *persistence.Tx) error {
		agent, _, err := tx.GetOrCreateAgent(ctx, agentUUID, "agent-"+agentUUID[:8])
		if err != nil {
			return err
		}
		agent.LastSeen = f.clock.Now()
		if err := tx.UpsertAgent(ctx, agent); err != nil {
			return err
		}
		if _, _, err := tx.ReplaceCapabilities(ctx, agentUUID, caps); err != nil {
			return err
		}
		claimed, err = tx.ClaimTasks(ctx, agentUUID, max)
		return err
	})
	if err != nil {
		t.Fatalf("poll %s: %v", agentUUID, err)
	}
	return claimed
}

// post inserts a task and advances the clock one second so created times differ.
func (f *fixture) post(t *testing.T, typ string, version int) persistence.Task {
	t.Helper()
	task, err := f.store.PostTask(context.Background(), persistence.NewTask{
		TestID:  "test-1",
		Type:    typ,
		Version: version,
		Data:    json.RawMessage(`{"target":"example.org"}`),
	})
	if err != nil {
		t.Fatalf("post task: %v", err)
	}
	f.clock.Advance(time.Second)
	return task
}

func (f *fixture) task(t *testing.T, id string) *persistence.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task %s: %v", id, err)
	}
	return task
}

func (f *fixture) finish(t *testing.T, id string, result json.RawMessage, errMsg *string) error {
	t.Helper()
	return f.store.WithTx(context.Background(), func(ctx context.Context, tx *persistence.Tx) error {
		return tx.FinishTask(ctx, id, result, errMsg)
	})
}

func strPtr(s string) *string { return &s }
