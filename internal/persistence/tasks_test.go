package persistence_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-afm/internal/persistence"
	"github.com/basket/go-afm/internal/stats"
)

var pingTags = []stats.Tag{{Key: stats.TagType, Value: "ping"}, {Key: stats.TagVersion, Value: "1"}}

func TestTasks_ClaimAssignsAgent(t *testing.T) {
	f := openTestStore(t)
	task := f.post(t, "ping", 1)
	f.post(t, "ping", 2)
	f.post(t, "dns", 1)

	claimed := f.poll(t, agentA, map[string]int{"ping": 1}, 10)
	if len(claimed) != 1 || claimed[0].UUID != task.UUID {
		t.Fatalf("expected only ping:1 task, got %+v", claimed)
	}
	got := f.task(t, task.UUID)
	if got.AssignedAgentUUID == nil || *got.AssignedAgentUUID != agentA {
		t.Fatalf("expected assignment to %s, got %v", agentA, got.AssignedAgentUUID)
	}
	if got.Claimed == nil || !got.Claimed.Equal(f.clock.Now()) {
		t.Fatalf("expected claimed at %v, got %v", f.clock.Now(), got.Claimed)
	}
	if string(claimed[0].Data) != `{"target":"example.org"}` {
		t.Fatalf("unexpected data: %s", claimed[0].Data)
	}
	if n := f.rec.Count("incr", stats.MetricTasks, stats.Tag{Key: stats.TagEvent, Value: "claimed"}); n != 1 {
		t.Fatalf("expected 1 claimed count, got %d", n)
	}
	if n := f.rec.Count("timing", stats.MetricTaskLatency, append(pingTags, stats.Tag{Key: stats.TagEvent, Value: "claimed"})...); n != 1 {
		t.Fatalf("expected 1 claimed timing, got %d", n)
	}
}

func TestTasks_ClaimFIFOAcrossInsertOrder(t *testing.T) {
	f := openTestStore(t)
	base := f.clock.Now()
	// Insert t3, t1, t2 so insertion order differs from created order.
	offsets := []time.Duration{3 * time.Second, 1 * time.Second, 2 * time.Second}
	byOffset := map[time.Duration]string{}
	for _, off := range offsets {
		f.clock.Set(base.Add(off))
		task, err := f.store.PostTask(context.Background(), persistence.NewTask{TestID: "fifo", Type: "ping", Version: 1})
		if err != nil {
			t.Fatalf("post: %v", err)
		}
		byOffset[off] = task.UUID
	}
	f.clock.Set(base.Add(time.Minute))

	for i, off := range []time.Duration{time.Second, 2 * time.Second, 3 * time.Second} {
		claimed := f.poll(t, agentA, map[string]int{"ping": 1}, 1)
		if len(claimed) != 1 {
			t.Fatalf("claim %d: expected 1 task, got %d", i, len(claimed))
		}
		if claimed[0].UUID != byOffset[off] {
			t.Fatalf("claim %d: expected task created at +%v, got %s", i, off, claimed[0].UUID)
		}
	}
}

func TestTasks_ClaimRespectsLimit(t *testing.T) {
	f := openTestStore(t)
	for i := 0; i < 5; i++ {
		f.post(t, "ping", 1)
	}
	if claimed := f.poll(t, agentA, map[string]int{"ping": 1}, 0); len(claimed) != 0 {
		t.Fatalf("expected max_tasks=0 to claim nothing, got %d", len(claimed))
	}
	if claimed := f.poll(t, agentA, map[string]int{"ping": 1}, -3); len(claimed) != 0 {
		t.Fatalf("expected negative max_tasks to claim nothing, got %d", len(claimed))
	}
	if claimed := f.poll(t, agentA, map[string]int{"ping": 1}, 3); len(claimed) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(claimed))
	}
	if claimed := f.poll(t, agentA, map[string]int{"ping": 1}, 3); len(claimed) != 2 {
		t.Fatalf("expected remaining 2 claimed, got %d", len(claimed))
	}
}

func TestTasks_ConcurrentClaimNeverDoubleAssigns(t *testing.T) {
	f := openTestStore(t)
	// A second handle on the same file has its own connection, so claims
	// from the two stores really contend for the database lock.
	other, err := persistence.Open(f.path, persistence.WithClock(f.clock.Now))
	if err != nil {
		t.Fatalf("open second store: %v", err)
	}
	t.Cleanup(func() { _ = other.Close() })
	stores := []*persistence.Store{f.store, other}

	const numTasks = 40
	for i := 0; i < numTasks; i++ {
		f.post(t, "ping", 1)
	}

	agents := make([]string, 8)
	for i := range agents {
		agents[i] = fmt.Sprintf("%08d-0000-4000-8000-000000000000", i+1)
		f.poll(t, agents[i], map[string]int{"ping": 1}, 0)
	}

	var mu sync.Mutex
	seen := map[string]string{}
	var dups []string
	var wg sync.WaitGroup
	errs := make(chan error, len(agents))
	for i, agent := range agents {
		wg.Add(1)
		go func(store *persistence.Store, agent string) {
			defer wg.Done()
			for {
				var claimed []persistence.Task
				err := store.WithTxRetry(context.Background(), func(ctx context.Context, tx *persistence.Tx) error {
					var err error
					claimed, err = tx.ClaimTasks(ctx, agent, 2)
					return err
				})
				if err != nil {
					errs <- err
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, task := range claimed {
					if prev, dup := seen[task.UUID]; dup {
						dups = append(dups, fmt.Sprintf("%s by %s and %s", task.UUID, prev, agent))
					}
					seen[task.UUID] = agent
				}
				mu.Unlock()
			}
		}(stores[i%len(stores)], agent)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent claim: %v", err)
	}
	if len(dups) > 0 {
		t.Fatalf("tasks claimed twice: %v", dups)
	}
	if len(seen) != numTasks {
		t.Fatalf("expected all %d tasks claimed once, got %d", numTasks, len(seen))
	}
	for id, agent := range seen {
		got := f.task(t, id)
		if got.AssignedAgentUUID == nil || *got.AssignedAgentUUID != agent {
			t.Fatalf("task %s: stored agent %v, claimed by %s", id, got.AssignedAgentUUID, agent)
		}
	}
}

func TestTasks_CompleteWithEmptyObject(t *testing.T) {
	f := openTestStore(t)
	task := f.post(t, "ping", 1)
	f.poll(t, agentA, map[string]int{"ping": 1}, 1)
	f.rec.Reset()

	if err := f.finish(t, task.UUID, json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got := f.task(t, task.UUID)
	if got.Completed == nil {
		t.Fatalf("expected completed set")
	}
	if string(got.ResultData) != `{}` {
		t.Fatalf("expected result_data {}, got %q", got.ResultData)
	}
	if got.Failed != nil || got.Error != nil {
		t.Fatalf("expected failed/error null, got %v %v", got.Failed, got.Error)
	}
	completed := stats.Tag{Key: stats.TagEvent, Value: "completed"}
	if n := f.rec.Count("incr", stats.MetricTasks, completed); n != 1 {
		t.Fatalf("expected exactly 1 completed count, got %d", n)
	}
	if n := f.rec.Count("timing", stats.MetricTaskLatency, completed); n != 1 {
		t.Fatalf("expected exactly 1 completed timing, got %d", n)
	}
}

func TestTasks_LatencyUsesStoreClock(t *testing.T) {
	f := openTestStore(t)
	task := f.post(t, "ping", 1)
	f.clock.Advance(9 * time.Second)
	f.poll(t, agentA, map[string]int{"ping": 1}, 1)
	f.clock.Advance(5 * time.Second)
	if err := f.finish(t, task.UUID, json.RawMessage(`{"rtt":3}`), nil); err != nil {
		t.Fatalf("complete: %v", err)
	}

	want := map[string]time.Duration{"claimed": 10 * time.Second, "completed": 15 * time.Second}
	got := map[string]time.Duration{}
	for _, m := range f.rec.Measurements() {
		if m.Kind == "timing" && m.Name == stats.MetricTaskLatency {
			got[m.Tags[stats.TagEvent]] = m.Duration
		}
	}
	if len(got) != len(want) {
		t.Fatalf("latency samples = %v, want %v", got, want)
	}
	for ev, d := range want {
		if got[ev] != d {
			t.Fatalf("latency{%s} = %v, want %v", ev, got[ev], d)
		}
	}
}

func TestTasks_CompleteTask(t *testing.T) {
	f := openTestStore(t)
	task := f.post(t, "ping", 1)
	f.poll(t, agentA, map[string]int{"ping": 1}, 1)

	complete := func(result json.RawMessage) error {
		return f.store.WithTx(context.Background(), func(ctx context.Context, tx *persistence.Tx) error {
			return tx.CompleteTask(ctx, task.UUID, result)
		})
	}
	for _, result := range []json.RawMessage{nil, {}, json.RawMessage(`null`)} {
		if err := complete(result); !errors.Is(err, persistence.ErrInvalidArguments) {
			t.Fatalf("result %q: expected ErrInvalidArguments, got %v", result, err)
		}
	}
	if got := f.task(t, task.UUID); got.State() != persistence.TaskStateClaimed {
		t.Fatalf("expected task still claimed, got %s", got.State())
	}

	if err := complete(json.RawMessage(`{"rtt":7}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got := f.task(t, task.UUID)
	if got.Completed == nil || !got.Completed.Equal(f.clock.Now()) || string(got.ResultData) != `{"rtt":7}` {
		t.Fatalf("unexpected completed task: %+v", got)
	}
	if got.Failed != nil || got.Error != nil {
		t.Fatalf("expected failed/error null, got %v %v", got.Failed, got.Error)
	}
	if err := complete(json.RawMessage(`{"rtt":8}`)); !errors.Is(err, persistence.ErrIllegalState) {
		t.Fatalf("second complete: expected ErrIllegalState, got %v", err)
	}
}

func TestTasks_FailSetsError(t *testing.T) {
	f := openTestStore(t)
	task := f.post(t, "ping", 1)
	f.poll(t, agentA, map[string]int{"ping": 1}, 1)
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx *persistence.Tx) error {
		return tx.FailTask(ctx, task.UUID, "host unreachable")
	})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	got := f.task(t, task.UUID)
	if got.Failed == nil || got.Error == nil || *got.Error != "host unreachable" {
		t.Fatalf("unexpected failed task: %+v", got)
	}
	if got.Completed != nil || got.ResultData != nil {
		t.Fatalf("expected completed/result_data null")
	}
	if n := f.rec.Count("incr", stats.MetricTasks, stats.Tag{Key: stats.TagEvent, Value: "error"}); n != 1 {
		t.Fatalf("expected 1 error count, got %d", n)
	}
}

func TestTasks_TerminalIsFinal(t *testing.T) {
	f := openTestStore(t)
	task := f.post(t, "ping", 1)
	f.poll(t, agentA, map[string]int{"ping": 1}, 1)
	if err := f.finish(t, task.UUID, json.RawMessage(`{"rtt":12}`), nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	before := f.task(t, task.UUID)
	f.clock.Advance(time.Minute)

	attempts := []struct {
		name   string
		result json.RawMessage
		errMsg *string
	}{
		{"complete again", json.RawMessage(`{"rtt":99}`), nil},
		{"fail after complete", nil, strPtr("late failure")},
	}
	for _, tt := range attempts {
		err := f.finish(t, task.UUID, tt.result, tt.errMsg)
		if !errors.Is(err, persistence.ErrIllegalState) {
			t.Fatalf("%s: expected ErrIllegalState, got %v", tt.name, err)
		}
	}
	after := f.task(t, task.UUID)
	if !after.Completed.Equal(*before.Completed) || string(after.ResultData) != `{"rtt":12}` ||
		after.Failed != nil || after.Error != nil {
		t.Fatalf("terminal task changed: before=%+v after=%+v", before, after)
	}
}

func TestTasks_FinishGuards(t *testing.T) {
	f := openTestStore(t)
	queued := f.post(t, "ping", 1)

	if err := f.finish(t, queued.UUID, json.RawMessage(`{}`), nil); !errors.Is(err, persistence.ErrIllegalState) {
		t.Fatalf("never claimed: expected ErrIllegalState, got %v", err)
	}
	if err := f.finish(t, queued.UUID, nil, nil); !errors.Is(err, persistence.ErrInvalidArguments) {
		t.Fatalf("neither: expected ErrInvalidArguments, got %v", err)
	}
	if err := f.finish(t, queued.UUID, json.RawMessage(`null`), nil); !errors.Is(err, persistence.ErrInvalidArguments) {
		t.Fatalf("null result: expected ErrInvalidArguments, got %v", err)
	}
	if err := f.finish(t, queued.UUID, json.RawMessage(`{}`), strPtr("x")); !errors.Is(err, persistence.ErrInvalidArguments) {
		t.Fatalf("both: expected ErrInvalidArguments, got %v", err)
	}
	if err := f.finish(t, "99999999-9999-4999-8999-999999999999", json.RawMessage(`{}`), nil); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("unknown: expected ErrNotFound, got %v", err)
	}
	if got := f.task(t, queued.UUID); got.State() != persistence.TaskStateQueued {
		t.Fatalf("expected queued task untouched, got %s", got.State())
	}
}

func TestTasks_ReconcileInactiveAgents(t *testing.T) {
	f := openTestStore(t)
	stale := f.post(t, "ping", 1)
	done := f.post(t, "ping", 1)
	f.poll(t, agentA, map[string]int{"ping": 1}, 2)
	if err := f.finish(t, done.UUID, json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	fresh := f.post(t, "ping", 1)
	f.clock.Advance(10 * time.Minute)
	f.poll(t, agentB, map[string]int{"ping": 1}, 1)
	f.rec.Reset()

	threshold := f.clock.Now().Add(-500 * time.Second)
	var n int64
	err := f.store.WithTx(context.Background(), func(ctx context.Context, tx *persistence.Tx) error {
		var err error
		n, err = tx.ReconcileInactiveAgents(ctx, threshold)
		return err
	})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 reconciled task, got %d", n)
	}

	got := f.task(t, stale.UUID)
	if got.Failed == nil || got.Error == nil || *got.Error != persistence.InactiveAgentError {
		t.Fatalf("expected stale task failed with inactive reason, got %+v", got)
	}
	if got.Completed != nil {
		t.Fatalf("expected completed to stay null")
	}
	if d := f.task(t, done.UUID); d.Failed != nil || d.Completed == nil {
		t.Fatalf("completed task must not be overwritten: %+v", d)
	}
	if fr := f.task(t, fresh.UUID); fr.State() != persistence.TaskStateClaimed {
		t.Fatalf("active agent's task must stay claimed, got %s", fr.State())
	}
	if c := f.rec.Count("incr", stats.MetricTasks, stats.Tag{Key: stats.TagEvent, Value: "error"}); c != 1 {
		t.Fatalf("expected 1 error event, got %d", c)
	}

	err = f.store.WithTx(context.Background(), func(ctx context.Context, tx *persistence.Tx) error {
		var err error
		n, err = tx.ReconcileInactiveAgents(ctx, threshold)
		return err
	})
	if err != nil || n != 0 {
		t.Fatalf("second reconcile: n=%d err=%v", n, err)
	}
}

func TestTasks_GaugeConsistency(t *testing.T) {
	f := openTestStore(t)
	for i := 0; i < 3; i++ {
		f.post(t, "ping", 1)
	}
	f.poll(t, agentA, map[string]int{"ping": 1}, 1)

	queued, ok := f.rec.LastGauge(stats.MetricTaskQueue, pingTags...)
	if !ok || queued != 2 {
		t.Fatalf("expected queue gauge 2, got %d (ok=%v)", queued, ok)
	}
	processing, ok := f.rec.LastGauge(stats.MetricTaskProcessing, pingTags...)
	if !ok || processing != 1 {
		t.Fatalf("expected processing gauge 1, got %d (ok=%v)", processing, ok)
	}

	summary, err := f.store.TaskSummary(context.Background(), persistence.TaskFilter{Type: "ping"})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if len(summary) != 1 || summary[0].Queued != 2 || summary[0].Processing != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
}

func TestTasks_GaugeDropsToZero(t *testing.T) {
	f := openTestStore(t)
	task := f.post(t, "ping", 1)
	f.poll(t, agentA, map[string]int{"ping": 1}, 1)
	if err := f.finish(t, task.UUID, json.RawMessage(`{}`), nil); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if v, ok := f.rec.LastGauge(stats.MetricTaskProcessing, pingTags...); !ok || v != 0 {
		t.Fatalf("expected processing gauge 0 after completion, got %d (ok=%v)", v, ok)
	}
}

func TestTasks_PostTask(t *testing.T) {
	f := openTestStore(t)
	ctx := context.Background()

	const id = "33333333-3333-4333-8333-333333333333"
	task, err := f.store.PostTask(ctx, persistence.NewTask{UUID: id, TestID: "t", Type: "ping", Version: 1})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if task.UUID != id || task.Data != nil || task.State() != persistence.TaskStateQueued {
		t.Fatalf("unexpected task: %+v", task)
	}
	if _, err := f.store.PostTask(ctx, persistence.NewTask{UUID: id, Type: "ping", Version: 1}); !errors.Is(err, persistence.ErrAlreadyExists) {
		t.Fatalf("duplicate: expected ErrAlreadyExists, got %v", err)
	}
	bad := []persistence.NewTask{
		{UUID: "not-a-uuid", Type: "ping", Version: 1},
		{Type: "", Version: 1},
		{Type: "ping", Version: -1},
		{Type: "ping", Version: 1, Data: json.RawMessage(`{broken`)},
	}
	for i, nt := range bad {
		if _, err := f.store.PostTask(ctx, nt); !errors.Is(err, persistence.ErrInvalidArguments) {
			t.Fatalf("case %d: expected ErrInvalidArguments, got %v", i, err)
		}
	}
	if n := f.rec.Count("incr", stats.MetricTasksByType, append(pingTags, stats.Tag{Key: stats.TagEvent, Value: "posted"})...); n != 1 {
		t.Fatalf("expected 1 posted by_type count, got %d", n)
	}
}

func TestTasks_DeleteTask(t *testing.T) {
	f := openTestStore(t)
	task := f.post(t, "ping", 1)
	if err := f.store.DeleteTask(context.Background(), task.UUID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.store.GetTask(context.Background(), task.UUID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := f.store.DeleteTask(context.Background(), task.UUID); !errors.Is(err, persistence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	if n := f.rec.Count("incr", stats.MetricTasks, stats.Tag{Key: stats.TagEvent, Value: "deleted"}); n != 1 {
		t.Fatalf("expected 1 deleted event, got %d", n)
	}
	if v, ok := f.rec.LastGauge(stats.MetricTaskQueue, pingTags...); !ok || v != 0 {
		t.Fatalf("expected queue gauge 0 after delete, got %d", v)
	}
}

func TestTasks_ListTasksByState(t *testing.T) {
	f := openTestStore(t)
	for i := 0; i < 3; i++ {
		f.post(t, "ping", 1)
	}
	f.poll(t, agentA, map[string]int{"ping": 1}, 1)
	ctx := context.Background()

	queued, err := f.store.ListTasks(ctx, persistence.TaskFilter{State: persistence.TaskStateQueued})
	if err != nil {
		t.Fatalf("list queued: %v", err)
	}
	claimed, err := f.store.ListTasks(ctx, persistence.TaskFilter{State: persistence.TaskStateClaimed, AgentUUID: agentA})
	if err != nil {
		t.Fatalf("list claimed: %v", err)
	}
	if len(queued) != 2 || len(claimed) != 1 {
		t.Fatalf("expected 2 queued and 1 claimed, got %d and %d", len(queued), len(claimed))
	}
	if _, err := f.store.ListTasks(ctx, persistence.TaskFilter{State: "bogus"}); !errors.Is(err, persistence.ErrInvalidArguments) {
		t.Fatalf("expected ErrInvalidArguments for unknown state, got %v", err)
	}
}
