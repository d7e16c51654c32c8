package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fentz26/orbiter/internal/audit"
	"github.com/fentz26/orbiter/internal/clock"
	"github.com/fentz26/orbiter/internal/logging"
	"github.com/fentz26/orbiter/internal/models"
	"github.com/fentz26/orbiter/internal/store"
	"github.com/fentz26/orbiter/internal/tools"
)

// flakyInvoker fails a configured number of calls with a retryable error,
// then succeeds.
type flakyInvoker struct {
	failures int32
}

func (f *flakyInvoker) Invoke(ctx context.Context, spec *tools.Spec, inv tools.Invocation) (map[string]any, error) {
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return nil, &tools.Error{Kind: "tool", Message: "temporary", Retryable: true}
	}
	return map[string]any{"ok": true}, nil
}

func newTestStore(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedTask(t *testing.T, s *store.SQLite, payloadJSON string, mod func(*models.Task)) *models.Task {
	t.Helper()
	ctx := context.Background()

	agent, err := s.CreateAgent(ctx, "agent-"+t.Name(), []string{"notify"})
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}
	payload, err := models.ParsePayload([]byte(payloadJSON))
	if err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	task := &models.Task{
		Title:        "worker test task",
		OwnerAgentID: agent.ID,
		ScheduleKind: models.ScheduleOnce,
		ScheduleExpr: "2030-01-01T00:00:00Z",
		Timezone:     "UTC",
		Payload:      *payload,
		Priority:     5,
	}
	if mod != nil {
		mod(task)
	}
	created, err := s.CreateTask(ctx, task)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	return created
}

func newTestWorker(s *store.SQLite, client *tools.Client) *Worker {
	return New(s, client, audit.NewWriter(s), clock.System{}, logging.Nop(), Config{
		ID:    "w-test",
		Lease: 5 * time.Second,
		Poll:  20 * time.Millisecond,
	})
}

func builtinClient() *tools.Client {
	reg := tools.NewStaticRegistry()
	reg.RegisterBuiltins()
	return tools.NewClient(reg)
}

// waitForRuns polls until the task has n finished runs or the deadline hits.
func waitForRuns(t *testing.T, s *store.SQLite, taskID string, n int, deadline time.Duration) []models.TaskRun {
	t.Helper()
	ctx := context.Background()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		runs, err := s.ListRuns(ctx, taskID, 50)
		if err != nil {
			t.Fatalf("ListRuns failed: %v", err)
		}
		finished := 0
		for _, r := range runs {
			if r.FinishedAt != nil {
				finished++
			}
		}
		if finished >= n {
			return runs
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d finished runs of %s", n, taskID)
	return nil
}

func TestWorkerExecutesPipeline(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := seedTask(t, s, `{"pipeline": [{"id": "s1", "uses": "echo", "with": {"msg": "hi"}, "save_as": "r"}]}`, nil)
	itemID, err := s.InsertWorkItem(ctx, task.ID, time.Now().UTC().Add(-time.Second), "", nil)
	if err != nil {
		t.Fatalf("InsertWorkItem failed: %v", err)
	}

	w := newTestWorker(s, builtinClient())
	go w.Run(ctx)

	runs := waitForRuns(t, s, task.ID, 1, 5*time.Second)
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	r := runs[0]
	if r.Attempt != 1 || r.Success == nil || !*r.Success {
		t.Errorf("unexpected run: %+v", r)
	}

	var out map[string]any
	if err := json.Unmarshal(r.Output, &out); err != nil {
		t.Fatalf("output not JSON: %v", err)
	}
	steps := out["steps"].(map[string]any)
	if steps["r"].(map[string]any)["msg"] != "hi" {
		t.Errorf("unexpected output: %v", out)
	}

	// The work item is gone; nothing re-leases.
	cancel()
	time.Sleep(50 * time.Millisecond)
	item, _ := s.LeaseReadyWork(context.Background(), time.Now().UTC().Add(time.Minute), time.Minute, "probe")
	if item != nil && item.ID == itemID {
		t.Error("work item survived a successful run")
	}
}

func TestWorkerRetriesTransientFailures(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := tools.NewStaticRegistry()
	if err := reg.Register(tools.Spec{Address: "unstable", Transport: "flaky", Endpoint: "unstable"}); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	client := tools.NewClientWithTransports(reg, map[string]tools.Invoker{
		"flaky": &flakyInvoker{failures: 2},
	})

	task := seedTask(t, s, `{"pipeline": [{"id": "s1", "uses": "unstable", "save_as": "r"}]}`, func(task *models.Task) {
		task.MaxRetries = 2
		task.Backoff = models.BackoffNone
	})
	if _, err := s.InsertWorkItem(ctx, task.ID, time.Now().UTC().Add(-time.Second), "", nil); err != nil {
		t.Fatal(err)
	}

	w := newTestWorker(s, client)
	go w.Run(ctx)

	runs := waitForRuns(t, s, task.ID, 3, 10*time.Second)
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}

	// ListRuns returns newest first.
	byAttempt := map[int]models.TaskRun{}
	for _, r := range runs {
		byAttempt[r.Attempt] = r
	}
	for attempt := 1; attempt <= 2; attempt++ {
		r := byAttempt[attempt]
		if r.Success == nil || *r.Success {
			t.Errorf("attempt %d should have failed: %+v", attempt, r)
		}
	}
	if r := byAttempt[3]; r.Success == nil || !*r.Success {
		t.Errorf("attempt 3 should have succeeded: %+v", r)
	}
}

func TestWorkerStopsOnTerminalToolError(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := seedTask(t, s, `{"pipeline": [{"id": "s1", "uses": "fail", "with": {"message": "fatal", "terminal": true}}]}`, func(task *models.Task) {
		task.MaxRetries = 5
		task.Backoff = models.BackoffNone
	})
	if _, err := s.InsertWorkItem(ctx, task.ID, time.Now().UTC().Add(-time.Second), "", nil); err != nil {
		t.Fatal(err)
	}

	w := newTestWorker(s, builtinClient())
	go w.Run(ctx)

	waitForRuns(t, s, task.ID, 1, 5*time.Second)
	time.Sleep(100 * time.Millisecond)
	runs, _ := s.ListRuns(context.Background(), task.ID, 50)
	if len(runs) != 1 {
		t.Errorf("terminal error must not retry, got %d runs", len(runs))
	}
}

func TestWorkerDiscardsInactiveTaskItems(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := seedTask(t, s, `{"pipeline": [{"id": "s1", "uses": "echo", "with": {"x": 1}}]}`, nil)
	if _, err := s.InsertWorkItem(ctx, task.ID, time.Now().UTC().Add(-time.Second), "", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTaskStatus(ctx, task.ID, models.TaskStatusPaused); err != nil {
		t.Fatal(err)
	}

	w := newTestWorker(s, builtinClient())
	go w.Run(ctx)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		item, _ := s.LeaseReadyWork(context.Background(), time.Now().UTC(), time.Millisecond, "probe")
		if item == nil {
			break
		}
		// Give the probe lease back immediately.
		s.RequeueWorkItem(context.Background(), item.ID, "probe", time.Now().UTC())
		time.Sleep(20 * time.Millisecond)
	}

	runs, _ := s.ListRuns(context.Background(), task.ID, 10)
	if len(runs) != 0 {
		t.Errorf("paused task must not run, got %d runs", len(runs))
	}
}

func TestWorkerCancelMidFlight(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := seedTask(t, s, `{
		"pipeline": [
			{"id": "s1", "uses": "sleep", "with": {"seconds": 1}, "save_as": "a"},
			{"id": "s2", "uses": "echo", "with": {"x": 1}, "save_as": "b"}
		]
	}`, nil)
	if _, err := s.InsertWorkItem(ctx, task.ID, time.Now().UTC().Add(-time.Second), "", nil); err != nil {
		t.Fatal(err)
	}

	w := newTestWorker(s, builtinClient())
	go w.Run(ctx)

	// Cancel while step s1 sleeps.
	time.Sleep(300 * time.Millisecond)
	if err := s.SetTaskStatus(context.Background(), task.ID, models.TaskStatusCanceled); err != nil {
		t.Fatal(err)
	}

	runs := waitForRuns(t, s, task.ID, 1, 5*time.Second)
	r := runs[0]
	if r.Success == nil || *r.Success {
		t.Errorf("canceled run must not succeed: %+v", r)
	}
	if r.Error == "" {
		t.Error("canceled run must carry an error")
	}

	var out map[string]any
	if r.Output != nil {
		json.Unmarshal(r.Output, &out)
	}
	if out != nil {
		if steps, ok := out["steps"].(map[string]any); ok {
			if _, ran := steps["b"]; ran {
				t.Error("step after cancellation must not run")
			}
		}
	}
}

func TestWorkerContinuesAttemptsAfterAbandon(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := seedTask(t, s, `{"pipeline": [{"id": "s1", "uses": "echo", "with": {"msg": "hi"}, "save_as": "r"}]}`, func(task *models.Task) {
		task.MaxRetries = 2
	})
	itemID, err := s.InsertWorkItem(ctx, task.ID, time.Now().UTC().Add(-time.Second), "", nil)
	if err != nil {
		t.Fatalf("InsertWorkItem failed: %v", err)
	}

	// A previous worker ran attempt 1 and lost its lease mid-flight.
	ghost, err := s.InsertRun(ctx, &models.TaskRun{
		TaskID:     task.ID,
		WorkItemID: itemID,
		Attempt:    1,
		State:      models.RunRunning,
		StartedAt:  time.Now().UTC(),
		LeaseOwner: "w-ghost",
	})
	if err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}
	if err := s.FinalizeRun(ctx, ghost.ID, models.RunAbandoned, false, time.Now().UTC(), "lease renewal failed", nil); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}

	w := newTestWorker(s, builtinClient())
	go w.Run(ctx)

	runs := waitForRuns(t, s, task.ID, 2, 5*time.Second)
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	byAttempt := map[int]models.TaskRun{}
	for _, r := range runs {
		byAttempt[r.Attempt] = r
	}
	if _, restarted := byAttempt[1]; !restarted {
		t.Fatal("abandoned attempt 1 missing from history")
	}
	second, ok := byAttempt[2]
	if !ok {
		t.Fatal("takeover did not continue the attempt counter at 2")
	}
	if second.Success == nil || !*second.Success {
		t.Errorf("takeover attempt should have succeeded: %+v", second)
	}
}

func TestWorkerRespectsExhaustedBudgetAcrossLeases(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := seedTask(t, s, `{"pipeline": [{"id": "s1", "uses": "echo", "with": {"msg": "hi"}}]}`, func(task *models.Task) {
		task.MaxRetries = 1
	})
	itemID, err := s.InsertWorkItem(ctx, task.ID, time.Now().UTC().Add(-time.Second), "", nil)
	if err != nil {
		t.Fatalf("InsertWorkItem failed: %v", err)
	}

	// Earlier leases already burned the whole budget (1 + max_retries).
	for attempt := 1; attempt <= 2; attempt++ {
		run, err := s.InsertRun(ctx, &models.TaskRun{
			TaskID:     task.ID,
			WorkItemID: itemID,
			Attempt:    attempt,
			State:      models.RunRunning,
			StartedAt:  time.Now().UTC(),
			LeaseOwner: "w-ghost",
		})
		if err != nil {
			t.Fatalf("InsertRun failed: %v", err)
		}
		if err := s.FinalizeRun(ctx, run.ID, models.RunAbandoned, false, time.Now().UTC(), "lease renewal failed", nil); err != nil {
			t.Fatalf("FinalizeRun failed: %v", err)
		}
	}

	w := newTestWorker(s, builtinClient())
	go w.Run(ctx)

	// The item is consumed without any further attempt.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		item, _ := s.LeaseReadyWork(context.Background(), time.Now().UTC().Add(time.Hour), time.Millisecond, "probe")
		if item == nil {
			break
		}
		s.RequeueWorkItem(context.Background(), item.ID, "probe", time.Now().UTC())
		time.Sleep(20 * time.Millisecond)
	}

	runs, _ := s.ListRuns(context.Background(), task.ID, 10)
	if len(runs) != 2 {
		t.Errorf("exhausted item must not grant new attempts, got %d runs", len(runs))
	}
}

func TestBackoffDelayBounds(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := backoffDelay(models.BackoffExponentialJitter, attempt)
		base := time.Second << (attempt - 1)
		if base > 60*time.Second {
			base = 60 * time.Second
		}
		min := time.Duration(float64(base) * 0.5)
		max := time.Duration(float64(base) * 1.5)
		if d < min || d > max {
			t.Errorf("attempt %d: delay %s outside [%s, %s]", attempt, d, min, max)
		}
	}
	if backoffDelay(models.BackoffNone, 3) != 0 {
		t.Error("none strategy must not sleep")
	}
	if backoffDelay(models.BackoffFixed, 3) != time.Second {
		t.Error("fixed strategy must sleep the base")
	}
}
