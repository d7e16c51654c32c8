package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fentz26/orbiter/internal/models"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var seedTaskCounter atomic.Int64

func seedTask(t *testing.T, s *SQLite, mod func(*models.Task)) *models.Task {
	t.Helper()
	ctx := context.Background()

	agent, err := s.CreateAgent(ctx, fmt.Sprintf("agent-%s-%d", t.Name(), seedTaskCounter.Add(1)), []string{"notify"})
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	payload, err := models.ParsePayload([]byte(`{"pipeline": [{"id": "s1", "uses": "echo", "with": {"msg": "hi"}, "save_as": "r"}]}`))
	if err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}

	task := &models.Task{
		Title:        "test task",
		OwnerAgentID: agent.ID,
		ScheduleKind: models.ScheduleCron,
		ScheduleExpr: "*/5 * * * *",
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

func TestAgentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	agent, err := s.CreateAgent(ctx, "reporter", []string{"notify", "read"})
	if err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	got, err := s.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.Name != "reporter" || len(got.Scopes) != 2 || got.Disabled {
		t.Errorf("unexpected agent: %+v", got)
	}

	if err := s.DisableAgent(ctx, agent.ID); err != nil {
		t.Fatalf("DisableAgent failed: %v", err)
	}
	got, _ = s.GetAgent(ctx, agent.ID)
	if !got.Disabled {
		t.Error("expected agent disabled")
	}

	if _, err := s.GetAgent(ctx, "00000000-0000-0000-0000-000000000000"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := seedTask(t, s, func(task *models.Task) {
		task.DedupeKey = "nightly"
		task.DedupeWindowSeconds = 60
		task.ConcurrencyKey = "report"
		task.MaxRetries = 2
	})

	got, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask failed: %v", err)
	}
	if got.ScheduleExpr != "*/5 * * * *" || got.DedupeKey != "nightly" || got.ConcurrencyKey != "report" {
		t.Errorf("unexpected task: %+v", got)
	}
	if got.Backoff != models.BackoffExponentialJitter {
		t.Errorf("expected default backoff, got %s", got.Backoff)
	}
	if len(got.Payload.Pipeline) != 1 || got.Payload.Pipeline[0].Uses != "echo" {
		t.Errorf("payload did not round-trip: %+v", got.Payload)
	}

	active, err := s.LoadActiveTasks(ctx)
	if err != nil {
		t.Fatalf("LoadActiveTasks failed: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("expected 1 active task, got %d", len(active))
	}

	if err := s.SetTaskStatus(ctx, task.ID, models.TaskStatusPaused); err != nil {
		t.Fatalf("SetTaskStatus failed: %v", err)
	}
	active, _ = s.LoadActiveTasks(ctx)
	if len(active) != 0 {
		t.Errorf("expected 0 active tasks after pause, got %d", len(active))
	}
}

func TestCreateTaskRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, &models.Task{Title: "x"})
	if err == nil {
		t.Error("expected validation rejection")
	}
}

func TestLeaseLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, nil)

	now := time.Now().UTC()
	id, err := s.InsertWorkItem(ctx, task.ID, now.Add(-time.Second), "", nil)
	if err != nil {
		t.Fatalf("InsertWorkItem failed: %v", err)
	}

	item, err := s.LeaseReadyWork(ctx, now, time.Minute, "w1")
	if err != nil {
		t.Fatalf("LeaseReadyWork failed: %v", err)
	}
	if item == nil || item.ID != id {
		t.Fatalf("expected item %d, got %+v", id, item)
	}
	if item.LockedBy != "w1" || item.LockedUntil == nil {
		t.Errorf("lease fields not set: %+v", item)
	}

	// Locked items are invisible to other leasers.
	other, err := s.LeaseReadyWork(ctx, now, time.Minute, "w2")
	if err != nil {
		t.Fatalf("second LeaseReadyWork failed: %v", err)
	}
	if other != nil {
		t.Errorf("locked item leaked to second worker: %+v", other)
	}

	// Only the holder may renew or delete.
	if err := s.RenewLease(ctx, id, "w2", now.Add(2*time.Minute)); err != ErrLeaseLost {
		t.Errorf("expected ErrLeaseLost for non-holder renew, got %v", err)
	}
	if err := s.RenewLease(ctx, id, "w1", now.Add(2*time.Minute)); err != nil {
		t.Errorf("holder renew failed: %v", err)
	}
	if err := s.DeleteWorkItem(ctx, id, "w2"); err != ErrLeaseLost {
		t.Errorf("expected ErrLeaseLost for non-holder delete, got %v", err)
	}
	if err := s.DeleteWorkItem(ctx, id, "w1"); err != nil {
		t.Errorf("holder delete failed: %v", err)
	}
}

func TestLeaseExpiryMakesItemEligible(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, nil)

	now := time.Now().UTC()
	if _, err := s.InsertWorkItem(ctx, task.ID, now.Add(-time.Second), "", nil); err != nil {
		t.Fatalf("InsertWorkItem failed: %v", err)
	}

	if item, _ := s.LeaseReadyWork(ctx, now, 100*time.Millisecond, "w1"); item == nil {
		t.Fatal("first lease failed")
	}

	// After locked_until passes, another worker can take over.
	later := now.Add(time.Second)
	item, err := s.LeaseReadyWork(ctx, later, time.Minute, "w2")
	if err != nil {
		t.Fatalf("re-lease failed: %v", err)
	}
	if item == nil || item.LockedBy != "w2" {
		t.Errorf("expected expired lease takeover, got %+v", item)
	}
}

func TestLeaseOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	early := seedTask(t, s, func(task *models.Task) { task.Priority = 1 })
	urgent := seedTask(t, s, func(task *models.Task) { task.Priority = 9 })

	now := time.Now().UTC()
	// Same run_at: the higher-priority task's item must lease first.
	if _, err := s.InsertWorkItem(ctx, early.ID, now.Add(-time.Minute), "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertWorkItem(ctx, urgent.ID, now.Add(-time.Minute), "", nil); err != nil {
		t.Fatal(err)
	}
	// An older item beats both regardless of priority.
	oldID, err := s.InsertWorkItem(ctx, early.ID, now.Add(-time.Hour), "", nil)
	if err != nil {
		t.Fatal(err)
	}

	first, _ := s.LeaseReadyWork(ctx, now, time.Minute, "w")
	if first == nil || first.ID != oldID {
		t.Fatalf("expected oldest item first, got %+v", first)
	}
	second, _ := s.LeaseReadyWork(ctx, now, time.Minute, "w")
	if second == nil || second.TaskID != urgent.ID {
		t.Fatalf("expected high-priority item second, got %+v", second)
	}
	third, _ := s.LeaseReadyWork(ctx, now, time.Minute, "w")
	if third == nil || third.TaskID != early.ID {
		t.Fatalf("expected low-priority item third, got %+v", third)
	}
}

func TestConcurrentLeasing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, nil)

	const items = 5
	const workers = 12

	now := time.Now().UTC()
	for i := 0; i < items; i++ {
		if _, err := s.InsertWorkItem(ctx, task.ID, now.Add(-time.Duration(i+1)*time.Second), "", nil); err != nil {
			t.Fatalf("InsertWorkItem failed: %v", err)
		}
	}

	var mu sync.Mutex
	leased := make(map[int64]string)
	empty := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			workerID := string(rune('a' + n))
			item, err := s.LeaseReadyWork(ctx, now, time.Minute, workerID)
			if err != nil {
				t.Errorf("worker %s lease error: %v", workerID, err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if item == nil {
				empty++
				return
			}
			if prev, dup := leased[item.ID]; dup {
				t.Errorf("item %d leased twice: %s and %s", item.ID, prev, workerID)
			}
			leased[item.ID] = workerID
		}(i)
	}
	wg.Wait()

	if len(leased) != items {
		t.Errorf("expected %d leases, got %d", items, len(leased))
	}
	if empty != workers-items {
		t.Errorf("expected %d empty polls, got %d", workers-items, empty)
	}
}

func TestInsertWorkItemDedupe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, nil)

	runAt := time.Now().UTC().Truncate(time.Second)
	id1, err := s.InsertWorkItem(ctx, task.ID, runAt, "k", nil)
	if err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	id2, err := s.InsertWorkItem(ctx, task.ID, runAt, "k", nil)
	if err != nil {
		t.Fatalf("duplicate insert failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected idempotent insert, got %d and %d", id1, id2)
	}

	// Without a dedupe hint duplicates are allowed.
	id3, err := s.InsertWorkItem(ctx, task.ID, runAt.Add(time.Minute), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	id4, err := s.InsertWorkItem(ctx, task.ID, runAt.Add(time.Minute), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if id3 == id4 {
		t.Error("expected distinct items without dedupe hint")
	}
}

func TestSnoozeAndPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, nil)

	now := time.Now().UTC()
	if _, err := s.InsertWorkItem(ctx, task.ID, now, "", nil); err != nil {
		t.Fatal(err)
	}

	if err := s.SnoozeNextWork(ctx, task.ID, time.Hour); err != nil {
		t.Fatalf("SnoozeNextWork failed: %v", err)
	}
	if item, _ := s.LeaseReadyWork(ctx, now.Add(time.Minute), time.Minute, "w"); item != nil {
		t.Error("snoozed item leased too early")
	}
	if item, _ := s.LeaseReadyWork(ctx, now.Add(2*time.Hour), time.Minute, "w"); item == nil {
		t.Error("snoozed item never became eligible")
	}

	if _, err := s.InsertWorkItem(ctx, task.ID, now, "", nil); err != nil {
		t.Fatal(err)
	}
	n, err := s.DeletePendingWork(ctx, task.ID)
	if err != nil {
		t.Fatalf("DeletePendingWork failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 purged item, got %d", n)
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, nil)

	run, err := s.InsertRun(ctx, &models.TaskRun{
		TaskID:     task.ID,
		WorkItemID: 1,
		Attempt:    1,
		State:      models.RunRunning,
		StartedAt:  time.Now().UTC(),
		LeaseOwner: "w1",
	})
	if err != nil {
		t.Fatalf("InsertRun failed: %v", err)
	}

	output := []byte(`{"steps":{"r":{"out":"hi"}}}`)
	if err := s.FinalizeRun(ctx, run.ID, models.RunSucceeded, true, time.Now().UTC(), "", output); err != nil {
		t.Fatalf("FinalizeRun failed: %v", err)
	}

	// Finalize is terminal; a second call must not overwrite.
	if err := s.FinalizeRun(ctx, run.ID, models.RunFailed, false, time.Now().UTC(), "late", nil); err != ErrNotFound {
		t.Errorf("expected ErrNotFound on double finalize, got %v", err)
	}

	runs, err := s.ListRuns(ctx, task.ID, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	r := runs[0]
	if r.Success == nil || !*r.Success || r.State != models.RunSucceeded {
		t.Errorf("unexpected run: %+v", r)
	}
	var doc map[string]any
	if err := json.Unmarshal(r.Output, &doc); err != nil {
		t.Errorf("output not JSON: %v", err)
	}
}

func TestHasRecentWork(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := seedTask(t, s, func(task *models.Task) { task.DedupeKey = "k" })

	now := time.Now().UTC()
	has, err := s.HasRecentWork(ctx, task.ID, "k", time.Minute, now)
	if err != nil {
		t.Fatal(err)
	}
	if has {
		t.Error("expected no recent work initially")
	}

	if _, err := s.InsertWorkItem(ctx, task.ID, now, "k", nil); err != nil {
		t.Fatal(err)
	}
	has, _ = s.HasRecentWork(ctx, task.ID, "k", time.Minute, now)
	if !has {
		t.Error("pending item not detected")
	}
}

func TestLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.AcquireLock(ctx, "scheduler:leader", "a", time.Minute)
	if err != nil || !got {
		t.Fatalf("first acquire failed: got=%v err=%v", got, err)
	}
	got, err = s.AcquireLock(ctx, "scheduler:leader", "b", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Error("second holder acquired a held lock")
	}

	still, err := s.RenewLock(ctx, "scheduler:leader", "a", time.Minute)
	if err != nil || !still {
		t.Errorf("holder renew failed: %v %v", still, err)
	}
	still, _ = s.RenewLock(ctx, "scheduler:leader", "b", time.Minute)
	if still {
		t.Error("non-holder renewed the lock")
	}

	if err := s.ReleaseLock(ctx, "scheduler:leader", "a"); err != nil {
		t.Fatal(err)
	}
	got, _ = s.AcquireLock(ctx, "scheduler:leader", "b", time.Minute)
	if !got {
		t.Error("lock not acquirable after release")
	}
}

func TestPublishAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.PublishAudit(ctx, &models.AuditEntry{
		Action:    "task.created",
		SubjectID: "t-1",
		Details:   json.RawMessage(`{"inputs_hash":"abc"}`),
	})
	if err != nil {
		t.Fatalf("PublishAudit failed: %v", err)
	}
}
