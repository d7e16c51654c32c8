// Package worker consumes leased work items and runs their pipelines.
// Workers are stateless; any number of them may compete over the same
// store, and the lease protocol keeps every item single-flight.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/orbiter/internal/audit"
	"github.com/fentz26/orbiter/internal/clock"
	"github.com/fentz26/orbiter/internal/models"
	"github.com/fentz26/orbiter/internal/pipeline"
	"github.com/fentz26/orbiter/internal/store"
	"github.com/fentz26/orbiter/internal/tools"
)

// Config tunes one worker loop.
type Config struct {
	// ID identifies this worker in leases and run records.
	ID string
	// Lease is the work-item lease duration; at least twice the expected
	// median pipeline runtime.
	Lease time.Duration
	// Poll is the sleep between empty lease attempts.
	Poll time.Duration
}

// Worker is a single sequential lease-execute-delete loop. Run several
// Workers (with distinct IDs) for parallelism.
type Worker struct {
	store store.Store
	tools *tools.Client
	audit *audit.Writer
	clk   clock.Clock
	log   *zap.SugaredLogger
	cfg   Config
}

// New creates a worker.
func New(s store.Store, t *tools.Client, a *audit.Writer, clk clock.Clock, log *zap.SugaredLogger, cfg Config) *Worker {
	if cfg.Lease <= 0 {
		cfg.Lease = 60 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 250 * time.Millisecond
	}
	return &Worker{store: s, tools: t, audit: a, clk: clk, log: log, cfg: cfg}
}

// Run loops until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Infow("worker started", "worker_id", w.cfg.ID, "lease", w.cfg.Lease)
	for {
		select {
		case <-ctx.Done():
			w.log.Infow("worker stopped", "worker_id", w.cfg.ID)
			return nil
		default:
		}

		item, err := w.store.LeaseReadyWork(ctx, w.clk.Now(), w.cfg.Lease, w.cfg.ID)
		if err != nil {
			w.log.Warnw("lease attempt failed", "error", err)
			w.sleep(ctx, w.cfg.Poll)
			continue
		}
		if item == nil {
			w.sleep(ctx, w.cfg.Poll)
			continue
		}

		w.process(ctx, item)
	}
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-w.clk.After(d):
	}
}

// process executes one leased item through its retry budget and removes it.
func (w *Worker) process(ctx context.Context, item *models.WorkItem) {
	task, err := w.store.GetTask(ctx, item.TaskID)
	if errors.Is(err, store.ErrNotFound) {
		// Task gone; nothing to execute.
		w.discard(ctx, item)
		return
	}
	if err != nil {
		w.log.Warnw("load task failed", "task_id", item.TaskID, "error", err)
		return // lease expires, another worker retries
	}
	if task.Status != models.TaskStatusActive {
		w.discard(ctx, item)
		return
	}

	// Serialise with other in-flight items sharing the concurrency key.
	if task.ConcurrencyKey != "" {
		key := "conc:" + task.ConcurrencyKey
		got, err := w.store.AcquireLock(ctx, key, w.cfg.ID, w.cfg.Lease)
		if err != nil {
			w.log.Warnw("concurrency lock failed", "key", key, "error", err)
			return
		}
		if !got {
			// Hand the item back; it becomes eligible again shortly.
			if err := w.store.RequeueWorkItem(ctx, item.ID, w.cfg.ID, w.clk.Now().Add(w.cfg.Poll*4)); err != nil {
				w.log.Warnw("requeue failed", "work_item", item.ID, "error", err)
			}
			return
		}
		defer w.store.ReleaseLock(context.WithoutCancel(ctx), key, w.cfg.ID)
	}

	var leaseLost atomic.Bool
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	renewDone := w.startRenewal(runCtx, item, &leaseLost, cancelRun)
	defer func() { <-renewDone }()

	abandoned := w.runAttempts(runCtx, task, item, &leaseLost)
	cancelRun()

	if abandoned {
		// The lease is gone; the item is already eligible for another
		// worker, so leave it in place.
		return
	}
	if err := w.store.DeleteWorkItem(context.WithoutCancel(ctx), item.ID, w.cfg.ID); err != nil {
		w.log.Warnw("delete work item failed", "work_item", item.ID, "error", err)
	}
}

// discard removes an item that must not execute (task inactive or gone).
func (w *Worker) discard(ctx context.Context, item *models.WorkItem) {
	if err := w.store.DeleteWorkItem(ctx, item.ID, w.cfg.ID); err != nil {
		w.log.Warnw("discard work item failed", "work_item", item.ID, "error", err)
	}
}

// startRenewal renews the lease at half its duration, well inside the 25%
// safety margin. A failed renewal flags the loss and aborts execution.
func (w *Worker) startRenewal(ctx context.Context, item *models.WorkItem, leaseLost *atomic.Bool, abort context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		interval := w.cfg.Lease / 2
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.clk.After(interval):
			}
			err := w.store.RenewLease(ctx, item.ID, w.cfg.ID, w.clk.Now().Add(w.cfg.Lease))
			if errors.Is(err, store.ErrLeaseLost) {
				leaseLost.Store(true)
				abort()
				return
			}
			if err != nil && ctx.Err() == nil {
				w.log.Warnw("lease renewal error", "work_item", item.ID, "error", err)
			}
		}
	}()
	return done
}

// runAttempts drives the retry loop. It reports true when the run was
// abandoned because the lease was lost.
func (w *Worker) runAttempts(ctx context.Context, task *models.Task, item *models.WorkItem, leaseLost *atomic.Bool) (abandoned bool) {
	exec := pipeline.NewExecutor(w.tools)
	if agent, err := w.store.GetAgent(ctx, task.OwnerAgentID); err == nil {
		exec.Owner = agent
	}
	exec.CancelCheck = func(cctx context.Context) *pipeline.Error {
		if leaseLost.Load() {
			return &pipeline.Error{Kind: pipeline.KindLeaseLost, Err: errors.New("lease renewal failed")}
		}
		t, err := w.store.GetTask(cctx, task.ID)
		if err != nil {
			return nil // transient read failure is not a cancellation
		}
		if t.Status == models.TaskStatusCanceled {
			return &pipeline.Error{Kind: pipeline.KindCanceled, Err: errors.New("task canceled")}
		}
		return nil
	}

	// An abandoned item re-leased here continues the attempt counter; the
	// retry budget is per work item, not per lease.
	prior, err := w.store.MaxAttempt(ctx, item.ID)
	if err != nil {
		w.log.Warnw("load attempt counter failed", "work_item", item.ID, "error", err)
		return true // leave the item; the expiring lease retries it
	}

	maxAttempts := 1 + task.MaxRetries
	for attempt := prior + 1; attempt <= maxAttempts; attempt++ {
		startedAt := w.clk.Now()
		run := w.insertRunWithRetry(ctx, &models.TaskRun{
			TaskID:     task.ID,
			WorkItemID: item.ID,
			Attempt:    attempt,
			State:      models.RunRunning,
			StartedAt:  startedAt,
			LeaseOwner: w.cfg.ID,
		}, leaseLost)
		if run == nil {
			return leaseLost.Load()
		}

		out, execErr := exec.Execute(ctx, &task.Payload, item.Payload, pipeline.Run{
			TaskID:  task.ID,
			RunID:   run.ID,
			Attempt: attempt,
		}, startedAt)

		if execErr == nil {
			output, merr := json.Marshal(out)
			if merr != nil {
				output = nil
			}
			w.finalize(ctx, run.ID, models.RunSucceeded, true, "", output)
			w.auditRun(ctx, task, run, "run.succeeded", nil)
			return false
		}

		pe, _ := pipeline.AsError(execErr)
		switch {
		case pe != nil && pe.Kind == pipeline.KindLeaseLost:
			w.finalize(ctx, run.ID, models.RunAbandoned, false, execErr.Error(), nil)
			w.auditRun(ctx, task, run, "run.abandoned", execErr)
			return true

		case pe != nil && pe.Kind == pipeline.KindCanceled:
			if ctx.Err() != nil {
				// Daemon shutdown, not a task cancel: abandon and leave the
				// item; the expiring lease hands it to another worker.
				w.finalize(ctx, run.ID, models.RunAbandoned, false, "worker shutdown", nil)
				w.auditRun(ctx, task, run, "run.abandoned", execErr)
				return true
			}
			w.finalize(ctx, run.ID, models.RunFailed, false, execErr.Error(), nil)
			w.auditRun(ctx, task, run, "run.canceled", execErr)
			return leaseLost.Load()

		default:
			w.finalize(ctx, run.ID, models.RunFailed, false, execErr.Error(), nil)
			w.auditRun(ctx, task, run, "run.failed", execErr)
			if attempt < maxAttempts && pipeline.Retryable(execErr) {
				w.sleep(ctx, backoffDelay(task.Backoff, attempt))
				continue
			}
			return leaseLost.Load()
		}
	}
	return leaseLost.Load()
}

// insertRunWithRetry retries run bookkeeping over transient store errors,
// giving up once the lease is lost.
func (w *Worker) insertRunWithRetry(ctx context.Context, run *models.TaskRun, leaseLost *atomic.Bool) *models.TaskRun {
	for tries := 0; tries < 3; tries++ {
		if leaseLost.Load() || ctx.Err() != nil {
			return nil
		}
		inserted, err := w.store.InsertRun(ctx, run)
		if err == nil {
			return inserted
		}
		w.log.Warnw("insert run failed", "task_id", run.TaskID, "error", err)
		w.sleep(ctx, 200*time.Millisecond)
	}
	return nil
}

func (w *Worker) finalize(ctx context.Context, runID string, state models.RunState, success bool, errMsg string, output []byte) {
	ctx = context.WithoutCancel(ctx)
	for tries := 0; tries < 3; tries++ {
		err := w.store.FinalizeRun(ctx, runID, state, success, w.clk.Now(), errMsg, output)
		if err == nil {
			return
		}
		w.log.Warnw("finalize run failed", "run_id", runID, "error", err)
		time.Sleep(200 * time.Millisecond)
	}
}

func (w *Worker) auditRun(ctx context.Context, task *models.Task, run *models.TaskRun, action string, execErr error) {
	details := map[string]any{
		"run_id":    run.ID,
		"attempt":   run.Attempt,
		"worker_id": w.cfg.ID,
	}
	if execErr != nil {
		details["error"] = execErr.Error()
	}
	if err := w.audit.Record(context.WithoutCancel(ctx), task.OwnerAgentID, action, task.ID, details); err != nil {
		w.log.Warnw("audit write failed", "action", action, "error", err)
	}
}
