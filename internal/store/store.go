// Package store provides durable persistence for Orbiter: task definitions,
// the work queue, the append-only run and audit logs, and advisory locks.
//
// Two backends implement the same contract: an embedded SQLite store for
// single-node deployments and tests, and a PostgreSQL store for fleets. The
// leasing primitive is the heart of it — at most one caller ever holds a
// given work item, enforced by SKIP LOCKED on PostgreSQL and by the
// single-writer transaction on SQLite.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fentz26/orbiter/internal/models"
)

// Sentinel errors shared by both backends.
var (
	ErrNotFound      = errors.New("not found")
	ErrLeaseLost     = errors.New("lease not held by this worker")
	ErrAgentDisabled = errors.New("agent is disabled")
)

// Store is the durable persistence contract consumed by the scheduler and
// the workers.
type Store interface {
	Close() error
	Ping(ctx context.Context) error

	// --- Agents ---

	CreateAgent(ctx context.Context, name string, scopes []string) (*models.Agent, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListAgents(ctx context.Context) ([]models.Agent, error)
	// DisableAgent soft-disables; agents are never deleted.
	DisableAgent(ctx context.Context, id string) error

	// --- Tasks ---

	CreateTask(ctx context.Context, t *models.Task) (*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// LoadActiveTasks returns every task with status = active; the
	// scheduler rebuilds its trigger table from this on boot.
	LoadActiveTasks(ctx context.Context) ([]models.Task, error)
	SetTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	// SetLastFire persists the newest materialised instant, the guard
	// against re-materialising past fires after a backward clock jump.
	SetLastFire(ctx context.Context, id string, at time.Time) error

	// --- Work queue ---

	// InsertWorkItem enqueues one pending execution. When dedupeKey is
	// non-empty the insert is idempotent with respect to (task_id, run_at):
	// a duplicate returns the existing item's id. payload carries an event
	// payload through to pipeline execution; nil for scheduled fires.
	InsertWorkItem(ctx context.Context, taskID string, runAt time.Time, dedupeKey string, payload []byte) (int64, error)
	// LeaseReadyWork atomically leases at most one eligible item
	// (run_at <= now and not locked), ordered by run_at asc, task priority
	// desc, id asc. Returns nil when nothing is ready. Never hands the
	// same item to two callers.
	LeaseReadyWork(ctx context.Context, now time.Time, lease time.Duration, workerID string) (*models.WorkItem, error)
	// RenewLease extends the lease iff workerID still holds it.
	RenewLease(ctx context.Context, id int64, workerID string, newUntil time.Time) error
	// DeleteWorkItem removes the item iff workerID holds the lease.
	DeleteWorkItem(ctx context.Context, id int64, workerID string) error
	// RequeueWorkItem releases a held lease and makes the item eligible
	// again no earlier than notBefore.
	RequeueWorkItem(ctx context.Context, id int64, workerID string, notBefore time.Time) error
	// DeletePendingWork removes a task's items that are not currently
	// leased. Used by cancel and purge-on-pause.
	DeletePendingWork(ctx context.Context, taskID string) (int64, error)
	// SnoozeNextWork shifts the next pending item's run_at forward.
	SnoozeNextWork(ctx context.Context, taskID string, delta time.Duration) error
	// HasRecentWork reports whether a pending work item exists for
	// (taskID, dedupeKey), or any run of the task started within the
	// window (run rows do not record a dedupe key). Backs the scheduler's
	// dedupe suppression.
	HasRecentWork(ctx context.Context, taskID, dedupeKey string, window time.Duration, now time.Time) (bool, error)

	// --- Runs ---

	InsertRun(ctx context.Context, run *models.TaskRun) (*models.TaskRun, error)
	FinalizeRun(ctx context.Context, id string, state models.RunState, success bool, finishedAt time.Time, errMsg string, output []byte) error
	ListRuns(ctx context.Context, taskID string, limit int) ([]models.TaskRun, error)
	// MaxAttempt returns the highest attempt recorded against a work item,
	// 0 when none. A worker taking over an abandoned item continues the
	// counter from here instead of restarting the retry budget.
	MaxAttempt(ctx context.Context, workItemID int64) (int, error)

	// --- Audit ---

	PublishAudit(ctx context.Context, e *models.AuditEntry) error

	// --- Advisory locks ---

	// AcquireLock takes the named lock for holder with a TTL; expired
	// locks are reclaimable. Returns false when another holder has it.
	AcquireLock(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error)
	// RenewLock extends the TTL iff holder still owns the lock.
	RenewLock(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, holderID string) error
}

// Open selects a backend from the database URL: postgres:// and
// postgresql:// URLs open the pgx pool, sqlite: prefixes and bare file
// paths open the embedded store.
func Open(ctx context.Context, databaseURL string) (Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return OpenPostgres(ctx, databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite:"):
		return OpenSQLite(strings.TrimPrefix(databaseURL, "sqlite:"))
	default:
		return OpenSQLite(databaseURL)
	}
}
