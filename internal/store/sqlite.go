package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/orbiter/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLite is the embedded store backend. The connection pool is pinned to a
// single connection, so every statement below runs serialised; that single
// writer is what makes LeaseReadyWork's read-then-lock atomic.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) an embedded store at dbPath. ":memory:"
// is accepted for tests.
func OpenSQLite(dbPath string) (*SQLite, error) {
	if dbPath != ":memory:" {
		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create db directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		scopes TEXT NOT NULL,
		disabled INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		owner_agent_id TEXT NOT NULL REFERENCES agents(id),
		schedule_kind TEXT NOT NULL,
		schedule_expr TEXT NOT NULL,
		timezone TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		priority INTEGER NOT NULL DEFAULT 5,
		dedupe_key TEXT,
		dedupe_window_seconds INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 0,
		backoff_strategy TEXT NOT NULL DEFAULT 'exponential_jitter',
		concurrency_key TEXT,
		last_fire_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS work_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		run_at DATETIME NOT NULL,
		locked_until DATETIME,
		locked_by TEXT,
		dedupe_key TEXT,
		payload TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS task_runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL REFERENCES tasks(id),
		work_item_id INTEGER NOT NULL,
		attempt INTEGER NOT NULL,
		state TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME,
		success INTEGER,
		error TEXT,
		output TEXT,
		lease_owner TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		actor_agent_id TEXT,
		action TEXT NOT NULL,
		subject_id TEXT,
		details TEXT,
		at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS locks (
		key TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		expires_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_work_items_run_at ON work_items(run_at);
	CREATE INDEX IF NOT EXISTS idx_work_items_task_id ON work_items(task_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_work_items_dedupe
		ON work_items(task_id, run_at) WHERE dedupe_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_task_runs_task_id ON task_runs(task_id);
	CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_entries(at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Agent Operations ---

// CreateAgent inserts a new agent.
func (s *SQLite) CreateAgent(ctx context.Context, name string, scopes []string) (*models.Agent, error) {
	now := time.Now().UTC()
	agent := &models.Agent{
		ID:        uuid.New().String(),
		Name:      name,
		Scopes:    scopes,
		CreatedAt: now,
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return nil, fmt.Errorf("marshal scopes: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (id, name, scopes, disabled, created_at) VALUES (?, ?, ?, 0, ?)`,
		agent.ID, agent.Name, string(scopesJSON), agent.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return agent, nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLite) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent := &models.Agent{}
	var scopesJSON string
	var disabled int

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, scopes, disabled, created_at FROM agents WHERE id = ?`, id,
	).Scan(&agent.ID, &agent.Name, &scopesJSON, &disabled, &agent.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	agent.Disabled = disabled != 0
	if err := json.Unmarshal([]byte(scopesJSON), &agent.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents.
func (s *SQLite) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, scopes, disabled, created_at FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		var a models.Agent
		var scopesJSON string
		var disabled int
		if err := rows.Scan(&a.ID, &a.Name, &scopesJSON, &disabled, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		a.Disabled = disabled != 0
		if err := json.Unmarshal([]byte(scopesJSON), &a.Scopes); err != nil {
			return nil, fmt.Errorf("decode scopes: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// DisableAgent soft-disables an agent.
func (s *SQLite) DisableAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET disabled = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("disable agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Task Operations ---

// CreateTask validates and inserts a task.
func (s *SQLite) CreateTask(ctx context.Context, t *models.Task) (*models.Task, error) {
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusActive
	}
	t.CreatedAt = now
	t.UpdatedAt = now

	payloadJSON, err := json.Marshal(t.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, title, description, owner_agent_id, schedule_kind, schedule_expr,
			timezone, payload, status, priority, dedupe_key, dedupe_window_seconds,
			max_retries, backoff_strategy, concurrency_key, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.OwnerAgentID, t.ScheduleKind, t.ScheduleExpr,
		t.Timezone, string(payloadJSON), t.Status, t.Priority,
		nullString(t.DedupeKey), t.DedupeWindowSeconds,
		t.MaxRetries, t.Backoff, nullString(t.ConcurrencyKey), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

const taskColumns = `id, title, description, owner_agent_id, schedule_kind, schedule_expr,
	timezone, payload, status, priority, dedupe_key, dedupe_window_seconds,
	max_retries, backoff_strategy, concurrency_key, last_fire_at, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (*models.Task, error) {
	var t models.Task
	var payloadJSON string
	var dedupeKey, concurrencyKey sql.NullString
	var lastFire sql.NullTime

	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.OwnerAgentID, &t.ScheduleKind, &t.ScheduleExpr,
		&t.Timezone, &payloadJSON, &t.Status, &t.Priority, &dedupeKey, &t.DedupeWindowSeconds,
		&t.MaxRetries, &t.Backoff, &concurrencyKey, &lastFire, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(payloadJSON), &t.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dedupeKey.Valid {
		t.DedupeKey = dedupeKey.String
	}
	if concurrencyKey.Valid {
		t.ConcurrencyKey = concurrencyKey.String
	}
	if lastFire.Valid {
		at := lastFire.Time.UTC()
		t.LastFireAt = &at
	}
	return &t, nil
}

// GetTask retrieves a task by ID.
func (s *SQLite) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

// LoadActiveTasks returns all tasks with status = active.
func (s *SQLite) LoadActiveTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY created_at`, models.TaskStatusActive)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// SetTaskStatus updates the status of a task.
func (s *SQLite) SetTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetLastFire records the newest materialised instant for a task.
func (s *SQLite) SetLastFire(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_fire_at = ? WHERE id = ? AND (last_fire_at IS NULL OR last_fire_at < ?)`,
		at.UTC(), id, at.UTC(),
	)
	return err
}

// --- Work Queue Operations ---

// InsertWorkItem enqueues a pending execution. With a dedupe key the insert
// is idempotent on (task_id, run_at).
func (s *SQLite) InsertWorkItem(ctx context.Context, taskID string, runAt time.Time, dedupeKey string, payload []byte) (int64, error) {
	now := time.Now().UTC()
	var payloadVal any
	if payload != nil {
		payloadVal = string(payload)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO work_items (task_id, run_at, dedupe_key, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		taskID, runAt.UTC(), nullString(dedupeKey), payloadVal, now,
	)
	if err != nil {
		if dedupeKey != "" && strings.Contains(err.Error(), "UNIQUE constraint") {
			var id int64
			qerr := s.db.QueryRowContext(ctx,
				`SELECT id FROM work_items WHERE task_id = ? AND run_at = ?`,
				taskID, runAt.UTC(),
			).Scan(&id)
			if qerr == nil {
				return id, nil
			}
		}
		return 0, fmt.Errorf("insert work item: %w", err)
	}
	return res.LastInsertId()
}

const workItemColumns = `w.id, w.task_id, w.run_at, w.locked_until, w.locked_by, w.dedupe_key, w.payload, w.created_at`

func scanWorkItem(row interface{ Scan(...any) error }) (*models.WorkItem, error) {
	var w models.WorkItem
	var lockedUntil sql.NullTime
	var lockedBy, dedupeKey, payload sql.NullString

	err := row.Scan(&w.ID, &w.TaskID, &w.RunAt, &lockedUntil, &lockedBy, &dedupeKey, &payload, &w.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		u := lockedUntil.Time.UTC()
		w.LockedUntil = &u
	}
	if lockedBy.Valid {
		w.LockedBy = lockedBy.String
	}
	if dedupeKey.Valid {
		w.DedupeKey = dedupeKey.String
	}
	if payload.Valid {
		w.Payload = json.RawMessage(payload.String)
	}
	w.RunAt = w.RunAt.UTC()
	return &w, nil
}

// LeaseReadyWork leases at most one eligible work item. The single-writer
// connection serialises the select-then-update, so two callers can never
// receive the same row.
func (s *SQLite) LeaseReadyWork(ctx context.Context, now time.Time, lease time.Duration, workerID string) (*models.WorkItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now = now.UTC()
	row := tx.QueryRowContext(ctx, `
		SELECT `+workItemColumns+`
		FROM work_items w JOIN tasks t ON t.id = w.task_id
		WHERE w.run_at <= ? AND (w.locked_until IS NULL OR w.locked_until < ?)
		ORDER BY w.run_at ASC, t.priority DESC, w.id ASC
		LIMIT 1`, now, now)

	item, err := scanWorkItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select ready work: %w", err)
	}

	until := now.Add(lease)
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET locked_until = ?, locked_by = ?
		 WHERE id = ? AND (locked_until IS NULL OR locked_until < ?)`,
		until, workerID, item.ID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("lock work item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Raced with another leaser between snapshot and update.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}

	item.LockedUntil = &until
	item.LockedBy = workerID
	return item, nil
}

// RenewLease extends the lease iff the worker still holds it.
func (s *SQLite) RenewLease(ctx context.Context, id int64, workerID string, newUntil time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET locked_until = ? WHERE id = ? AND locked_by = ? AND locked_until >= ?`,
		newUntil.UTC(), id, workerID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// DeleteWorkItem removes the item iff the worker holds the lease.
func (s *SQLite) DeleteWorkItem(ctx context.Context, id int64, workerID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM work_items WHERE id = ? AND locked_by = ?`, id, workerID)
	if err != nil {
		return fmt.Errorf("delete work item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// RequeueWorkItem releases a held lease, delaying eligibility to notBefore.
func (s *SQLite) RequeueWorkItem(ctx context.Context, id int64, workerID string, notBefore time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET locked_until = NULL, locked_by = NULL, run_at = ? WHERE id = ? AND locked_by = ?`,
		notBefore.UTC(), id, workerID,
	)
	if err != nil {
		return fmt.Errorf("requeue work item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// DeletePendingWork removes a task's items that are not currently leased.
func (s *SQLite) DeletePendingWork(ctx context.Context, taskID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM work_items WHERE task_id = ? AND (locked_until IS NULL OR locked_until < ?)`,
		taskID, time.Now().UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete pending work: %w", err)
	}
	return res.RowsAffected()
}

// SnoozeNextWork shifts the next pending item's run_at forward by delta.
func (s *SQLite) SnoozeNextWork(ctx context.Context, taskID string, delta time.Duration) error {
	now := time.Now().UTC()
	var id int64
	var runAt time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT id, run_at FROM work_items
		WHERE task_id = ? AND (locked_until IS NULL OR locked_until < ?)
		ORDER BY run_at ASC LIMIT 1`, taskID, now,
	).Scan(&id, &runAt)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select next work: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE work_items SET run_at = ? WHERE id = ?`, runAt.UTC().Add(delta), id)
	if err != nil {
		return fmt.Errorf("snooze work item: %w", err)
	}
	return nil
}

// HasRecentWork reports whether a pending item or a recent run exists for
// the dedupe pair.
func (s *SQLite) HasRecentWork(ctx context.Context, taskID, dedupeKey string, window time.Duration, now time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM work_items WHERE task_id = ? AND dedupe_key = ?`,
		taskID, dedupeKey,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count pending work: %w", err)
	}
	if n > 0 {
		return true, nil
	}

	cutoff := now.UTC().Add(-window)
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_runs WHERE task_id = ? AND started_at > ?`,
		taskID, cutoff,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count recent runs: %w", err)
	}
	return n > 0, nil
}

// --- Run Operations ---

// InsertRun records the start of a pipeline attempt.
func (s *SQLite) InsertRun(ctx context.Context, run *models.TaskRun) (*models.TaskRun, error) {
	now := time.Now().UTC()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.State == "" {
		run.State = models.RunStarting
	}
	run.CreatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (id, task_id, work_item_id, attempt, state, started_at, lease_owner, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, run.WorkItemID, run.Attempt, run.State,
		run.StartedAt.UTC(), run.LeaseOwner, run.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// FinalizeRun marks an attempt terminal.
func (s *SQLite) FinalizeRun(ctx context.Context, id string, state models.RunState, success bool, finishedAt time.Time, errMsg string, output []byte) error {
	var outputVal any
	if output != nil {
		outputVal = string(output)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_runs SET state = ?, success = ?, finished_at = ?, error = ?, output = ?
		WHERE id = ? AND finished_at IS NULL`,
		state, boolToInt(success), finishedAt.UTC(), nullString(errMsg), outputVal, id,
	)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MaxAttempt returns the highest attempt recorded against a work item.
func (s *SQLite) MaxAttempt(ctx context.Context, workItemID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attempt), 0) FROM task_runs WHERE work_item_id = ?`,
		workItemID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query max attempt: %w", err)
	}
	return n, nil
}

// ListRuns returns a task's runs, newest first.
func (s *SQLite) ListRuns(ctx context.Context, taskID string, limit int) ([]models.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, work_item_id, attempt, state, started_at, finished_at, success, error, output, lease_owner, created_at
		FROM task_runs WHERE task_id = ? ORDER BY started_at DESC, attempt DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.TaskRun
	for rows.Next() {
		var r models.TaskRun
		var finishedAt sql.NullTime
		var success sql.NullInt64
		var errMsg, output sql.NullString

		if err := rows.Scan(&r.ID, &r.TaskID, &r.WorkItemID, &r.Attempt, &r.State,
			&r.StartedAt, &finishedAt, &success, &errMsg, &output, &r.LeaseOwner, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finishedAt.Valid {
			t := finishedAt.Time.UTC()
			r.FinishedAt = &t
		}
		if success.Valid {
			b := success.Int64 != 0
			r.Success = &b
		}
		if errMsg.Valid {
			r.Error = errMsg.String
		}
		if output.Valid {
			r.Output = json.RawMessage(output.String)
		}
		r.StartedAt = r.StartedAt.UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Audit Operations ---

// PublishAudit appends an audit entry.
func (s *SQLite) PublishAudit(ctx context.Context, e *models.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	var details any
	if e.Details != nil {
		details = string(e.Details)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_entries (id, actor_agent_id, action, subject_id, details, at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, nullString(e.ActorAgentID), e.Action, nullString(e.SubjectID), details, e.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// --- Lock Operations ---

// AcquireLock takes the named lock if it is free or expired.
func (s *SQLite) AcquireLock(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM locks WHERE key = ? AND expires_at <= ?`, key, now); err != nil {
		return false, fmt.Errorf("clean expired lock: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO locks (key, holder_id, expires_at) VALUES (?, ?, ?)`,
		key, holderID, now.Add(ttl),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "unique constraint") {
			return false, nil
		}
		return false, fmt.Errorf("insert lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit lock: %w", err)
	}
	return true, nil
}

// RenewLock extends the TTL iff the holder still owns the lock.
func (s *SQLite) RenewLock(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = ? WHERE key = ? AND holder_id = ? AND expires_at > ?`,
		now.Add(ttl), key, holderID, now,
	)
	if err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLock releases a lock held by holderID.
func (s *SQLite) ReleaseLock(ctx context.Context, key, holderID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE key = ? AND holder_id = ?`, key, holderID)
	return err
}

// --- helpers ---

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
