package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/orbiter/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres is the server store backend on a pgx pool. Leasing relies on
// FOR UPDATE SKIP LOCKED, so competing workers never block each other and
// never receive the same row.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects and migrates the schema.
func OpenPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	s := &Postgres{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the database connection is alive.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Postgres) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id UUID PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		scopes JSONB NOT NULL,
		disabled BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id UUID PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		owner_agent_id UUID NOT NULL REFERENCES agents(id),
		schedule_kind TEXT NOT NULL,
		schedule_expr TEXT NOT NULL,
		timezone TEXT NOT NULL,
		payload JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		priority INT NOT NULL DEFAULT 5,
		dedupe_key TEXT,
		dedupe_window_seconds INT NOT NULL DEFAULT 0,
		max_retries INT NOT NULL DEFAULT 0,
		backoff_strategy TEXT NOT NULL DEFAULT 'exponential_jitter',
		concurrency_key TEXT,
		last_fire_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS work_items (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		task_id UUID NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		run_at TIMESTAMPTZ NOT NULL,
		locked_until TIMESTAMPTZ,
		locked_by TEXT,
		dedupe_key TEXT,
		payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS task_runs (
		id UUID PRIMARY KEY,
		task_id UUID NOT NULL REFERENCES tasks(id),
		work_item_id BIGINT NOT NULL,
		attempt INT NOT NULL,
		state TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		finished_at TIMESTAMPTZ,
		success BOOLEAN,
		error TEXT,
		output JSONB,
		lease_owner TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS audit_entries (
		id UUID PRIMARY KEY,
		actor_agent_id UUID,
		action TEXT NOT NULL,
		subject_id TEXT,
		details JSONB,
		at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS locks (
		key TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_work_items_run_at ON work_items(run_at);
	CREATE INDEX IF NOT EXISTS idx_work_items_task_id ON work_items(task_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_work_items_dedupe
		ON work_items(task_id, run_at) WHERE dedupe_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_task_runs_task_id ON task_runs(task_id);
	CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_entries(at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// --- Agent Operations ---

func (s *Postgres) CreateAgent(ctx context.Context, name string, scopes []string) (*models.Agent, error) {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO agents (id, name, scopes, disabled, created_at) VALUES ($1, $2, $3, FALSE, $4)`,
		agent.ID, agent.Name, scopesJSON, agent.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert agent: %w", err)
	}
	return agent, nil
}

func (s *Postgres) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	var a models.Agent
	var scopesJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, scopes, disabled, created_at FROM agents WHERE id = $1`, id,
	).Scan(&a.ID, &a.Name, &scopesJSON, &a.Disabled, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query agent: %w", err)
	}
	if err := json.Unmarshal(scopesJSON, &a.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	return &a, nil
}

func (s *Postgres) ListAgents(ctx context.Context) ([]models.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, scopes, disabled, created_at FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []models.Agent
	for rows.Next() {
		var a models.Agent
		var scopesJSON []byte
		if err := rows.Scan(&a.ID, &a.Name, &scopesJSON, &a.Disabled, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := json.Unmarshal(scopesJSON, &a.Scopes); err != nil {
			return nil, fmt.Errorf("decode scopes: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Postgres) DisableAgent(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET disabled = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("disable agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Task Operations ---

func (s *Postgres) CreateTask(ctx context.Context, t *models.Task) (*models.Task, error) {
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

	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (
			id, title, description, owner_agent_id, schedule_kind, schedule_expr,
			timezone, payload, status, priority, dedupe_key, dedupe_window_seconds,
			max_retries, backoff_strategy, concurrency_key, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.Title, t.Description, t.OwnerAgentID, t.ScheduleKind, t.ScheduleExpr,
		t.Timezone, payloadJSON, t.Status, t.Priority,
		textOrNil(t.DedupeKey), t.DedupeWindowSeconds,
		t.MaxRetries, t.Backoff, textOrNil(t.ConcurrencyKey), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

const pgTaskColumns = `id, title, description, owner_agent_id, schedule_kind, schedule_expr,
	timezone, payload, status, priority, dedupe_key, dedupe_window_seconds,
	max_retries, backoff_strategy, concurrency_key, last_fire_at, created_at, updated_at`

func scanPgTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	var payloadJSON []byte
	var dedupeKey, concurrencyKey *string
	var lastFire *time.Time

	err := row.Scan(
		&t.ID, &t.Title, &t.Description, &t.OwnerAgentID, &t.ScheduleKind, &t.ScheduleExpr,
		&t.Timezone, &payloadJSON, &t.Status, &t.Priority, &dedupeKey, &t.DedupeWindowSeconds,
		&t.MaxRetries, &t.Backoff, &concurrencyKey, &lastFire, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payloadJSON, &t.Payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if dedupeKey != nil {
		t.DedupeKey = *dedupeKey
	}
	if concurrencyKey != nil {
		t.ConcurrencyKey = *concurrencyKey
	}
	if lastFire != nil {
		at := lastFire.UTC()
		t.LastFireAt = &at
	}
	return &t, nil
}

func (s *Postgres) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgTaskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanPgTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return t, nil
}

func (s *Postgres) LoadActiveTasks(ctx context.Context) ([]models.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at`,
		models.TaskStatusActive)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (s *Postgres) SetTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) SetLastFire(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET last_fire_at = $2 WHERE id = $1 AND (last_fire_at IS NULL OR last_fire_at < $2)`,
		id, at.UTC())
	return err
}

// --- Work Queue Operations ---

func (s *Postgres) InsertWorkItem(ctx context.Context, taskID string, runAt time.Time, dedupeKey string, payload []byte) (int64, error) {
	var payloadVal any
	if payload != nil {
		payloadVal = json.RawMessage(payload)
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO work_items (task_id, run_at, dedupe_key, payload) VALUES ($1, $2, $3, $4) RETURNING id`,
		taskID, runAt.UTC(), textOrNil(dedupeKey), payloadVal,
	).Scan(&id)
	if err != nil {
		if dedupeKey != "" && isUniqueViolation(err) {
			qerr := s.pool.QueryRow(ctx,
				`SELECT id FROM work_items WHERE task_id = $1 AND run_at = $2`,
				taskID, runAt.UTC(),
			).Scan(&id)
			if qerr == nil {
				return id, nil
			}
		}
		return 0, fmt.Errorf("insert work item: %w", err)
	}
	return id, nil
}

// LeaseReadyWork picks the first eligible row with FOR UPDATE SKIP LOCKED
// and stamps the lease in the same transaction.
func (s *Postgres) LeaseReadyWork(ctx context.Context, now time.Time, lease time.Duration, workerID string) (*models.WorkItem, error) {
	now = now.UTC()
	until := now.Add(lease)

	var w models.WorkItem
	var lockedUntil *time.Time
	var lockedBy, dedupeKey *string
	var payload []byte

	err := s.pool.QueryRow(ctx, `
		WITH candidate AS (
			SELECT w.id
			FROM work_items w
			JOIN tasks t ON t.id = w.task_id
			WHERE w.run_at <= $1 AND (w.locked_until IS NULL OR w.locked_until < $1)
			ORDER BY w.run_at ASC, t.priority DESC, w.id ASC
			LIMIT 1
			FOR UPDATE OF w SKIP LOCKED
		)
		UPDATE work_items
		SET locked_until = $2, locked_by = $3
		FROM candidate
		WHERE work_items.id = candidate.id
		RETURNING work_items.id, work_items.task_id, work_items.run_at,
		          work_items.locked_until, work_items.locked_by,
		          work_items.dedupe_key, work_items.payload, work_items.created_at`,
		now, until, workerID,
	).Scan(&w.ID, &w.TaskID, &w.RunAt, &lockedUntil, &lockedBy, &dedupeKey, &payload, &w.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease ready work: %w", err)
	}

	if lockedUntil != nil {
		u := lockedUntil.UTC()
		w.LockedUntil = &u
	}
	if lockedBy != nil {
		w.LockedBy = *lockedBy
	}
	if dedupeKey != nil {
		w.DedupeKey = *dedupeKey
	}
	if payload != nil {
		w.Payload = json.RawMessage(payload)
	}
	w.RunAt = w.RunAt.UTC()
	return &w, nil
}

func (s *Postgres) RenewLease(ctx context.Context, id int64, workerID string, newUntil time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE work_items SET locked_until = $3 WHERE id = $1 AND locked_by = $2 AND locked_until >= NOW()`,
		id, workerID, newUntil.UTC())
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *Postgres) DeleteWorkItem(ctx context.Context, id int64, workerID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM work_items WHERE id = $1 AND locked_by = $2`, id, workerID)
	if err != nil {
		return fmt.Errorf("delete work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *Postgres) RequeueWorkItem(ctx context.Context, id int64, workerID string, notBefore time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE work_items SET locked_until = NULL, locked_by = NULL, run_at = $3
		 WHERE id = $1 AND locked_by = $2`,
		id, workerID, notBefore.UTC())
	if err != nil {
		return fmt.Errorf("requeue work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *Postgres) DeletePendingWork(ctx context.Context, taskID string) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM work_items WHERE task_id = $1 AND (locked_until IS NULL OR locked_until < NOW())`,
		taskID)
	if err != nil {
		return 0, fmt.Errorf("delete pending work: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Postgres) SnoozeNextWork(ctx context.Context, taskID string, delta time.Duration) error {
	// The shift is bound as whole seconds and applied with make_interval;
	// pgx cannot encode a bare time.Duration as an interval.
	tag, err := s.pool.Exec(ctx, `
		UPDATE work_items SET run_at = run_at + make_interval(secs => $2)
		WHERE id = (
			SELECT id FROM work_items
			WHERE task_id = $1 AND (locked_until IS NULL OR locked_until < NOW())
			ORDER BY run_at ASC LIMIT 1
		)`, taskID, delta.Seconds())
	if err != nil {
		return fmt.Errorf("snooze work item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) HasRecentWork(ctx context.Context, taskID, dedupeKey string, window time.Duration, now time.Time) (bool, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM work_items WHERE task_id = $1 AND dedupe_key = $2`,
		taskID, dedupeKey).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count pending work: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM task_runs WHERE task_id = $1 AND started_at > $2`,
		taskID, now.UTC().Add(-window)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count recent runs: %w", err)
	}
	return n > 0, nil
}

// --- Run Operations ---

func (s *Postgres) InsertRun(ctx context.Context, run *models.TaskRun) (*models.TaskRun, error) {
	now := time.Now().UTC()
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.State == "" {
		run.State = models.RunStarting
	}
	run.CreatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO task_runs (id, task_id, work_item_id, attempt, state, started_at, lease_owner, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.TaskID, run.WorkItemID, run.Attempt, run.State,
		run.StartedAt.UTC(), run.LeaseOwner, run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

func (s *Postgres) FinalizeRun(ctx context.Context, id string, state models.RunState, success bool, finishedAt time.Time, errMsg string, output []byte) error {
	var outputVal any
	if output != nil {
		outputVal = json.RawMessage(output)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE task_runs SET state = $2, success = $3, finished_at = $4, error = $5, output = $6
		WHERE id = $1 AND finished_at IS NULL`,
		id, state, success, finishedAt.UTC(), textOrNil(errMsg), outputVal)
	if err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) MaxAttempt(ctx context.Context, workItemID int64) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(attempt), 0) FROM task_runs WHERE work_item_id = $1`,
		workItemID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query max attempt: %w", err)
	}
	return n, nil
}

func (s *Postgres) ListRuns(ctx context.Context, taskID string, limit int) ([]models.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, work_item_id, attempt, state, started_at, finished_at, success, error, output, lease_owner, created_at
		FROM task_runs WHERE task_id = $1 ORDER BY started_at DESC, attempt DESC LIMIT $2`,
		taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.TaskRun
	for rows.Next() {
		var r models.TaskRun
		var finishedAt *time.Time
		var success *bool
		var errMsg *string
		var output []byte

		if err := rows.Scan(&r.ID, &r.TaskID, &r.WorkItemID, &r.Attempt, &r.State,
			&r.StartedAt, &finishedAt, &success, &errMsg, &output, &r.LeaseOwner, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if finishedAt != nil {
			t := finishedAt.UTC()
			r.FinishedAt = &t
		}
		r.Success = success
		if errMsg != nil {
			r.Error = *errMsg
		}
		if output != nil {
			r.Output = json.RawMessage(output)
		}
		r.StartedAt = r.StartedAt.UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// --- Audit Operations ---

func (s *Postgres) PublishAudit(ctx context.Context, e *models.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	var details any
	if e.Details != nil {
		details = json.RawMessage(e.Details)
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_entries (id, actor_agent_id, action, subject_id, details, at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, textOrNil(e.ActorAgentID), e.Action, textOrNil(e.SubjectID), details, e.At.UTC())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// --- Lock Operations ---

// AcquireLock upserts the lock row when it is free or expired. The expiry
// instant is computed in Go and bound as a timestamp; pgx has no encode
// plan for a bare time.Duration.
func (s *Postgres) AcquireLock(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO locks (key, holder_id, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET holder_id = $2, expires_at = $3
		WHERE locks.expires_at <= NOW() OR locks.holder_id = $2`,
		key, holderID, until)
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) RenewLock(ctx context.Context, key, holderID string, ttl time.Duration) (bool, error) {
	until := time.Now().UTC().Add(ttl)
	tag, err := s.pool.Exec(ctx,
		`UPDATE locks SET expires_at = $3 WHERE key = $1 AND holder_id = $2 AND expires_at > NOW()`,
		key, holderID, until)
	if err != nil {
		return false, fmt.Errorf("renew lock: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Postgres) ReleaseLock(ctx context.Context, key, holderID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM locks WHERE key = $1 AND holder_id = $2`, key, holderID)
	return err
}

func textOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
