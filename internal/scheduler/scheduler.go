// Package scheduler translates active tasks into work items at the right
// instants. One leader materialises work at a time; its in-memory trigger
// table is a cache rebuilt from the store on every boot and takeover.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fentz26/orbiter/internal/audit"
	"github.com/fentz26/orbiter/internal/bus"
	"github.com/fentz26/orbiter/internal/clock"
	"github.com/fentz26/orbiter/internal/models"
	"github.com/fentz26/orbiter/internal/recurrence"
	"github.com/fentz26/orbiter/internal/store"
)

// leaderKey is the advisory lock that elects the materialising scheduler.
const leaderKey = "scheduler:leader"

// maxCatchUpFires bounds how many overdue fires a single tick materialises
// per task after downtime.
const maxCatchUpFires = 25

// Config tunes the scheduler daemon.
type Config struct {
	// ID identifies this instance in the leader lock.
	ID string
	// Tick is the timer resolution of the fire loop.
	Tick time.Duration
	// LeaderTTL is the leadership lease; renewed every tick.
	LeaderTTL time.Duration
}

// trigger is one timed task and its next computed fire instant.
type trigger struct {
	task models.Task
	next time.Time
}

// Scheduler owns the trigger table and the event index.
type Scheduler struct {
	store store.Store
	bus   bus.Bus
	audit *audit.Writer
	clk   clock.Clock
	log   *zap.SugaredLogger
	cfg   Config

	mu       sync.Mutex
	triggers map[string]*trigger
	// eventIndex maps event topic to the ids of active event tasks.
	eventIndex map[string]map[string]bool
}

// New creates a scheduler.
func New(s store.Store, b bus.Bus, a *audit.Writer, clk clock.Clock, log *zap.SugaredLogger, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 500 * time.Millisecond
	}
	if cfg.LeaderTTL <= 0 {
		cfg.LeaderTTL = 15 * time.Second
	}
	return &Scheduler{
		store:      s,
		bus:        b,
		audit:      a,
		clk:        clk,
		log:        log,
		cfg:        cfg,
		triggers:   make(map[string]*trigger),
		eventIndex: make(map[string]map[string]bool),
	}
}

// Run competes for leadership and materialises work while leading. It
// returns when ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		got, err := s.store.AcquireLock(ctx, leaderKey, s.cfg.ID, s.cfg.LeaderTTL)
		if err != nil {
			s.log.Warnw("leader election failed", "error", err)
		}
		if !got {
			s.sleep(ctx, s.cfg.LeaderTTL/3)
			continue
		}

		s.log.Infow("assumed scheduler leadership", "id", s.cfg.ID)
		s.lead(ctx)
		s.store.ReleaseLock(context.WithoutCancel(ctx), leaderKey, s.cfg.ID)
		s.log.Infow("released scheduler leadership", "id", s.cfg.ID)
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-s.clk.After(d):
	}
}

// lead runs the fire loop until ctx is canceled or leadership is lost.
func (s *Scheduler) lead(ctx context.Context) {
	if err := s.Rebuild(ctx); err != nil {
		s.log.Errorw("trigger rebuild failed", "error", err)
		return
	}

	msgCh, err := s.bus.Subscribe(ctx)
	if err != nil {
		s.log.Errorw("bus subscribe failed", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgCh:
			if !ok {
				return
			}
			s.Handle(ctx, m)
		case <-s.clk.After(s.cfg.Tick):
			still, err := s.store.RenewLock(ctx, leaderKey, s.cfg.ID, s.cfg.LeaderTTL)
			if err != nil {
				s.log.Warnw("leadership renewal error", "error", err)
				continue
			}
			if !still {
				s.log.Warnw("lost scheduler leadership", "id", s.cfg.ID)
				return
			}
			s.Tick(ctx)
		}
	}
}

// Rebuild reloads the trigger table and event index from the store.
func (s *Scheduler) Rebuild(ctx context.Context) error {
	tasks, err := s.store.LoadActiveTasks(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.triggers = make(map[string]*trigger)
	s.eventIndex = make(map[string]map[string]bool)
	s.mu.Unlock()

	for i := range tasks {
		s.register(&tasks[i])
	}
	s.log.Infow("trigger table rebuilt", "tasks", len(tasks))
	return nil
}

// register arms (or re-arms) one active task.
func (s *Scheduler) register(task *models.Task) {
	s.unregister(task.ID)
	if task.Status != models.TaskStatusActive {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ScheduleKind == models.ScheduleEvent {
		topic := task.ScheduleExpr
		if s.eventIndex[topic] == nil {
			s.eventIndex[topic] = make(map[string]bool)
		}
		s.eventIndex[topic][task.ID] = true
		return
	}
	if task.ScheduleKind == models.ScheduleCondition {
		return
	}

	// Computing strictly after the last materialised instant keeps the
	// scheduler from re-firing the past after a backward clock jump.
	ref := s.clk.Now()
	if task.LastFireAt != nil {
		ref = *task.LastFireAt
	}
	next, ok, err := recurrence.NextAfter(task.ScheduleKind, task.ScheduleExpr, task.Timezone, ref)
	if err != nil {
		s.log.Warnw("descriptor rejected at arm time", "task_id", task.ID, "error", err)
		return
	}
	if !ok {
		// Exhausted: still active for audit, never materialises again.
		return
	}
	s.triggers[task.ID] = &trigger{task: *task, next: next}
}

// unregister removes a task from timers and the event index.
func (s *Scheduler) unregister(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, taskID)
	for topic, ids := range s.eventIndex {
		if ids[taskID] {
			delete(ids, taskID)
			if len(ids) == 0 {
				delete(s.eventIndex, topic)
			}
		}
	}
}

// Tick materialises every due trigger.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clk.Now()

	s.mu.Lock()
	due := make([]*trigger, 0)
	for _, tr := range s.triggers {
		if !tr.next.After(now) {
			due = append(due, tr)
		}
	}
	s.mu.Unlock()

	for _, tr := range due {
		s.fire(ctx, tr, now)
	}
}

// fire materialises one task's overdue instants and re-arms its trigger.
func (s *Scheduler) fire(ctx context.Context, tr *trigger, now time.Time) {
	task := tr.task
	fireAt := tr.next

	for n := 0; n < maxCatchUpFires && !fireAt.After(now); n++ {
		if err := s.materialise(ctx, &task, fireAt, nil); err != nil {
			s.log.Warnw("materialise failed", "task_id", task.ID, "error", err)
			return // retried next tick
		}

		next, ok, err := recurrence.NextAfter(task.ScheduleKind, task.ScheduleExpr, task.Timezone, fireAt)
		if err != nil || !ok {
			s.unregister(task.ID)
			return
		}
		fireAt = next
	}

	s.mu.Lock()
	if cur, live := s.triggers[task.ID]; live {
		cur.next = fireAt
	}
	s.mu.Unlock()
}

// materialise inserts one work item, subject to dedupe suppression, and
// advances the task's last-fire watermark.
func (s *Scheduler) materialise(ctx context.Context, task *models.Task, runAt time.Time, payload []byte) error {
	suppressed := false
	if task.DedupeKey != "" && task.DedupeWindowSeconds > 0 {
		window := time.Duration(task.DedupeWindowSeconds) * time.Second
		recent, err := s.store.HasRecentWork(ctx, task.ID, task.DedupeKey, window, s.clk.Now())
		if err != nil {
			return err
		}
		suppressed = recent
	}

	if !suppressed {
		id, err := s.store.InsertWorkItem(ctx, task.ID, runAt, task.DedupeKey, payload)
		if err != nil {
			return err
		}
		if err := s.audit.Record(ctx, task.OwnerAgentID, "workitem.materialized", task.ID, map[string]any{
			"work_item_id": id,
			"run_at":       runAt.UTC().Format(time.RFC3339),
		}); err != nil {
			s.log.Warnw("audit write failed", "task_id", task.ID, "error", err)
		}
	}

	return s.store.SetLastFire(ctx, task.ID, runAt)
}

// Handle applies one bus message. Handlers are idempotent; the bus is
// at-least-once.
func (s *Scheduler) Handle(ctx context.Context, m bus.Message) {
	switch m.Kind {
	case bus.KindTaskCreated, bus.KindTaskUpdated:
		s.rearmFromStore(ctx, m.TaskID)

	case bus.KindTaskStatusChanged:
		switch models.TaskStatus(m.NewStatus) {
		case models.TaskStatusActive:
			s.rearmFromStore(ctx, m.TaskID)
		case models.TaskStatusPaused:
			// Timers stop; already-materialised items stay unless purged.
			s.unregister(m.TaskID)
		case models.TaskStatusCanceled:
			s.unregister(m.TaskID)
			if n, err := s.store.DeletePendingWork(ctx, m.TaskID); err != nil {
				s.log.Warnw("purge pending work failed", "task_id", m.TaskID, "error", err)
			} else if n > 0 {
				s.log.Infow("purged pending work", "task_id", m.TaskID, "items", n)
			}
		default:
			s.rearmFromStore(ctx, m.TaskID)
		}

	case bus.KindTaskRunNow:
		task, err := s.store.GetTask(ctx, m.TaskID)
		if err != nil {
			s.log.Warnw("run_now for unknown task", "task_id", m.TaskID, "error", err)
			return
		}
		if task.Status != models.TaskStatusActive {
			return
		}
		if err := s.materialise(ctx, task, s.clk.Now(), nil); err != nil {
			s.log.Warnw("run_now materialise failed", "task_id", m.TaskID, "error", err)
		}

	case bus.KindTaskSnooze:
		delta := time.Duration(m.Seconds) * time.Second
		if err := s.store.SnoozeNextWork(ctx, m.TaskID, delta); err != nil && !errors.Is(err, store.ErrNotFound) {
			s.log.Warnw("snooze failed", "task_id", m.TaskID, "error", err)
		}

	case bus.KindEventPublished:
		s.fanOutEvent(ctx, m)
	}
}

// rearmFromStore re-reads a task and replaces its trigger.
func (s *Scheduler) rearmFromStore(ctx context.Context, taskID string) {
	task, err := s.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		s.unregister(taskID)
		return
	}
	if err != nil {
		s.log.Warnw("reload task failed", "task_id", taskID, "error", err)
		return
	}
	if task.Status != models.TaskStatusActive {
		s.unregister(taskID)
		return
	}
	s.register(task)
}

// fanOutEvent materialises an immediate work item for every active task
// subscribed to the topic, passing the event payload through.
func (s *Scheduler) fanOutEvent(ctx context.Context, m bus.Message) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.eventIndex[m.Topic]))
	for id := range s.eventIndex[m.Topic] {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		task, err := s.store.GetTask(ctx, id)
		if err != nil || task.Status != models.TaskStatusActive {
			continue
		}
		if err := s.materialise(ctx, task, s.clk.Now(), m.Payload); err != nil {
			s.log.Warnw("event materialise failed", "task_id", id, "topic", m.Topic, "error", err)
		}
	}
}
