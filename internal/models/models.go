// Package models defines the core domain types for Orbiter.
package models

import (
	"encoding/json"
	"time"
)

// ScheduleKind identifies how a task's schedule_expr is interpreted.
type ScheduleKind string

const (
	ScheduleCron  ScheduleKind = "cron"
	ScheduleRRule ScheduleKind = "rrule"
	ScheduleOnce  ScheduleKind = "once"
	ScheduleEvent ScheduleKind = "event"
	// ScheduleCondition is reserved; task validation rejects it.
	ScheduleCondition ScheduleKind = "condition"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusActive   TaskStatus = "active"
	TaskStatusPaused   TaskStatus = "paused"
	TaskStatusCanceled TaskStatus = "canceled"
)

// BackoffStrategy selects the inter-attempt delay policy.
type BackoffStrategy string

const (
	// BackoffExponentialJitter is min(1s * 2^(attempt-1), 60s) * jitter in [0.5, 1.5].
	BackoffExponentialJitter BackoffStrategy = "exponential_jitter"
	BackoffFixed             BackoffStrategy = "fixed"
	BackoffNone              BackoffStrategy = "none"
)

// RunState is the state machine position of a TaskRun attempt.
type RunState string

const (
	RunStarting  RunState = "starting"
	RunRunning   RunState = "running"
	RunSucceeded RunState = "succeeded"
	RunFailed    RunState = "failed"
	RunAbandoned RunState = "abandoned"
)

// Agent represents the caller who owns tasks. Agents are never deleted,
// only soft-disabled.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Scopes    []string  `json:"scopes"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
}

// HasScope reports whether the agent carries the named scope.
func (a *Agent) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Task is a registered unit of recurring or one-shot work.
type Task struct {
	ID                  string          `json:"id"`
	Title               string          `json:"title"`
	Description         string          `json:"description"`
	OwnerAgentID        string          `json:"owner_agent_id"`
	ScheduleKind        ScheduleKind    `json:"schedule_kind"`
	ScheduleExpr        string          `json:"schedule_expr"`
	Timezone            string          `json:"timezone"`
	Payload             Payload         `json:"payload"`
	Status              TaskStatus      `json:"status"`
	Priority            int             `json:"priority"`
	DedupeKey           string          `json:"dedupe_key,omitempty"`
	DedupeWindowSeconds int             `json:"dedupe_window_seconds"`
	MaxRetries          int             `json:"max_retries"`
	Backoff             BackoffStrategy `json:"backoff_strategy"`
	ConcurrencyKey      string          `json:"concurrency_key,omitempty"`
	// LastFireAt is the last instant the scheduler materialised a work item
	// for. It guards against re-materialising past fires after a clock jump.
	LastFireAt *time.Time `json:"last_fire_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// WorkItem is one pending execution of a task in the durable queue.
type WorkItem struct {
	ID          int64      `json:"id"`
	TaskID      string     `json:"task_id"`
	RunAt       time.Time  `json:"run_at"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LockedBy    string     `json:"locked_by,omitempty"`
	DedupeKey   string     `json:"dedupe_key,omitempty"`
	// Payload carries an event payload into the run context; nil for
	// scheduled fires.
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// TaskRun is one attempt at executing a work item's pipeline. Rows are
// append-only; FinishedAt and Success stay unset until the attempt is
// terminal.
type TaskRun struct {
	ID         string          `json:"id"`
	TaskID     string          `json:"task_id"`
	WorkItemID int64           `json:"work_item_id"`
	Attempt    int             `json:"attempt"`
	State      RunState        `json:"state"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Success    *bool           `json:"success,omitempty"`
	Error      string          `json:"error,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	LeaseOwner string          `json:"lease_owner"`
	CreatedAt  time.Time       `json:"created_at"`
}

// AuditEntry records a state-mutating action. Write-only from the domain's
// perspective.
type AuditEntry struct {
	ID           string          `json:"id"`
	ActorAgentID string          `json:"actor_agent_id,omitempty"`
	Action       string          `json:"action"`
	SubjectID    string          `json:"subject_id,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	At           time.Time       `json:"at"`
}
