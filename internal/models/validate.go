package models

import (
	"fmt"
	"time"
)

// Validate checks the structural invariants of a task: known schedule kind,
// valid IANA timezone, priority range, retry/dedupe bounds, and a
// well-formed pipeline payload. Schedule expression semantics are checked
// separately by the recurrence engine.
func (t *Task) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if t.OwnerAgentID == "" {
		return fmt.Errorf("owner_agent_id is required")
	}

	switch t.ScheduleKind {
	case ScheduleCron, ScheduleRRule, ScheduleOnce, ScheduleEvent:
	case ScheduleCondition:
		return fmt.Errorf("schedule kind %q is reserved and not accepted", t.ScheduleKind)
	default:
		return fmt.Errorf("unknown schedule kind %q", t.ScheduleKind)
	}
	if t.ScheduleExpr == "" {
		return fmt.Errorf("schedule_expr is required")
	}

	// Tasks must carry an explicit zone; there is no server-side default.
	if t.Timezone == "" {
		return fmt.Errorf("timezone is required")
	}
	if _, err := time.LoadLocation(t.Timezone); err != nil {
		return fmt.Errorf("timezone %q is not a valid IANA zone: %w", t.Timezone, err)
	}

	if t.Priority < 1 || t.Priority > 9 {
		return fmt.Errorf("priority must be in [1..9], got %d", t.Priority)
	}
	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if t.DedupeWindowSeconds < 0 {
		return fmt.Errorf("dedupe_window_seconds must be non-negative")
	}

	switch t.Backoff {
	case BackoffExponentialJitter, BackoffFixed, BackoffNone:
	case "":
		t.Backoff = BackoffExponentialJitter
	default:
		return fmt.Errorf("unknown backoff strategy %q", t.Backoff)
	}

	return t.Payload.Validate()
}
