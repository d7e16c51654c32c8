// Package recurrence computes next firing instants for schedule
// descriptors. All functions are pure: no I/O, no hidden clock reads except
// where a reference instant is an explicit argument.
package recurrence

import (
	"fmt"
	"time"
	// Calendar arithmetic needs zone data regardless of what the host ships.
	_ "time/tzdata"

	"github.com/fentz26/orbiter/internal/models"
)

// ErrNotSchedulable is returned for kinds the engine does not time (event,
// condition); those fire through the scheduler's event path.
var ErrNotSchedulable = fmt.Errorf("schedule kind is not time-driven")

// NextAfter returns the smallest instant strictly greater than ref at which
// the descriptor fires, interpreted in zone. ok is false when the
// descriptor has no future occurrence.
func NextAfter(kind models.ScheduleKind, expr, zone string, ref time.Time) (next time.Time, ok bool, err error) {
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("load zone %q: %w", zone, err)
	}

	switch kind {
	case models.ScheduleCron:
		return nextCron(expr, loc, ref)
	case models.ScheduleRRule:
		return nextRRule(expr, loc, ref)
	case models.ScheduleOnce:
		return nextOnce(expr, ref)
	case models.ScheduleEvent, models.ScheduleCondition:
		return time.Time{}, false, ErrNotSchedulable
	default:
		return time.Time{}, false, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// NextNAfter returns up to n future occurrences for previewing.
func NextNAfter(kind models.ScheduleKind, expr, zone string, ref time.Time, n int) ([]time.Time, error) {
	out := make([]time.Time, 0, n)
	cur := ref
	for len(out) < n {
		next, ok, err := NextAfter(kind, expr, zone, cur)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, next)
		cur = next
	}
	return out, nil
}

// Validate checks a descriptor syntactically and logically. The returned
// slice is empty when the descriptor is acceptable.
func Validate(kind models.ScheduleKind, expr, zone string) []string {
	var reasons []string
	if _, err := time.LoadLocation(zone); err != nil {
		reasons = append(reasons, fmt.Sprintf("timezone %q: %v", zone, err))
	}

	switch kind {
	case models.ScheduleCron:
		reasons = append(reasons, validateCron(expr)...)
	case models.ScheduleRRule:
		reasons = append(reasons, validateRRule(expr)...)
	case models.ScheduleOnce:
		if _, err := parseOnce(expr); err != nil {
			reasons = append(reasons, err.Error())
		}
	case models.ScheduleEvent:
		if expr == "" {
			reasons = append(reasons, "event topic must not be empty")
		}
	case models.ScheduleCondition:
		reasons = append(reasons, "schedule kind \"condition\" is reserved and not accepted")
	default:
		reasons = append(reasons, fmt.Sprintf("unknown schedule kind %q", kind))
	}
	return reasons
}

// parseOnce parses a one-shot ISO-8601 instant.
func parseOnce(expr string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("once descriptor %q is not an RFC 3339 instant: %w", expr, err)
	}
	return t, nil
}

func nextOnce(expr string, ref time.Time) (time.Time, bool, error) {
	at, err := parseOnce(expr)
	if err != nil {
		return time.Time{}, false, err
	}
	if at.After(ref) {
		return at.UTC(), true, nil
	}
	return time.Time{}, false, nil
}
