package recurrence

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser accepts the classical five fields: minute, hour, day-of-month,
// month, day-of-week. No seconds field, no @descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// starBit marks an unrestricted field in a parsed cron spec; it mirrors the
// marker robfig/cron sets on fields written as "*" or "?".
const starBit = 1 << 63

func parseCron(expr string) (*cron.SpecSchedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron %q: %w", expr, err)
	}
	spec, ok := sched.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("cron %q: unsupported schedule form", expr)
	}
	return spec, nil
}

func validateCron(expr string) []string {
	spec, err := parseCron(expr)
	if err != nil {
		return []string{err.Error()}
	}
	if reason := impossibleCron(spec); reason != "" {
		return []string{reason}
	}
	return nil
}

// impossibleCron detects field combinations that can never match, such as a
// day-of-month that no selected month has.
func impossibleCron(spec *cron.SpecSchedule) string {
	if spec.Dom&starBit != 0 {
		return ""
	}
	// When day-of-week is also restricted the fields are OR-ed, so an
	// unmatchable day-of-month alone does not make the spec impossible.
	if spec.Dow&starBit == 0 {
		return ""
	}

	maxDays := func(m time.Month) int {
		switch m {
		case time.February:
			return 29 // leap years count
		case time.April, time.June, time.September, time.November:
			return 30
		default:
			return 31
		}
	}

	for m := time.January; m <= time.December; m++ {
		if spec.Month&starBit == 0 && spec.Month&(1<<uint(m)) == 0 {
			continue
		}
		for d := 1; d <= maxDays(m); d++ {
			if spec.Dom&(1<<uint(d)) != 0 {
				return ""
			}
		}
	}
	return "day-of-month never matches any selected month"
}

// nextCron computes the next firing instant of a cron spec in loc, strictly
// after ref. Candidate wall times are enumerated on a DST-free virtual
// clock and then resolved into loc: wall times erased by a spring-forward
// gap fire at the first legal instant after the gap, and wall times that
// occur twice during a fall-back overlap fire once, at the earlier instant.
func nextCron(expr string, loc *time.Location, ref time.Time) (time.Time, bool, error) {
	spec, err := parseCron(expr)
	if err != nil {
		return time.Time{}, false, err
	}

	wall := ref.In(loc)
	virtual := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), 0, time.UTC)

	for {
		var ok bool
		virtual, ok = nextWall(spec, virtual)
		if !ok {
			return time.Time{}, false, nil
		}
		inst, exists := resolveWall(loc, virtual)
		if !exists {
			inst = gapEnd(loc, inst)
		}
		if inst.After(ref) {
			return inst.UTC(), true, nil
		}
		// The candidate collapsed onto an instant at or before ref (it fell
		// inside a gap, or its earlier overlap occurrence already passed).
	}
}

// nextWall advances a virtual (UTC, DST-free) wall clock to the next minute
// matching the spec, strictly after t. Adapted from the field-stepping walk
// of robfig/cron, bounded at five years.
func nextWall(spec *cron.SpecSchedule, t time.Time) (time.Time, bool) {
	// Start at the next whole minute.
	t = t.Truncate(time.Minute).Add(time.Minute)
	yearLimit := t.Year() + 5

	for t.Year() <= yearLimit {
		switch {
		case spec.Month&(1<<uint(t.Month())) == 0:
			t = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		case !dayMatches(spec, t):
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
		case spec.Hour&(1<<uint(t.Hour())) == 0:
			t = t.Truncate(time.Hour).Add(time.Hour)
		case spec.Minute&(1<<uint(t.Minute())) == 0:
			t = t.Add(time.Minute)
		default:
			return t, true
		}
	}
	return time.Time{}, false
}

// dayMatches applies the classical cron rule: when both day-of-month and
// day-of-week are restricted the fields are OR-ed, otherwise AND-ed.
func dayMatches(spec *cron.SpecSchedule, t time.Time) bool {
	domMatch := spec.Dom&(1<<uint(t.Day())) != 0
	dowMatch := spec.Dow&(1<<uint(t.Weekday())) != 0

	if spec.Dom&starBit != 0 {
		return dowMatch
	}
	if spec.Dow&starBit != 0 {
		return domMatch
	}
	return domMatch || dowMatch
}

// resolveWall maps a virtual wall reading onto an instant in loc. exists is
// false when the wall time falls inside a spring-forward gap; the returned
// instant is then the zone's normalization of the request, usable as a
// search anchor for gapEnd. Ambiguous fall-back readings resolve to the
// earlier instant.
func resolveWall(loc *time.Location, wall time.Time) (time.Time, bool) {
	t := time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), 0, loc)
	if !sameWall(t, wall) {
		return t, false
	}
	// An earlier duplicate exists when the zone repeated this wall reading;
	// real zones fall back by an hour or half an hour.
	for _, delta := range []time.Duration{-time.Hour, -30 * time.Minute} {
		if alt := t.Add(delta); sameWall(alt, wall) {
			return alt, true
		}
	}
	return t, true
}

func sameWall(t, wall time.Time) bool {
	return t.Minute() == wall.Minute() &&
		t.Hour() == wall.Hour() &&
		t.Day() == wall.Day() &&
		t.Month() == wall.Month() &&
		t.Year() == wall.Year()
}

// gapEnd locates the first legal instant after the DST transition nearest
// to anchor, by binary-searching the zone offset change to one-second
// precision.
func gapEnd(loc *time.Location, anchor time.Time) time.Time {
	offsetAt := func(t time.Time) int {
		_, off := t.In(loc).Zone()
		return off
	}

	lo := anchor.Add(-3 * time.Hour)
	hi := anchor.Add(3 * time.Hour)
	if offsetAt(lo) == offsetAt(hi) {
		return anchor
	}
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		if offsetAt(mid) == offsetAt(lo) {
			lo = mid
		} else {
			hi = mid
		}
	}
	hi = hi.Truncate(time.Second)
	if offsetAt(hi) == offsetAt(lo) {
		hi = hi.Add(time.Second)
	}
	return hi
}
