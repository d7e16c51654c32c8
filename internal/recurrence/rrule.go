package recurrence

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// nextRRule computes the next occurrence of an iCalendar RRULE in loc,
// strictly after ref. Descriptors may carry their own DTSTART line; without
// one, the reference instant anchors the rule, which keeps the function
// pure and makes BYxxx-constrained rules (the common case) stable across
// successive calls.
func nextRRule(expr string, loc *time.Location, ref time.Time) (time.Time, bool, error) {
	localRef := ref.In(loc)

	if hasDTStart(expr) {
		set, err := rrule.StrToRRuleSet(expr)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("rrule %q: %w", expr, err)
		}
		next := set.After(localRef, false)
		if next.IsZero() {
			return time.Time{}, false, nil
		}
		return next.UTC(), true, nil
	}

	opt, err := rrule.StrToROption(expr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("rrule %q: %w", expr, err)
	}
	opt.Dtstart = localRef.Truncate(time.Second)

	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("rrule %q: %w", expr, err)
	}
	next := rule.After(localRef, false)
	if next.IsZero() {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}

func hasDTStart(expr string) bool {
	return strings.Contains(strings.ToUpper(expr), "DTSTART")
}

func validateRRule(expr string) []string {
	var reasons []string

	if hasDTStart(expr) {
		if _, err := rrule.StrToRRuleSet(expr); err != nil {
			return []string{fmt.Sprintf("rrule %q: %v", expr, err)}
		}
		return nil
	}

	opt, err := rrule.StrToROption(expr)
	if err != nil {
		return []string{fmt.Sprintf("rrule %q: %v", expr, err)}
	}
	if _, err := rrule.NewRRule(*opt); err != nil {
		return []string{fmt.Sprintf("rrule %q: %v", expr, err)}
	}

	// The parser cannot distinguish COUNT=0 from an absent COUNT.
	for _, part := range strings.Split(strings.ToUpper(expr), ";") {
		if strings.TrimSpace(part) == "COUNT=0" {
			reasons = append(reasons, "COUNT=0 never fires")
		}
	}

	if !opt.Until.IsZero() && opt.Until.Before(time.Now()) {
		reasons = append(reasons, fmt.Sprintf("UNTIL %s is in the past", opt.Until.Format(time.RFC3339)))
	}

	// Weekday ordinals like 1MO or -1FR only make sense for monthly and
	// yearly frequencies.
	if opt.Freq != rrule.MONTHLY && opt.Freq != rrule.YEARLY {
		for _, wd := range opt.Byweekday {
			if wd.N() != 0 {
				reasons = append(reasons, fmt.Sprintf("BYDAY ordinal %v requires FREQ=MONTHLY or FREQ=YEARLY", wd))
				break
			}
		}
	}

	// Combinations whose occurrences are all exhausted before UNTIL, such
	// as BYYEARDAY=366 with UNTIL before the next leap year.
	if len(reasons) == 0 && !opt.Until.IsZero() && opt.Until.After(time.Now()) {
		probe := *opt
		probe.Dtstart = time.Now().UTC().Truncate(time.Second)
		if rule, err := rrule.NewRRule(probe); err == nil {
			if rule.After(probe.Dtstart, true).IsZero() {
				reasons = append(reasons, "descriptor has no occurrence before UNTIL")
			}
		}
	}

	return reasons
}
