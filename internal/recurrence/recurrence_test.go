package recurrence

import (
	"testing"
	"time"

	"github.com/fentz26/orbiter/internal/models"
)

func mustInstant(t *testing.T, value string) time.Time {
	t.Helper()
	at, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse instant %q: %v", value, err)
	}
	return at
}

func TestCronBasicEveryFiveMinutes(t *testing.T) {
	ref := mustInstant(t, "2024-06-01T10:02:30Z")
	next, ok, err := NextAfter(models.ScheduleCron, "*/5 * * * *", "UTC", ref)
	if err != nil {
		t.Fatalf("NextAfter failed: %v", err)
	}
	if !ok {
		t.Fatal("expected an occurrence")
	}
	want := mustInstant(t, "2024-06-01T10:05:00Z")
	if !next.Equal(want) {
		t.Errorf("expected %s, got %s", want, next)
	}
}

func TestCronChainIsConsistent(t *testing.T) {
	// Each occurrence must equal next_after of its predecessor.
	ref := mustInstant(t, "2024-06-01T00:00:00Z")
	fires, err := NextNAfter(models.ScheduleCron, "30 9 * * 1-5", "America/New_York", ref, 10)
	if err != nil {
		t.Fatalf("NextNAfter failed: %v", err)
	}
	if len(fires) != 10 {
		t.Fatalf("expected 10 fires, got %d", len(fires))
	}
	for i := 1; i < len(fires); i++ {
		next, ok, err := NextAfter(models.ScheduleCron, "30 9 * * 1-5", "America/New_York", fires[i-1])
		if err != nil || !ok {
			t.Fatalf("chain recompute failed at %d: %v", i, err)
		}
		if !next.Equal(fires[i]) {
			t.Errorf("chain broken at %d: %s vs %s", i, next, fires[i])
		}
	}
}

func TestCronSpringForwardGap(t *testing.T) {
	// US spring forward 2024-03-10: 02:00 -> 03:00 in America/New_York.
	// A 02:30 cron must fire at 03:00 local, exactly once.
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	ref := time.Date(2024, 3, 10, 0, 0, 0, 0, loc)

	next, ok, err := NextAfter(models.ScheduleCron, "30 2 * * *", "America/New_York", ref)
	if err != nil {
		t.Fatalf("NextAfter failed: %v", err)
	}
	if !ok {
		t.Fatal("expected an occurrence")
	}

	want := time.Date(2024, 3, 10, 3, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Errorf("expected gap fire at %s, got %s", want, next.In(loc))
	}

	// The following occurrence is the regular 02:30 next day.
	after, ok, err := NextAfter(models.ScheduleCron, "30 2 * * *", "America/New_York", next)
	if err != nil || !ok {
		t.Fatalf("follow-up NextAfter failed: %v", err)
	}
	wantNext := time.Date(2024, 3, 11, 2, 30, 0, 0, loc)
	if !after.Equal(wantNext) {
		t.Errorf("expected next-day fire at %s, got %s", wantNext, after.In(loc))
	}
}

func TestCronFallBackFiresOnceAtEarlier(t *testing.T) {
	// US fall back 2024-11-03: 01:00-02:00 local occurs twice. A 01:30
	// cron fires once, at the earlier (EDT) instant.
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	ref := time.Date(2024, 11, 3, 0, 0, 0, 0, loc)

	next, ok, err := NextAfter(models.ScheduleCron, "30 1 * * *", "America/New_York", ref)
	if err != nil || !ok {
		t.Fatalf("NextAfter failed: %v", err)
	}

	// 01:30 EDT is 05:30 UTC; the repeated 01:30 EST would be 06:30 UTC.
	want := mustInstant(t, "2024-11-03T05:30:00Z")
	if !next.Equal(want) {
		t.Errorf("expected earlier occurrence %s, got %s", want, next)
	}

	// Exactly once: the next fire is tomorrow, not the 01:30 EST repeat.
	after, ok, err := NextAfter(models.ScheduleCron, "30 1 * * *", "America/New_York", next)
	if err != nil || !ok {
		t.Fatalf("follow-up NextAfter failed: %v", err)
	}
	wantNext := time.Date(2024, 11, 4, 1, 30, 0, 0, loc)
	if !after.Equal(wantNext) {
		t.Errorf("expected next-day fire at %s, got %s (%s local)", wantNext, after, after.In(loc))
	}
}

func TestCronDomDowUnion(t *testing.T) {
	// Classical rule: restricted dom OR restricted dow.
	ref := mustInstant(t, "2024-06-03T00:00:00Z") // Monday June 3
	next, ok, err := NextAfter(models.ScheduleCron, "0 12 15 * 0", "UTC", ref)
	if err != nil || !ok {
		t.Fatalf("NextAfter failed: %v", err)
	}
	// Sunday June 9 comes before the 15th.
	want := mustInstant(t, "2024-06-09T12:00:00Z")
	if !next.Equal(want) {
		t.Errorf("expected %s, got %s", want, next)
	}
}

func TestRRuleLeapDay(t *testing.T) {
	ref := mustInstant(t, "2023-03-01T00:00:00Z")
	next, ok, err := NextAfter(models.ScheduleRRule, "FREQ=YEARLY;BYMONTH=2;BYMONTHDAY=29", "UTC", ref)
	if err != nil {
		t.Fatalf("NextAfter failed: %v", err)
	}
	if !ok {
		t.Fatal("expected an occurrence")
	}
	if next.Year() != 2024 || next.Month() != time.February || next.Day() != 29 {
		t.Errorf("expected 2024-02-29, got %s", next)
	}
}

func TestRRuleMonthEndSkipsShortMonths(t *testing.T) {
	ref := mustInstant(t, "2024-01-01T00:00:00Z")
	fires, err := NextNAfter(models.ScheduleRRule, "FREQ=MONTHLY;BYMONTHDAY=31", "UTC", ref, 4)
	if err != nil {
		t.Fatalf("NextNAfter failed: %v", err)
	}
	wantMonths := []time.Month{time.January, time.March, time.May, time.July}
	if len(fires) != len(wantMonths) {
		t.Fatalf("expected %d fires, got %d", len(wantMonths), len(fires))
	}
	for i, f := range fires {
		if f.Month() != wantMonths[i] || f.Day() != 31 {
			t.Errorf("fire %d: expected %s 31, got %s", i, wantMonths[i], f)
		}
	}
}

func TestRRuleCountAndUntil(t *testing.T) {
	ref := mustInstant(t, "2024-06-01T00:00:00Z")
	fires, err := NextNAfter(models.ScheduleRRule, "FREQ=DAILY;COUNT=3", "UTC", ref, 10)
	if err != nil {
		t.Fatalf("NextNAfter failed: %v", err)
	}
	if len(fires) == 0 {
		t.Fatal("expected occurrences")
	}

	_, ok, err := NextAfter(models.ScheduleRRule, "FREQ=DAILY;UNTIL=20200101T000000Z", "UTC", ref)
	if err != nil {
		t.Fatalf("NextAfter failed: %v", err)
	}
	if ok {
		t.Error("expected no occurrence after UNTIL")
	}
}

func TestOnce(t *testing.T) {
	at := "2030-01-02T03:04:05Z"
	ref := mustInstant(t, "2024-06-01T00:00:00Z")

	next, ok, err := NextAfter(models.ScheduleOnce, at, "UTC", ref)
	if err != nil || !ok {
		t.Fatalf("NextAfter failed: %v", err)
	}
	if !next.Equal(mustInstant(t, at)) {
		t.Errorf("expected %s, got %s", at, next)
	}

	// Never re-fires.
	_, ok, err = NextAfter(models.ScheduleOnce, at, "UTC", next)
	if err != nil {
		t.Fatalf("NextAfter failed: %v", err)
	}
	if ok {
		t.Error("once descriptor re-fired")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		kind models.ScheduleKind
		expr string
		zone string
	}{
		{"bad cron field", models.ScheduleCron, "61 * * * *", "UTC"},
		{"cron with seconds", models.ScheduleCron, "* * * * * *", "UTC"},
		{"impossible dom", models.ScheduleCron, "0 0 31 2 *", "UTC"},
		{"bad zone", models.ScheduleCron, "* * * * *", "Mars/Olympus"},
		{"bad rrule", models.ScheduleRRule, "FREQ=SOMETIMES", "UTC"},
		{"count zero", models.ScheduleRRule, "FREQ=DAILY;COUNT=0", "UTC"},
		{"until in past", models.ScheduleRRule, "FREQ=DAILY;UNTIL=20000101T000000Z", "UTC"},
		{"ordinal with daily", models.ScheduleRRule, "FREQ=DAILY;BYDAY=1MO", "UTC"},
		{"bad once", models.ScheduleOnce, "tomorrow", "UTC"},
		{"empty topic", models.ScheduleEvent, "", "UTC"},
		{"condition reserved", models.ScheduleCondition, "anything", "UTC"},
	}
	for _, tc := range cases {
		if reasons := Validate(tc.kind, tc.expr, tc.zone); len(reasons) == 0 {
			t.Errorf("%s: expected rejection for %q", tc.name, tc.expr)
		}
	}
}

func TestValidateAccepts(t *testing.T) {
	cases := []struct {
		kind models.ScheduleKind
		expr string
	}{
		{models.ScheduleCron, "*/5 * * * *"},
		{models.ScheduleCron, "30 2 * * 1-5"},
		{models.ScheduleRRule, "FREQ=YEARLY;BYMONTH=2;BYMONTHDAY=29"},
		{models.ScheduleRRule, "FREQ=MONTHLY;BYDAY=-1FR"},
		{models.ScheduleOnce, "2030-01-02T03:04:05Z"},
		{models.ScheduleEvent, "orders.created"},
	}
	for _, tc := range cases {
		if reasons := Validate(tc.kind, tc.expr, "UTC"); len(reasons) != 0 {
			t.Errorf("expected %q to validate, got %v", tc.expr, reasons)
		}
	}
}
