package localcal

import (
	"testing"
	"time"

	"github.com/calmirror/calmirror/internal/calsync"
)

func tuesday() time.Time {
	return time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)
}

func TestTranslateRRuleWeekly(t *testing.T) {
	pattern, err := translateRRule("FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE", tuesday())
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if pattern.Type != calsync.RecursWeekly || pattern.Interval != 2 {
		t.Fatalf("unexpected pattern %+v", pattern)
	}
	if pattern.DayOfWeekMask != calsync.MaskMonday|calsync.MaskWednesday {
		t.Fatalf("unexpected mask %d", pattern.DayOfWeekMask)
	}
	if !pattern.NoEnd {
		t.Fatalf("expected an open-ended range")
	}
}

func TestTranslateRRuleWeeklyDefaultsToStartWeekday(t *testing.T) {
	pattern, err := translateRRule("FREQ=WEEKLY", tuesday())
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if pattern.DayOfWeekMask != calsync.MaskTuesday {
		t.Fatalf("expected the start weekday, got %d", pattern.DayOfWeekMask)
	}
}

func TestTranslateRRuleMonthly(t *testing.T) {
	pattern, err := translateRRule("FREQ=MONTHLY;BYMONTHDAY=15;COUNT=6", tuesday())
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if pattern.Type != calsync.RecursMonthly || pattern.DayOfMonth != 15 {
		t.Fatalf("unexpected pattern %+v", pattern)
	}
	if pattern.Occurrences != 6 || pattern.NoEnd {
		t.Fatalf("expected a numbered range of 6, got %+v", pattern)
	}
}

func TestTranslateRRuleCountedRangeDerivesEnd(t *testing.T) {
	pattern, err := translateRRule("FREQ=WEEKLY;BYDAY=TU;COUNT=3", tuesday())
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if pattern.Occurrences != 3 || pattern.NoEnd {
		t.Fatalf("expected a numbered range of 3, got %+v", pattern)
	}
	want := time.Date(2026, time.March, 17, 10, 0, 0, 0, time.UTC)
	if !pattern.EndDate.Equal(want) {
		t.Fatalf("expected the last occurrence %v as the pattern end, got %v", want, pattern.EndDate)
	}
}

func TestTranslateRRuleMonthNth(t *testing.T) {
	pattern, err := translateRRule("FREQ=MONTHLY;BYDAY=TU;BYSETPOS=2", tuesday())
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if pattern.Type != calsync.RecursMonthNth || pattern.Instance != 2 {
		t.Fatalf("expected the second Tuesday, got %+v", pattern)
	}

	last, err := translateRRule("FREQ=MONTHLY;BYDAY=-1FR", tuesday())
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if last.Type != calsync.RecursMonthNth || last.Instance != 5 {
		t.Fatalf("expected the last-instance slot, got %+v", last)
	}
	if last.DayOfWeekMask != calsync.MaskFriday {
		t.Fatalf("expected Friday mask, got %d", last.DayOfWeekMask)
	}
}

func TestTranslateRRuleYearly(t *testing.T) {
	pattern, err := translateRRule("FREQ=YEARLY;BYMONTH=12;BYMONTHDAY=24", tuesday())
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if pattern.Type != calsync.RecursYearly || pattern.MonthOfYear != 12 || pattern.DayOfMonth != 24 {
		t.Fatalf("unexpected pattern %+v", pattern)
	}
}

func TestTranslateRRuleUntil(t *testing.T) {
	pattern, err := translateRRule("FREQ=DAILY;UNTIL=20260601T000000Z", tuesday())
	if err != nil {
		t.Fatalf("translate failed: %v", err)
	}
	if pattern.NoEnd || pattern.Occurrences != -1 {
		t.Fatalf("expected an end-date bounded range, got %+v", pattern)
	}
	if pattern.EndDate.IsZero() {
		t.Fatalf("expected the UNTIL date carried over")
	}
}

func TestTranslateRRuleRejectsSubDaily(t *testing.T) {
	if _, err := translateRRule("FREQ=HOURLY", tuesday()); err == nil {
		t.Fatalf("expected sub-daily rules to be rejected")
	}
}
