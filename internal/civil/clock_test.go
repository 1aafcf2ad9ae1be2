package civil

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, v string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, v)
	if err != nil {
		t.Fatalf("parse %q: %v", v, err)
	}
	return ts
}

func TestDaysBetweenUsesCivilDayBoundaries(t *testing.T) {
	now := mustParse(t, "2024-01-08T23:50:00+07:00")
	deadline := mustParse(t, "2024-01-10T01:00:00+07:00")

	if raw := deadline.Sub(now); raw >= 48*time.Hour {
		t.Fatalf("fixture should be under 48h apart, got %s", raw)
	}
	if got := DaysBetween(now, deadline); got != 2 {
		t.Fatalf("expected 2 days left, got %d", got)
	}
}

func TestDaysBetweenIgnoresHostZone(t *testing.T) {
	// 2024-01-09T18:30Z is already 01:30 on the 10th in the civil zone.
	now := mustParse(t, "2024-01-09T18:30:00Z")
	deadline := mustParse(t, "2024-01-10T09:00:00+07:00")
	if got := DaysBetween(now, deadline); got != 0 {
		t.Fatalf("expected same civil day, got %d", got)
	}

	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	if got := DaysBetween(now.In(ny), deadline.In(ny)); got != 0 {
		t.Fatalf("expected host zone to be irrelevant, got %d", got)
	}
}

func TestDaysBetweenSigned(t *testing.T) {
	a := mustParse(t, "2024-03-01T08:00:00+07:00")
	b := mustParse(t, "2024-02-27T22:00:00+07:00")
	if got := DaysBetween(a, b); got != -3 {
		t.Fatalf("expected -3, got %d", got)
	}
	if got := DaysBetween(b, a); got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestStartOfDay(t *testing.T) {
	in := mustParse(t, "2024-01-09T20:15:00Z")
	want := mustParse(t, "2024-01-10T00:00:00+07:00")
	if got := StartOfDay(in); !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if got := FormatDate(in); got != "2024-01-10" {
		t.Fatalf("expected civil date 2024-01-10, got %s", got)
	}
}

func TestFixedClock(t *testing.T) {
	start := mustParse(t, "2024-01-01T00:00:00Z")
	c := NewFixedClock(start)
	c.Advance(time.Hour)
	if !c.Now().Equal(start.Add(time.Hour)) {
		t.Fatalf("advance not applied: %s", c.Now())
	}
	c.Set(start)
	if !c.Now().Equal(start) {
		t.Fatalf("set not applied: %s", c.Now())
	}
}
