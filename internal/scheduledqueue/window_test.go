package scheduledqueue

import (
	"testing"
	"time"
)

func TestWindowNextPermittedSameDay(t *testing.T) {
	w := Window{Location: time.UTC, StartMin: 9 * 60, EndMin: 17 * 60}
	t0 := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC) // Monday 03:00
	next := w.NextPermitted(t0)
	want := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestWindowPermitsInsideRange(t *testing.T) {
	w := Window{Location: time.UTC, StartMin: 9 * 60, EndMin: 17 * 60}
	t0 := time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)
	if !w.Permits(t0) {
		t.Fatalf("expected 12:00 to be inside a 9-17 window")
	}
	if w.NextPermitted(t0) != t0 {
		t.Fatalf("NextPermitted should be a no-op inside the window")
	}
}

func TestWindowSkipsDisallowedDay(t *testing.T) {
	w := Window{
		Location: time.UTC,
		Days:     map[time.Weekday]bool{time.Tuesday: true},
		StartMin: 9 * 60,
		EndMin:   17 * 60,
	}
	monday := time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)
	next := w.NextPermitted(monday)
	want := time.Date(2026, 1, 6, 9, 0, 0, 0, time.UTC) // Tuesday
	if !next.Equal(want) {
		t.Fatalf("got %v, want %v", next, want)
	}
}

func TestZeroWindowPermitsEverything(t *testing.T) {
	var w Window
	t0 := time.Date(2026, 1, 5, 3, 0, 0, 0, time.UTC)
	if !w.Permits(t0) {
		t.Fatalf("zero-value Window should permit every time")
	}
}
