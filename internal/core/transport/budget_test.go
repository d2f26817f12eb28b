package transport

import (
	"testing"
	"time"
)

func TestBudget_NoThrottleBelowLimit(t *testing.T) {
	b := NewBudget(3, time.Minute)
	now := time.Now()

	for i := 0; i < 2; i++ {
		b.RecordOutcome(false, now)
	}
	if b.ShouldThrottle(now) {
		t.Fatal("should not throttle below the error limit")
	}
}

func TestBudget_ThrottlesAfterLimit(t *testing.T) {
	b := NewBudget(3, time.Minute)
	now := time.Now()

	for i := 0; i < 3; i++ {
		b.RecordOutcome(false, now)
	}

	if !b.ShouldThrottle(now) {
		t.Fatal("expected throttle once the limit is reached")
	}
	// Still inside the retry window.
	if !b.ShouldThrottle(now.Add(30 * time.Second)) {
		t.Fatal("expected throttle inside the retry window")
	}
}

func TestBudget_RetryWindowAnchoredAtSaturation(t *testing.T) {
	b := NewBudget(2, time.Minute)
	start := time.Now()

	b.RecordOutcome(false, start)
	b.RecordOutcome(false, start)

	// First throttled call anchors the window at its own time, not at the
	// time of the failures.
	anchor := start.Add(10 * time.Second)
	if !b.ShouldThrottle(anchor) {
		t.Fatal("expected throttle at saturation")
	}

	// Failures recorded while throttled must not extend the wait.
	b.RecordOutcome(false, anchor.Add(30*time.Second))
	b.RecordOutcome(false, anchor.Add(50*time.Second))

	if !b.ShouldThrottle(anchor.Add(time.Minute)) {
		t.Fatal("window has not elapsed yet, expected throttle")
	}
	if b.ShouldThrottle(anchor.Add(time.Minute + time.Second)) {
		t.Fatal("window elapsed, expected traffic to be re-admitted")
	}
	if b.ConsecutiveErrors() != 0 {
		t.Fatalf("counter should reset when the window elapses, got %d", b.ConsecutiveErrors())
	}
}

func TestBudget_SuccessResetsCounter(t *testing.T) {
	b := NewBudget(3, time.Minute)
	now := time.Now()

	b.RecordOutcome(false, now)
	b.RecordOutcome(false, now)
	b.RecordOutcome(true, now)

	if b.ConsecutiveErrors() != 0 {
		t.Fatalf("expected counter reset on success, got %d", b.ConsecutiveErrors())
	}
	if b.ShouldThrottle(now) {
		t.Fatal("should not throttle after a success")
	}
}
