package quota

import (
	"testing"
	"time"
)

func newTestTracker(start time.Time) (*Tracker, *time.Time) {
	current := start
	tr := NewTracker()
	tr.now = func() time.Time { return current }
	return tr, &current
}

// ---- cooldown gate ----

func TestSnapshotCleanState(t *testing.T) {
	tr, _ := newTestTracker(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	h := tr.Snapshot()
	if h.CoolingDown {
		t.Fatalf("expected no cooldown on a fresh tracker")
	}
	if h.RecentFailures != 0 || h.Degraded {
		t.Fatalf("expected clean health, got %+v", h)
	}
}

func TestCooldownLastsExactlyThreeMinutes(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr, clock := newTestTracker(start)

	tr.RecordFailure()

	*clock = start.Add(CooldownDuration - time.Nanosecond)
	if h := tr.Snapshot(); !h.CoolingDown {
		t.Fatalf("expected cooldown just before expiry")
	}

	*clock = start.Add(CooldownDuration)
	if h := tr.Snapshot(); h.CoolingDown {
		t.Fatalf("expected cooldown released exactly at expiry, got %+v", h)
	}
}

func TestRemainingSecondsRoundsUp(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr, clock := newTestTracker(start)

	tr.RecordFailure()

	*clock = start.Add(1*time.Minute + 200*time.Millisecond)
	h := tr.Snapshot()
	if !h.CoolingDown {
		t.Fatalf("expected cooldown active")
	}
	// 119.8s remain; a partial second still blocks, so report 120.
	if h.RemainingSeconds != 120 {
		t.Fatalf("remaining seconds = %d, want 120", h.RemainingSeconds)
	}
}

func TestNewFailureExtendsCooldown(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr, clock := newTestTracker(start)

	tr.RecordFailure()
	*clock = start.Add(2 * time.Minute)
	tr.RecordFailure()

	*clock = start.Add(4 * time.Minute)
	h := tr.Snapshot()
	if !h.CoolingDown {
		t.Fatalf("expected cooldown measured from the most recent failure")
	}
	if want := start.Add(2*time.Minute + CooldownDuration); !h.CooldownUntil.Equal(want) {
		t.Fatalf("cooldown until = %v, want %v", h.CooldownUntil, want)
	}
}

// ---- degraded mode ----

func TestDegradedAtThreshold(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr, clock := newTestTracker(start)

	for i := 0; i < DegradedThreshold-1; i++ {
		*clock = start.Add(time.Duration(i) * 10 * time.Second)
		tr.RecordFailure()
	}
	if h := tr.Snapshot(); h.Degraded {
		t.Fatalf("degraded below threshold: %+v", h)
	}

	tr.RecordFailure()
	h := tr.Snapshot()
	if !h.Degraded {
		t.Fatalf("expected degraded at %d failures", DegradedThreshold)
	}
	if h.RecentFailures != DegradedThreshold {
		t.Fatalf("recent failures = %d, want %d", h.RecentFailures, DegradedThreshold)
	}
}

func TestFailuresAgeOutOfWindow(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr, clock := newTestTracker(start)

	for i := 0; i < DegradedThreshold; i++ {
		tr.RecordFailure()
	}
	if h := tr.Snapshot(); !h.Degraded {
		t.Fatalf("expected degraded immediately after burst")
	}

	*clock = start.Add(FailureWindow + time.Second)
	h := tr.Snapshot()
	if h.Degraded || h.RecentFailures != 0 {
		t.Fatalf("expected stale failures pruned, got %+v", h)
	}
	// Degraded clears with the window even though cooldown tracking is separate.
	if h.CoolingDown {
		t.Fatalf("cooldown should also have lapsed by now")
	}
}

// ---- audit log ----

func TestBlockLogKeepsADay(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tr, clock := newTestTracker(start)

	tr.RecordBlocked(90)
	*clock = start.Add(12 * time.Hour)
	tr.RecordBlocked(45)
	*clock = start.Add(BlockLogWindow + time.Minute)
	tr.RecordBlocked(10)

	log := tr.BlockLog()
	if len(log) != 2 {
		t.Fatalf("block log length = %d, want 2 (first entry aged out)", len(log))
	}
	if log[0].RemainingSeconds != 45 || log[1].RemainingSeconds != 10 {
		t.Fatalf("unexpected surviving entries: %+v", log)
	}
}

func TestResetClearsEverything(t *testing.T) {
	tr, _ := newTestTracker(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	tr.RecordFailure()
	tr.RecordBlocked(60)
	tr.Reset()

	h := tr.Snapshot()
	if h.CoolingDown || h.RecentFailures != 0 || h.Degraded {
		t.Fatalf("expected clean state after reset, got %+v", h)
	}
	if len(tr.BlockLog()) != 0 {
		t.Fatalf("expected empty block log after reset")
	}
}
