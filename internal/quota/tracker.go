// Package quota tracks provider quota failures and derives the cooldown gate
// and degraded-mode signal the pipeline consults before running.
package quota

import (
	"math"
	"sync"
	"time"

	"forgeflow/internal/metrics"
)

// Policy constants. Cooldown and degraded mode are deliberately tuned on two
// separate windows; do not merge them.
const (
	CooldownDuration  = 3 * time.Minute
	FailureWindow     = 10 * time.Minute
	DegradedThreshold = 5
	BlockLogWindow    = 24 * time.Hour
)

// Health is a point-in-time view of the provider quota relationship.
type Health struct {
	CoolingDown      bool      `json:"is_cooling_down"`
	CooldownUntil    time.Time `json:"cooldown_until"`
	RemainingSeconds int       `json:"remaining_seconds"`
	RecentFailures   int       `json:"recent_failures"`
	Degraded         bool      `json:"degraded"`
}

// BlockEvent records one refused run while the cooldown gate was closed.
type BlockEvent struct {
	At               time.Time `json:"at"`
	RemainingSeconds int       `json:"remaining_seconds"`
}

// Tracker is process-wide shared state: one instance per provider binding,
// shared by every concurrent pipeline run.
type Tracker struct {
	mu          sync.Mutex
	lastFailure time.Time
	failures    []time.Time
	blocks      []BlockEvent
	now         func() time.Time
}

// NewTracker creates a tracker using the wall clock.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// RecordFailure notes a quota failure at the current instant.
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.lastFailure = now
	t.failures = append(t.failures, now)
	t.pruneLocked(now)

	metrics.Get().QuotaFailuresTotal.Inc()
}

// Snapshot derives the current quota health. Failure timestamps older than
// the window are pruned before reading.
func (t *Tracker) Snapshot() Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.pruneLocked(now)

	h := Health{RecentFailures: len(t.failures)}
	if !t.lastFailure.IsZero() {
		until := t.lastFailure.Add(CooldownDuration)
		if now.Before(until) {
			h.CoolingDown = true
			h.CooldownUntil = until
			h.RemainingSeconds = int(math.Ceil(until.Sub(now).Seconds()))
		}
	}
	h.Degraded = h.RecentFailures >= DegradedThreshold

	metrics.Get().SetQuotaState(h.CoolingDown, h.Degraded)
	return h
}

// RecordBlocked appends a refused-run event to the 24h audit log.
func (t *Tracker) RecordBlocked(remainingSeconds int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.blocks = append(t.blocks, BlockEvent{At: now, RemainingSeconds: remainingSeconds})
	t.pruneLocked(now)

	metrics.Get().QuotaBlockedRuns.Inc()
}

// BlockLog returns the cooldown-block events within the 24h window.
func (t *Tracker) BlockLog() []BlockEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(t.now())
	out := make([]BlockEvent, len(t.blocks))
	copy(out, t.blocks)
	return out
}

// Reset clears all failure and block state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.lastFailure = time.Time{}
	t.failures = nil
	t.blocks = nil
}

// pruneLocked drops entries that fell out of their windows. Caller holds mu.
func (t *Tracker) pruneLocked(now time.Time) {
	failureCutoff := now.Add(-FailureWindow)
	kept := t.failures[:0]
	for _, ts := range t.failures {
		if ts.After(failureCutoff) {
			kept = append(kept, ts)
		}
	}
	t.failures = kept

	blockCutoff := now.Add(-BlockLogWindow)
	keptBlocks := t.blocks[:0]
	for _, b := range t.blocks {
		if b.At.After(blockCutoff) {
			keptBlocks = append(keptBlocks, b)
		}
	}
	t.blocks = keptBlocks
}
