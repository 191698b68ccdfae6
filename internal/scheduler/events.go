package scheduler

import "time"

// EventType identifies a request lifecycle transition.
type EventType string

const (
	EventQueued      EventType = "queued"
	EventExecuting   EventType = "executing"
	EventCompleted   EventType = "completed"
	EventRateLimited EventType = "rate_limited"
	EventError       EventType = "error"
	EventCancelled   EventType = "cancelled"
)

// Event is emitted to listeners on every lifecycle transition. Position is
// 1-based and only set on queued events; DurationMS only on completed;
// RetryInSeconds only on rate_limited.
type Event struct {
	Type           EventType `json:"type"`
	RequestID      string    `json:"request_id"`
	Label          string    `json:"label,omitempty"`
	Priority       Priority  `json:"priority"`
	Position       int       `json:"position,omitempty"`
	DurationMS     int64     `json:"duration_ms,omitempty"`
	RetryInSeconds int       `json:"retry_in_seconds,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// EventListener receives lifecycle events. Listeners are called synchronously
// and must not block.
type EventListener func(Event)
