package domain

import "time"

// EventType classifies messages emitted during job execution.
type EventType string

const (
	// EventTypeState marks a lifecycle transition. Never dropped.
	EventTypeState EventType = "state"

	// EventTypeProgress carries a progress fraction update. May be dropped
	// under subscriber backpressure.
	EventTypeProgress EventType = "progress"
)

// Event is a sequenced notification consumed by observer subscribers.
// Delivery is ordered per job; no ordering is promised across jobs.
type Event struct {
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	JobID     string    `json:"job_id"`
	BatchID   string    `json:"batch_id"`
	Type      EventType `json:"type"`
	From      string    `json:"from,omitempty"`
	State     string    `json:"state"`
	Progress  float64   `json:"progress"`
	Stage     string    `json:"stage,omitempty"`
	ErrKind   ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Droppable reports whether delivery may be sacrificed when a slow
// subscriber's buffer overflows. State transitions are never droppable.
func (e Event) Droppable() bool {
	return e.Type == EventTypeProgress
}
