package domain

import "time"

// Job lifecycle states
const (
	JobStateQueued    = "QUEUED"
	JobStateRunning   = "RUNNING"
	JobStateSucceeded = "SUCCEEDED"
	JobStateFailed    = "FAILED"
	JobStateCancelled = "CANCELLED"
	JobStateRetrying  = "RETRYING"
)

// Operations understood by executor collaborators
const (
	OperationTranscribe = "transcribe"
	OperationTranslate  = "translate"
)

// IsTerminalState reports whether a job state is final.
func IsTerminalState(state string) bool {
	switch state {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	default:
		return false
	}
}

// JobSpec is the immutable description of one unit of work. The scheduler
// never inspects the semantic fields; they flow through to the executor and
// into the cache key derivation.
type JobSpec struct {
	SourceURL  string            `json:"source_url"`
	Operation  string            `json:"operation"`
	Model      string            `json:"model,omitempty"`
	TargetLang string            `json:"target_lang,omitempty"`
	Options    map[string]string `json:"options,omitempty"`

	// Scheduling overrides; zero values fall back to scheduler defaults.
	Priority    int           `json:"priority,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
}

// Result is the opaque payload produced by an executor. Once stored in the
// cache it is shared between jobs and must not be mutated.
type Result struct {
	Payload  []byte            `json:"payload"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// JobSnapshot is a read-only copy of a job's lifecycle state.
type JobSnapshot struct {
	ID          string
	BatchID     string
	Spec        JobSpec
	State       string
	Priority    int
	Attempt     int
	MaxAttempts int
	Progress    float64
	Stage       string
	Result      *Result
	ErrKind     ErrorKind
	ErrMessage  string
	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
}

// BatchSnapshot aggregates the state of jobs submitted together.
type BatchSnapshot struct {
	ID        string
	JobIDs    []string
	Counts    map[string]int
	Progress  float64
	Done      bool
	CreatedAt time.Time
}
