package domain

import (
	"context"
	"errors"
)

var (
	// ErrJobNotFound is returned when a job id is unknown to the scheduler
	ErrJobNotFound = errors.New("job not found")

	// ErrBatchNotFound is returned when a batch id is unknown to the scheduler
	ErrBatchNotFound = errors.New("batch not found")

	// ErrDuplicateJob is returned when a job id is submitted twice
	ErrDuplicateJob = errors.New("duplicate job id")

	// ErrQueueFull is the backpressure rejection at submission time
	ErrQueueFull = errors.New("queue full")

	// ErrSchedulerClosed is returned for operations on a closed scheduler
	ErrSchedulerClosed = errors.New("scheduler closed")
)

// ErrorKind classifies executor failures for the retry policy.
type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "TRANSIENT"
	ErrorKindPermanent ErrorKind = "PERMANENT"
	ErrorKindCanceled  ErrorKind = "CANCELED"
)

// TaskError wraps an executor failure with its retry classification.
type TaskError struct {
	Kind ErrorKind
	Err  error
}

func (e *TaskError) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// NewTransientError marks an error as retryable (network hiccup, rate limit).
func NewTransientError(err error) error {
	return &TaskError{Kind: ErrorKindTransient, Err: err}
}

// NewPermanentError marks an error as never retryable (invalid input).
func NewPermanentError(err error) error {
	return &TaskError{Kind: ErrorKindPermanent, Err: err}
}

// NewCanceledError marks an error as an acknowledged cooperative cancellation.
func NewCanceledError(err error) error {
	return &TaskError{Kind: ErrorKindCanceled, Err: err}
}

// KindOf extracts the retry classification from an executor error.
// Context cancellation maps to CANCELED, deadline expiry to TRANSIENT
// (a timed-out attempt may succeed on retry). Unclassified errors are
// treated as permanent and never requeued.
func KindOf(err error) ErrorKind {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ErrorKindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTransient
	}
	return ErrorKindPermanent
}
