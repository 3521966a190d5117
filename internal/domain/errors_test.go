package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{name: "transient", err: NewTransientError(errors.New("connection reset")), want: ErrorKindTransient},
		{name: "permanent", err: NewPermanentError(errors.New("unsupported codec")), want: ErrorKindPermanent},
		{name: "canceled", err: NewCanceledError(context.Canceled), want: ErrorKindCanceled},
		{name: "wrapped transient", err: fmt.Errorf("attempt 2: %w", NewTransientError(errors.New("rate limited"))), want: ErrorKindTransient},
		{name: "context canceled", err: context.Canceled, want: ErrorKindCanceled},
		{name: "context deadline", err: context.DeadlineExceeded, want: ErrorKindTransient},
		{name: "plain error", err: errors.New("something broke"), want: ErrorKindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestTaskError_Unwrap(t *testing.T) {
	inner := errors.New("ffmpeg exited 1")
	err := NewPermanentError(inner)

	require.ErrorIs(t, err, inner)
	assert.Equal(t, "PERMANENT: ffmpeg exited 1", err.Error())
}

func TestIsTerminalState(t *testing.T) {
	assert.True(t, IsTerminalState(JobStateSucceeded))
	assert.True(t, IsTerminalState(JobStateFailed))
	assert.True(t, IsTerminalState(JobStateCancelled))

	assert.False(t, IsTerminalState(JobStateQueued))
	assert.False(t, IsTerminalState(JobStateRunning))
	assert.False(t, IsTerminalState(JobStateRetrying))
	assert.False(t, IsTerminalState("UNKNOWN"))
}
