package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/transcribe-batch/internal/domain"
)

type publishedMessage struct {
	routingKey  string
	body        []byte
	contentType string
}

type fakeAMQP struct {
	mu       sync.Mutex
	messages []publishedMessage
	err      error
}

func (f *fakeAMQP) PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, publishedMessage{routingKey: routingKey, body: body, contentType: contentType})
	return nil
}

func (f *fakeAMQP) published() []publishedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedMessage(nil), f.messages...)
}

func TestPublisher_HandleEvent(t *testing.T) {
	tests := []struct {
		name     string
		event    domain.Event
		wantKey  string
	}{
		{
			name: "succeeded state event",
			event: domain.Event{
				Seq:   7,
				JobID: "job-1",
				Type:  domain.EventTypeState,
				State: domain.JobStateSucceeded,
			},
			wantKey: "jobs.state.succeeded",
		},
		{
			name: "failed state event",
			event: domain.Event{
				JobID:   "job-2",
				Type:    domain.EventTypeState,
				State:   domain.JobStateFailed,
				ErrKind: domain.ErrorKindPermanent,
				Error:   "unsupported codec",
			},
			wantKey: "jobs.state.failed",
		},
		{
			name: "progress event",
			event: domain.Event{
				JobID:    "job-3",
				Type:     domain.EventTypeProgress,
				Progress: 0.25,
				Stage:    "decode",
			},
			wantKey: "jobs.state.progress",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amqp := &fakeAMQP{}
			pub := NewPublisher(amqp, "jobs.state", slog.Default())

			pub.HandleEvent(tt.event)

			messages := amqp.published()
			require.Len(t, messages, 1)
			assert.Equal(t, tt.wantKey, messages[0].routingKey)
			assert.Equal(t, "application/json", messages[0].contentType)

			var decoded domain.Event
			require.NoError(t, json.Unmarshal(messages[0].body, &decoded))
			assert.Equal(t, tt.event.JobID, decoded.JobID)
			assert.Equal(t, tt.event.State, decoded.State)
			assert.Equal(t, tt.event.Type, decoded.Type)
		})
	}
}

func TestPublisher_PublishFailureIsSwallowed(t *testing.T) {
	amqp := &fakeAMQP{err: fmt.Errorf("channel closed")}
	pub := NewPublisher(amqp, "jobs.state", slog.Default())

	// Must not panic or propagate
	pub.HandleEvent(domain.Event{
		JobID: "job-1",
		Type:  domain.EventTypeState,
		State: domain.JobStateSucceeded,
	})

	assert.Empty(t, amqp.published())
}
