package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/transcribe-batch/internal/domain"
)

// AMQPPublisher is the transport surface the publisher needs; satisfied by
// shared/rabbitmq.Client.
type AMQPPublisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// Publisher forwards scheduler lifecycle events to an AMQP exchange as JSON.
// Publish failures are logged and dropped; event delivery must never stall
// or fail scheduling.
type Publisher struct {
	client     AMQPPublisher
	routingKey string
	logger     *slog.Logger
	timeout    time.Duration
}

func NewPublisher(client AMQPPublisher, routingKey string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client:     client,
		routingKey: routingKey,
		logger:     logger,
		timeout:    10 * time.Second,
	}
}

// HandleEvent is the subscriber callback. State events are routed under
// <routing_key>.<state>, progress events under <routing_key>.progress.
func (p *Publisher) HandleEvent(ev domain.Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("Failed to marshal job event",
			slog.String("job_id", ev.JobID),
			slog.Any("error", err),
		)
		return
	}

	key := p.routingKey + "." + routingSuffix(ev)

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.client.PublishWithRetry(ctx, key, body, "application/json"); err != nil {
		p.logger.Error("Failed to publish job event",
			slog.String("job_id", ev.JobID),
			slog.String("routing_key", key),
			slog.Any("error", err),
		)
	}
}

func routingSuffix(ev domain.Event) string {
	if ev.Type == domain.EventTypeProgress {
		return "progress"
	}
	return strings.ToLower(ev.State)
}
