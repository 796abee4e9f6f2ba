package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Routing keys of the ingest scenario prefix.
const (
	StatusKey    = "ingest.status"
	CompletedKey = "ingest.complete"
	FailedKey    = "ingest.failed"
)

// RabbitPublisher publishes events over AMQP: persistent delivery,
// application/json, correlation id = workflow id, type = routing key.
type RabbitPublisher struct {
	channel  *amqp.Channel
	exchange string
	logger   *slog.Logger

	statusKey    string
	completedKey string
	failedKey    string
}

var _ Publisher = (*RabbitPublisher)(nil)

// NewRabbitPublisher creates the publisher and declares the three
// durable event queues so messages survive a broker restart.
func NewRabbitPublisher(channel *amqp.Channel, exchange string, logger *slog.Logger) (*RabbitPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &RabbitPublisher{
		channel:      channel,
		exchange:     exchange,
		logger:       logger,
		statusKey:    StatusKey,
		completedKey: CompletedKey,
		failedKey:    FailedKey,
	}

	for _, key := range []string{p.statusKey, p.completedKey, p.failedKey} {
		if _, err := channel.QueueDeclare(key, true, false, false, false, nil); err != nil {
			return nil, fmt.Errorf("failed to declare queue %s: %w", key, err)
		}
	}
	return p, nil
}

func (p *RabbitPublisher) publish(ctx context.Context, routingKey, correlationID string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	err = p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     uuid.NewString(),
		CorrelationId: correlationID,
		Type:          routingKey,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	p.logger.Debug("published event", "routing_key", routingKey, "correlation_id", correlationID)
	return nil
}

// PublishStatus publishes to ingest.status.
func (p *RabbitPublisher) PublishStatus(ctx context.Context, event StatusEvent) error {
	return p.publish(ctx, p.statusKey, event.WorkflowID, event)
}

// PublishCompleted publishes to ingest.complete.
func (p *RabbitPublisher) PublishCompleted(ctx context.Context, event CompletedEvent) error {
	return p.publish(ctx, p.completedKey, event.WorkflowID, event)
}

// PublishFailed publishes to ingest.failed.
func (p *RabbitPublisher) PublishFailed(ctx context.Context, event FailedEvent) error {
	return p.publish(ctx, p.failedKey, event.WorkflowID, event)
}
