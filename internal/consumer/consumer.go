package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lidarscope/control-plane/internal/events"
	"github.com/lidarscope/control-plane/internal/ingest"
	"github.com/lidarscope/control-plane/internal/metrics"
	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
)

// StartKey is the durable queue carrying inbound start commands.
const StartKey = "ingest.start"

// Consumer drains the start queue. Validation failures are acked and
// answered with a failed event so malformed messages never poison the
// queue; retryable failures are requeued for redelivery.
type Consumer struct {
	channel   *amqp.Channel
	usecase   *ingest.UseCase
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	prefetch  int
}

// New wires the consumer. Zero prefetch defaults to 2.
func New(channel *amqp.Channel, usecase *ingest.UseCase, publisher events.Publisher, m *metrics.Metrics, logger *slog.Logger, prefetch int) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if prefetch <= 0 {
		prefetch = 2
	}
	if _, err := channel.QueueDeclare(StartKey, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", StartKey, err)
	}
	if err := channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}
	return &Consumer{
		channel:   channel,
		usecase:   usecase,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		prefetch:  prefetch,
	}, nil
}

// Run consumes until ctx is canceled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.channel.Consume(StartKey, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", StartKey, err)
	}

	c.logger.Info("consumer started", "queue", StartKey, "prefetch", c.prefetch)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopped")
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", StartKey)
			}
			c.handle(ctx, delivery)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	cmd, err := ParseStartMessage(delivery.Body)
	if err != nil {
		c.rejectInvalid(ctx, delivery, err)
		return
	}

	c.logger.Info("processing start command", "workflow_id", cmd.WorkflowID, "scenario", cmd.Scenario)

	if _, err := c.usecase.Execute(ctx, *cmd); err != nil {
		if appErr := apperrors.As(err); appErr != nil && appErr.Retryable() {
			c.logger.Warn("command failed, requeueing",
				"workflow_id", cmd.WorkflowID, "error", err)
			c.metrics.MessageConsumed("requeued")
			c.nack(delivery, true)
			return
		}
		// Non-retryable outcome. The use case leaves the failed event to
		// this path, so exactly one is published per dropped message.
		c.publishFailed(ctx, cmd.WorkflowID, cmd.Scenario, err)
		c.metrics.MessageConsumed("failed")
		c.ack(delivery)
		return
	}

	c.metrics.MessageConsumed("ok")
	c.ack(delivery)
}

// rejectInvalid acks the malformed message and publishes the failed
// event so the producer learns about the rejection.
func (c *Consumer) rejectInvalid(ctx context.Context, delivery amqp.Delivery, cause error) {
	workflowID := peekWorkflowID(delivery.Body)
	scenario := peekScenario(delivery.Body)
	c.logger.Warn("rejecting invalid message", "workflow_id", workflowID, "error", cause)

	c.publishFailed(ctx, workflowID, scenario, cause)
	c.metrics.MessageConsumed("validation_failed")
	c.ack(delivery)
}

func (c *Consumer) publishFailed(ctx context.Context, workflowID, scenario string, cause error) {
	code := apperrors.CodeValidation
	if appErr := apperrors.As(cause); appErr != nil && appErr.Code != "" {
		code = appErr.Code
	}
	event := events.FailedEvent{
		WorkflowID:   workflowID,
		Scenario:     scenario,
		Status:       ingest.StatusFailed,
		ErrorCode:    code,
		ErrorMessage: cause.Error(),
		Retryable:    false,
		FailedAt:     time.Now().UTC(),
	}
	if err := c.publisher.PublishFailed(ctx, event); err != nil {
		c.logger.Error("failed to publish failed event", "workflow_id", workflowID, "error", err)
	} else {
		c.metrics.EventPublished(events.FailedKey)
	}
}

func (c *Consumer) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack delivery", "error", err)
	}
}

func (c *Consumer) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Error("failed to nack delivery", "error", err)
	}
}
