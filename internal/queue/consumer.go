package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/crmsync/batch-engine/internal/observability"
)

type rabbitConsumer struct {
	rmq      *RabbitMQ
	logger   *zap.Logger
	prefetch int
}

func NewConsumer(rmq *RabbitMQ, prefetch int, logger *zap.Logger) Consumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	return &rabbitConsumer{rmq: rmq, logger: logger, prefetch: prefetch}
}

// Consume blocks until ctx is canceled, redialing when the channel drops.
func (c *rabbitConsumer) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := c.consumeOnce(ctx, handler); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("consumer channel lost, reconnecting", zap.Error(err))
		}
	}
}

func (c *rabbitConsumer) consumeOnce(ctx context.Context, handler MessageHandler) error {
	ch, err := c.rmq.channel(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		SyncJobsQueue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming %q: %w", SyncJobsQueue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed for %q", SyncJobsQueue)
			}
			c.handleDelivery(ctx, d, handler)
		}
	}
}

func (c *rabbitConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) {
	var msg SyncJobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.logger.Error("rejecting malformed sync job message", zap.Error(err))
		_ = d.Reject(false)
		return
	}

	if err := msg.Validate(); err != nil {
		c.logger.Error("rejecting invalid sync job message",
			zap.String("session_id", msg.SessionID),
			zap.Error(err),
		)
		_ = d.Reject(false)
		return
	}

	// The publisher's correlation id follows the message through the
	// worker so its log lines join up with the enqueueing request.
	ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	logger := observability.WithContextLogger(c.logger, ctx)

	if err := handler(ctx, msg); err != nil {
		requeue := !d.Redelivered
		logger.Error("sync job handler failed",
			zap.String("session_id", msg.SessionID),
			zap.String("batch_id", msg.BatchID),
			zap.Bool("requeue", requeue),
			zap.Error(err),
		)
		_ = d.Nack(false, requeue)
		return
	}

	_ = d.Ack(false)
}
