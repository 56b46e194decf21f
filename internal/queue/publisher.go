package queue

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

type rabbitPublisher struct {
	rmq    *RabbitMQ
	logger *zap.Logger
}

func NewPublisher(rmq *RabbitMQ, logger *zap.Logger) Publisher {
	return &rabbitPublisher{rmq: rmq, logger: logger}
}

func (p *rabbitPublisher) PublishSyncJob(ctx context.Context, msg SyncJobMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal sync job message: %w", err)
	}

	ch, err := p.rmq.channel(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	err = ch.PublishWithContext(ctx,
		"",
		SyncJobsQueue,
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     msg.SessionID,
			CorrelationId: msg.CorrelationID,
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish sync job: %w", err)
	}

	p.logger.Debug("sync job published",
		zap.String("session_id", msg.SessionID),
		zap.String("batch_id", msg.BatchID),
		zap.Int("after_position", msg.AfterPosition),
	)

	return nil
}
