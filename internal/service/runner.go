package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/crmsync/batch-engine/internal/queue"
)

// Runner consumes sync job messages and drives each through the local
// apply phase and the remote sync worker.
type Runner struct {
	consumer queue.Consumer
	batches  *BatchService
	worker   *SyncWorker
	logger   *zap.Logger
}

func NewRunner(consumer queue.Consumer, batches *BatchService, worker *SyncWorker, logger *zap.Logger) (*Runner, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Runner{
		consumer: consumer,
		batches:  batches,
		worker:   worker,
		logger:   logger,
	}, nil
}

// Start blocks consuming sync jobs until context cancellation.
func (r *Runner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.logger.Info("sync runner started")
	err := r.consumer.Consume(ctx, r.handle)
	if err != nil && ctx.Err() == nil {
		r.logger.Error("sync runner stopped with error", zap.Error(err))
		return err
	}

	r.logger.Info("sync runner stopped")
	return nil
}

func (r *Runner) handle(ctx context.Context, msg queue.SyncJobMessage) error {
	if !msg.SkipLocalApply {
		if err := r.batches.ApplyLocal(ctx, msg.BatchID); err != nil {
			return err
		}
	}
	return r.worker.SyncSession(ctx, msg)
}
