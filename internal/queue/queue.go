package queue

import "context"

const (
	// SyncJobsQueue carries sync-session job messages to the runner.
	SyncJobsQueue = "sync.jobs"
	// SyncJobsDLQ receives poison job messages after rejection.
	SyncJobsDLQ = "dlq.sync.jobs"
)

// Publisher publishes sync job messages to the sync jobs queue.
type Publisher interface {
	PublishSyncJob(ctx context.Context, msg SyncJobMessage) error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg SyncJobMessage) error

// Consumer consumes sync job messages until context cancellation.
type Consumer interface {
	Consume(ctx context.Context, handler MessageHandler) error
}
