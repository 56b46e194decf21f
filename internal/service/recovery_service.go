package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crmsync/batch-engine/internal/domain"
	"github.com/crmsync/batch-engine/internal/queue"
	"github.com/crmsync/batch-engine/internal/repository"
)

// RecoveryService turns a failed sync session into one of the operator
// recovery paths: resume from the last successful record, retry all
// unsynced records in a fresh session, skip what failed, or cancel.
type RecoveryService struct {
	jobs      repository.BatchJobRepository
	records   repository.RecordStatusRepository
	sessions  repository.SessionRepository
	publisher queue.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// ErrorReport is the downloadable summary of a session's failed records.
type ErrorReport struct {
	SessionID   string               `json:"sessionId"`
	BatchID     string               `json:"batchId"`
	FailureType domain.FailureType   `json:"failureType"`
	Reason      string               `json:"reason"`
	GeneratedAt time.Time            `json:"generatedAt"`
	Records     []domain.RecordError `json:"records"`
}

func NewRecoveryService(
	jobs repository.BatchJobRepository,
	records repository.RecordStatusRepository,
	sessions repository.SessionRepository,
	publisher queue.Publisher,
	logger *zap.Logger,
) (*RecoveryService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RecoveryService{
		jobs:      jobs,
		records:   records,
		sessions:  sessions,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// Session returns a session by ID.
func (s *RecoveryService) Session(ctx context.Context, sessionID string) (*domain.SyncSession, error) {
	return s.sessions.GetByID(ctx, sessionID)
}

// FailureDetails returns the failure snapshot of a failed session.
func (s *RecoveryService) FailureDetails(ctx context.Context, sessionID string) (*domain.SyncFailureDetails, error) {
	return s.sessions.GetFailureDetails(ctx, sessionID)
}

// AvailableActions lists the recovery actions applicable to a failure.
// Resume requires a resumable failure that synced at least one record;
// retry disappears once its attempt budget is spent; skipping failed
// records only makes sense for a partial failure, where failed records
// actually exist.
func AvailableActions(details *domain.SyncFailureDetails) []domain.RecoveryAction {
	if details == nil {
		return nil
	}

	actions := make([]domain.RecoveryAction, 0, 5)
	if details.CanResume && details.RecordsProcessed > 0 {
		actions = append(actions, domain.ActionResume)
	}
	if details.RetryAttempts < details.MaxRetryAttempts {
		actions = append(actions, domain.ActionRetry)
	}
	if details.Type == domain.FailurePartialFailure {
		actions = append(actions, domain.ActionSkipFailed)
	}
	actions = append(actions, domain.ActionCancel, domain.ActionDownloadErrRept)
	return actions
}

// Resume reactivates the failed session and continues strictly after
// the last successfully synced position. Records synced before the
// failure are not reprocessed.
func (s *RecoveryService) Resume(ctx context.Context, sessionID string) (*domain.SyncSession, error) {
	details, err := s.sessions.GetFailureDetails(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !details.CanResume {
		return nil, fmt.Errorf("%w: session %s is not resumable", domain.ErrValidation, sessionID)
	}

	reactivated, err := s.sessions.Reactivate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !reactivated {
		return nil, fmt.Errorf("%w: session %s is not in a failed state", domain.ErrConflict, sessionID)
	}

	msg := queue.SyncJobMessage{
		SessionID:      sessionID,
		BatchID:        details.BatchID,
		CorrelationID:  uuid.NewString(),
		AfterPosition:  details.LastSuccessfulPosition,
		SkipLocalApply: true,
	}
	if err := s.publisher.PublishSyncJob(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to enqueue resume: %w", err)
	}

	s.logger.Info("session resume enqueued",
		zap.String("sessionId", sessionID),
		zap.String("batchId", details.BatchID),
		zap.Int("afterPosition", details.LastSuccessfulPosition),
	)
	return s.sessions.GetByID(ctx, sessionID)
}

// Retry opens a fresh session that reprocesses every record not yet
// synced, counting against the batch's retry budget.
func (s *RecoveryService) Retry(ctx context.Context, sessionID string) (*domain.SyncSession, error) {
	details, err := s.sessions.GetFailureDetails(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if details.RetryAttempts >= details.MaxRetryAttempts {
		return nil, fmt.Errorf("%w: retry budget exhausted (%d of %d attempts used)",
			domain.ErrValidation, details.RetryAttempts, details.MaxRetryAttempts)
	}

	if _, err := s.records.ResetNonSynced(ctx, details.BatchID); err != nil {
		return nil, err
	}

	counts, err := s.jobs.RefreshCounts(ctx, details.BatchID)
	if err != nil {
		return nil, err
	}

	session := &domain.SyncSession{
		ID:               uuid.NewString(),
		BatchID:          details.BatchID,
		Type:             domain.SessionTypeBatch,
		Status:           domain.SessionStatusPending,
		RecordsTotal:     counts.Total,
		CurrentStage:     "queued",
		StartedAt:        s.now().UTC(),
		RetryAttempts:    details.RetryAttempts + 1,
		MaxRetryAttempts: details.MaxRetryAttempts,
	}
	if err := s.sessions.CreateActive(ctx, session); err != nil {
		if errors.Is(err, domain.ErrSessionActive) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to create retry session: %w", err)
	}

	msg := queue.SyncJobMessage{
		SessionID:      session.ID,
		BatchID:        details.BatchID,
		CorrelationID:  uuid.NewString(),
		SkipLocalApply: true,
	}
	if err := s.publisher.PublishSyncJob(ctx, msg); err != nil {
		_ = s.sessions.MarkCancelled(ctx, session.ID, s.now().UTC())
		return nil, fmt.Errorf("failed to enqueue retry: %w", err)
	}

	s.logger.Info("retry session enqueued",
		zap.String("previousSessionId", sessionID),
		zap.String("sessionId", session.ID),
		zap.String("batchId", details.BatchID),
		zap.Int("retryAttempt", session.RetryAttempts),
	)
	return session, nil
}

// SkipFailed writes off the failed records and, when nothing else is
// outstanding, closes the batch as completed with skips. Only a partial
// failure qualifies; a halted session still has pending records that
// resume or retry must drive, not a terminal transition.
func (s *RecoveryService) SkipFailed(ctx context.Context, sessionID string) (domain.BatchCounts, error) {
	details, err := s.sessions.GetFailureDetails(ctx, sessionID)
	if err != nil {
		return domain.BatchCounts{}, err
	}
	if details.Type != domain.FailurePartialFailure {
		return domain.BatchCounts{}, fmt.Errorf("%w: session %s failed with %s, skipping applies only to a partial failure",
			domain.ErrValidation, sessionID, details.Type)
	}

	skipped, err := s.records.SkipFailed(ctx, details.BatchID)
	if err != nil {
		return domain.BatchCounts{}, err
	}

	counts, err := s.jobs.RefreshCounts(ctx, details.BatchID)
	if err != nil {
		return domain.BatchCounts{}, err
	}

	// Unresolved conflicts keep the batch in partial failure.
	if counts.Conflicted == 0 {
		if _, err := s.jobs.TransitionStatus(ctx, details.BatchID,
			[]domain.BatchStatus{domain.BatchStatusPartialFailure, domain.BatchStatusFailed},
			domain.BatchStatusCompletedWithSkips); err != nil {
			return domain.BatchCounts{}, err
		}
	}

	s.logger.Info("failed records skipped",
		zap.String("sessionId", sessionID),
		zap.String("batchId", details.BatchID),
		zap.Int64("skipped", skipped),
	)
	return counts, nil
}

// Cancel abandons the batch after a failure: everything unsynced is
// skipped and the batch closes as cancelled.
func (s *RecoveryService) Cancel(ctx context.Context, sessionID string) error {
	details, err := s.sessions.GetFailureDetails(ctx, sessionID)
	if err != nil {
		return err
	}

	ok, err := s.jobs.TransitionStatus(ctx, details.BatchID, batchCancellableStatuses, domain.BatchStatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		status, statusErr := s.jobs.GetStatus(ctx, details.BatchID)
		if statusErr != nil {
			return statusErr
		}
		return fmt.Errorf("%w: batch %s is already %s", domain.ErrInvalidTransition, details.BatchID, status)
	}

	if _, err := s.records.SkipRemaining(ctx, details.BatchID); err != nil {
		return err
	}
	if _, err := s.jobs.RefreshCounts(ctx, details.BatchID); err != nil {
		return err
	}

	s.logger.Info("batch cancelled after failure",
		zap.String("sessionId", sessionID),
		zap.String("batchId", details.BatchID),
	)
	return nil
}

// Report assembles the downloadable error report of a failed session.
func (s *RecoveryService) Report(ctx context.Context, sessionID string) (*ErrorReport, error) {
	details, err := s.sessions.GetFailureDetails(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	failed, err := s.records.FailedRecords(ctx, details.BatchID)
	if err != nil {
		return nil, err
	}

	return &ErrorReport{
		SessionID:   sessionID,
		BatchID:     details.BatchID,
		FailureType: details.Type,
		Reason:      details.Reason,
		GeneratedAt: s.now().UTC(),
		Records:     failed,
	}, nil
}
