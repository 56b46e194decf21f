package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/crmsync/batch-engine/internal/catalog"
	"github.com/crmsync/batch-engine/internal/domain"
	"github.com/crmsync/batch-engine/internal/progress"
	"github.com/crmsync/batch-engine/internal/queue"
	"github.com/crmsync/batch-engine/internal/repository"
	"github.com/crmsync/batch-engine/internal/selector"
)

const defaultMaxRetryAttempts = 3

var batchCancellableStatuses = []domain.BatchStatus{
	domain.BatchStatusPending,
	domain.BatchStatusApplyingLocal,
	domain.BatchStatusLocalApplied,
	domain.BatchStatusSyncingRemote,
	domain.BatchStatusPartialFailure,
	domain.BatchStatusFailed,
}

// BatchService creates batch jobs, applies them locally and starts the
// remote sync session for each.
type BatchService struct {
	jobs             repository.BatchJobRepository
	records          repository.RecordStatusRepository
	locals           repository.LocalRecordRepository
	sessions         repository.SessionRepository
	catalog          catalog.Catalog
	selector         *selector.Selector
	publisher        queue.Publisher
	hub              *progress.Hub
	logger           *zap.Logger
	maxRetryAttempts int
	now              func() time.Time
}

// CreateBatchParams is one operator request: set one field to one value
// across an explicit record set.
type CreateBatchParams struct {
	RecordType string
	FieldName  string
	Value      any
	RecordIDs  []string
	CreatedBy  string
}

func NewBatchService(
	jobs repository.BatchJobRepository,
	records repository.RecordStatusRepository,
	locals repository.LocalRecordRepository,
	sessions repository.SessionRepository,
	cat catalog.Catalog,
	sel *selector.Selector,
	publisher queue.Publisher,
	hub *progress.Hub,
	maxRetryAttempts int,
	logger *zap.Logger,
) (*BatchService, error) {
	if maxRetryAttempts < 1 {
		maxRetryAttempts = defaultMaxRetryAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchService{
		jobs:             jobs,
		records:          records,
		locals:           locals,
		sessions:         sessions,
		catalog:          cat,
		selector:         sel,
		publisher:        publisher,
		hub:              hub,
		logger:           logger,
		maxRetryAttempts: maxRetryAttempts,
		now:              time.Now,
	}, nil
}

// CreateBatch validates the field change against the catalog, freezes
// the record set with its pre-change snapshots, persists the job and
// starts an async sync session for it.
func (s *BatchService) CreateBatch(ctx context.Context, params CreateBatchParams) (*domain.BatchJob, *domain.SyncSession, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	def, err := s.catalog.Field(params.RecordType, strings.TrimSpace(params.FieldName))
	if err != nil {
		return nil, nil, err
	}

	value, err := domain.ParseFieldValue(def, params.Value)
	if err != nil {
		return nil, nil, err
	}

	locals, err := s.selector.Resolve(ctx, params.RecordType, params.RecordIDs)
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	job := &domain.BatchJob{
		ID:         uuid.NewString(),
		RecordType: strings.ToLower(strings.TrimSpace(params.RecordType)),
		FieldName:  def.Name,
		NewValue:   value,
		Status:     domain.BatchStatusPending,
		Counts:     domain.BatchCounts{Total: len(locals)},
		CreatedBy:  strings.TrimSpace(params.CreatedBy),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := job.Validate(); err != nil {
		return nil, nil, err
	}

	records := make([]*domain.RecordUpdateStatus, 0, len(locals))
	for i, rec := range locals {
		snapshot := make(map[string]any, len(rec.Fields))
		for k, v := range rec.Fields {
			snapshot[k] = v
		}

		records = append(records, &domain.RecordUpdateStatus{
			ID:            uuid.NewString(),
			BatchID:       job.ID,
			RecordID:      rec.ID,
			RemoteID:      rec.RemoteID,
			Position:      i + 1,
			NewValue:      value.Interface(),
			LocalSnapshot: snapshot,
			LocalStatus:   domain.LocalStatusPending,
			SyncStatus:    domain.SyncStatusPending,
		})
	}

	if err := s.jobs.Create(ctx, job, records); err != nil {
		return nil, nil, err
	}

	session, err := s.startSession(ctx, job, 0, false)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("batch created",
		zap.String("batchId", job.ID),
		zap.String("recordType", job.RecordType),
		zap.String("field", job.FieldName),
		zap.Int("records", len(records)),
		zap.String("sessionId", session.ID),
	)

	return job, session, nil
}

// ApplyLocal runs the local phase of a batch: every pending record gets
// the new value written into the local store, capturing its previous
// value. Safe to call again after a partial run; already-applied records
// are not touched.
func (s *BatchService) ApplyLocal(ctx context.Context, batchID string) error {
	job, err := s.jobs.GetByID(ctx, batchID)
	if err != nil {
		return err
	}

	switch job.Status {
	case domain.BatchStatusPending, domain.BatchStatusApplyingLocal:
	case domain.BatchStatusLocalApplied:
		return nil
	default:
		return fmt.Errorf("%w: batch %s is %s", domain.ErrInvalidTransition, batchID, job.Status)
	}

	if _, err := s.jobs.TransitionStatus(ctx, batchID,
		[]domain.BatchStatus{domain.BatchStatusPending}, domain.BatchStatusApplyingLocal); err != nil {
		return err
	}

	pending, err := s.records.ListLocalPending(ctx, batchID)
	if err != nil {
		return err
	}

	for i := range pending {
		rec := &pending[i]

		previous, err := s.locals.UpdateField(ctx, job.RecordType, rec.RecordID, job.FieldName, rec.NewValue)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("failed to apply field locally: %w", err)
			}
			if markErr := s.records.MarkLocalFailed(ctx, rec.ID, "record no longer exists locally"); markErr != nil {
				return markErr
			}
			continue
		}

		if err := s.records.MarkLocalApplied(ctx, rec.ID, previous); err != nil {
			return err
		}
	}

	ok, err := s.jobs.TransitionStatus(ctx, batchID,
		[]domain.BatchStatus{domain.BatchStatusApplyingLocal}, domain.BatchStatusLocalApplied)
	if err != nil {
		return err
	}
	if !ok {
		// Concurrent cancel won the race; nothing left to do here.
		return nil
	}

	if _, err := s.jobs.RefreshCounts(ctx, batchID); err != nil {
		return err
	}
	return nil
}

// Cancel stops a batch: remaining unsynced records are skipped and the
// active session, if any, is closed. Records already synced stay synced.
func (s *BatchService) Cancel(ctx context.Context, batchID string) error {
	ok, err := s.jobs.TransitionStatus(ctx, batchID, batchCancellableStatuses, domain.BatchStatusCancelled)
	if err != nil {
		return err
	}
	if !ok {
		status, statusErr := s.jobs.GetStatus(ctx, batchID)
		if statusErr != nil {
			return statusErr
		}
		return fmt.Errorf("%w: batch %s is already %s", domain.ErrInvalidTransition, batchID, status)
	}

	skipped, err := s.records.SkipRemaining(ctx, batchID)
	if err != nil {
		return err
	}
	if _, err := s.jobs.RefreshCounts(ctx, batchID); err != nil {
		return err
	}

	now := s.now().UTC()
	session, err := s.sessions.GetActiveByBatch(ctx, batchID)
	if err == nil {
		if err := s.sessions.MarkCancelled(ctx, session.ID, now); err != nil {
			return err
		}
		if s.hub != nil {
			s.hub.Publish(progress.Event{
				SessionID: session.ID,
				Status:    domain.SessionStatusCancelled,
				Stage:     "cancelled",
				Terminal:  true,
				At:        now,
			})
		}
	} else if !errors.Is(err, domain.ErrNotFound) {
		return err
	}

	s.logger.Info("batch cancelled",
		zap.String("batchId", batchID),
		zap.Int64("recordsSkipped", skipped),
	)
	return nil
}

// GetBatch returns the job with counts recomputed from its records.
func (s *BatchService) GetBatch(ctx context.Context, batchID string) (*domain.BatchJob, error) {
	counts, err := s.jobs.RefreshCounts(ctx, batchID)
	if err != nil {
		return nil, err
	}

	job, err := s.jobs.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	job.Counts = counts
	return job, nil
}

func (s *BatchService) ListRecords(ctx context.Context, batchID string) ([]domain.RecordUpdateStatus, error) {
	if _, err := s.jobs.GetStatus(ctx, batchID); err != nil {
		return nil, err
	}
	return s.records.ListByBatch(ctx, batchID)
}

func (s *BatchService) startSession(ctx context.Context, job *domain.BatchJob, retryAttempts int, skipLocalApply bool) (*domain.SyncSession, error) {
	session := &domain.SyncSession{
		ID:               uuid.NewString(),
		BatchID:          job.ID,
		Type:             domain.SessionTypeBatch,
		Status:           domain.SessionStatusPending,
		RecordsTotal:     job.Counts.Total,
		CurrentStage:     "queued",
		StartedAt:        s.now().UTC(),
		RetryAttempts:    retryAttempts,
		MaxRetryAttempts: s.maxRetryAttempts,
	}
	if err := s.sessions.CreateActive(ctx, session); err != nil {
		return nil, err
	}

	msg := queue.SyncJobMessage{
		SessionID:      session.ID,
		BatchID:        job.ID,
		CorrelationID:  uuid.NewString(),
		SkipLocalApply: skipLocalApply,
	}
	if err := s.publisher.PublishSyncJob(ctx, msg); err != nil {
		s.logger.Error("failed to publish sync job",
			zap.String("batchId", job.ID),
			zap.String("sessionId", session.ID),
			zap.Error(err),
		)
		_ = s.sessions.MarkCancelled(ctx, session.ID, s.now().UTC())
		return nil, fmt.Errorf("failed to enqueue sync session: %w", err)
	}

	return session, nil
}
