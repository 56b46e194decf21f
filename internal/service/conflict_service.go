package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/crmsync/batch-engine/internal/domain"
	"github.com/crmsync/batch-engine/internal/repository"
)

// ConflictService applies operator resolutions to detected conflicts.
//
// use-local and merge produce a remote payload and return the record to
// the pending pool; the next resume writes it. use-remote adopts the
// remote values locally and skip writes the conflict off. Neither of the
// latter two touches the remote record.
type ConflictService struct {
	jobs      repository.BatchJobRepository
	records   repository.RecordStatusRepository
	conflicts repository.ConflictRepository
	locals    repository.LocalRecordRepository
	logger    *zap.Logger
	now       func() time.Time
}

func NewConflictService(
	jobs repository.BatchJobRepository,
	records repository.RecordStatusRepository,
	conflicts repository.ConflictRepository,
	locals repository.LocalRecordRepository,
	logger *zap.Logger,
) (*ConflictService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ConflictService{
		jobs:      jobs,
		records:   records,
		conflicts: conflicts,
		locals:    locals,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *ConflictService) List(ctx context.Context, batchID string, unresolvedOnly bool) ([]domain.ConflictRecord, error) {
	if _, err := s.jobs.GetStatus(ctx, batchID); err != nil {
		return nil, err
	}
	return s.conflicts.ListByBatch(ctx, batchID, unresolvedOnly)
}

func (s *ConflictService) Get(ctx context.Context, conflictID string) (*domain.ConflictRecord, error) {
	return s.conflicts.GetByID(ctx, conflictID)
}

// Resolve applies an operator decision exactly once. A conflict that was
// already resolved yields domain.ErrConflict.
func (s *ConflictService) Resolve(ctx context.Context, conflictID string, resolution domain.Resolution, mergedData map[string]any) (*domain.ConflictRecord, error) {
	c, err := s.conflicts.GetByID(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if c.IsResolved() {
		return nil, fmt.Errorf("%w: conflict %s is already resolved", domain.ErrConflict, conflictID)
	}

	if resolution == domain.ResolutionMerge {
		if err := c.ValidateMergedData(mergedData); err != nil {
			return nil, err
		}
	}

	rec, err := s.records.GetByBatchAndRecord(ctx, c.BatchID, c.RecordID)
	if err != nil {
		return nil, err
	}

	job, err := s.jobs.GetByID(ctx, c.BatchID)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if err := s.conflicts.Resolve(ctx, conflictID, resolution, mergedData, now); err != nil {
		return nil, err
	}

	switch resolution {
	case domain.ResolutionUseLocal:
		payload := buildLocalPayload(c, job, rec)
		if _, err := s.records.RequeueResolved(ctx, rec.ID, payload); err != nil {
			return nil, err
		}

	case domain.ResolutionMerge:
		if _, err := s.records.RequeueResolved(ctx, rec.ID, mergedData); err != nil {
			return nil, err
		}

	case domain.ResolutionUseRemote:
		// The remote side wins: adopt its diverging values locally and
		// consider the record reconciled without a remote write.
		for _, fc := range c.FieldConflicts {
			if _, err := s.locals.UpdateField(ctx, c.RecordType, c.RecordID, fc.Field, fc.RemoteValue); err != nil {
				return nil, err
			}
		}
		if _, err := s.records.FinalizeConflict(ctx, rec.ID, domain.SyncStatusSynced); err != nil {
			return nil, err
		}

	case domain.ResolutionSkip:
		if _, err := s.records.FinalizeConflict(ctx, rec.ID, domain.SyncStatusSkipped); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("%w: resolution %q is not applicable", domain.ErrValidation, resolution)
	}

	if _, err := s.jobs.RefreshCounts(ctx, c.BatchID); err != nil {
		return nil, err
	}

	s.logger.Info("conflict resolved",
		zap.String("conflictId", conflictID),
		zap.String("batchId", c.BatchID),
		zap.String("recordId", c.RecordID),
		zap.String("resolution", resolution.String()),
	)

	return s.conflicts.GetByID(ctx, conflictID)
}

// buildLocalPayload is the use-local remote write: the selection-time
// local view plus the batch's own field change, restricted to the fields
// that diverged so unrelated remote fields are left alone.
func buildLocalPayload(c *domain.ConflictRecord, job *domain.BatchJob, rec *domain.RecordUpdateStatus) map[string]any {
	payload := make(map[string]any, len(c.FieldConflicts)+1)
	for _, fc := range c.FieldConflicts {
		payload[fc.Field] = fc.LocalValue
	}
	payload[job.FieldName] = rec.NewValue
	return payload
}
