package repository

import (
	"context"
	"errors"
	"time"

	"github.com/crmsync/batch-engine/internal/domain"
	"gorm.io/gorm"
)

type RecordStatusRepository interface {
	GetByID(ctx context.Context, id string) (*domain.RecordUpdateStatus, error)
	GetByBatchAndRecord(ctx context.Context, batchID, recordID string) (*domain.RecordUpdateStatus, error)
	ListByBatch(ctx context.Context, batchID string) ([]domain.RecordUpdateStatus, error)
	// ListPendingAfter returns remote-pending records of a batch with
	// position strictly greater than afterPosition, in position order.
	ListPendingAfter(ctx context.Context, batchID string, afterPosition int) ([]domain.RecordUpdateStatus, error)
	ListLocalPending(ctx context.Context, batchID string) ([]domain.RecordUpdateStatus, error)
	// ClaimForSync moves a record PENDING -> SYNCING and returns the
	// claimed record. A record already claimed or finalized yields nil,
	// so a late duplicate attempt never overwrites a prior outcome.
	ClaimForSync(ctx context.Context, id string, at time.Time) (*domain.RecordUpdateStatus, error)
	// Unclaim returns a SYNCING record to PENDING, used when rate
	// limiting halts the session before the record was written remotely.
	Unclaim(ctx context.Context, id string) error
	MarkLocalApplied(ctx context.Context, id string, previousValue any) error
	MarkLocalFailed(ctx context.Context, id string, message string) error
	MarkSynced(ctx context.Context, id string, at time.Time) (bool, error)
	MarkSyncFailed(ctx context.Context, id string, failureType domain.FailureType, message string, at time.Time) error
	MarkConflict(ctx context.Context, id string) (bool, error)
	// FinalizeConflict moves a CONFLICT record straight to a final
	// status (SYNCED for use-remote, SKIPPED for skip).
	FinalizeConflict(ctx context.Context, id string, to domain.SyncStatus) (bool, error)
	// RequeueResolved moves a CONFLICT record back to PENDING carrying
	// the resolved remote payload (use-local and merge resolutions).
	RequeueResolved(ctx context.Context, id string, resolvedFields map[string]any) (bool, error)
	// SkipRemaining marks every remote-pending record of a batch SKIPPED
	// and returns how many records changed.
	SkipRemaining(ctx context.Context, batchID string) (int64, error)
	// SkipFailed marks every remote-failed record of a batch SKIPPED.
	SkipFailed(ctx context.Context, batchID string) (int64, error)
	// ResetNonSynced returns every record that is neither SYNCED nor
	// SKIPPED to PENDING for a full retry pass.
	ResetNonSynced(ctx context.Context, batchID string) (int64, error)
	FailedRecords(ctx context.Context, batchID string) ([]domain.RecordError, error)
}

type GormRecordStatusRepo struct {
	db *gorm.DB
}

var _ RecordStatusRepository = (*GormRecordStatusRepo)(nil)

func NewGormRecordStatusRepo(db *gorm.DB) *GormRecordStatusRepo {
	return &GormRecordStatusRepo{db: db}
}

func (r *GormRecordStatusRepo) GetByID(ctx context.Context, id string) (*domain.RecordUpdateStatus, error) {
	var model RecordStatusModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return recordStatusModelToDomain(&model), nil
}

func (r *GormRecordStatusRepo) GetByBatchAndRecord(ctx context.Context, batchID, recordID string) (*domain.RecordUpdateStatus, error) {
	var model RecordStatusModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND record_id = ?", batchID, recordID).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return recordStatusModelToDomain(&model), nil
}

func (r *GormRecordStatusRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.RecordUpdateStatus, error) {
	var models []RecordStatusModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("position ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return recordStatusModelsToDomain(models), nil
}

func (r *GormRecordStatusRepo) ListPendingAfter(ctx context.Context, batchID string, afterPosition int) ([]domain.RecordUpdateStatus, error) {
	var models []RecordStatusModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND sync_status = ? AND position > ?", batchID, domain.SyncStatusPending, afterPosition).
		Order("position ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return recordStatusModelsToDomain(models), nil
}

func (r *GormRecordStatusRepo) ListLocalPending(ctx context.Context, batchID string) ([]domain.RecordUpdateStatus, error) {
	var models []RecordStatusModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND local_status = ?", batchID, domain.LocalStatusPending).
		Order("position ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return recordStatusModelsToDomain(models), nil
}

func (r *GormRecordStatusRepo) ClaimForSync(ctx context.Context, id string, at time.Time) (*domain.RecordUpdateStatus, error) {
	result := r.db.WithContext(ctx).
		Model(&RecordStatusModel{}).
		Where("id = ? AND sync_status = ?", id, domain.SyncStatusPending).
		Updates(map[string]any{
			"sync_status":     domain.SyncStatusSyncing,
			"last_attempt_at": at,
			"attempt_count":   gorm.Expr("attempt_count + 1"),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	return r.GetByID(ctx, id)
}

func (r *GormRecordStatusRepo) Unclaim(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&RecordStatusModel{}).
		Where("id = ? AND sync_status = ?", id, domain.SyncStatusSyncing).
		Update("sync_status", domain.SyncStatusPending).Error
}

func (r *GormRecordStatusRepo) MarkLocalApplied(ctx context.Context, id string, previousValue any) error {
	result := r.db.WithContext(ctx).
		Model(&RecordStatusModel{}).
		Where("id = ? AND local_status = ?", id, domain.LocalStatusPending).
		Updates(map[string]any{
			"local_status":   domain.LocalStatusApplied,
			"previous_value": mustJSON(previousValue),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormRecordStatusRepo) MarkLocalFailed(ctx context.Context, id string, message string) error {
	result := r.db.WithContext(ctx).
		Model(&RecordStatusModel{}).
		Where("id = ? AND local_status = ?", id, domain.LocalStatusPending).
		Updates(map[string]any{
			"local_status":  domain.LocalStatusFailed,
			"sync_status":   domain.SyncStatusSkipped,
			"error_message": message,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormRecordStatusRepo) MarkSynced(ctx context.Context, id string, at time.Time) (bool, error) {
	// The applied-local guard keeps the invariant that a record is never
	// SYNCED unless its local application succeeded.
	result := r.db.WithContext(ctx).
		Model(&RecordStatusModel{}).
		Where("id = ? AND sync_status = ? AND local_status = ?", id, domain.SyncStatusSyncing, domain.LocalStatusApplied).
		Updates(map[string]any{
			"sync_status":     domain.SyncStatusSynced,
			"error_message":   nil,
			"failure_type":    nil,
			"last_attempt_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormRecordStatusRepo) MarkSyncFailed(ctx context.Context, id string, failureType domain.FailureType, message string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&RecordStatusModel{}).
		Where("id = ? AND sync_status = ?", id, domain.SyncStatusSyncing).
		Updates(map[string]any{
			"sync_status":     domain.SyncStatusFailed,
			"failure_type":    failureType.String(),
			"error_message":   message,
			"last_attempt_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormRecordStatusRepo) MarkConflict(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&RecordStatusModel{}).
		Where("id = ? AND sync_status = ?", id, domain.SyncStatusSyncing).
		Update("sync_status", domain.SyncStatusConflict)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormRecordStatusRepo) FinalizeConflict(ctx context.Context, id string, to domain.SyncStatus) (bool, error) {
	if !to.IsFinal() {
		return false, domain.ErrInvalidTransition
	}

	result := r.db.WithContext(ctx).
		Model(&RecordStatusModel{}).
		Where("id = ? AND sync_status = ?", id, domain.SyncStatusConflict).
		Updates(map[string]any{
			"sync_status":   to,
			"error_message": nil,
			"failure_type":  nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormRecordStatusRepo) RequeueResolved(ctx context.Context, id string, resolvedFields map[string]any) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&RecordStatusModel{}).
		Where("id = ? AND sync_status = ?", id, domain.SyncStatusConflict).
		Updates(map[string]any{
			"sync_status":     domain.SyncStatusPending,
			"resolved_fields": mustJSON(resolvedFields),
			"error_message":   nil,
			"failure_type":    nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormRecordStatusRepo) SkipRemaining(ctx context.Context, batchID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&RecordStatusModel{}).
		Where("batch_id = ? AND sync_status IN ?", batchID,
			[]domain.SyncStatus{domain.SyncStatusPending, domain.SyncStatusSyncing}).
		Update("sync_status", domain.SyncStatusSkipped)
	return result.RowsAffected, result.Error
}

func (r *GormRecordStatusRepo) SkipFailed(ctx context.Context, batchID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&RecordStatusModel{}).
		Where("batch_id = ? AND sync_status = ?", batchID, domain.SyncStatusFailed).
		Update("sync_status", domain.SyncStatusSkipped)
	return result.RowsAffected, result.Error
}

func (r *GormRecordStatusRepo) ResetNonSynced(ctx context.Context, batchID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&RecordStatusModel{}).
		Where("batch_id = ? AND sync_status IN ?", batchID,
			[]domain.SyncStatus{domain.SyncStatusSyncing, domain.SyncStatusFailed, domain.SyncStatusConflict}).
		Updates(map[string]any{
			"sync_status":   domain.SyncStatusPending,
			"error_message": nil,
			"failure_type":  nil,
		})
	return result.RowsAffected, result.Error
}

func (r *GormRecordStatusRepo) FailedRecords(ctx context.Context, batchID string) ([]domain.RecordError, error) {
	var models []RecordStatusModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND (sync_status = ? OR local_status = ?)",
			batchID, domain.SyncStatusFailed, domain.LocalStatusFailed).
		Order("position ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	report := make([]domain.RecordError, 0, len(models))
	for i := range models {
		rec := recordStatusModelToDomain(&models[i])
		entry := domain.RecordError{
			RecordID: rec.RecordID,
			RemoteID: rec.RemoteID,
			Attempts: rec.AttemptCount,
		}
		if rec.ErrorMessage != nil {
			entry.Error = *rec.ErrorMessage
		}
		if rec.FailureType != nil {
			entry.FailureType = *rec.FailureType
		}
		report = append(report, entry)
	}

	return report, nil
}

func recordStatusModelsToDomain(models []RecordStatusModel) []domain.RecordUpdateStatus {
	records := make([]domain.RecordUpdateStatus, 0, len(models))
	for i := range models {
		records = append(records, *recordStatusModelToDomain(&models[i]))
	}
	return records
}
