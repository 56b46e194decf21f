package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/crmsync/batch-engine/internal/domain"
	"gorm.io/gorm"
)

type BatchJobRepository interface {
	// Create persists the job and its record statuses atomically.
	Create(ctx context.Context, job *domain.BatchJob, records []*domain.RecordUpdateStatus) error
	GetByID(ctx context.Context, id string) (*domain.BatchJob, error)
	GetStatus(ctx context.Context, id string) (domain.BatchStatus, error)
	// TransitionStatus is a compare-and-set: the update applies only when
	// the stored status is one of the expected values. It reports whether
	// a row changed.
	TransitionStatus(ctx context.Context, id string, from []domain.BatchStatus, to domain.BatchStatus) (bool, error)
	// RefreshCounts recomputes the job's aggregate counts from its record
	// statuses and returns the fresh values.
	RefreshCounts(ctx context.Context, id string) (domain.BatchCounts, error)
}

type GormBatchJobRepo struct {
	db *gorm.DB
}

var _ BatchJobRepository = (*GormBatchJobRepo)(nil)

func NewGormBatchJobRepo(db *gorm.DB) *GormBatchJobRepo {
	return &GormBatchJobRepo{db: db}
}

func (r *GormBatchJobRepo) Create(ctx context.Context, job *domain.BatchJob, records []*domain.RecordUpdateStatus) error {
	jobModel := batchJobModelFromDomain(job)

	recordModels := make([]RecordStatusModel, 0, len(records))
	for _, rec := range records {
		if model := recordStatusModelFromDomain(rec); model != nil {
			recordModels = append(recordModels, *model)
		}
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(jobModel).Error; err != nil {
			return err
		}
		if len(recordModels) > 0 {
			if err := tx.CreateInBatches(&recordModels, 100).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist batch job: %w", err)
	}

	if job != nil {
		*job = *batchJobModelToDomain(jobModel)
	}
	return nil
}

func (r *GormBatchJobRepo) GetByID(ctx context.Context, id string) (*domain.BatchJob, error) {
	var model BatchJobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchJobModelToDomain(&model), nil
}

func (r *GormBatchJobRepo) GetStatus(ctx context.Context, id string) (domain.BatchStatus, error) {
	var status domain.BatchStatus
	err := r.db.WithContext(ctx).
		Model(&BatchJobModel{}).
		Select("status").
		Where("id = ?", id).
		Scan(&status).Error
	if err != nil {
		return "", err
	}
	if status == "" {
		return "", domain.ErrNotFound
	}
	return status, nil
}

func (r *GormBatchJobRepo) TransitionStatus(ctx context.Context, id string, from []domain.BatchStatus, to domain.BatchStatus) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchJobModel{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

type countsRow struct {
	SyncStatus  domain.SyncStatus  `gorm:"column:sync_status"`
	LocalStatus domain.LocalStatus `gorm:"column:local_status"`
	Count       int                `gorm:"column:count"`
}

func (r *GormBatchJobRepo) RefreshCounts(ctx context.Context, id string) (domain.BatchCounts, error) {
	var rows []countsRow
	err := r.db.WithContext(ctx).
		Model(&RecordStatusModel{}).
		Select("sync_status, local_status, COUNT(*) as count").
		Where("batch_id = ?", id).
		Group("sync_status, local_status").
		Scan(&rows).Error
	if err != nil {
		return domain.BatchCounts{}, err
	}

	var counts domain.BatchCounts
	for _, row := range rows {
		counts.Total += row.Count
		if row.LocalStatus == domain.LocalStatusApplied {
			counts.AppliedLocal += row.Count
		}
		switch row.SyncStatus {
		case domain.SyncStatusSynced:
			counts.Synced += row.Count
		case domain.SyncStatusFailed:
			counts.Failed += row.Count
		case domain.SyncStatusConflict:
			counts.Conflicted += row.Count
		case domain.SyncStatusSkipped:
			counts.Skipped += row.Count
		}
	}

	err = r.db.WithContext(ctx).
		Model(&BatchJobModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"total":         counts.Total,
			"applied_local": counts.AppliedLocal,
			"synced":        counts.Synced,
			"failed":        counts.Failed,
			"conflicted":    counts.Conflicted,
			"skipped":       counts.Skipped,
		}).Error
	if err != nil {
		return domain.BatchCounts{}, err
	}

	return counts, nil
}
