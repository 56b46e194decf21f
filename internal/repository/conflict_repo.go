package repository

import (
	"context"
	"errors"
	"time"

	"github.com/crmsync/batch-engine/internal/domain"
	"gorm.io/gorm"
)

type ConflictRepository interface {
	Create(ctx context.Context, c *domain.ConflictRecord) error
	GetByID(ctx context.Context, id string) (*domain.ConflictRecord, error)
	ListByBatch(ctx context.Context, batchID string, unresolvedOnly bool) ([]domain.ConflictRecord, error)
	// FindForRecord returns the unresolved conflict of a (batch, record)
	// pair, if any.
	FindForRecord(ctx context.Context, batchID, recordID string) (*domain.ConflictRecord, error)
	// Resolve sets the resolution exactly once: a conflict already
	// resolved yields domain.ErrConflict.
	Resolve(ctx context.Context, id string, resolution domain.Resolution, mergedData map[string]any, at time.Time) error
}

type GormConflictRepo struct {
	db *gorm.DB
}

var _ ConflictRepository = (*GormConflictRepo)(nil)

func NewGormConflictRepo(db *gorm.DB) *GormConflictRepo {
	return &GormConflictRepo{db: db}
}

func (r *GormConflictRepo) Create(ctx context.Context, c *domain.ConflictRecord) error {
	model := conflictModelFromDomain(c)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if c != nil {
		*c = *conflictModelToDomain(model)
	}
	return nil
}

func (r *GormConflictRepo) GetByID(ctx context.Context, id string) (*domain.ConflictRecord, error) {
	var model ConflictModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return conflictModelToDomain(&model), nil
}

func (r *GormConflictRepo) ListByBatch(ctx context.Context, batchID string, unresolvedOnly bool) ([]domain.ConflictRecord, error) {
	query := r.db.WithContext(ctx).Where("batch_id = ?", batchID)
	if unresolvedOnly {
		query = query.Where("resolution = ?", domain.ResolutionUnresolved)
	}

	var models []ConflictModel
	if err := query.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}

	conflicts := make([]domain.ConflictRecord, 0, len(models))
	for i := range models {
		conflicts = append(conflicts, *conflictModelToDomain(&models[i]))
	}
	return conflicts, nil
}

func (r *GormConflictRepo) FindForRecord(ctx context.Context, batchID, recordID string) (*domain.ConflictRecord, error) {
	var model ConflictModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND record_id = ? AND resolution = ?", batchID, recordID, domain.ResolutionUnresolved).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return conflictModelToDomain(&model), nil
}

func (r *GormConflictRepo) Resolve(ctx context.Context, id string, resolution domain.Resolution, mergedData map[string]any, at time.Time) error {
	updates := map[string]any{
		"resolution":  resolution,
		"resolved_at": at,
	}
	if resolution == domain.ResolutionMerge {
		updates["merged_data"] = mustJSON(mergedData)
	}

	result := r.db.WithContext(ctx).
		Model(&ConflictModel{}).
		Where("id = ? AND resolution = ?", id, domain.ResolutionUnresolved).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}
