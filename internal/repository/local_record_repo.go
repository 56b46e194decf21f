package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/crmsync/batch-engine/internal/domain"
	"gorm.io/gorm"
)

type LocalRecordRepository interface {
	Get(ctx context.Context, recordType, id string) (*domain.LocalRecord, error)
	GetMany(ctx context.Context, recordType string, ids []string) ([]domain.LocalRecord, error)
	// UpdateField writes one field into the record's document and
	// returns the field's previous value. A vanished record yields
	// domain.ErrNotFound.
	UpdateField(ctx context.Context, recordType, id, field string, value any) (any, error)
	// Search resolves a name-prefix query into a bounded record list.
	Search(ctx context.Context, recordType, query string, limit int) ([]domain.LocalRecord, error)
}

type GormLocalRecordRepo struct {
	db *gorm.DB
}

var _ LocalRecordRepository = (*GormLocalRecordRepo)(nil)

func NewGormLocalRecordRepo(db *gorm.DB) *GormLocalRecordRepo {
	return &GormLocalRecordRepo{db: db}
}

func (r *GormLocalRecordRepo) Get(ctx context.Context, recordType, id string) (*domain.LocalRecord, error) {
	var model LocalRecordModel
	err := r.db.WithContext(ctx).
		Where("record_type = ? AND id = ?", normalizeType(recordType), id).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return localRecordModelToDomain(&model), nil
}

func (r *GormLocalRecordRepo) GetMany(ctx context.Context, recordType string, ids []string) ([]domain.LocalRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var models []LocalRecordModel
	err := r.db.WithContext(ctx).
		Where("record_type = ? AND id IN ?", normalizeType(recordType), ids).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.LocalRecord, 0, len(models))
	for i := range models {
		records = append(records, *localRecordModelToDomain(&models[i]))
	}
	return records, nil
}

func (r *GormLocalRecordRepo) UpdateField(ctx context.Context, recordType, id, field string, value any) (any, error) {
	var previous any

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model LocalRecordModel
		err := tx.
			Where("record_type = ? AND id = ?", normalizeType(recordType), id).
			First(&model).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		fields := jsonToMap(model.Fields)
		if fields == nil {
			fields = make(map[string]any)
		}
		previous = fields[field]
		fields[field] = value

		return tx.Model(&model).
			Where("record_type = ? AND id = ?", model.RecordType, model.ID).
			Update("fields", mustJSON(fields)).Error
	})
	if err != nil {
		return nil, err
	}

	return previous, nil
}

func (r *GormLocalRecordRepo) Search(ctx context.Context, recordType, query string, limit int) ([]domain.LocalRecord, error) {
	if limit < 1 {
		limit = 50
	}

	q := r.db.WithContext(ctx).Where("record_type = ?", normalizeType(recordType))
	if trimmed := strings.TrimSpace(query); trimmed != "" {
		q = q.Where("fields->>'Name' ILIKE ?", fmt.Sprintf("%s%%", trimmed))
	}

	var models []LocalRecordModel
	err := q.Order("id ASC").Limit(limit).Find(&models).Error
	if err != nil {
		return nil, err
	}

	records := make([]domain.LocalRecord, 0, len(models))
	for i := range models {
		records = append(records, *localRecordModelToDomain(&models[i]))
	}
	return records, nil
}

func normalizeType(recordType string) string {
	return strings.ToLower(strings.TrimSpace(recordType))
}
