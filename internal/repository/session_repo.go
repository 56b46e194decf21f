package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/crmsync/batch-engine/internal/domain"
	"gorm.io/gorm"
)

type SessionRepository interface {
	// CreateActive persists a new session in an active status. A batch
	// that already has an active session yields domain.ErrSessionActive.
	CreateActive(ctx context.Context, s *domain.SyncSession) error
	GetByID(ctx context.Context, id string) (*domain.SyncSession, error)
	GetActiveByBatch(ctx context.Context, batchID string) (*domain.SyncSession, error)
	// MarkRunning moves a PENDING session to RUNNING.
	MarkRunning(ctx context.Context, id string, stage string) (bool, error)
	UpdateProgress(ctx context.Context, id string, processed int, stage string, estimatedCompletion *time.Time) error
	MarkCompleted(ctx context.Context, id string, at time.Time) error
	MarkCancelled(ctx context.Context, id string, at time.Time) error
	// MarkFailed records the failure snapshot and closes the session.
	MarkFailed(ctx context.Context, id string, details domain.SyncFailureDetails, at time.Time) error
	// Reactivate returns a FAILED session to PENDING for a resume run.
	Reactivate(ctx context.Context, id string) (bool, error)
	GetFailureDetails(ctx context.Context, id string) (*domain.SyncFailureDetails, error)
}

type GormSessionRepo struct {
	db *gorm.DB
}

var _ SessionRepository = (*GormSessionRepo)(nil)

func NewGormSessionRepo(db *gorm.DB) *GormSessionRepo {
	return &GormSessionRepo{db: db}
}

func (r *GormSessionRepo) CreateActive(ctx context.Context, s *domain.SyncSession) error {
	if s == nil || !s.Status.IsActive() {
		return domain.ErrInvalidTransition
	}

	model := sessionModelFromDomain(s)
	// The idx_sessions_one_active partial unique index backs this up at
	// the database level against concurrent creators.
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active int64
		err := tx.Model(&SessionModel{}).
			Where("batch_id = ? AND status IN ?", s.BatchID,
				[]domain.SessionStatus{domain.SessionStatusPending, domain.SessionStatusRunning}).
			Count(&active).Error
		if err != nil {
			return err
		}
		if active > 0 {
			return domain.ErrSessionActive
		}
		return tx.Create(model).Error
	})
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrSessionActive
		}
		return err
	}

	*s = *sessionModelToDomain(model)
	return nil
}

func (r *GormSessionRepo) GetByID(ctx context.Context, id string) (*domain.SyncSession, error) {
	var model SessionModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sessionModelToDomain(&model), nil
}

func (r *GormSessionRepo) GetActiveByBatch(ctx context.Context, batchID string) (*domain.SyncSession, error) {
	var model SessionModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND status IN ?", batchID,
			[]domain.SessionStatus{domain.SessionStatusPending, domain.SessionStatusRunning}).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return sessionModelToDomain(&model), nil
}

func (r *GormSessionRepo) MarkRunning(ctx context.Context, id string, stage string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ? AND status = ?", id, domain.SessionStatusPending).
		Updates(map[string]any{
			"status":        domain.SessionStatusRunning,
			"current_stage": stage,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormSessionRepo) UpdateProgress(ctx context.Context, id string, processed int, stage string, estimatedCompletion *time.Time) error {
	return r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"records_processed":    processed,
			"current_stage":        stage,
			"estimated_completion": estimatedCompletion,
		}).Error
}

func (r *GormSessionRepo) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ? AND status = ?", id, domain.SessionStatusRunning).
		Updates(map[string]any{
			"status":        domain.SessionStatusCompleted,
			"current_stage": "completed",
			"completed_at":  at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormSessionRepo) MarkCancelled(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ? AND status IN ?", id,
			[]domain.SessionStatus{domain.SessionStatusPending, domain.SessionStatusRunning}).
		Updates(map[string]any{
			"status":        domain.SessionStatusCancelled,
			"current_stage": "cancelled",
			"completed_at":  at,
		}).Error
}

func (r *GormSessionRepo) MarkFailed(ctx context.Context, id string, details domain.SyncFailureDetails, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ? AND status = ?", id, domain.SessionStatusRunning).
		Updates(map[string]any{
			"status":                    domain.SessionStatusFailed,
			"current_stage":             "failed",
			"completed_at":              at,
			"records_processed":         details.RecordsProcessed,
			"failure_reason":            details.Reason,
			"failure_type":              details.Type.String(),
			"last_successful_record_id": details.LastSuccessfulRecordID,
			"last_successful_position":  details.LastSuccessfulPosition,
			"can_resume":                details.CanResume,
			"estimated_recovery_at":     details.EstimatedRecoveryAt,
			"affected_record_types":     mustJSON(details.AffectedRecordTypes),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormSessionRepo) Reactivate(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ? AND status = ?", id, domain.SessionStatusFailed).
		Updates(map[string]any{
			"status":        domain.SessionStatusPending,
			"current_stage": "resuming",
			"completed_at":  nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormSessionRepo) GetFailureDetails(ctx context.Context, id string) (*domain.SyncFailureDetails, error) {
	var model SessionModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	details := sessionModelToFailureDetails(&model)
	if details == nil {
		return nil, domain.ErrNotFound
	}
	return details, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
