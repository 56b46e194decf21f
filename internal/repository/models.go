package repository

import (
	"encoding/json"
	"time"

	"github.com/crmsync/batch-engine/internal/domain"
	"gorm.io/datatypes"
)

// BatchJobModel is the persistence model for the batch_jobs table.
type BatchJobModel struct {
	ID           string             `gorm:"type:uuid;primaryKey"`
	RecordType   string             `gorm:"type:varchar(50);not null"`
	FieldName    string             `gorm:"type:varchar(100);not null"`
	NewValue     datatypes.JSON     `gorm:"not null"`
	Status       domain.BatchStatus `gorm:"type:varchar(30);not null"`
	Total        int                `gorm:"not null"`
	AppliedLocal int                `gorm:"not null;default:0"`
	Synced       int                `gorm:"not null;default:0"`
	Failed       int                `gorm:"not null;default:0"`
	Conflicted   int                `gorm:"not null;default:0"`
	Skipped      int                `gorm:"not null;default:0"`
	CreatedBy    string             `gorm:"type:varchar(100);not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (BatchJobModel) TableName() string {
	return "batch_jobs"
}

// RecordStatusModel is the persistence model for record_update_statuses.
type RecordStatusModel struct {
	ID             string             `gorm:"type:uuid;primaryKey"`
	BatchID        string             `gorm:"type:uuid;not null;index"`
	RecordID       string             `gorm:"type:varchar(100);not null"`
	RemoteID       string             `gorm:"type:varchar(100)"`
	Position       int                `gorm:"not null"`
	PreviousValue  datatypes.JSON     `gorm:"column:previous_value"`
	NewValue       datatypes.JSON     `gorm:"column:new_value"`
	LocalSnapshot  datatypes.JSON     `gorm:"column:local_snapshot"`
	ResolvedFields datatypes.JSON     `gorm:"column:resolved_fields"`
	LocalStatus    domain.LocalStatus `gorm:"type:varchar(20);not null"`
	SyncStatus     domain.SyncStatus  `gorm:"type:varchar(20);not null"`
	ErrorMessage   *string            `gorm:"type:text"`
	FailureType    *string            `gorm:"type:varchar(30)"`
	LastAttemptAt  *time.Time
	AttemptCount   int `gorm:"not null;default:0"`
}

func (RecordStatusModel) TableName() string {
	return "record_update_statuses"
}

// ConflictModel is the persistence model for conflict_records.
type ConflictModel struct {
	ID             string                  `gorm:"type:uuid;primaryKey"`
	BatchID        string                  `gorm:"type:uuid;not null;index"`
	RecordID       string                  `gorm:"type:varchar(100);not null"`
	RecordType     string                  `gorm:"type:varchar(50);not null"`
	Severity       domain.ConflictSeverity `gorm:"type:varchar(10);not null"`
	Description    string                  `gorm:"type:text;not null"`
	LocalSnapshot  datatypes.JSON          `gorm:"column:local_snapshot"`
	RemoteSnapshot datatypes.JSON          `gorm:"column:remote_snapshot"`
	FieldConflicts datatypes.JSON          `gorm:"column:field_conflicts"`
	Resolution     domain.Resolution       `gorm:"type:varchar(20);not null"`
	MergedData     datatypes.JSON          `gorm:"column:merged_data"`
	ResolvedAt     *time.Time
	CreatedAt      time.Time
}

func (ConflictModel) TableName() string {
	return "conflict_records"
}

// SessionModel is the persistence model for sync_sessions. Failure
// details are embedded so a failed session and its recovery inputs are
// read with one row.
type SessionModel struct {
	ID                  string               `gorm:"type:uuid;primaryKey"`
	BatchID             string               `gorm:"type:uuid;not null;index"`
	Type                domain.SessionType   `gorm:"type:varchar(20);not null"`
	Status              domain.SessionStatus `gorm:"type:varchar(20);not null"`
	RecordsProcessed    int                  `gorm:"not null;default:0"`
	RecordsTotal        int                  `gorm:"not null;default:0"`
	CurrentStage        string               `gorm:"type:varchar(50)"`
	StartedAt           time.Time
	CompletedAt         *time.Time
	EstimatedCompletion *time.Time
	RetryAttempts       int `gorm:"not null;default:0"`
	MaxRetryAttempts    int `gorm:"not null;default:3"`

	FailureReason          *string        `gorm:"type:text"`
	FailureType            *string        `gorm:"type:varchar(30)"`
	LastSuccessfulRecordID *string        `gorm:"type:varchar(100)"`
	LastSuccessfulPosition int            `gorm:"not null;default:0"`
	CanResume              bool           `gorm:"not null;default:false"`
	EstimatedRecoveryAt    *time.Time     `gorm:"column:estimated_recovery_at"`
	AffectedRecordTypes    datatypes.JSON `gorm:"column:affected_record_types"`
}

func (SessionModel) TableName() string {
	return "sync_sessions"
}

// LocalRecordModel is the persistence model for local_records, the local
// system of record mutated by the apply-local phase.
type LocalRecordModel struct {
	ID         string         `gorm:"type:varchar(100);primaryKey"`
	RecordType string         `gorm:"type:varchar(50);primaryKey"`
	RemoteID   string         `gorm:"type:varchar(100);not null"`
	Fields     datatypes.JSON `gorm:"not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (LocalRecordModel) TableName() string {
	return "local_records"
}

// fieldValueDoc is the stored form of a domain.FieldValue.
type fieldValueDoc struct {
	Type  domain.FieldType `json:"type"`
	Value any              `json:"value"`
}

func marshalFieldValue(v domain.FieldValue) datatypes.JSON {
	return mustJSON(fieldValueDoc{Type: v.Type, Value: v.Interface()})
}

func unmarshalFieldValue(raw datatypes.JSON) domain.FieldValue {
	var doc fieldValueDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return domain.FieldValue{}
	}

	v := domain.FieldValue{Type: doc.Type}
	switch doc.Type {
	case domain.FieldTypeText:
		v.Text, _ = doc.Value.(string)
	case domain.FieldTypeNumber:
		v.Number, _ = doc.Value.(float64)
	case domain.FieldTypeBoolean:
		v.Boolean, _ = doc.Value.(bool)
	case domain.FieldTypeDate:
		if s, ok := doc.Value.(string); ok {
			if t, err := time.Parse(time.RFC3339, s); err == nil {
				v.Date = t.UTC()
			}
		}
	case domain.FieldTypeEnum:
		v.Enum, _ = doc.Value.(string)
	}
	return v
}

func mustJSON(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(raw)
}

func jsonToMap(raw datatypes.JSON) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}

func jsonToAny(raw datatypes.JSON) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

func jsonToStrings(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var values []string
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil
	}
	return values
}

func batchJobModelFromDomain(j *domain.BatchJob) *BatchJobModel {
	if j == nil {
		return nil
	}

	return &BatchJobModel{
		ID:           j.ID,
		RecordType:   j.RecordType,
		FieldName:    j.FieldName,
		NewValue:     marshalFieldValue(j.NewValue),
		Status:       j.Status,
		Total:        j.Counts.Total,
		AppliedLocal: j.Counts.AppliedLocal,
		Synced:       j.Counts.Synced,
		Failed:       j.Counts.Failed,
		Conflicted:   j.Counts.Conflicted,
		Skipped:      j.Counts.Skipped,
		CreatedBy:    j.CreatedBy,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

func batchJobModelToDomain(m *BatchJobModel) *domain.BatchJob {
	if m == nil {
		return nil
	}

	return &domain.BatchJob{
		ID:         m.ID,
		RecordType: m.RecordType,
		FieldName:  m.FieldName,
		NewValue:   unmarshalFieldValue(m.NewValue),
		Status:     m.Status,
		Counts: domain.BatchCounts{
			Total:        m.Total,
			AppliedLocal: m.AppliedLocal,
			Synced:       m.Synced,
			Failed:       m.Failed,
			Conflicted:   m.Conflicted,
			Skipped:      m.Skipped,
		},
		CreatedBy: m.CreatedBy,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func recordStatusModelFromDomain(r *domain.RecordUpdateStatus) *RecordStatusModel {
	if r == nil {
		return nil
	}

	var failureType *string
	if r.FailureType != nil {
		value := r.FailureType.String()
		failureType = &value
	}

	return &RecordStatusModel{
		ID:             r.ID,
		BatchID:        r.BatchID,
		RecordID:       r.RecordID,
		RemoteID:       r.RemoteID,
		Position:       r.Position,
		PreviousValue:  mustJSON(r.PreviousValue),
		NewValue:       mustJSON(r.NewValue),
		LocalSnapshot:  mustJSON(r.LocalSnapshot),
		ResolvedFields: mustJSON(r.ResolvedFields),
		LocalStatus:    r.LocalStatus,
		SyncStatus:     r.SyncStatus,
		ErrorMessage:   r.ErrorMessage,
		FailureType:    failureType,
		LastAttemptAt:  r.LastAttemptAt,
		AttemptCount:   r.AttemptCount,
	}
}

func recordStatusModelToDomain(m *RecordStatusModel) *domain.RecordUpdateStatus {
	if m == nil {
		return nil
	}

	var failureType *domain.FailureType
	if m.FailureType != nil {
		value := domain.FailureType(*m.FailureType)
		failureType = &value
	}

	return &domain.RecordUpdateStatus{
		ID:             m.ID,
		BatchID:        m.BatchID,
		RecordID:       m.RecordID,
		RemoteID:       m.RemoteID,
		Position:       m.Position,
		PreviousValue:  jsonToAny(m.PreviousValue),
		NewValue:       jsonToAny(m.NewValue),
		LocalSnapshot:  jsonToMap(m.LocalSnapshot),
		ResolvedFields: jsonToMap(m.ResolvedFields),
		LocalStatus:    m.LocalStatus,
		SyncStatus:     m.SyncStatus,
		ErrorMessage:   m.ErrorMessage,
		FailureType:    failureType,
		LastAttemptAt:  m.LastAttemptAt,
		AttemptCount:   m.AttemptCount,
	}
}

func conflictModelFromDomain(c *domain.ConflictRecord) *ConflictModel {
	if c == nil {
		return nil
	}

	return &ConflictModel{
		ID:             c.ID,
		BatchID:        c.BatchID,
		RecordID:       c.RecordID,
		RecordType:     c.RecordType,
		Severity:       c.Severity,
		Description:    c.Description,
		LocalSnapshot:  mustJSON(c.LocalSnapshot),
		RemoteSnapshot: mustJSON(c.RemoteSnapshot),
		FieldConflicts: mustJSON(c.FieldConflicts),
		Resolution:     c.Resolution,
		MergedData:     mustJSON(c.MergedData),
		ResolvedAt:     c.ResolvedAt,
		CreatedAt:      c.CreatedAt,
	}
}

func conflictModelToDomain(m *ConflictModel) *domain.ConflictRecord {
	if m == nil {
		return nil
	}

	var fieldConflicts []domain.FieldConflict
	if len(m.FieldConflicts) > 0 {
		_ = json.Unmarshal(m.FieldConflicts, &fieldConflicts)
	}

	return &domain.ConflictRecord{
		ID:             m.ID,
		BatchID:        m.BatchID,
		RecordID:       m.RecordID,
		RecordType:     m.RecordType,
		Severity:       m.Severity,
		Description:    m.Description,
		LocalSnapshot:  jsonToMap(m.LocalSnapshot),
		RemoteSnapshot: jsonToMap(m.RemoteSnapshot),
		FieldConflicts: fieldConflicts,
		Resolution:     m.Resolution,
		MergedData:     jsonToMap(m.MergedData),
		ResolvedAt:     m.ResolvedAt,
		CreatedAt:      m.CreatedAt,
	}
}

func sessionModelFromDomain(s *domain.SyncSession) *SessionModel {
	if s == nil {
		return nil
	}

	return &SessionModel{
		ID:                  s.ID,
		BatchID:             s.BatchID,
		Type:                s.Type,
		Status:              s.Status,
		RecordsProcessed:    s.RecordsProcessed,
		RecordsTotal:        s.RecordsTotal,
		CurrentStage:        s.CurrentStage,
		StartedAt:           s.StartedAt,
		CompletedAt:         s.CompletedAt,
		EstimatedCompletion: s.EstimatedCompletion,
		RetryAttempts:       s.RetryAttempts,
		MaxRetryAttempts:    s.MaxRetryAttempts,
	}
}

func sessionModelToDomain(m *SessionModel) *domain.SyncSession {
	if m == nil {
		return nil
	}

	return &domain.SyncSession{
		ID:                  m.ID,
		BatchID:             m.BatchID,
		Type:                m.Type,
		Status:              m.Status,
		RecordsProcessed:    m.RecordsProcessed,
		RecordsTotal:        m.RecordsTotal,
		CurrentStage:        m.CurrentStage,
		StartedAt:           m.StartedAt,
		CompletedAt:         m.CompletedAt,
		EstimatedCompletion: m.EstimatedCompletion,
		RetryAttempts:       m.RetryAttempts,
		MaxRetryAttempts:    m.MaxRetryAttempts,
	}
}

func sessionModelToFailureDetails(m *SessionModel) *domain.SyncFailureDetails {
	if m == nil || m.FailureType == nil {
		return nil
	}

	details := &domain.SyncFailureDetails{
		SessionID:              m.ID,
		BatchID:                m.BatchID,
		Type:                   domain.FailureType(*m.FailureType),
		RecordsProcessed:       m.RecordsProcessed,
		RecordsTotal:           m.RecordsTotal,
		LastSuccessfulPosition: m.LastSuccessfulPosition,
		CanResume:              m.CanResume,
		RetryAttempts:          m.RetryAttempts,
		MaxRetryAttempts:       m.MaxRetryAttempts,
		EstimatedRecoveryAt:    m.EstimatedRecoveryAt,
		AffectedRecordTypes:    jsonToStrings(m.AffectedRecordTypes),
	}
	if m.FailureReason != nil {
		details.Reason = *m.FailureReason
	}
	if m.LastSuccessfulRecordID != nil {
		details.LastSuccessfulRecordID = *m.LastSuccessfulRecordID
	}
	return details
}

func localRecordModelToDomain(m *LocalRecordModel) *domain.LocalRecord {
	if m == nil {
		return nil
	}

	return &domain.LocalRecord{
		ID:         m.ID,
		RecordType: m.RecordType,
		RemoteID:   m.RemoteID,
		Fields:     jsonToMap(m.Fields),
		UpdatedAt:  m.UpdatedAt,
	}
}
