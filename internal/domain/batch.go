package domain

import (
	"fmt"
	"strings"
	"time"
)

// BatchStatus represents the lifecycle state of a batch job.
type BatchStatus string

const (
	BatchStatusPending            BatchStatus = "PENDING"
	BatchStatusApplyingLocal      BatchStatus = "APPLYING_LOCAL"
	BatchStatusLocalApplied       BatchStatus = "LOCAL_APPLIED"
	BatchStatusSyncingRemote      BatchStatus = "SYNCING_REMOTE"
	BatchStatusSynced             BatchStatus = "SYNCED"
	BatchStatusPartialFailure     BatchStatus = "PARTIAL_FAILURE"
	BatchStatusFailed             BatchStatus = "FAILED"
	BatchStatusCompletedWithSkips BatchStatus = "COMPLETED_WITH_SKIPS"
	BatchStatusCancelled          BatchStatus = "CANCELLED"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusPending, BatchStatusApplyingLocal, BatchStatusLocalApplied,
		BatchStatusSyncingRemote, BatchStatusSynced, BatchStatusPartialFailure,
		BatchStatusFailed, BatchStatusCompletedWithSkips, BatchStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further worker-driven transition is
// possible. PARTIAL_FAILURE and FAILED are recoverable through the
// recovery controller and therefore not terminal.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusSynced, BatchStatusCompletedWithSkips, BatchStatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s BatchStatus) CanTransitionTo(next BatchStatus) bool {
	if next == BatchStatusCancelled {
		return !s.IsTerminal()
	}

	switch s {
	case BatchStatusPending:
		return next == BatchStatusApplyingLocal
	case BatchStatusApplyingLocal:
		return next == BatchStatusLocalApplied || next == BatchStatusApplyingLocal
	case BatchStatusLocalApplied:
		return next == BatchStatusSyncingRemote
	case BatchStatusSyncingRemote:
		return next == BatchStatusSynced || next == BatchStatusPartialFailure || next == BatchStatusFailed
	case BatchStatusPartialFailure:
		return next == BatchStatusSyncingRemote || next == BatchStatusCompletedWithSkips
	case BatchStatusFailed:
		// Recovery "retry" reopens a fully failed batch for a fresh session.
		return next == BatchStatusSyncingRemote
	}
	return false
}

func ParseBatchStatusFromString(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

// BatchCounts aggregates per-record outcomes for a batch job.
type BatchCounts struct {
	Total        int
	AppliedLocal int
	Synced       int
	Failed       int
	Conflicted   int
	Skipped      int
}

// BatchJob is one operator-initiated request to set a single field to a
// single value across a bounded set of records. The record set is
// immutable once created.
type BatchJob struct {
	ID         string
	RecordType string
	FieldName  string
	NewValue   FieldValue
	Status     BatchStatus
	Counts     BatchCounts
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (j *BatchJob) Validate() error {
	if strings.TrimSpace(j.RecordType) == "" {
		return fmt.Errorf("%w: record type is required", ErrValidation)
	}
	if strings.TrimSpace(j.FieldName) == "" {
		return fmt.Errorf("%w: field name is required", ErrValidation)
	}
	if !j.NewValue.Type.IsValid() {
		return fmt.Errorf("%w: field value type %q is invalid", ErrValidation, j.NewValue.Type)
	}
	if j.Counts.Total < 1 {
		return fmt.Errorf("%w: batch must include at least one record", ErrValidation)
	}
	if !j.Status.IsValid() {
		return fmt.Errorf("%w: invalid batch status %q", ErrValidation, j.Status)
	}
	return nil
}
