package domain

import (
	"fmt"
	"strings"
	"time"
)

// LocalStatus is the local-application state of one record in a batch.
type LocalStatus string

const (
	LocalStatusPending LocalStatus = "PENDING"
	LocalStatusApplied LocalStatus = "APPLIED"
	LocalStatusFailed  LocalStatus = "FAILED"
)

func (s LocalStatus) String() string { return string(s) }

func (s LocalStatus) IsValid() bool {
	switch s {
	case LocalStatusPending, LocalStatusApplied, LocalStatusFailed:
		return true
	}
	return false
}

// SyncStatus is the remote-synchronization state of one record in a batch.
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "PENDING"
	SyncStatusSyncing  SyncStatus = "SYNCING"
	SyncStatusSynced   SyncStatus = "SYNCED"
	SyncStatusConflict SyncStatus = "CONFLICT"
	SyncStatusFailed   SyncStatus = "FAILED"
	SyncStatusSkipped  SyncStatus = "SKIPPED"
)

func (s SyncStatus) String() string { return string(s) }

func (s SyncStatus) IsValid() bool {
	switch s {
	case SyncStatusPending, SyncStatusSyncing, SyncStatusSynced,
		SyncStatusConflict, SyncStatusFailed, SyncStatusSkipped:
		return true
	}
	return false
}

// IsFinal reports whether the record needs no further sync work.
func (s SyncStatus) IsFinal() bool {
	switch s {
	case SyncStatusSynced, SyncStatusSkipped:
		return true
	}
	return false
}

func ParseSyncStatusFromString(s string) (SyncStatus, error) {
	st := SyncStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid sync status %q", ErrValidation, s)
	}
	return st, nil
}

// RecordUpdateStatus tracks one (batch, record) pair through local
// application and remote reconciliation.
//
// Invariant: SyncStatus can only reach SYNCED after LocalStatus is APPLIED.
type RecordUpdateStatus struct {
	ID       string
	BatchID  string
	RecordID string
	RemoteID string
	// Position is the record's creation-order index within the batch,
	// starting at 1. Resume continues strictly after the last
	// successfully synced position.
	Position      int
	PreviousValue any
	NewValue      any
	// LocalSnapshot is the full local view captured at batch creation,
	// before the new value was applied. Conflict detection diffs the
	// remote record against this snapshot.
	LocalSnapshot map[string]any
	// ResolvedFields holds the full remote payload chosen by a conflict
	// resolution (use-local or merge). When set, the worker writes it
	// verbatim instead of the single batch field and skips re-detection.
	ResolvedFields map[string]any
	LocalStatus    LocalStatus
	SyncStatus     SyncStatus
	ErrorMessage   *string
	FailureType    *FailureType
	LastAttemptAt  *time.Time
	AttemptCount   int
}

// RecordError is one entry of a session error report.
type RecordError struct {
	RecordID    string      `json:"recordId"`
	RemoteID    string      `json:"remoteId,omitempty"`
	Error       string      `json:"error"`
	FailureType FailureType `json:"failureType,omitempty"`
	Attempts    int         `json:"attempts"`
}
