package domain

import (
	"fmt"
	"strings"
	"time"
)

// SessionType classifies what initiated a sync session.
type SessionType string

const (
	SessionTypeFull        SessionType = "FULL"
	SessionTypeIncremental SessionType = "INCREMENTAL"
	SessionTypeManual      SessionType = "MANUAL"
	SessionTypeBatch       SessionType = "BATCH"
)

func (t SessionType) String() string { return string(t) }

func (t SessionType) IsValid() bool {
	switch t {
	case SessionTypeFull, SessionTypeIncremental, SessionTypeManual, SessionTypeBatch:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a sync session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "PENDING"
	SessionStatusRunning   SessionStatus = "RUNNING"
	SessionStatusCompleted SessionStatus = "COMPLETED"
	SessionStatusFailed    SessionStatus = "FAILED"
	SessionStatusCancelled SessionStatus = "CANCELLED"
)

func (s SessionStatus) String() string { return string(s) }

func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusPending, SessionStatusRunning, SessionStatusCompleted,
		SessionStatusFailed, SessionStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the session holds the per-batch exclusivity
// slot. Exactly one active session may exist per batch.
func (s SessionStatus) IsActive() bool {
	return s == SessionStatusPending || s == SessionStatusRunning
}

// FailureType classifies why a session (or a single record) failed.
type FailureType string

const (
	FailureRateLimit      FailureType = "RATE_LIMIT"
	FailureNetwork        FailureType = "NETWORK"
	FailureAPIError       FailureType = "API_ERROR"
	FailureTimeout        FailureType = "TIMEOUT"
	FailurePartialFailure FailureType = "PARTIAL_FAILURE"
)

func (t FailureType) String() string { return string(t) }

func (t FailureType) IsValid() bool {
	switch t {
	case FailureRateLimit, FailureNetwork, FailureAPIError, FailureTimeout, FailurePartialFailure:
		return true
	}
	return false
}

// IsTransient reports whether recovery through resume or retry is
// expected to help without operator intervention on the remote side.
func (t FailureType) IsTransient() bool {
	switch t {
	case FailureRateLimit, FailureNetwork, FailureTimeout:
		return true
	}
	return false
}

func ParseSessionTypeFromString(s string) (SessionType, error) {
	t := SessionType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid session type %q", ErrValidation, s)
	}
	return t, nil
}

// SyncSession is one live run of reconciliation against a batch job.
type SyncSession struct {
	ID                  string
	BatchID             string
	Type                SessionType
	Status              SessionStatus
	RecordsProcessed    int
	RecordsTotal        int
	CurrentStage        string
	StartedAt           time.Time
	CompletedAt         *time.Time
	EstimatedCompletion *time.Time
	RetryAttempts       int
	MaxRetryAttempts    int
}

// ProgressPercent is processed/total scaled to 0-100.
func (s *SyncSession) ProgressPercent() float64 {
	if s.RecordsTotal <= 0 {
		return 0
	}
	pct := float64(s.RecordsProcessed) / float64(s.RecordsTotal) * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

// SyncFailureDetails is the snapshot taken when a session transitions to
// FAILED. It is the sole input of the recovery controller.
type SyncFailureDetails struct {
	SessionID              string
	BatchID                string
	Reason                 string
	Type                   FailureType
	RecordsProcessed       int
	RecordsTotal           int
	LastSuccessfulRecordID string
	LastSuccessfulPosition int
	CanResume              bool
	RetryAttempts          int
	MaxRetryAttempts       int
	EstimatedRecoveryAt    *time.Time
	AffectedRecordTypes    []string
}

// RecoveryAction is one operator choice offered for a failed session.
type RecoveryAction string

const (
	ActionResume          RecoveryAction = "RESUME"
	ActionRetry           RecoveryAction = "RETRY"
	ActionSkipFailed      RecoveryAction = "SKIP_FAILED"
	ActionCancel          RecoveryAction = "CANCEL"
	ActionDownloadErrRept RecoveryAction = "DOWNLOAD_ERROR_REPORT"
)

func (a RecoveryAction) String() string { return string(a) }
