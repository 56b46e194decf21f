package queue

import (
	"fmt"
	"strings"
)

// SyncJobMessage is the broker payload that starts or resumes one sync
// session run.
type SyncJobMessage struct {
	SessionID     string `json:"sessionId"`
	BatchID       string `json:"batchId"`
	CorrelationID string `json:"correlationId,omitempty"`
	// AfterPosition makes the run skip records at or below this
	// position; zero means the whole batch.
	AfterPosition int `json:"afterPosition"`
	// SkipLocalApply is set on resume/retry runs, where the local phase
	// already completed.
	SkipLocalApply bool `json:"skipLocalApply"`
}

func (m SyncJobMessage) Validate() error {
	if strings.TrimSpace(m.SessionID) == "" {
		return fmt.Errorf("sessionId is required")
	}
	if strings.TrimSpace(m.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	if m.AfterPosition < 0 {
		return fmt.Errorf("afterPosition must not be negative")
	}
	return nil
}
