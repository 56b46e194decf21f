package domain

import (
	"fmt"
	"strings"
	"time"
)

// ConflictSeverity grades how widely a remote record diverged.
type ConflictSeverity string

const (
	SeverityHigh   ConflictSeverity = "HIGH"
	SeverityMedium ConflictSeverity = "MEDIUM"
	SeverityLow    ConflictSeverity = "LOW"
)

func (s ConflictSeverity) String() string { return string(s) }

func (s ConflictSeverity) IsValid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Resolution is the operator decision applied to a conflict.
type Resolution string

const (
	ResolutionUnresolved Resolution = "UNRESOLVED"
	ResolutionUseLocal   Resolution = "USE_LOCAL"
	ResolutionUseRemote  Resolution = "USE_REMOTE"
	ResolutionMerge      Resolution = "MERGE"
	ResolutionSkip       Resolution = "SKIP"
)

func (r Resolution) String() string { return string(r) }

func (r Resolution) IsValid() bool {
	switch r {
	case ResolutionUnresolved, ResolutionUseLocal, ResolutionUseRemote,
		ResolutionMerge, ResolutionSkip:
		return true
	}
	return false
}

func ParseResolutionFromString(s string) (Resolution, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	r := Resolution(normalized)
	if !r.IsValid() || r == ResolutionUnresolved {
		return "", fmt.Errorf("%w: invalid resolution %q", ErrValidation, s)
	}
	return r, nil
}

// FieldConflict is one diverging field between the selection-time local
// snapshot and the sync-time remote snapshot.
type FieldConflict struct {
	Field       string `json:"field"`
	LocalValue  any    `json:"localValue"`
	RemoteValue any    `json:"remoteValue"`
}

// ConflictRecord captures a detected divergence for one record of a
// batch. It is mutated only by an explicit resolution action and is
// terminal once a resolution is set.
type ConflictRecord struct {
	ID             string
	BatchID        string
	RecordID       string
	RecordType     string
	Severity       ConflictSeverity
	Description    string
	LocalSnapshot  map[string]any
	RemoteSnapshot map[string]any
	FieldConflicts []FieldConflict
	Resolution     Resolution
	// MergedData is present only when Resolution is MERGE; it must cover
	// every field listed in FieldConflicts.
	MergedData map[string]any
	ResolvedAt *time.Time
	CreatedAt  time.Time
}

func (c *ConflictRecord) IsResolved() bool {
	return c.Resolution != ResolutionUnresolved
}

// ValidateMergedData checks that a merge payload covers every conflicted
// field.
func (c *ConflictRecord) ValidateMergedData(merged map[string]any) error {
	if len(merged) == 0 {
		return fmt.Errorf("%w: merge resolution requires merged data", ErrValidation)
	}
	for _, fc := range c.FieldConflicts {
		if _, ok := merged[fc.Field]; !ok {
			return fmt.Errorf("%w: merged data is missing conflicted field %q", ErrValidation, fc.Field)
		}
	}
	return nil
}
