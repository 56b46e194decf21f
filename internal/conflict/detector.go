package conflict

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/crmsync/batch-engine/internal/domain"
	"github.com/google/uuid"
)

// Detector compares the selection-time local snapshot of a record with
// the sync-time remote snapshot.
//
// The remote CRM exposes neither a version counter nor reliable
// last-modified semantics, so divergence is a full-snapshot field diff.
type Detector struct {
	critical map[string]bool
	now      func() time.Time
}

func NewDetector(criticalFields []string) *Detector {
	critical := make(map[string]bool, len(criticalFields))
	for _, name := range criticalFields {
		critical[name] = true
	}

	return &Detector{
		critical: critical,
		now:      time.Now,
	}
}

// Detect returns a conflict record when at least one field diverges, nil
// when the remote record still matches the selection-time view.
//
// The field the batch intends to write is compared like any other: if
// the remote side changed that exact field away from the value the
// selection assumed, it counts as a direct conflict.
func (d *Detector) Detect(
	job *domain.BatchJob,
	recordID string,
	localSnapshot map[string]any,
	remoteSnapshot map[string]any,
) *domain.ConflictRecord {
	diverging := divergingFields(localSnapshot, remoteSnapshot)
	if len(diverging) == 0 {
		return nil
	}

	fieldConflicts := make([]domain.FieldConflict, 0, len(diverging))
	for _, field := range diverging {
		fieldConflicts = append(fieldConflicts, domain.FieldConflict{
			Field:       field,
			LocalValue:  localSnapshot[field],
			RemoteValue: remoteSnapshot[field],
		})
	}

	return &domain.ConflictRecord{
		ID:             uuid.NewString(),
		BatchID:        job.ID,
		RecordID:       recordID,
		RecordType:     job.RecordType,
		Severity:       d.severity(diverging),
		Description:    d.describe(job, diverging),
		LocalSnapshot:  localSnapshot,
		RemoteSnapshot: remoteSnapshot,
		FieldConflicts: fieldConflicts,
		Resolution:     domain.ResolutionUnresolved,
		CreatedAt:      d.now().UTC(),
	}
}

func (d *Detector) severity(diverging []string) domain.ConflictSeverity {
	if len(diverging) > 2 {
		return domain.SeverityHigh
	}
	for _, field := range diverging {
		if d.critical[field] {
			return domain.SeverityHigh
		}
	}
	if len(diverging) >= 1 {
		return domain.SeverityMedium
	}
	return domain.SeverityLow
}

func (d *Detector) describe(job *domain.BatchJob, diverging []string) string {
	direct := false
	for _, field := range diverging {
		if field == job.FieldName {
			direct = true
			break
		}
	}

	if direct {
		return fmt.Sprintf(
			"remote record changed %d field(s) including %q, the field this batch updates",
			len(diverging), job.FieldName,
		)
	}
	return fmt.Sprintf("remote record changed %d field(s) since selection", len(diverging))
}

// divergingFields returns the sorted names of fields whose remote value
// differs from the local snapshot's value, over the union of both
// snapshots' keys.
func divergingFields(local, remote map[string]any) []string {
	seen := make(map[string]bool, len(local)+len(remote))
	var diverging []string

	check := func(field string) {
		if seen[field] {
			return
		}
		seen[field] = true
		if !equalValue(local[field], remote[field]) {
			diverging = append(diverging, field)
		}
	}

	for field := range local {
		check(field)
	}
	for field := range remote {
		check(field)
	}

	sort.Strings(diverging)
	return diverging
}

// equalValue compares snapshot values after JSON normalization, so
// numeric types and nested structures coming from different decoders
// compare consistently.
func equalValue(a, b any) bool {
	if a == nil && b == nil {
		return true
	}

	aJSON, errA := json.Marshal(normalize(a))
	bJSON, errB := json.Marshal(normalize(b))
	if errA != nil || errB != nil {
		return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
	}
	return string(aJSON) == string(bJSON)
}

func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case time.Time:
		return n.UTC().Format(time.RFC3339)
	}
	return v
}
