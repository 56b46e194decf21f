package selector

import (
	"context"
	"fmt"
	"strings"

	"github.com/crmsync/batch-engine/internal/domain"
	"github.com/crmsync/batch-engine/internal/repository"
)

const defaultMaxRecords = 500

// Selector resolves an operator filter into a concrete, bounded list of
// local records eligible for a batch update.
type Selector struct {
	records    repository.LocalRecordRepository
	maxRecords int
}

func NewSelector(records repository.LocalRecordRepository, maxRecords int) (*Selector, error) {
	if records == nil {
		return nil, fmt.Errorf("local record repository is required")
	}
	if maxRecords < 1 {
		maxRecords = defaultMaxRecords
	}

	return &Selector{
		records:    records,
		maxRecords: maxRecords,
	}, nil
}

// Select returns matching records capped at the configured bound. Limit
// values above the bound are clamped, not rejected.
func (s *Selector) Select(ctx context.Context, recordType, query string, limit int) ([]domain.LocalRecord, error) {
	if strings.TrimSpace(recordType) == "" {
		return nil, fmt.Errorf("%w: record type is required", domain.ErrValidation)
	}

	if limit < 1 || limit > s.maxRecords {
		limit = s.maxRecords
	}

	return s.records.Search(ctx, recordType, query, limit)
}

// Resolve maps explicit record ids to records, rejecting ids that do
// not exist locally so a batch is never created against phantom rows.
func (s *Selector) Resolve(ctx context.Context, recordType string, ids []string) ([]domain.LocalRecord, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: at least one record id is required", domain.ErrValidation)
	}
	if len(ids) > s.maxRecords {
		return nil, fmt.Errorf("%w: record set exceeds the %d record bound", domain.ErrValidation, s.maxRecords)
	}

	records, err := s.records.GetMany(ctx, recordType, ids)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]domain.LocalRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	ordered := make([]domain.LocalRecord, 0, len(ids))
	for _, id := range ids {
		rec, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: record %q does not exist locally", domain.ErrValidation, id)
		}
		ordered = append(ordered, rec)
	}

	return ordered, nil
}
