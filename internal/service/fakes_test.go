package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/crmsync/batch-engine/internal/domain"
	"github.com/crmsync/batch-engine/internal/queue"
	"github.com/crmsync/batch-engine/internal/repository"
)

// memStore is a shared in-memory backing for the repository fakes, so a
// test exercises the real cross-repository state transitions.
type memStore struct {
	mu        sync.Mutex
	jobs      map[string]*domain.BatchJob
	records   map[string]*domain.RecordUpdateStatus
	sessions  map[string]*domain.SyncSession
	failures  map[string]*domain.SyncFailureDetails
	conflicts map[string]*domain.ConflictRecord
	locals    map[string]*domain.LocalRecord
}

func newMemStore() *memStore {
	return &memStore{
		jobs:      make(map[string]*domain.BatchJob),
		records:   make(map[string]*domain.RecordUpdateStatus),
		sessions:  make(map[string]*domain.SyncSession),
		failures:  make(map[string]*domain.SyncFailureDetails),
		conflicts: make(map[string]*domain.ConflictRecord),
		locals:    make(map[string]*domain.LocalRecord),
	}
}

func (m *memStore) recordsOfBatch(batchID string) []*domain.RecordUpdateStatus {
	var out []*domain.RecordUpdateStatus
	for _, rec := range m.records {
		if rec.BatchID == batchID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func localKey(recordType, id string) string { return recordType + "/" + id }

type memJobRepo struct{ store *memStore }

var _ repository.BatchJobRepository = (*memJobRepo)(nil)

func (r *memJobRepo) Create(ctx context.Context, job *domain.BatchJob, records []*domain.RecordUpdateStatus) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	copied := *job
	r.store.jobs[job.ID] = &copied
	for _, rec := range records {
		c := *rec
		r.store.records[rec.ID] = &c
	}
	return nil
}

func (r *memJobRepo) GetByID(ctx context.Context, id string) (*domain.BatchJob, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job, ok := r.store.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (r *memJobRepo) GetStatus(ctx context.Context, id string) (domain.BatchStatus, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job, ok := r.store.jobs[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	return job.Status, nil
}

func (r *memJobRepo) TransitionStatus(ctx context.Context, id string, from []domain.BatchStatus, to domain.BatchStatus) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job, ok := r.store.jobs[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if job.Status == f {
			job.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (r *memJobRepo) RefreshCounts(ctx context.Context, id string) (domain.BatchCounts, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	job, ok := r.store.jobs[id]
	if !ok {
		return domain.BatchCounts{}, domain.ErrNotFound
	}

	var counts domain.BatchCounts
	for _, rec := range r.store.recordsOfBatch(id) {
		counts.Total++
		if rec.LocalStatus == domain.LocalStatusApplied {
			counts.AppliedLocal++
		}
		switch rec.SyncStatus {
		case domain.SyncStatusSynced:
			counts.Synced++
		case domain.SyncStatusFailed:
			counts.Failed++
		case domain.SyncStatusConflict:
			counts.Conflicted++
		case domain.SyncStatusSkipped:
			counts.Skipped++
		}
	}
	job.Counts = counts
	return counts, nil
}

type memRecordRepo struct{ store *memStore }

var _ repository.RecordStatusRepository = (*memRecordRepo)(nil)

func (r *memRecordRepo) GetByID(ctx context.Context, id string) (*domain.RecordUpdateStatus, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (r *memRecordRepo) GetByBatchAndRecord(ctx context.Context, batchID, recordID string) (*domain.RecordUpdateStatus, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, rec := range r.store.records {
		if rec.BatchID == batchID && rec.RecordID == recordID {
			copied := *rec
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memRecordRepo) ListByBatch(ctx context.Context, batchID string) ([]domain.RecordUpdateStatus, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var out []domain.RecordUpdateStatus
	for _, rec := range r.store.recordsOfBatch(batchID) {
		out = append(out, *rec)
	}
	return out, nil
}

func (r *memRecordRepo) ListPendingAfter(ctx context.Context, batchID string, afterPosition int) ([]domain.RecordUpdateStatus, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var out []domain.RecordUpdateStatus
	for _, rec := range r.store.recordsOfBatch(batchID) {
		if rec.SyncStatus == domain.SyncStatusPending && rec.Position > afterPosition {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *memRecordRepo) ListLocalPending(ctx context.Context, batchID string) ([]domain.RecordUpdateStatus, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var out []domain.RecordUpdateStatus
	for _, rec := range r.store.recordsOfBatch(batchID) {
		if rec.LocalStatus == domain.LocalStatusPending {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *memRecordRepo) ClaimForSync(ctx context.Context, id string, at time.Time) (*domain.RecordUpdateStatus, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.records[id]
	if !ok || rec.SyncStatus != domain.SyncStatusPending {
		return nil, nil
	}
	rec.SyncStatus = domain.SyncStatusSyncing
	rec.AttemptCount++
	rec.LastAttemptAt = &at
	copied := *rec
	return &copied, nil
}

func (r *memRecordRepo) Unclaim(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.records[id]
	if ok && rec.SyncStatus == domain.SyncStatusSyncing {
		rec.SyncStatus = domain.SyncStatusPending
	}
	return nil
}

func (r *memRecordRepo) MarkLocalApplied(ctx context.Context, id string, previousValue any) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.records[id]
	if !ok || rec.LocalStatus != domain.LocalStatusPending {
		return domain.ErrConflict
	}
	rec.LocalStatus = domain.LocalStatusApplied
	rec.PreviousValue = previousValue
	return nil
}

func (r *memRecordRepo) MarkLocalFailed(ctx context.Context, id string, message string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.records[id]
	if !ok || rec.LocalStatus != domain.LocalStatusPending {
		return domain.ErrConflict
	}
	rec.LocalStatus = domain.LocalStatusFailed
	rec.SyncStatus = domain.SyncStatusSkipped
	rec.ErrorMessage = &message
	return nil
}

func (r *memRecordRepo) MarkSynced(ctx context.Context, id string, at time.Time) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.records[id]
	if !ok || rec.SyncStatus != domain.SyncStatusSyncing || rec.LocalStatus != domain.LocalStatusApplied {
		return false, nil
	}
	rec.SyncStatus = domain.SyncStatusSynced
	rec.ErrorMessage = nil
	rec.FailureType = nil
	rec.LastAttemptAt = &at
	return true, nil
}

func (r *memRecordRepo) MarkSyncFailed(ctx context.Context, id string, failureType domain.FailureType, message string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.records[id]
	if !ok || rec.SyncStatus != domain.SyncStatusSyncing {
		return domain.ErrConflict
	}
	rec.SyncStatus = domain.SyncStatusFailed
	rec.FailureType = &failureType
	rec.ErrorMessage = &message
	rec.LastAttemptAt = &at
	return nil
}

func (r *memRecordRepo) MarkConflict(ctx context.Context, id string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.records[id]
	if !ok || rec.SyncStatus != domain.SyncStatusSyncing {
		return false, nil
	}
	rec.SyncStatus = domain.SyncStatusConflict
	return true, nil
}

func (r *memRecordRepo) FinalizeConflict(ctx context.Context, id string, to domain.SyncStatus) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.records[id]
	if !ok || rec.SyncStatus != domain.SyncStatusConflict || !to.IsFinal() {
		return false, nil
	}
	rec.SyncStatus = to
	return true, nil
}

func (r *memRecordRepo) RequeueResolved(ctx context.Context, id string, resolvedFields map[string]any) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.records[id]
	if !ok || rec.SyncStatus != domain.SyncStatusConflict {
		return false, nil
	}
	rec.SyncStatus = domain.SyncStatusPending
	rec.ResolvedFields = resolvedFields
	return true, nil
}

func (r *memRecordRepo) SkipRemaining(ctx context.Context, batchID string) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var n int64
	for _, rec := range r.store.recordsOfBatch(batchID) {
		if rec.SyncStatus == domain.SyncStatusPending || rec.SyncStatus == domain.SyncStatusSyncing {
			rec.SyncStatus = domain.SyncStatusSkipped
			n++
		}
	}
	return n, nil
}

func (r *memRecordRepo) SkipFailed(ctx context.Context, batchID string) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var n int64
	for _, rec := range r.store.recordsOfBatch(batchID) {
		if rec.SyncStatus == domain.SyncStatusFailed {
			rec.SyncStatus = domain.SyncStatusSkipped
			n++
		}
	}
	return n, nil
}

func (r *memRecordRepo) ResetNonSynced(ctx context.Context, batchID string) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var n int64
	for _, rec := range r.store.recordsOfBatch(batchID) {
		switch rec.SyncStatus {
		case domain.SyncStatusSyncing, domain.SyncStatusFailed, domain.SyncStatusConflict:
			rec.SyncStatus = domain.SyncStatusPending
			rec.ErrorMessage = nil
			rec.FailureType = nil
			n++
		}
	}
	return n, nil
}

func (r *memRecordRepo) FailedRecords(ctx context.Context, batchID string) ([]domain.RecordError, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var out []domain.RecordError
	for _, rec := range r.store.recordsOfBatch(batchID) {
		if rec.SyncStatus != domain.SyncStatusFailed && rec.LocalStatus != domain.LocalStatusFailed {
			continue
		}
		entry := domain.RecordError{RecordID: rec.RecordID, RemoteID: rec.RemoteID, Attempts: rec.AttemptCount}
		if rec.ErrorMessage != nil {
			entry.Error = *rec.ErrorMessage
		}
		if rec.FailureType != nil {
			entry.FailureType = *rec.FailureType
		}
		out = append(out, entry)
	}
	return out, nil
}

type memSessionRepo struct{ store *memStore }

var _ repository.SessionRepository = (*memSessionRepo)(nil)

func (r *memSessionRepo) CreateActive(ctx context.Context, s *domain.SyncSession) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, existing := range r.store.sessions {
		if existing.BatchID == s.BatchID && existing.Status.IsActive() {
			return domain.ErrSessionActive
		}
	}
	copied := *s
	r.store.sessions[s.ID] = &copied
	return nil
}

func (r *memSessionRepo) GetByID(ctx context.Context, id string) (*domain.SyncSession, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	s, ok := r.store.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *s
	return &copied, nil
}

func (r *memSessionRepo) GetActiveByBatch(ctx context.Context, batchID string) (*domain.SyncSession, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, s := range r.store.sessions {
		if s.BatchID == batchID && s.Status.IsActive() {
			copied := *s
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memSessionRepo) MarkRunning(ctx context.Context, id string, stage string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	s, ok := r.store.sessions[id]
	if !ok || s.Status != domain.SessionStatusPending {
		return false, nil
	}
	s.Status = domain.SessionStatusRunning
	s.CurrentStage = stage
	return true, nil
}

func (r *memSessionRepo) UpdateProgress(ctx context.Context, id string, processed int, stage string, estimatedCompletion *time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if s, ok := r.store.sessions[id]; ok {
		s.RecordsProcessed = processed
		s.CurrentStage = stage
		s.EstimatedCompletion = estimatedCompletion
	}
	return nil
}

func (r *memSessionRepo) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	s, ok := r.store.sessions[id]
	if !ok || s.Status != domain.SessionStatusRunning {
		return domain.ErrConflict
	}
	s.Status = domain.SessionStatusCompleted
	s.CurrentStage = "completed"
	s.CompletedAt = &at
	return nil
}

func (r *memSessionRepo) MarkCancelled(ctx context.Context, id string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	s, ok := r.store.sessions[id]
	if !ok || !s.Status.IsActive() {
		return nil
	}
	s.Status = domain.SessionStatusCancelled
	s.CurrentStage = "cancelled"
	s.CompletedAt = &at
	return nil
}

func (r *memSessionRepo) MarkFailed(ctx context.Context, id string, details domain.SyncFailureDetails, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	s, ok := r.store.sessions[id]
	if !ok || s.Status != domain.SessionStatusRunning {
		return domain.ErrConflict
	}
	s.Status = domain.SessionStatusFailed
	s.CurrentStage = "failed"
	s.CompletedAt = &at
	s.RecordsProcessed = details.RecordsProcessed

	copied := details
	copied.SessionID = id
	r.store.failures[id] = &copied
	return nil
}

func (r *memSessionRepo) Reactivate(ctx context.Context, id string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	s, ok := r.store.sessions[id]
	if !ok || s.Status != domain.SessionStatusFailed {
		return false, nil
	}
	s.Status = domain.SessionStatusPending
	s.CurrentStage = "resuming"
	s.CompletedAt = nil
	return true, nil
}

func (r *memSessionRepo) GetFailureDetails(ctx context.Context, id string) (*domain.SyncFailureDetails, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	details, ok := r.store.failures[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *details
	return &copied, nil
}

type memConflictRepo struct{ store *memStore }

var _ repository.ConflictRepository = (*memConflictRepo)(nil)

func (r *memConflictRepo) Create(ctx context.Context, c *domain.ConflictRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	copied := *c
	r.store.conflicts[c.ID] = &copied
	return nil
}

func (r *memConflictRepo) GetByID(ctx context.Context, id string) (*domain.ConflictRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	c, ok := r.store.conflicts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *c
	return &copied, nil
}

func (r *memConflictRepo) ListByBatch(ctx context.Context, batchID string, unresolvedOnly bool) ([]domain.ConflictRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var out []domain.ConflictRecord
	for _, c := range r.store.conflicts {
		if c.BatchID != batchID {
			continue
		}
		if unresolvedOnly && c.Resolution != domain.ResolutionUnresolved {
			continue
		}
		out = append(out, *c)
	}
	return out, nil
}

func (r *memConflictRepo) FindForRecord(ctx context.Context, batchID, recordID string) (*domain.ConflictRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	for _, c := range r.store.conflicts {
		if c.BatchID == batchID && c.RecordID == recordID && c.Resolution == domain.ResolutionUnresolved {
			copied := *c
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memConflictRepo) Resolve(ctx context.Context, id string, resolution domain.Resolution, mergedData map[string]any, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	c, ok := r.store.conflicts[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Resolution != domain.ResolutionUnresolved {
		return domain.ErrConflict
	}
	c.Resolution = resolution
	c.ResolvedAt = &at
	if resolution == domain.ResolutionMerge {
		c.MergedData = mergedData
	}
	return nil
}

type memLocalRepo struct{ store *memStore }

var _ repository.LocalRecordRepository = (*memLocalRepo)(nil)

func (r *memLocalRepo) Get(ctx context.Context, recordType, id string) (*domain.LocalRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.locals[localKey(recordType, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (r *memLocalRepo) GetMany(ctx context.Context, recordType string, ids []string) ([]domain.LocalRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var out []domain.LocalRecord
	for _, id := range ids {
		if rec, ok := r.store.locals[localKey(recordType, id)]; ok {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (r *memLocalRepo) UpdateField(ctx context.Context, recordType, id, field string, value any) (any, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	rec, ok := r.store.locals[localKey(recordType, id)]
	if !ok {
		return nil, domain.ErrNotFound
	}
	previous := rec.Fields[field]
	rec.Fields[field] = value
	return previous, nil
}

func (r *memLocalRepo) Search(ctx context.Context, recordType, query string, limit int) ([]domain.LocalRecord, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var out []domain.LocalRecord
	for _, rec := range r.store.locals {
		if rec.RecordType == recordType {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []queue.SyncJobMessage
	failWith error
}

var _ queue.Publisher = (*fakePublisher)(nil)

func (p *fakePublisher) PublishSyncJob(ctx context.Context, msg queue.SyncJobMessage) error {
	if p.failWith != nil {
		return p.failWith
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePublisher) published() []queue.SyncJobMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]queue.SyncJobMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

type fakeGateway struct {
	mu        sync.Mutex
	fetchFn   func(ctx context.Context, remoteID string) (map[string]any, error)
	updateFn  func(ctx context.Context, remoteID string, fields map[string]any) error
	updates   []gatewayUpdate
	fetchHits []string
}

type gatewayUpdate struct {
	remoteID string
	fields   map[string]any
}

func (g *fakeGateway) FetchSnapshot(ctx context.Context, remoteID string) (map[string]any, error) {
	g.mu.Lock()
	g.fetchHits = append(g.fetchHits, remoteID)
	g.mu.Unlock()

	if g.fetchFn != nil {
		return g.fetchFn(ctx, remoteID)
	}
	return map[string]any{}, nil
}

func (g *fakeGateway) UpdateRecord(ctx context.Context, remoteID string, fields map[string]any) error {
	if g.updateFn != nil {
		if err := g.updateFn(ctx, remoteID, fields); err != nil {
			return err
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates = append(g.updates, gatewayUpdate{remoteID: remoteID, fields: fields})
	return nil
}

func (g *fakeGateway) updatedRemoteIDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.updates))
	for _, u := range g.updates {
		out = append(out, u.remoteID)
	}
	return out
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, resource string) error
}

func (l *fakeRateLimiter) Allow(ctx context.Context, resource string) (bool, error) { return true, nil }

func (l *fakeRateLimiter) Wait(ctx context.Context, resource string) error {
	if l.waitFn != nil {
		return l.waitFn(ctx, resource)
	}
	return ctx.Err()
}

// seedLocalOpportunities fills the store with n opportunity records whose
// remote ids mirror the local ids.
func seedLocalOpportunities(store *memStore, n int) []string {
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("opp-%02d", i)
		store.locals[localKey("opportunity", id)] = &domain.LocalRecord{
			ID:         id,
			RecordType: "opportunity",
			RemoteID:   "crm-" + id,
			Fields: map[string]any{
				"Name":   "Deal " + id,
				"Stage":  "Proposal",
				"Amount": float64(1000 * i),
			},
		}
		ids = append(ids, id)
	}
	return ids
}
