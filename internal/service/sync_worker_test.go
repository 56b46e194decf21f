package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/crmsync/batch-engine/internal/catalog"
	"github.com/crmsync/batch-engine/internal/domain"
	"github.com/crmsync/batch-engine/internal/progress"
	"github.com/crmsync/batch-engine/internal/queue"
	"github.com/crmsync/batch-engine/internal/remote"
)

// seedBatchForSync creates a locally-applied batch of n opportunity
// records plus a pending session, ready for the remote phase.
func seedBatchForSync(store *memStore, n int) (*domain.BatchJob, *domain.SyncSession) {
	job := &domain.BatchJob{
		ID:         "batch-1",
		RecordType: "opportunity",
		FieldName:  "Stage",
		NewValue:   domain.FieldValue{Type: domain.FieldTypeEnum, Enum: "Negotiation"},
		Status:     domain.BatchStatusLocalApplied,
		Counts:     domain.BatchCounts{Total: n, AppliedLocal: n},
	}
	store.jobs[job.ID] = job

	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("rs-%02d", i)
		recordID := fmt.Sprintf("opp-%02d", i)
		store.records[id] = &domain.RecordUpdateStatus{
			ID:       id,
			BatchID:  job.ID,
			RecordID: recordID,
			RemoteID: "crm-" + recordID,
			Position: i,
			NewValue: "Negotiation",
			LocalSnapshot: map[string]any{
				"Name":   "Deal " + recordID,
				"Stage":  "Proposal",
				"Amount": float64(1000 * i),
			},
			PreviousValue: "Proposal",
			LocalStatus:   domain.LocalStatusApplied,
			SyncStatus:    domain.SyncStatusPending,
		}
	}

	session := &domain.SyncSession{
		ID:               "session-1",
		BatchID:          job.ID,
		Type:             domain.SessionTypeBatch,
		Status:           domain.SessionStatusPending,
		RecordsTotal:     n,
		MaxRetryAttempts: 3,
	}
	store.sessions[session.ID] = session

	return job, session
}

// matchingSnapshot returns the remote view that equals the local
// selection-time snapshot of the seeded record.
func matchingSnapshot(store *memStore, remoteID string) map[string]any {
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, rec := range store.records {
		if rec.RemoteID == remoteID {
			snap := make(map[string]any, len(rec.LocalSnapshot))
			for k, v := range rec.LocalSnapshot {
				snap[k] = v
			}
			return snap
		}
	}
	return map[string]any{}
}

func newSyncWorkerForTest(t *testing.T, store *memStore, gateway *fakeGateway, concurrency int) *SyncWorker {
	t.Helper()

	worker, err := NewSyncWorker(
		&memJobRepo{store: store},
		&memRecordRepo{store: store},
		&memSessionRepo{store: store},
		&memConflictRepo{store: store},
		gateway,
		catalog.NewStaticCatalog(),
		&fakeRateLimiter{},
		progress.NewHub(64),
		concurrency,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewSyncWorker() error = %v", err)
	}

	base := time.Unix(1_700_000_000, 0)
	var tick int64
	worker.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	return worker
}

func TestSyncWorkerAllRecordsSync(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	job, session := seedBatchForSync(store, 5)
	gateway := &fakeGateway{
		fetchFn: func(ctx context.Context, remoteID string) (map[string]any, error) {
			return matchingSnapshot(store, remoteID), nil
		},
	}
	worker := newSyncWorkerForTest(t, store, gateway, 4)

	err := worker.SyncSession(context.Background(), queue.SyncJobMessage{
		SessionID:      session.ID,
		BatchID:        job.ID,
		SkipLocalApply: true,
	})
	if err != nil {
		t.Fatalf("SyncSession() error = %v", err)
	}

	if got := store.jobs[job.ID].Status; got != domain.BatchStatusSynced {
		t.Fatalf("job status = %s, want SYNCED", got)
	}
	if got := store.sessions[session.ID].Status; got != domain.SessionStatusCompleted {
		t.Fatalf("session status = %s, want COMPLETED", got)
	}
	for _, rec := range store.recordsOfBatch(job.ID) {
		if rec.SyncStatus != domain.SyncStatusSynced {
			t.Fatalf("record %s sync status = %s, want SYNCED", rec.RecordID, rec.SyncStatus)
		}
	}
	if got := len(gateway.updatedRemoteIDs()); got != 5 {
		t.Fatalf("remote updates = %d, want 5", got)
	}
}

func TestSyncWorkerConflictStopsRecordNotBatch(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	job, session := seedBatchForSync(store, 3)
	gateway := &fakeGateway{
		fetchFn: func(ctx context.Context, remoteID string) (map[string]any, error) {
			snap := matchingSnapshot(store, remoteID)
			if remoteID == "crm-opp-02" {
				// Someone moved the deal remotely after selection.
				snap["Stage"] = "Closed Won"
			}
			return snap, nil
		},
	}
	worker := newSyncWorkerForTest(t, store, gateway, 1)

	err := worker.SyncSession(context.Background(), queue.SyncJobMessage{
		SessionID:      session.ID,
		BatchID:        job.ID,
		SkipLocalApply: true,
	})
	if err != nil {
		t.Fatalf("SyncSession() error = %v", err)
	}

	if got := store.jobs[job.ID].Status; got != domain.BatchStatusPartialFailure {
		t.Fatalf("job status = %s, want PARTIAL_FAILURE", got)
	}
	if got := store.sessions[session.ID].Status; got != domain.SessionStatusFailed {
		t.Fatalf("session status = %s, want FAILED", got)
	}

	for _, rec := range store.recordsOfBatch(job.ID) {
		want := domain.SyncStatusSynced
		if rec.RecordID == "opp-02" {
			want = domain.SyncStatusConflict
		}
		if rec.SyncStatus != want {
			t.Fatalf("record %s sync status = %s, want %s", rec.RecordID, rec.SyncStatus, want)
		}
	}

	// The conflicted record must not have been written remotely.
	for _, remoteID := range gateway.updatedRemoteIDs() {
		if remoteID == "crm-opp-02" {
			t.Fatal("conflicted record was written to the remote CRM")
		}
	}

	if len(store.conflicts) != 1 {
		t.Fatalf("conflicts = %d, want 1", len(store.conflicts))
	}
	for _, c := range store.conflicts {
		if c.Severity != domain.SeverityHigh {
			t.Fatalf("severity = %s, want HIGH for a critical Stage divergence", c.Severity)
		}
		if len(c.FieldConflicts) != 1 || c.FieldConflicts[0].Field != "Stage" {
			t.Fatalf("field conflicts = %+v, want single Stage entry", c.FieldConflicts)
		}
	}

	details := store.failures[session.ID]
	if details == nil {
		t.Fatal("failure details missing")
	}
	if details.Type != domain.FailurePartialFailure {
		t.Fatalf("failure type = %s, want PARTIAL_FAILURE", details.Type)
	}
	if !details.CanResume {
		t.Fatal("partial failure should stay resumable")
	}
}

func TestSyncWorkerRateLimitHaltsAndResumes(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	job, session := seedBatchForSync(store, 10)

	rateLimited := true
	gateway := &fakeGateway{
		fetchFn: func(ctx context.Context, remoteID string) (map[string]any, error) {
			return matchingSnapshot(store, remoteID), nil
		},
		updateFn: func(ctx context.Context, remoteID string, fields map[string]any) error {
			if rateLimited && remoteID == "crm-opp-04" {
				return &remote.GatewayError{
					Kind:       remote.KindRateLimit,
					StatusCode: 429,
					Message:    "quota exceeded",
					RetryAfter: 30 * time.Second,
				}
			}
			return nil
		},
	}
	worker := newSyncWorkerForTest(t, store, gateway, 1)

	err := worker.SyncSession(context.Background(), queue.SyncJobMessage{
		SessionID:      session.ID,
		BatchID:        job.ID,
		SkipLocalApply: true,
	})
	if err != nil {
		t.Fatalf("SyncSession() error = %v", err)
	}

	if got := store.jobs[job.ID].Status; got != domain.BatchStatusPartialFailure {
		t.Fatalf("job status = %s, want PARTIAL_FAILURE", got)
	}
	if got := store.sessions[session.ID].Status; got != domain.SessionStatusFailed {
		t.Fatalf("session status = %s, want FAILED", got)
	}

	details := store.failures[session.ID]
	if details == nil {
		t.Fatal("failure details missing")
	}
	if details.Type != domain.FailureRateLimit {
		t.Fatalf("failure type = %s, want RATE_LIMIT", details.Type)
	}
	if !details.CanResume {
		t.Fatal("rate limit failure must be resumable")
	}
	if details.LastSuccessfulPosition != 3 {
		t.Fatalf("last successful position = %d, want 3", details.LastSuccessfulPosition)
	}
	if details.EstimatedRecoveryAt == nil {
		t.Fatal("estimated recovery time missing despite Retry-After hint")
	}

	// The rate-limited record went back to the pending pool untouched.
	for _, rec := range store.recordsOfBatch(job.ID) {
		if rec.Position <= 3 {
			if rec.SyncStatus != domain.SyncStatusSynced {
				t.Fatalf("record %d = %s, want SYNCED", rec.Position, rec.SyncStatus)
			}
		} else if rec.SyncStatus != domain.SyncStatusPending {
			t.Fatalf("record %d = %s, want PENDING after halt", rec.Position, rec.SyncStatus)
		}
	}

	// Resume continues strictly after position 3.
	rateLimited = false
	if ok, _ := (&memSessionRepo{store: store}).Reactivate(context.Background(), session.ID); !ok {
		t.Fatal("Reactivate() = false, want true")
	}

	err = worker.SyncSession(context.Background(), queue.SyncJobMessage{
		SessionID:      session.ID,
		BatchID:        job.ID,
		AfterPosition:  details.LastSuccessfulPosition,
		SkipLocalApply: true,
	})
	if err != nil {
		t.Fatalf("SyncSession() resume error = %v", err)
	}

	if got := store.jobs[job.ID].Status; got != domain.BatchStatusSynced {
		t.Fatalf("job status after resume = %s, want SYNCED", got)
	}
	if got := store.sessions[session.ID].Status; got != domain.SessionStatusCompleted {
		t.Fatalf("session status after resume = %s, want COMPLETED", got)
	}

	// Every record was written remotely exactly once across both runs.
	seen := make(map[string]int)
	for _, remoteID := range gateway.updatedRemoteIDs() {
		seen[remoteID]++
	}
	if len(seen) != 10 {
		t.Fatalf("distinct remote updates = %d, want 10", len(seen))
	}
	for remoteID, n := range seen {
		if n != 1 {
			t.Fatalf("remote %s updated %d times, want 1", remoteID, n)
		}
	}
}

func TestSyncWorkerHaltLetsInFlightUpdateFinish(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	job, session := seedBatchForSync(store, 2)

	// Record 1's remote write is held open until record 2 has raised the
	// rate-limit halt, so the halt fires while the write is in flight.
	firstStarted := make(chan struct{})
	haltRaised := make(chan struct{})
	gateway := &fakeGateway{
		fetchFn: func(ctx context.Context, remoteID string) (map[string]any, error) {
			return matchingSnapshot(store, remoteID), nil
		},
		updateFn: func(ctx context.Context, remoteID string, fields map[string]any) error {
			if remoteID == "crm-opp-01" {
				close(firstStarted)
				<-haltRaised
				return nil
			}
			<-firstStarted
			close(haltRaised)
			return &remote.GatewayError{
				Kind:       remote.KindRateLimit,
				StatusCode: 429,
				Message:    "quota exceeded",
			}
		},
	}
	worker := newSyncWorkerForTest(t, store, gateway, 2)

	err := worker.SyncSession(context.Background(), queue.SyncJobMessage{
		SessionID:      session.ID,
		BatchID:        job.ID,
		SkipLocalApply: true,
	})
	if err != nil {
		t.Fatalf("SyncSession() error = %v", err)
	}

	recs := store.recordsOfBatch(job.ID)
	if got := recs[0].SyncStatus; got != domain.SyncStatusSynced {
		t.Fatalf("in-flight record = %s, want SYNCED after the halt", got)
	}
	if got := recs[1].SyncStatus; got != domain.SyncStatusPending {
		t.Fatalf("rate-limited record = %s, want PENDING", got)
	}
	if got := store.jobs[job.ID].Status; got != domain.BatchStatusPartialFailure {
		t.Fatalf("job status = %s, want PARTIAL_FAILURE", got)
	}

	details := store.failures[session.ID]
	if details == nil {
		t.Fatal("failure details missing")
	}
	if details.LastSuccessfulPosition != 1 {
		t.Fatalf("last successful position = %d, want 1", details.LastSuccessfulPosition)
	}
	if got := gateway.updatedRemoteIDs(); len(got) != 1 || got[0] != "crm-opp-01" {
		t.Fatalf("remote updates = %v, want the in-flight record only", got)
	}
}

func TestSyncWorkerCancelledBatchSkipsRun(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	job, session := seedBatchForSync(store, 4)
	store.jobs[job.ID].Status = domain.BatchStatusCancelled

	gateway := &fakeGateway{}
	worker := newSyncWorkerForTest(t, store, gateway, 2)

	err := worker.SyncSession(context.Background(), queue.SyncJobMessage{
		SessionID:      session.ID,
		BatchID:        job.ID,
		SkipLocalApply: true,
	})
	if err != nil {
		t.Fatalf("SyncSession() error = %v", err)
	}

	if got := store.sessions[session.ID].Status; got != domain.SessionStatusCancelled {
		t.Fatalf("session status = %s, want CANCELLED", got)
	}
	if got := len(gateway.updatedRemoteIDs()); got != 0 {
		t.Fatalf("remote updates = %d, want 0 for a cancelled batch", got)
	}
}

func TestSyncWorkerDuplicateDeliveryIsNoop(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	job, session := seedBatchForSync(store, 2)
	store.sessions[session.ID].Status = domain.SessionStatusCompleted

	gateway := &fakeGateway{}
	worker := newSyncWorkerForTest(t, store, gateway, 2)

	err := worker.SyncSession(context.Background(), queue.SyncJobMessage{
		SessionID:      session.ID,
		BatchID:        job.ID,
		SkipLocalApply: true,
	})
	if err != nil {
		t.Fatalf("SyncSession() error = %v", err)
	}
	if got := len(gateway.updatedRemoteIDs()); got != 0 {
		t.Fatalf("remote updates = %d, want 0 for duplicate delivery", got)
	}
}

func TestSyncWorkerResolvedFieldsWrittenVerbatim(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	job, session := seedBatchForSync(store, 1)
	store.records["rs-01"].ResolvedFields = map[string]any{
		"Stage":  "Negotiation",
		"Amount": float64(2500),
	}

	gateway := &fakeGateway{
		fetchFn: func(ctx context.Context, remoteID string) (map[string]any, error) {
			t.Error("resolved records must not re-run conflict detection")
			return map[string]any{}, nil
		},
	}
	worker := newSyncWorkerForTest(t, store, gateway, 1)

	err := worker.SyncSession(context.Background(), queue.SyncJobMessage{
		SessionID:      session.ID,
		BatchID:        job.ID,
		SkipLocalApply: true,
	})
	if err != nil {
		t.Fatalf("SyncSession() error = %v", err)
	}

	if len(gateway.updates) != 1 {
		t.Fatalf("remote updates = %d, want 1", len(gateway.updates))
	}
	got := gateway.updates[0].fields
	if got["Stage"] != "Negotiation" || got["Amount"] != float64(2500) {
		t.Fatalf("payload = %v, want the resolved fields verbatim", got)
	}
	if store.records["rs-01"].SyncStatus != domain.SyncStatusSynced {
		t.Fatalf("record status = %s, want SYNCED", store.records["rs-01"].SyncStatus)
	}
}

func TestSyncWorkerNetworkFailureMarksRecordOnly(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	job, session := seedBatchForSync(store, 3)
	gateway := &fakeGateway{
		fetchFn: func(ctx context.Context, remoteID string) (map[string]any, error) {
			return matchingSnapshot(store, remoteID), nil
		},
		updateFn: func(ctx context.Context, remoteID string, fields map[string]any) error {
			if remoteID == "crm-opp-02" {
				return &remote.GatewayError{Kind: remote.KindNetwork, Message: "connection reset"}
			}
			return nil
		},
	}
	worker := newSyncWorkerForTest(t, store, gateway, 1)

	err := worker.SyncSession(context.Background(), queue.SyncJobMessage{
		SessionID:      session.ID,
		BatchID:        job.ID,
		SkipLocalApply: true,
	})
	if err != nil {
		t.Fatalf("SyncSession() error = %v", err)
	}

	if got := store.jobs[job.ID].Status; got != domain.BatchStatusPartialFailure {
		t.Fatalf("job status = %s, want PARTIAL_FAILURE", got)
	}

	rec := store.records["rs-02"]
	if rec.SyncStatus != domain.SyncStatusFailed {
		t.Fatalf("record sync status = %s, want FAILED", rec.SyncStatus)
	}
	if rec.FailureType == nil || *rec.FailureType != domain.FailureNetwork {
		t.Fatalf("failure type = %v, want NETWORK", rec.FailureType)
	}
	if rec.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", rec.AttemptCount)
	}
}
