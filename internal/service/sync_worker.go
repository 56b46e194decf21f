package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crmsync/batch-engine/internal/catalog"
	"github.com/crmsync/batch-engine/internal/conflict"
	"github.com/crmsync/batch-engine/internal/domain"
	"github.com/crmsync/batch-engine/internal/observability"
	"github.com/crmsync/batch-engine/internal/progress"
	"github.com/crmsync/batch-engine/internal/queue"
	"github.com/crmsync/batch-engine/internal/ratelimit"
	"github.com/crmsync/batch-engine/internal/remote"
	"github.com/crmsync/batch-engine/internal/repository"
)

const (
	minSyncConcurrency = 1
	crmResource        = "crm"
	etaWindow          = 20
)

// errSessionHalted marks a record goroutine that stood down because the
// session halted; the record itself is not counted as failed.
var errSessionHalted = errors.New("sync session halted")

// haltError carries the remote failure that forced the session to stop.
type haltError struct {
	failureType domain.FailureType
	reason      string
	retryAfter  time.Duration
}

func (e *haltError) Error() string { return e.reason }

// SyncWorker runs the remote phase of one sync session: it walks the
// batch's pending records in position order, writes each to the CRM and
// records the outcome.
type SyncWorker struct {
	jobs        repository.BatchJobRepository
	records     repository.RecordStatusRepository
	sessions    repository.SessionRepository
	conflicts   repository.ConflictRepository
	gateway     remote.Gateway
	catalog     catalog.Catalog
	limiter     ratelimit.RateLimiter
	hub         *progress.Hub
	metrics     *observability.Metrics
	logger      *zap.Logger
	concurrency int
	now         func() time.Time
}

func NewSyncWorker(
	jobs repository.BatchJobRepository,
	records repository.RecordStatusRepository,
	sessions repository.SessionRepository,
	conflicts repository.ConflictRepository,
	gateway remote.Gateway,
	cat catalog.Catalog,
	limiter ratelimit.RateLimiter,
	hub *progress.Hub,
	concurrency int,
	logger *zap.Logger,
) (*SyncWorker, error) {
	if concurrency < minSyncConcurrency {
		concurrency = minSyncConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SyncWorker{
		jobs:        jobs,
		records:     records,
		sessions:    sessions,
		conflicts:   conflicts,
		gateway:     gateway,
		catalog:     cat,
		limiter:     limiter,
		hub:         hub,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
	}, nil
}

func (w *SyncWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// syncRun is the mutable state of one session run.
type syncRun struct {
	session *domain.SyncSession
	job     *domain.BatchJob
	eta     *progress.ETA

	mu             sync.Mutex
	processed      int
	lastSyncedID   string
	lastSyncedPos  int
	halt           *haltError
	sawCancelled   bool
	totalRemaining int
}

// halted reports whether a halt or a cancellation has been observed.
// Goroutines check it before claiming a record, so a halt never aborts
// a remote call already in flight.
func (r *syncRun) halted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.halt != nil || r.sawCancelled
}

// SyncSession processes one queued sync job. Duplicate deliveries for a
// session that already ran are acknowledged without effect.
func (w *SyncWorker) SyncSession(ctx context.Context, msg queue.SyncJobMessage) error {
	session, err := w.sessions.GetByID(ctx, msg.SessionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			w.logger.Warn("sync job for unknown session, skipping", zap.String("sessionId", msg.SessionID))
			return nil
		}
		return err
	}

	started, err := w.sessions.MarkRunning(ctx, session.ID, "syncing_remote")
	if err != nil {
		return err
	}
	if !started {
		w.logger.Warn("session not pending, skipping duplicate delivery",
			zap.String("sessionId", session.ID),
			zap.String("status", session.Status.String()),
		)
		return nil
	}
	session.Status = domain.SessionStatusRunning

	job, err := w.jobs.GetByID(ctx, msg.BatchID)
	if err != nil {
		return err
	}

	ok, err := w.jobs.TransitionStatus(ctx, job.ID,
		[]domain.BatchStatus{
			domain.BatchStatusLocalApplied,
			domain.BatchStatusPartialFailure,
			domain.BatchStatusFailed,
			domain.BatchStatusSyncingRemote,
		},
		domain.BatchStatusSyncingRemote)
	if err != nil {
		return err
	}
	if !ok {
		// Cancelled (or never locally applied) while queued.
		now := w.now().UTC()
		_ = w.sessions.MarkCancelled(ctx, session.ID, now)
		w.publishEvent(session, domain.SessionStatusCancelled, "cancelled", 0, true, nil)
		return nil
	}

	pending, err := w.records.ListPendingAfter(ctx, job.ID, msg.AfterPosition)
	if err != nil {
		return err
	}

	counts, err := w.jobs.RefreshCounts(ctx, job.ID)
	if err != nil {
		return err
	}

	run := &syncRun{
		session:        session,
		job:            job,
		eta:            progress.NewETA(etaWindow),
		processed:      counts.Total - len(pending),
		totalRemaining: counts.Total,
	}
	session.RecordsTotal = counts.Total

	w.publishEvent(session, domain.SessionStatusRunning, "syncing_remote", run.processed, false, nil)

	detector := conflict.NewDetector(w.catalog.CriticalFields(job.RecordType))

	// The pool runs without a cancelling group context: a halt is
	// signalled through run state checked between records, and claimed
	// remote calls always run to completion.
	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for i := range pending {
		rec := pending[i]
		g.Go(func() error {
			return w.processRecord(ctx, run, detector, rec)
		})
	}

	runErr := g.Wait()
	if runErr != nil && !errors.Is(runErr, errSessionHalted) {
		return runErr
	}

	return w.finalize(ctx, run)
}

func (w *SyncWorker) processRecord(
	ctx context.Context,
	run *syncRun,
	detector *conflict.Detector,
	rec domain.RecordUpdateStatus,
) error {
	if run.halted() {
		return errSessionHalted
	}

	status, err := w.jobs.GetStatus(ctx, run.job.ID)
	if err != nil {
		return err
	}
	if status == domain.BatchStatusCancelled {
		run.mu.Lock()
		run.sawCancelled = true
		run.mu.Unlock()
		return errSessionHalted
	}

	claimed, err := w.records.ClaimForSync(ctx, rec.ID, w.now().UTC())
	if err != nil {
		return err
	}
	if claimed == nil {
		// Another run owns or already finished this record.
		return nil
	}

	if w.metrics != nil {
		w.metrics.IncSyncInFlight()
		defer w.metrics.DecSyncInFlight()
	}

	if err := w.limiter.Wait(ctx, crmResource); err != nil {
		unclaimErr := w.unclaim(claimed.ID)
		if ctx.Err() != nil {
			return errSessionHalted
		}
		if unclaimErr != nil {
			return unclaimErr
		}
		return err
	}

	// A halt raised while this record waited on the limiter returns it
	// to the pending pool before any remote call starts.
	if run.halted() {
		if err := w.unclaim(claimed.ID); err != nil {
			return err
		}
		return errSessionHalted
	}

	start := w.now()
	outcome, err := w.syncRecord(ctx, run, detector, claimed)
	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			_ = w.unclaim(claimed.ID)
			return errSessionHalted
		}
		return err
	}

	switch outcome {
	case outcomeSynced:
		run.eta.Observe(w.now().Sub(start))
		w.advance(run, claimed, true)
	default:
		w.advance(run, claimed, false)
	}
	return nil
}

type recordOutcome int

const (
	outcomeSynced recordOutcome = iota
	outcomeConflict
	outcomeFailed
)

func (w *SyncWorker) syncRecord(
	ctx context.Context,
	run *syncRun,
	detector *conflict.Detector,
	rec *domain.RecordUpdateStatus,
) (recordOutcome, error) {
	payload := map[string]any{run.job.FieldName: rec.NewValue}

	// A resolved conflict carries the full payload the operator chose;
	// it is written verbatim without re-running detection.
	if len(rec.ResolvedFields) > 0 {
		payload = rec.ResolvedFields
	} else {
		fetchStart := w.now()
		remoteSnapshot, err := w.gateway.FetchSnapshot(ctx, rec.RemoteID)
		if w.metrics != nil {
			w.metrics.ObserveRemoteCallDuration("fetch", w.now().Sub(fetchStart))
		}
		if err != nil {
			return outcomeFailed, w.handleRemoteError(ctx, run, rec, err)
		}

		if c := detector.Detect(run.job, rec.RecordID, rec.LocalSnapshot, remoteSnapshot); c != nil {
			return w.recordConflict(ctx, run, rec, c)
		}
	}

	updateStart := w.now()
	err := w.gateway.UpdateRecord(ctx, rec.RemoteID, payload)
	if w.metrics != nil {
		w.metrics.ObserveRemoteCallDuration("update", w.now().Sub(updateStart))
	}
	if err != nil {
		return outcomeFailed, w.handleRemoteError(ctx, run, rec, err)
	}

	synced, err := w.records.MarkSynced(ctx, rec.ID, w.now().UTC())
	if err != nil {
		return outcomeFailed, err
	}
	if !synced {
		return outcomeFailed, fmt.Errorf("record %s could not be marked synced", rec.ID)
	}

	if w.metrics != nil {
		w.metrics.IncRecordSynced(run.job.RecordType)
	}
	return outcomeSynced, nil
}

func (w *SyncWorker) recordConflict(
	ctx context.Context,
	run *syncRun,
	rec *domain.RecordUpdateStatus,
	c *domain.ConflictRecord,
) (recordOutcome, error) {
	if err := w.conflicts.Create(ctx, c); err != nil {
		return outcomeFailed, err
	}
	if _, err := w.records.MarkConflict(ctx, rec.ID); err != nil {
		return outcomeFailed, err
	}

	if w.metrics != nil {
		w.metrics.IncConflictDetected(c.Severity.String())
	}
	w.logger.Info("conflict detected",
		zap.String("batchId", run.job.ID),
		zap.String("recordId", rec.RecordID),
		zap.String("severity", c.Severity.String()),
		zap.Int("fields", len(c.FieldConflicts)),
	)
	return outcomeConflict, nil
}

// handleRemoteError classifies the gateway failure. Rate limiting halts
// the whole session with the record returned to the pending pool; other
// failures mark just this record failed.
func (w *SyncWorker) handleRemoteError(
	ctx context.Context,
	run *syncRun,
	rec *domain.RecordUpdateStatus,
	remoteErr error,
) error {
	failureType := remote.FailureTypeOf(remoteErr)

	if failureType == domain.FailureRateLimit {
		if err := w.unclaim(rec.ID); err != nil {
			return err
		}

		run.mu.Lock()
		if run.halt == nil {
			run.halt = &haltError{
				failureType: domain.FailureRateLimit,
				reason:      fmt.Sprintf("remote rate limit hit at record %d: %v", rec.Position, remoteErr),
				retryAfter:  remote.RetryAfterOf(remoteErr),
			}
		}
		run.mu.Unlock()
		return errSessionHalted
	}

	if err := w.records.MarkSyncFailed(ctx, rec.ID, failureType, remoteErr.Error(), w.now().UTC()); err != nil {
		return err
	}
	if w.metrics != nil {
		w.metrics.IncRecordFailed(run.job.RecordType, failureType.String())
	}
	w.logger.Warn("record sync failed",
		zap.String("batchId", run.job.ID),
		zap.String("recordId", rec.RecordID),
		zap.String("failureType", failureType.String()),
		zap.Error(remoteErr),
	)
	return nil
}

// unclaim uses a fresh context so a cancelled run still releases its
// claimed records.
func (w *SyncWorker) unclaim(recordStatusID string) error {
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.records.Unclaim(releaseCtx, recordStatusID)
}

func (w *SyncWorker) advance(run *syncRun, rec *domain.RecordUpdateStatus, synced bool) {
	run.mu.Lock()
	run.processed++
	processed := run.processed
	if synced && rec.Position > run.lastSyncedPos {
		run.lastSyncedPos = rec.Position
		run.lastSyncedID = rec.RecordID
	}
	remaining := run.totalRemaining - processed
	run.mu.Unlock()

	estimate := run.eta.Estimate(remaining, w.now().UTC())
	w.publishEvent(run.session, domain.SessionStatusRunning, "syncing_remote", processed, false, estimate)
}

func (w *SyncWorker) finalize(ctx context.Context, run *syncRun) error {
	counts, err := w.jobs.RefreshCounts(ctx, run.job.ID)
	if err != nil {
		return err
	}
	now := w.now().UTC()

	run.mu.Lock()
	halt := run.halt
	sawCancelled := run.sawCancelled
	lastSyncedID := run.lastSyncedID
	lastSyncedPos := run.lastSyncedPos
	run.mu.Unlock()

	if sawCancelled {
		if _, err := w.records.SkipRemaining(ctx, run.job.ID); err != nil {
			return err
		}
		if err := w.sessions.MarkCancelled(ctx, run.session.ID, now); err != nil {
			return err
		}
		w.publishEvent(run.session, domain.SessionStatusCancelled, "cancelled", counts.Synced, true, nil)
		return nil
	}

	if halt != nil {
		if _, err := w.jobs.TransitionStatus(ctx, run.job.ID,
			[]domain.BatchStatus{domain.BatchStatusSyncingRemote}, domain.BatchStatusPartialFailure); err != nil {
			return err
		}

		details := domain.SyncFailureDetails{
			SessionID:              run.session.ID,
			BatchID:                run.job.ID,
			Reason:                 halt.reason,
			Type:                   halt.failureType,
			RecordsProcessed:       counts.Synced,
			RecordsTotal:           counts.Total,
			LastSuccessfulRecordID: lastSyncedID,
			LastSuccessfulPosition: lastSyncedPos,
			CanResume:              true,
			RetryAttempts:          run.session.RetryAttempts,
			MaxRetryAttempts:       run.session.MaxRetryAttempts,
			AffectedRecordTypes:    []string{run.job.RecordType},
		}
		if halt.retryAfter > 0 {
			at := now.Add(halt.retryAfter)
			details.EstimatedRecoveryAt = &at
		}
		if err := w.sessions.MarkFailed(ctx, run.session.ID, details, now); err != nil {
			return err
		}

		if w.metrics != nil {
			w.metrics.IncSessionFailed(halt.failureType.String())
		}
		w.logger.Warn("sync session halted",
			zap.String("sessionId", run.session.ID),
			zap.String("batchId", run.job.ID),
			zap.String("failureType", halt.failureType.String()),
			zap.Int("lastSuccessfulPosition", lastSyncedPos),
		)
		w.publishEvent(run.session, domain.SessionStatusFailed, "failed", counts.Synced, true, nil)
		return nil
	}

	clean := counts.Failed == 0 && counts.Conflicted == 0
	if clean {
		target := domain.BatchStatusSynced
		if counts.Skipped > 0 {
			target = domain.BatchStatusCompletedWithSkips
		}
		if _, err := w.jobs.TransitionStatus(ctx, run.job.ID,
			[]domain.BatchStatus{domain.BatchStatusSyncingRemote}, target); err != nil {
			return err
		}
		if err := w.sessions.MarkCompleted(ctx, run.session.ID, now); err != nil {
			return err
		}

		w.logger.Info("sync session completed",
			zap.String("sessionId", run.session.ID),
			zap.String("batchId", run.job.ID),
			zap.Int("synced", counts.Synced),
			zap.Int("skipped", counts.Skipped),
		)
		w.publishEvent(run.session, domain.SessionStatusCompleted, "completed", counts.Synced, true, nil)
		return nil
	}

	target := domain.BatchStatusPartialFailure
	if counts.Synced == 0 && counts.Conflicted == 0 && counts.Skipped == 0 {
		target = domain.BatchStatusFailed
	}
	if _, err := w.jobs.TransitionStatus(ctx, run.job.ID,
		[]domain.BatchStatus{domain.BatchStatusSyncingRemote}, target); err != nil {
		return err
	}

	details := domain.SyncFailureDetails{
		SessionID:        run.session.ID,
		BatchID:          run.job.ID,
		Reason:           fmt.Sprintf("%d of %d records failed, %d conflicted", counts.Failed, counts.Total, counts.Conflicted),
		Type:             domain.FailurePartialFailure,
		RecordsProcessed: counts.Synced,
		RecordsTotal:     counts.Total,
		// Failed and conflicted records can be retried or resolved and
		// re-synced, so the session stays resumable.
		LastSuccessfulRecordID: lastSyncedID,
		LastSuccessfulPosition: lastSyncedPos,
		CanResume:              true,
		RetryAttempts:          run.session.RetryAttempts,
		MaxRetryAttempts:       run.session.MaxRetryAttempts,
		AffectedRecordTypes:    []string{run.job.RecordType},
	}
	if err := w.sessions.MarkFailed(ctx, run.session.ID, details, now); err != nil {
		return err
	}

	if w.metrics != nil {
		w.metrics.IncSessionFailed(domain.FailurePartialFailure.String())
	}
	w.logger.Warn("sync session finished with failures",
		zap.String("sessionId", run.session.ID),
		zap.String("batchId", run.job.ID),
		zap.Int("failed", counts.Failed),
		zap.Int("conflicted", counts.Conflicted),
	)
	w.publishEvent(run.session, domain.SessionStatusFailed, "failed", counts.Synced, true, nil)
	return nil
}

func (w *SyncWorker) publishEvent(
	session *domain.SyncSession,
	status domain.SessionStatus,
	stage string,
	processed int,
	terminal bool,
	estimate *time.Time,
) {
	if w.hub == nil {
		return
	}

	pct := 0.0
	if session.RecordsTotal > 0 {
		pct = float64(processed) / float64(session.RecordsTotal) * 100
		if pct > 100 {
			pct = 100
		}
	}

	w.hub.Publish(progress.Event{
		SessionID:           session.ID,
		Status:              status,
		Stage:               stage,
		Progress:            pct,
		RecordsProcessed:    processed,
		RecordsTotal:        session.RecordsTotal,
		EstimatedCompletion: estimate,
		Terminal:            terminal,
		At:                  w.now().UTC(),
	})

	if !terminal {
		if err := w.sessions.UpdateProgress(context.Background(), session.ID, processed, stage, estimate); err != nil {
			w.logger.Warn("failed to persist session progress",
				zap.String("sessionId", session.ID),
				zap.Error(err),
			)
		}
	}
}
