// Package sync orchestrates push and pull cycles against the remote API and
// owns the externally visible sync state machine.
package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/dkarlsson/habitsync/internal/config"
	"github.com/dkarlsson/habitsync/internal/db"
	apperrors "github.com/dkarlsson/habitsync/internal/errors"
	"github.com/dkarlsson/habitsync/internal/idkey"
	"github.com/dkarlsson/habitsync/internal/logging"
	"github.com/dkarlsson/habitsync/internal/metrics"
	"github.com/dkarlsson/habitsync/internal/models"
	"github.com/dkarlsson/habitsync/internal/remote"
	"github.com/dkarlsson/habitsync/internal/sync/queue"
	"github.com/dkarlsson/habitsync/internal/sync/ratelimit"
	"github.com/dkarlsson/habitsync/internal/sync/reconcile"
)

// User-facing messages for terminal error states.
const (
	msgNoConnection = "No connection"
	msgSignInNeeded = "Sign in required"
	msgServerError  = "Server error"
)

// escalateAfter is the consecutive-failure count at which error states are
// flagged for prominent display.
const escalateAfter = 3

// Engine drives push and pull cycles. A single worker goroutine runs cycles
// sequentially: push and pull never overlap and at most one batch is in
// flight, which keeps queue mutation and state reporting free of
// interleaving races. Only this worker assigns State.
type Engine struct {
	cfg        *config.Config
	queue      *queue.MutationQueue
	limiter    *ratelimit.Controller
	reconciler *reconcile.Reconciler
	repo       *db.Repository
	api        remote.API

	mu                  sync.Mutex
	state               State
	listeners           []StateListener
	online              bool
	offlineBlocked      bool
	cycleRunning        bool
	consecutiveFailures int
	retryTimer          *time.Timer

	syncCh chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewEngine creates an Engine. The queue must already be rehydrated; the
// engine reads the persisted checkpoint on each pull, so construction does
// no I/O.
func NewEngine(cfg *config.Config, q *queue.MutationQueue, repo *db.Repository, api remote.API) *Engine {
	e := &Engine{
		cfg:    cfg,
		queue:  q,
		repo:   repo,
		api:    api,
		state:  Idle(),
		online: true,
		syncCh: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
	}
	e.limiter = ratelimit.New(e.onRateLimitCleared)
	e.reconciler = reconcile.New(repo, q)
	return e
}

// Start launches the sync worker. Stop must be called to release it.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.run(ctx)
	logging.Info("Sync engine started", nil)
}

// Stop shuts the worker down and waits for any running cycle to finish; an
// in-flight batch is allowed to complete or fail naturally.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()

	e.mu.Lock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.mu.Unlock()

	e.limiter.Clear()
	logging.Info("Sync engine stopped", nil)
}

// OnStateChange registers a listener for state transitions. Listeners are
// invoked on the worker goroutine and must not block.
func (e *Engine) OnStateChange(fn StateListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// State returns the current state snapshot.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PendingCount returns the queue depth shown by UI indicators.
func (e *Engine) PendingCount() int {
	n, err := e.queue.PendingCount()
	if err != nil {
		logging.Error("Failed to count pending mutations", err)
		return 0
	}
	return n
}

// RateLimitRemaining exposes the authoritative countdown for display.
func (e *Engine) RateLimitRemaining() time.Duration {
	return e.limiter.Remaining()
}

// Enqueue records a local mutation for upload and nudges the worker.
func (e *Engine) Enqueue(id models.UUID, entityKind string, payload json.RawMessage) (*models.MutationRecord, error) {
	record, err := e.queue.Enqueue(id, entityKind, payload)
	if err != nil {
		return nil, err
	}
	metrics.PendingDepth.Set(float64(e.PendingCount()))
	e.TriggerSync()
	return record, nil
}

// TriggerSync requests a sync cycle. Requests coalesce: triggers arriving
// while a cycle runs collapse into at most one follow-up cycle, so repeated
// calls never stack round trips.
func (e *Engine) TriggerSync() {
	select {
	case e.syncCh <- struct{}{}:
	default:
	}
}

// SetOnline records connectivity transitions from the platform observer.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	wasOnline := e.online
	e.online = online
	blocked := e.offlineBlocked
	e.mu.Unlock()

	if online && !wasOnline {
		logging.Info("Connectivity restored", nil)
		// A rate-limit window is not bypassed by reconnection; only the
		// countdown governs release.
		if blocked && !e.limiter.IsBlocked() {
			e.OnConnectivityRestored()
		}
	}
}

// OnConnectivityRestored immediately triggers a sync if the engine was
// blocked purely by offline status.
func (e *Engine) OnConnectivityRestored() {
	e.mu.Lock()
	e.offlineBlocked = false
	e.mu.Unlock()
	e.TriggerSync()
}

// ForceSync cancels a pending backoff wait and re-attempts immediately. An
// actually-open rate-limit window is cleared, though the server may re-issue
// the limit on the next request.
func (e *Engine) ForceSync() {
	e.mu.Lock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
	e.mu.Unlock()

	e.limiter.Clear()
	e.TriggerSync()
}

// ResetCheckpoint clears the pull watermark so the next pull re-fetches the
// full remote history. Reconciliation's idempotence makes that safe.
func (e *Engine) ResetCheckpoint() error {
	return e.repo.ResetCheckpoint()
}

// ClearFailedRecords drops mutations stuck in the failed state.
func (e *Engine) ClearFailedRecords() (int64, error) {
	return e.queue.ClearFailed()
}

// FailedMutations returns mutations parked as failed, oldest first.
func (e *Engine) FailedMutations() ([]*models.MutationRecord, error) {
	return e.queue.Failed()
}

// onRateLimitCleared runs when a rate-limit window expires naturally.
func (e *Engine) onRateLimitCleared() {
	e.TriggerSync()
}

// run is the single sync worker loop.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.syncCh:
			e.runCycle(ctx)
		}
	}
}

// runCycle executes one push+pull pass.
func (e *Engine) runCycle(ctx context.Context) {
	e.mu.Lock()
	if e.cycleRunning {
		e.mu.Unlock()
		return
	}
	e.cycleRunning = true
	online := e.online
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.cycleRunning = false
		e.mu.Unlock()
	}()

	if e.limiter.IsBlocked() {
		e.publish(RateLimited(e.limiter.Remaining(), e.limiter.PendingAtLimit()))
		return
	}

	if !online {
		e.mu.Lock()
		e.offlineBlocked = true
		failures := e.consecutiveFailures
		e.mu.Unlock()
		if e.PendingCount() > 0 {
			e.publish(Errored(msgNoConnection, failures >= escalateAfter))
		}
		return
	}

	if ok := e.runPushCycle(ctx); !ok {
		return
	}

	// A successful push is always followed by a pull; a trigger with no
	// pending mutations goes straight to pulling.
	if ok := e.runPullCycle(ctx); !ok {
		return
	}

	e.mu.Lock()
	e.consecutiveFailures = 0
	e.mu.Unlock()
	metrics.PendingDepth.Set(float64(e.PendingCount()))
	e.publish(Idle())
}

// runPushCycle uploads pending mutations batch by batch. Returns false if
// the cycle must stop (failure or rate limit); no further batches are
// attempted after a failure to avoid amplifying a systemic problem.
func (e *Engine) runPushCycle(ctx context.Context) bool {
	total := e.PendingCount()
	if total == 0 {
		return true
	}

	current := 0
	e.publish(Syncing(current, total))

	for {
		batch, err := e.queue.NextBatch(e.cfg.Sync.BatchSize)
		if err != nil {
			logging.Error("Failed to read next batch", err)
			e.failCycle(apperrors.ErrDatabase, msgServerError)
			return false
		}
		if len(batch) == 0 {
			return true
		}

		valid := e.excludeInvalid(batch)
		if len(valid) == 0 {
			// Entire batch was malformed; resolve it and move on.
			if err := e.queue.Acknowledge(nil); err != nil {
				logging.Error("Failed to resolve invalid batch", err)
			}
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Remote.RequestTimeout)
		result, err := e.api.PushBatch(callCtx, valid)
		cancel()

		if err != nil {
			e.handlePushFailure(valid, result, err)
			return false
		}

		acked, requeued := splitResults(valid, result)
		if err := e.queue.Acknowledge(acked); err != nil {
			logging.Error("Failed to acknowledge batch", err)
			e.failCycle(apperrors.ErrDatabase, msgServerError)
			return false
		}
		if len(requeued) > 0 {
			if err := e.queue.Requeue(requeued, "rejected by server"); err != nil {
				logging.Error("Failed to requeue rejected records", err)
			}
		}

		metrics.MutationsPushed.Add(float64(len(acked)))
		metrics.PendingDepth.Set(float64(e.PendingCount()))
		// Progress counts records, not batches, so the indicator ticks
		// through every mutation even when one batch covers the cycle.
		for range acked {
			current++
			e.publish(Syncing(current, total))
		}

		if len(requeued) > 0 {
			// Partial rejection: stop the cycle rather than spinning on
			// records the server keeps refusing.
			e.failCycle(apperrors.ErrSyncServer, msgServerError)
			return false
		}
	}
}

// excludeInvalid validates identifiers before submission. A record that
// fails validation is never sent: it is marked failed locally and the rest
// of the batch proceeds, so one bad record does not block others.
func (e *Engine) excludeInvalid(batch []*models.MutationRecord) []*models.MutationRecord {
	valid := batch[:0]
	for _, record := range batch {
		if err := idkey.Validate(record.ID.String()); err != nil {
			if failErr := e.queue.FailOne(record.ID, err.Error()); failErr != nil {
				logging.Error("Failed to exclude invalid mutation", failErr,
					map[string]interface{}{"id": record.ID})
			}
			metrics.CycleFailures.WithLabelValues("validation").Inc()
			continue
		}
		valid = append(valid, record)
	}
	return valid
}

// handlePushFailure classifies a push error and resolves the batch
// accordingly.
func (e *Engine) handlePushFailure(batch []*models.MutationRecord, result *remote.BatchResult, err error) {
	ids := recordIDs(batch)
	code := apperrors.Code(err)

	switch code {
	case apperrors.ErrSyncRateLimited:
		retryAfter := apperrors.RetryAfter(err)
		if retryAfter == 0 && result != nil {
			retryAfter = result.RetryAfter
		}
		if retryAfter == 0 {
			retryAfter = 60 * time.Second
		}
		if requeueErr := e.queue.Requeue(ids, "rate limited"); requeueErr != nil {
			logging.Error("Failed to requeue rate-limited batch", requeueErr)
		}
		pending := e.PendingCount()
		e.limiter.RecordRateLimited(retryAfter, pending)
		metrics.RateLimitWindows.Inc()
		e.publish(RateLimited(retryAfter, pending))

	case apperrors.ErrSyncAuthFailed:
		// Kept for resubmission after re-auth, not discarded; the app
		// offers a sign-in action, the engine never refreshes credentials.
		if requeueErr := e.queue.Requeue(ids, "authentication required"); requeueErr != nil {
			logging.Error("Failed to requeue batch after auth failure", requeueErr)
		}
		e.failCycle(code, msgSignInNeeded)

	case apperrors.ErrSyncNetwork, apperrors.ErrSyncTimeout:
		e.mu.Lock()
		e.offlineBlocked = true
		e.mu.Unlock()
		if requeueErr := e.queue.Requeue(ids, "network failure"); requeueErr != nil {
			logging.Error("Failed to requeue batch after network failure", requeueErr)
		}
		e.failCycle(code, msgNoConnection)

	default:
		// Server-class failures retry with backoff until the attempt cap,
		// then park the records as failed for inspection.
		exhausted := make([]models.UUID, 0)
		retriable := make([]models.UUID, 0)
		for _, record := range batch {
			if record.AttemptCount+1 >= e.cfg.Sync.MaxAttempts {
				exhausted = append(exhausted, record.ID)
			} else {
				retriable = append(retriable, record.ID)
			}
		}
		if len(retriable) > 0 {
			if requeueErr := e.queue.Requeue(retriable, err.Error()); requeueErr != nil {
				logging.Error("Failed to requeue batch after server failure", requeueErr)
			}
		}
		if len(exhausted) > 0 {
			if failErr := e.queue.Fail(exhausted, err.Error()); failErr != nil {
				logging.Error("Failed to park exhausted mutations", failErr)
			}
		}
		e.failCycle(code, msgServerError)
	}

	logging.ErrorWithCode("Push cycle failed", string(code), err,
		map[string]interface{}{"batch_size": len(batch)})
}

// runPullCycle fetches and merges remote changes page by page, advancing the
// checkpoint only after each full page is merged. Returns false on failure;
// the checkpoint is left untouched so the next pull resumes from the same
// point (at-least-once delivery into the idempotent reconciler).
func (e *Engine) runPullCycle(ctx context.Context) bool {
	if e.limiter.IsBlocked() {
		// Pulls are suspended during a rate-limit window too, to avoid
		// compounding the penalty.
		e.publish(RateLimited(e.limiter.Remaining(), e.limiter.PendingAtLimit()))
		return false
	}

	e.publish(Pulling())

	checkpoint, err := e.repo.GetCheckpoint()
	if err != nil {
		logging.Error("Failed to read checkpoint", err)
		e.failCycle(apperrors.ErrDatabase, msgServerError)
		return false
	}

	for {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.Remote.RequestTimeout)
		feed, err := e.api.PullChanges(callCtx, checkpoint.LastPulledCursor, e.cfg.Sync.PullLimit)
		cancel()
		if err != nil {
			e.handlePullFailure(err)
			return false
		}

		if len(feed.Changes) > 0 {
			applied, err := e.reconciler.Merge(feed.Changes)
			if err != nil {
				logging.Error("Failed to merge remote changes", err)
				e.failCycle(apperrors.ErrDatabase, msgServerError)
				return false
			}
			metrics.ChangesPulled.Add(float64(applied))
		}

		if feed.NextCursor > checkpoint.LastPulledCursor {
			checkpoint.LastPulledCursor = feed.NextCursor
			checkpoint.LastPulledAt = time.Now().Unix()
			if err := e.repo.SaveCheckpoint(checkpoint); err != nil {
				logging.Error("Failed to save checkpoint", err)
				e.failCycle(apperrors.ErrDatabase, msgServerError)
				return false
			}
		}

		if !feed.HasMore {
			return true
		}
	}
}

// handlePullFailure classifies a pull error.
func (e *Engine) handlePullFailure(err error) {
	code := apperrors.Code(err)

	switch code {
	case apperrors.ErrSyncRateLimited:
		retryAfter := apperrors.RetryAfter(err)
		if retryAfter == 0 {
			retryAfter = 60 * time.Second
		}
		pending := e.PendingCount()
		e.limiter.RecordRateLimited(retryAfter, pending)
		metrics.RateLimitWindows.Inc()
		e.publish(RateLimited(retryAfter, pending))
	case apperrors.ErrSyncAuthFailed:
		e.failCycle(code, msgSignInNeeded)
	case apperrors.ErrSyncNetwork, apperrors.ErrSyncTimeout:
		e.mu.Lock()
		e.offlineBlocked = true
		e.mu.Unlock()
		e.failCycle(code, msgNoConnection)
	default:
		e.failCycle(code, msgServerError)
	}

	logging.ErrorWithCode("Pull cycle failed", string(code), err, nil)
}

// failCycle records a failed cycle and publishes the error state, escalating
// the display after repeated consecutive failures. Retryable failures other
// than rate limits and network loss schedule an automatic retry with
// exponential backoff; network loss waits for a connectivity event and rate
// limits for the window countdown instead.
func (e *Engine) failCycle(code apperrors.ErrorCode, message string) {
	e.mu.Lock()
	e.consecutiveFailures++
	failures := e.consecutiveFailures
	e.mu.Unlock()

	metrics.CycleFailures.WithLabelValues(failureClass(code)).Inc()
	e.publish(Errored(message, failures >= escalateAfter))

	if code == apperrors.ErrSyncServer || code == apperrors.ErrSyncTimeout {
		e.scheduleRetry(failures)
	}
}

// failureClass maps an error code to the metric label for its failure class.
func failureClass(code apperrors.ErrorCode) string {
	switch code {
	case apperrors.ErrSyncNetwork, apperrors.ErrSyncTimeout:
		return "network"
	case apperrors.ErrSyncAuthFailed:
		return "auth"
	case apperrors.ErrSyncRateLimited:
		return "ratelimit"
	case apperrors.ErrSyncServer:
		return "server"
	case apperrors.ErrSyncInvalidID, apperrors.ErrValidation:
		return "validation"
	default:
		return "internal"
	}
}

// scheduleRetry arms a one-shot retry after an exponentially growing delay,
// doubling per consecutive failure between the configured bounds.
func (e *Engine) scheduleRetry(failures int) {
	delay := e.cfg.Sync.BackoffMin
	for i := 1; i < failures && delay < e.cfg.Sync.BackoffMax; i++ {
		delay *= 2
	}
	if delay > e.cfg.Sync.BackoffMax {
		delay = e.cfg.Sync.BackoffMax
	}

	e.mu.Lock()
	if e.retryTimer != nil {
		e.retryTimer.Stop()
	}
	e.retryTimer = time.AfterFunc(delay, e.TriggerSync)
	e.mu.Unlock()

	logging.Debug("Scheduled sync retry",
		map[string]interface{}{"delay": delay.String(), "failures": failures})
}

// publish assigns the new state and notifies listeners. Listeners run
// outside the lock so a slow consumer cannot stall the worker's next
// transition read.
func (e *Engine) publish(state State) {
	e.mu.Lock()
	e.state = state
	listeners := make([]StateListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()

	logging.Debug("Sync state transition", map[string]interface{}{"state": state.String()})

	for _, fn := range listeners {
		fn(state)
	}
}

// splitResults partitions a pushed batch into acknowledged and rejected ids
// using the server's per-record outcomes. A result with no per-record detail
// acknowledges the whole batch.
func splitResults(batch []*models.MutationRecord, result *remote.BatchResult) (acked, requeued []models.UUID) {
	if result == nil || len(result.Results) == 0 {
		return recordIDs(batch), nil
	}

	applied := make(map[models.UUID]bool, len(result.Results))
	seen := make(map[models.UUID]bool, len(result.Results))
	for _, r := range result.Results {
		seen[r.ID] = true
		applied[r.ID] = r.Applied
	}

	for _, record := range batch {
		// Records the server did not mention are treated as applied: the
		// id is an idempotency key, so re-sending one would be harmless,
		// but dropping an acknowledged one would wedge the queue.
		if !seen[record.ID] || applied[record.ID] {
			acked = append(acked, record.ID)
		} else {
			requeued = append(requeued, record.ID)
		}
	}
	return acked, requeued
}

func recordIDs(batch []*models.MutationRecord) []models.UUID {
	ids := make([]models.UUID, len(batch))
	for i, record := range batch {
		ids[i] = record.ID
	}
	return ids
}
