package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/events"
	"fieldsync/internal/executor"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	passOutcomeOK     = "ok"
	passOutcomeHalted = "halted"
	passOutcomeError  = "error"
)

// SyncWorker owns the pending queue. Every mutation of the queue or the syncing
// flag happens under mu, and every queue mutation is persisted before mu is released.
type SyncWorker struct {
	store        domain.OperationStore
	executor     domain.Executor
	connectivity domain.ConnectivityState
	events       domain.EventPublisher
	retryPolicy  RetryPolicy
	logger       *zerolog.Logger

	now   func() time.Time
	newID func() string

	mu         sync.Mutex
	queue      []models.PendingOperation
	syncing    bool
	lastStamp  int64
	background sync.WaitGroup
}

// NewSyncWorker wires the engine. connectivity and publisher may be nil.
func NewSyncWorker(
	store domain.OperationStore,
	exec domain.Executor,
	connectivity domain.ConnectivityState,
	publisher domain.EventPublisher,
	retry RetryPolicy,
	logger *zerolog.Logger,
) *SyncWorker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &SyncWorker{
		store:        store,
		executor:     exec,
		connectivity: connectivity,
		events:       publisher,
		retryPolicy:  retry.normalized(),
		logger:       logger,
		now:          time.Now,
		newID:        uuid.NewString,
		queue:        []models.PendingOperation{},
	}
}

// Load replaces the in-memory queue with the persisted one. Call once at startup.
func (w *SyncWorker) Load(ctx context.Context) error {
	ops, err := w.store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("%w: load queue: %w", ErrPersistence, err)
	}
	models.SortByEnqueuedAt(ops)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.queue = ops
	for i := range ops {
		if ops[i].EnqueuedAt > w.lastStamp {
			w.lastStamp = ops[i].EnqueuedAt
		}
	}
	metrics.SetQueueDepth(len(w.queue))

	w.logger.Info().Int("depth", len(ops)).Msg("Pending queue loaded")
	return nil
}

// Enqueue validates, stamps and persists a new operation. It never waits on the network:
// when online and idle it starts a background pass and returns.
func (w *SyncWorker) Enqueue(ctx context.Context, kind models.OperationKind, resource string, payload json.RawMessage) (models.PendingOperation, error) {
	if err := validate(kind, resource, payload); err != nil {
		return models.PendingOperation{}, err
	}

	w.mu.Lock()
	op := models.PendingOperation{
		ID:         w.newID(),
		Kind:       kind,
		Resource:   strings.TrimSpace(resource),
		Payload:    append(json.RawMessage(nil), payload...),
		EnqueuedAt: w.nextStampLocked(),
	}

	next := make([]models.PendingOperation, 0, len(w.queue)+1)
	next = append(next, w.queue...)
	next = append(next, op)
	if err := w.commitLocked(ctx, next); err != nil {
		w.mu.Unlock()
		return models.PendingOperation{}, err
	}
	w.mu.Unlock()

	metrics.IncEnqueued(op.Kind.String())
	w.publish(events.EventOperationEnqueued, operationPayload(op, nil))
	w.logger.Debug().Str("operation_id", op.ID).Str("kind", op.Kind.String()).Str("resource", op.Resource).Msg("Operation enqueued")

	w.TriggerSync(ctx)
	return op.Clone(), nil
}

func validate(kind models.OperationKind, resource string, payload json.RawMessage) error {
	if kind == "" {
		return fmt.Errorf("%w: kind is required", ErrValidation)
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrValidation, kind)
	}
	if strings.TrimSpace(resource) == "" {
		return fmt.Errorf("%w: resource is required", ErrValidation)
	}
	if len(payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrValidation)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrValidation)
	}
	return nil
}

// nextStampLocked returns a millisecond timestamp strictly greater than any issued before.
func (w *SyncWorker) nextStampLocked() int64 {
	stamp := w.now().UnixMilli()
	if stamp <= w.lastStamp {
		stamp = w.lastStamp + 1
	}
	w.lastStamp = stamp
	return stamp
}

// commitLocked persists next and makes it the live queue. On failure the live queue
// is left at its last committed value.
func (w *SyncWorker) commitLocked(ctx context.Context, next []models.PendingOperation) error {
	if err := w.store.SaveAll(ctx, next); err != nil {
		w.logger.Error().Err(err).Int("depth", len(w.queue)).Msg("Failed to persist queue, mutation rolled back")
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	w.queue = next
	metrics.SetQueueDepth(len(next))
	return nil
}

// TriggerSync starts a pass in the background when online, idle and non-empty.
// Requests that find a pass running are dropped.
func (w *SyncWorker) TriggerSync(ctx context.Context) {
	if w.connectivity != nil && !w.connectivity.IsOnline() {
		return
	}
	snapshot, ok := w.beginPass()
	if !ok {
		return
	}

	// The caller's request may finish long before the pass does.
	passCtx := context.WithoutCancel(ctx)
	w.background.Add(1)
	go func() {
		defer w.background.Done()
		if err := w.runSnapshot(passCtx, snapshot); err != nil {
			w.logger.Warn().Err(err).Msg("Background sync pass halted")
		}
	}()
}

// ManualSync runs a pass and waits for it. A pass already in flight absorbs the request.
func (w *SyncWorker) ManualSync(ctx context.Context) error {
	if w.connectivity != nil && !w.connectivity.IsOnline() {
		return ErrOffline
	}
	return w.RunPass(ctx)
}

// RunPass processes a snapshot of the queue in order and stops at the first failure.
// It is a no-op when a pass is already running or the queue is empty.
func (w *SyncWorker) RunPass(ctx context.Context) error {
	snapshot, ok := w.beginPass()
	if !ok {
		return nil
	}
	return w.runSnapshot(ctx, snapshot)
}

// beginPass atomically claims the syncing flag and snapshots the queue.
func (w *SyncWorker) beginPass() ([]models.PendingOperation, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.syncing || len(w.queue) == 0 {
		return nil, false
	}
	w.syncing = true
	return models.CloneOperations(w.queue), true
}

func (w *SyncWorker) endPass() {
	w.mu.Lock()
	w.syncing = false
	w.mu.Unlock()
}

func (w *SyncWorker) runSnapshot(ctx context.Context, snapshot []models.PendingOperation) (err error) {
	start := time.Now()
	defer w.endPass()
	defer func() {
		outcome := passOutcomeOK
		if err != nil {
			outcome = passOutcomeHalted
			if isPersistence(err) {
				outcome = passOutcomeError
			}
		}
		metrics.ObservePass(outcome, time.Since(start))
	}()

	w.logger.Debug().Int("operations", len(snapshot)).Msg("Sync pass started")

	// Store writes must not fail because the caller went away.
	commitCtx := context.WithoutCancel(ctx)

	for i := range snapshot {
		op := snapshot[i]
		if err := ctx.Err(); err != nil {
			return err
		}

		execErr := w.executor.Execute(ctx, op)
		if execErr != nil && ctx.Err() != nil {
			// Abandoned by the caller, not a verdict on the operation.
			return ctx.Err()
		}
		if execErr == nil {
			if err := w.markApplied(commitCtx, op); err != nil {
				return err
			}
			continue
		}

		return w.markFailed(commitCtx, op, execErr)
	}

	w.logger.Debug().Int("applied", len(snapshot)).Msg("Sync pass finished")
	return nil
}

func (w *SyncWorker) markApplied(ctx context.Context, op models.PendingOperation) error {
	w.mu.Lock()
	idx := w.indexLocked(op.ID)
	if idx < 0 {
		w.mu.Unlock()
		return nil
	}
	next := make([]models.PendingOperation, 0, len(w.queue)-1)
	next = append(next, w.queue[:idx]...)
	next = append(next, w.queue[idx+1:]...)
	err := w.commitLocked(ctx, next)
	w.mu.Unlock()
	if err != nil {
		// The remote has the change but the store still lists it; it will be sent again.
		return err
	}

	metrics.IncApplied(op.Kind.String())
	w.publish(events.EventOperationApplied, operationPayload(op, nil))
	w.logger.Info().Str("operation_id", op.ID).Str("kind", op.Kind.String()).Str("resource", op.Resource).Msg("Operation synced")
	return nil
}

func (w *SyncWorker) markFailed(ctx context.Context, op models.PendingOperation, cause error) error {
	reason := executor.Classify(cause)
	metrics.IncFailed(reason)

	w.mu.Lock()
	idx := w.indexLocked(op.ID)
	if idx < 0 {
		w.mu.Unlock()
		return &PassError{OperationID: op.ID, RetryCount: op.RetryCount, Err: cause}
	}

	failed := w.queue[idx]
	failed.RetryCount++
	evict := w.retryPolicy.ShouldEvict(failed.RetryCount, cause)

	next := make([]models.PendingOperation, 0, len(w.queue))
	next = append(next, w.queue[:idx]...)
	if !evict {
		next = append(next, failed)
	}
	next = append(next, w.queue[idx+1:]...)
	err := w.commitLocked(ctx, next)
	w.mu.Unlock()
	if err != nil {
		return err
	}

	payload := operationPayload(failed, cause)
	if evict {
		metrics.IncEvicted()
		w.publish(events.EventOperationEvicted, payload)
		w.logger.Error().
			Err(cause).
			Str("operation_id", failed.ID).
			Str("kind", failed.Kind.String()).
			Str("resource", failed.Resource).
			RawJSON("payload", failed.Payload).
			Int64("enqueued_at", failed.EnqueuedAt).
			Int("retry_count", failed.RetryCount).
			Str("reason", reason).
			Msg("Operation evicted, mutation permanently dropped")
	} else {
		w.publish(events.EventOperationFailed, payload)
		w.logger.Warn().
			Err(cause).
			Str("operation_id", failed.ID).
			Int("retry_count", failed.RetryCount).
			Str("reason", reason).
			Msg("Failed to sync operation, pass halted")
	}

	return &PassError{OperationID: failed.ID, RetryCount: failed.RetryCount, Evicted: evict, Err: cause}
}

func (w *SyncWorker) indexLocked(id string) int {
	for i := range w.queue {
		if w.queue[i].ID == id {
			return i
		}
	}
	return -1
}

// ClearAll discards every pending operation. It is refused while a pass runs.
func (w *SyncWorker) ClearAll(ctx context.Context) error {
	w.mu.Lock()
	if w.syncing {
		w.mu.Unlock()
		return ErrSyncInProgress
	}
	discarded := len(w.queue)
	if err := w.commitLocked(ctx, []models.PendingOperation{}); err != nil {
		w.mu.Unlock()
		return err
	}
	w.mu.Unlock()

	w.publish(events.EventQueueCleared, events.QueueClearedPayload{Discarded: discarded})
	w.logger.Warn().Int("discarded", discarded).Msg("Pending queue cleared")
	return nil
}

func (w *SyncWorker) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *SyncWorker) IsSyncing() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncing
}

// Pending returns a copy of the queue, oldest first.
func (w *SyncWorker) Pending() []models.PendingOperation {
	w.mu.Lock()
	defer w.mu.Unlock()
	return models.CloneOperations(w.queue)
}

// Wait blocks until background passes started by TriggerSync have returned.
func (w *SyncWorker) Wait() {
	w.background.Wait()
}

func (w *SyncWorker) publish(eventType string, payload interface{}) {
	if w.events == nil {
		return
	}
	if err := w.events.PublishJSON(eventType, payload); err != nil {
		w.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish event")
	}
}

func operationPayload(op models.PendingOperation, cause error) events.OperationEventPayload {
	p := events.OperationEventPayload{
		OperationID: op.ID,
		Kind:        op.Kind.String(),
		Resource:    op.Resource,
		Payload:     op.Payload,
		EnqueuedAt:  op.EnqueuedAt,
		RetryCount:  op.RetryCount,
	}
	if cause != nil {
		p.Reason = executor.Classify(cause)
		p.StatusCode = executor.StatusCode(cause)
		p.Error = cause.Error()
	}
	return p
}
