package domain

import (
	"context"
	"encoding/json"

	"fieldsync/internal/models"
)

// OperationStore is the durable home of the pending queue.
type OperationStore interface {
	// LoadAll returns every persisted operation ordered by EnqueuedAt.
	LoadAll(ctx context.Context) ([]models.PendingOperation, error)
	// SaveAll atomically replaces the persisted set with ops.
	SaveAll(ctx context.Context, ops []models.PendingOperation) error
}

// Executor performs exactly one remote attempt for an operation.
type Executor interface {
	Execute(ctx context.Context, op models.PendingOperation) error
}

// ConnectivityState exposes the last observed reachability.
type ConnectivityState interface {
	IsOnline() bool
}

// ConnectivitySource additionally delivers edge-triggered transitions.
type ConnectivitySource interface {
	ConnectivityState
	OnTransition(listener func(online bool)) (unsubscribe func())
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

// SyncEngine is the single writer over the in-memory queue.
type SyncEngine interface {
	Enqueue(ctx context.Context, kind models.OperationKind, resource string, payload json.RawMessage) (models.PendingOperation, error)
	RunPass(ctx context.Context) error
	ManualSync(ctx context.Context) error
	TriggerSync(ctx context.Context)
	Depth() int
	IsSyncing() bool
	Pending() []models.PendingOperation
	ClearAll(ctx context.Context) error
	Wait()
}

// QueueManager is the caller-facing facade used by the control API.
type QueueManager interface {
	Enqueue(ctx context.Context, kind models.OperationKind, resource string, payload json.RawMessage) (models.PendingOperation, error)
	ManualSync(ctx context.Context) error
	CurrentQueueDepth() int
	IsSyncing() bool
	IsOnline() bool
	Pending() []models.PendingOperation
	ClearAll(ctx context.Context) error
}
