package repository

import (
	"context"
	"sync"

	"fieldsync/internal/models"
)

// MemoryStore is a process-local store. The queue does not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	ops     []models.PendingOperation
	failErr error
	saves   int
}

func NewMemoryStore(initial ...models.PendingOperation) *MemoryStore {
	ops := models.CloneOperations(initial)
	models.SortByEnqueuedAt(ops)
	return &MemoryStore{ops: ops}
}

func (r *MemoryStore) LoadAll(ctx context.Context) ([]models.PendingOperation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.failErr != nil {
		return nil, r.failErr
	}
	return models.CloneOperations(r.ops), nil
}

func (r *MemoryStore) SaveAll(ctx context.Context, ops []models.PendingOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if r.failErr != nil {
		return r.failErr
	}
	r.ops = models.CloneOperations(ops)
	r.saves++
	return nil
}

// FailWith makes every subsequent call return err until it is cleared with nil.
func (r *MemoryStore) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failErr = err
}

// Saves reports how many SaveAll calls have committed.
func (r *MemoryStore) Saves() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}
