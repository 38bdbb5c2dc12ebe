package database

import (
	"context"
	"encoding/json"
	"fmt"

	"fieldsync/internal/models"
)

// LoadAll returns every persisted operation, oldest first.
func (db *DB) LoadAll(ctx context.Context) ([]models.PendingOperation, error) {
	query := `SELECT id, kind, resource, payload, enqueued_at, retry_count
              FROM pending_operations
              ORDER BY enqueued_at ASC, rowid ASC`
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending operations: %w", err)
	}
	defer rows.Close()

	ops := make([]models.PendingOperation, 0)
	for rows.Next() {
		var (
			op      models.PendingOperation
			kind    string
			payload string
		)
		if err := rows.Scan(&op.ID, &kind, &op.Resource, &payload, &op.EnqueuedAt, &op.RetryCount); err != nil {
			return nil, fmt.Errorf("failed to scan pending operation: %w", err)
		}
		op.Kind = models.OperationKind(kind)
		op.Payload = json.RawMessage(payload)
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending operations: %w", err)
	}

	return ops, nil
}

// SaveAll replaces the persisted queue with ops in a single transaction, so a
// concurrent LoadAll sees either the previous set or the new one.
func (db *DB) SaveAll(ctx context.Context, ops []models.PendingOperation) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM pending_operations`); err != nil {
		return fmt.Errorf("failed to clear pending operations: %w", err)
	}

	if len(ops) > 0 {
		stmt, prepErr := tx.PrepareContext(ctx, `INSERT INTO pending_operations (id, kind, resource, payload, enqueued_at, retry_count)
              VALUES (?, ?, ?, ?, ?, ?)`)
		if prepErr != nil {
			err = prepErr
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, op := range ops {
			if _, err = stmt.ExecContext(ctx, op.ID, string(op.Kind), op.Resource, string(op.Payload), op.EnqueuedAt, op.RetryCount); err != nil {
				return fmt.Errorf("failed to insert operation %s: %w", op.ID, err)
			}
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pending operations: %w", err)
	}
	return nil
}

// Count returns the number of persisted operations.
func (db *DB) Count(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_operations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count pending operations: %w", err)
	}
	return n, nil
}
