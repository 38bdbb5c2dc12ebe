package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// OperationKind is the mutation a queued operation applies remotely.
type OperationKind string

const (
	KindCreate OperationKind = "create"
	KindUpdate OperationKind = "update"
	KindDelete OperationKind = "delete"
)

// Valid reports whether k is one of the supported kinds.
func (k OperationKind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	default:
		return false
	}
}

func (k OperationKind) String() string {
	return string(k)
}

// ParseOperationKind accepts a kind name in any case.
func ParseOperationKind(raw string) (OperationKind, error) {
	kind := OperationKind(strings.ToLower(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", fmt.Errorf("unknown operation kind %q", raw)
	}
	return kind, nil
}

// PendingOperation is one buffered mutation that has not been confirmed by the remote API.
type PendingOperation struct {
	ID         string          `json:"id"`
	Kind       OperationKind   `json:"kind"`
	Resource   string          `json:"resource"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt int64           `json:"enqueued_at"`
	RetryCount int             `json:"retry_count"`
}

// EnqueuedTime returns EnqueuedAt as a time.Time.
func (op PendingOperation) EnqueuedTime() time.Time {
	return time.UnixMilli(op.EnqueuedAt)
}

// Clone returns a copy that does not share the payload buffer.
func (op PendingOperation) Clone() PendingOperation {
	out := op
	if op.Payload != nil {
		out.Payload = append(json.RawMessage(nil), op.Payload...)
	}
	return out
}

// SortByEnqueuedAt orders ops oldest first. Equal timestamps keep their relative order.
func SortByEnqueuedAt(ops []PendingOperation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].EnqueuedAt < ops[j].EnqueuedAt
	})
}

// CloneOperations deep-copies a slice of operations.
func CloneOperations(ops []PendingOperation) []PendingOperation {
	out := make([]PendingOperation, len(ops))
	for i := range ops {
		out[i] = ops[i].Clone()
	}
	return out
}
