package worker

import (
	"errors"

	"fieldsync/internal/executor"
	"fieldsync/internal/models"
)

// RetryPolicy decides when a failing operation is dropped from the queue.
type RetryPolicy struct {
	// MaxRetries is the attempt count at which an operation is evicted.
	MaxRetries int
	// EvictOnReject evicts 4xx rejections and malformed payloads on the first failure.
	EvictOnReject bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: models.MaxRetries}
}

func (r RetryPolicy) normalized() RetryPolicy {
	if r.MaxRetries <= 0 {
		r.MaxRetries = models.MaxRetries
	}
	return r
}

// ShouldEvict reports whether an operation that has now failed retryCount times must go.
func (r RetryPolicy) ShouldEvict(retryCount int, cause error) bool {
	r = r.normalized()
	if retryCount >= r.MaxRetries {
		return true
	}
	if !r.EvictOnReject {
		return false
	}
	if errors.Is(cause, executor.ErrMalformedPayload) {
		return true
	}
	var rejected *executor.RemoteRejectedError
	return errors.As(cause, &rejected) && rejected.ClientError()
}
