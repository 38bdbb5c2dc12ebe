package worker

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"fieldsync/internal/executor"
	"fieldsync/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicyShouldEvict(t *testing.T) {
	transport := &executor.TransportError{Err: errors.New("reset")}
	notFound := &executor.RemoteRejectedError{StatusCode: http.StatusNotFound}
	unavailable := &executor.RemoteRejectedError{StatusCode: http.StatusServiceUnavailable}
	malformed := fmt.Errorf("%w: missing id", executor.ErrMalformedPayload)

	tests := []struct {
		name   string
		policy RetryPolicy
		count  int
		cause  error
		want   bool
	}{
		{name: "below ceiling", policy: DefaultRetryPolicy(), count: 4, cause: transport, want: false},
		{name: "at ceiling", policy: DefaultRetryPolicy(), count: 5, cause: transport, want: true},
		{name: "4xx counted by default", policy: DefaultRetryPolicy(), count: 1, cause: notFound, want: false},
		{name: "4xx evicted when strict", policy: RetryPolicy{EvictOnReject: true}, count: 1, cause: notFound, want: true},
		{name: "5xx retried when strict", policy: RetryPolicy{EvictOnReject: true}, count: 1, cause: unavailable, want: false},
		{name: "malformed evicted when strict", policy: RetryPolicy{EvictOnReject: true}, count: 1, cause: malformed, want: true},
		{name: "zero policy uses default ceiling", policy: RetryPolicy{}, count: models.MaxRetries, cause: transport, want: true},
		{name: "custom ceiling", policy: RetryPolicy{MaxRetries: 2}, count: 2, cause: transport, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.ShouldEvict(tt.count, tt.cause))
		})
	}
}

func TestPassErrorMatching(t *testing.T) {
	cause := &executor.RemoteRejectedError{StatusCode: http.StatusBadGateway}

	halted := &PassError{OperationID: "a", RetryCount: 1, Err: cause}
	assert.NotErrorIs(t, halted, ErrRetryCeilingExceeded)
	assert.Equal(t, http.StatusBadGateway, executor.StatusCode(halted))
	assert.Contains(t, halted.Error(), "attempt 1")

	evicted := &PassError{OperationID: "a", RetryCount: 5, Evicted: true, Err: cause}
	assert.ErrorIs(t, evicted, ErrRetryCeilingExceeded)
	assert.Contains(t, evicted.Error(), "evicted")
}
