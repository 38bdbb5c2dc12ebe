package executor

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrMalformedPayload means the operation cannot be turned into a request at all.
var ErrMalformedPayload = errors.New("malformed payload")

// RemoteRejectedError is returned for any non-2xx response.
type RemoteRejectedError struct {
	StatusCode int
	Body       string
}

func (e *RemoteRejectedError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote rejected operation: status %d", e.StatusCode)
	}
	return fmt.Sprintf("remote rejected operation: status %d: %s", e.StatusCode, e.Body)
}

// ClientError reports a 4xx rejection, which retrying will not fix.
func (e *RemoteRejectedError) ClientError() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 &&
		e.StatusCode != http.StatusRequestTimeout && e.StatusCode != http.StatusTooManyRequests
}

// TransportError wraps network failures and timeouts.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

const (
	ReasonNone             = "none"
	ReasonMalformedPayload = "malformed_payload"
	ReasonRemoteRejected   = "remote_rejected"
	ReasonTransport        = "transport"
	ReasonUnknown          = "unknown"
)

// Classify maps err to a stable label for logs and metrics.
func Classify(err error) string {
	if err == nil {
		return ReasonNone
	}
	var rejected *RemoteRejectedError
	var transport *TransportError
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return ReasonMalformedPayload
	case errors.As(err, &rejected):
		return ReasonRemoteRejected
	case errors.As(err, &transport):
		return ReasonTransport
	default:
		return ReasonUnknown
	}
}

// StatusCode extracts the HTTP status from a rejection, or 0.
func StatusCode(err error) int {
	var rejected *RemoteRejectedError
	if errors.As(err, &rejected) {
		return rejected.StatusCode
	}
	return 0
}
