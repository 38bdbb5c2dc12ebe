package executor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedRequest struct {
	Method string
	Path   string
	Body   string
	Header http.Header
}

func newCapturingServer(t *testing.T, status int) (*httptest.Server, <-chan capturedRequest) {
	t.Helper()
	ch := make(chan capturedRequest, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- capturedRequest{Method: r.Method, Path: r.URL.EscapedPath(), Body: string(body), Header: r.Header.Clone()}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"detail":"nope"}`))
	}))
	t.Cleanup(srv.Close)
	return srv, ch
}

func operation(kind models.OperationKind, payload string) models.PendingOperation {
	return models.PendingOperation{
		ID:       "op-1",
		Kind:     kind,
		Resource: "widgets",
		Payload:  json.RawMessage(payload),
	}
}

func TestExecuteRouting(t *testing.T) {
	tests := []struct {
		name       string
		kind       models.OperationKind
		payload    string
		wantMethod string
		wantPath   string
		wantBody   bool
	}{
		{name: "create posts to collection", kind: models.KindCreate, payload: `{"name":"A"}`, wantMethod: http.MethodPost, wantPath: "/api/widgets", wantBody: true},
		{name: "update puts to record", kind: models.KindUpdate, payload: `{"id":"A","name":"A2"}`, wantMethod: http.MethodPut, wantPath: "/api/widgets/A", wantBody: true},
		{name: "numeric id", kind: models.KindUpdate, payload: `{"id":42}`, wantMethod: http.MethodPut, wantPath: "/api/widgets/42", wantBody: true},
		{name: "delete targets record", kind: models.KindDelete, payload: `{"id":"A"}`, wantMethod: http.MethodDelete, wantPath: "/api/widgets/A"},
		{name: "id is escaped", kind: models.KindDelete, payload: `{"id":"a/b"}`, wantMethod: http.MethodDelete, wantPath: "/api/widgets/a%2Fb"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, reqs := newCapturingServer(t, http.StatusOK)
			exec := NewHTTPExecutor(config.RemoteConfig{BaseURL: srv.URL + "/api/"}, nil)

			require.NoError(t, exec.Execute(context.Background(), operation(tt.kind, tt.payload)))

			got := <-reqs
			assert.Equal(t, tt.wantMethod, got.Method)
			assert.Equal(t, tt.wantPath, got.Path)
			if tt.wantBody {
				assert.JSONEq(t, tt.payload, got.Body)
				assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
			} else {
				assert.Empty(t, got.Body)
			}
			assert.Equal(t, "op-1", got.Header.Get("Idempotency-Key"))
		})
	}
}

func TestExecuteHeadersAndAuth(t *testing.T) {
	srv, reqs := newCapturingServer(t, http.StatusCreated)
	exec := NewHTTPExecutor(config.RemoteConfig{
		BaseURL:   srv.URL,
		AuthToken: "tok",
		Headers:   map[string]string{"X-Device": "tablet-7"},
	}, nil)

	require.NoError(t, exec.Execute(context.Background(), operation(models.KindCreate, `{}`)))

	got := <-reqs
	assert.Equal(t, "Bearer tok", got.Header.Get("Authorization"))
	assert.Equal(t, "tablet-7", got.Header.Get("X-Device"))
}

func TestExecuteConfiguredHeadersCannotOverrideReserved(t *testing.T) {
	srv, reqs := newCapturingServer(t, http.StatusCreated)
	exec := NewHTTPExecutor(config.RemoteConfig{
		BaseURL:   srv.URL,
		AuthToken: "tok",
		Headers: map[string]string{
			"Idempotency-Key": "fixed",
			"Content-Type":    "text/plain",
			"Authorization":   "Basic abc",
			"X-Device":        "tablet-7",
		},
	}, nil)

	op := operation(models.KindCreate, `{}`)
	require.NoError(t, exec.Execute(context.Background(), op))

	got := <-reqs
	assert.Equal(t, op.ID, got.Header.Get("Idempotency-Key"))
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "Bearer tok", got.Header.Get("Authorization"))
	assert.Equal(t, "tablet-7", got.Header.Get("X-Device"))
}

func TestExecuteMalformedPayloadMakesNoCall(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(config.RemoteConfig{BaseURL: srv.URL}, nil)
	cases := []models.PendingOperation{
		operation(models.KindUpdate, `{"name":"no id"}`),
		operation(models.KindDelete, `{"id":""}`),
		operation(models.KindDelete, `{"id":null}`),
		operation(models.KindUpdate, `{"id":{"nested":true}}`),
		operation(models.KindUpdate, `[1,2]`),
		operation(models.KindCreate, `{broken`),
		operation(models.OperationKind("upsert"), `{"id":"A"}`),
		{ID: "x", Kind: models.KindCreate, Payload: json.RawMessage(`{}`)},
	}

	for _, op := range cases {
		err := exec.Execute(context.Background(), op)
		assert.ErrorIs(t, err, ErrMalformedPayload, "payload %s", op.Payload)
		assert.Equal(t, ReasonMalformedPayload, Classify(err))
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestExecuteRemoteRejected(t *testing.T) {
	srv, _ := newCapturingServer(t, http.StatusUnprocessableEntity)
	exec := NewHTTPExecutor(config.RemoteConfig{BaseURL: srv.URL}, nil)

	err := exec.Execute(context.Background(), operation(models.KindCreate, `{}`))

	var rejected *RemoteRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusUnprocessableEntity, rejected.StatusCode)
	assert.Contains(t, rejected.Body, "nope")
	assert.True(t, rejected.ClientError())
	assert.Equal(t, ReasonRemoteRejected, Classify(err))
	assert.Equal(t, http.StatusUnprocessableEntity, StatusCode(err))
}

func TestExecuteTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	exec := NewHTTPExecutor(config.RemoteConfig{BaseURL: url, TimeoutSeconds: 1}, nil)
	err := exec.Execute(context.Background(), operation(models.KindCreate, `{}`))

	var transport *TransportError
	require.True(t, errors.As(err, &transport))
	assert.Equal(t, ReasonTransport, Classify(err))
	assert.Equal(t, 0, StatusCode(err))
}

func TestExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	exec := NewHTTPExecutor(config.RemoteConfig{BaseURL: srv.URL}, nil)
	exec.client.Timeout = 50 * time.Millisecond

	err := exec.Execute(context.Background(), operation(models.KindCreate, `{}`))
	assert.Equal(t, ReasonTransport, Classify(err))
}

func TestExecuteRateLimited(t *testing.T) {
	srv, reqs := newCapturingServer(t, http.StatusOK)
	exec := NewHTTPExecutor(config.RemoteConfig{
		BaseURL:   srv.URL,
		RateLimit: config.RateLimitConfig{RPS: 0.001, Burst: 1},
	}, nil)

	require.NoError(t, exec.Execute(context.Background(), operation(models.KindCreate, `{}`)))
	<-reqs

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := exec.Execute(ctx, operation(models.KindCreate, `{}`))
	assert.Equal(t, ReasonTransport, Classify(err))
	assert.Empty(t, reqs)
}

func TestRecordID(t *testing.T) {
	id, err := RecordID(json.RawMessage(`{"id":"abc"}`))
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	id, err = RecordID(json.RawMessage(`{"id":1.5e3}`))
	require.NoError(t, err)
	assert.Equal(t, "1.5e3", id)

	_, err = RecordID(json.RawMessage(`{"id":true}`))
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ReasonNone, Classify(nil))
	assert.Equal(t, ReasonUnknown, Classify(errors.New("other")))
	assert.False(t, (&RemoteRejectedError{StatusCode: 500}).ClientError())
	assert.False(t, (&RemoteRejectedError{StatusCode: 429}).ClientError())
	assert.True(t, (&RemoteRejectedError{StatusCode: 404}).ClientError())
}
