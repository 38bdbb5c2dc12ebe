package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/events"
	"fieldsync/internal/executor"
	"fieldsync/internal/models"
	"fieldsync/internal/repository"
	"fieldsync/internal/worker"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Enqueue(ctx context.Context, kind models.OperationKind, resource string, payload json.RawMessage) (models.PendingOperation, error) {
	args := m.Called(ctx, kind, resource, payload)
	return args.Get(0).(models.PendingOperation), args.Error(1)
}

func (m *MockQueue) ManualSync(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockQueue) CurrentQueueDepth() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockQueue) IsSyncing() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockQueue) IsOnline() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockQueue) Pending() []models.PendingOperation {
	args := m.Called()
	return args.Get(0).([]models.PendingOperation)
}

func (m *MockQueue) ClearAll(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

type fakeDeadLetters struct {
	entries []repository.DeadLetterEntry
	err     error
	asked   int64
}

func (f *fakeDeadLetters) List(_ context.Context, n int64) ([]repository.DeadLetterEntry, error) {
	f.asked = n
	return f.entries, f.err
}

func newTestHTTPServer(t *testing.T, queue *MockQueue, deadLetters DeadLetterReader) *httptest.Server {
	t.Helper()
	cfg := config.APIConfig{Enabled: true, HTTP: config.APIHTTPConfig{Enabled: true}}
	logger := zerolog.New(io.Discard)

	srv := NewHTTPServer(&cfg, queue, deadLetters, &logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &decoded))
	}
	return resp, decoded
}

func TestHandleOperations(t *testing.T) {
	queue := new(MockQueue)
	ts := newTestHTTPServer(t, queue, nil)

	op := models.PendingOperation{ID: "op-1", Kind: models.KindCreate, Resource: "widgets", Payload: json.RawMessage(`{"name":"A"}`), EnqueuedAt: 1}
	queue.On("Enqueue", mock.Anything, models.KindCreate, "widgets", json.RawMessage(`{"name":"A"}`)).Return(op, nil).Once()
	queue.On("Enqueue", mock.Anything, models.OperationKind("upsert"), "widgets", mock.Anything).
		Return(models.PendingOperation{}, fmt.Errorf("%w: unknown kind", worker.ErrValidation)).Once()
	queue.On("Enqueue", mock.Anything, models.KindDelete, "widgets", mock.Anything).
		Return(models.PendingOperation{}, fmt.Errorf("%w: disk full", worker.ErrPersistence)).Once()

	t.Run("Accepted", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/operations", `{"kind":"CREATE","resource":"widgets","payload":{"name":"A"}}`)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		operation := body["operation"].(map[string]any)
		assert.Equal(t, "op-1", operation["id"])
	})

	t.Run("ValidationError", func(t *testing.T) {
		resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/operations", `{"kind":"upsert","resource":"widgets","payload":{}}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, body["error"], "validation")
	})

	t.Run("PersistenceError", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/v1/operations", `{"kind":"delete","resource":"widgets","payload":{"id":"A"}}`)
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})

	t.Run("BadJSON", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/v1/operations", `{"kind":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("UnknownField", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodPost, ts.URL+"/api/v1/operations", `{"kind":"create","resource":"w","payload":{},"extra":1}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/operations", "")
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	})

	queue.AssertExpectations(t)
}

func TestHandleSync(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "ok", err: nil, wantStatus: http.StatusOK},
		{name: "offline", err: worker.ErrOffline, wantStatus: http.StatusServiceUnavailable},
		{
			name:       "halted",
			err:        &worker.PassError{OperationID: "op-1", RetryCount: 2, Err: &executor.RemoteRejectedError{StatusCode: 500}},
			wantStatus: http.StatusBadGateway,
		},
		{name: "persistence", err: fmt.Errorf("%w: io", worker.ErrPersistence), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := new(MockQueue)
			ts := newTestHTTPServer(t, queue, nil)
			queue.On("ManualSync", mock.Anything).Return(tt.err)
			queue.On("CurrentQueueDepth").Return(1).Maybe()
			queue.On("IsSyncing").Return(false).Maybe()

			resp, body := doRequest(t, http.MethodPost, ts.URL+"/api/v1/sync", "")
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantStatus == http.StatusBadGateway {
				assert.Equal(t, "op-1", body["operation_id"])
				assert.Equal(t, float64(2), body["retry_count"])
				assert.Equal(t, false, body["evicted"])
			}
		})
	}
}

func TestHandleQueue(t *testing.T) {
	queue := new(MockQueue)
	ts := newTestHTTPServer(t, queue, nil)

	ops := []models.PendingOperation{{ID: "a", Kind: models.KindCreate, Resource: "widgets", Payload: json.RawMessage(`{}`), EnqueuedAt: 1}}
	queue.On("CurrentQueueDepth").Return(1)
	queue.On("IsSyncing").Return(false)
	queue.On("IsOnline").Return(true)
	queue.On("Pending").Return(ops)

	resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/queue", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["depth"])
	assert.Equal(t, true, body["online"])
	assert.Len(t, body["operations"], 1)

	resp, _ = doRequest(t, http.MethodPut, ts.URL+"/api/v1/queue", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandleClear(t *testing.T) {
	queue := new(MockQueue)
	ts := newTestHTTPServer(t, queue, nil)

	queue.On("ClearAll", mock.Anything).Return(nil).Once()
	queue.On("ClearAll", mock.Anything).Return(worker.ErrSyncInProgress).Once()
	queue.On("ClearAll", mock.Anything).Return(fmt.Errorf("%w: io", worker.ErrPersistence)).Once()

	resp, _ := doRequest(t, http.MethodDelete, ts.URL+"/api/v1/queue", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodDelete, ts.URL+"/api/v1/queue", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = doRequest(t, http.MethodDelete, ts.URL+"/api/v1/queue", "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	queue.AssertExpectations(t)
}

func TestHandleExport(t *testing.T) {
	queue := new(MockQueue)
	ts := newTestHTTPServer(t, queue, nil)

	queue.On("Pending").Return([]models.PendingOperation{
		{ID: "a", Kind: models.KindCreate, Resource: "widgets", Payload: json.RawMessage(`{}`), EnqueuedAt: time.Now().UnixMilli()},
	})

	resp, err := http.Get(ts.URL + "/api/v1/queue/export")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, xlsxContentType, resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "pending_")

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Pending")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestHandleDeadLetters(t *testing.T) {
	t.Run("NotConfigured", func(t *testing.T) {
		ts := newTestHTTPServer(t, new(MockQueue), nil)
		resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/deadletter", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("List", func(t *testing.T) {
		dl := &fakeDeadLetters{entries: []repository.DeadLetterEntry{
			{Operation: events.OperationEventPayload{OperationID: "gone", RetryCount: 5}},
		}}
		ts := newTestHTTPServer(t, new(MockQueue), dl)

		resp, body := doRequest(t, http.MethodGet, ts.URL+"/api/v1/deadletter?limit=10", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Len(t, body["dead_letters"], 1)
		assert.Equal(t, int64(10), dl.asked)
	})

	t.Run("BadLimit", func(t *testing.T) {
		ts := newTestHTTPServer(t, new(MockQueue), &fakeDeadLetters{})
		resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/deadletter?limit=-1", "")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("StoreError", func(t *testing.T) {
		ts := newTestHTTPServer(t, new(MockQueue), &fakeDeadLetters{err: errors.New("redis down")})
		resp, _ := doRequest(t, http.MethodGet, ts.URL+"/api/v1/deadletter", "")
		assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	})
}

func TestHandleHealth(t *testing.T) {
	queue := new(MockQueue)
	ts := newTestHTTPServer(t, queue, nil)
	queue.On("IsOnline").Return(false)
	queue.On("CurrentQueueDepth").Return(3)

	resp, body := doRequest(t, http.MethodGet, ts.URL+healthPath, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["online"])
	assert.Equal(t, float64(3), body["depth"])
}
