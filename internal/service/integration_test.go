package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"fieldsync/internal/config"
	"fieldsync/internal/connectivity"
	"fieldsync/internal/events"
	"fieldsync/internal/executor"
	"fieldsync/internal/models"
	"fieldsync/internal/repository"
	"fieldsync/internal/worker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueService_OfflineEditsReachServerInOrder(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ctx := context.Background()
	bus := events.NewEventBus()
	monitor := connectivity.NewMonitor(false, bus, nil)
	store := repository.NewMemoryStore()
	exec := executor.NewHTTPExecutor(config.RemoteConfig{BaseURL: srv.URL}, nil)
	engine := worker.NewSyncWorker(store, exec, monitor, bus, worker.DefaultRetryPolicy(), nil)
	require.NoError(t, engine.Load(ctx))

	s := NewQueueService(engine, monitor, nil)
	s.Start(ctx)
	defer s.Close()

	_, err := s.Enqueue(ctx, models.KindCreate, "widgets", json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, models.KindUpdate, "widgets", json.RawMessage(`{"id":"A","name":"A2"}`))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, models.KindDelete, "widgets", json.RawMessage(`{"id":"A"}`))
	require.NoError(t, err)

	assert.Equal(t, 3, s.CurrentQueueDepth())
	assert.ErrorIs(t, s.ManualSync(ctx), worker.ErrOffline)

	monitor.Report(true)
	engine.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"POST /widgets", "PUT /widgets/A", "DELETE /widgets/A"}, seen)
	assert.Equal(t, 0, s.CurrentQueueDepth())
	assert.False(t, s.IsSyncing())
}
