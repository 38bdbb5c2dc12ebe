package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/internal/events"
	"fieldsync/internal/models"
	"fieldsync/internal/repository"

	"github.com/stretchr/testify/require"
)

type fakeConnectivity struct {
	online atomic.Bool
}

func newFakeConnectivity(online bool) *fakeConnectivity {
	c := &fakeConnectivity{}
	c.online.Store(online)
	return c
}

func (c *fakeConnectivity) IsOnline() bool { return c.online.Load() }

type scriptedExecutor struct {
	mu      sync.Mutex
	calls   []models.PendingOperation
	fail    func(op models.PendingOperation) error
	release chan struct{}
	started chan string

	active    int32
	maxActive int32
}

func (e *scriptedExecutor) Execute(ctx context.Context, op models.PendingOperation) error {
	n := atomic.AddInt32(&e.active, 1)
	defer atomic.AddInt32(&e.active, -1)
	for {
		prev := atomic.LoadInt32(&e.maxActive)
		if n <= prev || atomic.CompareAndSwapInt32(&e.maxActive, prev, n) {
			break
		}
	}

	e.mu.Lock()
	e.calls = append(e.calls, op)
	fail := e.fail
	e.mu.Unlock()

	if e.started != nil {
		e.started <- op.ID
	}
	if e.release != nil {
		<-e.release
	}
	if fail != nil {
		return fail(op)
	}
	return nil
}

func (e *scriptedExecutor) setFail(fn func(op models.PendingOperation) error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail = fn
}

func (e *scriptedExecutor) callIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, len(e.calls))
	for i, op := range e.calls {
		ids[i] = op.ID
	}
	return ids
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type eventRecorder struct {
	mu     sync.Mutex
	events map[string][]events.OperationEventPayload
}

func recordEvents(bus *events.EventBus, types ...string) *eventRecorder {
	rec := &eventRecorder{events: make(map[string][]events.OperationEventPayload)}
	for _, typ := range types {
		typ := typ
		bus.Subscribe(typ, func(ev *events.Event) error {
			p, err := events.DecodeOperation(ev)
			if err != nil {
				return err
			}
			rec.mu.Lock()
			rec.events[typ] = append(rec.events[typ], p)
			rec.mu.Unlock()
			return nil
		})
	}
	return rec
}

func (r *eventRecorder) get(typ string) []events.OperationEventPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.OperationEventPayload(nil), r.events[typ]...)
}

type testRig struct {
	worker       *SyncWorker
	store        *repository.MemoryStore
	executor     *scriptedExecutor
	connectivity *fakeConnectivity
	bus          *events.EventBus
}

func newRig(t *testing.T, online bool, policy RetryPolicy) *testRig {
	t.Helper()
	rig := &testRig{
		store:        repository.NewMemoryStore(),
		executor:     &scriptedExecutor{},
		connectivity: newFakeConnectivity(online),
		bus:          events.NewEventBus(),
	}
	rig.worker = NewSyncWorker(rig.store, rig.executor, rig.connectivity, rig.bus, policy, nil)
	require.NoError(t, rig.worker.Load(context.Background()))
	t.Cleanup(rig.worker.Wait)
	return rig
}

func (r *testRig) enqueue(t *testing.T, kind models.OperationKind, payload string) models.PendingOperation {
	t.Helper()
	op, err := r.worker.Enqueue(context.Background(), kind, "widgets", json.RawMessage(payload))
	require.NoError(t, err)
	return op
}

func fixedClock(ms int64) func() time.Time {
	return func() time.Time { return time.UnixMilli(ms) }
}
