package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventOperationEnqueued = "operation_enqueued"
	EventOperationApplied  = "operation_applied"
	EventOperationFailed   = "operation_failed"
	// EventOperationEvicted fires when an operation is permanently dropped without ever succeeding.
	EventOperationEvicted = "operation_evicted"
	EventConnectivity     = "connectivity_changed"
	EventQueueCleared     = "queue_cleared"
)

// OperationEventPayload describes the operation snapshot delivered to event consumers.
type OperationEventPayload struct {
	OperationID string          `json:"operation_id"`
	Kind        string          `json:"kind"`
	Resource    string          `json:"resource"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt  int64           `json:"enqueued_at"`
	RetryCount  int             `json:"retry_count"`
	Reason      string          `json:"reason,omitempty"`
	StatusCode  int             `json:"status_code,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ConnectivityEventPayload reports an observed connectivity transition.
type ConnectivityEventPayload struct {
	Online     bool      `json:"online"`
	ObservedAt time.Time `json:"observed_at"`
}

// QueueClearedPayload reports how many operations an operator discarded.
type QueueClearedPayload struct {
	Discarded int `json:"discarded"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *EventBus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously on the publisher's goroutine.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// DecodeOperation unmarshals an operation event payload.
func DecodeOperation(ev *Event) (OperationEventPayload, error) {
	var payload OperationEventPayload
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return payload, err
	}
	return payload, nil
}
