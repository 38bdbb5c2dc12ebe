package connectivity

import (
	"sync"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/events"

	"github.com/rs/zerolog"
)

// State is the last observed reachability of the remote API.
type State int

const (
	Offline State = iota
	Online
)

func (s State) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

type listener struct {
	id uint64
	fn func(online bool)
}

// Monitor records connectivity reports and notifies listeners on real transitions only.
// It has no knowledge of the queue.
type Monitor struct {
	// deliver orders transitions and their notifications across concurrent reports.
	deliver sync.Mutex

	mu        sync.Mutex
	state     State
	changedAt time.Time
	listeners []listener
	nextID    uint64
	events    domain.EventPublisher
	logger    *zerolog.Logger
}

func NewMonitor(initialOnline bool, publisher domain.EventPublisher, logger *zerolog.Logger) *Monitor {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	state := Offline
	if initialOnline {
		state = Online
	}
	return &Monitor{
		state:     state,
		changedAt: time.Now(),
		events:    publisher,
		logger:    logger,
	}
}

func (m *Monitor) CurrentState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) IsOnline() bool {
	return m.CurrentState() == Online
}

// ChangedAt returns when the current state was entered.
func (m *Monitor) ChangedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changedAt
}

// OnTransition registers fn for every future state change. The returned func removes it.
func (m *Monitor) OnTransition(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, l := range m.listeners {
				if l.id == id {
					m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Report feeds an observation into the monitor. Repeated identical reports are ignored.
// Listeners see transitions in the order they happened and must not call Report themselves.
func (m *Monitor) Report(online bool) {
	next := Offline
	if online {
		next = Online
	}

	m.deliver.Lock()
	defer m.deliver.Unlock()

	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.changedAt = time.Now()
	observedAt := m.changedAt
	fns := make([]func(bool), len(m.listeners))
	for i, l := range m.listeners {
		fns[i] = l.fn
	}
	m.mu.Unlock()

	m.logger.Info().Str("state", next.String()).Msg("Connectivity changed")

	if m.events != nil {
		if err := m.events.PublishJSON(events.EventConnectivity, events.ConnectivityEventPayload{
			Online:     online,
			ObservedAt: observedAt,
		}); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to publish connectivity event")
		}
	}

	// Listeners run outside mu so they may read the monitor or unsubscribe.
	for _, fn := range fns {
		fn(online)
	}
}
