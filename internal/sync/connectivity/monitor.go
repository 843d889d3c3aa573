// Package connectivity observes online/offline transitions and emits
// edge-triggered events.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/logging"
)

// Event is an edge-triggered connectivity transition. Steady state emits
// nothing; flapping may emit repeated edges and consumers must tolerate
// redundant triggers.
type Event int

const (
	BecameOnline Event = iota
	BecameOffline
)

// String returns the event name.
func (e Event) String() string {
	if e == BecameOnline {
		return "became-online"
	}
	return "became-offline"
}

// Provider is the host-platform capability the monitor consumes: a point
// check of whether the remote side is reachable.
type Provider interface {
	Check(ctx context.Context) bool
}

// Monitor polls a Provider and fans edge events out to subscribers. The
// current boolean is also settable directly so host-platform callbacks
// (or tests) can feed transitions without polling.
type Monitor struct {
	provider Provider
	interval time.Duration

	mu      sync.Mutex
	online  bool
	subs    map[int]chan Event
	nextID  int
	stopCh  chan struct{}
	started bool
	wg      sync.WaitGroup
}

// NewMonitor creates a Monitor. provider may be nil, in which case the
// monitor only reflects SetOnline calls. The monitor starts offline;
// the first successful check emits a became-online edge.
func NewMonitor(provider Provider, interval time.Duration) *Monitor {
	return &Monitor{
		provider: provider,
		interval: interval,
		subs:     make(map[int]chan Event),
		stopCh:   make(chan struct{}),
	}
}

// Start begins polling the provider. No-op without a provider.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.provider == nil {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.poll(ctx)
}

// Stop halts polling. Subscriptions stay valid for SetOnline feeds.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) poll(ctx context.Context) {
	defer m.wg.Done()

	// Establish the initial state immediately rather than waiting a tick.
	m.SetOnline(m.provider.Check(ctx))

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.SetOnline(m.provider.Check(ctx))
		}
	}
}

// Online returns the current connectivity boolean.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the current connectivity and emits an edge event to
// all subscribers if the state changed.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online

	event := BecameOffline
	if online {
		event = BecameOnline
	}
	channels := make([]chan Event, 0, len(m.subs))
	for _, ch := range m.subs {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	logging.Info("connectivity changed", map[string]interface{}{"event": event.String()})

	for _, ch := range channels {
		// Non-blocking: a slow subscriber misses intermediate edges but
		// always observes the latest state via Online().
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel of edge events and an unsubscribe function.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := make(chan Event, 4)
	m.subs[id] = ch
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
