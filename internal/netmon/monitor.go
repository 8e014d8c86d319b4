// Package netmon observes connectivity transitions reported by the
// platform shell and exposes a single boolean online signal.
package netmon

import (
	"sync"

	"github.com/fieldhq/fieldsync/internal/logging"
)

// Status is the raw connectivity signal from the platform. Reachable
// is ternary: nil means the platform has not probed yet.
type Status struct {
	Connected bool
	Reachable *bool
}

// Online collapses the signal: connected and not known-unreachable.
func (s Status) Online() bool {
	return s.Connected && (s.Reachable == nil || *s.Reachable)
}

// Listener is notified on every online/offline transition.
type Listener func(online bool)

// Monitor tracks the current online state and fans transitions out to
// subscribers.
type Monitor struct {
	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]Listener
}

// NewMonitor creates a Monitor that starts offline until the shell
// reports a status.
func NewMonitor() *Monitor {
	return &Monitor{subs: make(map[int]Listener)}
}

// Subscribe registers a listener and returns an unsubscribe func.
// Listeners fire only on transitions, not on repeated same-state
// reports.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Report feeds a connectivity status from the platform. Subscribers
// are notified outside the lock when the online state flips.
func (m *Monitor) Report(status Status) {
	online := status.Online()

	m.mu.Lock()
	if online == m.online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]Listener, 0, len(m.subs))
	for _, fn := range m.subs {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	logging.Info("connectivity changed", map[string]interface{}{"online": online})

	for _, fn := range listeners {
		fn(online)
	}
}

// Online returns the current collapsed online state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}
