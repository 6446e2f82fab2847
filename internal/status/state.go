// Package status tracks the connection state of the live update feed.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/deptportal/msgcore/internal/bus"
)

// State represents a feed connection state.
type State string

const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Live         State = "LIVE"
	Reconnecting State = "RECONNECTING"
	// Degraded means the feed is down for longer than one reconnect attempt; the
	// REST read paths still work.
	Degraded State = "DEGRADED"
	Error    State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:      {AuthRequired, Connecting, Error},
	AuthRequired: {Connecting, Error},
	Connecting:   {Live, AuthRequired, Reconnecting, Degraded, Error},
	Live:         {Reconnecting, Degraded, AuthRequired, Error},
	Reconnecting: {Connecting, Degraded, AuthRequired, Error},
	Degraded:     {Connecting, Reconnecting, AuthRequired, Error},
	Error:        {Booting},
}

// Live reports whether live updates are flowing.
func (s State) Live() bool { return s == Live }

// Machine enforces feed state transitions and publishes each change on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	now     func() time.Time
	bus     *bus.Bus
}

// NewMachine returns a Machine in Booting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, since: time.Now(), now: time.Now, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns the current state and when the machine entered it.
func (m *Machine) Since() (State, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current, m.since
}

// Transition moves to the given state, or fails if the move is not allowed
// from the current one.
func (m *Machine) Transition(to State) error {
	return m.move(to, false)
}

// Ensure is Transition, except that staying in the current state is a no-op.
func (m *Machine) Ensure(to State) error {
	return m.move(to, true)
}

func (m *Machine) move(to State, idempotent bool) error {
	m.mu.Lock()
	from := m.current
	if idempotent && from == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.current = to
	m.since = m.now()
	m.mu.Unlock()

	m.bus.Publish(bus.NewEvent(bus.KindFeedStatusChanged, StatusChange{From: from, To: to}))
	return nil
}

// StatusChange is the payload of feed.status_changed.
type StatusChange struct {
	From State
	To   State
}
