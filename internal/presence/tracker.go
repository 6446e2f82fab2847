package presence

import (
	"sync"
	"time"

	"github.com/deptportal/msgcore/internal/bus"
	"go.uber.org/zap"
)

// DefaultTypingTimeout clears a typing flag whose typing=false event never arrived.
const DefaultTypingTimeout = 8 * time.Second

// Change is the payload of a presence.changed event.
type Change struct {
	UserID string
	State  PeerState
}

// Tracker is the single writer of the presence State. Readers get snapshots.
type Tracker struct {
	mu      sync.Mutex
	state   State
	gen     uint64
	timers  map[string]Timer
	timeout time.Duration
	clock   Clock
	bus     *bus.Bus
	logger  *zap.Logger
}

// NewTracker creates a tracker. A zero timeout selects DefaultTypingTimeout and a
// nil clock selects RealClock.
func NewTracker(timeout time.Duration, clock Clock, b *bus.Bus, logger *zap.Logger) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		timers:  make(map[string]Timer),
		timeout: timeout,
		clock:   clock,
		bus:     b,
		logger:  logger,
	}
}

// SetOnline records an online/offline event.
func (t *Tracker) SetOnline(userID string, online bool) {
	t.mu.Lock()
	if !online {
		t.stopTimerLocked(userID)
	}
	t.applyLocked(Event{Kind: EventOnline, UserID: userID, Value: online})
}

// SetTyping records a typing event. typing=true arms a timeout that clears the
// flag if no typing=false follows; a repeated typing=true re-arms it.
func (t *Tracker) SetTyping(userID string, typing bool) {
	t.mu.Lock()
	t.stopTimerLocked(userID)
	if !typing {
		t.applyLocked(Event{Kind: EventTyping, UserID: userID, Value: false})
		return
	}
	t.gen++
	gen := t.gen
	t.timers[userID] = t.clock.AfterFunc(t.timeout, func() {
		t.expire(userID, gen)
	})
	t.applyLocked(Event{Kind: EventTyping, UserID: userID, Value: true, Gen: gen})
}

func (t *Tracker) expire(userID string, gen uint64) {
	t.mu.Lock()
	if cur, ok := t.state.typing[userID]; ok && cur == gen {
		delete(t.timers, userID)
		t.logger.Debug("typing indicator expired", zap.String("user_id", userID))
	}
	t.applyLocked(Event{Kind: EventTypingExpired, UserID: userID, Gen: gen})
}

// applyLocked must be called with t.mu held; it releases the lock before publishing.
func (t *Tracker) applyLocked(evt Event) {
	prev := t.state
	t.state = Apply(prev, evt)
	before, after := prev.Peer(evt.UserID), t.state.Peer(evt.UserID)
	t.mu.Unlock()

	if before != after {
		t.bus.Publish(bus.NewEvent(bus.KindPresenceChanged, Change{UserID: evt.UserID, State: after}))
	}
}

func (t *Tracker) stopTimerLocked(userID string) {
	if tm, ok := t.timers[userID]; ok {
		tm.Stop()
		delete(t.timers, userID)
	}
}

// Snapshot returns the current state. States are immutable, so the value can be
// kept and read freely; it does not follow later events.
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Peer returns the current derived state for one peer.
func (t *Tracker) Peer(userID string) PeerState {
	return t.Snapshot().Peer(userID)
}

// Stop cancels every pending typing timeout.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
}
