package status

import (
	"testing"
	"time"

	"github.com/deptportal/msgcore/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, AuthRequired},
		{Booting, Connecting},
		{Booting, Error},
		{AuthRequired, Connecting},
		{Connecting, Live},
		{Connecting, Degraded},
		{Live, Reconnecting},
		{Reconnecting, Connecting},
		{Degraded, Connecting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Live); err == nil {
		t.Error("Transition(BOOTING -> LIVE) should fail")
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("feed.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(AuthRequired); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindFeedStatusChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.KindFeedStatusChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != AuthRequired {
		t.Errorf("change = %v -> %v, want BOOTING -> AUTH_REQUIRED", change.From, change.To)
	}
}

// An expired token must force the user back through CONNECTING; the feed may
// not jump from AUTH_REQUIRED straight to LIVE.
func TestAuthToLiveRequiresConnecting(t *testing.T) {
	m := NewMachine(nil)
	_ = m.Transition(AuthRequired)

	if err := m.Transition(Live); err == nil {
		t.Fatal("Transition(AUTH_REQUIRED -> LIVE) should fail")
	}
	if m.Current() != AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED (should not have changed)", m.Current())
	}
	if err := m.Transition(Connecting); err != nil {
		t.Fatalf("AUTH_REQUIRED -> CONNECTING: %v", err)
	}
	if err := m.Transition(Live); err != nil {
		t.Fatalf("CONNECTING -> LIVE: %v", err)
	}
}

// TestDisconnectReconnectCycle verifies the reconnect loop:
// LIVE → RECONNECTING → CONNECTING → LIVE
func TestDisconnectReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Live)

	for _, s := range []State{Reconnecting, Connecting, Live} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Live {
		t.Errorf("final state = %s, want LIVE", m.Current())
	}
}

func TestEnsureIsIdempotent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("feed.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Ensure(Connecting); err != nil {
		t.Fatal(err)
	}
	if err := m.Ensure(Connecting); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if len(ch) != 1 {
		t.Errorf("published %d events, want 1", len(ch))
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:      {},
		AuthRequired: {AuthRequired},
		Connecting:   {AuthRequired, Connecting},
		Live:         {Connecting, Live},
		Reconnecting: {Connecting, Live, Reconnecting},
		Degraded:     {Connecting, Degraded},
		Error:        {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}

func TestSinceTracksLastTransition(t *testing.T) {
	m := NewMachine(nil)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return at }

	walkTo(t, m, Live)
	st, since := m.Since()
	if st != Live || !since.Equal(at) {
		t.Errorf("Since() = %s, %v; want LIVE, %v", st, since, at)
	}
	if !st.Live() || Degraded.Live() {
		t.Error("Live() misreports")
	}

	// A no-op Ensure keeps the timestamp.
	m.now = func() time.Time { return at.Add(time.Hour) }
	if err := m.Ensure(Live); err != nil {
		t.Fatal(err)
	}
	if _, since := m.Since(); !since.Equal(at) {
		t.Errorf("Ensure without a change moved since to %v", since)
	}
}
