package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/deptportal/msgcore/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type manualTimer struct {
	clock   *manualClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

type manualClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*manualTimer
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func TestApplyIsPure(t *testing.T) {
	s0 := Replay(Event{Kind: EventOnline, UserID: "7", Value: true})
	s1 := Apply(s0, Event{Kind: EventTyping, UserID: "7", Value: true, Gen: 1})

	assert.False(t, s0.IsTyping("7"), "input state must not change")
	assert.True(t, s1.IsTyping("7"))
	assert.True(t, s1.IsOnline("7"))
}

func TestReplayIsDeterministic(t *testing.T) {
	events := []Event{
		{Kind: EventOnline, UserID: "1", Value: true},
		{Kind: EventOnline, UserID: "2", Value: true},
		{Kind: EventTyping, UserID: "2", Value: true, Gen: 1},
		{Kind: EventOnline, UserID: "1", Value: false},
		{Kind: EventTyping, UserID: "3", Value: true, Gen: 2},
	}
	a, b := Replay(events...), Replay(events...)
	assert.Equal(t, a.OnlineUsers(), b.OnlineUsers())
	assert.Equal(t, a.TypingUsers(), b.TypingUsers())
	assert.Equal(t, []string{"2"}, a.OnlineUsers())
	assert.Equal(t, []string{"2", "3"}, a.TypingUsers())
}

func TestOfflineClearsTyping(t *testing.T) {
	s := Replay(
		Event{Kind: EventOnline, UserID: "7", Value: true},
		Event{Kind: EventTyping, UserID: "7", Value: true, Gen: 1},
		Event{Kind: EventOnline, UserID: "7", Value: false},
	)
	assert.Equal(t, PeerState{}, s.Peer("7"))
}

func TestStaleExpiryIgnored(t *testing.T) {
	s := Replay(
		Event{Kind: EventTyping, UserID: "7", Value: true, Gen: 1},
		Event{Kind: EventTyping, UserID: "7", Value: true, Gen: 2},
		Event{Kind: EventTypingExpired, UserID: "7", Gen: 1},
	)
	assert.True(t, s.IsTyping("7"), "expiry of an older typing event must not clear a newer one")
}

func TestTrackerTypingTimeout(t *testing.T) {
	clock := &manualClock{}
	tr := NewTracker(8*time.Second, clock, nil, zap.NewNop())

	tr.SetTyping("7", true)
	require.True(t, tr.Peer("7").Typing)

	clock.Advance(7 * time.Second)
	assert.True(t, tr.Peer("7").Typing)

	clock.Advance(time.Second)
	assert.False(t, tr.Peer("7").Typing, "typing should auto-clear after the timeout")
}

func TestTrackerTypingRearm(t *testing.T) {
	clock := &manualClock{}
	tr := NewTracker(8*time.Second, clock, nil, nil)

	tr.SetTyping("7", true)
	clock.Advance(5 * time.Second)
	tr.SetTyping("7", true)
	clock.Advance(5 * time.Second)
	assert.True(t, tr.Peer("7").Typing, "second typing=true should re-arm the timeout")

	clock.Advance(3 * time.Second)
	assert.False(t, tr.Peer("7").Typing)
}

func TestTrackerExplicitStop(t *testing.T) {
	clock := &manualClock{}
	tr := NewTracker(0, clock, nil, nil)

	tr.SetTyping("7", true)
	tr.SetTyping("7", false)
	assert.False(t, tr.Peer("7").Typing)

	clock.Advance(DefaultTypingTimeout)
	assert.False(t, tr.Peer("7").Typing)
}

func TestSnapshotIsNotLive(t *testing.T) {
	tr := NewTracker(0, &manualClock{}, nil, nil)
	tr.SetOnline("1", true)
	snap := tr.Snapshot()
	tr.SetOnline("2", true)
	tr.SetOnline("1", false)

	assert.Equal(t, []string{"1"}, snap.OnlineUsers())
	assert.Equal(t, []string{"2"}, tr.Snapshot().OnlineUsers())
}

func TestTrackerPublishesChanges(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("presence.", 8)
	defer unsub()

	tr := NewTracker(0, &manualClock{}, b, nil)
	tr.SetOnline("7", true)
	tr.SetOnline("7", true)

	select {
	case evt := <-events:
		change, ok := evt.Payload.(Change)
		require.True(t, ok)
		assert.Equal(t, "7", change.UserID)
		assert.True(t, change.State.Online)
	case <-time.After(time.Second):
		t.Fatal("expected presence.changed")
	}

	select {
	case evt := <-events:
		t.Fatalf("duplicate online event should not publish, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTrackerConcurrentReads(t *testing.T) {
	tr := NewTracker(time.Millisecond, nil, nil, nil)
	defer tr.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				tr.SetTyping("7", j%2 == 0)
				_ = tr.Snapshot().TypingUsers()
			}
		}()
	}
	wg.Wait()
}
