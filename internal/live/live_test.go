package live

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/deptportal/msgcore/internal/bus"
	"github.com/deptportal/msgcore/internal/chat"
	"github.com/deptportal/msgcore/internal/status"
	"github.com/deptportal/msgcore/internal/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestSeenSet(t *testing.T) {
	s := NewSeenSet(time.Minute)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	if s.SeenOnce("a") {
		t.Fatal("first sighting reported as seen")
	}
	if !s.SeenOnce("a") {
		t.Fatal("second sighting not reported as seen")
	}
	now = now.Add(2 * time.Minute)
	if s.SeenOnce("a") {
		t.Fatal("expired key still reported as seen")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d after sweep, want 1", s.Len())
	}
}

// scriptedSource replays one script per connection attempt.
type scriptedSource struct {
	mu      sync.Mutex
	attempt int
	scripts []func(ctx context.Context, connected func(), deliver func([]byte)) error
}

func (s *scriptedSource) Run(ctx context.Context, connected func(), deliver func([]byte)) error {
	s.mu.Lock()
	i := s.attempt
	s.attempt++
	s.mu.Unlock()
	if i >= len(s.scripts) {
		<-ctx.Done()
		return ctx.Err()
	}
	return s.scripts[i](ctx, connected, deliver)
}

func frame(t *testing.T, id string, typ wire.FrameType, data map[string]any) []byte {
	t.Helper()
	b, err := wire.EncodeFrame(id, typ, data)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func newTestFeed(src Source, b *bus.Bus, m *status.Machine) *Feed {
	return NewFeed(src, b, m, Options{Self: "1", Backoff: &backoff.ZeroBackOff{}}, zap.NewNop())
}

func TestFeedPublishesAndDeduplicates(t *testing.T) {
	b := bus.New()
	events, unsub := b.Subscribe("live.", 16)
	defer unsub()
	m := status.NewMachine(nil)

	msg := frame(t, "e1", wire.FrameMessage, map[string]any{"id": 5, "sender_id": 7, "receiver_id": 1, "content": "hi"})
	src := &scriptedSource{scripts: []func(context.Context, func(), func([]byte)) error{
		func(ctx context.Context, connected func(), deliver func([]byte)) error {
			connected()
			deliver(msg)
			deliver(msg)
			deliver([]byte(`garbage`))
			deliver(frame(t, "", wire.FramePresence, map[string]any{"user_id": 7, "online": true}))
			<-ctx.Done()
			return ctx.Err()
		},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- newTestFeed(src, b, m).Run(ctx) }()

	var kinds []string
	timeout := time.After(2 * time.Second)
	for len(kinds) < 2 {
		select {
		case evt := <-events:
			kinds = append(kinds, evt.Kind)
			if evt.Kind == bus.KindLiveMessage {
				if got := evt.Payload.(chat.Message); got.ConversationID != chat.DirectID("7") {
					t.Errorf("conversation = %s", got.ConversationID)
				}
			}
		case <-timeout:
			t.Fatalf("got %v, want a message and a presence event", kinds)
		}
	}
	if kinds[0] != bus.KindLiveMessage || kinds[1] != bus.KindLivePresence {
		t.Errorf("kinds = %v", kinds)
	}
	if m.Current() != status.Live {
		t.Errorf("state = %s, want LIVE", m.Current())
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v", err)
	}
	select {
	case evt := <-events:
		t.Errorf("duplicate frame published: %+v", evt)
	default:
	}
}

func TestFeedDegradesAfterRepeatedFailures(t *testing.T) {
	b := bus.New()
	changes, unsub := b.Subscribe("feed.", 32)
	defer unsub()
	m := status.NewMachine(b)

	fail := func(context.Context, func(), func([]byte)) error { return errors.New("connection refused") }
	src := &scriptedSource{scripts: []func(context.Context, func(), func([]byte)) error{fail, fail, fail}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = newTestFeed(src, b, m).Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-changes:
			if evt.Payload.(status.StatusChange).To == status.Degraded {
				return
			}
		case <-deadline:
			t.Fatalf("never reached DEGRADED, state = %s", m.Current())
		}
	}
}

func TestFeedStopsOnAuthError(t *testing.T) {
	m := status.NewMachine(nil)
	src := &scriptedSource{scripts: []func(context.Context, func(), func([]byte)) error{
		func(context.Context, func(), func([]byte)) error { return chat.ErrAuth },
	}}
	err := newTestFeed(src, nil, m).Run(context.Background())
	if !errors.Is(err, chat.ErrAuth) {
		t.Fatalf("Run error = %v, want ErrAuth", err)
	}
	if m.Current() != status.AuthRequired {
		t.Errorf("state = %s, want AUTH_REQUIRED", m.Current())
	}
}

func TestWebSocketSource(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	gotAuth := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"v":1,"type":"typing","data":{"user_id":7,"typing":true}}`))
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	}))
	defer srv.Close()

	src := &WebSocketSource{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Token: "tok"}
	var frames [][]byte
	connected := false
	err := src.Run(context.Background(), func() { connected = true }, func(b []byte) { frames = append(frames, b) })
	if err == nil {
		t.Fatal("Run should report the server close")
	}
	if !connected || len(frames) != 1 {
		t.Errorf("connected=%v frames=%d", connected, len(frames))
	}
	if auth := <-gotAuth; auth != "Bearer tok" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestWebSocketSourceUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	src := &WebSocketSource{URL: "ws" + strings.TrimPrefix(srv.URL, "http")}
	err := src.Run(context.Background(), func() {}, func([]byte) {})
	if !errors.Is(err, chat.ErrAuth) {
		t.Fatalf("error = %v, want ErrAuth", err)
	}
}
