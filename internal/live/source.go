package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/deptportal/msgcore/internal/chat"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
)

// Source is one live-feed transport. Run holds a single connection: it calls
// connected once the connection is up, delivers every frame, and returns when
// the connection drops or ctx is cancelled. Errors wrapping chat.ErrAuth stop
// the feed instead of triggering a reconnect.
type Source interface {
	Run(ctx context.Context, connected func(), deliver func([]byte)) error
}

// WebSocketSource reads frames from a websocket endpoint.
type WebSocketSource struct {
	URL   string
	Token string
	// PingInterval keeps idle connections open through proxies. Zero disables pings.
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

// Run implements Source.
func (s *WebSocketSource) Run(ctx context.Context, connected func(), deliver func([]byte)) error {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if s.Token != "" {
		header.Set("Authorization", "Bearer "+s.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, s.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("websocket handshake: %w", chat.ErrAuth)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()
	connected()

	done := make(chan struct{})
	defer close(done)
	go func() {
		var tick <-chan time.Time
		if s.PingInterval > 0 {
			t := time.NewTicker(s.PingInterval)
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case <-tick:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					_ = conn.Close()
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("websocket closed by server: %w", err)
			}
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return fmt.Errorf("websocket rejected: %w", chat.ErrAuth)
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		deliver(data)
	}
}

// NATSSource subscribes to a NATS subject carrying the same frames.
type NATSSource struct {
	URL     string
	Subject string
	Token   string
	Name    string
}

// Run implements Source. Reconnection is left to the Feed, so the nats client
// runs with reconnects disabled.
func (s *NATSSource) Run(ctx context.Context, connected func(), deliver func([]byte)) error {
	closed := make(chan error, 1)
	opts := []nats.Option{
		nats.Name(s.Name),
		nats.NoReconnect(),
		nats.Timeout(10 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			select {
			case closed <- err:
			default:
			}
		}),
	}
	if s.Token != "" {
		opts = append(opts, nats.Token(s.Token))
	}

	nc, err := nats.Connect(s.URL, opts...)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) {
			return fmt.Errorf("nats connect: %w", chat.ErrAuth)
		}
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	sub, err := nc.Subscribe(s.Subject, func(m *nats.Msg) {
		deliver(m.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", s.Subject, err)
	}
	defer func() { _ = sub.Unsubscribe() }()
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	connected()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-closed:
		if err == nil {
			err = nats.ErrConnectionClosed
		}
		return fmt.Errorf("nats disconnected: %w", err)
	}
}
