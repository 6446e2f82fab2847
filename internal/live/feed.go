// Package live consumes the live update feed. Frames arrive from a Source,
// are decoded and deduplicated, handed to the Handler and published on the bus
// as live.* events.
package live

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/deptportal/msgcore/internal/bus"
	"github.com/deptportal/msgcore/internal/chat"
	"github.com/deptportal/msgcore/internal/status"
	"github.com/deptportal/msgcore/internal/wire"
	"go.uber.org/zap"
)

// DegradeAfter is the number of consecutive failed connection attempts after
// which the feed reports Degraded instead of Reconnecting.
const DegradeAfter = 3

// Options configure a Feed.
type Options struct {
	// Self is the current user id, needed to resolve direct conversations.
	Self    string
	SeenTTL time.Duration
	// Backoff overrides the reconnect policy. The default starts at 1s and caps at 30s.
	Backoff backoff.BackOff
	// Handler receives every accepted frame before it is published. It runs
	// on the read loop, so a slow handler slows the feed instead of losing
	// events.
	Handler func(bus.Event)
}

// Feed keeps a Source connected and turns its frames into bus events.
type Feed struct {
	src     Source
	bus     *bus.Bus
	machine *status.Machine
	seen    *SeenSet
	self    string
	policy  backoff.BackOff
	handler func(bus.Event)
	logger  *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewFeed creates a feed over src.
func NewFeed(src Source, b *bus.Bus, machine *status.Machine, opts Options, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := opts.Backoff
	if policy == nil {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = time.Second
		eb.MaxInterval = 30 * time.Second
		eb.MaxElapsedTime = 0
		policy = eb
	}
	return &Feed{
		src:     src,
		bus:     b,
		machine: machine,
		seen:    NewSeenSet(opts.SeenTTL),
		self:    opts.Self,
		policy:  policy,
		handler: opts.Handler,
		logger:  logger,
	}
}

// Start runs the feed in the background until Stop.
func (f *Feed) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.done = make(chan struct{})
	go func() {
		defer close(f.done)
		if err := f.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Error("live feed stopped", zap.Error(err))
		}
	}()
}

// Stop cancels the feed and waits for it to exit.
func (f *Feed) Stop() {
	f.mu.Lock()
	cancel, done := f.cancel, f.done
	f.cancel = nil
	f.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run keeps the source connected until ctx is cancelled or the source reports
// an auth failure.
func (f *Feed) Run(ctx context.Context) error {
	f.policy.Reset()
	failures := 0
	for {
		if err := f.machine.Ensure(status.Connecting); err != nil {
			f.logger.Debug("status", zap.Error(err))
		}
		wasLive := false
		err := f.src.Run(ctx,
			func() {
				wasLive = true
				failures = 0
				f.policy.Reset()
				if err := f.machine.Transition(status.Live); err != nil {
					f.logger.Debug("status", zap.Error(err))
				}
				f.logger.Info("live feed connected")
			},
			f.handle,
		)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, chat.ErrAuth) {
			_ = f.machine.Ensure(status.AuthRequired)
			return err
		}
		if !wasLive {
			failures++
		}

		next := status.Reconnecting
		if failures >= DegradeAfter {
			next = status.Degraded
		}
		if err := f.machine.Ensure(next); err != nil {
			f.logger.Debug("status", zap.Error(err))
		}
		wait := f.policy.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		f.logger.Warn("live feed disconnected",
			zap.Error(err), zap.Int("failures", failures), zap.Duration("retry_in", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// handle decodes one frame and publishes it. Malformed frames are logged and
// dropped; they never stop the feed.
func (f *Feed) handle(data []byte) {
	frame, err := wire.DecodeFrame(data, f.self)
	if err != nil {
		f.logger.Warn("dropping live frame", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	// Presence and typing frames repeat legitimately; only message frames are
	// deduplicated.
	if dedupe(frame.Type) && f.seen.SeenOnce(frame.Key) {
		f.logger.Debug("duplicate live frame", zap.String("key", frame.Key))
		return
	}

	var evt bus.Event
	switch {
	case frame.Message != nil:
		evt = bus.NewEvent(bus.KindLiveMessage, *frame.Message)
	case frame.Presence != nil:
		evt = bus.NewEvent(bus.KindLivePresence, *frame.Presence)
	case frame.Typing != nil:
		evt = bus.NewEvent(bus.KindLiveTyping, *frame.Typing)
	case frame.Receipt != nil:
		evt = bus.NewEvent(bus.KindLiveReceipt, *frame.Receipt)
	case frame.Edit != nil:
		evt = bus.NewEvent(bus.KindLiveEdit, *frame.Edit)
	case frame.Delete != nil:
		evt = bus.NewEvent(bus.KindLiveDelete, *frame.Delete)
	default:
		return
	}
	if f.handler != nil {
		f.handler(evt)
	}
	f.bus.Publish(evt)
}

func dedupe(t wire.FrameType) bool {
	switch t {
	case wire.FrameMessage, wire.FrameReceipt, wire.FrameEdit, wire.FrameDelete:
		return true
	}
	return false
}
