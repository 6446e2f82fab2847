// Package router applies live-feed events to the conversation registry, the
// message logs and the presence tracker.
package router

import (
	"github.com/deptportal/msgcore/internal/bus"
	"github.com/deptportal/msgcore/internal/chat"
	"github.com/deptportal/msgcore/internal/msgsync"
	"github.com/deptportal/msgcore/internal/presence"
	"github.com/deptportal/msgcore/internal/registry"
	"github.com/deptportal/msgcore/internal/wire"
	"go.uber.org/zap"
)

// Forgetter drops a cached message. *store.DB implements it; nil disables it.
type Forgetter interface {
	DeleteMessage(conv chat.ConversationID, id string) error
}

// Router applies live.* events. The feed calls Handle directly for every
// frame, so nothing is lost when bus subscribers fall behind. It does not talk
// to the backend; everything it touches is local state.
type Router struct {
	registry *registry.Registry
	tracker  *presence.Tracker
	cache    Forgetter
	logger   *zap.Logger
}

// New creates a Router.
func New(reg *registry.Registry, tracker *presence.Tracker, cache Forgetter, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{registry: reg, tracker: tracker, cache: cache, logger: logger}
}

// Handle applies one live event. It runs on the feed's read goroutine.
func (r *Router) Handle(evt bus.Event) {
	switch p := evt.Payload.(type) {
	case chat.Message:
		r.registry.ApplyIncoming(p)
	case wire.Presence:
		r.tracker.SetOnline(p.UserID, p.Online)
	case wire.Typing:
		r.tracker.SetTyping(p.UserID, p.Typing)
	case wire.Receipt:
		if !r.each(p.ConversationID, func(s *msgsync.Synchronizer) bool { return s.ApplyReceipt(p.MessageID, p.Status) }) {
			r.logger.Debug("receipt for unknown message", zap.String("msg_id", p.MessageID))
		}
	case wire.Edit:
		if !r.each(p.ConversationID, func(s *msgsync.Synchronizer) bool { return s.ApplyEdit(p.MessageID, p.Body, p.EditedAt) }) {
			r.logger.Debug("edit for unknown message", zap.String("msg_id", p.MessageID))
		}
	case wire.Delete:
		r.each(p.ConversationID, func(s *msgsync.Synchronizer) bool { return s.ApplyDelete(p.MessageID) })
		if r.cache != nil && p.ConversationID != "" {
			if err := r.cache.DeleteMessage(p.ConversationID, p.MessageID); err != nil {
				r.logger.Warn("dropping cached message", zap.String("msg_id", p.MessageID), zap.Error(err))
			}
		}
	default:
		r.logger.Debug("unhandled live event", zap.String("kind", evt.Kind))
	}
}

// each applies fn to the log of conv, or to every materialized log when the
// event does not name its conversation. It reports whether any log changed.
func (r *Router) each(conv chat.ConversationID, fn func(*msgsync.Synchronizer) bool) bool {
	if conv != "" {
		s, ok := r.registry.Synchronizer(conv)
		return ok && fn(s)
	}
	changed := false
	for _, s := range r.registry.Synchronizers() {
		if fn(s) {
			changed = true
		}
	}
	return changed
}
