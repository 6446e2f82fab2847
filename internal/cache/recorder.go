// Package cache keeps the local store in step with the in-memory state so a
// restarted daemon, or a failed read, still shows the last known state.
package cache

import (
	"context"
	"fmt"

	"github.com/deptportal/msgcore/internal/bus"
	"github.com/deptportal/msgcore/internal/chat"
	"github.com/deptportal/msgcore/internal/msgsync"
	"github.com/deptportal/msgcore/internal/store"
	"go.uber.org/zap"
)

// Recorder writes bus events into the store. It subscribes to message.* and
// conversation.* events; pending sends are never cached.
type Recorder struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	done   []<-chan struct{}
}

// NewRecorder creates a new Recorder.
func NewRecorder(db *store.DB, b *bus.Bus, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: db, bus: b, logger: logger}
}

// Start subscribes to the bus.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = []<-chan struct{}{
		r.bus.Consume(ctx, "message.", 256, r.handle),
		r.bus.Consume(ctx, "conversation.", 64, r.handle),
	}
}

// Stop unsubscribes and waits for the consumers to exit.
func (r *Recorder) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	for _, d := range r.done {
		<-d
	}
}

func (r *Recorder) handle(evt bus.Event) {
	if err := r.Apply(evt); err != nil {
		r.logger.Error("failed to record event", zap.String("kind", evt.Kind), zap.Error(err))
	}
}

// Apply records one event. Unknown kinds are ignored.
func (r *Recorder) Apply(evt bus.Event) error {
	switch p := evt.Payload.(type) {
	case msgsync.Upserted:
		return r.RecordMessage(p.Message)
	case msgsync.SendAck:
		return r.RecordMessage(p.Message)
	case msgsync.Removed:
		if err := r.db.DeleteMessage(p.ConversationID, p.ID); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
	case []chat.Conversation:
		if evt.Kind != bus.KindConversationsRefreshed {
			return nil
		}
		if err := r.db.ReplaceConversations(p); err != nil {
			return fmt.Errorf("replace conversations: %w", err)
		}
		r.logger.Debug("conversation list cached", zap.Int("conversations", len(p)))
	case chat.Conversation:
		if err := r.db.UpsertConversation(p); err != nil {
			return fmt.Errorf("upsert conversation: %w", err)
		}
	}
	return nil
}

// RecordMessage stores a confirmed message (idempotent). Pending and failed
// entries are skipped.
func (r *Recorder) RecordMessage(msg chat.Message) error {
	if chat.IsTemporary(msg.ID) || !msg.Status.Confirmed() {
		return nil
	}
	if err := r.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}
