// Package composer holds the draft of one conversation: staged attachments
// and the hand-off to the synchronizer on send.
package composer

import (
	"fmt"
	"sync"

	"github.com/deptportal/msgcore/internal/attach"
	"github.com/deptportal/msgcore/internal/chat"
	"go.uber.org/zap"
)

// DefaultMaxAttachments is the per-message attachment cap.
const DefaultMaxAttachments = 5

// Stager stages a local file. *attach.Stager implements it.
type Stager interface {
	Stage(path string) (attach.Staged, error)
	Release(st attach.Staged)
}

// Sender accepts an optimistic send. *msgsync.Synchronizer implements it.
type Sender interface {
	ID() chat.ConversationID
	SendOptimistic(draft chat.Draft) (chat.Message, error)
}

// Composer is safe for concurrent use.
type Composer struct {
	stager Stager
	sender Sender
	max    int
	logger *zap.Logger

	mu     sync.Mutex
	staged []attach.Staged
}

// New creates a Composer for the conversation behind sender. A non-positive
// limit selects DefaultMaxAttachments.
func New(stager Stager, sender Sender, limit int, logger *zap.Logger) *Composer {
	if limit <= 0 {
		limit = DefaultMaxAttachments
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{stager: stager, sender: sender, max: limit, logger: logger}
}

// Attach stages path. Past the cap it returns chat.ErrAttachmentLimitExceeded
// and the staged set is unchanged.
func (c *Composer) Attach(path string) (chat.Attachment, error) {
	c.mu.Lock()
	full := len(c.staged) >= c.max
	c.mu.Unlock()
	if full {
		return chat.Attachment{}, chat.ErrAttachmentLimitExceeded
	}

	st, err := c.stager.Stage(path)
	if err != nil {
		return chat.Attachment{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Another Attach may have filled the last slot while staging.
	if len(c.staged) >= c.max {
		c.stager.Release(st)
		return chat.Attachment{}, chat.ErrAttachmentLimitExceeded
	}
	c.staged = append(c.staged, st)
	c.logger.Debug("attachment staged",
		zap.String("conversation", string(c.sender.ID())),
		zap.String("name", st.Attachment.Name),
		zap.String("kind", string(st.Attachment.Kind)))
	return st.Attachment, nil
}

// Remove unstages the attachment at index i.
func (c *Composer) Remove(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.staged) {
		return chat.NewValidationError(fmt.Sprintf("no staged attachment %d", i), "index")
	}
	c.stager.Release(c.staged[i])
	c.staged = append(c.staged[:i], c.staged[i+1:]...)
	return nil
}

// Staged returns the staged attachments in the order they were added.
func (c *Composer) Staged() []chat.Attachment {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Attachment, len(c.staged))
	for i, st := range c.staged {
		out[i] = st.Attachment
	}
	return out
}

// Clear drops every staged attachment and its preview.
func (c *Composer) Clear() {
	c.mu.Lock()
	staged := c.staged
	c.staged = nil
	c.mu.Unlock()
	for _, st := range staged {
		c.stager.Release(st)
	}
}

// Send hands the draft to the synchronizer and clears the composer. An empty
// body with no attachments returns chat.ErrEmptyMessage and changes nothing.
// Previews stay until the synchronizer settles the send.
func (c *Composer) Send(body string) (chat.Message, error) {
	c.mu.Lock()
	draft := chat.Draft{ConversationID: c.sender.ID(), Body: body}
	for _, st := range c.staged {
		a := st.Attachment
		a.LocalPath = st.Source
		draft.Attachments = append(draft.Attachments, a)
	}
	if draft.Empty() {
		c.mu.Unlock()
		return chat.Message{}, chat.ErrEmptyMessage
	}
	c.staged = nil
	c.mu.Unlock()

	msg, err := c.sender.SendOptimistic(draft)
	if err != nil {
		return chat.Message{}, err
	}
	return msg, nil
}
