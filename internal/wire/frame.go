package wire

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deptportal/msgcore/internal/chat"
)

// Version is the only frame version this client understands.
const Version = 1

// FrameType is the type field of a live-feed frame.
type FrameType string

const (
	FrameMessage  FrameType = "message"
	FramePresence FrameType = "presence"
	FrameTyping   FrameType = "typing"
	FrameReceipt  FrameType = "receipt"
	FrameEdit     FrameType = "edit"
	FrameDelete   FrameType = "delete"
)

type frameDTO struct {
	V    int            `json:"v"`
	ID   string         `json:"id"`
	Type FrameType      `json:"type"`
	Data map[string]any `json:"data"`
}

// Presence is an online/offline signal.
type Presence struct {
	UserID string `json:"user_id"`
	Online bool   `json:"online"`
}

// Typing is a typing indicator. ConversationID is empty when the backend does
// not scope typing to a conversation.
type Typing struct {
	UserID         string
	ConversationID chat.ConversationID
	Typing         bool
}

// Receipt advances the status of a message the current user sent.
type Receipt struct {
	MessageID      string
	ConversationID chat.ConversationID
	Status         chat.Status
}

// Edit is a server-originated body change.
type Edit struct {
	MessageID      string
	ConversationID chat.ConversationID
	Body           string
	EditedAt       time.Time
}

// Delete is a server-originated removal.
type Delete struct {
	MessageID      string
	ConversationID chat.ConversationID
}

// Frame is one decoded live-feed event. Exactly one payload field is set,
// matching Type.
type Frame struct {
	// Key identifies the frame for duplicate suppression.
	Key      string
	Type     FrameType
	Message  *chat.Message
	Presence *Presence
	Typing   *Typing
	Receipt  *Receipt
	Edit     *Edit
	Delete   *Delete
}

type refDTO struct {
	MessageID ID        `json:"message_id"`
	ID        ID        `json:"id"`
	UserID    ID        `json:"user_id"`
	PeerID    ID        `json:"peer_id"`
	SenderID  ID        `json:"sender_id"`
	GroupID   ID        `json:"group_id"`
	Typing    bool      `json:"typing"`
	Status    string    `json:"status"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"edited_at"`
}

func (r refDTO) messageID() string {
	if r.MessageID != "" {
		return string(r.MessageID)
	}
	return string(r.ID)
}

// conversation resolves the conversation a reference belongs to. For direct
// chats the peer is whichever side is not self.
func (r refDTO) conversation(self string) chat.ConversationID {
	if r.GroupID != "" {
		return chat.GroupID(string(r.GroupID))
	}
	for _, id := range []ID{r.PeerID, r.SenderID, r.UserID} {
		if id != "" && string(id) != self {
			return chat.DirectID(string(id))
		}
	}
	return ""
}

// DecodeFrame parses one live-feed frame. Frames with an unknown version or
// type are rejected with a ValidationError so the caller can log and skip them.
func DecodeFrame(data []byte, self string) (Frame, error) {
	var f frameDTO
	if err := unmarshalNumbers(data, &f); err != nil {
		return Frame{}, fmt.Errorf("frame: %w", err)
	}
	if f.V != Version {
		return Frame{}, chat.NewValidationError(fmt.Sprintf("unsupported frame version %d", f.V), "v")
	}

	out := Frame{Key: f.ID, Type: f.Type}
	if out.Key == "" {
		sum := sha1.Sum(data)
		out.Key = string(f.Type) + ":" + hex.EncodeToString(sum[:])
	}

	switch f.Type {
	case FrameMessage:
		msg, err := DecodeMessage(f.Data, self)
		if err != nil {
			return Frame{}, err
		}
		out.Message = &msg
		return out, nil
	case FramePresence:
		var p Presence
		if err := decode(f.Data, &p); err != nil {
			return Frame{}, fmt.Errorf("presence: %w", err)
		}
		if p.UserID == "" {
			return Frame{}, chat.NewValidationError("presence without user", "user_id")
		}
		out.Presence = &p
		return out, nil
	}

	var ref refDTO
	if err := decode(f.Data, &ref); err != nil {
		return Frame{}, fmt.Errorf("%s: %w", f.Type, err)
	}
	switch f.Type {
	case FrameTyping:
		if ref.UserID == "" {
			return Frame{}, chat.NewValidationError("typing without user", "user_id")
		}
		conv := chat.DirectID(string(ref.UserID))
		if ref.GroupID != "" {
			conv = chat.GroupID(string(ref.GroupID))
		}
		out.Typing = &Typing{UserID: string(ref.UserID), ConversationID: conv, Typing: ref.Typing}
	case FrameReceipt:
		st, err := chat.ParseStatus(ref.Status)
		if err != nil || st == chat.StatusFailed || st == chat.StatusPending {
			return Frame{}, chat.NewValidationError(fmt.Sprintf("bad receipt status %q", ref.Status), "status")
		}
		out.Receipt = &Receipt{MessageID: ref.messageID(), ConversationID: ref.conversation(self), Status: st}
	case FrameEdit:
		out.Edit = &Edit{MessageID: ref.messageID(), ConversationID: ref.conversation(self), Body: ref.Content, EditedAt: ref.EditedAt}
	case FrameDelete:
		out.Delete = &Delete{MessageID: ref.messageID(), ConversationID: ref.conversation(self)}
	default:
		return Frame{}, chat.NewValidationError(fmt.Sprintf("unknown frame type %q", f.Type), "type")
	}
	if f.Type != FrameTyping && out.messageID() == "" {
		return Frame{}, chat.NewValidationError("frame without message id", "message_id")
	}
	return out, nil
}

func (f Frame) messageID() string {
	switch {
	case f.Receipt != nil:
		return f.Receipt.MessageID
	case f.Edit != nil:
		return f.Edit.MessageID
	case f.Delete != nil:
		return f.Delete.MessageID
	}
	return ""
}

// EncodeFrame builds a frame for tests and for relays that republish events.
func EncodeFrame(id string, typ FrameType, data map[string]any) ([]byte, error) {
	return json.Marshal(frameDTO{V: Version, ID: id, Type: typ, Data: data})
}
