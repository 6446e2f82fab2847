package api

import (
	"fmt"
	"time"

	"github.com/deptportal/msgcore/internal/chat"
	"github.com/mitchellh/mapstructure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Message is the API view of a chat.Message.
type Message struct {
	ID             string       `mapstructure:"id"`
	ConversationID string       `mapstructure:"conversation_id"`
	SenderID       string       `mapstructure:"sender_id"`
	SenderName     string       `mapstructure:"sender_name"`
	SenderRole     string       `mapstructure:"sender_role"`
	Body           string       `mapstructure:"body"`
	Status         string       `mapstructure:"status"`
	CreatedAt      time.Time    `mapstructure:"created_at"`
	EditedAt       *time.Time   `mapstructure:"edited_at"`
	Attachments    []Attachment `mapstructure:"attachments"`
}

// Attachment is the API view of a chat.Attachment.
type Attachment struct {
	Kind     string `mapstructure:"kind"`
	Name     string `mapstructure:"name"`
	MimeType string `mapstructure:"mime_type"`
	Size     int64  `mapstructure:"size"`
	URL      string `mapstructure:"url"`
	Preview  string `mapstructure:"preview"`
	// Progress is -1 once uploaded.
	Progress int `mapstructure:"progress"`
}

// Conversation is the API view of a chat.Conversation.
type Conversation struct {
	ID           string    `mapstructure:"id"`
	Kind         string    `mapstructure:"kind"`
	Title        string    `mapstructure:"title"`
	Preview      string    `mapstructure:"preview"`
	LastActivity time.Time `mapstructure:"last_activity"`
	Unread       int       `mapstructure:"unread"`
	Active       bool      `mapstructure:"active"`
}

// Member is the API view of a chat.Member.
type Member struct {
	UserID string `mapstructure:"user_id"`
	Name   string `mapstructure:"name"`
	Role   string `mapstructure:"role"`
}

// Event is one bus event as streamed by Watch.
type Event struct {
	ID      string         `mapstructure:"id"`
	Kind    string         `mapstructure:"kind"`
	At      time.Time      `mapstructure:"at"`
	Payload map[string]any `mapstructure:"payload"`
}

func messageMap(m chat.Message) map[string]any {
	out := map[string]any{
		"id":              m.ID,
		"conversation_id": string(m.ConversationID),
		"sender_id":       m.SenderID,
		"sender_name":     m.SenderName,
		"sender_role":     m.SenderRole,
		"body":            m.Body,
		"status":          string(m.Status),
		"created_at":      timeString(m.CreatedAt),
	}
	if m.EditedAt != nil {
		out["edited_at"] = timeString(*m.EditedAt)
	}
	if len(m.Attachments) > 0 {
		atts := make([]any, 0, len(m.Attachments))
		for _, a := range m.Attachments {
			atts = append(atts, attachmentMap(a))
		}
		out["attachments"] = atts
	}
	return out
}

func attachmentMap(a chat.Attachment) map[string]any {
	progress := -1
	if a.Progress != nil {
		progress = *a.Progress
	}
	return map[string]any{
		"kind":      string(a.Kind),
		"name":      a.Name,
		"mime_type": a.MimeType,
		"size":      a.Size,
		"url":       a.URL,
		"preview":   a.PreviewRef,
		"progress":  progress,
	}
}

func conversationMap(c chat.Conversation, active bool) map[string]any {
	out := map[string]any{
		"id":      string(c.ID),
		"kind":    string(c.Kind),
		"title":   c.Title,
		"preview": c.LastMessagePreview,
		"unread":  c.UnreadCount,
		"active":  active,
	}
	if !c.LastActivity.IsZero() {
		out["last_activity"] = timeString(c.LastActivity)
	}
	return out
}

func memberMap(m chat.Member) map[string]any {
	return map[string]any{"user_id": m.UserID, "name": m.Name, "role": m.Role}
}

func list[T any](in []T, fn func(T) map[string]any) []any {
	out := make([]any, 0, len(in))
	for _, v := range in {
		out = append(out, fn(v))
	}
	return out
}

func timeString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return st, nil
}

// Decode converts a response field into one of the view types.
func Decode(raw any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}

func stringArg(req *structpb.Struct, key string) string {
	if v, ok := req.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func boolArg(req *structpb.Struct, key string) bool {
	if v, ok := req.GetFields()[key]; ok {
		return v.GetBoolValue()
	}
	return false
}

func intArg(req *structpb.Struct, key string) int {
	if v, ok := req.GetFields()[key]; ok {
		return int(v.GetNumberValue())
	}
	return 0
}

func stringsArg(req *structpb.Struct, key string) []string {
	v, ok := req.GetFields()[key]
	if !ok {
		return nil
	}
	var out []string
	for _, item := range v.GetListValue().GetValues() {
		out = append(out, item.GetStringValue())
	}
	return out
}

func conversationArg(req *structpb.Struct) (chat.ConversationID, error) {
	id := chat.ConversationID(stringArg(req, "conversation"))
	if !id.Valid() {
		return "", chat.NewValidationError(fmt.Sprintf("invalid conversation id %q", id), "conversation")
	}
	return id, nil
}
