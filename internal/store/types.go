package store

import (
	"encoding/json"
	"time"

	"github.com/deptportal/msgcore/internal/chat"
)

// Outbox statuses.
const (
	OutboxQueued  = "queued"
	OutboxSending = "sending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxEntry is one send as the outbox saw it.
type OutboxEntry struct {
	ClientID       string
	ConversationID chat.ConversationID
	Body           string
	Attachments    []chat.Attachment
	Status         string
	Attempts       int
	ErrorMessage   string
	ServerMsgID    string
	CreatedAt      time.Time
}

// storedAttachment is the JSON shape of an attachment column. Upload progress
// and local paths are not persisted.
type storedAttachment struct {
	Kind     chat.AttachmentKind `json:"kind"`
	Name     string              `json:"name"`
	MimeType string              `json:"mime_type,omitempty"`
	Size     int64               `json:"size,omitempty"`
	URL      string              `json:"url,omitempty"`
}

func encodeAttachments(in []chat.Attachment) string {
	out := make([]storedAttachment, 0, len(in))
	for _, a := range in {
		out = append(out, storedAttachment{Kind: a.Kind, Name: a.Name, MimeType: a.MimeType, Size: a.Size, URL: a.URL})
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func decodeAttachments(s string) ([]chat.Attachment, error) {
	if s == "" {
		return nil, nil
	}
	var in []storedAttachment
	if err := json.Unmarshal([]byte(s), &in); err != nil {
		return nil, err
	}
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]chat.Attachment, len(in))
	for i, a := range in {
		out[i] = chat.Attachment{Kind: a.Kind, Name: a.Name, MimeType: a.MimeType, Size: a.Size, URL: a.URL}
	}
	return out, nil
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
