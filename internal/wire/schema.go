package wire

import (
	"strings"
	"time"

	"github.com/deptportal/msgcore/internal/chat"
)

type attachmentDTO struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

type messageDTO struct {
	ID          ID              `json:"id"`
	ClientID    string          `json:"client_id"`
	SenderID    ID              `json:"sender_id"`
	SenderName  string          `json:"sender_name"`
	SenderRole  string          `json:"sender_role"`
	ReceiverID  ID              `json:"receiver_id"`
	GroupID     ID              `json:"group_id"`
	Content     string          `json:"content"`
	Attachments []attachmentDTO `json:"attachments"`
	CreatedAt   time.Time       `json:"created_at"`
	EditedAt    time.Time       `json:"edited_at"`
	Status      string          `json:"status"`
}

type memberDTO struct {
	ID     ID     `json:"id"`
	UserID ID     `json:"user_id"`
	Name   string `json:"name"`
	Role   string `json:"role"`
	Avatar string `json:"avatar"`
}

type conversationDTO struct {
	ID            ID          `json:"id"`
	UserID        ID          `json:"user_id"`
	Name          string      `json:"name"`
	Avatar        string      `json:"avatar"`
	LastMessage   string      `json:"last_message"`
	LastMessageAt time.Time   `json:"last_message_at"`
	UnreadCount   int         `json:"unread_count"`
	Members       []memberDTO `json:"members"`
}

type pageDTO struct {
	Messages []map[string]any `json:"messages"`
	HasMore  *bool            `json:"has_more"`
}

func (a attachmentDTO) toChat() chat.Attachment {
	kind := chat.AttachmentFile
	if a.Type == string(chat.AttachmentImage) || (a.Type == "" && strings.HasPrefix(a.MimeType, "image/")) {
		kind = chat.AttachmentImage
	}
	return chat.Attachment{
		Kind:     kind,
		Name:     a.Name,
		URL:      a.URL,
		MimeType: a.MimeType,
		Size:     a.Size,
	}
}

// toChat converts a message. self is the current user id; it decides which side
// of a direct message is the peer.
func (m messageDTO) toChat(self string) chat.Message {
	out := chat.Message{
		ID:         string(m.ID),
		ClientID:   m.ClientID,
		SenderID:   string(m.SenderID),
		SenderName: m.SenderName,
		SenderRole: m.SenderRole,
		Body:       m.Content,
		CreatedAt:  m.CreatedAt,
	}
	switch {
	case m.GroupID != "":
		out.ConversationID = chat.GroupID(string(m.GroupID))
	case string(m.SenderID) == self:
		out.ConversationID = chat.DirectID(string(m.ReceiverID))
	default:
		out.ConversationID = chat.DirectID(string(m.SenderID))
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, a.toChat())
	}
	if !m.EditedAt.IsZero() {
		t := m.EditedAt
		out.EditedAt = &t
	}
	if st, err := chat.ParseStatus(m.Status); err == nil && st != chat.StatusFailed {
		out.Status = st
	}
	if out.Status == "" || out.Status == chat.StatusPending {
		if out.SenderID == self {
			out.Status = chat.StatusSent
		} else {
			out.Status = chat.StatusDelivered
		}
	}
	return out
}

func (m memberDTO) toChat() chat.Member {
	id := m.UserID
	if id == "" {
		id = m.ID
	}
	return chat.Member{UserID: string(id), Name: m.Name, Role: m.Role, Avatar: m.Avatar}
}

func (c conversationDTO) toChat(kind chat.Kind) chat.Conversation {
	out := chat.Conversation{
		Kind:               kind,
		Title:              c.Name,
		Avatar:             c.Avatar,
		LastMessagePreview: c.LastMessage,
		LastActivity:       c.LastMessageAt,
		UnreadCount:        c.UnreadCount,
	}
	target := c.ID
	if kind == chat.Direct && c.UserID != "" {
		target = c.UserID
	}
	if kind == chat.Group {
		out.ID = chat.GroupID(string(target))
	} else {
		out.ID = chat.DirectID(string(target))
	}
	for _, m := range c.Members {
		out.Members = append(out.Members, m.toChat())
	}
	return out
}
