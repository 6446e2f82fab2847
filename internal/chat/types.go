package chat

import (
	"strings"
	"time"
)

// Kind distinguishes one-to-one conversations from group conversations.
type Kind string

const (
	Direct Kind = "direct"
	Group  Kind = "group"
)

// ConversationID identifies a conversation as "<kind>:<target>", where target is the
// peer user id for direct conversations and the group id for groups.
type ConversationID string

// DirectID returns the conversation id for a one-to-one chat with peer.
func DirectID(peer string) ConversationID {
	return ConversationID(string(Direct) + ":" + peer)
}

// GroupID returns the conversation id for a group.
func GroupID(group string) ConversationID {
	return ConversationID(string(Group) + ":" + group)
}

// Kind returns the conversation kind, or "" for a malformed id.
func (id ConversationID) Kind() Kind {
	k, _, ok := strings.Cut(string(id), ":")
	if !ok {
		return ""
	}
	switch Kind(k) {
	case Direct, Group:
		return Kind(k)
	}
	return ""
}

// Target returns the peer user id or group id.
func (id ConversationID) Target() string {
	_, t, _ := strings.Cut(string(id), ":")
	return t
}

// Valid reports whether the id has a known kind and a non-empty target.
func (id ConversationID) Valid() bool {
	return id.Kind() != "" && id.Target() != ""
}

// Member is a user summary, used for group membership and user search.
type Member struct {
	UserID string
	Name   string
	Role   string
	Avatar string
}

// Conversation is one entry of the conversation list.
type Conversation struct {
	ID                 ConversationID
	Kind               Kind
	Title              string
	Avatar             string
	LastMessagePreview string
	LastActivity       time.Time
	UnreadCount        int
	Members            []Member
}

// AttachmentKind is either image or file.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment is a file attached to a message. Before upload it carries a
// PreviewRef into the local staging area; after upload it carries a URL.
type Attachment struct {
	Kind       AttachmentKind
	Name       string
	MimeType   string
	Size       int64
	PreviewRef string
	URL        string
	// LocalPath is the file to upload; empty for attachments received from the server.
	LocalPath string
	// Progress is the upload percentage, nil once the upload completed.
	Progress *int
}

// Uploaded reports whether the attachment points at a remote URL.
func (a Attachment) Uploaded() bool {
	return a.URL != "" && a.Progress == nil
}

// Message is one entry of a conversation log.
type Message struct {
	ID             string
	ClientID       string
	ConversationID ConversationID
	SenderID       string
	SenderName     string
	SenderRole     string
	Body           string
	Attachments    []Attachment
	CreatedAt      time.Time
	EditedAt       *time.Time
	Status         Status
}

// Clone returns a deep copy so callers can hand out snapshots.
func (m Message) Clone() Message {
	out := m
	if m.Attachments != nil {
		out.Attachments = make([]Attachment, len(m.Attachments))
		for i, a := range m.Attachments {
			if a.Progress != nil {
				p := *a.Progress
				a.Progress = &p
			}
			out.Attachments[i] = a
		}
	}
	if m.EditedAt != nil {
		t := *m.EditedAt
		out.EditedAt = &t
	}
	return out
}

// Draft is what the composer hands to the synchronizer for an optimistic send.
type Draft struct {
	ConversationID ConversationID
	Body           string
	Attachments    []Attachment
}

// Empty reports whether the draft has neither text nor attachments.
func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Body) == "" && len(d.Attachments) == 0
}
