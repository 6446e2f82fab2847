package wire

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/deptportal/msgcore/internal/chat"
)

// DecodeMessage reads one message object. self is the current user id.
func DecodeMessage(raw any, self string) (chat.Message, error) {
	return DecodeMessageIn(raw, self, "")
}

// DecodeMessageIn reads a message returned by a request scoped to conv, such
// as a history page or a send. The record may leave out receiver_id and
// group_id; conv, when valid, is the conversation it belongs to.
func DecodeMessageIn(raw any, self string, conv chat.ConversationID) (chat.Message, error) {
	var dto messageDTO
	if err := decode(raw, &dto); err != nil {
		return chat.Message{}, fmt.Errorf("message: %w", err)
	}
	msg := dto.toChat(self)
	if conv.Valid() {
		msg.ConversationID = conv
	}
	if msg.ID == "" {
		return chat.Message{}, chat.NewValidationError("message without id", "id")
	}
	if !msg.ConversationID.Valid() {
		return chat.Message{}, chat.NewValidationError("message without conversation", "receiver_id", "group_id")
	}
	return msg, nil
}

// DecodePage reads a history page. The backend answers either with a bare
// array or with {"messages": [...], "has_more": bool}; hasMore is nil when the
// server did not say. Every message is placed in conv.
func DecodePage(raw any, self string, conv chat.ConversationID) (msgs []chat.Message, hasMore *bool, err error) {
	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		var page pageDTO
		if err := decode(v, &page); err != nil {
			return nil, nil, fmt.Errorf("page: %w", err)
		}
		hasMore = page.HasMore
		for _, m := range page.Messages {
			items = append(items, m)
		}
	case nil:
	default:
		return nil, nil, fmt.Errorf("page: unexpected %T", raw)
	}

	msgs = make([]chat.Message, 0, len(items))
	for i, item := range items {
		msg, err := DecodeMessageIn(item, self, conv)
		if err != nil {
			return nil, nil, fmt.Errorf("page item %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, hasMore, nil
}

// DecodeConversations reads a direct (GET /conversations) or group (GET /groups)
// listing. Entries without an id are skipped.
func DecodeConversations(raw any, kind chat.Kind) ([]chat.Conversation, error) {
	items, err := list(raw, "conversations", "groups", "data")
	if err != nil {
		return nil, fmt.Errorf("conversations: %w", err)
	}
	out := make([]chat.Conversation, 0, len(items))
	for i, item := range items {
		var dto conversationDTO
		if err := decode(item, &dto); err != nil {
			return nil, fmt.Errorf("conversation %d: %w", i, err)
		}
		c := dto.toChat(kind)
		if !c.ID.Valid() {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// DecodeMembers reads a user listing (search results or group members).
func DecodeMembers(raw any) ([]chat.Member, error) {
	items, err := list(raw, "users", "members", "data")
	if err != nil {
		return nil, fmt.Errorf("members: %w", err)
	}
	out := make([]chat.Member, 0, len(items))
	for i, item := range items {
		var dto memberDTO
		if err := decode(item, &dto); err != nil {
			return nil, fmt.Errorf("member %d: %w", i, err)
		}
		out = append(out, dto.toChat())
	}
	return out, nil
}

// DecodeUpload reads the POST /uploads response.
func DecodeUpload(raw any) (string, error) {
	var dto struct {
		URL string `json:"url"`
	}
	if err := decode(raw, &dto); err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	if dto.URL == "" {
		return "", chat.NewValidationError("upload response without url", "url")
	}
	return dto.URL, nil
}

// Unmarshal parses a JSON body into the generic form the Decode functions take.
// Numbers are kept as json.Number so large ids survive.
func Unmarshal(data []byte) (any, error) {
	var raw any
	if len(data) == 0 {
		return nil, nil
	}
	if err := unmarshalNumbers(data, &raw); err != nil {
		return nil, fmt.Errorf("json: %w", err)
	}
	return raw, nil
}

func unmarshalNumbers(data []byte, out any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(out)
}

func list(raw any, keys ...string) ([]any, error) {
	switch v := raw.(type) {
	case []any:
		return v, nil
	case map[string]any:
		for _, k := range keys {
			if inner, ok := v[k].([]any); ok {
				return inner, nil
			}
		}
		return nil, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("unexpected %T", raw)
}
