package api

import (
	"github.com/deptportal/msgcore/internal/bus"
	"github.com/deptportal/msgcore/internal/chat"
	"github.com/deptportal/msgcore/internal/msgsync"
	"github.com/deptportal/msgcore/internal/presence"
	"github.com/deptportal/msgcore/internal/registry"
	"github.com/deptportal/msgcore/internal/status"
	"github.com/deptportal/msgcore/internal/wire"
	"github.com/google/uuid"
)

// eventMap flattens a bus event for Watch. Unknown payloads are sent with the
// kind only.
func eventMap(evt bus.Event) map[string]any {
	return map[string]any{
		"id":      uuid.NewString(),
		"kind":    evt.Kind,
		"at":      timeString(evt.Timestamp),
		"payload": payloadMap(evt.Payload),
	}
}

func payloadMap(p any) map[string]any {
	switch v := p.(type) {
	case chat.Message:
		return messageMap(v)
	case msgsync.Upserted:
		return map[string]any{"conversation_id": string(v.ConversationID), "message": messageMap(v.Message)}
	case msgsync.Removed:
		return map[string]any{"conversation_id": string(v.ConversationID), "id": v.ID}
	case msgsync.SendAck:
		return map[string]any{
			"conversation_id": string(v.ConversationID),
			"temp_id":         v.TempID,
			"message":         messageMap(v.Message),
		}
	case msgsync.SendFailed:
		return map[string]any{"conversation_id": string(v.ConversationID), "temp_id": v.TempID, "error": v.Err}
	case msgsync.HistoryLoaded:
		return map[string]any{
			"conversation_id": string(v.ConversationID),
			"count":           v.Count,
			"has_more":        v.HasMore,
			"error":           v.Err,
		}
	case []chat.Conversation:
		return map[string]any{"conversations": list(v, func(c chat.Conversation) map[string]any {
			return conversationMap(c, false)
		})}
	case chat.Conversation:
		return conversationMap(v, false)
	case registry.Ready:
		return map[string]any{"conversation_id": string(v.ConversationID), "error": v.Err}
	case presence.Change:
		return map[string]any{"user_id": v.UserID, "online": v.State.Online, "typing": v.State.Typing}
	case status.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	case wire.Presence:
		return map[string]any{"user_id": v.UserID, "online": v.Online}
	case wire.Typing:
		return map[string]any{"user_id": v.UserID, "conversation_id": string(v.ConversationID), "typing": v.Typing}
	case wire.Receipt:
		return map[string]any{"id": v.MessageID, "conversation_id": string(v.ConversationID), "status": string(v.Status)}
	case wire.Edit:
		return map[string]any{
			"id":              v.MessageID,
			"conversation_id": string(v.ConversationID),
			"body":            v.Body,
			"edited_at":       timeString(v.EditedAt),
		}
	case wire.Delete:
		return map[string]any{"id": v.MessageID, "conversation_id": string(v.ConversationID)}
	}
	return map[string]any{}
}
