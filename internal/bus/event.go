package bus

import "time"

// Event kinds. Subscribers filter by namespace prefix ("live.", "message.", ...).
const (
	// Raw events decoded from the live update feed.
	KindLiveMessage  = "live.message"
	KindLivePresence = "live.presence"
	KindLiveTyping   = "live.typing"
	KindLiveReceipt  = "live.receipt"
	KindLiveEdit     = "live.edit"
	KindLiveDelete   = "live.delete"

	// Message log changes.
	KindMessageUpserted   = "message.upserted"
	KindMessageRemoved    = "message.removed"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindHistoryLoaded     = "message.history_loaded"

	// Conversation list changes.
	KindConversationsRefreshed = "conversation.refreshed"
	KindConversationUpdated    = "conversation.updated"
	KindConversationReady      = "conversation.ready"

	KindPresenceChanged = "presence.changed"

	KindFeedStatusChanged = "feed.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent stamps an event with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
