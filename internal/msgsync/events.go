package msgsync

import "github.com/deptportal/msgcore/internal/chat"

// Upserted is the payload of message.upserted.
type Upserted struct {
	ConversationID chat.ConversationID
	Message        chat.Message
}

// Removed is the payload of message.removed.
type Removed struct {
	ConversationID chat.ConversationID
	ID             string
}

// SendAck is the payload of message.send_ack.
type SendAck struct {
	ConversationID chat.ConversationID
	TempID         string
	Message        chat.Message
}

// SendFailed is the payload of message.send_failed.
type SendFailed struct {
	ConversationID chat.ConversationID
	TempID         string
	Err            string
}

// HistoryLoaded is the payload of message.history_loaded.
type HistoryLoaded struct {
	ConversationID chat.ConversationID
	Count          int
	HasMore        bool
	Err            string
}
