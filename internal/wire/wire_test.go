package wire

import (
	"testing"
	"time"

	"github.com/deptportal/msgcore/internal/chat"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustUnmarshal(t *testing.T, s string) any {
	t.Helper()
	raw, err := Unmarshal([]byte(s))
	require.NoError(t, err)
	return raw
}

func TestDecodeMessageDirection(t *testing.T) {
	incoming := mustUnmarshal(t, `{"id": 42, "sender_id": 7, "receiver_id": "1", "content": "hi",
		"created_at": "2026-03-01T10:00:00Z"}`)
	msg, err := DecodeMessage(incoming, "1")
	require.NoError(t, err)
	assert.Equal(t, "42", msg.ID)
	assert.Equal(t, chat.DirectID("7"), msg.ConversationID)
	assert.Equal(t, chat.StatusDelivered, msg.Status)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), msg.CreatedAt.UTC())

	outgoing := mustUnmarshal(t, `{"id": "43", "sender_id": "1", "receiver_id": 7, "content": "yo",
		"created_at": 1772359200000, "client_id": "local-abc"}`)
	msg, err = DecodeMessage(outgoing, "1")
	require.NoError(t, err)
	assert.Equal(t, chat.DirectID("7"), msg.ConversationID)
	assert.Equal(t, chat.StatusSent, msg.Status)
	assert.Equal(t, "local-abc", msg.ClientID)
	assert.Equal(t, int64(1772359200000), msg.CreatedAt.UnixMilli())
}

func TestDecodeGroupMessageWithAttachments(t *testing.T) {
	raw := mustUnmarshal(t, `{"id": 5, "sender_id": 9, "group_id": "cs-101", "content": "",
		"status": "read", "edited_at": "2026-03-01T11:00:00Z",
		"attachments": [{"name": "a.png", "mime_type": "image/png", "url": "https://x/a.png", "size": "120"},
		                {"type": "file", "name": "b.pdf", "url": "https://x/b.pdf"}]}`)
	msg, err := DecodeMessage(raw, "1")
	require.NoError(t, err)
	assert.Equal(t, chat.GroupID("cs-101"), msg.ConversationID)
	assert.Equal(t, chat.StatusRead, msg.Status)
	require.NotNil(t, msg.EditedAt)
	require.Len(t, msg.Attachments, 2)
	assert.Equal(t, chat.AttachmentImage, msg.Attachments[0].Kind)
	assert.Equal(t, int64(120), msg.Attachments[0].Size)
	assert.Equal(t, chat.AttachmentFile, msg.Attachments[1].Kind)
	assert.True(t, msg.Attachments[1].Uploaded())
}

func TestDecodeMessageRejectsMissingID(t *testing.T) {
	_, err := DecodeMessage(mustUnmarshal(t, `{"sender_id": 7, "receiver_id": 1}`), "1")
	assert.True(t, chat.IsValidation(err))
}

func TestDecodePageShapes(t *testing.T) {
	msgs, hasMore, err := DecodePage(mustUnmarshal(t, `[{"id":1,"sender_id":7,"receiver_id":1}]`), "1", chat.DirectID("7"))
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
	assert.Nil(t, hasMore)

	msgs, hasMore, err = DecodePage(mustUnmarshal(t,
		`{"messages":[{"id":1,"sender_id":7,"receiver_id":1},{"id":2,"sender_id":1,"receiver_id":7}],"has_more":false}`), "1", chat.DirectID("7"))
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	require.NotNil(t, hasMore)
	assert.False(t, *hasMore)
}

func TestDecodePageTakesRequestConversation(t *testing.T) {
	// Records of a scoped listing may leave out group_id and receiver_id.
	msgs, _, err := DecodePage(mustUnmarshal(t,
		`[{"id":5,"sender_id":7,"content":"hello group"},{"id":6,"sender_id":1,"content":"mine"}]`),
		"1", chat.GroupID("g1"))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, chat.GroupID("g1"), m.ConversationID, "message %s", m.ID)
	}

	msgs, _, err = DecodePage(mustUnmarshal(t, `[{"id":8,"sender_id":1,"content":"sent by me"}]`),
		"1", chat.DirectID("7"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, chat.DirectID("7"), msgs[0].ConversationID)
	assert.Equal(t, chat.StatusSent, msgs[0].Status)
}

func TestDecodeMessageInFillsConversation(t *testing.T) {
	raw := mustUnmarshal(t, `{"id":6,"sender_id":1,"content":"hi"}`)

	_, err := DecodeMessage(raw, "1")
	assert.True(t, chat.IsValidation(err), "unscoped record without conversation must be rejected")

	msg, err := DecodeMessageIn(raw, "1", chat.GroupID("g1"))
	require.NoError(t, err)
	assert.Equal(t, chat.GroupID("g1"), msg.ConversationID)

	msg, err = DecodeMessageIn(raw, "1", chat.DirectID("7"))
	require.NoError(t, err)
	assert.Equal(t, chat.DirectID("7"), msg.ConversationID)
}

func TestLargeIDsKeepPrecision(t *testing.T) {
	msg, err := DecodeMessage(mustUnmarshal(t,
		`{"id":9007199254740993,"sender_id":7,"receiver_id":1,"created_at":1772359200123}`), "1")
	require.NoError(t, err)
	assert.Equal(t, "9007199254740993", msg.ID)
	assert.Equal(t, int64(1772359200123), msg.CreatedAt.UnixMilli())

	f, err := DecodeFrame([]byte(`{"v":1,"type":"delete","data":{"message_id":9007199254740995,"sender_id":7}}`), "1")
	require.NoError(t, err)
	require.NotNil(t, f.Delete)
	assert.Equal(t, "9007199254740995", f.Delete.MessageID)
}

func TestDecodeConversations(t *testing.T) {
	direct, err := DecodeConversations(mustUnmarshal(t,
		`[{"user_id": 7, "name": "Dr. Rao", "last_message": "see you", "last_message_at": "2026-03-01T10:00:00Z", "unread_count": "2"},
		  {"name": "no id"}]`), chat.Direct)
	require.NoError(t, err)
	require.Len(t, direct, 1)
	assert.Equal(t, chat.DirectID("7"), direct[0].ID)
	assert.Equal(t, 2, direct[0].UnreadCount)
	assert.Equal(t, "see you", direct[0].LastMessagePreview)

	groups, err := DecodeConversations(mustUnmarshal(t,
		`{"groups": [{"id": "cs-101", "name": "CS 101", "members": [{"id": 7, "name": "Dr. Rao", "role": "faculty"}]}]}`), chat.Group)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, chat.GroupID("cs-101"), groups[0].ID)
	assert.Equal(t, []chat.Member{{UserID: "7", Name: "Dr. Rao", Role: "faculty"}}, groups[0].Members)
}

func TestDecodeUpload(t *testing.T) {
	url, err := DecodeUpload(mustUnmarshal(t, `{"url": "https://files/1"}`))
	require.NoError(t, err)
	assert.Equal(t, "https://files/1", url)

	_, err = DecodeUpload(mustUnmarshal(t, `{}`))
	assert.Error(t, err)
}

func TestDecodeFrames(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, f Frame)
	}{
		{"message", `{"v":1,"id":"e1","type":"message","data":{"id":10,"sender_id":7,"receiver_id":1,"content":"hey"}}`,
			func(t *testing.T, f Frame) {
				require.NotNil(t, f.Message)
				assert.Equal(t, "e1", f.Key)
				assert.Equal(t, "hey", f.Message.Body)
			}},
		{"presence", `{"v":1,"type":"presence","data":{"user_id":7,"online":true}}`,
			func(t *testing.T, f Frame) {
				require.NotNil(t, f.Presence)
				assert.Equal(t, Presence{UserID: "7", Online: true}, *f.Presence)
			}},
		{"typing", `{"v":1,"type":"typing","data":{"user_id":"7","typing":true}}`,
			func(t *testing.T, f Frame) {
				require.NotNil(t, f.Typing)
				assert.Equal(t, chat.DirectID("7"), f.Typing.ConversationID)
				assert.True(t, f.Typing.Typing)
			}},
		{"receipt", `{"v":1,"type":"receipt","data":{"message_id":10,"peer_id":7,"status":"read"}}`,
			func(t *testing.T, f Frame) {
				require.NotNil(t, f.Receipt)
				assert.Equal(t, Receipt{MessageID: "10", ConversationID: chat.DirectID("7"), Status: chat.StatusRead}, *f.Receipt)
			}},
		{"edit", `{"v":1,"type":"edit","data":{"id":10,"group_id":"g","content":"fixed"}}`,
			func(t *testing.T, f Frame) {
				require.NotNil(t, f.Edit)
				assert.Equal(t, chat.GroupID("g"), f.Edit.ConversationID)
				assert.Equal(t, "fixed", f.Edit.Body)
			}},
		{"delete", `{"v":1,"type":"delete","data":{"message_id":"10","sender_id":"7"}}`,
			func(t *testing.T, f Frame) {
				require.NotNil(t, f.Delete)
				assert.Equal(t, "10", f.Delete.MessageID)
			}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.frame), "1")
			require.NoError(t, err)
			assert.NotEmpty(t, f.Key)
			tt.check(t, f)
		})
	}
}

func TestDecodeFrameRejects(t *testing.T) {
	for _, s := range []string{
		`{"v":2,"type":"message","data":{}}`,
		`{"v":1,"type":"bogus","data":{}}`,
		`{"v":1,"type":"receipt","data":{"message_id":1,"status":"failed"}}`,
		`{"v":1,"type":"delete","data":{}}`,
	} {
		_, err := DecodeFrame([]byte(s), "1")
		assert.True(t, chat.IsValidation(err), "expected validation error for %s", s)
	}
	_, err := DecodeFrame([]byte(`not json`), "1")
	assert.Error(t, err)
}

func TestFrameKeyStableWithoutID(t *testing.T) {
	data := []byte(`{"v":1,"type":"presence","data":{"user_id":7,"online":true}}`)
	a, err := DecodeFrame(data, "1")
	require.NoError(t, err)
	b, err := DecodeFrame(data, "1")
	require.NoError(t, err)
	assert.Equal(t, a.Key, b.Key)
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	data, err := EncodeFrame("x1", FrameTyping, map[string]any{"user_id": "7", "typing": false})
	require.NoError(t, err)
	f, err := DecodeFrame(data, "1")
	require.NoError(t, err)
	assert.Equal(t, "x1", f.Key)
	assert.False(t, f.Typing.Typing)
}
