package store

import (
	"database/sql"
	"fmt"
	"slices"
	"time"

	"github.com/deptportal/msgcore/internal/chat"
)

// UpsertMessage inserts or updates a confirmed message (idempotent on
// conversation_id + msg_id). Temporary ids are not cached.
func (db *DB) UpsertMessage(m chat.Message) error {
	if chat.IsTemporary(m.ID) {
		return nil
	}
	var edited sql.NullInt64
	if m.EditedAt != nil {
		edited = sql.NullInt64{Int64: m.EditedAt.UnixMilli(), Valid: true}
	}
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, client_id, sender_id, sender_name, sender_role, body, attachments, status, created_at, edited_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			sender_name = excluded.sender_name,
			body = excluded.body,
			attachments = excluded.attachments,
			status = excluded.status,
			edited_at = excluded.edited_at`,
		string(m.ConversationID), m.ID, m.ClientID, m.SenderID, m.SenderName, m.SenderRole, m.Body,
		encodeAttachments(m.Attachments), string(m.Status), m.CreatedAt.UnixMilli(), edited)
	return err
}

// DeleteMessage removes a cached message.
func (db *DB) DeleteMessage(conv chat.ConversationID, id string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, string(conv), id)
	return err
}

// ListMessages returns messages older than before, newest first, using keyset
// pagination by timestamp. A zero before starts from the newest message.
func (db *DB) ListMessages(conv chat.ConversationID, before time.Time, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	beforeTs := time.Now().UnixMilli() + 1
	if !before.IsZero() {
		beforeTs = before.UnixMilli()
	}
	rows, err := db.Query(`
		SELECT conversation_id, msg_id, client_id, sender_id, sender_name, sender_role, body, attachments, status, created_at, edited_at
		FROM messages
		WHERE conversation_id = ? AND created_at < ?
		ORDER BY created_at DESC
		LIMIT ?`, string(conv), beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RecentMessages returns up to limit of the newest cached messages in log
// order (oldest first).
func (db *DB) RecentMessages(conv chat.ConversationID, limit int) ([]chat.Message, error) {
	msgs, err := db.ListMessages(conv, time.Time{}, limit)
	if err != nil {
		return nil, err
	}
	slices.Reverse(msgs)
	return msgs, nil
}

func scanMessage(s scanner) (chat.Message, error) {
	var (
		m       chat.Message
		conv    string
		atts    string
		status  string
		created int64
		edited  sql.NullInt64
	)
	if err := s.Scan(&conv, &m.ID, &m.ClientID, &m.SenderID, &m.SenderName, &m.SenderRole, &m.Body, &atts, &status, &created, &edited); err != nil {
		return chat.Message{}, err
	}
	m.ConversationID = chat.ConversationID(conv)
	m.Status = chat.Status(status)
	m.CreatedAt = time.UnixMilli(created)
	if edited.Valid {
		t := time.UnixMilli(edited.Int64)
		m.EditedAt = &t
	}
	a, err := decodeAttachments(atts)
	if err != nil {
		return chat.Message{}, fmt.Errorf("decoding attachments of %s: %w", m.ID, err)
	}
	m.Attachments = a
	return m, nil
}
