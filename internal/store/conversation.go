package store

import (
	"database/sql"
	"time"

	"github.com/deptportal/msgcore/internal/chat"
)

// UpsertConversation inserts or updates a conversation record.
func (db *DB) UpsertConversation(c chat.Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, kind, title, avatar, last_message_preview, last_activity, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE conversations.title END,
			avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE conversations.avatar END,
			last_message_preview = excluded.last_message_preview,
			last_activity = excluded.last_activity,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		string(c.ID), string(c.ID.Kind()), c.Title, c.Avatar, c.LastMessagePreview, millis(c.LastActivity), c.UnreadCount, now)
	return err
}

// ReplaceConversations stores a full refresh in one transaction.
func (db *DB) ReplaceConversations(convs []chat.Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM conversations`); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, c := range convs {
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO conversations (id, kind, title, avatar, last_message_preview, last_activity, unread_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			string(c.ID), string(c.ID.Kind()), c.Title, c.Avatar, c.LastMessagePreview, millis(c.LastActivity), c.UnreadCount, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Conversations returns the cached list, most recent activity first.
func (db *DB) Conversations() ([]chat.Conversation, error) {
	rows, err := db.Query(`
		SELECT id, title, avatar, last_message_preview, last_activity, unread_count
		FROM conversations
		ORDER BY last_activity DESC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation, or nil if unknown.
func (db *DB) GetConversation(id chat.ConversationID) (*chat.Conversation, error) {
	row := db.QueryRow(`
		SELECT id, title, avatar, last_message_preview, last_activity, unread_count
		FROM conversations WHERE id = ?`, string(id))
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (chat.Conversation, error) {
	var (
		c        chat.Conversation
		id       string
		activity int64
	)
	if err := s.Scan(&id, &c.Title, &c.Avatar, &c.LastMessagePreview, &activity, &c.UnreadCount); err != nil {
		return chat.Conversation{}, err
	}
	c.ID = chat.ConversationID(id)
	c.Kind = c.ID.Kind()
	c.LastActivity = fromMillis(activity)
	return c, nil
}
