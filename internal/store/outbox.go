package store

import (
	"time"

	"github.com/deptportal/msgcore/internal/chat"
)

// QueueOutbox adds a send to the outbox.
func (db *DB) QueueOutbox(clientID string, conv chat.ConversationID, body string, atts []chat.Attachment) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_id, conversation_id, body, attachments, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		clientID, string(conv), body, encodeAttachments(atts), now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' and counts the attempt.
func (db *DB) MarkOutboxSending(clientID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ? WHERE client_id = ?`, now, clientID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message id.
func (db *DB) MarkOutboxSent(clientID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'sent', server_msg_id = ?, error_message = '', updated_at = ? WHERE client_id = ?`, serverMsgID, now, clientID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_id = ?`, errMsg, now, clientID)
	return err
}

// FailInterrupted marks sends left queued or sending by a previous run as
// failed and returns how many there were.
func (db *DB) FailInterrupted() (int, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE outbox SET status = 'failed', error_message = 'interrupted', updated_at = ?
		WHERE status IN ('queued', 'sending')`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetOutbox returns one outbox entry, or nil if unknown.
func (db *DB) GetOutbox(clientID string) (*OutboxEntry, error) {
	entries, err := db.queryOutbox(`WHERE client_id = ?`, clientID)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// PendingOutbox returns outbox entries that are still queued or sending.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	return db.queryOutbox(`WHERE status IN ('queued', 'sending') ORDER BY created_at ASC`)
}

func (db *DB) queryOutbox(where string, args ...any) ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT client_id, conversation_id, body, attachments, status, attempts, error_message, server_msg_id, created_at
		FROM outbox `+where, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e       OutboxEntry
			conv    string
			atts    string
			created int64
		)
		if err := rows.Scan(&e.ClientID, &conv, &e.Body, &atts, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerMsgID, &created); err != nil {
			return nil, err
		}
		e.ConversationID = chat.ConversationID(conv)
		e.CreatedAt = fromMillis(created)
		if e.Attachments, err = decodeAttachments(atts); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
