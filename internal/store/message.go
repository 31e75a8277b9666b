package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on
// conversation_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, sender_id, message_type, content, from_me, status, reactions, seq, timestamp, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			content = excluded.content,
			status = excluded.status,
			reactions = excluded.reactions,
			seq = excluded.seq`,
		m.ConversationID, m.MsgID, m.SenderID, m.MessageType, m.Content, m.FromMe, m.Status, reactionsOrEmpty(m.Reactions), m.Seq, m.Timestamp, now)
	return err
}

func reactionsOrEmpty(r string) string {
	if r == "" {
		return "[]"
	}
	return r
}

// ListMessages returns messages for a conversation using keyset pagination
// by timestamp, newest first.
func (db *DB) ListMessages(conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, sender_id, message_type, content, from_me, status, reactions, seq, timestamp
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.MsgID, &m.SenderID, &m.MessageType, &m.Content, &m.FromMe, &m.Status, &m.Reactions, &m.Seq, &m.Timestamp); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// RenameMessage swaps a temporary client id for the server-assigned id and
// updates the delivery status. Used during send reconciliation.
func (db *DB) RenameMessage(conversationID, oldMsgID, newMsgID, status string) error {
	_, err := db.Exec(`
		UPDATE messages SET msg_id = ?, status = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		newMsgID, status, conversationID, oldMsgID)
	return err
}

// SetMessageStatus updates the delivery status of one message.
func (db *DB) SetMessageStatus(conversationID, msgID, status string) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		status, conversationID, msgID)
	return err
}

// SetMessagesRead marks the listed message ids as read. Missing ids are
// ignored.
func (db *DB) SetMessagesRead(conversationID string, msgIDs []string) error {
	for _, id := range msgIDs {
		if err := db.SetMessageStatus(conversationID, id, StatusRead); err != nil {
			return err
		}
	}
	return nil
}

// SetMessageReactions replaces the stored reaction list for a message.
func (db *DB) SetMessageReactions(conversationID, msgID, reactionsJSON string) error {
	_, err := db.Exec(`
		UPDATE messages SET reactions = ?
		WHERE conversation_id = ? AND msg_id = ?`,
		reactionsOrEmpty(reactionsJSON), conversationID, msgID)
	return err
}

// DeleteMessage removes a message row.
func (db *DB) DeleteMessage(conversationID, msgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND msg_id = ?`, conversationID, msgID)
	return err
}

// ReplaceHistory replaces the stored page for a conversation with a freshly
// fetched one, in a single transaction.
func (db *DB) ReplaceHistory(conversationID string, msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, msg_id, sender_id, message_type, content, from_me, status, reactions, seq, timestamp, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
				content = excluded.content,
				status = excluded.status`,
			m.ConversationID, m.MsgID, m.SenderID, m.MessageType, m.Content, m.FromMe, m.Status, reactionsOrEmpty(m.Reactions), m.Seq, m.Timestamp, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}
