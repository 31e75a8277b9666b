package store

import "time"

// QueueOutbox adds a message to the send outbox.
func (db *DB) QueueOutbox(clientMsgID, conversationID, messageType, content string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO outbox (client_msg_id, conversation_id, message_type, content, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		clientMsgID, conversationID, messageType, content, now, now)
	return err
}

// MarkOutboxSending updates an outbox entry to 'sending' and bumps the
// attempts counter.
func (db *DB) MarkOutboxSending(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sending', attempts = attempts + 1, updated_at = ?
		WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (db *DB) MarkOutboxSent(clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ?
		WHERE client_msg_id = ?`, serverMsgID, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (db *DB) MarkOutboxFailed(clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ?
		WHERE client_msg_id = ?`, errMsg, now, clientMsgID)
	return err
}

// MarkOutboxQueued returns an entry to 'queued' unconditionally; used when a
// send was interrupted by a connection drop rather than rejected.
func (db *DB) MarkOutboxQueued(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', updated_at = ?
		WHERE client_msg_id = ?`, now, clientMsgID)
	return err
}

// RequeueOutbox puts a failed entry back in the queue for an explicit
// user-triggered retry.
func (db *DB) RequeueOutbox(clientMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE outbox SET status = 'queued', error_message = '', updated_at = ?
		WHERE client_msg_id = ? AND status = 'failed'`, now, clientMsgID)
	return err
}

// DiscardOutbox removes an entry; used when the user discards a failed send.
func (db *DB) DiscardOutbox(clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	return err
}

// PendingOutbox returns queued entries in enqueue order. Entries stuck in
// 'sending' from a previous process run are included so a crash never loses
// a composed message.
func (db *DB) PendingOutbox() ([]OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, conversation_id, message_type, content, status, attempts, error_message, server_msg_id
		FROM outbox WHERE status IN ('queued', 'sending') ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.MessageType, &e.Content, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerMsgID); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetOutboxEntry returns one entry by client message id, or nil if absent.
func (db *DB) GetOutboxEntry(clientMsgID string) (*OutboxEntry, error) {
	rows, err := db.Query(`
		SELECT id, client_msg_id, conversation_id, message_type, content, status, attempts, error_message, server_msg_id
		FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var e OutboxEntry
	if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.ConversationID, &e.MessageType, &e.Content, &e.Status, &e.Attempts, &e.ErrorMessage, &e.ServerMsgID); err != nil {
		return nil, err
	}
	return &e, nil
}

// OutboxDepth returns how many entries are still waiting to go out.
func (db *DB) OutboxDepth() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE status IN ('queued', 'sending')`).Scan(&n)
	return n, err
}
