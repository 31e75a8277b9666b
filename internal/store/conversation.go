package store

import (
	"database/sql"
	"time"
)

// UpsertConversation inserts or updates a conversation preview. Zero-valued
// profile fields keep their stored values so an inbound message event does
// not wipe the display name fetched over REST.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, display_name, avatar_url, is_group, last_message, last_message_type, last_activity_at, unread_count, online, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE conversations.display_name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE conversations.avatar_url END,
			is_group = excluded.is_group,
			last_message = excluded.last_message,
			last_message_type = excluded.last_message_type,
			last_activity_at = MAX(conversations.last_activity_at, excluded.last_activity_at),
			unread_count = excluded.unread_count,
			online = excluded.online,
			updated_at = excluded.updated_at`,
		c.ID, c.DisplayName, c.AvatarURL, c.IsGroup, c.LastMessage, c.LastMessageType, c.LastActivityAt, c.UnreadCount, c.Online, now)
	return err
}

// ListConversations returns previews sorted by last activity descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`
		SELECT id, display_name, avatar_url, is_group, last_message, last_message_type, last_activity_at, unread_count, online
		FROM conversations
		ORDER BY last_activity_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.DisplayName, &c.AvatarURL, &c.IsGroup, &c.LastMessage, &c.LastMessageType, &c.LastActivityAt, &c.UnreadCount, &c.Online); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by id, or nil if absent.
func (db *DB) GetConversation(id string) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, display_name, avatar_url, is_group, last_message, last_message_type, last_activity_at, unread_count, online
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.DisplayName, &c.AvatarURL, &c.IsGroup, &c.LastMessage, &c.LastMessageType, &c.LastActivityAt, &c.UnreadCount, &c.Online)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ResetUnread zeroes the unread counter for a conversation.
func (db *DB) ResetUnread(id string) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ?`, now, id)
	return err
}

// SetOnline updates the presence flag for a conversation.
func (db *DB) SetOnline(id string, online bool) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`UPDATE conversations SET online = ?, updated_at = ? WHERE id = ?`, online, now, id)
	return err
}
