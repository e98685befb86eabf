package store

import (
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"
)

// UpsertConversation inserts or updates a conversation summary.
func (db *DB) UpsertConversation(c *Conversation) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO conversations (id, user_id, passenger_id, user_name, passenger_name,
			last_message, last_message_at, last_sender_id, is_read, unread_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_name = excluded.user_name,
			passenger_name = excluded.passenger_name,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			last_sender_id = excluded.last_sender_id,
			is_read = excluded.is_read,
			unread_count = excluded.unread_count,
			updated_at = excluded.updated_at`,
		c.ID, c.UserID, c.PassengerID, c.UserName, c.PassengerName,
		c.LastMessage, c.LastMessageAt, c.LastSenderID, c.IsRead, c.UnreadCount, now)
	return err
}

// ReplaceConversations upserts a full refetched summary list in one transaction.
// Conversations absent from the list are kept; the backend never deletes them
// client-side, only replaces on refetch.
func (db *DB) ReplaceConversations(convs []Conversation) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	for _, c := range convs {
		if _, err := tx.Exec(`
			INSERT INTO conversations (id, user_id, passenger_id, user_name, passenger_name,
				last_message, last_message_at, last_sender_id, is_read, unread_count, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				user_name = excluded.user_name,
				passenger_name = excluded.passenger_name,
				last_message = excluded.last_message,
				last_message_at = excluded.last_message_at,
				last_sender_id = excluded.last_sender_id,
				is_read = excluded.is_read,
				unread_count = excluded.unread_count,
				updated_at = excluded.updated_at`,
			c.ID, c.UserID, c.PassengerID, c.UserName, c.PassengerName,
			c.LastMessage, c.LastMessageAt, c.LastSenderID, c.IsRead, c.UnreadCount, now); err != nil {
			return fmt.Errorf("upsert conversation %d: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// ListConversations returns conversations sorted by last message timestamp descending.
func (db *DB) ListConversations(limit, offset int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT id, user_id, passenger_id, user_name, passenger_name,
			last_message, last_message_at, last_sender_id, is_read, unread_count
		FROM conversations
		ORDER BY last_message_at DESC
		LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.PassengerID, &c.UserName, &c.PassengerName,
			&c.LastMessage, &c.LastMessageAt, &c.LastSenderID, &c.IsRead, &c.UnreadCount); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// GetConversation returns a single conversation by id, or nil if absent.
func (db *DB) GetConversation(id int64) (*Conversation, error) {
	var c Conversation
	err := db.QueryRow(`
		SELECT id, user_id, passenger_id, user_name, passenger_name,
			last_message, last_message_at, last_sender_id, is_read, unread_count
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.UserID, &c.PassengerID, &c.UserName, &c.PassengerName,
			&c.LastMessage, &c.LastMessageAt, &c.LastSenderID, &c.IsRead, &c.UnreadCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// BumpActivity updates a conversation's last-message summary and adjusts the
// unread counter. unreadDelta is 1 for an inbound message arriving while the
// conversation is not open, 0 otherwise. Returns false when the conversation
// is not in the cache.
func (db *DB) BumpActivity(convID int64, preview string, at, senderID int64, unreadDelta int) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := db.Exec(`
		UPDATE conversations SET
			last_message = ?,
			last_message_at = MAX(last_message_at, ?),
			last_sender_id = ?,
			unread_count = unread_count + ?,
			is_read = CASE WHEN unread_count + ? > 0 THEN 0 ELSE is_read END,
			updated_at = ?
		WHERE id = ?`,
		preview, at, senderID, unreadDelta, unreadDelta, now, convID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Preview trims message text for the conversation summary without splitting
// a multi-byte rune at the cut.
func Preview(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// MarkConversationRead zeroes the unread counter for the viewer.
func (db *DB) MarkConversationRead(convID int64) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		UPDATE conversations SET unread_count = 0, is_read = 1, updated_at = ?
		WHERE id = ?`, now, convID)
	return err
}

// ConversationCount returns the total number of cached conversations.
func (db *DB) ConversationCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

// MessageCount returns the total number of cached messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}
