package store

import "time"

// UpsertMessage inserts or updates a message (idempotent on conversation_id + msg_id).
func (db *DB) UpsertMessage(m *Message) error {
	now := time.Now().UnixMilli()
	_, err := db.Exec(`
		INSERT INTO messages (conversation_id, msg_id, client_msg_id, sender_id, body, status, is_read, sent_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
			body = excluded.body,
			status = excluded.status,
			is_read = excluded.is_read`,
		m.ConversationID, m.MsgID, m.ClientMsgID, m.SenderID, m.Body, m.Status, m.IsRead, m.SentAt, now)
	return err
}

// ResolveClientEcho correlates a server echo with its pending optimistic row
// by client idempotency key, replacing the provisional msg_id with the
// server-assigned one. Returns true if a pending row was resolved.
func (db *DB) ResolveClientEcho(convID int64, clientMsgID, serverMsgID, status string, sentAt int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET msg_id = ?, status = ?, sent_at = ?
		WHERE conversation_id = ? AND client_msg_id = ? AND msg_id != ?`,
		serverMsgID, status, sentAt, convID, clientMsgID, serverMsgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ResolvePendingByText is the fallback correlation for echoes that do not
// carry the client key: the oldest still-pending row from the same sender
// with identical text is promoted to the server id. Known to collide under
// duplicate rapid sends, which is why the client key path is preferred.
func (db *DB) ResolvePendingByText(convID, senderID int64, body, serverMsgID, status string, sentAt int64) (bool, error) {
	res, err := db.Exec(`
		UPDATE messages SET msg_id = ?, status = ?, sent_at = ?
		WHERE id = (
			SELECT id FROM messages
			WHERE conversation_id = ? AND sender_id = ? AND body = ?
				AND client_msg_id != '' AND msg_id = client_msg_id
			ORDER BY id ASC LIMIT 1
		)`,
		serverMsgID, status, sentAt, convID, senderID, body)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// HasMessage reports whether a server message id is already cached for the
// conversation.
func (db *DB) HasMessage(convID int64, msgID string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND msg_id = ?`, convID, msgID).Scan(&n)
	return n > 0, err
}

// DeleteByClientID removes a pending optimistic row after a definitive send
// failure.
func (db *DB) DeleteByClientID(convID int64, clientMsgID string) error {
	_, err := db.Exec(`DELETE FROM messages WHERE conversation_id = ? AND client_msg_id = ?`, convID, clientMsgID)
	return err
}

// ListMessages returns messages for a conversation using keyset pagination.
// Rows come newest-first ordered by (sent_at, id); the view reverses them.
func (db *DB) ListMessages(convID int64, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := db.Query(`
		SELECT id, conversation_id, msg_id, client_msg_id, sender_id, body, status, is_read, sent_at
		FROM messages
		WHERE conversation_id = ? AND sent_at < ?
		ORDER BY sent_at DESC, id DESC
		LIMIT ?`, convID, beforeTs, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RowID, &m.ConversationID, &m.MsgID, &m.ClientMsgID,
			&m.SenderID, &m.Body, &m.Status, &m.IsRead, &m.SentAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ReplaceHistory rewrites the cached history for a conversation from a REST
// fetch, in one transaction. Pending optimistic rows are preserved.
func (db *DB) ReplaceHistory(convID int64, msgs []Message) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		DELETE FROM messages
		WHERE conversation_id = ? AND NOT (client_msg_id != '' AND msg_id = client_msg_id)`,
		convID); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.Exec(`
			INSERT INTO messages (conversation_id, msg_id, client_msg_id, sender_id, body, status, is_read, sent_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(conversation_id, msg_id) DO UPDATE SET
				body = excluded.body,
				status = excluded.status,
				is_read = excluded.is_read`,
			convID, m.MsgID, m.ClientMsgID, m.SenderID, m.Body, m.Status, m.IsRead, m.SentAt, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// MarkViewerMessagesRead flips all of the viewer's own messages in a
// conversation to read, in response to a read receipt from the other side.
func (db *DB) MarkViewerMessagesRead(convID, viewerID int64) error {
	_, err := db.Exec(`
		UPDATE messages SET status = ?, is_read = 1
		WHERE conversation_id = ? AND sender_id = ? AND status != ?`,
		StatusRead, convID, viewerID, StatusFailed)
	return err
}
