package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/drivup/unibus/internal/store"
)

// wireTime parses the backend's timestamp formats: RFC3339, the bare
// datetime MySQL emits, or a raw unix-milliseconds number.
type wireTime struct {
	time.Time
}

func (w *wireTime) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" || s == `""` {
		w.Time = time.Time{}
		return nil
	}
	if s[0] != '"' {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("wireTime %s: %w", s, err)
		}
		w.Time = time.UnixMilli(ms)
		return nil
	}
	s = s[1 : len(s)-1]
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			w.Time = t
			return nil
		}
	}
	return fmt.Errorf("wireTime: unrecognized timestamp %q", s)
}

type messageRowDTO struct {
	ID          json.Number `json:"id"`
	SenderID    int64       `json:"sender_id"`
	MessageText string      `json:"message_text"`
	SentAt      wireTime    `json:"sent_at"`
	IsRead      bool        `json:"is_read"`
	ClientMsgID string      `json:"client_msg_id"`
}

// Messages fetches the raw message history for a conversation.
// GET /conversations/{conversationId}/messages
// Rows are returned oldest-first with empty Status; the synchronizer
// computes display status for the viewer.
func (c *Client) Messages(ctx context.Context, convID int64) ([]store.Message, error) {
	var rows []messageRowDTO
	if err := c.do(ctx, "GET", fmt.Sprintf("/conversations/%d/messages", convID), nil, &rows); err != nil {
		return nil, err
	}

	msgs := make([]store.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, store.Message{
			ConversationID: convID,
			MsgID:          r.ID.String(),
			ClientMsgID:    r.ClientMsgID,
			SenderID:       r.SenderID,
			Body:           r.MessageText,
			IsRead:         r.IsRead,
			SentAt:         r.SentAt.UnixMilli(),
		})
	}
	return msgs, nil
}

// SendRequest is the REST fallback send payload. POST /messages
type SendRequest struct {
	ConversationID int64  `json:"conversationId"`
	SenderID       int64  `json:"senderId"`
	ReceiverID     int64  `json:"receiverId"`
	MessageText    string `json:"messageText"`
	ClientMsgID    string `json:"clientMsgId"`
}

type sendResponse struct {
	ID json.Number `json:"id"`
}

// SendMessage posts a message over REST, used when the WebSocket is down.
// Returns the server-assigned message id.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (string, error) {
	var resp sendResponse
	if err := c.do(ctx, "POST", "/messages", req, &resp); err != nil {
		return "", err
	}
	return resp.ID.String(), nil
}

// MarkAsRead notifies the backend over REST that the viewer read a
// conversation. Fire-and-forget fallback for when the socket is down.
func (c *Client) MarkAsRead(ctx context.Context, convID, userID int64) error {
	body := map[string]int64{"conversationId": convID, "userId": userID}
	return c.do(ctx, "POST", "/messages/read", body, nil)
}
