package transport

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Wire event names. The backend routes on the envelope's "event" field.
const (
	// Outbound.
	EventAuthenticate = "authenticate"
	EventSendMessage  = "send_message"
	EventMarkAsRead   = "mark_as_read"

	// Inbound.
	EventNewMessage   = "new_message"
	EventMessageSent  = "message_sent"
	EventMessageError = "message_error"
	EventMessagesRead = "messages_read"
)

// Envelope is the framing for every WebSocket message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload for sending.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Envelope{Event: event, Data: data}, nil
}

// MessageEvent is the decoded payload of new_message and message_sent.
// MessageSent is the server echo of the viewer's own send and carries the
// client idempotency key back when the backend supports it.
type MessageEvent struct {
	ConversationID int64
	MsgID          string
	ClientMsgID    string
	SenderID       int64
	Body           string
	SentAt         int64 // unix ms
	IsRead         bool
}

// SendError is the decoded payload of message_error.
type SendError struct {
	ConversationID int64  `json:"conversation_id"`
	ClientMsgID    string `json:"client_msg_id"`
	Error          string `json:"error"`
}

// ReadReceipt is the decoded payload of messages_read.
type ReadReceipt struct {
	ConversationID int64 `json:"conversation_id"`
	ReaderID       int64 `json:"reader_id"`
}

// AuthPayload is the post-connect authentication payload. The server uses
// it to route push events to this socket.
type AuthPayload struct {
	UserID int64  `json:"user_id"`
	Token  string `json:"token"`
}

// SendMessagePayload is the outbound send_message payload.
type SendMessagePayload struct {
	ConversationID int64  `json:"conversation_id"`
	SenderID       int64  `json:"sender_id"`
	ReceiverID     int64  `json:"receiver_id"`
	MessageText    string `json:"message_text"`
	ClientMsgID    string `json:"client_msg_id"`
}

// MarkAsReadPayload is the outbound mark_as_read payload.
type MarkAsReadPayload struct {
	ConversationID int64 `json:"conversation_id"`
	UserID         int64 `json:"user_id"`
}

type messageEventDTO struct {
	ConversationID int64       `json:"conversation_id"`
	ID             json.Number `json:"id"`
	ClientMsgID    string      `json:"client_msg_id"`
	SenderID       int64       `json:"sender_id"`
	MessageText    string      `json:"message_text"`
	SentAt         string      `json:"sent_at"`
	IsRead         bool        `json:"is_read"`
}

// DecodeMessageEvent parses a new_message/message_sent payload.
func DecodeMessageEvent(data json.RawMessage) (*MessageEvent, error) {
	var dto messageEventDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, fmt.Errorf("decode message event: %w", err)
	}
	return &MessageEvent{
		ConversationID: dto.ConversationID,
		MsgID:          dto.ID.String(),
		ClientMsgID:    dto.ClientMsgID,
		SenderID:       dto.SenderID,
		Body:           dto.MessageText,
		SentAt:         parseTimestamp(dto.SentAt),
		IsRead:         dto.IsRead,
	}, nil
}

// DecodeSendError parses a message_error payload.
func DecodeSendError(data json.RawMessage) (*SendError, error) {
	var e SendError
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode send error: %w", err)
	}
	return &e, nil
}

// DecodeReadReceipt parses a messages_read payload.
func DecodeReadReceipt(data json.RawMessage) (*ReadReceipt, error) {
	var r ReadReceipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode read receipt: %w", err)
	}
	return &r, nil
}

// parseTimestamp accepts the backend's timestamp formats and falls back to
// the receive time so a malformed stamp never drops a message.
func parseTimestamp(s string) int64 {
	if s == "" {
		return time.Now().UnixMilli()
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ms
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli()
		}
	}
	return time.Now().UnixMilli()
}
