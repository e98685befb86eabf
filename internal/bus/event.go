package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced so subscribers can filter by prefix:
//
//	transport.*    raw events decoded from the backend WebSocket
//	message.*      message lifecycle (upserted, send_ack, send_failed, read)
//	conversation.* conversation summary changes
//	session.*      connection/auth lifecycle
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Well-known event kinds. Payload types are documented next to the
// publisher that owns each kind.
const (
	KindTransportNewMessage   = "transport.new_message"
	KindTransportMessageSent  = "transport.message_sent"
	KindTransportMessageError = "transport.message_error"
	KindTransportMessagesRead = "transport.messages_read"

	KindMessageUpserted      = "message.upserted"
	KindMessageSendAck       = "message.send_ack"
	KindMessageSendFailed    = "message.send_failed"
	KindMessageRead          = "message.read"
	KindMessageHistoryLoaded = "message.history_loaded"

	KindConversationUpdated = "conversation.updated"

	KindSessionStatusChanged = "session.status_changed"
	KindSessionConnected     = "session.connected"
	KindSessionDisconnected  = "session.disconnected"
)
