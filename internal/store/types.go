package store

// Message delivery status values. A message authored by the viewer moves
// sending -> sent -> read (or failed); inbound messages carry "received".
const (
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
	StatusReceived  = "received"
)

// Conversation represents a cached conversation summary. A conversation is
// a durable thread between exactly two participants; UserID and PassengerID
// carry the backend's asymmetric roles (driver vs. passenger).
type Conversation struct {
	ID            int64
	UserID        int64
	PassengerID   int64
	UserName      string
	PassengerName string
	LastMessage   string
	LastMessageAt int64
	LastSenderID  int64
	IsRead        bool
	UnreadCount   int
}

// Recipient returns the id and display name of the participant that is not
// the viewer. Exactly one of the two participant ids equals the viewer.
func (c *Conversation) Recipient(viewerID int64) (int64, string) {
	if c.UserID == viewerID {
		return c.PassengerID, c.PassengerName
	}
	return c.UserID, c.UserName
}

// Message represents a cached message.
type Message struct {
	RowID          int64
	ConversationID int64
	// MsgID is the server-assigned id (numeric, kept as string). While a
	// send is pending it holds the client idempotency key.
	MsgID       string
	ClientMsgID string
	SenderID    int64
	Body        string
	Status      string
	IsRead      bool
	SentAt      int64
}

// OutboxEntry represents a pending outgoing message.
type OutboxEntry struct {
	ID             int64
	ClientMsgID    string
	ConversationID int64
	ReceiverID     int64
	Body           string
	Status         string // queued, sending, sent, failed
	ErrorMessage   string
	ServerMsgID    string
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
