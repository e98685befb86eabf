package rest

import (
	"context"
	"fmt"
	"strconv"

	"github.com/drivup/unibus/internal/store"
)

// flexInt tolerates the backend's string-encoded integers. unread_count
// arrives as "3" from some endpoints and as 3 from others; both decode.
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("flexInt %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

type conversationDTO struct {
	ID            int64    `json:"id"`
	UserID        int64    `json:"user_id"`
	PassengerID   int64    `json:"passenger_id"`
	UserName      string   `json:"user_name"`
	PassengerName string   `json:"passenger_name"`
	LastMessage   string   `json:"last_message"`
	LastMessageAt wireTime `json:"last_message_at"`
	LastSenderID  int64    `json:"last_sender_id"`
	IsRead        bool     `json:"is_read"`
	UnreadCount   flexInt  `json:"unread_count"`
}

// Conversations fetches the viewer's conversation summaries.
// GET /conversations/{userId}
func (c *Client) Conversations(ctx context.Context, userID int64) ([]store.Conversation, error) {
	var dtos []conversationDTO
	if err := c.do(ctx, "GET", fmt.Sprintf("/conversations/%d", userID), nil, &dtos); err != nil {
		return nil, err
	}

	convs := make([]store.Conversation, 0, len(dtos))
	for _, d := range dtos {
		convs = append(convs, store.Conversation{
			ID:            d.ID,
			UserID:        d.UserID,
			PassengerID:   d.PassengerID,
			UserName:      d.UserName,
			PassengerName: d.PassengerName,
			LastMessage:   d.LastMessage,
			LastMessageAt: d.LastMessageAt.UnixMilli(),
			LastSenderID:  d.LastSenderID,
			IsRead:        d.IsRead,
			UnreadCount:   int(d.UnreadCount),
		})
	}
	return convs, nil
}
