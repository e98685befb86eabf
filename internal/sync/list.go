package sync

import (
	"fmt"
	"strings"
	gosync "sync"

	"github.com/drivup/unibus/internal/store"
)

// Filter narrows the conversation list.
type Filter int

const (
	FilterAll Filter = iota
	FilterUnread
)

func (f Filter) String() string {
	if f == FilterUnread {
		return "unread"
	}
	return "all"
}

// List is the conversation list state: the active filter and search query
// applied over the cached summaries. The store keeps recency order, so the
// list only filters.
type List struct {
	db       *store.DB
	viewerID int64

	mu     gosync.Mutex
	filter Filter
	query  string
}

// NewList creates the conversation list state for a viewer.
func NewList(db *store.DB, viewerID int64) *List {
	return &List{db: db, viewerID: viewerID}
}

// SetFilter sets the active filter.
func (l *List) SetFilter(f Filter) {
	l.mu.Lock()
	l.filter = f
	l.mu.Unlock()
}

// ToggleFilter switches between all and unread.
func (l *List) ToggleFilter() Filter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.filter == FilterAll {
		l.filter = FilterUnread
	} else {
		l.filter = FilterAll
	}
	return l.filter
}

// Filter returns the active filter.
func (l *List) Filter() Filter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.filter
}

// SetQuery sets the search query. An empty query disables search.
func (l *List) SetQuery(q string) {
	l.mu.Lock()
	l.query = strings.TrimSpace(q)
	l.mu.Unlock()
}

// Query returns the active search query.
func (l *List) Query() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.query
}

// Snapshot returns the conversations to render, newest activity first,
// after applying the filter and query. Matching is case-insensitive over
// the other participant's name and the last message preview.
func (l *List) Snapshot() ([]store.Conversation, error) {
	l.mu.Lock()
	filter := l.filter
	query := strings.ToLower(l.query)
	l.mu.Unlock()

	convs, err := l.db.ListConversations(500, 0)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	out := convs[:0]
	for _, c := range convs {
		if filter == FilterUnread && c.UnreadCount == 0 {
			continue
		}
		if query != "" {
			_, name := c.Recipient(l.viewerID)
			if !strings.Contains(strings.ToLower(name), query) &&
				!strings.Contains(strings.ToLower(c.LastMessage), query) {
				continue
			}
		}
		out = append(out, c)
	}
	return out, nil
}

// TotalUnread sums the unread counters across all conversations,
// independent of the active filter.
func (l *List) TotalUnread() (int, error) {
	convs, err := l.db.ListConversations(500, 0)
	if err != nil {
		return 0, fmt.Errorf("list conversations: %w", err)
	}
	total := 0
	for _, c := range convs {
		total += c.UnreadCount
	}
	return total, nil
}
