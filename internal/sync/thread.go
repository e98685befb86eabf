package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	gosync "sync"

	"go.uber.org/zap"

	"github.com/drivup/unibus/internal/store"
)

// Thread errors surfaced to the composer.
var (
	ErrEmptyMessage   = errors.New("message is empty")
	ErrNoConversation = errors.New("no conversation open")
	ErrSendInFlight   = errors.New("a send is already in progress")
)

// ThreadState describes the open conversation's loading lifecycle.
type ThreadState int

const (
	ThreadIdle ThreadState = iota
	ThreadLoading
	ThreadReady
)

// Queuer accepts a message for delivery and returns its client key.
// The outbox sender implements it.
type Queuer interface {
	Enqueue(convID, receiverID int64, body string) (string, error)
}

// AvatarResolver maps a user id to a displayable avatar URL.
// The profile resolver implements it.
type AvatarResolver interface {
	Resolve(ctx context.Context, userID int64) string
}

// Thread drives the open conversation: history loading with a stale-fetch
// guard, optimistic sends and read marking. At most one conversation is
// open at a time.
type Thread struct {
	db       *store.DB
	engine   *Engine
	queue    Queuer
	avatars  AvatarResolver
	viewerID int64
	logger   *zap.Logger

	mu        gosync.Mutex
	conv      *store.Conversation
	state     ThreadState
	fetchSeq  uint64
	sending   bool
	avatarURL string
}

// NewThread creates the thread controller.
func NewThread(db *store.DB, engine *Engine, queue Queuer, avatars AvatarResolver, viewerID int64, logger *zap.Logger) *Thread {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Thread{
		db:       db,
		engine:   engine,
		queue:    queue,
		avatars:  avatars,
		viewerID: viewerID,
		logger:   logger,
	}
}

// Open switches the thread to a conversation. The cached history renders
// immediately; a background refetch replaces it when it lands. A refetch
// that completes after the viewer switched away is discarded.
func (t *Thread) Open(ctx context.Context, conv *store.Conversation) {
	t.mu.Lock()
	t.conv = conv
	t.state = ThreadLoading
	t.avatarURL = ""
	t.fetchSeq++
	seq := t.fetchSeq
	t.mu.Unlock()

	t.engine.SetOpenConversation(conv.ID)

	if t.avatars != nil {
		recipientID, _ := conv.Recipient(t.viewerID)
		go func() {
			url := t.avatars.Resolve(ctx, recipientID)
			t.mu.Lock()
			if seq == t.fetchSeq {
				t.avatarURL = url
			}
			t.mu.Unlock()
		}()
	}

	if conv.UnreadCount > 0 || !conv.IsRead {
		if err := t.engine.MarkRead(conv.ID); err != nil {
			t.logger.Warn("mark read on open failed", zap.Error(err), zap.Int64("conversation_id", conv.ID))
		}
	}

	go func() {
		n, err := t.engine.LoadHistory(ctx, conv.ID)
		t.mu.Lock()
		defer t.mu.Unlock()
		if seq != t.fetchSeq {
			// Viewer switched conversations while this fetch was in flight.
			return
		}
		if err != nil {
			t.logger.Warn("history load failed, serving cache", zap.Error(err), zap.Int64("conversation_id", conv.ID))
		} else {
			t.logger.Debug("history loaded", zap.Int64("conversation_id", conv.ID), zap.Int("messages", n))
		}
		t.state = ThreadReady
	}()
}

// Close leaves the open conversation.
func (t *Thread) Close() {
	t.mu.Lock()
	t.conv = nil
	t.state = ThreadIdle
	t.avatarURL = ""
	t.fetchSeq++
	t.mu.Unlock()
	t.engine.SetOpenConversation(0)
}

// RecipientAvatar returns the open recipient's avatar URL, or "" while the
// lookup is in flight or no conversation is open.
func (t *Thread) RecipientAvatar() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.avatarURL
}

// Conversation returns the open conversation, or nil.
func (t *Thread) Conversation() *store.Conversation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conv
}

// State returns the loading state.
func (t *Thread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Messages returns the open conversation's messages oldest-first, ready for
// rendering. Pending sends sort by their optimistic local timestamp.
func (t *Thread) Messages(limit int) ([]store.Message, error) {
	t.mu.Lock()
	conv := t.conv
	t.mu.Unlock()
	if conv == nil {
		return nil, nil
	}

	msgs, err := t.db.ListMessages(conv.ID, 0, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Send queues a message for the open conversation. Blank input is rejected
// and overlapping submissions are refused so a double keypress cannot
// duplicate a send.
func (t *Thread) Send(body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", ErrEmptyMessage
	}

	t.mu.Lock()
	if t.conv == nil {
		t.mu.Unlock()
		return "", ErrNoConversation
	}
	if t.sending {
		t.mu.Unlock()
		return "", ErrSendInFlight
	}
	t.sending = true
	conv := t.conv
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		t.sending = false
		t.mu.Unlock()
	}()

	receiverID, _ := conv.Recipient(t.viewerID)
	clientMsgID, err := t.queue.Enqueue(conv.ID, receiverID, body)
	if err != nil {
		return "", fmt.Errorf("enqueue send: %w", err)
	}
	return clientMsgID, nil
}
