// Package sync keeps the local cache consistent with the backend: it
// ingests realtime events from the bus, pulls summaries and history over
// REST, and correlates server echoes with pending optimistic sends.
package sync

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drivup/unibus/internal/bus"
	"github.com/drivup/unibus/internal/store"
	"github.com/drivup/unibus/internal/transport"
)

// Backend is the REST surface the synchronizer pulls from.
type Backend interface {
	Conversations(ctx context.Context, userID int64) ([]store.Conversation, error)
	Messages(ctx context.Context, convID int64) ([]store.Message, error)
	MarkAsRead(ctx context.Context, convID, userID int64) error
}

// Emitter is the realtime side used for fire-and-forget notifications.
type Emitter interface {
	Connected() bool
	EmitMarkAsRead(convID, userID int64) error
}

// Engine ingests message traffic into the store. It subscribes to
// "transport." events on the bus and republishes domain events after every
// store mutation, so the UI only ever reacts to the bus.
type Engine struct {
	db       *store.DB
	bus      *bus.Bus
	backend  Backend
	emitter  Emitter
	viewerID int64
	logger   *zap.Logger
	cancel   context.CancelFunc

	openConv atomic.Int64
}

// NewEngine creates a sync engine for the given viewer.
func NewEngine(db *store.DB, b *bus.Bus, backend Backend, emitter Emitter, viewerID int64, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:       db,
		bus:      b,
		backend:  backend,
		emitter:  emitter,
		viewerID: viewerID,
		logger:   logger,
	}
}

// Start subscribes to inbound transport events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe("transport.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

// SetOpenConversation records which conversation the viewer is looking at.
// Inbound messages for the open conversation do not bump the unread counter
// and trigger an immediate read notification instead. Zero means none open.
func (e *Engine) SetOpenConversation(convID int64) {
	e.openConv.Store(convID)
}

func (e *Engine) handleEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindTransportNewMessage:
		msg, ok := evt.Payload.(*transport.MessageEvent)
		if !ok {
			return
		}
		if err := e.IngestMessage(msg); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.MsgID))
		}
	case bus.KindTransportMessageSent:
		msg, ok := evt.Payload.(*transport.MessageEvent)
		if !ok {
			return
		}
		if err := e.IngestEcho(msg); err != nil {
			e.logger.Error("failed to ingest echo", zap.Error(err), zap.String("msg_id", msg.MsgID))
		}
	case bus.KindTransportMessageError:
		p, ok := evt.Payload.(*transport.SendError)
		if !ok {
			return
		}
		if err := e.FailSend(p); err != nil {
			e.logger.Error("failed to record send error", zap.Error(err), zap.String("client_msg_id", p.ClientMsgID))
		}
	case bus.KindTransportMessagesRead:
		r, ok := evt.Payload.(*transport.ReadReceipt)
		if !ok {
			return
		}
		if err := e.ApplyReadReceipt(r); err != nil {
			e.logger.Error("failed to apply read receipt", zap.Error(err), zap.Int64("conversation_id", r.ConversationID))
		}
	}
}

// IngestMessage processes an inbound message (idempotent). A push carrying
// the viewer's own sender id is a late echo and takes the echo path.
func (e *Engine) IngestMessage(ev *transport.MessageEvent) error {
	if ev.SenderID == e.viewerID {
		return e.IngestEcho(ev)
	}

	exists, err := e.db.HasMessage(ev.ConversationID, ev.MsgID)
	if err != nil {
		return fmt.Errorf("dedupe check: %w", err)
	}
	if exists {
		return nil
	}

	open := e.openConv.Load() == ev.ConversationID

	if err := e.db.UpsertMessage(&store.Message{
		ConversationID: ev.ConversationID,
		MsgID:          ev.MsgID,
		SenderID:       ev.SenderID,
		Body:           ev.Body,
		Status:         store.StatusReceived,
		IsRead:         open,
		SentAt:         ev.SentAt,
	}); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}

	unreadDelta := 1
	if open {
		unreadDelta = 0
	}
	found, err := e.db.BumpActivity(ev.ConversationID, store.Preview(ev.Body, 100), ev.SentAt, ev.SenderID, unreadDelta)
	if err != nil {
		return fmt.Errorf("bump activity: %w", err)
	}
	if !found {
		e.refreshUnknown(ev.ConversationID)
	}

	if open {
		if err := e.db.MarkConversationRead(ev.ConversationID); err != nil {
			return fmt.Errorf("mark read: %w", err)
		}
		e.notifyRead(ev.ConversationID)
	}

	e.publishMessage(bus.KindMessageUpserted, ev.ConversationID, ev.MsgID)
	e.publishConversation(ev.ConversationID)
	return nil
}

// IngestEcho processes the server's confirmation of the viewer's own send.
// Correlation prefers the client idempotency key; the text match is a
// fallback for echoes that do not carry the key back.
func (e *Engine) IngestEcho(ev *transport.MessageEvent) error {
	exists, err := e.db.HasMessage(ev.ConversationID, ev.MsgID)
	if err != nil {
		return fmt.Errorf("dedupe check: %w", err)
	}
	if exists {
		return nil
	}

	resolved := false
	if ev.ClientMsgID != "" {
		resolved, err = e.db.ResolveClientEcho(ev.ConversationID, ev.ClientMsgID, ev.MsgID, store.StatusSent, ev.SentAt)
		if err != nil {
			return fmt.Errorf("resolve by client key: %w", err)
		}
		if resolved {
			if err := e.db.MarkOutboxSent(ev.ClientMsgID, ev.MsgID); err != nil {
				e.logger.Warn("outbox mark sent failed", zap.Error(err), zap.String("client_msg_id", ev.ClientMsgID))
			}
		}
	}
	if !resolved {
		resolved, err = e.db.ResolvePendingByText(ev.ConversationID, e.viewerID, ev.Body, ev.MsgID, store.StatusSent, ev.SentAt)
		if err != nil {
			return fmt.Errorf("resolve by text: %w", err)
		}
	}

	if !resolved {
		// Send from another client of the same account: no pending row here.
		if err := e.db.UpsertMessage(&store.Message{
			ConversationID: ev.ConversationID,
			MsgID:          ev.MsgID,
			ClientMsgID:    ev.ClientMsgID,
			SenderID:       e.viewerID,
			Body:           ev.Body,
			Status:         store.StatusSent,
			IsRead:         true,
			SentAt:         ev.SentAt,
		}); err != nil {
			return fmt.Errorf("upsert echo: %w", err)
		}
	}

	found, err := e.db.BumpActivity(ev.ConversationID, store.Preview(ev.Body, 100), ev.SentAt, e.viewerID, 0)
	if err != nil {
		return fmt.Errorf("bump activity: %w", err)
	}
	if !found {
		e.refreshUnknown(ev.ConversationID)
	}

	if resolved {
		e.publishMessage(bus.KindMessageSendAck, ev.ConversationID, ev.MsgID)
	}
	e.publishMessage(bus.KindMessageUpserted, ev.ConversationID, ev.MsgID)
	e.publishConversation(ev.ConversationID)
	return nil
}

// FailSend removes the optimistic row for a definitively failed send and
// records the failure in the outbox.
func (e *Engine) FailSend(p *transport.SendError) error {
	if err := e.db.DeleteByClientID(p.ConversationID, p.ClientMsgID); err != nil {
		return fmt.Errorf("delete optimistic row: %w", err)
	}
	if err := e.db.MarkOutboxFailed(p.ClientMsgID, p.Error); err != nil {
		return fmt.Errorf("mark outbox failed: %w", err)
	}
	e.bus.Publish(bus.Event{Kind: bus.KindMessageSendFailed, Timestamp: time.Now(), Payload: p})
	return nil
}

// ApplyReadReceipt handles messages_read. A receipt from the other
// participant flips the viewer's sent messages to read; a receipt carrying
// the viewer's own id is the echo of this client's mark_as_read.
func (e *Engine) ApplyReadReceipt(r *transport.ReadReceipt) error {
	if r.ReaderID == e.viewerID {
		if err := e.db.MarkConversationRead(r.ConversationID); err != nil {
			return fmt.Errorf("mark conversation read: %w", err)
		}
		e.publishConversation(r.ConversationID)
		return nil
	}

	if err := e.db.MarkViewerMessagesRead(r.ConversationID, e.viewerID); err != nil {
		return fmt.Errorf("mark messages read: %w", err)
	}
	e.bus.Publish(bus.Event{Kind: bus.KindMessageRead, Timestamp: time.Now(), Payload: r})
	return nil
}

// refreshUnknown refetches the summary list when a message arrives for a
// conversation the cache has never seen, so a first contact shows up in the
// list without a manual refresh.
func (e *Engine) refreshUnknown(convID int64) {
	e.logger.Info("message for unknown conversation, refreshing list", zap.Int64("conversation_id", convID))
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := e.RefreshConversations(ctx); err != nil {
			e.logger.Warn("refresh for unknown conversation failed", zap.Error(err), zap.Int64("conversation_id", convID))
		}
	}()
}

// RefreshConversations refetches the full summary list over REST and
// replaces the cache. Returns the number of conversations fetched.
func (e *Engine) RefreshConversations(ctx context.Context) (int, error) {
	convs, err := e.backend.Conversations(ctx, e.viewerID)
	if err != nil {
		return 0, fmt.Errorf("fetch conversations: %w", err)
	}
	if err := e.db.ReplaceConversations(convs); err != nil {
		return 0, fmt.Errorf("replace conversations: %w", err)
	}
	e.publishConversation(0)
	return len(convs), nil
}

// LoadHistory refetches a conversation's message history over REST. History
// rows arrive without a status; the viewer's own messages display read when
// the recipient read them and sent otherwise, everything else is received.
// Pending optimistic rows survive the replace.
func (e *Engine) LoadHistory(ctx context.Context, convID int64) (int, error) {
	rows, err := e.backend.Messages(ctx, convID)
	if err != nil {
		return 0, fmt.Errorf("fetch history: %w", err)
	}
	for i := range rows {
		if rows[i].SenderID == e.viewerID {
			if rows[i].IsRead {
				rows[i].Status = store.StatusRead
			} else {
				rows[i].Status = store.StatusSent
			}
		} else {
			rows[i].Status = store.StatusReceived
		}
	}
	if err := e.db.ReplaceHistory(convID, rows); err != nil {
		return 0, fmt.Errorf("replace history: %w", err)
	}
	e.bus.Publish(bus.Event{
		Kind:      bus.KindMessageHistoryLoaded,
		Timestamp: time.Now(),
		Payload:   map[string]int64{"conversation_id": convID},
	})
	return len(rows), nil
}

// MarkRead zeroes the unread counter locally and notifies the backend.
// The local flip is optimistic; the notification is fire-and-forget.
func (e *Engine) MarkRead(convID int64) error {
	if err := e.db.MarkConversationRead(convID); err != nil {
		return fmt.Errorf("mark conversation read: %w", err)
	}
	e.notifyRead(convID)
	e.publishConversation(convID)
	return nil
}

// notifyRead tells the backend the viewer read a conversation, preferring
// the socket and falling back to REST when it is down.
func (e *Engine) notifyRead(convID int64) {
	if e.emitter != nil && e.emitter.Connected() {
		if err := e.emitter.EmitMarkAsRead(convID, e.viewerID); err == nil {
			return
		}
	}
	if e.backend == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.backend.MarkAsRead(ctx, convID, e.viewerID); err != nil {
			e.logger.Warn("mark_as_read fallback failed", zap.Error(err), zap.Int64("conversation_id", convID))
		}
	}()
}

func (e *Engine) publishMessage(kind string, convID int64, msgID string) {
	e.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": fmt.Sprint(convID),
			"msg_id":          msgID,
		},
	})
}

func (e *Engine) publishConversation(convID int64) {
	e.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpdated,
		Timestamp: time.Now(),
		Payload:   map[string]int64{"conversation_id": convID},
	})
}
