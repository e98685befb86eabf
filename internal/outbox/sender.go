// Package outbox owns outgoing message delivery: optimistic local rows,
// the durable send queue and the socket-or-REST delivery choice.
package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drivup/unibus/internal/bus"
	"github.com/drivup/unibus/internal/rest"
	"github.com/drivup/unibus/internal/store"
	"github.com/drivup/unibus/internal/transport"
)

// Transport is the realtime delivery path.
type Transport interface {
	Connected() bool
	EmitSendMessage(p transport.SendMessagePayload) error
}

// Poster is the REST delivery path, used when the socket is down.
type Poster interface {
	SendMessage(ctx context.Context, req rest.SendRequest) (string, error)
}

// Sender queues messages with an optimistic local row and drains the queue
// over the socket when it is up, falling back to REST otherwise. Socket
// sends are confirmed asynchronously by the server echo; REST sends are
// confirmed by the response.
type Sender struct {
	db       *store.DB
	tr       Transport
	poster   Poster
	bus      *bus.Bus
	viewerID int64
	logger   *zap.Logger
	cancel   context.CancelFunc
	wake     chan struct{}
}

// NewSender creates an outbox sender for the given viewer.
func NewSender(db *store.DB, tr Transport, poster Poster, b *bus.Bus, viewerID int64, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:       db,
		tr:       tr,
		poster:   poster,
		bus:      b,
		viewerID: viewerID,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue records a message for delivery and returns its client key. The
// optimistic row appears in the thread immediately with sending status; the
// key doubles as the provisional message id until the server assigns one.
func (s *Sender) Enqueue(convID, receiverID int64, body string) (string, error) {
	clientMsgID := uuid.NewString()
	now := time.Now().UnixMilli()

	if err := s.db.UpsertMessage(&store.Message{
		ConversationID: convID,
		MsgID:          clientMsgID,
		ClientMsgID:    clientMsgID,
		SenderID:       s.viewerID,
		Body:           body,
		Status:         store.StatusSending,
		SentAt:         now,
	}); err != nil {
		return "", fmt.Errorf("insert optimistic row: %w", err)
	}
	if err := s.db.QueueOutbox(clientMsgID, convID, receiverID, body); err != nil {
		return "", fmt.Errorf("queue outbox: %w", err)
	}
	if _, err := s.db.BumpActivity(convID, store.Preview(body, 100), now, s.viewerID, 0); err != nil {
		s.logger.Warn("bump activity failed", zap.Error(err), zap.Int64("conversation_id", convID))
	}

	s.publishMessage(bus.KindMessageUpserted, convID, clientMsgID)
	s.bus.Publish(bus.Event{
		Kind:      bus.KindConversationUpdated,
		Timestamp: time.Now(),
		Payload:   map[string]int64{"conversation_id": convID},
	})

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return clientMsgID, nil
}

// staleSendingAge bounds how long a socket send may wait for its server
// echo before the entry is retried.
const staleSendingAge = 30 * time.Second

// Start begins draining the outbox. Entries a previous process left
// mid-send never got their echo, so they go straight back to the queue.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if n, err := s.db.RequeueStaleSending(0); err != nil {
		s.logger.Error("failed to requeue interrupted sends", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("requeued interrupted sends", zap.Int64("count", n))
	}
	reconnects, unsub := s.bus.Subscribe(bus.KindSessionConnected, 4)
	go s.loop(ctx, reconnects, unsub)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Stop stops the drain loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context, reconnects <-chan bus.Event, unsub func()) {
	defer unsub()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.wake:
			s.processPending(ctx)
		case <-reconnects:
			// The echo for anything mid-send died with the old connection;
			// the client key makes redelivery safe to repeat.
			if _, err := s.db.RequeueStaleSending(0); err != nil {
				s.logger.Error("failed to requeue after reconnect", zap.Error(err))
			}
			s.processPending(ctx)
		case <-ticker.C:
			// Covers an echo that never arrives while the connection stays up.
			if _, err := s.db.RequeueStaleSending(staleSendingAge); err != nil {
				s.logger.Error("failed to requeue stale sends", zap.Error(err))
			}
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	pending, err := s.db.PendingOutbox()
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	for _, entry := range pending {
		if err := s.db.MarkOutboxSending(entry.ClientMsgID); err != nil {
			s.logger.Error("failed to mark sending", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
			continue
		}
		s.deliver(ctx, entry)
	}
}

// deliver pushes one entry. The socket path returns immediately and waits
// for the server echo; the REST path resolves the optimistic row itself.
func (s *Sender) deliver(ctx context.Context, entry store.OutboxEntry) {
	if s.tr != nil && s.tr.Connected() {
		err := s.tr.EmitSendMessage(transport.SendMessagePayload{
			ConversationID: entry.ConversationID,
			SenderID:       s.viewerID,
			ReceiverID:     entry.ReceiverID,
			MessageText:    entry.Body,
			ClientMsgID:    entry.ClientMsgID,
		})
		if err == nil {
			s.logger.Debug("sent over socket", zap.String("client_msg_id", entry.ClientMsgID))
			return
		}
		// Connection dropped between the check and the write.
		s.logger.Warn("socket send failed, trying REST", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}

	serverMsgID, err := s.poster.SendMessage(ctx, rest.SendRequest{
		ConversationID: entry.ConversationID,
		SenderID:       s.viewerID,
		ReceiverID:     entry.ReceiverID,
		MessageText:    entry.Body,
		ClientMsgID:    entry.ClientMsgID,
	})
	if err != nil {
		s.fail(entry, err)
		return
	}

	if err := s.db.MarkOutboxSent(entry.ClientMsgID, serverMsgID); err != nil {
		s.logger.Error("failed to mark sent", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}
	now := time.Now().UnixMilli()
	if _, err := s.db.ResolveClientEcho(entry.ConversationID, entry.ClientMsgID, serverMsgID, store.StatusSent, now); err != nil {
		s.logger.Error("failed to resolve optimistic row", zap.Error(err), zap.String("client_msg_id", entry.ClientMsgID))
	}

	s.logger.Info("message sent over REST",
		zap.String("client_msg_id", entry.ClientMsgID),
		zap.String("server_msg_id", serverMsgID))
	s.publishMessage(bus.KindMessageSendAck, entry.ConversationID, serverMsgID)
	s.publishMessage(bus.KindMessageUpserted, entry.ConversationID, serverMsgID)
}

// fail records a definitive failure: the optimistic row is removed so the
// thread stops showing a message that never reached the other side.
func (s *Sender) fail(entry store.OutboxEntry, cause error) {
	s.logger.Error("send failed", zap.Error(cause), zap.String("client_msg_id", entry.ClientMsgID))
	if err := s.db.MarkOutboxFailed(entry.ClientMsgID, cause.Error()); err != nil {
		s.logger.Error("failed to mark outbox failed", zap.Error(err))
	}
	if err := s.db.DeleteByClientID(entry.ConversationID, entry.ClientMsgID); err != nil {
		s.logger.Error("failed to delete optimistic row", zap.Error(err))
	}
	s.bus.Publish(bus.Event{
		Kind:      bus.KindMessageSendFailed,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": fmt.Sprint(entry.ConversationID),
			"client_msg_id":   entry.ClientMsgID,
			"error":           cause.Error(),
		},
	})
}

func (s *Sender) publishMessage(kind string, convID int64, msgID string) {
	s.bus.Publish(bus.Event{
		Kind:      kind,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"conversation_id": fmt.Sprint(convID),
			"msg_id":          msgID,
		},
	})
}
