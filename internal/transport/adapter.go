// Package transport owns the single WebSocket connection to the DrivUp
// backend. Exactly one adapter exists per process; every consumer receives
// it by injection and raw events fan out over the bus, so no component ever
// opens a second connection.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/drivup/unibus/internal/bus"
	"github.com/drivup/unibus/internal/status"
)

// ErrNotConnected is returned by Emit* when the socket is down. Callers are
// expected to fall back to REST.
var ErrNotConnected = errors.New("transport: not connected")

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
	writeTimeout   = 10 * time.Second
)

// Adapter maintains the persistent bidirectional connection, authenticates
// after connect, and republishes decoded inbound events on the bus.
type Adapter struct {
	url     string
	userID  int64
	token   string
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewAdapter creates a transport adapter for the given identity.
func NewAdapter(url string, userID int64, token string, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		url:     url,
		userID:  userID,
		token:   token,
		bus:     b,
		machine: machine,
		logger:  logger,
	}
}

// Start launches the connect/read loop. Reconnection uses exponential
// backoff and re-authenticates on every new connection.
func (a *Adapter) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	go a.run(ctx)
}

// Stop tears down the connection and waits for the loop to exit.
func (a *Adapter) Stop() {
	if a.cancel == nil {
		return
	}
	a.cancel()
	a.closeConn()
	<-a.done
}

// Connected reports whether the socket is currently up and authenticated.
// Senders check this to choose between the socket and the REST fallback.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// EmitSendMessage sends a send_message event. The echo (message_sent or
// new_message) arrives asynchronously and carries the client key back.
func (a *Adapter) EmitSendMessage(p SendMessagePayload) error {
	return a.emit(EventSendMessage, p)
}

// EmitMarkAsRead sends a fire-and-forget mark_as_read event.
func (a *Adapter) EmitMarkAsRead(convID, userID int64) error {
	return a.emit(EventMarkAsRead, MarkAsReadPayload{ConversationID: convID, UserID: userID})
}

func (a *Adapter) emit(event string, payload any) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.conn == nil {
		return ErrNotConnected
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := a.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (a *Adapter) run(ctx context.Context) {
	defer close(a.done)

	backoff := initialBackoff
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := a.connect(ctx)
		if err != nil {
			a.logger.Warn("websocket connect failed", zap.Error(err), zap.Duration("retry_in", backoff))
			_ = a.machine.Transition(status.Degraded)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff *= 2; backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = initialBackoff

		a.mu.Lock()
		a.conn = conn
		a.connected = true
		a.mu.Unlock()

		_ = a.machine.Transition(status.Ready)
		a.bus.Publish(bus.Event{Kind: bus.KindSessionConnected, Timestamp: time.Now()})
		a.logger.Info("websocket connected", zap.String("url", a.url))

		a.readLoop(conn)

		a.mu.Lock()
		a.connected = false
		a.conn = nil
		a.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("websocket disconnected, reconnecting")
		_ = a.machine.Transition(status.Reconnecting)
		a.bus.Publish(bus.Event{Kind: bus.KindSessionDisconnected, Timestamp: time.Now()})
	}
}

// connect dials the backend and performs the post-connect authenticate
// handshake so the server can route push events to this socket.
func (a *Adapter) connect(ctx context.Context) (*websocket.Conn, error) {
	_ = a.machine.Transition(status.Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", a.url, err)
	}

	env, err := NewEnvelope(EventAuthenticate, AuthPayload{UserID: a.userID, Token: a.token})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("authenticate: %w", err)
	}
	return conn, nil
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				a.logger.Warn("websocket read error", zap.Error(err))
			}
			_ = conn.Close()
			return
		}
		a.dispatch(env)
	}
}

// dispatch decodes an inbound envelope and publishes it on the bus. Unknown
// events are logged and skipped so backend additions never break the client.
func (a *Adapter) dispatch(env Envelope) {
	now := time.Now()
	switch env.Event {
	case EventNewMessage, EventMessageSent:
		msg, err := DecodeMessageEvent(env.Data)
		if err != nil {
			a.logger.Error("bad message event", zap.Error(err), zap.String("event", env.Event))
			return
		}
		kind := bus.KindTransportNewMessage
		if env.Event == EventMessageSent {
			kind = bus.KindTransportMessageSent
		}
		a.bus.Publish(bus.Event{Kind: kind, Timestamp: now, Payload: msg})
	case EventMessageError:
		e, err := DecodeSendError(env.Data)
		if err != nil {
			a.logger.Error("bad message_error event", zap.Error(err))
			return
		}
		a.bus.Publish(bus.Event{Kind: bus.KindTransportMessageError, Timestamp: now, Payload: e})
	case EventMessagesRead:
		r, err := DecodeReadReceipt(env.Data)
		if err != nil {
			a.logger.Error("bad messages_read event", zap.Error(err))
			return
		}
		a.bus.Publish(bus.Event{Kind: bus.KindTransportMessagesRead, Timestamp: now, Payload: r})
	default:
		a.logger.Debug("unknown event", zap.String("event", env.Event))
	}
}

func (a *Adapter) closeConn() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != nil {
		_ = a.conn.Close()
	}
}
