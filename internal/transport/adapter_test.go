package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drivup/unibus/internal/bus"
	"github.com/drivup/unibus/internal/status"
)

var upgrader = websocket.Upgrader{}

// fakeBackend upgrades one connection, records the authenticate handshake,
// and lets the test push envelopes to the client.
type fakeBackend struct {
	srv    *httptest.Server
	authCh chan AuthPayload
	connCh chan *websocket.Conn
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{
		authCh: make(chan AuthPayload, 1),
		connCh: make(chan *websocket.Conn, 1),
	}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		if env.Event == EventAuthenticate {
			var p AuthPayload
			_ = json.Unmarshal(env.Data, &p)
			fb.authCh <- p
		}
		fb.connCh <- conn
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBackend) wsURL() string {
	return "ws" + strings.TrimPrefix(fb.srv.URL, "http")
}

func startAdapter(t *testing.T, fb *fakeBackend) (*Adapter, *bus.Bus) {
	t.Helper()
	b := bus.New()
	a := NewAdapter(fb.wsURL(), 7, "tok", b, status.NewMachine(b), nil)
	a.Start(context.Background())
	t.Cleanup(a.Stop)
	return a, b
}

func TestAuthenticateAfterConnect(t *testing.T) {
	fb := newFakeBackend(t)
	_, _ = startAdapter(t, fb)

	select {
	case p := <-fb.authCh:
		if p.UserID != 7 || p.Token != "tok" {
			t.Errorf("auth payload = %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no authenticate handshake")
	}
}

func TestInboundEventsReachBus(t *testing.T) {
	fb := newFakeBackend(t)
	_, b := startAdapter(t, fb)

	ch, unsub := b.Subscribe("transport.", 10)
	defer unsub()

	conn := <-fb.connCh
	env, _ := NewEnvelope(EventNewMessage, map[string]any{
		"conversation_id": 3, "id": 42, "sender_id": 9,
		"message_text": "oi", "sent_at": "2025-03-10T14:00:00Z",
	})
	if err := conn.WriteJSON(env); err != nil {
		t.Fatal(err)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindTransportNewMessage {
			t.Fatalf("kind = %q", evt.Kind)
		}
		msg := evt.Payload.(*MessageEvent)
		if msg.ConversationID != 3 || msg.MsgID != "42" || msg.Body != "oi" {
			t.Errorf("payload = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event did not reach bus")
	}
}

func TestEmitWhenDisconnected(t *testing.T) {
	b := bus.New()
	a := NewAdapter("ws://127.0.0.1:1/ws", 7, "tok", b, status.NewMachine(b), nil)
	// Never started: Connected() is false and emits refuse.
	if a.Connected() {
		t.Fatal("adapter claims connected before Start")
	}
	err := a.EmitMarkAsRead(1, 7)
	if err != ErrNotConnected {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
}

func TestEmitSendMessageReachesServer(t *testing.T) {
	fb := newFakeBackend(t)
	a, _ := startAdapter(t, fb)

	conn := <-fb.connCh

	// Wait until the adapter reports connected.
	deadline := time.Now().Add(2 * time.Second)
	for !a.Connected() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !a.Connected() {
		t.Fatal("adapter never connected")
	}

	if err := a.EmitSendMessage(SendMessagePayload{
		ConversationID: 3, SenderID: 7, ReceiverID: 9, MessageText: "oi", ClientMsgID: "ck-1",
	}); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatal(err)
	}
	if env.Event != EventSendMessage {
		t.Errorf("event = %q", env.Event)
	}
	var p SendMessagePayload
	_ = json.Unmarshal(env.Data, &p)
	if p.ClientMsgID != "ck-1" {
		t.Errorf("payload = %+v", p)
	}
}

func TestDisconnectPublishesSessionEvent(t *testing.T) {
	fb := newFakeBackend(t)
	_, b := startAdapter(t, fb)

	ch, unsub := b.Subscribe("session.", 20)
	defer unsub()

	conn := <-fb.connCh
	_ = conn.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Kind == bus.KindSessionDisconnected {
				return
			}
		case <-deadline:
			t.Fatal("no session.disconnected after server close")
		}
	}
}
