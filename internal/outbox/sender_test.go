package outbox

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/drivup/unibus/internal/bus"
	"github.com/drivup/unibus/internal/rest"
	"github.com/drivup/unibus/internal/store"
	"github.com/drivup/unibus/internal/transport"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedConversation(t *testing.T, db *store.DB) {
	t.Helper()
	if err := db.UpsertConversation(&store.Conversation{
		ID: 1, UserID: 7, PassengerID: 9, PassengerName: "Bruno", IsRead: true,
	}); err != nil {
		t.Fatal(err)
	}
}

type fakeTransport struct {
	mu        gosync.Mutex
	connected bool
	emitErr   error
	payloads  []transport.SendMessagePayload
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeTransport) EmitSendMessage(p transport.SendMessagePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.payloads = append(f.payloads, p)
	return nil
}

func (f *fakeTransport) emitted() []transport.SendMessagePayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.SendMessagePayload, len(f.payloads))
	copy(out, f.payloads)
	return out
}

type fakePoster struct {
	mu    gosync.Mutex
	id    string
	err   error
	calls []rest.SendRequest
}

func (f *fakePoster) SendMessage(_ context.Context, req rest.SendRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, req)
	return f.id, nil
}

func (f *fakePoster) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestEnqueueCreatesOptimisticRow(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db)
	b := bus.New()
	s := NewSender(db, &fakeTransport{}, &fakePoster{}, b, 7, nil)

	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	ck, err := s.Enqueue(1, 9, "bom dia")
	if err != nil {
		t.Fatal(err)
	}
	if ck == "" {
		t.Fatal("empty client key")
	}

	msgs, err := db.ListMessages(1, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("message count = %d, want 1", len(msgs))
	}
	m := msgs[0]
	if m.MsgID != ck || m.ClientMsgID != ck || m.Status != store.StatusSending || m.SenderID != 7 {
		t.Errorf("optimistic row = %+v", m)
	}

	pending, _ := db.PendingOutbox()
	if len(pending) != 1 || pending[0].ReceiverID != 9 {
		t.Errorf("pending outbox = %+v", pending)
	}

	conv, _ := db.GetConversation(1)
	if conv.LastMessage != "bom dia" || conv.UnreadCount != 0 {
		t.Errorf("conversation preview = %q unread = %d", conv.LastMessage, conv.UnreadCount)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.KindMessageUpserted {
			t.Errorf("event = %q", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no message.upserted event")
	}
}

func TestDeliverOverSocket(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db)
	tr := &fakeTransport{connected: true}
	poster := &fakePoster{id: "999"}
	s := NewSender(db, tr, poster, bus.New(), 7, nil)

	ck, err := s.Enqueue(1, 9, "oi")
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.emitted()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	emitted := tr.emitted()
	if len(emitted) != 1 {
		t.Fatal("nothing emitted over socket")
	}
	if emitted[0].ClientMsgID != ck || emitted[0].ReceiverID != 9 || emitted[0].SenderID != 7 {
		t.Errorf("payload = %+v", emitted[0])
	}
	if poster.callCount() != 0 {
		t.Error("REST used while socket was up")
	}

	// Confirmation comes from the server echo, not the write.
	msgs, _ := db.ListMessages(1, 0, 10)
	if len(msgs) != 1 || msgs[0].Status != store.StatusSending {
		t.Errorf("row = %+v, want still sending until echo", msgs)
	}
}

func TestDeliverFallsBackToREST(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db)
	tr := &fakeTransport{connected: false}
	poster := &fakePoster{id: "999"}
	b := bus.New()
	s := NewSender(db, tr, poster, b, 7, nil)

	ch, unsub := b.Subscribe(bus.KindMessageSendAck, 10)
	defer unsub()

	ck, err := s.Enqueue(1, 9, "oi")
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no send_ack from REST fallback")
	}

	msgs, _ := db.ListMessages(1, 0, 10)
	if len(msgs) != 1 {
		t.Fatalf("message count = %d", len(msgs))
	}
	if msgs[0].MsgID != "999" || msgs[0].Status != store.StatusSent || msgs[0].ClientMsgID != ck {
		t.Errorf("resolved row = %+v", msgs[0])
	}

	pending, _ := db.PendingOutbox()
	if len(pending) != 0 {
		t.Errorf("outbox still pending: %+v", pending)
	}
}

func TestDefinitiveFailureRemovesRow(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db)
	tr := &fakeTransport{connected: false}
	poster := &fakePoster{err: errors.New("422: receiver blocked")}
	b := bus.New()
	s := NewSender(db, tr, poster, b, 7, nil)

	ch, unsub := b.Subscribe(bus.KindMessageSendFailed, 10)
	defer unsub()

	if _, err := s.Enqueue(1, 9, "oi"); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	select {
	case evt := <-ch:
		p := evt.Payload.(map[string]string)
		if p["error"] == "" {
			t.Error("failure event missing error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no send_failed event")
	}

	n, _ := db.MessageCount()
	if n != 0 {
		t.Errorf("message count = %d, want 0 (optimistic row removed)", n)
	}
}

func TestRestartRequeuesInterruptedSend(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db)

	// A previous process died after the socket write, before the echo:
	// outbox entry stuck at 'sending', optimistic row still pending.
	if err := db.UpsertMessage(&store.Message{
		ConversationID: 1, MsgID: "ck-old", ClientMsgID: "ck-old",
		SenderID: 7, Body: "perdido", Status: store.StatusSending, SentAt: 1000,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.QueueOutbox("ck-old", 1, 9, "perdido"); err != nil {
		t.Fatal(err)
	}
	if err := db.MarkOutboxSending("ck-old"); err != nil {
		t.Fatal(err)
	}

	tr := &fakeTransport{connected: true}
	s := NewSender(db, tr, &fakePoster{id: "1"}, bus.New(), 7, nil)
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.emitted()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	emitted := tr.emitted()
	if len(emitted) != 1 || emitted[0].ClientMsgID != "ck-old" {
		t.Fatalf("emitted = %+v, want the interrupted send redelivered", emitted)
	}
}

func TestReconnectRequeuesUnconfirmedSend(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db)
	tr := &fakeTransport{connected: true}
	b := bus.New()
	s := NewSender(db, tr, &fakePoster{id: "1"}, b, 7, nil)

	ck, err := s.Enqueue(1, 9, "oi")
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.emitted()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if len(tr.emitted()) != 1 {
		t.Fatal("first delivery never happened")
	}

	// The connection cycles before the echo arrives: the send must go out
	// again on the fresh connection.
	b.Publish(bus.Event{Kind: bus.KindSessionConnected, Timestamp: time.Now()})

	deadline = time.Now().Add(2 * time.Second)
	for len(tr.emitted()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	emitted := tr.emitted()
	if len(emitted) < 2 || emitted[1].ClientMsgID != ck {
		t.Fatalf("emitted = %+v, want redelivery of %s after reconnect", emitted, ck)
	}
}

func TestSocketWriteFailureFallsBack(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db)
	tr := &fakeTransport{connected: true, emitErr: transport.ErrNotConnected}
	poster := &fakePoster{id: "42"}
	s := NewSender(db, tr, poster, bus.New(), 7, nil)

	if _, err := s.Enqueue(1, 9, "oi"); err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for poster.callCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if poster.callCount() != 1 {
		t.Fatal("REST fallback not used after socket write failure")
	}
}
