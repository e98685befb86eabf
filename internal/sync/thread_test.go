package sync

import (
	"context"
	gosync "sync"
	"testing"
	"time"

	"github.com/drivup/unibus/internal/bus"
	"github.com/drivup/unibus/internal/store"
)

type fakeQueuer struct {
	mu    gosync.Mutex
	calls []queueCall
	err   error
}

type queueCall struct {
	convID     int64
	receiverID int64
	body       string
}

func (f *fakeQueuer) Enqueue(convID, receiverID int64, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.calls = append(f.calls, queueCall{convID, receiverID, body})
	return "ck-test", nil
}

func newTestThread(t *testing.T) (*Thread, *store.DB, *fakeBackend, *fakeQueuer) {
	t.Helper()
	db := testDB(t)
	backend := &fakeBackend{msgs: map[int64][]store.Message{}}
	e := NewEngine(db, bus.New(), backend, nil, 7, nil)
	q := &fakeQueuer{}
	return NewThread(db, e, q, nil, 7, nil), db, backend, q
}

type fakeAvatars struct {
	mu    gosync.Mutex
	url   string
	calls []int64
}

func (f *fakeAvatars) Resolve(_ context.Context, userID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID)
	return f.url
}

func waitForState(t *testing.T, th *Thread, want ThreadState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if th.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("thread state = %v, want %v", th.State(), want)
}

func TestOpenLoadsHistoryAndMarksRead(t *testing.T) {
	th, db, backend, _ := newTestThread(t)
	seedConversation(t, db)
	if _, err := db.BumpActivity(1, "oi", 1000, 9, 2); err != nil {
		t.Fatal(err)
	}
	backend.msgs[1] = []store.Message{
		{ConversationID: 1, MsgID: "1", SenderID: 9, Body: "oi", SentAt: 1000},
	}

	conv, _ := db.GetConversation(1)
	th.Open(context.Background(), conv)
	waitForState(t, th, ThreadReady)

	msgs, err := th.Messages(50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "oi" {
		t.Errorf("messages = %+v", msgs)
	}

	fresh, _ := db.GetConversation(1)
	if fresh.UnreadCount != 0 || !fresh.IsRead {
		t.Errorf("unread = %d read = %v, want cleared on open", fresh.UnreadCount, fresh.IsRead)
	}

	// The read notification falls back to REST when no socket is wired.
	deadline := time.Now().Add(2 * time.Second)
	for backend.readCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if backend.readCount() != 1 {
		t.Errorf("mark_as_read calls = %d, want 1", backend.readCount())
	}
}

func TestMessagesOldestFirst(t *testing.T) {
	th, db, backend, _ := newTestThread(t)
	seedConversation(t, db)
	rows := []store.Message{
		{ConversationID: 1, MsgID: "b", SenderID: 9, Body: "second", SentAt: 2000},
		{ConversationID: 1, MsgID: "a", SenderID: 9, Body: "first", SentAt: 1000},
		{ConversationID: 1, MsgID: "c", SenderID: 7, Body: "third", SentAt: 3000},
	}
	for _, m := range rows {
		m := m
		if err := db.UpsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}
	backend.msgs[1] = rows

	conv, _ := db.GetConversation(1)
	th.Open(context.Background(), conv)
	waitForState(t, th, ThreadReady)

	msgs, err := th.Messages(50)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 || msgs[0].Body != "first" || msgs[2].Body != "third" {
		t.Errorf("order = %+v, want oldest first", msgs)
	}
}

func TestSendRejectsEmpty(t *testing.T) {
	th, db, _, _ := newTestThread(t)
	seedConversation(t, db)
	conv, _ := db.GetConversation(1)
	th.Open(context.Background(), conv)

	if _, err := th.Send("   \n\t "); err != ErrEmptyMessage {
		t.Errorf("err = %v, want ErrEmptyMessage", err)
	}
}

func TestSendRequiresOpenConversation(t *testing.T) {
	th, _, _, _ := newTestThread(t)
	if _, err := th.Send("oi"); err != ErrNoConversation {
		t.Errorf("err = %v, want ErrNoConversation", err)
	}
}

func TestSendQueuesForRecipient(t *testing.T) {
	th, db, _, q := newTestThread(t)
	seedConversation(t, db)
	conv, _ := db.GetConversation(1)
	th.Open(context.Background(), conv)

	ck, err := th.Send("bom dia")
	if err != nil {
		t.Fatal(err)
	}
	if ck != "ck-test" {
		t.Errorf("client key = %q", ck)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.calls) != 1 {
		t.Fatalf("enqueue calls = %d, want 1", len(q.calls))
	}
	if q.calls[0].convID != 1 || q.calls[0].receiverID != 9 || q.calls[0].body != "bom dia" {
		t.Errorf("call = %+v", q.calls[0])
	}
}

func TestOpenResolvesRecipientAvatar(t *testing.T) {
	db := testDB(t)
	seedConversation(t, db)
	backend := &fakeBackend{msgs: map[int64][]store.Message{}}
	e := NewEngine(db, bus.New(), backend, nil, 7, nil)
	avatars := &fakeAvatars{url: "http://localhost:3000/uploads/bruno.png"}
	th := NewThread(db, e, &fakeQueuer{}, avatars, 7, nil)

	conv, _ := db.GetConversation(1)
	th.Open(context.Background(), conv)

	deadline := time.Now().Add(2 * time.Second)
	for th.RecipientAvatar() == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := th.RecipientAvatar(); got != avatars.url {
		t.Errorf("avatar = %q, want %q", got, avatars.url)
	}

	avatars.mu.Lock()
	if len(avatars.calls) != 1 || avatars.calls[0] != 9 {
		t.Errorf("resolved for %v, want the other participant (9)", avatars.calls)
	}
	avatars.mu.Unlock()

	th.Close()
	if th.RecipientAvatar() != "" {
		t.Error("avatar survived close")
	}
}

func TestCloseDiscardsInFlightFetch(t *testing.T) {
	th, db, backend, _ := newTestThread(t)
	seedConversation(t, db)

	release := make(chan struct{})
	backend.mu.Lock()
	backend.release = release
	backend.mu.Unlock()

	conv, _ := db.GetConversation(1)
	th.Open(context.Background(), conv)
	th.Close()
	close(release)

	// The fetch completes after Close; its result must not resurrect state.
	time.Sleep(100 * time.Millisecond)
	if th.State() != ThreadIdle {
		t.Errorf("state = %v, want idle after close", th.State())
	}
	if th.Conversation() != nil {
		t.Error("conversation still open after close")
	}
}
