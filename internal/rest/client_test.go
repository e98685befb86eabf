package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConversationsParsesStringUnreadCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/conversations/7" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		fmt.Fprint(w, `[
			{"id": 1, "user_id": 7, "passenger_id": 9, "user_name": "Ana", "passenger_name": "Bruno",
			 "last_message": "oi", "last_message_at": "2025-03-10T14:00:00Z", "last_sender_id": 9,
			 "is_read": false, "unread_count": "3"},
			{"id": 2, "user_id": 4, "passenger_id": 7, "user_name": "Carla", "passenger_name": "Ana",
			 "last_message": "até amanhã", "last_message_at": "2025-03-09 08:30:00", "last_sender_id": 7,
			 "is_read": true, "unread_count": 0}
		]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	convs, err := c.Conversations(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if convs[0].UnreadCount != 3 {
		t.Errorf("string unread_count = %d, want 3", convs[0].UnreadCount)
	}
	if convs[1].UnreadCount != 0 {
		t.Errorf("numeric unread_count = %d, want 0", convs[1].UnreadCount)
	}
	if convs[0].LastMessageAt == 0 || convs[1].LastMessageAt == 0 {
		t.Error("timestamps did not parse")
	}
}

func TestMessagesMapsRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[
			{"id": 101, "sender_id": 7, "message_text": "bom dia", "sent_at": "2025-03-10T14:00:00Z", "is_read": true},
			{"id": "102", "sender_id": 9, "message_text": "bom dia!", "sent_at": "2025-03-10T14:01:00Z", "is_read": false}
		]`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	msgs, err := c.Messages(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	// Server ids are numeric but kept as strings either way.
	if msgs[0].MsgID != "101" || msgs[1].MsgID != "102" {
		t.Errorf("msg ids = %q, %q", msgs[0].MsgID, msgs[1].MsgID)
	}
	if msgs[0].Body != "bom dia" || !msgs[0].IsRead {
		t.Errorf("row mapping broken: %+v", msgs[0])
	}
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messages" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, `{"id": 555}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	id, err := c.SendMessage(context.Background(), SendRequest{
		ConversationID: 1, SenderID: 7, ReceiverID: 9, MessageText: "oi", ClientMsgID: "ck-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id != "555" {
		t.Errorf("server id = %q, want 555", id)
	}
}

func TestErrorStatusSurfaced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "conversa não encontrada"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok")
	_, err := c.Messages(context.Background(), 99)
	if err == nil {
		t.Fatal("expected error for 404")
	}
}

func TestProfilePhoto(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/usuario/9/foto-perfil" {
			t.Errorf("path = %q", r.URL.Path)
		}
		fmt.Fprint(w, `{"fotoPerfil": "9-avatar.png"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	name, err := c.ProfilePhoto(context.Background(), 9)
	if err != nil {
		t.Fatal(err)
	}
	if name != "9-avatar.png" {
		t.Errorf("photo = %q", name)
	}
}
