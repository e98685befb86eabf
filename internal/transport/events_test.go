package transport

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDecodeMessageEvent(t *testing.T) {
	data := json.RawMessage(`{
		"conversation_id": 12,
		"id": 909,
		"client_msg_id": "ck-7",
		"sender_id": 7,
		"message_text": "chegando em 5 min",
		"sent_at": "2025-03-10T14:00:00Z",
		"is_read": false
	}`)

	msg, err := DecodeMessageEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if msg.ConversationID != 12 || msg.MsgID != "909" || msg.ClientMsgID != "ck-7" {
		t.Errorf("ids = %+v", msg)
	}
	if msg.Body != "chegando em 5 min" {
		t.Errorf("body = %q", msg.Body)
	}
	want := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC).UnixMilli()
	if msg.SentAt != want {
		t.Errorf("sent_at = %d, want %d", msg.SentAt, want)
	}
}

func TestDecodeMessageEventStringID(t *testing.T) {
	data := json.RawMessage(`{"conversation_id": 1, "id": "42", "sender_id": 2, "message_text": "oi", "sent_at": "1741615200000"}`)

	msg, err := DecodeMessageEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if msg.MsgID != "42" {
		t.Errorf("msg_id = %q, want 42", msg.MsgID)
	}
	if msg.SentAt != 1741615200000 {
		t.Errorf("sent_at = %d, want unix ms passthrough", msg.SentAt)
	}
}

func TestDecodeMessageEventBadTimestampFallsBack(t *testing.T) {
	before := time.Now().UnixMilli()
	msg, err := DecodeMessageEvent(json.RawMessage(`{"conversation_id": 1, "id": 1, "sender_id": 2, "message_text": "x", "sent_at": "not-a-date"}`))
	if err != nil {
		t.Fatal(err)
	}
	if msg.SentAt < before {
		t.Errorf("sent_at = %d, want receive-time fallback", msg.SentAt)
	}
}

func TestDecodeReadReceipt(t *testing.T) {
	r, err := DecodeReadReceipt(json.RawMessage(`{"conversation_id": 3, "reader_id": 9}`))
	if err != nil {
		t.Fatal(err)
	}
	if r.ConversationID != 3 || r.ReaderID != 9 {
		t.Errorf("receipt = %+v", r)
	}
}

func TestDecodeSendError(t *testing.T) {
	e, err := DecodeSendError(json.RawMessage(`{"conversation_id": 3, "client_msg_id": "ck-1", "error": "receiver blocked"}`))
	if err != nil {
		t.Fatal(err)
	}
	if e.ClientMsgID != "ck-1" || e.Error != "receiver blocked" {
		t.Errorf("error payload = %+v", e)
	}
}

func TestNewEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventSendMessage, SendMessagePayload{
		ConversationID: 1, SenderID: 7, ReceiverID: 9, MessageText: "oi", ClientMsgID: "ck-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if env.Event != EventSendMessage {
		t.Errorf("event = %q", env.Event)
	}

	var p SendMessagePayload
	if err := json.Unmarshal(env.Data, &p); err != nil {
		t.Fatal(err)
	}
	if p.ClientMsgID != "ck-1" || p.ReceiverID != 9 {
		t.Errorf("payload = %+v", p)
	}
}
