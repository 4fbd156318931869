package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/whisper/match-chat/internal/chat"
)

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","receiver_id":"bob","text":"Hey Bob, free tonight?","client_msg_id":"c1"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, msgType)
	}
	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.ReceiverID != "bob" || sm.Text != "Hey Bob, free tonight?" || sm.ClientMsgID != "c1" {
		t.Errorf("unexpected payload: %+v", sm)
	}
}

func TestParseClientMessage_MatchID(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"send_message","match_id":"42","text":"hi"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sm := msg.(SendMessageMsg); sm.MatchID != "42" || sm.ReceiverID != "" {
		t.Errorf("unexpected payload: %+v", sm)
	}
}

func TestParseClientMessage_Ack(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"ack","message_id":17}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack := msg.(AckMsg); ack.MessageID != 17 {
		t.Errorf("expected message_id 17, got %d", ack.MessageID)
	}
}

func TestParseClientMessage_Ping(t *testing.T) {
	msgType, msg, err := ParseClientMessage([]byte(`{"type":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypePing {
		t.Fatalf("expected %q, got %q", TypePing, msgType)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Fatalf("expected PingMsg, got %T", msg)
	}
}

func TestParseClientMessage_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{not json`},
		{"missing type", `{"text":"hi"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"typing"}`},
		{"server type", `{"type":"message_received"}`},
		{"bad ack id", `{"type":"ack","message_id":"seventeen"}`},
		{"bad text", `{"type":"send_message","text":5}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := ParseClientMessage([]byte(tt.input)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	out, err := NewServerMessage(TypeConnected, ConnectedMsg{Type: "wrong", ConnectionID: "c-1", UserID: "alice"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var m ConnectedMsg
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != TypeConnected || m.ConnectionID != "c-1" || m.UserID != "alice" {
		t.Errorf("unexpected frame: %+v", m)
	}
}

func TestNewServerMessage_MessageReceived(t *testing.T) {
	sent := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	out, err := NewServerMessage(TypeMessageReceived, MessageReceivedMsg{
		Message: &chat.Message{
			ID: 9, ConversationID: "alice_bob", SenderID: "alice", ReceiverID: "bob",
			Body: "hi", Kind: chat.KindText, SentAt: sent, ModerationStatus: chat.StatusApproved,
		},
		ClientMsgID: "c9",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var m MessageReceivedMsg
	if err := json.Unmarshal(out, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != TypeMessageReceived || m.ClientMsgID != "c9" {
		t.Fatalf("unexpected frame: %s", out)
	}
	if m.Message == nil || m.Message.ID != 9 || m.Message.ConversationID != "alice_bob" || !m.Message.SentAt.Equal(sent) {
		t.Fatalf("unexpected message: %+v", m.Message)
	}
}

func TestNewError(t *testing.T) {
	var m ErrorMsg
	if err := json.Unmarshal(NewError("spam", "Message flagged as spam.", "c2"), &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if m.Type != TypeError || m.Code != "spam" || m.ClientMsgID != "c2" {
		t.Errorf("unexpected frame: %+v", m)
	}
}
