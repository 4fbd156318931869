// Package protocol defines the WebSocket frames exchanged between chat clients
// and the server. Every frame is a JSON object with a "type" discriminator.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/whisper/match-chat/internal/chat"
)

// Client -> Server frame types.
const (
	TypeSendMessage = "send_message"
	TypeAck         = "ack"
	TypePing        = "ping"
)

// Server -> Client frame types.
const (
	TypeConnected       = "connected"
	TypeMessageReceived = "message_received"
	TypeError           = "error"
	TypePong            = "pong"
)

// Envelope holds the frame type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the raw bytes and extracts only the "type" field.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server
// ---------------------------------------------------------------------------

// SendMessageMsg asks the server to deliver text to a matched user. The
// recipient is named directly by ReceiverID or through MatchID; MatchID wins
// when both are set. ClientMsgID is echoed on the resulting frames so the
// client can correlate them.
type SendMessageMsg struct {
	Type        string `json:"type"`
	ReceiverID  string `json:"receiver_id,omitempty"`
	MatchID     string `json:"match_id,omitempty"`
	Text        string `json:"text"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// AckMsg acknowledges (marks read) a received message.
type AckMsg struct {
	Type      string `json:"type"`
	MessageID int64  `json:"message_id"`
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client
// ---------------------------------------------------------------------------

// ConnectedMsg confirms an authenticated connection.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
	UserID       string `json:"user_id"`
}

// MessageReceivedMsg carries a persisted message to its receiver and, as an
// echo, to its sender.
type MessageReceivedMsg struct {
	Type        string        `json:"type"`
	Message     *chat.Message `json:"message"`
	ClientMsgID string        `json:"client_msg_id,omitempty"`
}

// ErrorMsg reports a rejected operation with a stable code.
type ErrorMsg struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// PongMsg answers a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ParseClientMessage parses raw WebSocket bytes into a typed client frame.
// It returns the frame type, the decoded struct and any parse error. Unknown
// or server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeAck:
		var m AckMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage encodes payload with its "type" field forced to msgType.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	t, _ := json.Marshal(msgType)
	m["type"] = t

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewError encodes an error frame.
func NewError(code, message, clientMsgID string) []byte {
	out, _ := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message, ClientMsgID: clientMsgID})
	return out
}
