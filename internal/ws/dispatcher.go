package ws

import (
	"go.uber.org/zap"

	"github.com/whisper/match-chat/internal/protocol"
)

// MessageHandler handles one parsed client frame. msg is the concrete struct
// returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// Error codes for frames the server cannot route. Pipeline rejections use the
// safety reason codes instead.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
)

// MessageDispatcher routes client frames to handlers by type. Ping is
// answered internally.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	log      *zap.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(log *zap.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      log,
	}
}

// Register sets the handler for msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch parses data and runs the matching handler. Malformed frames and
// unregistered types are answered with an error frame.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug("parse error", zap.String("conn", conn.ID()), zap.Error(err))
		d.reply(conn, protocol.NewError(CodeParseError, "invalid message format", ""))
		return
	}

	if msgType == protocol.TypePing {
		pong, _ := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
		d.reply(conn, pong)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug("unsupported message type", zap.String("type", msgType), zap.String("conn", conn.ID()))
		d.reply(conn, protocol.NewError(CodeUnsupportedType, "unsupported message type", ""))
		return
	}
	handler(conn, msg)
}

func (d *MessageDispatcher) reply(conn *Connection, data []byte) {
	if err := conn.Send(data); err != nil {
		d.log.Debug("reply write failed", zap.String("conn", conn.ID()), zap.Error(err))
	}
}
