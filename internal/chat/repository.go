package chat

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Repository.Get for unknown or deleted messages.
var ErrNotFound = errors.New("chat: message not found")

// Repository is the durable message store.
type Repository interface {
	// Insert stores m and assigns m.ID.
	Insert(ctx context.Context, m *Message) error
	// Get returns a visible message by id.
	Get(ctx context.Context, id int64) (*Message, error)
	// ListConversation returns visible messages exchanged by userA and userB,
	// newest first.
	ListConversation(ctx context.Context, userA, userB string, offset, limit int) ([]Message, error)
	// ListConversations returns one summary per conversation userID takes
	// part in, most recent first.
	ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error)
	// MarkRead sets the read flag when receiverID received the message and
	// it is still unread. It reports whether anything changed.
	MarkRead(ctx context.Context, id int64, receiverID string, at time.Time) (bool, error)
	// SoftDelete tombstones a message sent by senderID. It reports whether
	// anything changed.
	SoftDelete(ctx context.Context, id int64, senderID string) (bool, error)
	// DeleteAllForUser hard-deletes every message userID sent or received.
	DeleteAllForUser(ctx context.Context, userID string) (int64, error)
}
