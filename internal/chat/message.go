// Package chat is the conversation store: it derives conversation ids,
// persists approved messages and serves history, unread counts, read
// receipts and soft deletes over a Repository.
package chat

import "time"

// Kind is the type of a message body. Only KindText is sent today.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindEmoji Kind = "emoji"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindEmoji:
		return true
	}
	return false
}

// ModerationStatus is the review state of a stored message.
type ModerationStatus string

const (
	StatusPending        ModerationStatus = "pending"
	StatusApproved       ModerationStatus = "approved"
	StatusRejected       ModerationStatus = "rejected"
	StatusRequiresReview ModerationStatus = "requires_review"
)

// Message is one persisted chat entry.
type Message struct {
	ID               int64            `json:"id"`
	ConversationID   string           `json:"conversation_id"`
	SenderID         string           `json:"sender_id"`
	ReceiverID       string           `json:"receiver_id"`
	Body             string           `json:"body"`
	Kind             Kind             `json:"kind"`
	SentAt           time.Time        `json:"sent_at"`
	IsRead           bool             `json:"is_read"`
	ReadAt           *time.Time       `json:"read_at,omitempty"`
	IsDeleted        bool             `json:"-"`
	ModerationStatus ModerationStatus `json:"moderation_status"`
}

// Visible reports whether the message may appear on a read path.
func (m *Message) Visible() bool {
	return !m.IsDeleted && m.ModerationStatus == StatusApproved
}

// Involves reports whether userID is the sender or the receiver.
func (m *Message) Involves(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// Between reports whether m was exchanged by userA and userB in either
// direction. Conversation ids alone are ambiguous when identities contain
// the separator.
func (m *Message) Between(userA, userB string) bool {
	return (m.SenderID == userA && m.ReceiverID == userB) ||
		(m.SenderID == userB && m.ReceiverID == userA)
}

// ConversationSummary is computed per query: the latest visible message of a
// conversation, the viewer's unread count and the other participant.
type ConversationSummary struct {
	ConversationID string  `json:"conversation_id"`
	OtherUserID    string  `json:"other_user_id"`
	LastMessage    Message `json:"last_message"`
	UnreadCount    int     `json:"unread_count"`
}

// conversationSeparator joins the two sorted identities. Identities may
// contain it, so {"a_b","c"} and {"a","b_c"} share an id; lookups by pair
// must also match the participants.
const conversationSeparator = "_"

// ConversationID returns the id shared by both directions of a pair: the two
// identities sorted lexicographically and joined with "_".
func ConversationID(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return userA + conversationSeparator + userB
}

// otherParticipant returns the member of m that is not userID.
func otherParticipant(m *Message, userID string) string {
	if m.SenderID == userID {
		return m.ReceiverID
	}
	return m.SenderID
}

// normalizeTime gives stored timestamps the precision PostgreSQL keeps.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

