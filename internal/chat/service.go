package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/match-chat/internal/matching"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var (
	ErrNotMatched  = errors.New("chat: users are not matched")
	ErrInvalidPage = errors.New("chat: page and page size must be at least 1")
	ErrSelfMessage = errors.New("chat: sender and receiver are the same user")
)

// PeerAuthorizer is satisfied by matching.Client.
type PeerAuthorizer interface {
	AuthorizePeer(ctx context.Context, sender, receiver string) matching.Authorization
}

// Service applies the conversation rules on top of a Repository.
type Service struct {
	repo    Repository
	matches PeerAuthorizer
	now     func() time.Time
	log     *zap.Logger
}

// NewService creates a Service.
func NewService(repo Repository, matches PeerAuthorizer, log *zap.Logger) *Service {
	return &Service{repo: repo, matches: matches, now: time.Now, log: log.Named("chat")}
}

// Send asks the match service whether sender and receiver are matched and
// stores the message if they are.
func (s *Service) Send(ctx context.Context, sender, receiver, body string, kind Kind) (*Message, error) {
	if sender == receiver {
		return nil, ErrSelfMessage
	}
	return s.SendAuthorized(ctx, s.matches.AuthorizePeer(ctx, sender, receiver), sender, body, kind)
}

// SendAuthorized stores a message for a pair the caller has already
// authorized. The receiver is the authorization's peer. The message is stored
// approved and unread; moderation has run upstream.
func (s *Service) SendAuthorized(ctx context.Context, auth matching.Authorization, sender, body string, kind Kind) (*Message, error) {
	if !auth.Allowed || auth.Peer == "" {
		return nil, ErrNotMatched
	}
	if auth.Peer == sender {
		return nil, ErrSelfMessage
	}
	if err := ValidateMessage(body); err != nil {
		return nil, err
	}
	if kind == "" {
		kind = KindText
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("chat: unknown message kind %q", kind)
	}

	m := &Message{
		ConversationID:   ConversationID(sender, auth.Peer),
		SenderID:         sender,
		ReceiverID:       auth.Peer,
		Body:             body,
		Kind:             kind,
		SentAt:           normalizeTime(s.now()),
		ModerationStatus: StatusApproved,
	}
	if err := s.repo.Insert(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Get returns a visible message that viewer sent or received.
func (s *Service) Get(ctx context.Context, id int64, viewer string) (*Message, error) {
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.Involves(viewer) {
		return nil, ErrNotFound
	}
	return m, nil
}

// GetConversation returns one page of the conversation between userA and
// userB, newest first. pageSize is capped at MaxPageSize.
func (s *Service) GetConversation(ctx context.Context, userA, userB string, page, pageSize int) ([]Message, error) {
	if page < 1 || pageSize < 1 {
		return nil, ErrInvalidPage
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return s.repo.ListConversation(ctx, userA, userB, (page-1)*pageSize, pageSize)
}

// Recent returns the last n visible messages between userA and userB, oldest
// first.
func (s *Service) Recent(ctx context.Context, userA, userB string, n int) ([]Message, error) {
	msgs, err := s.GetConversation(ctx, userA, userB, 1, n)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GetConversations lists user's conversations, most recent first.
func (s *Service) GetConversations(ctx context.Context, user string) ([]ConversationSummary, error) {
	return s.repo.ListConversations(ctx, user)
}

// MarkRead marks a message read when user is its receiver. Repeated calls
// keep the first ReadAt and report false.
func (s *Service) MarkRead(ctx context.Context, id int64, user string) (bool, error) {
	return s.repo.MarkRead(ctx, id, user, normalizeTime(s.now()))
}

// Delete soft-deletes a message when user is its sender.
func (s *Service) Delete(ctx context.Context, id int64, user string) (bool, error) {
	return s.repo.SoftDelete(ctx, id, user)
}

// DeleteAllForUser removes every message user sent or received regardless of
// match status. Only trusted internal callers may reach it.
func (s *Service) DeleteAllForUser(ctx context.Context, user string) (int64, error) {
	n, err := s.repo.DeleteAllForUser(ctx, user)
	if err != nil {
		return 0, err
	}
	s.log.Info("deleted all messages for user", zap.String("user", user), zap.Int64("count", n))
	return n, nil
}
