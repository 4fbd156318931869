package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps messages in process memory. It backs single-node
// deployments without a database and the tests.
type MemoryRepository struct {
	mu       sync.RWMutex
	nextID   int64
	messages map[int64]*Message
	byConv   map[string][]int64 // conversation id -> message ids in insert order
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		messages: make(map[int64]*Message),
		byConv:   make(map[string][]int64),
	}
}

func (r *MemoryRepository) Insert(_ context.Context, m *Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	m.ID = r.nextID
	stored := *m
	r.messages[stored.ID] = &stored
	r.byConv[stored.ConversationID] = append(r.byConv[stored.ConversationID], stored.ID)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id int64) (*Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.messages[id]
	if !ok || !m.Visible() {
		return nil, ErrNotFound
	}
	out := *m
	return &out, nil
}

// newestFirst orders by sent time, then id, descending.
func newestFirst(a, b *Message) bool {
	if !a.SentAt.Equal(b.SentAt) {
		return a.SentAt.After(b.SentAt)
	}
	return a.ID > b.ID
}

func (r *MemoryRepository) ListConversation(_ context.Context, userA, userB string, offset, limit int) ([]Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var visible []Message
	for _, id := range r.byConv[ConversationID(userA, userB)] {
		if m := r.messages[id]; m.Visible() && m.Between(userA, userB) {
			visible = append(visible, *m)
		}
	}
	sort.Slice(visible, func(i, j int) bool { return newestFirst(&visible[i], &visible[j]) })

	if offset >= len(visible) {
		return []Message{}, nil
	}
	end := offset + limit
	if end > len(visible) {
		end = len(visible)
	}
	return visible[offset:end], nil
}

func (r *MemoryRepository) ListConversations(_ context.Context, userID string) ([]ConversationSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byPeer := make(map[string]*ConversationSummary)
	for _, m := range r.messages {
		if !m.Visible() || !m.Involves(userID) {
			continue
		}
		other := otherParticipant(m, userID)
		s, ok := byPeer[other]
		if !ok {
			s = &ConversationSummary{
				ConversationID: m.ConversationID,
				OtherUserID:    other,
				LastMessage:    *m,
			}
			byPeer[other] = s
		} else if newestFirst(m, &s.LastMessage) {
			s.LastMessage = *m
		}
		if m.ReceiverID == userID && !m.IsRead {
			s.UnreadCount++
		}
	}

	out := make([]ConversationSummary, 0, len(byPeer))
	for _, s := range byPeer {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return newestFirst(&out[i].LastMessage, &out[j].LastMessage) })
	return out, nil
}

func (r *MemoryRepository) MarkRead(_ context.Context, id int64, receiverID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok || m.IsDeleted || m.ReceiverID != receiverID || m.IsRead {
		return false, nil
	}
	readAt := at
	m.IsRead = true
	m.ReadAt = &readAt
	return true, nil
}

func (r *MemoryRepository) SoftDelete(_ context.Context, id int64, senderID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[id]
	if !ok || m.IsDeleted || m.SenderID != senderID {
		return false, nil
	}
	m.IsDeleted = true
	return true, nil
}

func (r *MemoryRepository) DeleteAllForUser(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, m := range r.messages {
		if !m.Involves(userID) {
			continue
		}
		delete(r.messages, id)
		n++
	}
	for conv, ids := range r.byConv {
		kept := ids[:0]
		for _, id := range ids {
			if _, ok := r.messages[id]; ok {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(r.byConv, conv)
		} else {
			r.byConv[conv] = kept
		}
	}
	return n, nil
}

// Len returns the number of stored messages, tombstones included.
func (r *MemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.messages)
}
