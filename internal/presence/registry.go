// Package presence tracks which users have live connections on this
// instance. A user may hold several connections at once (several devices);
// each is tracked independently by its handle id.
package presence

import (
	"sort"
	"sync"

	"github.com/whisper/match-chat/internal/shard"
)

// Handle is a live connection that can receive frames.
type Handle interface {
	ID() string
	Send(data []byte) error
}

type registryShard struct {
	mu    sync.RWMutex
	users map[string]map[string]Handle // user -> handle id -> handle
}

// Registry maps user identities to their live handles. Users on different
// shards never contend; operations on the same user are serialized by the
// shard lock.
type Registry struct {
	shards []*registryShard
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{shards: make([]*registryShard, shard.DefaultCount)}
	for i := range r.shards {
		r.shards[i] = &registryShard{users: make(map[string]map[string]Handle)}
	}
	return r
}

func (r *Registry) shardFor(user string) *registryShard {
	return r.shards[shard.Index(user, len(r.shards))]
}

// Connect registers h for user. It returns true when this is the user's first
// live connection (offline to online). Registering the same handle twice is
// a no-op returning false.
func (r *Registry) Connect(user string, h Handle) bool {
	s := r.shardFor(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	handles, ok := s.users[user]
	if !ok {
		handles = make(map[string]Handle)
		s.users[user] = handles
	}
	first := len(handles) == 0
	if _, dup := handles[h.ID()]; dup {
		return false
	}
	handles[h.ID()] = h
	return first
}

// Disconnect removes h from user. It returns true when this leaves the user
// with no connections (online to offline); the entry is removed. An unknown
// user or handle is a no-op returning false.
func (r *Registry) Disconnect(user string, h Handle) bool {
	s := r.shardFor(user)
	s.mu.Lock()
	defer s.mu.Unlock()

	handles, ok := s.users[user]
	if !ok {
		return false
	}
	if _, ok := handles[h.ID()]; !ok {
		return false
	}
	delete(handles, h.ID())
	if len(handles) == 0 {
		delete(s.users, user)
		return true
	}
	return false
}

// IsOnline reports whether user has at least one live connection.
func (r *Registry) IsOnline(user string) bool {
	s := r.shardFor(user)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[user]) > 0
}

// ConnectionsFor returns a snapshot of user's handles. The slice is safe to
// use without holding any lock.
func (r *Registry) ConnectionsFor(user string) []Handle {
	s := r.shardFor(user)
	s.mu.RLock()
	defer s.mu.RUnlock()

	handles := s.users[user]
	out := make([]Handle, 0, len(handles))
	for _, h := range handles {
		out = append(out, h)
	}
	return out
}

// ConnectionCount returns the number of live handles for user.
func (r *Registry) ConnectionCount(user string) int {
	s := r.shardFor(user)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[user])
}

// OnlineUsers returns the sorted identities with at least one connection.
func (r *Registry) OnlineUsers() []string {
	var users []string
	for _, s := range r.shards {
		s.mu.RLock()
		for u := range s.users {
			users = append(users, u)
		}
		s.mu.RUnlock()
	}
	sort.Strings(users)
	return users
}

// OnlineCount returns the number of online users.
func (r *Registry) OnlineCount() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		n += len(s.users)
		s.mu.RUnlock()
	}
	return n
}
