// Package hub is the message dispatcher. It owns the connect and disconnect
// lifecycle of real-time connections and runs every send through match
// authorization, validation, the safety pipeline, persistence and fan-out.
package hub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/match-chat/internal/chat"
	"github.com/whisper/match-chat/internal/matching"
	"github.com/whisper/match-chat/internal/metrics"
	"github.com/whisper/match-chat/internal/presence"
	"github.com/whisper/match-chat/internal/protocol"
	"github.com/whisper/match-chat/internal/safety"
	"github.com/whisper/match-chat/internal/shard"
)

// Conn is a live connection as the hub sees it.
type Conn interface {
	presence.Handle
	UserID() string
	RemoteAddr() string
	State() State
	SetState(State) State
	Transition(from, to State) bool
}

// Authorizer answers match questions; matching.Client satisfies it.
type Authorizer interface {
	AuthorizePeer(ctx context.Context, sender, receiver string) matching.Authorization
	AuthorizeMatch(ctx context.Context, matchID, userID string) matching.Authorization
}

// Evaluator is the safety pipeline.
type Evaluator interface {
	Evaluate(ctx context.Context, c safety.Candidate) safety.Verdict
}

// Conversations persists messages; chat.Service satisfies it.
type Conversations interface {
	SendAuthorized(ctx context.Context, auth matching.Authorization, sender, body string, kind chat.Kind) (*chat.Message, error)
	MarkRead(ctx context.Context, id int64, user string) (bool, error)
}

// Relay carries frames to users connected to other instances;
// messaging.NATSClient satisfies it.
type Relay interface {
	PublishToUser(userID string, data []byte) error
	SubscribeUser(userID string, handler func(data []byte)) error
	UnsubscribeUser(userID string) error
}

// Sessions records live connections cluster-wide; session.Store satisfies it.
type Sessions interface {
	Create(ctx context.Context, connID, userID, remoteAddr string) error
	Touch(ctx context.Context, connID, userID string) error
	Delete(ctx context.Context, connID, userID string) error
	IsUserOnline(ctx context.Context, userID string) (bool, error)
}

// Rejection is a send or connect failure carrying a client-visible reason.
type Rejection struct {
	Reason safety.Reason
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("hub: %s: %v", r.Reason, r.Err)
	}
	return "hub: " + string(r.Reason)
}

func (r *Rejection) Unwrap() error { return r.Err }

func reject(reason safety.Reason, err error) *Rejection {
	return &Rejection{Reason: reason, Err: err}
}

// ReasonOf returns the rejection reason carried by err, or send-failed for
// any other error.
func ReasonOf(err error) safety.Reason {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason
	}
	return safety.ReasonSendFailed
}

// Options are the optional collaborators. A nil Relay keeps delivery local;
// nil Sessions skips the cluster-wide session record.
type Options struct {
	Relay    Relay
	Sessions Sessions
}

// Hub dispatches messages between connections.
type Hub struct {
	presence *presence.Registry
	matches  Authorizer
	safety   Evaluator
	store    Conversations
	relay    Relay
	sessions Sessions
	now      func() time.Time
	log      *zap.Logger

	// membership serializes a user's presence transition with the relay
	// subscribe or unsubscribe it triggers.
	membership [shard.DefaultCount]sync.Mutex
}

// New creates a Hub.
func New(registry *presence.Registry, matches Authorizer, pipeline Evaluator, store Conversations, opts Options, log *zap.Logger) *Hub {
	return &Hub{
		presence: registry,
		matches:  matches,
		safety:   pipeline,
		store:    store,
		relay:    opts.Relay,
		sessions: opts.Sessions,
		now:      time.Now,
		log:      log.Named("hub"),
	}
}

func (h *Hub) lockUser(user string) func() {
	mu := &h.membership[shard.Index(user, shard.DefaultCount)]
	mu.Lock()
	return mu.Unlock
}

// Presence returns the registry the hub maintains.
func (h *Hub) Presence() *presence.Registry { return h.presence }

// Connect registers an authenticated connection and moves it to Idle. A
// connection without an identity is moved to Disconnected and rejected with
// authentication-required.
func (h *Hub) Connect(ctx context.Context, c Conn) error {
	user := c.UserID()
	if user == "" {
		c.SetState(StateDisconnected)
		return reject(safety.ReasonAuthRequired, nil)
	}
	if !c.Transition(StateConnecting, StateAuthenticated) {
		return fmt.Errorf("hub: connect: connection %s is %s", c.ID(), c.State())
	}

	unlock := h.lockUser(user)
	first := h.presence.Connect(user, c)
	if first {
		h.subscribe(user)
	}
	unlock()
	metrics.ConnectionsActive.Inc()
	if first {
		metrics.OnlineUsers.Inc()
	}
	if h.sessions != nil {
		if err := h.sessions.Create(ctx, c.ID(), user, c.RemoteAddr()); err != nil {
			h.log.Warn("session record failed", zap.String("conn", c.ID()), zap.String("user", user), zap.Error(err))
		}
	}

	c.SetState(StateIdle)
	h.log.Debug("connected", zap.String("conn", c.ID()), zap.String("user", user), zap.Bool("first", first))
	return nil
}

// Disconnect deregisters c. It is safe to call more than once.
func (h *Hub) Disconnect(ctx context.Context, c Conn) {
	prev := c.SetState(StateDisconnected)
	if prev == StateDisconnected || prev == StateConnecting {
		return
	}
	user := c.UserID()

	unlock := h.lockUser(user)
	last := h.presence.Disconnect(user, c)
	if last {
		h.unsubscribe(user)
	}
	unlock()
	metrics.ConnectionsActive.Dec()
	if last {
		metrics.OnlineUsers.Dec()
	}
	if h.sessions != nil {
		if err := h.sessions.Delete(ctx, c.ID(), user); err != nil {
			h.log.Warn("session delete failed", zap.String("conn", c.ID()), zap.String("user", user), zap.Error(err))
		}
	}
	h.log.Debug("disconnected", zap.String("conn", c.ID()), zap.String("user", user), zap.Bool("last", last))
}

// Touch refreshes the session record of c.
func (h *Hub) Touch(ctx context.Context, c Conn) {
	if h.sessions == nil || c.UserID() == "" {
		return
	}
	if err := h.sessions.Touch(ctx, c.ID(), c.UserID()); err != nil {
		h.log.Debug("session touch failed", zap.String("conn", c.ID()), zap.Error(err))
	}
}

// SendRequest is one outbound message. MatchID, when set, names the
// conversation partner through the match; otherwise ReceiverID does.
type SendRequest struct {
	ReceiverID  string
	MatchID     string
	Body        string
	ClientMsgID string
}

// SendMessage authorizes, checks, persists and delivers a message from c. On
// success the persisted message has been pushed to the receiver's live
// connections and echoed to c. Any failure is a *Rejection and nothing was
// stored or broadcast.
func (h *Hub) SendMessage(ctx context.Context, c Conn, req SendRequest) (*chat.Message, error) {
	start := h.now()
	defer func() { metrics.SendLatency.Observe(time.Since(start).Seconds()) }()

	sender := c.UserID()
	if sender == "" || !c.Transition(StateIdle, StateSending) {
		return nil, h.veto(safety.ReasonAuthRequired, nil)
	}
	defer c.Transition(StateSending, StateIdle)

	var auth matching.Authorization
	switch {
	case req.MatchID != "":
		auth = h.matches.AuthorizeMatch(ctx, req.MatchID, sender)
	case req.ReceiverID != "" && req.ReceiverID != sender:
		auth = h.matches.AuthorizePeer(ctx, sender, req.ReceiverID)
	}
	if !auth.Allowed || auth.Peer == "" || auth.Peer == sender {
		h.log.Info("message vetoed",
			zap.String("reason", safety.ReasonNotAuthorized.String()),
			zap.String("stage", "match"),
			zap.String("sender", sender),
			zap.String("receiver", req.ReceiverID),
			zap.String("match", req.MatchID),
		)
		return nil, h.veto(safety.ReasonNotAuthorized, nil)
	}
	receiver := auth.Peer

	if err := chat.ValidateMessage(req.Body); err != nil {
		reason := safety.ReasonTooLong
		if errors.Is(err, chat.ErrEmptyMessage) || errors.Is(err, chat.ErrInvalidUTF8) {
			reason = safety.ReasonContentBlocked
		}
		h.log.Info("message vetoed",
			zap.String("reason", reason.String()),
			zap.String("stage", "validate"),
			zap.String("sender", sender),
			zap.String("receiver", receiver),
		)
		return nil, h.veto(reason, err)
	}

	verdict := h.safety.Evaluate(ctx, safety.Candidate{
		SenderID:   sender,
		ReceiverID: receiver,
		Body:       req.Body,
		At:         h.now(),
	})
	if !verdict.Allowed {
		reason := verdict.Reason
		if reason == "" {
			reason = safety.ReasonContentBlocked
		}
		h.log.Info("message vetoed",
			zap.String("reason", reason.String()),
			zap.String("stage", verdict.Stage),
			zap.String("sender", sender),
			zap.String("receiver", receiver),
		)
		h.log.Debug("veto detail", zap.String("stage", verdict.Stage), zap.String("detail", verdict.Detail))
		return nil, h.veto(reason, nil)
	}

	msg, err := h.store.SendAuthorized(ctx, auth, sender, req.Body, chat.KindText)
	if err != nil {
		h.log.Error("approved message not persisted",
			zap.String("sender", sender),
			zap.String("receiver", receiver),
			zap.String("match", auth.MatchID),
			zap.Error(err),
		)
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeFailed).Inc()
		return nil, reject(safety.ReasonSendFailed, err)
	}

	delivery, err := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{Message: msg})
	if err != nil {
		h.log.Error("encode message frame", zap.Int64("message", msg.ID), zap.Error(err))
	} else {
		h.deliver(ctx, receiver, delivery)
	}

	echo, err := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		Message:     msg,
		ClientMsgID: req.ClientMsgID,
	})
	if err == nil {
		if err := c.Send(echo); err != nil {
			h.log.Debug("echo write failed", zap.String("conn", c.ID()), zap.Error(err))
		}
	}

	metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDelivered).Inc()
	return msg, nil
}

// Acknowledge marks messageID read for c's user. Failures are logged and
// never reported to the client.
func (h *Hub) Acknowledge(ctx context.Context, c Conn, messageID int64) {
	user := c.UserID()
	if user == "" || messageID <= 0 {
		return
	}
	changed, err := h.store.MarkRead(ctx, messageID, user)
	if err != nil {
		h.log.Warn("acknowledge failed", zap.Int64("message", messageID), zap.String("user", user), zap.Error(err))
		return
	}
	if !changed {
		h.log.Debug("acknowledge ignored", zap.Int64("message", messageID), zap.String("user", user))
	}
}

func (h *Hub) veto(reason safety.Reason, err error) *Rejection {
	metrics.MessagesTotal.WithLabelValues(metrics.OutcomeVetoed).Inc()
	metrics.VetoesTotal.WithLabelValues(reason.String()).Inc()
	return reject(reason, err)
}

// deliver pushes frame to every connection of user. With a relay the frame
// is published and each instance writes it to its local connections.
func (h *Hub) deliver(ctx context.Context, user string, frame []byte) {
	if h.relay == nil {
		h.deliverLocal(user, frame)
		return
	}
	if h.sessions != nil {
		online, err := h.sessions.IsUserOnline(ctx, user)
		if err == nil && !online {
			return
		}
	}
	if err := h.relay.PublishToUser(user, frame); err != nil {
		h.log.Warn("relay publish failed, delivering locally", zap.String("user", user), zap.Error(err))
		h.deliverLocal(user, frame)
	}
}

func (h *Hub) deliverLocal(user string, frame []byte) {
	for _, conn := range h.presence.ConnectionsFor(user) {
		if err := conn.Send(frame); err != nil {
			h.log.Debug("delivery write failed", zap.String("conn", conn.ID()), zap.String("user", user), zap.Error(err))
		}
	}
}

func (h *Hub) subscribe(user string) {
	if h.relay == nil {
		return
	}
	err := h.relay.SubscribeUser(user, func(data []byte) {
		h.deliverLocal(user, data)
	})
	if err != nil {
		h.log.Error("relay subscribe failed", zap.String("user", user), zap.Error(err))
	}
}

func (h *Hub) unsubscribe(user string) {
	if h.relay == nil {
		return
	}
	if err := h.relay.UnsubscribeUser(user); err != nil {
		h.log.Debug("relay unsubscribe failed", zap.String("user", user), zap.Error(err))
	}
}
