// Package ws is the real-time transport: it upgrades authenticated HTTP
// requests to WebSocket, multiplexes reads over epoll with a bounded worker
// pool and hands client frames to the hub.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/match-chat/internal/hub"
	"github.com/whisper/match-chat/internal/protocol"
	"github.com/whisper/match-chat/internal/ratelimit"
	"github.com/whisper/match-chat/internal/safety"
)

// maxFrameBytes bounds a single client frame.
const maxFrameBytes = 64 << 10

// sendTimeout bounds one send through the hub.
const sendTimeout = 10 * time.Second

// ServerConfig holds the transport tunables.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read workers
	MaxConnections int           // hard cap on live connections
	ReadTimeout    time.Duration // deadline for reading one frame
	WriteTimeout   time.Duration // deadline for writing one frame
	Heartbeat      HeartbeatConfig
	// TrustedProxies are the peers whose X-Forwarded-For and X-Real-IP
	// headers are believed. Empty means the socket peer is the client.
	TrustedProxies []netip.Prefix
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the user behind an upgrade request; auth.Verifier
// satisfies it.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// ConnectLimiter caps upgrade attempts per client IP;
// ratelimit.RedisLimiter satisfies it.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server upgrades connections on ServeHTTP and reads their frames on a pool
// of workers woken by epoll.
type Server struct {
	config     ServerConfig
	auth       Authenticator
	hub        *hub.Hub
	limiter    ConnectLimiter
	epoll      *Epoll
	conns      *ConnectionManager
	dispatcher *MessageDispatcher
	workerPool chan struct{}
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
	log        *zap.Logger
}

// NewServer creates a Server. limiter may be nil.
func NewServer(config ServerConfig, authenticator Authenticator, h *hub.Hub, limiter ConnectLimiter, log *zap.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     config,
		auth:       authenticator,
		hub:        h,
		limiter:    limiter,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		log:        log.Named("ws"),
	}
	s.dispatcher = NewMessageDispatcher(s.log)
	s.dispatcher.Register(protocol.TypeSendMessage, s.handleSend)
	s.dispatcher.Register(protocol.TypeAck, s.handleAck)
	return s
}

// Start creates the poller and starts the event loop and heartbeat. It does
// not block; mount the Server as the /ws handler of an http.Server.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)

	s.log.Info("transport started",
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_connections", s.config.MaxConnections),
		zap.Duration("heartbeat", s.config.Heartbeat.Interval),
		zap.Duration("idle_timeout", s.config.Heartbeat.IdleTimeout),
	)
	return nil
}

// ServeHTTP upgrades the request. Unauthenticated clients receive an
// authentication-required error frame and are closed without registering.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.epoll == nil {
		http.Error(w, "transport not started", http.StatusServiceUnavailable)
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r, s.config.TrustedProxies)
	if s.limiter != nil {
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			s.log.Info("connect rate limited", zap.String("ip", ip))
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	userID, authErr := s.auth.Authenticate(r)

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("upgrade failed", zap.String("ip", ip), zap.Error(err))
		return
	}

	if authErr != nil {
		s.log.Info("connection rejected", zap.String("ip", ip), zap.Error(authErr))
		userID = ""
	}

	polled, err := s.epoll.Add(netConn)
	if err != nil {
		s.log.Error("epoll add failed", zap.Error(err))
		_ = netConn.Close()
		return
	}
	c := newConnection(polled, uuid.New().String(), userID, ip, s.config.WriteTimeout)

	if err := s.hub.Connect(r.Context(), c); err != nil {
		_ = s.epoll.Remove(polled)
		reason := hub.ReasonOf(err)
		_ = c.Send(protocol.NewError(reason.String(), reason.Message(), ""))
		c.closeWith(ws.StatusPolicyViolation, reason.String())
		return
	}
	s.conns.Add(c)

	hello, _ := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		ConnectionID: c.ID(),
		UserID:       userID,
	})
	if err := c.Send(hello); err != nil {
		s.log.Debug("connected frame write failed", zap.String("conn", c.ID()), zap.Error(err))
	}
	s.log.Debug("connection opened", zap.String("conn", c.ID()), zap.String("user", userID), zap.Int("total", s.conns.Count()))
}

func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isInterrupted(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("epoll wait error", zap.Error(err))
			continue
		}

		for _, conn := range conns {
			conn := conn
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one frame from a ready connection. Control frames are
// consumed here; a read error or close frame removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	defer s.epoll.Rearm(netConn)

	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	// Level-triggered epoll may report the same socket to two workers.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	c.touch(time.Now())

	if header.OpCode.IsControl() {
		payload := make([]byte, header.Length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			c.writeMu.Lock()
			err = ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
			c.writeMu.Unlock()
			if err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	if header.Length > maxFrameBytes {
		s.log.Info("frame too large", zap.String("conn", c.ID()), zap.Int64("bytes", header.Length))
		s.RemoveConnection(c)
		return
	}
	data := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c)
		return
	}
	if len(data) == 0 {
		return
	}
	s.dispatcher.Dispatch(c, data)
}

func (s *Server) handleSend(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.SendMessageMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
	defer cancel()

	_, err := s.hub.SendMessage(ctx, c, hub.SendRequest{
		ReceiverID:  m.ReceiverID,
		MatchID:     m.MatchID,
		Body:        m.Text,
		ClientMsgID: m.ClientMsgID,
	})
	if err == nil {
		return
	}
	reason := hub.ReasonOf(err)
	if reason == safety.ReasonSendFailed {
		s.log.Debug("send failed", zap.String("conn", c.ID()), zap.Error(err))
	}
	if werr := c.Send(protocol.NewError(reason.String(), reason.Message(), m.ClientMsgID)); werr != nil {
		s.log.Debug("error frame write failed", zap.String("conn", c.ID()), zap.Error(werr))
	}
}

func (s *Server) handleAck(c *Connection, msg interface{}) {
	m, ok := msg.(protocol.AckMsg)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
	defer cancel()
	s.hub.Acknowledge(ctx, c, m.MessageID)
}

// RemoveConnection unregisters c from the poller, the manager and the hub and
// closes it. Concurrent calls clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)
	if !s.conns.Remove(c.ID()) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.hub.Disconnect(ctx, c)
	s.log.Debug("connection closed", zap.String("conn", c.ID()), zap.String("user", c.UserID()), zap.Int("total", s.conns.Count()))
}

// Connections exposes the live connection manager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the event loop and heartbeat and closes every connection.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.done)
		s.cancel()
	})
	for _, c := range s.conns.All() {
		if ctx.Err() != nil {
			break
		}
		_ = s.epoll.Remove(c.Conn)
		if s.conns.Remove(c.ID()) {
			s.hub.Disconnect(ctx, c)
		}
	}
	if s.epoll != nil {
		_ = s.epoll.Close()
	}
	s.log.Info("transport stopped")
	return ctx.Err()
}

// clientIP returns the address the connect limit applies to. Forwarding
// headers count only when the socket peer is a trusted proxy; the result is
// then the rightmost X-Forwarded-For hop that is not itself trusted.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		peer = host
	}
	if !isTrusted(peer, trusted) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if !isTrusted(hop, trusted) {
				return hop
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return peer
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
