// Package api is the REST surface next to the real-time transport:
// conversation history, read receipts, soft deletes, abuse reports and the
// internal account-deletion hook.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/whisper/match-chat/internal/auth"
	"github.com/whisper/match-chat/internal/ban"
	"github.com/whisper/match-chat/internal/chat"
	"github.com/whisper/match-chat/internal/metrics"
	"github.com/whisper/match-chat/internal/presence"
	"github.com/whisper/match-chat/internal/ratelimit"
	"github.com/whisper/match-chat/internal/report"
)

// InternalSecretHeader carries the shared secret of trusted internal callers.
const InternalSecretHeader = "X-Internal-Secret"

// Error codes of the JSON error body.
const (
	CodeAuthRequired   = "authentication-required"
	CodeRateLimited    = "rate-limited"
	CodeNotAuthorized  = "not-authorized"
	CodeInvalidRequest = "invalid-request"
	CodeNotFound       = "not-found"
	CodeForbidden      = "forbidden"
	CodeInternal       = "internal-error"
)

// Authenticator resolves the user behind a request; auth.Verifier satisfies
// it.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// MatchChecker is satisfied by matching.Client.
type MatchChecker interface {
	AreMatched(ctx context.Context, userA, userB string) bool
}

// Reporter counts reports and bans repeat offenders; ban.Tracker and
// ban.Store satisfy it.
type Reporter interface {
	ReportAndCheck(ctx context.Context, userID, reporterID string) (ban.Outcome, error)
}

// ReportLog persists reports; report.Store satisfies it.
type ReportLog interface {
	Create(ctx context.Context, r *report.Report) error
}

// Config holds the REST tunables.
type Config struct {
	InternalSecret string
	APIPerMinute   int
}

// Deps are the collaborators of the REST surface. Reports and Realtime may be
// nil.
type Deps struct {
	Auth     Authenticator
	Chat     *chat.Service
	Matches  MatchChecker
	Bans     Reporter
	Reports  ReportLog
	Presence *presence.Registry
	Realtime http.Handler
}

// Server serves the HTTP routes.
type Server struct {
	cfg       Config
	deps      Deps
	limiter   *ratelimit.Limiter
	startedAt time.Time
	now       func() time.Time
	log       *zap.Logger
}

// New creates a Server.
func New(cfg Config, deps Deps, log *zap.Logger) *Server {
	if cfg.APIPerMinute <= 0 {
		cfg.APIPerMinute = 20
	}
	return &Server{
		cfg:       cfg,
		deps:      deps,
		limiter:   ratelimit.NewLimiter(ratelimit.APIPolicy(cfg.APIPerMinute)),
		startedAt: time.Now(),
		now:       time.Now,
		log:       log.Named("api"),
	}
}

// Limiter exposes the per-user API limiter so its state can be swept.
func (s *Server) Limiter() *ratelimit.Limiter { return s.limiter }

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	if s.deps.Realtime != nil {
		r.Handle("/ws", s.deps.Realtime).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(s.logRequests, s.authenticate, s.rateLimit)
	api.HandleFunc("/conversations", s.listConversations).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{userID}", s.getConversation).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id:[0-9]+}", s.getMessage).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id:[0-9]+}/read", s.markRead).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id:[0-9]+}", s.deleteMessage).Methods(http.MethodDelete)
	api.HandleFunc("/reports", s.createReport).Methods(http.MethodPost)

	internal := r.PathPrefix("/internal").Subrouter()
	internal.Use(s.logRequests, s.requireInternalSecret)
	internal.HandleFunc("/users/{userID}/messages", s.deleteUserMessages).Methods(http.MethodDelete)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		OnlineUsers int    `json:"online_users"`
		Uptime      string `json:"uptime"`
	}{
		Status: "ok",
		Uptime: time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.deps.Presence != nil {
		resp.OnlineUsers = s.deps.Presence.OnlineCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.deps.Auth.Authenticate(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, CodeAuthRequired, "a valid bearer token is required")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := auth.UserFrom(r.Context())
		if !s.limiter.Allow(user, s.now()) {
			writeError(w, http.StatusTooManyRequests, CodeRateLimited, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireInternalSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(InternalSecretHeader)
		if s.cfg.InternalSecret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.InternalSecret)) != 1 {
			writeError(w, http.StatusForbidden, CodeForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("cost", time.Since(start)),
		)
	})
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Code: code, Message: message})
}
