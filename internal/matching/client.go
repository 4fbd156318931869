// Package matching asks the external match service whether two users hold an
// active mutual match.
//
// Every question fails closed: a non-2xx status, network error, timeout or
// malformed body is a denial. The answers are plain values whose zero value
// denies, so no caller can turn an outage into an allowance.
package matching

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/match-chat/internal/metrics"
)

const (
	serviceName = "match"

	// DefaultTimeout bounds a single call to the match service.
	DefaultTimeout = 3 * time.Second

	maxBodyBytes = 1 << 20
)

// Config configures a Client.
type Config struct {
	BaseURL string        // e.g. http://matches.internal:8080
	Timeout time.Duration // per call; DefaultTimeout when zero
	Token   string        // optional service bearer token
}

// Match is one active match as reported by the match service.
type Match struct {
	MatchID            ID        `json:"match_id"`
	MatchedUserID      ID        `json:"matched_user_id"`
	MatchedAt          time.Time `json:"matched_at"`
	CompatibilityScore float64   `json:"compatibility_score"`
}

// ID is an identifier the match service may encode as a JSON string or
// number.
type ID string

// UnmarshalJSON accepts "abc", "42" and 42.
func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("matching: id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Authorization is the answer to "may sender message this peer". The zero
// value denies.
type Authorization struct {
	Allowed bool
	MatchID string
	Peer    string
}

// Client calls the match service over HTTP.
type Client struct {
	base  string
	token string
	httpc *http.Client
	log   *zap.Logger
}

// NewClient creates a Client. An empty BaseURL yields a client that denies
// everything.
func NewClient(cfg Config, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		token: cfg.Token,
		httpc: &http.Client{Timeout: timeout},
		log:   log.Named("matching"),
	}
}

// Matches returns the active matches of userID. Any failure is returned as an
// error; the authorization helpers below turn errors into denials.
func (c *Client) Matches(ctx context.Context, userID string) ([]Match, error) {
	if c.base == "" {
		return nil, errors.New("matching: no service configured")
	}
	if userID == "" {
		return nil, errors.New("matching: empty user id")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.base+"/matches/"+url.PathEscape(userID), nil)
	if err != nil {
		return nil, fmt.Errorf("matching: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("matching: get matches: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, fmt.Errorf("matching: get matches: status %d", resp.StatusCode)
	}

	var out []Match
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&out); err != nil {
		return nil, fmt.Errorf("matching: decode matches: %w", err)
	}
	return out, nil
}

// matchesOrDeny fetches matches and records the call. A nil slice means deny.
func (c *Client) matchesOrDeny(ctx context.Context, userID string) []Match {
	matches, err := c.Matches(ctx, userID)
	if err != nil {
		result := metrics.ResultError
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			result = metrics.ResultTimeout
		}
		metrics.ExternalCalls.WithLabelValues(serviceName, result).Inc()
		c.log.Warn("match lookup failed, denying", zap.String("user", userID), zap.Error(err))
		return nil
	}
	metrics.ExternalCalls.WithLabelValues(serviceName, metrics.ResultOK).Inc()
	return matches
}

// AuthorizePeer answers whether sender and receiver share an active match.
func (c *Client) AuthorizePeer(ctx context.Context, sender, receiver string) Authorization {
	if sender == "" || receiver == "" || sender == receiver {
		return Authorization{}
	}
	for _, m := range c.matchesOrDeny(ctx, sender) {
		if string(m.MatchedUserID) == receiver {
			return Authorization{Allowed: true, MatchID: string(m.MatchID), Peer: receiver}
		}
	}
	return Authorization{}
}

// AuthorizeMatch answers whether userID participates in matchID and, if so,
// who the other participant is.
func (c *Client) AuthorizeMatch(ctx context.Context, matchID, userID string) Authorization {
	if matchID == "" || userID == "" {
		return Authorization{}
	}
	for _, m := range c.matchesOrDeny(ctx, userID) {
		if string(m.MatchID) == matchID && m.MatchedUserID != "" && string(m.MatchedUserID) != userID {
			return Authorization{Allowed: true, MatchID: matchID, Peer: string(m.MatchedUserID)}
		}
	}
	return Authorization{}
}

// AreMatched reports whether userA and userB hold an active mutual match.
func (c *Client) AreMatched(ctx context.Context, userA, userB string) bool {
	return c.AuthorizePeer(ctx, userA, userB).Allowed
}

// IsMatchParticipant reports whether userID is part of matchID.
func (c *Client) IsMatchParticipant(ctx context.Context, matchID, userID string) bool {
	return c.AuthorizeMatch(ctx, matchID, userID).Allowed
}

// OtherParticipant returns the other member of matchID, or "" when userID is
// not a participant or the lookup fails.
func (c *Client) OtherParticipant(ctx context.Context, matchID, userID string) string {
	return c.AuthorizeMatch(ctx, matchID, userID).Peer
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
