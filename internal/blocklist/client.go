// Package blocklist asks the external safety service whether either of two
// users has blocked the other. Like the match client it fails closed: an
// unanswerable question is treated as a block.
package blocklist

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
	serviceName    = "blocklist"
	DefaultTimeout = 3 * time.Second
	maxBodyBytes   = 64 << 10
)

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Token   string
}

// Clearance is the answer to "may these two users talk". The zero value is
// not clear.
type Clearance struct {
	Clear bool
}

// Client calls GET {base}/blocked?userA=&userB=.
type Client struct {
	base  string
	token string
	httpc *http.Client
	log   *zap.Logger
}

// NewClient creates a Client. An empty BaseURL yields a client that reports
// every pair as blocked.
func NewClient(cfg Config, log *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base:  strings.TrimRight(cfg.BaseURL, "/"),
		token: cfg.Token,
		httpc: &http.Client{Timeout: timeout},
		log:   log.Named("blocklist"),
	}
}

// Blocked asks whether userA has blocked userB. The service may answer with a
// bare JSON boolean or {"blocked": bool}.
func (c *Client) Blocked(ctx context.Context, userA, userB string) (bool, error) {
	if c.base == "" {
		return false, errors.New("blocklist: no service configured")
	}

	q := url.Values{}
	q.Set("userA", userA)
	q.Set("userB", userB)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/blocked?"+q.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("blocklist: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return false, fmt.Errorf("blocklist: get: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("blocklist: get: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return false, fmt.Errorf("blocklist: read: %w", err)
	}
	return decodeBlocked(body)
}

func decodeBlocked(body []byte) (bool, error) {
	body = bytes.TrimSpace(body)
	var b bool
	if err := json.Unmarshal(body, &b); err == nil {
		return b, nil
	}
	var wrapped struct {
		Blocked *bool `json:"blocked"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return false, fmt.Errorf("blocklist: decode: %w", err)
	}
	if wrapped.Blocked == nil {
		return false, errors.New("blocklist: decode: missing blocked field")
	}
	return *wrapped.Blocked, nil
}

// Check asks both directions. The pair is clear only when both answers are a
// successful "not blocked".
func (c *Client) Check(ctx context.Context, sender, receiver string) Clearance {
	for _, pair := range [2][2]string{{sender, receiver}, {receiver, sender}} {
		blocked, err := c.Blocked(ctx, pair[0], pair[1])
		if err != nil {
			result := metrics.ResultError
			if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
				result = metrics.ResultTimeout
			}
			metrics.ExternalCalls.WithLabelValues(serviceName, result).Inc()
			c.log.Warn("block lookup failed, treating as blocked",
				zap.String("user_a", pair[0]), zap.String("user_b", pair[1]), zap.Error(err))
			return Clearance{}
		}
		if blocked {
			metrics.ExternalCalls.WithLabelValues(serviceName, metrics.ResultDenied).Inc()
			return Clearance{}
		}
		metrics.ExternalCalls.WithLabelValues(serviceName, metrics.ResultOK).Inc()
	}
	return Clearance{Clear: true}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
