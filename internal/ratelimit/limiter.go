// Package ratelimit throttles chat sends and API calls. The in-process
// Limiter applies one or more sliding-window ceilings per key (user identity
// or IP) on top of window.Counter; RedisLimiter is a fixed-window INCR +
// EXPIRE limiter shared between server instances, used for connection
// attempts per IP.
package ratelimit

import (
	"time"

	"github.com/whisper/match-chat/internal/window"
)

// Policy names a set of ceilings that must all hold for a request to pass.
type Policy struct {
	Name   string
	Limits []window.Limit
}

// Standard policies.
var (
	// PolicyChatSend allows 10 messages per minute and 100 per hour per sender.
	PolicyChatSend = Policy{Name: "chat_send", Limits: []window.Limit{
		{Max: 10, Window: time.Minute},
		{Max: 100, Window: time.Hour},
	}}

	// PolicyAPI allows 20 REST requests per minute per caller.
	PolicyAPI = Policy{Name: "api", Limits: []window.Limit{
		{Max: 20, Window: time.Minute},
	}}
)

// ChatSendPolicy builds a chat policy with custom ceilings. Non-positive
// values fall back to the PolicyChatSend defaults.
func ChatSendPolicy(perMinute, perHour int) Policy {
	if perMinute <= 0 {
		perMinute = PolicyChatSend.Limits[0].Max
	}
	if perHour <= 0 {
		perHour = PolicyChatSend.Limits[1].Max
	}
	return Policy{Name: PolicyChatSend.Name, Limits: []window.Limit{
		{Max: perMinute, Window: time.Minute},
		{Max: perHour, Window: time.Hour},
	}}
}

// APIPolicy builds the REST policy with a custom per-minute ceiling.
func APIPolicy(perMinute int) Policy {
	if perMinute <= 0 {
		return PolicyAPI
	}
	return Policy{Name: PolicyAPI.Name, Limits: []window.Limit{{Max: perMinute, Window: time.Minute}}}
}

// longest returns the widest window in the policy, used as retention.
func (p Policy) longest() time.Duration {
	var d time.Duration
	for _, l := range p.Limits {
		if l.Window > d {
			d = l.Window
		}
	}
	return d
}

// Limiter enforces a Policy per key. Refused requests are not recorded, so a
// key regains capacity as soon as its oldest admitted event leaves a window.
type Limiter struct {
	policy  Policy
	counter *window.Counter
}

// NewLimiter creates a Limiter for policy with its own counter.
func NewLimiter(policy Policy) *Limiter {
	return &Limiter{
		policy:  policy,
		counter: window.NewCounter(policy.longest()),
	}
}

// Allow reports whether key may make a request at now, recording it if so.
func (l *Limiter) Allow(key string, now time.Time) bool {
	ok, _ := l.counter.Admit(key, now, l.policy.Limits...)
	return ok
}

// Check is Allow that also returns the ceiling that refused the request.
func (l *Limiter) Check(key string, now time.Time) (bool, window.Limit) {
	return l.counter.Admit(key, now, l.policy.Limits...)
}

// Policy returns the policy the limiter enforces.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Counter exposes the underlying counter for the janitor.
func (l *Limiter) Counter() *window.Counter {
	return l.counter
}
