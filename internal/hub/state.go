package hub

import "sync/atomic"

// State is the lifecycle position of one connection.
//
//	Connecting -> Authenticated -> Idle <-> Sending -> Disconnected
//
// A connection without an identity goes from Connecting straight to
// Disconnected.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateIdle
	StateSending
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Lifecycle holds a connection's State. The zero value is StateConnecting.
// Embed it to satisfy the state half of Conn.
type Lifecycle struct {
	v atomic.Int32
}

// State returns the current state.
func (l *Lifecycle) State() State { return State(l.v.Load()) }

// SetState stores s and returns the previous state.
func (l *Lifecycle) SetState(s State) State { return State(l.v.Swap(int32(s))) }

// Transition moves from one state to another and reports whether the
// connection was in from.
func (l *Lifecycle) Transition(from, to State) bool {
	return l.v.CompareAndSwap(int32(from), int32(to))
}
