// Package safety runs the ordered veto chain every outbound message passes
// before it is persisted: ban, rate limit, spam, content moderation,
// personal information and block-list. The first stage that vetoes wins and
// later stages are not evaluated.
package safety

// Reason is a stable, client-visible rejection code.
type Reason string

const (
	ReasonAuthRequired   Reason = "authentication-required"
	ReasonNotAuthorized  Reason = "not-authorized"
	ReasonTooLong        Reason = "message-too-long"
	ReasonContentBlocked Reason = "content-blocked"
	ReasonBlocked        Reason = "messaging-blocked"
	ReasonBanned         Reason = "banned"
	ReasonRateLimited    Reason = "rate-limited"
	ReasonSpam           Reason = "spam"
	ReasonSendFailed     Reason = "send-failed"
)

// Message returns the generic human text shown for a reason. It never names
// the rule or pattern that fired.
func (r Reason) Message() string {
	switch r {
	case ReasonAuthRequired:
		return "sign in to send messages"
	case ReasonNotAuthorized:
		return "you can only message your matches"
	case ReasonTooLong:
		return "message is too long"
	case ReasonContentBlocked:
		return "message was blocked by our content guidelines"
	case ReasonBlocked:
		return "you can't message this user"
	case ReasonBanned:
		return "your account is temporarily restricted"
	case ReasonRateLimited:
		return "you're sending messages too quickly"
	case ReasonSpam:
		return "message looks like spam"
	default:
		return "message could not be sent, please try again"
	}
}

// String implements fmt.Stringer.
func (r Reason) String() string { return string(r) }
