// Package ban tracks user bans and the abuse reports that lead to them.
//
// Two implementations share the same method set: Tracker keeps everything in
// process memory, Store keeps it in Redis so every instance sees the same
// bans. Both escalate the ban duration with each offense:
//
//	1st offense  -> 15 minutes
//	2nd offense  -> 1 hour
//	3rd+ offense -> 24 hours
package ban

import "time"

const (
	Ban15Min  = 15 * time.Minute // 1st offense
	Ban1Hour  = 1 * time.Hour    // 2nd offense
	Ban24Hour = 24 * time.Hour   // 3rd+ offense

	// ReportsWindow is how long a report counts toward an automatic ban.
	// The offense counter lives for the same period.
	ReportsWindow = 24 * time.Hour

	// DefaultThreshold is the number of reports within ReportsWindow that
	// triggers an automatic ban.
	DefaultThreshold = 3

	// ReasonMultipleReports is recorded on automatic bans.
	ReasonMultipleReports = "multiple_reports"
)

// Record is an active ban.
type Record struct {
	UserID    string
	Reason    string
	ExpiresAt time.Time
}

// Remaining returns the time left on the ban at now, never negative.
func (r *Record) Remaining(now time.Time) time.Duration {
	if d := r.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Outcome is the result of filing a report.
type Outcome struct {
	Reports  int           // reports against the user inside ReportsWindow
	Banned   bool          // this report triggered a ban
	Duration time.Duration // ban length when Banned
}

// escalationDuration returns the ban duration for a given offense count.
func escalationDuration(offenseCount int) time.Duration {
	switch {
	case offenseCount <= 1:
		return Ban15Min
	case offenseCount == 2:
		return Ban1Hour
	default:
		return Ban24Hour
	}
}
