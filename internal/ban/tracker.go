package ban

import (
	"context"
	"sync"
	"time"

	"github.com/whisper/match-chat/internal/shard"
)

type trackerShard struct {
	mu       sync.Mutex
	bans     map[string]Record
	offenses map[string][]time.Time
	// reported user -> reporter -> time of that reporter's latest report
	reporters map[string]map[string]time.Time
}

// Tracker is the in-memory ban registry. Expired bans are evicted lazily on
// lookup and by Sweep.
type Tracker struct {
	threshold int
	shards    []*trackerShard
	now       func() time.Time
}

// NewTracker creates a Tracker that bans a user once threshold distinct
// reporters file reports within ReportsWindow. A threshold below 1 uses
// DefaultThreshold.
func NewTracker(threshold int) *Tracker {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	t := &Tracker{
		threshold: threshold,
		shards:    make([]*trackerShard, shard.DefaultCount),
		now:       time.Now,
	}
	for i := range t.shards {
		t.shards[i] = &trackerShard{
			bans:      make(map[string]Record),
			offenses:  make(map[string][]time.Time),
			reporters: make(map[string]map[string]time.Time),
		}
	}
	return t
}

func (t *Tracker) shardFor(userID string) *trackerShard {
	return t.shards[shard.Index(userID, len(t.shards))]
}

// Lookup returns the user's active ban, or nil when the user is not banned.
// The error is always nil; it is there to match Store.
func (t *Tracker) Lookup(_ context.Context, userID string) (*Record, error) {
	now := t.now()
	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.bans[userID]
	if !ok {
		return nil, nil
	}
	if !rec.ExpiresAt.After(now) {
		delete(s.bans, userID)
		return nil, nil
	}
	return &rec, nil
}

// Ban bans userID for duration. An existing ban is replaced.
func (t *Tracker) Ban(_ context.Context, userID string, duration time.Duration, reason string) error {
	s := t.shardFor(userID)
	s.mu.Lock()
	s.bans[userID] = Record{UserID: userID, Reason: reason, ExpiresAt: t.now().Add(duration)}
	s.mu.Unlock()
	return nil
}

// Unban lifts a ban immediately.
func (t *Tracker) Unban(_ context.Context, userID string) error {
	s := t.shardFor(userID)
	s.mu.Lock()
	delete(s.bans, userID)
	s.mu.Unlock()
	return nil
}

// Escalate records an offense and bans the user for the escalated duration.
func (t *Tracker) Escalate(ctx context.Context, userID, reason string) (time.Duration, error) {
	now := t.now()
	s := t.shardFor(userID)
	s.mu.Lock()
	offenses := pruneBefore(s.offenses[userID], now.Add(-ReportsWindow))
	offenses = append(offenses, now)
	s.offenses[userID] = offenses
	s.mu.Unlock()

	duration := escalationDuration(len(offenses))
	return duration, t.Ban(ctx, userID, duration, reason)
}

// OffenseCount returns the offenses recorded for userID within ReportsWindow.
func (t *Tracker) OffenseCount(_ context.Context, userID string) (int, error) {
	now := t.now()
	s := t.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(pruneBefore(s.offenses[userID], now.Add(-ReportsWindow))), nil
}

// ReportAndCheck files a report by reporterID against userID. Repeat reports
// from the same reporter refresh its timestamp but count once. When the
// distinct reporters inside ReportsWindow reach the threshold the set is
// cleared and the user is banned with an escalated duration.
func (t *Tracker) ReportAndCheck(ctx context.Context, userID, reporterID string) (Outcome, error) {
	now := t.now()
	s := t.shardFor(userID)
	s.mu.Lock()
	set := pruneReporters(s.reporters[userID], now.Add(-ReportsWindow))
	if set == nil {
		set = make(map[string]time.Time)
	}
	set[reporterID] = now
	count := len(set)
	if count < t.threshold {
		s.reporters[userID] = set
		s.mu.Unlock()
		return Outcome{Reports: count}, nil
	}
	delete(s.reporters, userID)
	s.mu.Unlock()

	duration, err := t.Escalate(ctx, userID, ReasonMultipleReports)
	if err != nil {
		return Outcome{Reports: count}, err
	}
	return Outcome{Reports: count, Banned: true, Duration: duration}, nil
}

// Sweep evicts expired bans and stale offense history. It returns the number
// of bans evicted.
func (t *Tracker) Sweep(now time.Time) int {
	evicted := 0
	for _, s := range t.shards {
		s.mu.Lock()
		for id, rec := range s.bans {
			if !rec.ExpiresAt.After(now) {
				delete(s.bans, id)
				evicted++
			}
		}
		for id, offenses := range s.offenses {
			if offenses = pruneBefore(offenses, now.Add(-ReportsWindow)); len(offenses) == 0 {
				delete(s.offenses, id)
			} else {
				s.offenses[id] = offenses
			}
		}
		for id, set := range s.reporters {
			if set = pruneReporters(set, now.Add(-ReportsWindow)); len(set) == 0 {
				delete(s.reporters, id)
			}
		}
		s.mu.Unlock()
	}
	return evicted
}

// RunJanitor calls Sweep every interval until ctx is cancelled.
func (t *Tracker) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}

// pruneBefore drops timestamps at or before cutoff from a sorted slice.
func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	return ts[i:]
}

// pruneReporters drops reporters whose latest report is at or before cutoff.
// It edits set in place and returns it.
func pruneReporters(set map[string]time.Time, cutoff time.Time) map[string]time.Time {
	for id, at := range set {
		if !at.After(cutoff) {
			delete(set, id)
		}
	}
	return set
}
