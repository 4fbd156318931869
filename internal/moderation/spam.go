package moderation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/whisper/match-chat/internal/shard"
	"github.com/whisper/match-chat/internal/window"
)

// Spam rule names reported in SpamResult.Rule.
const (
	SpamFrequency = "frequency"
	SpamRepeat    = "repeat"
)

// SpamConfig tunes the SpamDetector.
type SpamConfig struct {
	Limits          []window.Limit // per-sender message ceilings
	RepeatThreshold int            // occurrences of one body that count as spam
	MaxBodies       int            // distinct bodies remembered per sender
	BodyRetention   time.Duration  // bodies unseen for this long are forgotten
}

// DefaultSpamConfig mirrors the chat send ceilings and flags the third copy
// of the same body.
func DefaultSpamConfig() SpamConfig {
	return SpamConfig{
		Limits: []window.Limit{
			{Max: 10, Window: time.Minute},
			{Max: 100, Window: time.Hour},
		},
		RepeatThreshold: 3,
		MaxBodies:       100,
		BodyRetention:   time.Hour,
	}
}

// SpamResult is the outcome of a spam check. The zero value is not spam.
type SpamResult struct {
	Spam bool
	Rule string
}

type bodyEntry struct {
	count int
	last  time.Time
}

type spamShard struct {
	mu      sync.Mutex
	senders map[string]map[string]*bodyEntry // sender -> normalized body -> entry
}

// SpamDetector flags senders that exceed the message ceilings or keep
// repeating themselves. State is per sender; senders on different shards
// never contend.
type SpamDetector struct {
	config  SpamConfig
	counter *window.Counter
	shards  []*spamShard
}

// NewSpamDetector creates a SpamDetector. Zero fields in config take the
// DefaultSpamConfig values.
func NewSpamDetector(config SpamConfig) *SpamDetector {
	def := DefaultSpamConfig()
	if len(config.Limits) == 0 {
		config.Limits = def.Limits
	}
	if config.RepeatThreshold <= 0 {
		config.RepeatThreshold = def.RepeatThreshold
	}
	if config.MaxBodies <= 0 {
		config.MaxBodies = def.MaxBodies
	}
	if config.BodyRetention <= 0 {
		config.BodyRetention = def.BodyRetention
	}

	var retention time.Duration
	for _, l := range config.Limits {
		if l.Window > retention {
			retention = l.Window
		}
	}

	d := &SpamDetector{
		config:  config,
		counter: window.NewCounter(retention),
		shards:  make([]*spamShard, shard.DefaultCount),
	}
	for i := range d.shards {
		d.shards[i] = &spamShard{senders: make(map[string]map[string]*bodyEntry)}
	}
	return d
}

// NormalizeBody case-folds and trims a body for repetition tracking.
func NormalizeBody(body string) string {
	return strings.ToLower(strings.TrimSpace(body))
}

// Check records a message from sender at now and reports whether it is spam.
func (d *SpamDetector) Check(sender, body string, now time.Time) SpamResult {
	if ok, _ := d.counter.Admit(sender, now, d.config.Limits...); !ok {
		return SpamResult{Spam: true, Rule: SpamFrequency}
	}

	key := NormalizeBody(body)
	s := d.shards[shard.Index(sender, len(d.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.senders[sender]
	if !ok {
		table = make(map[string]*bodyEntry)
		s.senders[sender] = table
	}
	d.pruneBodies(table, now)

	entry, ok := table[key]
	if !ok {
		if len(table) >= d.config.MaxBodies {
			evictLeastFrequent(table)
		}
		entry = &bodyEntry{}
		table[key] = entry
	}
	entry.count++
	entry.last = now

	if entry.count >= d.config.RepeatThreshold {
		return SpamResult{Spam: true, Rule: SpamRepeat}
	}
	return SpamResult{}
}

// Occurrences returns how many times sender has sent body (after
// normalization) within the retention horizon.
func (d *SpamDetector) Occurrences(sender, body string) int {
	s := d.shards[shard.Index(sender, len(d.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.senders[sender][NormalizeBody(body)]; ok {
		return entry.count
	}
	return 0
}

// Bodies returns the number of distinct bodies tracked for sender.
func (d *SpamDetector) Bodies(sender string) int {
	s := d.shards[shard.Index(sender, len(d.shards))]
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.senders[sender])
}

// Sweep forgets bodies older than the retention horizon and drops senders
// left with nothing tracked.
func (d *SpamDetector) Sweep(now time.Time) {
	d.counter.Sweep(now)
	for _, s := range d.shards {
		s.mu.Lock()
		for sender, table := range s.senders {
			d.pruneBodies(table, now)
			if len(table) == 0 {
				delete(s.senders, sender)
			}
		}
		s.mu.Unlock()
	}
}

// RunJanitor calls Sweep every interval until ctx is cancelled.
func (d *SpamDetector) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			d.Sweep(now)
		}
	}
}

func (d *SpamDetector) pruneBodies(table map[string]*bodyEntry, now time.Time) {
	cutoff := now.Add(-d.config.BodyRetention)
	for body, entry := range table {
		if !entry.last.After(cutoff) {
			delete(table, body)
		}
	}
}

// evictLeastFrequent removes the entry with the lowest count; ties go to the
// entry seen least recently.
func evictLeastFrequent(table map[string]*bodyEntry) {
	var (
		victim string
		worst  *bodyEntry
	)
	for body, entry := range table {
		if worst == nil ||
			entry.count < worst.count ||
			(entry.count == worst.count && entry.last.Before(worst.last)) {
			victim, worst = body, entry
		}
	}
	if worst != nil {
		delete(table, victim)
	}
}
