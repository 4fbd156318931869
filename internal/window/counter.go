// Package window implements the per-key sliding-window event counter shared
// by the rate limiter and the spam detector. Each key holds a time-ordered
// slice of event timestamps that is pruned to the counter's retention horizon
// on every access, so memory per key is bounded by the busiest window.
package window

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/whisper/match-chat/internal/shard"
)

// Limit is a ceiling of Max events inside a trailing Window.
type Limit struct {
	Max    int
	Window time.Duration
}

// Counter tracks event timestamps per key. Operations on the same key are
// serialized by the key's shard lock; different keys on different shards
// never contend.
type Counter struct {
	retention time.Duration
	shards    []*bucket
}

type bucket struct {
	mu   sync.Mutex
	keys map[string][]time.Time
}

// NewCounter creates a Counter that keeps events for retention, which should
// be at least the longest window the caller will ask about.
func NewCounter(retention time.Duration) *Counter {
	c := &Counter{
		retention: retention,
		shards:    make([]*bucket, shard.DefaultCount),
	}
	for i := range c.shards {
		c.shards[i] = &bucket{keys: make(map[string][]time.Time)}
	}
	return c
}

// Retention returns the pruning horizon.
func (c *Counter) Retention() time.Duration {
	return c.retention
}

func (c *Counter) bucketFor(key string) *bucket {
	return c.shards[shard.Index(key, len(c.shards))]
}

// Record stores an event for key at ts.
func (c *Counter) Record(key string, ts time.Time) {
	b := c.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	events := c.prune(b, key, ts)
	b.keys[key] = insert(events, ts)
}

// CountSince returns how many events for key fall inside (now-window, now].
// An unseen key counts 0 and is not allocated.
func (c *Counter) CountSince(key string, now time.Time, window time.Duration) int {
	b := c.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	return count(c.prune(b, key, now), now, window)
}

// Admit checks every limit for key and, only when none would be exceeded,
// records an event at now. The check and the record happen under one lock so
// two rapid calls for the same key cannot both slip past a ceiling. When an
// event is refused, the first violated limit is returned.
func (c *Counter) Admit(key string, now time.Time, limits ...Limit) (bool, Limit) {
	b := c.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	events := c.prune(b, key, now)
	for _, l := range limits {
		if count(events, now, l.Window) >= l.Max {
			return false, l
		}
	}
	b.keys[key] = insert(events, now)
	return true, Limit{}
}

// Reset drops all state for key.
func (c *Counter) Reset(key string) {
	b := c.bucketFor(key)
	b.mu.Lock()
	delete(b.keys, key)
	b.mu.Unlock()
}

// Sweep prunes every key against now and removes keys left empty. It returns
// the number of keys removed.
func (c *Counter) Sweep(now time.Time) int {
	removed := 0
	for _, b := range c.shards {
		b.mu.Lock()
		for key := range b.keys {
			if len(c.prune(b, key, now)) == 0 {
				delete(b.keys, key)
				removed++
			}
		}
		b.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked keys.
func (c *Counter) Len() int {
	n := 0
	for _, b := range c.shards {
		b.mu.Lock()
		n += len(b.keys)
		b.mu.Unlock()
	}
	return n
}

// RunJanitor sweeps the counter every interval until ctx is cancelled.
func (c *Counter) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Sweep(now)
		}
	}
}

// prune drops events at or before now-retention and stores the trimmed slice
// back. Callers must hold b.mu.
func (c *Counter) prune(b *bucket, key string, now time.Time) []time.Time {
	events, ok := b.keys[key]
	if !ok {
		return nil
	}
	cutoff := now.Add(-c.retention)
	i := sort.Search(len(events), func(i int) bool { return events[i].After(cutoff) })
	if i > 0 {
		events = append(events[:0], events[i:]...)
		b.keys[key] = events
	}
	return events
}

// count returns the number of events strictly after now-window and not after now.
func count(events []time.Time, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	lo := sort.Search(len(events), func(i int) bool { return events[i].After(cutoff) })
	hi := sort.Search(len(events), func(i int) bool { return events[i].After(now) })
	return hi - lo
}

// insert keeps events sorted; out-of-order timestamps are rare but legal.
func insert(events []time.Time, ts time.Time) []time.Time {
	i := sort.Search(len(events), func(i int) bool { return events[i].After(ts) })
	if i == len(events) {
		return append(events, ts)
	}
	events = append(events, time.Time{})
	copy(events[i+1:], events[i:])
	events[i] = ts
	return events
}
