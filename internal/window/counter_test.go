package window

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestCountSince_UnseenKey(t *testing.T) {
	c := NewCounter(time.Hour)

	if got := c.CountSince("nobody", t0, time.Minute); got != 0 {
		t.Fatalf("CountSince on unseen key = %d, want 0", got)
	}
	if c.Len() != 0 {
		t.Fatalf("CountSince allocated state for unseen key (len=%d)", c.Len())
	}
}

func TestRecordAndCount(t *testing.T) {
	c := NewCounter(time.Hour)

	c.Record("alice", t0)
	c.Record("alice", t0.Add(10*time.Second))
	c.Record("alice", t0.Add(70*time.Second))

	tests := []struct {
		name   string
		now    time.Time
		window time.Duration
		want   int
	}{
		{"all in hour", t0.Add(80 * time.Second), time.Hour, 3},
		{"last minute", t0.Add(80 * time.Second), time.Minute, 2},
		{"last five seconds", t0.Add(80 * time.Second), 5 * time.Second, 0},
		{"future events excluded", t0.Add(5 * time.Second), time.Minute, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.CountSince("alice", tt.now, tt.window); got != tt.want {
				t.Errorf("CountSince = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestRetentionPrunes(t *testing.T) {
	c := NewCounter(time.Minute)

	c.Record("alice", t0)
	c.Record("alice", t0.Add(30*time.Second))

	// Past the retention horizon, even a wide window only sees what was kept.
	if got := c.CountSince("alice", t0.Add(61*time.Second), time.Hour); got != 1 {
		t.Fatalf("CountSince after retention = %d, want 1", got)
	}
}

func TestOutOfOrderRecord(t *testing.T) {
	c := NewCounter(time.Hour)

	c.Record("k", t0.Add(20*time.Second))
	c.Record("k", t0)
	c.Record("k", t0.Add(10*time.Second))

	if got := c.CountSince("k", t0.Add(20*time.Second), 15*time.Second); got != 2 {
		t.Fatalf("CountSince = %d, want 2", got)
	}
}

func TestAdmit_CeilingAndRecovery(t *testing.T) {
	c := NewCounter(time.Hour)
	limit := Limit{Max: 10, Window: time.Minute}

	for i := 0; i < 10; i++ {
		ok, _ := c.Admit("alice", t0.Add(time.Duration(i)*time.Second), limit)
		if !ok {
			t.Fatalf("request %d refused, want allowed", i+1)
		}
	}

	ok, violated := c.Admit("alice", t0.Add(11*time.Second), limit)
	if ok {
		t.Fatal("11th request allowed, want refused")
	}
	if violated != limit {
		t.Errorf("violated = %+v, want %+v", violated, limit)
	}

	// After the first event leaves the window one slot frees up.
	ok, _ = c.Admit("alice", t0.Add(61*time.Second), limit)
	if !ok {
		t.Fatal("request after window elapsed refused, want allowed")
	}
}

func TestAdmit_MultipleLimits(t *testing.T) {
	c := NewCounter(time.Hour)
	perMinute := Limit{Max: 3, Window: time.Minute}
	perHour := Limit{Max: 4, Window: time.Hour}

	at := t0
	for i := 0; i < 3; i++ {
		if ok, _ := c.Admit("bob", at, perMinute, perHour); !ok {
			t.Fatalf("request %d refused", i+1)
		}
	}
	at = at.Add(2 * time.Minute)
	if ok, _ := c.Admit("bob", at, perMinute, perHour); !ok {
		t.Fatal("4th request refused, want allowed")
	}
	ok, violated := c.Admit("bob", at.Add(2*time.Minute), perMinute, perHour)
	if ok {
		t.Fatal("5th request allowed, want hourly ceiling to refuse")
	}
	if violated != perHour {
		t.Errorf("violated = %+v, want hourly limit", violated)
	}
}

func TestAdmit_KeysIndependent(t *testing.T) {
	c := NewCounter(time.Hour)
	limit := Limit{Max: 1, Window: time.Minute}

	if ok, _ := c.Admit("a", t0, limit); !ok {
		t.Fatal("a refused")
	}
	if ok, _ := c.Admit("b", t0, limit); !ok {
		t.Fatal("b refused, keys must not share windows")
	}
}

func TestSweep(t *testing.T) {
	c := NewCounter(time.Minute)
	c.Record("old", t0)
	c.Record("fresh", t0.Add(50*time.Second))

	removed := c.Sweep(t0.Add(90 * time.Second))
	if removed != 1 {
		t.Fatalf("Sweep removed %d keys, want 1", removed)
	}
	if c.Len() != 1 {
		t.Fatalf("Len = %d, want 1", c.Len())
	}
}

func TestReset(t *testing.T) {
	c := NewCounter(time.Hour)
	c.Record("k", t0)
	c.Reset("k")
	if got := c.CountSince("k", t0, time.Minute); got != 0 {
		t.Fatalf("CountSince after Reset = %d, want 0", got)
	}
}

func TestAdmit_ConcurrentSameKey(t *testing.T) {
	c := NewCounter(time.Hour)
	limit := Limit{Max: 50, Window: time.Hour}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if ok, _ := c.Admit("hot", t0, limit); ok {
					mu.Lock()
					allowed++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	if allowed != limit.Max {
		t.Fatalf("allowed = %d under contention, want exactly %d", allowed, limit.Max)
	}
}

func BenchmarkAdmit(b *testing.B) {
	c := NewCounter(time.Hour)
	limits := []Limit{{Max: 10, Window: time.Minute}, {Max: 100, Window: time.Hour}}
	keys := make([]string, 1024)
	for i := range keys {
		keys[i] = fmt.Sprintf("user-%d", i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.Admit(keys[i%len(keys)], t0.Add(time.Duration(i)*time.Millisecond), limits...)
	}
}
