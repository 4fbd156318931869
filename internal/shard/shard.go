// Package shard maps string keys onto a fixed number of lock shards so that
// per-key state in the presence registry and the safety counters can be
// guarded without a single global mutex.
package shard

import "github.com/cespare/xxhash/v2"

// DefaultCount is the shard count used when a caller passes n <= 0.
const DefaultCount = 64

// Index returns the shard index in [0, n) for key.
func Index(key string, n int) int {
	if n <= 0 {
		n = DefaultCount
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}
