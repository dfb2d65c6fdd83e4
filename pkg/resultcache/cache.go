// Package resultcache implements the pluggable result-caching backend
// behind Task.CacheKey/CacheFor/CacheValidator (spec §4.3 step 6, §3
// "cache_for, cached_result"). Two implementations are provided: an
// in-process LRU+TTL cache grounded on the teacher orchestrator's
// ResultCache, and a durable go.etcd.io/bbolt-backed variant for caches
// that must survive a process restart.
package resultcache

import (
	"time"

	"github.com/swarmguard/flowrunner/pkg/state"
)

// Cache stores a task's prior successful State under its CacheKey so a
// later invocation with valid inputs can short-circuit straight to Cached
// (spec §4.3 step 6) instead of re-running.
type Cache interface {
	Get(key string) (state.State, bool)
	Put(key string, s state.State, ttl time.Duration)
}
