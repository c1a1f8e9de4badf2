package relay

import (
	"sync"
	"time"
)

// rateLimiter is a sliding window limiter keyed by connection. It keeps a
// hostile or broken peer from flooding the room with signal frames.
type rateLimiter struct {
	mu     sync.Mutex
	byKey  map[string][]time.Time
	max    int
	window time.Duration
}

func newRateLimiter(perMin int) *rateLimiter {
	return &rateLimiter{
		byKey:  make(map[string][]time.Time),
		max:    perMin,
		window: time.Minute,
	}
}

// Allow records one event for key and reports whether it stayed within the
// window. A limiter with max <= 0 allows everything.
func (r *rateLimiter) Allow(key string) bool {
	if r.max <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	r.byKey[key] = pruneOld(r.byKey[key], cutoff)
	if len(r.byKey[key]) >= r.max {
		return false
	}

	r.byKey[key] = append(r.byKey[key], now)
	return true
}

// Forget drops the key's history. Called when its connection closes so the
// map does not grow with every peer that ever joined.
func (r *rateLimiter) Forget(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byKey, key)
}

func pruneOld(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
