package relay

import (
	"sync"
	"time"

	"github.com/avoskan/huddle/internal/domain"
)

// rateLimiter caps how often one peer may trigger an operation inside
// a sliding window.
type rateLimiter struct {
	mu       sync.Mutex
	history  map[domain.PeerID][]time.Time
	limit    int
	interval time.Duration
}

func newRateLimiter(limit int, interval time.Duration) *rateLimiter {
	return &rateLimiter{
		history:  make(map[domain.PeerID][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

// Allow records one attempt and reports whether the peer is still
// inside its budget. Attempts older than the window are forgotten.
func (rl *rateLimiter) Allow(id domain.PeerID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	windowStart := time.Now().Add(-rl.interval)
	fresh := rl.history[id][:0]
	for _, t := range rl.history[id] {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}
	rl.history[id] = append(fresh, time.Now())
	return true
}
