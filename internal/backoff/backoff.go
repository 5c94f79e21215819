// Package backoff drives the reconnect loops. The signaling channel and
// the peer transport intentionally use different delay curves; both run
// behind the same Retrier so there is exactly one pending timer per
// channel and cancellation works the same way everywhere.
package backoff

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// Policy yields the wait before retry attempt k (zero-based).
// ok=false means the policy is exhausted and the caller must stop.
type Policy interface {
	Next(attempt int) (d time.Duration, ok bool)
}

// Exponential grows the delay by a constant factor and clamps it at
// MaxDelay. Attempts <= 0 means retry forever.
type Exponential struct {
	Delay    time.Duration
	Factor   float64
	MaxDelay time.Duration
	Attempts int
}

func (p Exponential) Next(attempt int) (time.Duration, bool) {
	if p.Attempts > 0 && attempt >= p.Attempts {
		return 0, false
	}
	d := time.Duration(float64(p.Delay) * math.Pow(p.Factor, float64(attempt)))
	if p.MaxDelay > 0 && (d > p.MaxDelay || d < 0) {
		d = p.MaxDelay
	}
	return d, true
}

// DoublingJitter doubles the delay each attempt and spreads it by
// +-50% so a burst of dropped clients does not reconnect in lockstep.
// The clamp applies after jitter. Attempts must be positive.
type DoublingJitter struct {
	Delay    time.Duration
	MaxDelay time.Duration
	Attempts int
}

func (p DoublingJitter) Next(attempt int) (time.Duration, bool) {
	if attempt >= p.Attempts {
		return 0, false
	}
	d := p.Delay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > 0 {
		d = d/2 + rand.N(d)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d, true
}

// Retrier schedules retries per its policy. At most one timer is
// pending; a new Schedule replaces it. The attempt counter only goes
// back to zero through Reset, never by scheduling.
type Retrier struct {
	policy Policy

	mu      sync.Mutex
	timer   *time.Timer
	attempt int
	stopped bool
}

func NewRetrier(p Policy) *Retrier {
	return &Retrier{policy: p}
}

// Schedule arms fn to run after the next policy delay and reports the
// delay chosen. ok=false when the policy is exhausted or the retrier
// was stopped; fn will not run in that case.
func (r *Retrier) Schedule(fn func()) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return 0, false
	}
	d, ok := r.policy.Next(r.attempt)
	if !ok {
		return 0, false
	}
	r.attempt++
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(d, fn)
	return d, true
}

// Reset marks a confirmed successful connection: pending timer gone,
// attempt counter back to zero, scheduling allowed again.
func (r *Retrier) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.attempt = 0
	r.stopped = false
}

// Stop cancels any pending retry and refuses new ones until Reset.
// Used on voluntary disconnect.
func (r *Retrier) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.stopped = true
}

func (r *Retrier) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}
