// Package ratelimit throttles requests per principal with a sliding-window
// log. State is process-local and lost on restart.
package ratelimit

import (
	"sync"
	"time"
)

// Decision is the outcome of a Check.
type Decision struct {
	Allowed bool
	// RetryAfter is how long until the oldest hit in the window expires.
	// Zero when Allowed.
	RetryAfter time.Duration
}

// Limiter allows at most limit requests per window for each principal.
type Limiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	hits      map[string]*ring
	lastSweep time.Time
}

// ring holds the timestamps of accepted requests in arrival order. It never
// grows beyond the limit, so each principal costs O(limit) memory.
type ring struct {
	times []time.Time
	start int
	n     int
}

func (r *ring) oldest() time.Time { return r.times[r.start] }

func (r *ring) newest() time.Time {
	return r.times[(r.start+r.n-1)%len(r.times)]
}

func (r *ring) popOldest() {
	r.start = (r.start + 1) % len(r.times)
	r.n--
}

func (r *ring) push(t time.Time) {
	r.times[(r.start+r.n)%len(r.times)] = t
	r.n++
}

// New creates a limiter. Non-positive arguments fall back to 20 per minute.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 20
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string]*ring),
	}
}

// Check records a request for id and reports whether it is allowed.
// Rejected requests are not recorded.
func (l *Limiter) Check(id string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)
	l.sweep(now, cutoff)

	r, ok := l.hits[id]
	if !ok {
		r = &ring{times: make([]time.Time, l.limit)}
		l.hits[id] = r
	}
	for r.n > 0 && !r.oldest().After(cutoff) {
		r.popOldest()
	}

	if r.n >= l.limit {
		return Decision{RetryAfter: r.oldest().Add(l.window).Sub(now)}
	}
	r.push(now)
	return Decision{Allowed: true}
}

// sweep drops principals whose newest hit has left the window. It runs at
// most once per window so its cost amortizes across calls.
func (l *Limiter) sweep(now, cutoff time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for id, r := range l.hits {
		if r.n == 0 || !r.newest().After(cutoff) {
			delete(l.hits, id)
		}
	}
}

// Reset forgets every principal.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits = make(map[string]*ring)
	l.lastSweep = time.Time{}
}

// Len returns the number of tracked principals.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// Limit returns the configured request count and window.
func (l *Limiter) Limit() (int, time.Duration) {
	return l.limit, l.window
}
