package gateway

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding window limit on inbound messages.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	requests []time.Time
	now      func() time.Time
}

// NewRateLimiter allows limit messages per window. A non-positive limit
// disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:    limit,
		window:   window,
		requests: make([]time.Time, 0),
		now:      time.Now,
	}
}

// Allow records a message and reports whether it is within the limit.
// Rejected messages do not count against the window.
func (r *RateLimiter) Allow() bool {
	if r == nil || r.limit <= 0 {
		return true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)

	if len(r.requests) >= r.limit {
		return false
	}
	r.requests = append(r.requests, now)
	return true
}

// Count returns the number of messages inside the current window.
func (r *RateLimiter) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(r.now())
	return len(r.requests)
}

func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.requests) && !r.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		r.requests = append(r.requests[:0], r.requests[i:]...)
	}
}
