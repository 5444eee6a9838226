package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter admits at most limit calls in any trailing window.
// Admitted timestamps live in a fixed ring, so the oldest slot is always the
// next one to free up.
type SlidingWindowLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu    sync.Mutex
	ring  []time.Time
	head  int
	count int
}

// NewSlidingWindowLimiter constructs a limiter. A non-positive window or limit
// disables limiting.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	l := &SlidingWindowLimiter{window: window, limit: limit, now: timeSource}
	if window > 0 && limit > 0 {
		l.ring = make([]time.Time, limit)
	}
	return l
}

// Reserve admits the call when a slot is free. Otherwise it reports how long
// until the oldest admitted call leaves the window.
func (l *SlidingWindowLimiter) Reserve() (bool, time.Duration) {
	if l == nil || len(l.ring) == 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	//1.- Expire admitted calls from the oldest end of the ring.
	for l.count > 0 && !l.ring[l.head].After(now.Add(-l.window)) {
		l.head = (l.head + 1) % len(l.ring)
		l.count--
	}
	if l.count == len(l.ring) {
		return false, l.ring[l.head].Add(l.window).Sub(now)
	}
	l.ring[(l.head+l.count)%len(l.ring)] = now
	l.count++
	return true, 0
}

// Allow reports whether the caller may proceed.
func (l *SlidingWindowLimiter) Allow() bool {
	ok, _ := l.Reserve()
	return ok
}
