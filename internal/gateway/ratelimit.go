package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-client inbound message budget: a burst allowance
// on top of a sustained per-second rate. One client flooding the gateway must
// not starve the others.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter allowing perSecond sustained messages with
// the given burst.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    burst,
	}
}

// Allow reports whether the client may send another message now.
func (l *RateLimiter) Allow(clientID string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[clientID]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[clientID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// Remove drops the limiter state for a disconnected client.
func (l *RateLimiter) Remove(clientID string) {
	l.mu.Lock()
	delete(l.limiters, clientID)
	l.mu.Unlock()
}

// Size returns the number of tracked clients.
func (l *RateLimiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
