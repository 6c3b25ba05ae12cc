package gateway

import (
	"sync"
	"time"
)

// defaultMessagesPerMinute bounds inbound control messages per client.
// Subscribe/unsubscribe churn beyond this is a misbehaving client.
const defaultMessagesPerMinute = 120

// messageLimiter is a per-client sliding-window limiter for inbound
// websocket messages.
type messageLimiter struct {
	mu        sync.Mutex
	perMinute int
	arrivals  []time.Time
}

func newMessageLimiter(perMinute int) *messageLimiter {
	if perMinute <= 0 {
		perMinute = defaultMessagesPerMinute
	}
	return &messageLimiter{perMinute: perMinute}
}

// Allow records one message arrival and reports whether the client is
// still within its window.
func (l *messageLimiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-time.Minute)

	kept := l.arrivals[:0]
	for _, t := range l.arrivals {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	l.arrivals = kept

	if len(l.arrivals) >= l.perMinute {
		return false
	}
	l.arrivals = append(l.arrivals, now)
	return true
}
