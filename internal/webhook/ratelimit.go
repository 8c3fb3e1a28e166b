package webhook

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter decides whether a caller identified by key may proceed
type RateLimiter interface {
	Allow(key string) (allowed bool, remaining int)
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter is a token bucket per key
type KeyedLimiter struct {
	rps   rate.Limit
	burst int

	mu      sync.Mutex
	entries map[string]*keyedEntry
	now     func() time.Time
}

func NewKeyedLimiter(rps float64, burst int) *KeyedLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &KeyedLimiter{
		rps:     rate.Limit(rps),
		burst:   burst,
		entries: make(map[string]*keyedEntry),
		now:     time.Now,
	}
}

func (l *KeyedLimiter) Allow(key string) (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		e = &keyedEntry{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.entries[key] = e
	}
	e.lastSeen = now

	allowed := e.limiter.AllowN(now, 1)
	remaining := int(e.limiter.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining
}

// Prune forgets keys not seen for idle
func (l *KeyedLimiter) Prune(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
			removed++
		}
	}
	return removed
}
