package resilience

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiters is a set of token buckets keyed by an identity (provider name,
// API key). Buckets are created lazily on first use and live for the life
// of the process.
//
// The mutex only guards the map; rate.Limiter is itself safe for
// concurrent use.
type Limiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	settings func(key string) (rps float64, burst int)
}

// NewLimiters creates a set where every key gets the same rate and burst.
func NewLimiters(rps float64, burst int) *Limiters {
	return NewLimitersFunc(func(string) (float64, int) { return rps, burst })
}

// NewLimitersFunc creates a set whose per-key rate and burst come from fn.
// A non-positive rps means unlimited.
func NewLimitersFunc(fn func(key string) (rps float64, burst int)) *Limiters {
	return &Limiters{
		limiters: make(map[string]*rate.Limiter),
		settings: fn,
	}
}

// Get returns the bucket for key, creating it if needed.
func (l *Limiters) Get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		rps, burst := l.settings(key)
		limit := rate.Limit(rps)
		if rps <= 0 {
			limit = rate.Inf
		}
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(limit, burst)
		l.limiters[key] = limiter
	}
	return limiter
}

// Allow takes one token from key's bucket without waiting.
func (l *Limiters) Allow(key string) bool {
	return l.Get(key).Allow()
}
