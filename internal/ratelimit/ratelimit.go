// Package ratelimit implements a per-caller token bucket limiter for the
// write endpoints (trip submission, approval decisions, policy changes).
// Buckets refill lazily on each call; there are no background goroutines.
package ratelimit

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrRateLimited is returned when a caller has exhausted their bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited.
	BurstSize         int // Bucket capacity. 0 = RequestsPerMinute.
}

// Limiter keeps one bucket per caller key (the authenticated user id).
type Limiter struct {
	mu    sync.Mutex
	keys  map[string]*bucket
	rate  float64 // tokens per second
	burst float64
	now   func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a limiter. With RequestsPerMinute 0, Allow always
// succeeds.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		keys:  make(map[string]*bucket),
		rate:  float64(cfg.RequestsPerMinute) / 60.0,
		burst: float64(burst),
		now:   time.Now,
	}
}

// Unlimited reports whether the limiter never rejects.
func (l *Limiter) Unlimited() bool { return l == nil || l.rate <= 0 }

// Allow consumes one token for key. When the bucket is empty it returns
// ErrRateLimited and how long until the next token is available.
func (l *Limiter) Allow(key string) (time.Duration, error) {
	if l.Unlimited() {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refill(key)
	if b.tokens < 1 {
		wait := time.Duration(math.Ceil((1-b.tokens)/l.rate*1000)) * time.Millisecond
		return wait, ErrRateLimited
	}
	b.tokens--
	return 0, nil
}

// Prune drops buckets that have been full for longer than idle. A pruned
// key starts again with a full bucket, which is what it would have had.
func (l *Limiter) Prune(idle time.Duration) int {
	if l.Unlimited() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for key, b := range l.keys {
		full := b.tokens+now.Sub(b.lastFill).Seconds()*l.rate >= l.burst
		if full && now.Sub(b.lastFill) > idle {
			delete(l.keys, key)
			n++
		}
	}
	return n
}

// refill returns key's bucket topped up for the elapsed time. Callers hold mu.
func (l *Limiter) refill(key string) *bucket {
	now := l.now()
	b, ok := l.keys[key]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.keys[key] = b
		return b
	}
	b.tokens = math.Min(l.burst, b.tokens+now.Sub(b.lastFill).Seconds()*l.rate)
	b.lastFill = now
	return b
}
