// Package ratelimit provides sliding-window admission control keyed by
// (identity, action). Two interchangeable backends exist: a Redis-backed
// limiter shared across processes, and an in-process fallback used when
// no Redis is configured. Both fail open: if the backend errors, the
// action is admitted, because availability of the realtime service is
// prioritized over strict quota enforcement.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Limiter admits or refuses an action for an identity. Allow returns
// true when fewer than limit admissions for the same (identity, action)
// key fall within the trailing window; admitted calls are recorded.
type Limiter interface {
	Allow(ctx context.Context, identity, action string, limit int, window time.Duration) bool
}

func limiterKey(identity, action string) string {
	return "ws_rate_limit:" + identity + ":" + action
}

// Local is the in-process fallback limiter. Buckets are created lazily
// per key and purged by a background sweep so idle keys do not
// accumulate forever.
type Local struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	log     *zap.Logger
	now     func() time.Time
}

type bucket struct {
	admissions []time.Time
	lastTouch  time.Time
}

// NewLocal returns a local limiter. Call Start to run the purge sweep.
func NewLocal(log *zap.Logger) *Local {
	return &Local{
		buckets: make(map[string]*bucket),
		log:     log,
		now:     time.Now,
	}
}

// Allow implements Limiter.
func (l *Local) Allow(_ context.Context, identity, action string, limit int, window time.Duration) bool {
	key := limiterKey(identity, action)
	now := l.now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{}
		l.buckets[key] = b
	}

	kept := b.admissions[:0]
	for _, ts := range b.admissions {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.admissions = kept
	b.lastTouch = now

	if len(b.admissions) >= limit {
		return false
	}
	b.admissions = append(b.admissions, now)
	return true
}

// Start runs the periodic purge until ctx is cancelled.
func (l *Local) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.log.Info("rate limiter purge loop stopped")
			return
		case <-ticker.C:
			l.purge(interval)
		}
	}
}

// purge drops buckets untouched for at least maxIdle.
func (l *Local) purge(maxIdle time.Duration) {
	cutoff := l.now().Add(-maxIdle)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		if b.lastTouch.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	if removed > 0 {
		l.log.Debug("purged idle rate limit buckets", zap.Int("removed", removed))
	}
}
