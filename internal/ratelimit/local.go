package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nulpointcorp/qwen-gateway/internal/metrics"
)

// idleAfter is how long an unused bucket is kept.
const idleAfter = 10 * time.Minute

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter is an in-process token bucket per key. It refills at
// rpm/minute with a burst of rpm, so a quiet client may spend a full minute's
// budget at once.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rpm     int
	now     func() time.Time
	sweep   time.Time
	metrics *metrics.Registry
}

func NewLocalLimiter(rpm int, m *metrics.Registry) *LocalLimiter {
	return &LocalLimiter{
		buckets: make(map[string]*bucket),
		rpm:     rpm,
		now:     time.Now,
		metrics: m,
	}
}

func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(time.Minute/time.Duration(max(l.rpm, 1))), max(l.rpm, 0))}
		l.buckets[key] = b
	}
	b.lastSeen = now
	allowed := b.lim.AllowN(now, 1)
	if now.Sub(l.sweep) > idleAfter {
		l.sweepLocked(now)
	}
	l.mu.Unlock()

	if l.metrics != nil {
		if allowed {
			l.metrics.RecordRateLimit("allowed")
		} else {
			l.metrics.RecordRateLimit("limited")
		}
	}
	return allowed, nil
}

func (l *LocalLimiter) sweepLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.lastSeen) > idleAfter {
			delete(l.buckets, k)
		}
	}
	l.sweep = now
}
