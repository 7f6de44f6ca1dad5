// Package ratelimit implements per-consumer token buckets with scheduled
// refills.
//
// A bucket holds at most Capacity tokens. Every MillisecondsForUpdates the
// bucket gains floor(MillisecondsForUpdates / MillisecondsPerRequest) tokens,
// clamped at Capacity. Each admitted request consumes one token. Refills are
// applied lazily on access, so no background ticker runs per consumer.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/checkmate-sg/checkmate-core/internal/model"
)

// Store persists bucket levels so limits survive restarts. Saves are
// best-effort; a failed save only widens the window after a crash.
type Store interface {
	SaveBucketState(ctx context.Context, consumerName string, tokens float64, lastRefillAt time.Time) error
}

// Decision is the outcome of an admission attempt.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

type bucket struct {
	mu sync.Mutex

	tokens       float64
	lastRefillAt time.Time

	capacity     float64
	perRequest   time.Duration
	updatePeriod time.Duration

	lastAccess time.Time
}

// Limiter admits requests against per-consumer buckets kept in memory and
// periodically flushed to the store.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	store  Store
	logger *slog.Logger

	// now is swapped out in tests.
	now func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewLimiter creates a limiter that persists bucket state through store.
// store may be nil, in which case levels are memory-only.
func NewLimiter(store Store, logger *slog.Logger) *Limiter {
	l := &Limiter{
		buckets:     make(map[string]*bucket),
		store:       store,
		logger:      logger,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Acquire attempts to consume one token from the consumer's bucket. On the
// first access the bucket is seeded from the consumer row, so persisted
// levels carry across restarts. When denied, Decision.RetryAfter is the
// consumer's per-request interval: the advertised sustained rate, not the
// refill schedule.
func (l *Limiter) Acquire(ctx context.Context, c *model.Consumer) Decision {
	b := l.bucketFor(c)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := l.now()
	b.lastAccess = now
	b.refillLocked(now)

	if b.tokens >= 1 {
		b.tokens--
		l.persist(ctx, c.Name, b.tokens, b.lastRefillAt)
		return Decision{Allowed: true, Remaining: int(b.tokens)}
	}

	return Decision{Allowed: false, RetryAfter: b.perRequest}
}

// Forget drops the in-memory bucket for a consumer. Called when a consumer
// is deleted or its limits are changed, so the next request re-seeds from
// the stored row.
func (l *Limiter) Forget(consumerName string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, consumerName)
}

// Close stops the idle-bucket cleanup goroutine.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stopCleanup) })
}

func (l *Limiter) bucketFor(c *model.Consumer) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[c.Name]; ok {
		return b
	}

	perRequest := c.MillisecondsPerRequest
	if perRequest <= 0 {
		perRequest = model.DefaultMillisecondsPerRequest
	}
	capacity := c.Capacity
	if capacity <= 0 {
		capacity = model.DefaultBucketCapacity
	}
	updatePeriod := c.MillisecondsForUpdates
	if updatePeriod <= 0 {
		updatePeriod = model.DefaultMillisecondsForUpdates
	}

	now := l.now()
	lastRefill := c.LastRefillAt
	tokens := c.Tokens
	if lastRefill.IsZero() {
		// New consumer: start with a full bucket.
		lastRefill = now
		tokens = float64(capacity)
	}

	b := &bucket{
		tokens:       math.Min(tokens, float64(capacity)),
		lastRefillAt: lastRefill,
		capacity:     float64(capacity),
		perRequest:   time.Duration(perRequest) * time.Millisecond,
		updatePeriod: time.Duration(updatePeriod) * time.Millisecond,
		lastAccess:   now,
	}
	l.buckets[c.Name] = b
	return b
}

// refillLocked applies all refill intervals elapsed since lastRefillAt.
// Each interval grants floor(updatePeriod / perRequest) tokens.
func (b *bucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefillAt)
	if elapsed < b.updatePeriod {
		return
	}

	intervals := int64(elapsed / b.updatePeriod)
	perInterval := float64(b.updatePeriod / b.perRequest)

	b.tokens = math.Min(b.capacity, b.tokens+float64(intervals)*perInterval)
	b.lastRefillAt = b.lastRefillAt.Add(time.Duration(intervals) * b.updatePeriod)
}

func (l *Limiter) persist(ctx context.Context, name string, tokens float64, lastRefill time.Time) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveBucketState(ctx, name, tokens, lastRefill); err != nil {
		l.logger.Warn("failed to persist bucket state", "consumer", name, "error", err)
	}
}

const (
	cleanupInterval = 5 * time.Minute
	bucketIdleTTL   = 30 * time.Minute
)

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCleanup:
			return
		case <-ticker.C:
			l.evictIdle(time.Now())
		}
	}
}

func (l *Limiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for name, b := range l.buckets {
		b.mu.Lock()
		idle := now.Sub(b.lastAccess) > bucketIdleTTL
		b.mu.Unlock()
		if idle {
			delete(l.buckets, name)
		}
	}
}
