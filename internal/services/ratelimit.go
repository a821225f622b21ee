package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimitDecision is the outcome of a window check. RetryAfter is only
// meaningful when Allowed is false.
type RateLimitDecision struct {
	Allowed    bool
	Remaining  int64
	RetryAfter time.Duration
}

// RateLimitStore counts hits per key within a fixed window. Incr registers
// one hit and returns the running count plus the time left in the window.
type RateLimitStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, resetIn time.Duration, err error)
}

// RateLimiter bounds how often a keyed action may run inside a fixed window.
// It gates invitation creation and resend; consumption and webhook handling
// are never rate limited.
type RateLimiter struct {
	store  RateLimitStore
	limit  int64
	window time.Duration
}

func NewRateLimiter(store RateLimitStore, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{store: store, limit: limit, window: window}
}

// Check registers a hit for key and reports whether it is within the limit.
func (l *RateLimiter) Check(ctx context.Context, key string) (RateLimitDecision, error) {
	count, resetIn, err := l.store.Incr(ctx, key, l.window)
	if err != nil {
		return RateLimitDecision{}, fmt.Errorf("rate limit check: %w", err)
	}
	remaining := l.limit - count
	if remaining < 0 {
		remaining = 0
	}
	if count > l.limit {
		return RateLimitDecision{Allowed: false, Remaining: 0, RetryAfter: resetIn}, nil
	}
	return RateLimitDecision{Allowed: true, Remaining: remaining}, nil
}

// Limit exposes the configured ceiling, for response headers.
func (l *RateLimiter) Limit() int64 {
	return l.limit
}

// RedisRateLimitStore keeps window counters in Redis so the limit holds
// across server instances. The expiry is set only on the first hit of a
// window (NX), giving fixed-window semantics.
type RedisRateLimitStore struct {
	client *redis.Client
	prefix string
}

func NewRedisRateLimitStore(client *redis.Client, prefix string) *RedisRateLimitStore {
	return &RedisRateLimitStore{client: client, prefix: prefix}
}

func (s *RedisRateLimitStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	fullKey := s.prefix + key

	pipe := s.client.Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, window)
	ttl := pipe.PTTL(ctx, fullKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("redis rate limit incr: %w", err)
	}

	resetIn := ttl.Val()
	if resetIn < 0 {
		resetIn = window
	}
	return incr.Val(), resetIn, nil
}

// MemoryRateLimitStore keeps counters in process memory. The clock is
// injectable so window rollover is testable without sleeping.
type MemoryRateLimitStore struct {
	mu      sync.Mutex
	windows map[string]*rateWindow
	now     func() time.Time
}

type rateWindow struct {
	count   int64
	resetAt time.Time
}

func NewMemoryRateLimitStore(now func() time.Time) *MemoryRateLimitStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryRateLimitStore{
		windows: make(map[string]*rateWindow),
		now:     now,
	}
}

func (s *MemoryRateLimitStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.windows[key]
	if !ok || !now.Before(entry.resetAt) {
		entry = &rateWindow{count: 0, resetAt: now.Add(window)}
		s.windows[key] = entry
	}
	entry.count++
	return entry.count, entry.resetAt.Sub(now), nil
}

// Reset clears all windows. Only tests should call this.
func (s *MemoryRateLimitStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows = make(map[string]*rateWindow)
}
