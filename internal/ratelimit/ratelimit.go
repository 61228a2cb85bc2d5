// Package ratelimit caps chat requests per client. The in-memory limiter serves a
// single instance; the Redis limiter shares counts across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key is allowed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Adjustable is a Limiter whose quota can change while serving.
type Adjustable interface {
	Limiter
	SetLimit(max int, window time.Duration)
}

// MemoryLimiter keeps a token bucket per key. A bucket holds max tokens and refills
// at max per window.
type MemoryLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter creates a MemoryLimiter. Call Run to evict idle buckets.
func NewMemoryLimiter(max int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		max:     max,
		window:  window,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow consumes one token from key's bucket.
func (m *MemoryLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		every := m.window / time.Duration(m.max)
		b = &bucket{limiter: rate.NewLimiter(rate.Every(every), m.max)}
		m.buckets[key] = b
	}
	b.lastSeen = now
	m.mu.Unlock()

	return b.limiter.AllowN(now, 1), nil
}

// Run evicts buckets idle for two windows until ctx is done.
func (m *MemoryLimiter) Run(ctx context.Context) {
	m.mu.Lock()
	interval := m.window
	m.mu.Unlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

// SetLimit changes the quota. Existing buckets are dropped so every key starts
// over with the new burst.
func (m *MemoryLimiter) SetLimit(max int, window time.Duration) {
	if max <= 0 || window <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if max == m.max && window == m.window {
		return
	}
	m.max, m.window = max, window
	m.buckets = make(map[string]*bucket)
}

func (m *MemoryLimiter) cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	threshold := m.now().Add(-2 * m.window)
	for key, b := range m.buckets {
		if b.lastSeen.Before(threshold) {
			delete(m.buckets, key)
		}
	}
}

// RedisLimiter counts requests per key in fixed windows.
type RedisLimiter struct {
	client *redis.Client
	prefix string

	mu     sync.RWMutex
	max    int
	window time.Duration
}

// NewRedisLimiter creates a RedisLimiter.
func NewRedisLimiter(client *redis.Client, max int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		max:    max,
		window: window,
		prefix: "luca:ratelimit:",
	}
}

// Allow increments key's counter for the current window.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := r.prefix + key
	r.mu.RLock()
	max, window := r.max, r.window
	r.mu.RUnlock()

	var incr *redis.IntCmd
	var ttl *redis.DurationCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, redisKey)
		ttl = pipe.PTTL(ctx, redisKey)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis pipeline error: %w", err)
	}

	// first hit of the window, or a key left without expiry
	if incr.Val() == 1 || ttl.Val() < 0 {
		if err := r.client.PExpire(ctx, redisKey, window).Err(); err != nil {
			return false, fmt.Errorf("setting window expiry: %w", err)
		}
	}

	return incr.Val() <= int64(max), nil
}

// SetLimit changes the quota. Counters of the current window keep their expiry.
func (r *RedisLimiter) SetLimit(max int, window time.Duration) {
	if max <= 0 || window <= 0 {
		return
	}
	r.mu.Lock()
	r.max, r.window = max, window
	r.mu.Unlock()
}

// Reset clears key's counter.
func (r *RedisLimiter) Reset(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

var (
	_ Adjustable = (*MemoryLimiter)(nil)
	_ Adjustable = (*RedisLimiter)(nil)
)
