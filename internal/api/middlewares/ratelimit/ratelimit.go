// Package ratelimit applies a per-user token bucket to the chat endpoints.
// The Redis store coordinates limits across instances; the in-memory store
// serves single-instance deployments and tests.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Limit is the request budget per window.
type Limit struct {
	Count int
	Unit  string
}

// Store decides whether one request fits the caller's budget.
type Store interface {
	Allow(ctx context.Context, key string, limit Limit) (bool, error)
}

// parseUnit converts a rate limit unit string to a time.Duration.
// Supported units: 1min, 1h, 6h, 12h, 1d, 1w, 1mo
func parseUnit(unit string) (time.Duration, error) {
	switch unit {
	case "1min":
		return time.Minute, nil
	case "1h":
		return time.Hour, nil
	case "6h":
		return 6 * time.Hour, nil
	case "12h":
		return 12 * time.Hour, nil
	case "1d":
		return 24 * time.Hour, nil
	case "1w":
		return 7 * 24 * time.Hour, nil
	case "1mo":
		return 30 * 24 * time.Hour, nil // Approximate month as 30 days
	default:
		return 0, fmt.Errorf("unsupported rate limit unit: %s", unit)
	}
}

type tokenBucket struct {
	mu             sync.Mutex
	tokens         float64
	lastRefill     time.Time
	capacity       float64
	refillRate     float64 // tokens per second
	windowDuration time.Duration
}

// consume attempts to consume the requested number of tokens.
func (tb *tokenBucket) consume(tokens float64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()

	// Refill tokens based on elapsed time
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tokensToAdd := elapsed * tb.refillRate
	tb.tokens = min(tb.capacity, tb.tokens+tokensToAdd)
	tb.lastRefill = now

	if tb.tokens >= tokens {
		tb.tokens -= tokens
		return true
	}

	return false
}

// MemoryStore is the in-process token bucket store. A background goroutine
// reaps buckets idle past twice their window.
type MemoryStore struct {
	mu          sync.RWMutex
	buckets     map[string]*tokenBucket
	cleanup     *time.Ticker
	stopCleanup chan struct{}
}

func NewMemoryStore() *MemoryStore {
	store := &MemoryStore{
		buckets:     make(map[string]*tokenBucket),
		cleanup:     time.NewTicker(5 * time.Minute),
		stopCleanup: make(chan struct{}),
	}
	go store.cleanupUnusedBuckets()
	return store
}

func (s *MemoryStore) Stop() {
	s.cleanup.Stop()
	close(s.stopCleanup)
}

func (s *MemoryStore) Allow(ctx context.Context, key string, limit Limit) (bool, error) {
	duration, err := parseUnit(limit.Unit)
	if err != nil {
		return false, err
	}

	bucketKey := key + ":" + limit.Unit

	s.mu.Lock()
	bucket, exists := s.buckets[bucketKey]
	if !exists {
		capacity := float64(limit.Count)
		bucket = &tokenBucket{
			tokens:         capacity,
			lastRefill:     time.Now(),
			capacity:       capacity,
			refillRate:     capacity / duration.Seconds(),
			windowDuration: duration,
		}
		s.buckets[bucketKey] = bucket
	}
	s.mu.Unlock()

	return bucket.consume(1), nil
}

func (s *MemoryStore) cleanupUnusedBuckets() {
	for {
		select {
		case <-s.cleanup.C:
			s.mu.Lock()
			now := time.Now()
			for key, bucket := range s.buckets {
				bucket.mu.Lock()
				if now.Sub(bucket.lastRefill) > bucket.windowDuration*2 {
					delete(s.buckets, key)
				}
				bucket.mu.Unlock()
			}
			s.mu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}
