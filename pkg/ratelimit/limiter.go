// Package ratelimit bounds request throughput per caller key within a fixed
// window. Backends: an in-memory table and redis (with in-memory fallback).
package ratelimit

import (
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfterSeconds converts a denial into a Retry-After hint, rounded up so
// clients never retry before the window actually resets.
func (d Decision) RetryAfterSeconds() int {
	until := time.Until(d.ResetAt)
	if until <= 0 {
		return 1
	}
	secs := int((until + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter keeps one counter per caller key. Windows whose reset time
// passed more than the grace period ago are evicted on each call, bounding
// memory under churning key sets.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	grace  time.Duration
	items  map[string]entry
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		grace:  window,
		items:  make(map[string]entry),
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evictStale(now)
	curr, ok := l.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{
			count:   0,
			resetAt: now.Add(l.window),
		}
	}
	curr.count++
	l.items[key] = curr
	allowed := curr.count <= limit
	remaining := limit - curr.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Count:     curr.count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   curr.resetAt,
	}
}

func (l *InMemoryLimiter) evictStale(now time.Time) {
	cutoff := now.Add(-l.grace)
	for k, v := range l.items {
		if cutoff.After(v.resetAt) {
			delete(l.items, k)
		}
	}
}
