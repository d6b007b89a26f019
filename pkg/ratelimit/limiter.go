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

type Limiter interface {
	Allow(key string, limit int) Decision
}

// InMemoryLimiter is a sliding-window limiter. A rejected request does not
// consume quota, so a steady over-limit caller recovers as soon as old
// requests age out instead of being locked out indefinitely.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string][]time.Time

	now func() time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string][]time.Time),
		now:    time.Now,
	}
}

func (l *InMemoryLimiter) Allow(key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now().UTC()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := prune(l.items[key], cutoff)
	count := len(kept)
	allowed := count < limit
	if allowed {
		kept = append(kept, now)
		count++
	}
	if len(kept) == 0 {
		delete(l.items, key)
	} else {
		l.items[key] = kept
	}

	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now.Add(l.window)
	if len(kept) > 0 {
		resetAt = kept[0].Add(l.window)
	}
	return Decision{
		Allowed:   allowed,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
