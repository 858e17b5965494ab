package ratelimit

import (
	"context"
	"sync"
	"time"
)

// tickets is the sliding window for one (user, bucket) key: expiry times of
// admitted calls, in issue order. Each key carries its own lock — mutation
// never takes a limiter-wide lock.
type tickets struct {
	mu         sync.Mutex
	expiries   []time.Time
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with an in-process ticket list per key.
//
// A background goroutine evicts keys not accessed recently to bound memory.
// Concurrent calls for the same key are serialized by the key's lock, so a
// single instance never admits past the limit; in a multi-instance
// deployment, swap in RedisLimiter for shared counting.
type MemoryLimiter struct {
	keys sync.Map // string -> *tickets

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates an in-memory sliding-window limiter.
// Call Close to stop the eviction goroutine.
func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{done: make(chan struct{})}
	go m.cleanup()
	return m
}

// CheckAndConsume prunes expired tickets for (user, rule.Bucket), then
// admits the call if fewer than rule.Limit live tickets remain, issuing a
// ticket that expires one window from now. Denied results report the
// earliest live ticket's expiry as ResetAt.
func (m *MemoryLimiter) CheckAndConsume(_ context.Context, user string, rule Rule) Result {
	key := rule.Bucket + ":" + user
	v, _ := m.keys.LoadOrStore(key, &tickets{})
	t := v.(*tickets)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.lastAccess = now

	// Drop tickets whose expiry has passed. Expiries are in issue order, so
	// for a fixed window they are sorted and the live suffix is contiguous.
	live := t.expiries[:0]
	for _, exp := range t.expiries {
		if exp.After(now) {
			live = append(live, exp)
		}
	}
	t.expiries = live

	if len(t.expiries) >= rule.Limit {
		return Result{
			Allowed:   false,
			Limit:     rule.Limit,
			Remaining: 0,
			ResetAt:   t.expiries[0],
		}
	}

	t.expiries = append(t.expiries, now.Add(rule.Window))
	return Result{
		Allowed:   true,
		Limit:     rule.Limit,
		Remaining: rule.Limit - len(t.expiries),
		ResetAt:   now.Add(rule.Window),
	}
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts keys that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	cutoff := time.Now().Add(-staleThreshold)
	m.keys.Range(func(key, v any) bool {
		t := v.(*tickets)
		t.mu.Lock()
		stale := t.lastAccess.Before(cutoff)
		t.mu.Unlock()
		if stale {
			m.keys.Delete(key)
		}
		return true
	})
}
