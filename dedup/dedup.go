// Package dedup records which notifications have already been delivered so each
// transition reaches a subscriber at most once per retention window.
//
// The cache is volatile: a restart forgets every record.
package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"queue-notifier/pkg/notifier"
)

// DefaultWindow is how long a delivered notification suppresses a repeat.
const DefaultWindow = 30 * time.Minute

// Key identifies one notification: a transition for a tracked number of a subscriber.
type Key struct {
	SubscriberID string
	Transition   notifier.Transition
	QueueNumber  int
}

// Cache is a time-bounded set of fired keys. It is safe for concurrent use.
type Cache struct {
	fired  map[Key]time.Time
	now    func() time.Time
	logger *slog.Logger
	window time.Duration
	mu     sync.Mutex
}

// Option customises a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithWindow overrides DefaultWindow.
func WithWindow(d time.Duration) Option {
	return func(c *Cache) { c.window = d }
}

// New creates an empty cache.
func New(logger *slog.Logger, opts ...Option) *Cache {
	c := &Cache{
		fired:  make(map[Key]time.Time),
		now:    time.Now,
		logger: logger,
		window: DefaultWindow,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ShouldFire reports whether key may be delivered now. When it returns true the key
// is recorded in the same critical section, so concurrent callers with the same key
// see exactly one true.
func (c *Cache) ShouldFire(key Key) bool {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.fired[key]; ok && now.Sub(at) < c.window {
		return false
	}
	c.fired[key] = now
	return true
}

// Forget drops the record for key. Callers use it when delivery failed after
// ShouldFire, so the next scan retries.
func (c *Cache) Forget(key Key) {
	c.mu.Lock()
	delete(c.fired, key)
	c.mu.Unlock()
}

// EvictExpired removes records at least one window old and returns how many were removed.
// Records written after now are kept.
func (c *Cache) EvictExpired(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, at := range c.fired {
		if now.Sub(at) >= c.window {
			delete(c.fired, key)
			evicted++
		}
	}
	return evicted
}

// Len returns the number of records, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fired)
}

// Run evicts expired records every interval until ctx is cancelled.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.EvictExpired(c.now()); n > 0 {
				c.logger.Debug("Evicted expired notification records", "evicted", n, "remaining", c.Len())
			}
		}
	}
}
