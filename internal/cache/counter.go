// Package cache provides the low-latency counters backing the quick-tier
// checks. Redis keeps the hot per-IP counts out of Postgres so the quick
// path stays inside its latency budget.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Counter is a fixed-window event counter.
type Counter interface {
	// Incr records one event for key and returns the count in the current
	// window, including this event.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// RedisCounter counts in fixed windows keyed by window number. The window
// boundary error inherent to fixed windows is acceptable for a burst gate.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	bucket := time.Now().UnixNano() / int64(window)
	k := fmt.Sprintf("%s:%s:%d", c.prefix, key, bucket)

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis counter incr: %w", err)
	}
	return incr.Val(), nil
}

// MemoryCounter is the in-process fallback used when Redis is not
// configured. Suitable for single-instance deployments and tests.
//
// One entry is kept per key; a rollover into a new window resets the count in
// place, and entries idle past their window are swept out so the map does not
// grow with every IP ever seen.
type MemoryCounter struct {
	mu        sync.Mutex
	counts    map[string]*memoryWindow
	nextSweep time.Time
}

type memoryWindow struct {
	bucket  int64
	count   int64
	expires time.Time
}

const memorySweepInterval = time.Minute

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]*memoryWindow)}
}

func (c *MemoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now()
	bucket := now.UnixNano() / int64(window)

	c.mu.Lock()
	defer c.mu.Unlock()

	if now.After(c.nextSweep) {
		for k, w := range c.counts {
			if now.After(w.expires) {
				delete(c.counts, k)
			}
		}
		c.nextSweep = now.Add(memorySweepInterval)
	}

	w := c.counts[key]
	if w == nil || w.bucket != bucket {
		w = &memoryWindow{bucket: bucket}
		c.counts[key] = w
	}
	w.count++
	w.expires = now.Add(2 * window)
	return w.count, nil
}
