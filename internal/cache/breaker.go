package cache

import (
	"context"
	"time"

	"github.com/thanhtungtav4/Silent-Trust/internal/circuitbreaker"
)

const breakerKey = "counter"

// BreakerCounter fronts a primary counter with a circuit breaker and a
// fallback. While the circuit is open every increment goes straight to the
// fallback, so a down Redis costs one failed round trip per open period
// instead of one per submission.
type BreakerCounter struct {
	primary  Counter
	fallback Counter
	breaker  *circuitbreaker.Breaker
}

func NewBreakerCounter(primary, fallback Counter, threshold int, openDuration time.Duration) *BreakerCounter {
	return &BreakerCounter{
		primary:  primary,
		fallback: fallback,
		breaker:  circuitbreaker.New(threshold, openDuration),
	}
}

func (c *BreakerCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	if !c.breaker.Allow(breakerKey) {
		return c.fallback.Incr(ctx, key, window)
	}

	n, err := c.primary.Incr(ctx, key, window)
	if err != nil {
		c.breaker.RecordFailure(breakerKey)
		return c.fallback.Incr(ctx, key, window)
	}
	c.breaker.RecordSuccess(breakerKey)
	return n, nil
}
