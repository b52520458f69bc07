package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounter_CountsWithinWindow(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	for i := int64(1); i <= 5; i++ {
		n, err := c.Incr(ctx, "ip:203.0.113.9", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	// Different key counts independently
	n, err := c.Incr(ctx, "ip:203.0.113.10", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryCounter_SweepsExpiredEntries(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	_, err := c.Incr(ctx, "ip:203.0.113.9", time.Millisecond)
	require.NoError(t, err)

	// Let the entry outlive its window, then arm the sweep and trigger it
	// with an unrelated increment.
	time.Sleep(5 * time.Millisecond)
	c.mu.Lock()
	c.nextSweep = time.Time{}
	c.mu.Unlock()

	_, err = c.Incr(ctx, "ip:203.0.113.10", time.Hour)
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.NotContains(t, c.counts, "ip:203.0.113.9")
	assert.Len(t, c.counts, 1)
}

func TestMemoryCounter_WindowRolloverResetsCount(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	n, err := c.Incr(ctx, "burst", 2*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = c.Incr(ctx, "burst", 2*time.Millisecond)
	require.NoError(t, err)

	// Next window starts fresh without a new map entry
	time.Sleep(3 * time.Millisecond)
	n, err = c.Incr(ctx, "burst", 2*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Len(t, c.counts, 1)
}

func TestMemoryCounter_Concurrent(t *testing.T) {
	c := NewMemoryCounter()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Incr(ctx, "burst", time.Hour)
		}()
	}
	wg.Wait()

	n, err := c.Incr(ctx, "burst", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(51), n)
}

type failingCounter struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (c *failingCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.fail {
		return 0, errors.New("connection refused")
	}
	return 1, nil
}

func (c *failingCounter) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestBreakerCounter_FallsBackOnFailure(t *testing.T) {
	primary := &failingCounter{fail: true}
	fallback := NewMemoryCounter()
	c := NewBreakerCounter(primary, fallback, 3, time.Minute)
	ctx := context.Background()

	// Every call succeeds via the fallback even while the primary fails
	for i := int64(1); i <= 5; i++ {
		n, err := c.Incr(ctx, "k", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	// After the threshold trips the circuit, the primary stops being hit
	assert.Equal(t, 3, primary.callCount())
}

func TestBreakerCounter_UsesPrimaryWhenHealthy(t *testing.T) {
	primary := &failingCounter{}
	fallback := NewMemoryCounter()
	c := NewBreakerCounter(primary, fallback, 3, time.Minute)

	n, err := c.Incr(context.Background(), "k", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1, primary.callCount())
}
