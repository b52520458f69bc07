package jobs

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsBadSpec(t *testing.T) {
	r := NewRunner(slog.Default())
	err := r.Register("bad", "not a cron spec", func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestStartStopIdempotent(t *testing.T) {
	r := NewRunner(slog.Default())
	require.NoError(t, r.Register("noop", "@every 1h", func(context.Context) error { return nil }))

	assert.False(t, r.Running())
	r.Start()
	r.Start()
	assert.True(t, r.Running())
	r.Stop()
	r.Stop()
	assert.False(t, r.Running())
}

func TestOverlapGuardSkipsConcurrentRun(t *testing.T) {
	r := NewRunner(slog.Default())
	var active, maxActive atomic.Int32

	release := make(chan struct{})
	require.NoError(t, r.Register("slow", "@every 1s", func(context.Context) error {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		<-release
		active.Add(-1)
		return nil
	}))

	r.Start()
	defer r.Stop()

	// Let the schedule fire at least twice while the first run is blocked.
	time.Sleep(2500 * time.Millisecond)
	close(release)
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, int32(1), maxActive.Load(), "overlapping runs must be skipped")
}
