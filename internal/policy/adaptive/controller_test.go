package adaptive

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newController(t *testing.T, cfg Config) (*Controller, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewController(cfg, clock, zap.NewNop()), clock
}

func record(c *Controller, failures, successes int) {
	for i := 0; i < failures; i++ {
		c.RecordFailure()
	}
	for i := 0; i < successes; i++ {
		c.RecordSuccess()
	}
}

func TestControllerDefaults(t *testing.T) {
	t.Parallel()

	c, _ := newController(t, Config{})
	require.Equal(t, 5, c.Limit())
	require.Equal(t, float64(0), c.FailureRate())
}

func TestFailureRateBoundary(t *testing.T) {
	t.Parallel()

	c, _ := newController(t, DefaultConfig())
	record(c, 3, 27)
	require.Equal(t, float64(10), c.FailureRate())
	require.Equal(t, 5, c.Adjust(), "exactly 10% must not decrease")

	c2, _ := newController(t, DefaultConfig())
	record(c2, 4, 26)
	require.InDelta(t, 13.333, c2.FailureRate(), 0.01)
	require.Equal(t, 4, c2.Adjust())
}

func TestAdjustIncreasesOnLowFailureRate(t *testing.T) {
	t.Parallel()

	c, _ := newController(t, DefaultConfig())
	require.Equal(t, 6, c.Adjust(), "an empty window counts as 0%")
	record(c, 1, 99)
	require.Equal(t, 7, c.Adjust())
	record(c, 3, 40)
	require.Equal(t, 7, c.Adjust(), "2% to 10% holds steady")
}

func TestAdjustRespectsBounds(t *testing.T) {
	t.Parallel()

	c, _ := newController(t, Config{InitialLimit: 2, MinLimit: 1, MaxLimit: 3})
	record(c, 10, 0)
	require.Equal(t, 1, c.Adjust())
	require.Equal(t, 1, c.Adjust())

	c2, _ := newController(t, Config{InitialLimit: 2, MinLimit: 1, MaxLimit: 3})
	require.Equal(t, 3, c2.Adjust())
	require.Equal(t, 3, c2.Adjust())
}

func TestInitialLimitClamped(t *testing.T) {
	t.Parallel()

	c, _ := newController(t, Config{InitialLimit: 100, MinLimit: 2, MaxLimit: 8})
	require.Equal(t, 8, c.Limit())
}

func TestWindowPrunesOldEvents(t *testing.T) {
	t.Parallel()

	c, clock := newController(t, DefaultConfig())
	record(c, 10, 0)
	require.Equal(t, float64(100), c.FailureRate())

	clock.Advance(60 * time.Second)
	require.Equal(t, float64(100), c.FailureRate(), "events exactly at the window edge are kept")

	clock.Advance(time.Millisecond)
	require.Equal(t, float64(0), c.FailureRate())
	record(c, 0, 3)
	require.Equal(t, float64(0), c.FailureRate())
}

func TestAcquireReleaseFollowsLimit(t *testing.T) {
	t.Parallel()

	c, _ := newController(t, Config{InitialLimit: 2, MinLimit: 1, MaxLimit: 4})
	ctx := context.Background()
	require.NoError(t, c.Acquire(ctx))
	require.NoError(t, c.Acquire(ctx))
	require.Equal(t, 2, c.InUse())

	record(c, 5, 0)
	require.Equal(t, 1, c.Adjust())

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, c.Acquire(short))

	c.Release()
	c.Release()
	require.NoError(t, c.Acquire(ctx))
	require.Equal(t, 1, c.InUse())
}

func TestRunAdjustsPeriodically(t *testing.T) {
	t.Parallel()

	c, _ := newController(t, Config{InitialLimit: 1, MinLimit: 1, MaxLimit: 10, AdjustInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return c.Limit() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
