package adaptive

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tryAcquire takes a slot only if one is free right now.
func tryAcquire(g *Gate) bool {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return g.Acquire(ctx) == nil
}

func TestGateBlocksAtLimit(t *testing.T) {
	t.Parallel()

	g := NewGate(2)
	require.True(t, tryAcquire(g))
	require.True(t, tryAcquire(g))
	require.False(t, tryAcquire(g))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Acquire(ctx), context.DeadlineExceeded)
	require.Equal(t, 2, g.InUse())
}

func TestGateReleaseWakesWaiter(t *testing.T) {
	t.Parallel()

	g := NewGate(1)
	require.NoError(t, g.Acquire(context.Background()))

	acquired := make(chan struct{})
	go func() {
		if err := g.Acquire(context.Background()); err == nil {
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquired past the limit")
	case <-time.After(20 * time.Millisecond):
	}
	g.Release()
	require.Eventually(t, func() bool {
		select {
		case <-acquired:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestGateGrowAdmitsWaiters(t *testing.T) {
	t.Parallel()

	g := NewGate(1)
	require.True(t, tryAcquire(g))

	var admitted atomic.Int32
	for i := 0; i < 3; i++ {
		go func() {
			if err := g.Acquire(context.Background()); err == nil {
				admitted.Add(1)
			}
		}()
	}
	g.SetLimit(3)
	require.Eventually(t, func() bool { return admitted.Load() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 3, g.InUse())
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(2), admitted.Load())
}

func TestGateShrinkDrainsWithoutRevoking(t *testing.T) {
	t.Parallel()

	g := NewGate(3)
	for i := 0; i < 3; i++ {
		require.True(t, tryAcquire(g))
	}
	g.SetLimit(1)
	require.Equal(t, 3, g.InUse())
	require.False(t, tryAcquire(g))

	g.Release()
	require.False(t, tryAcquire(g), "2 held against a limit of 1")
	g.Release()
	require.False(t, tryAcquire(g), "1 held against a limit of 1")
	g.Release()
	require.True(t, tryAcquire(g))
	require.Equal(t, 1, g.InUse())
}

func TestGateNeverExceedsLimitUnderChurn(t *testing.T) {
	t.Parallel()

	g := NewGate(4)
	var (
		active atomic.Int32
		peak   atomic.Int32
		wg     sync.WaitGroup
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if err := g.Acquire(context.Background()); err != nil {
					return
				}
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				active.Add(-1)
				g.Release()
			}
		}()
	}
	wg.Wait()

	require.LessOrEqual(t, peak.Load(), int32(4))
	require.Equal(t, 0, g.InUse())
}

func TestGateReleaseWithoutAcquireIsNoop(t *testing.T) {
	t.Parallel()

	g := NewGate(0)
	require.Equal(t, 1, g.Limit())
	g.Release()
	require.Equal(t, 0, g.InUse())
}
