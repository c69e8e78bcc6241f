// Package queuetest holds behavioral tests every work queue backend must pass.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/queue"
)

// Clock is a manually advanced crawler.Clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Factory builds a fresh, empty queue bound to clock.
type Factory func(t *testing.T, opts queue.Options, clock crawler.Clock) crawler.WorkQueue

// Run exercises the state machine against a backend.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("enqueue skips duplicates", func(t *testing.T) {
		ctx := context.Background()
		q := factory(t, queue.Options{}, NewClock())

		added, err := q.Enqueue(ctx, []string{"a", "b", "a", " "})
		require.NoError(t, err)
		require.Equal(t, 2, added)

		added, err = q.Enqueue(ctx, []string{"a", "c"})
		require.NoError(t, err)
		require.Equal(t, 1, added)
		requireDepths(t, q, 3, 0, 0)
	})

	t.Run("claim is first in first out", func(t *testing.T) {
		ctx := context.Background()
		q := factory(t, queue.Options{}, NewClock())

		_, ok, err := q.Claim(ctx)
		require.NoError(t, err)
		require.False(t, ok)

		mustEnqueue(t, q, "first")
		mustEnqueue(t, q, "second")
		require.Equal(t, "first", mustClaim(t, q))
		require.Equal(t, "second", mustClaim(t, q))
		requireDepths(t, q, 0, 2, 0)

		_, ok, err = q.Claim(ctx)
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("complete removes in-flight item", func(t *testing.T) {
		ctx := context.Background()
		q := factory(t, queue.Options{}, NewClock())
		mustEnqueue(t, q, "a")
		u := mustClaim(t, q)

		require.NoError(t, q.Complete(ctx, u))
		requireDepths(t, q, 0, 0, 0)
		require.NoError(t, q.Complete(ctx, u), "completing twice is harmless")
		requireDepths(t, q, 0, 0, 0)
	})

	t.Run("completed url may return without dedupe", func(t *testing.T) {
		ctx := context.Background()
		q := factory(t, queue.Options{}, NewClock())
		mustEnqueue(t, q, "a")
		require.NoError(t, q.Complete(ctx, mustClaim(t, q)))

		added, err := q.Enqueue(ctx, []string{"a"})
		require.NoError(t, err)
		require.Equal(t, 1, added)
	})

	t.Run("dedupe rejects completed url", func(t *testing.T) {
		ctx := context.Background()
		q := factory(t, queue.Options{Dedupe: true}, NewClock())
		mustEnqueue(t, q, "a")
		require.NoError(t, q.Complete(ctx, mustClaim(t, q)))

		added, err := q.Enqueue(ctx, []string{"a"})
		require.NoError(t, err)
		require.Equal(t, 0, added)
	})

	t.Run("dead letter is terminal", func(t *testing.T) {
		ctx := context.Background()
		q := factory(t, queue.Options{}, NewClock())
		mustEnqueue(t, q, "a")
		u := mustClaim(t, q)

		require.NoError(t, q.DeadLetter(ctx, u))
		requireDepths(t, q, 0, 0, 1)
		require.NoError(t, q.DeadLetter(ctx, u))
		requireDepths(t, q, 0, 0, 1)
		dead, err := q.Dead(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"a"}, dead)

		added, err := q.Enqueue(ctx, []string{"a"})
		require.NoError(t, err)
		require.Equal(t, 0, added)

		moved, err := q.ReclaimStale(ctx, 0)
		require.NoError(t, err)
		require.Empty(t, moved)
		requireDepths(t, q, 0, 0, 1)
	})

	t.Run("reclaim moves only stale items", func(t *testing.T) {
		ctx := context.Background()
		clock := NewClock()
		q := factory(t, queue.Options{}, clock)
		mustEnqueue(t, q, "old")
		mustEnqueue(t, q, "young")
		mustEnqueue(t, q, "waiting")

		require.Equal(t, "old", mustClaim(t, q))
		clock.Advance(5 * time.Minute)
		require.Equal(t, "young", mustClaim(t, q))
		clock.Advance(6 * time.Minute)

		moved, err := q.ReclaimStale(ctx, 10*time.Minute)
		require.NoError(t, err)
		require.Equal(t, []string{"old"}, moved)
		requireDepths(t, q, 2, 1, 0)

		require.Equal(t, "old", mustClaim(t, q), "reclaimed items are claimed next")
		require.Equal(t, "waiting", mustClaim(t, q))

		moved, err = q.ReclaimStale(ctx, 10*time.Minute)
		require.NoError(t, err)
		require.Empty(t, moved)
	})

	t.Run("reclaim boundary is exclusive", func(t *testing.T) {
		ctx := context.Background()
		clock := NewClock()
		q := factory(t, queue.Options{}, clock)
		mustEnqueue(t, q, "a")
		mustClaim(t, q)

		clock.Advance(time.Minute)
		moved, err := q.ReclaimStale(ctx, time.Minute)
		require.NoError(t, err)
		require.Empty(t, moved)

		clock.Advance(time.Millisecond)
		moved, err = q.ReclaimStale(ctx, time.Minute)
		require.NoError(t, err)
		require.Equal(t, []string{"a"}, moved)
	})

	t.Run("concurrent claims never share a url", func(t *testing.T) {
		ctx := context.Background()
		q := factory(t, queue.Options{}, NewClock())
		urls := make([]string, 0, 60)
		for i := 0; i < 60; i++ {
			urls = append(urls, fmt.Sprintf("https://example.com/p/%d", i))
		}
		added, err := q.Enqueue(ctx, urls)
		require.NoError(t, err)
		require.Equal(t, len(urls), added)

		var (
			mu      sync.Mutex
			claimed = make(map[string]int)
			wg      sync.WaitGroup
		)
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					u, ok, err := q.Claim(ctx)
					if err != nil || !ok {
						return
					}
					mu.Lock()
					claimed[u]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		require.Len(t, claimed, len(urls))
		for u, n := range claimed {
			require.Equal(t, 1, n, u)
		}
		requireDepths(t, q, 0, int64(len(urls)), 0)
	})
}

func mustEnqueue(t *testing.T, q crawler.WorkQueue, url string) {
	t.Helper()
	added, err := q.Enqueue(context.Background(), []string{url})
	require.NoError(t, err)
	require.Equal(t, 1, added)
}

func mustClaim(t *testing.T, q crawler.WorkQueue) string {
	t.Helper()
	u, ok, err := q.Claim(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	return u
}

func requireDepths(t *testing.T, q crawler.WorkQueue, pending, inflight, dead int64) {
	t.Helper()
	d, err := q.Depths(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.QueueDepths{Pending: pending, InFlight: inflight, Dead: dead}, d)
}
