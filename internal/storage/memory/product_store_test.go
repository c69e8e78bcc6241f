package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/hash/sha256"
	"github.com/JakeFAU/harvester/internal/storage"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func TestUpsertIsIdempotentOnUnchangedHash(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := &stepClock{now: t0}
	store := NewProductStore(sha256.New(), clock, true)

	res, err := store.UpsertBatch(ctx, []crawler.ProductRecord{{BusinessKey: "X", Price: 10}})
	require.NoError(t, err)
	require.Equal(t, crawler.UpsertInserted, res[0].Outcome)
	first, _ := store.Get(ctx, "X")
	require.Equal(t, t0, first.FirstSeenAt)

	clock.Set(t0.Add(time.Hour))
	res, err = store.UpsertBatch(ctx, []crawler.ProductRecord{{BusinessKey: "X", Price: 10}})
	require.NoError(t, err)
	require.Equal(t, crawler.UpsertUnchanged, res[0].Outcome)
	second, _ := store.Get(ctx, "X")
	require.Equal(t, first.VersionHash, second.VersionHash)
	require.Equal(t, t0.Add(time.Hour), second.LastSeenAt)

	clock.Set(t0.Add(2 * time.Hour))
	res, err = store.UpsertBatch(ctx, []crawler.ProductRecord{{BusinessKey: "X", Price: 12}})
	require.NoError(t, err)
	require.Equal(t, crawler.UpsertUpdated, res[0].Outcome)
	third, _ := store.Get(ctx, "X")
	require.NotEqual(t, first.VersionHash, third.VersionHash)
	require.Equal(t, float64(12), third.Price)
	require.Equal(t, t0, third.FirstSeenAt)
	require.Equal(t, t0.Add(2*time.Hour), third.LastSeenAt)
}

func TestUnchangedWithoutRefreshIsFullNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := &stepClock{now: t0}
	store := NewProductStore(sha256.New(), clock, false)

	_, err := store.UpsertBatch(ctx, []crawler.ProductRecord{{BusinessKey: "X", Price: 10}})
	require.NoError(t, err)
	clock.Set(t0.Add(time.Hour))
	_, err = store.UpsertBatch(ctx, []crawler.ProductRecord{{BusinessKey: "X", Price: 10}})
	require.NoError(t, err)

	rec, _ := store.Get(ctx, "X")
	require.Equal(t, t0, rec.LastSeenAt)
}

func TestLastSeenNeverMovesBackwards(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clock := &stepClock{now: t0}
	store := NewProductStore(sha256.New(), clock, true)

	_, err := store.UpsertBatch(ctx, []crawler.ProductRecord{{BusinessKey: "X", Price: 10}})
	require.NoError(t, err)
	clock.Set(t0.Add(-time.Hour))
	_, err = store.UpsertBatch(ctx, []crawler.ProductRecord{{BusinessKey: "X", Price: 11}})
	require.NoError(t, err)

	rec, _ := store.Get(ctx, "X")
	require.Equal(t, t0, rec.LastSeenAt)
	require.Equal(t, float64(11), rec.Price)
}

func TestBatchWithDuplicateKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewProductStore(sha256.New(), &stepClock{now: time.Unix(0, 0)}, true)
	res, err := store.UpsertBatch(ctx, []crawler.ProductRecord{
		{BusinessKey: "X", Price: 10},
		{BusinessKey: "X", Price: 11},
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	rec, err := store.Get(ctx, "X")
	require.NoError(t, err)
	require.Equal(t, float64(11), rec.Price)
	require.Equal(t, 1, store.Len())

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)
}
