package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/harvester/internal/crawler"
)

func TestCacheRoundTripAndExpiry(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := New(client, "", time.Minute)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "https://x/p/1")
	require.NoError(t, err)
	require.False(t, ok)

	rec := crawler.ProductRecord{BusinessKey: "P1", Brand: "Acme", Price: 9.5, SourceURL: "https://x/p/1"}
	require.NoError(t, c.Set(ctx, "https://x/p/1", rec))
	require.True(t, srv.Exists("harvester:cache:https://x/p/1"))

	got, ok, err := c.Get(ctx, "https://x/p/1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec, *got)

	srv.FastForward(time.Minute + time.Second)
	_, ok, err = c.Get(ctx, "https://x/p/1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheCorruptEntryIsMiss(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, srv.Set("harvester:cache:u", "{not json"))

	_, ok, err := New(client, "", 0).Get(context.Background(), "u")
	require.NoError(t, err)
	require.False(t, ok)
}
