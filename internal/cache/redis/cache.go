// Package redis caches normalized products by source URL.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// DefaultTTL is how long a cached product short-circuits a fetch.
const DefaultTTL = time.Hour

// Cache implements crawler.ProductCache.
type Cache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// New builds a cache storing entries under prefix:cache:<url>.
func New(client redis.UniversalClient, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = "harvester"
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, prefix: prefix + ":cache:", ttl: ttl}
}

// Get returns the cached record for url, if any.
func (c *Cache) Get(ctx context.Context, url string) (*crawler.ProductRecord, bool, error) {
	raw, err := c.client.Get(ctx, c.prefix+url).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	var rec crawler.ProductRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		// a corrupt entry is a miss; the next Set overwrites it
		return nil, false, nil
	}
	return &rec, true, nil
}

// Set stores record for url with the configured TTL.
func (c *Cache) Set(ctx context.Context, url string, record crawler.ProductRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	if err := c.client.Set(ctx, c.prefix+url, raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
