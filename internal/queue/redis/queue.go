// Package redis implements the work queue on Redis lists. Every state
// transition runs as a Lua script so it is a single atomic step on the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/queue"
)

// DefaultPrefix namespaces the queue keys.
const DefaultPrefix = "harvester"

// enqueueScript: KEYS pending, seen. Pushes each URL newly added to seen.
var enqueueScript = redis.NewScript(`
local added = 0
for i = 1, #ARGV do
	if redis.call("SADD", KEYS[2], ARGV[i]) == 1 then
		redis.call("LPUSH", KEYS[1], ARGV[i])
		added = added + 1
	end
end
return added
`)

// claimScript: KEYS pending, inflight, claims. ARGV now in ms.
var claimScript = redis.NewScript(`
local url = redis.call("RPOP", KEYS[1])
if not url then
	return false
end
redis.call("LPUSH", KEYS[2], url)
redis.call("ZADD", KEYS[3], ARGV[1], url)
return url
`)

// completeScript: KEYS inflight, claims, seen. ARGV url, forget.
var completeScript = redis.NewScript(`
local removed = redis.call("LREM", KEYS[1], 1, ARGV[1])
redis.call("ZREM", KEYS[2], ARGV[1])
if removed > 0 and ARGV[2] == "1" then
	redis.call("SREM", KEYS[3], ARGV[1])
end
return removed
`)

// deadLetterScript: KEYS inflight, pending, dead, claims, seen. ARGV url.
var deadLetterScript = redis.NewScript(`
redis.call("LREM", KEYS[1], 0, ARGV[1])
redis.call("LREM", KEYS[2], 0, ARGV[1])
redis.call("ZREM", KEYS[4], ARGV[1])
redis.call("LREM", KEYS[3], 0, ARGV[1])
redis.call("RPUSH", KEYS[3], ARGV[1])
redis.call("SADD", KEYS[5], ARGV[1])
return 1
`)

// reclaimScript: KEYS pending, inflight, claims. ARGV cutoff in ms (exclusive).
var reclaimScript = redis.NewScript(`
local stale = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", "(" .. ARGV[1])
local moved = {}
for _, url in ipairs(stale) do
	redis.call("ZREM", KEYS[3], url)
	if redis.call("LREM", KEYS[2], 1, url) > 0 then
		redis.call("RPUSH", KEYS[1], url)
		table.insert(moved, url)
	end
end
return moved
`)

// Queue implements crawler.WorkQueue on Redis.
type Queue struct {
	client   redis.UniversalClient
	opts     queue.Options
	clock    crawler.Clock
	pending  string
	inflight string
	dead     string
	seen     string
	claims   string
}

// New binds a queue to keys under prefix.
func New(client redis.UniversalClient, prefix string, opts queue.Options, clock crawler.Clock) *Queue {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Queue{
		client:   client,
		opts:     opts,
		clock:    clock,
		pending:  prefix + ":pending",
		inflight: prefix + ":inflight",
		dead:     prefix + ":dead",
		seen:     prefix + ":seen",
		claims:   prefix + ":claims",
	}
}

// Enqueue adds URLs not already known.
func (q *Queue) Enqueue(ctx context.Context, urls []string) (int, error) {
	urls = queue.NormalizeURLs(urls)
	if len(urls) == 0 {
		return 0, nil
	}
	args := make([]any, len(urls))
	for i, u := range urls {
		args[i] = u
	}
	added, err := enqueueScript.Run(ctx, q.client, []string{q.pending, q.seen}, args...).Int()
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return added, nil
}

// Claim atomically moves the tail of pending into in-flight.
func (q *Queue) Claim(ctx context.Context) (string, bool, error) {
	now := q.clock.Now().UnixMilli()
	url, err := claimScript.Run(ctx, q.client, []string{q.pending, q.inflight, q.claims}, now).Text()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("claim: %w", err)
	}
	return url, true, nil
}

// Complete removes the first in-flight occurrence of url.
func (q *Queue) Complete(ctx context.Context, url string) error {
	forget := "1"
	if q.opts.Dedupe {
		forget = "0"
	}
	keys := []string{q.inflight, q.claims, q.seen}
	if err := completeScript.Run(ctx, q.client, keys, url, forget).Err(); err != nil {
		return fmt.Errorf("complete %s: %w", url, err)
	}
	return nil
}

// DeadLetter moves url to the dead collection.
func (q *Queue) DeadLetter(ctx context.Context, url string) error {
	keys := []string{q.inflight, q.pending, q.dead, q.claims, q.seen}
	if err := deadLetterScript.Run(ctx, q.client, keys, url).Err(); err != nil {
		return fmt.Errorf("dead-letter %s: %w", url, err)
	}
	return nil
}

// ReclaimStale moves in-flight URLs claimed before now-maxAge back to pending.
func (q *Queue) ReclaimStale(ctx context.Context, maxAge time.Duration) ([]string, error) {
	cutoff := q.clock.Now().Add(-maxAge).UnixMilli()
	keys := []string{q.pending, q.inflight, q.claims}
	moved, err := reclaimScript.Run(ctx, q.client, keys, strconv.FormatInt(cutoff, 10)).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("reclaim stale: %w", err)
	}
	return moved, nil
}

// Depths reports collection sizes in one round trip.
func (q *Queue) Depths(ctx context.Context) (crawler.QueueDepths, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.pending)
	inflight := pipe.LLen(ctx, q.inflight)
	dead := pipe.LLen(ctx, q.dead)
	if _, err := pipe.Exec(ctx); err != nil {
		return crawler.QueueDepths{}, fmt.Errorf("queue depths: %w", err)
	}
	return crawler.QueueDepths{
		Pending:  pending.Val(),
		InFlight: inflight.Val(),
		Dead:     dead.Val(),
	}, nil
}

// Dead lists the dead-letter collection.
func (q *Queue) Dead(ctx context.Context) ([]string, error) {
	urls, err := q.client.LRange(ctx, q.dead, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead: %w", err)
	}
	return urls, nil
}
