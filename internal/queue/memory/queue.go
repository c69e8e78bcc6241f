// Package memory provides an in-process work queue for local development and
// tests.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/queue"
)

// Queue implements crawler.WorkQueue with every transition under one mutex.
type Queue struct {
	mu       sync.Mutex
	pending  []string // index 0 is the head; claims take from the tail
	inflight map[string]time.Time
	dead     []string
	seen     map[string]struct{}
	opts     queue.Options
	clock    crawler.Clock
}

// NewQueue constructs an empty queue.
func NewQueue(opts queue.Options, clock crawler.Clock) *Queue {
	return &Queue{
		inflight: make(map[string]time.Time),
		seen:     make(map[string]struct{}),
		opts:     opts,
		clock:    clock,
	}
}

// Enqueue adds URLs not already known to the head of pending.
func (q *Queue) Enqueue(_ context.Context, urls []string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	added := 0
	for _, u := range queue.NormalizeURLs(urls) {
		if _, ok := q.seen[u]; ok {
			continue
		}
		q.seen[u] = struct{}{}
		q.pending = slices.Insert(q.pending, 0, u)
		added++
	}
	return added, nil
}

// Claim moves the tail of pending into in-flight.
func (q *Queue) Claim(_ context.Context) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return "", false, nil
	}
	last := len(q.pending) - 1
	u := q.pending[last]
	q.pending = q.pending[:last]
	q.inflight[u] = q.clock.Now()
	return u, true, nil
}

// Complete drops the URL from in-flight.
func (q *Queue) Complete(_ context.Context, url string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[url]; !ok {
		return nil
	}
	delete(q.inflight, url)
	if !q.opts.Dedupe {
		delete(q.seen, url)
	}
	return nil
}

// DeadLetter moves the URL from in-flight to dead.
func (q *Queue) DeadLetter(_ context.Context, url string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, url)
	if idx := slices.Index(q.pending, url); idx >= 0 {
		q.pending = slices.Delete(q.pending, idx, idx+1)
	}
	if !slices.Contains(q.dead, url) {
		q.dead = append(q.dead, url)
	}
	q.seen[url] = struct{}{}
	return nil
}

// ReclaimStale returns in-flight URLs claimed more than maxAge ago to the
// tail of pending.
func (q *Queue) ReclaimStale(_ context.Context, maxAge time.Duration) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.clock.Now().Add(-maxAge)
	var moved []string
	for u, claimedAt := range q.inflight {
		if claimedAt.Before(cutoff) {
			moved = append(moved, u)
		}
	}
	slices.Sort(moved)
	for _, u := range moved {
		delete(q.inflight, u)
		q.pending = append(q.pending, u)
	}
	return moved, nil
}

// Depths reports collection sizes.
func (q *Queue) Depths(_ context.Context) (crawler.QueueDepths, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return crawler.QueueDepths{
		Pending:  int64(len(q.pending)),
		InFlight: int64(len(q.inflight)),
		Dead:     int64(len(q.dead)),
	}, nil
}

// Dead returns a copy of the dead-letter collection.
func (q *Queue) Dead(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.dead), nil
}
