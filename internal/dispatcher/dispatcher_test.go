package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/policy/adaptive"
	"github.com/JakeFAU/harvester/internal/proxypool"
	"github.com/JakeFAU/harvester/internal/queue"
	queuememory "github.com/JakeFAU/harvester/internal/queue/memory"
	"github.com/JakeFAU/harvester/internal/queue/queuetest"
	"github.com/JakeFAU/harvester/internal/worker"
)

func TestRunProcessesEveryURLWithinGateLimit(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(queue.Options{Dedupe: true}, queuetest.NewClock())
	gate := adaptive.NewGate(3)
	proc := newCompletingProcessor(q, 5*time.Millisecond)
	d := New(q, gate, proc, Config{PollInterval: 10 * time.Millisecond}, zap.NewNop())

	urls := make([]string, 20)
	for i := range urls {
		urls[i] = "https://shop.example/p/" + string(rune('a'+i))
	}
	_, err := d.Enqueue(context.Background(), urls)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return proc.count() == len(urls)
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	require.LessOrEqual(t, proc.peak.Load(), int32(3))
	require.Zero(t, gate.InUse())
	depths, err := q.Depths(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.QueueDepths{}, depths)
}

func TestRunReleasesSlotWhenQueueIsEmpty(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(queue.Options{}, queuetest.NewClock())
	gate := adaptive.NewGate(1)
	d := New(q, gate, newCompletingProcessor(q, 0), Config{PollInterval: time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d.Run(ctx)
	require.Zero(t, gate.InUse())
}

func TestRunReleasesSlotOnClaimError(t *testing.T) {
	t.Parallel()

	q := &failingQueue{err: errors.New("redis down")}
	gate := adaptive.NewGate(1)
	d := New(q, gate, newCompletingProcessor(nil, 0), Config{PollInterval: time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	d.Run(ctx)
	require.Zero(t, gate.InUse())
	require.Positive(t, q.claims.Load())
}

func TestRunWaitsForInProgressItems(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(queue.Options{}, queuetest.NewClock())
	gate := adaptive.NewGate(2)
	started := make(chan struct{})
	proc := processorFunc(func(ctx context.Context, _ string) (worker.Result, error) {
		close(started)
		<-ctx.Done()
		return worker.ResultDeferred, ctx.Err()
	})
	d := New(q, gate, proc, Config{PollInterval: time.Millisecond}, zap.NewNop())
	_, err := d.Enqueue(context.Background(), []string{"https://shop.example/slow"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	<-started
	cancel()
	<-done

	require.Zero(t, gate.InUse())
	depths, err := q.Depths(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, depths.InFlight)
}

func TestEnqueueWakesIdleLoop(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(queue.Options{}, queuetest.NewClock())
	proc := newCompletingProcessor(q, 0)
	d := New(q, adaptive.NewGate(1), proc, Config{PollInterval: time.Hour}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	// Give the loop time to find the queue empty and go idle.
	time.Sleep(20 * time.Millisecond)
	added, err := d.Enqueue(context.Background(), []string{"https://shop.example/new"})
	require.NoError(t, err)
	require.Equal(t, 1, added)

	require.Eventually(t, func() bool { return proc.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEnqueueWrapsErrors(t *testing.T) {
	t.Parallel()

	d := New(&failingQueue{err: errors.New("boom")}, adaptive.NewGate(1), nil, Config{}, nil)
	_, err := d.Enqueue(context.Background(), []string{"https://x.example"})
	require.EqualError(t, err, "queue enqueue: boom")
}

func TestReclaimMovesOnlyStaleItems(t *testing.T) {
	t.Parallel()

	clock := queuetest.NewClock()
	q := queuememory.NewQueue(queue.Options{}, clock)
	d := New(q, adaptive.NewGate(1), nil, Config{StaleTimeout: time.Minute}, zap.NewNop())

	_, err := q.Enqueue(context.Background(), []string{"https://a.example"})
	require.NoError(t, err)
	_, _, err = q.Claim(context.Background())
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	_, err = q.Enqueue(context.Background(), []string{"https://b.example"})
	require.NoError(t, err)
	_, _, err = q.Claim(context.Background())
	require.NoError(t, err)

	urls, err := d.Reclaim(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.example"}, urls)
}

func TestSupervisorsRunAlongsideLoop(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(queue.Options{}, queuetest.NewClock())
	d := New(q, adaptive.NewGate(1), newCompletingProcessor(q, 0), Config{PollInterval: time.Millisecond}, zap.NewNop())

	var ran atomic.Bool
	d.AddSupervisor("watcher", func(ctx context.Context) {
		ran.Store(true)
		<-ctx.Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	require.Eventually(t, ran.Load, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestSamplerPublishesGauges(t *testing.T) {
	t.Parallel()

	q := queuememory.NewQueue(queue.Options{}, queuetest.NewClock())
	_, err := q.Enqueue(context.Background(), []string{"https://a.example", "https://b.example"})
	require.NoError(t, err)

	pool := proxypool.New(proxypool.Config{Endpoints: []string{"http://sampler-proxy:1"}}, queuetest.NewClock(), zap.NewNop())
	controller := adaptive.NewController(adaptive.DefaultConfig(), queuetest.NewClock(), zap.NewNop())

	s := NewSampler(q, pool, controller, time.Second, zap.NewNop())
	s.Sample(context.Background())

	depthSeries, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "harvester_queue_depth")
	require.NoError(t, err)
	require.Equal(t, 3, depthSeries)
	proxySeries, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "harvester_proxy_health_score")
	require.NoError(t, err)
	require.Positive(t, proxySeries)
}

type completingProcessor struct {
	q     crawler.WorkQueue
	delay time.Duration

	mu     sync.Mutex
	seen   map[string]int
	active atomic.Int32
	peak   atomic.Int32
}

func newCompletingProcessor(q crawler.WorkQueue, delay time.Duration) *completingProcessor {
	return &completingProcessor{q: q, delay: delay, seen: map[string]int{}}
}

func (p *completingProcessor) Process(ctx context.Context, url string) (worker.Result, error) {
	n := p.active.Add(1)
	defer p.active.Add(-1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(p.delay)
	p.mu.Lock()
	p.seen[url]++
	p.mu.Unlock()
	if err := p.q.Complete(ctx, url); err != nil {
		return worker.ResultDeferred, err
	}
	return worker.ResultStored, nil
}

func (p *completingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

type processorFunc func(ctx context.Context, url string) (worker.Result, error)

func (f processorFunc) Process(ctx context.Context, url string) (worker.Result, error) {
	return f(ctx, url)
}

type failingQueue struct {
	err    error
	claims atomic.Int32
}

func (q *failingQueue) Enqueue(context.Context, []string) (int, error) { return 0, q.err }

func (q *failingQueue) Claim(context.Context) (string, bool, error) {
	q.claims.Add(1)
	return "", false, q.err
}

func (q *failingQueue) Complete(context.Context, string) error   { return q.err }
func (q *failingQueue) DeadLetter(context.Context, string) error { return q.err }

func (q *failingQueue) ReclaimStale(context.Context, time.Duration) ([]string, error) {
	return nil, q.err
}

func (q *failingQueue) Depths(context.Context) (crawler.QueueDepths, error) {
	return crawler.QueueDepths{}, q.err
}

func (q *failingQueue) Dead(context.Context) ([]string, error) { return nil, q.err }
