package proxypool

import (
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

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func healthOf(t *testing.T, p *Pool, endpoint string) Stat {
	t.Helper()
	for _, s := range p.Stats() {
		if s.Endpoint == endpoint {
			return s
		}
	}
	t.Fatalf("endpoint %s not found", endpoint)
	return Stat{}
}

func TestNewDropsBlankAndDuplicateEndpoints(t *testing.T) {
	t.Parallel()

	p := New(Config{Endpoints: []string{"http://a:1", " ", "http://a:1", "http://b:1 "}}, newClock(), zap.NewNop())
	stats := p.Stats()
	require.Len(t, stats, 2)
	for _, s := range stats {
		require.Equal(t, 100, s.HealthScore)
		require.Equal(t, float64(100), s.SuccessRate)
		require.False(t, s.CoolingDown)
	}
}

func TestSelectEmptyPool(t *testing.T) {
	t.Parallel()

	p := New(Config{}, newClock(), zap.NewNop())
	_, ok := p.Select()
	require.False(t, ok)
}

func TestHealthStaysWithinBounds(t *testing.T) {
	t.Parallel()

	clock := newClock()
	p := New(Config{Endpoints: []string{"a"}, HealthThreshold: 50, CooldownPeriod: time.Minute}, clock, zap.NewNop())

	for i := 0; i < 5; i++ {
		p.RecordSuccess("a")
	}
	require.Equal(t, 100, healthOf(t, p, "a").HealthScore)

	for i := 0; i < 20; i++ {
		p.RecordFailure("a")
	}
	stat := healthOf(t, p, "a")
	require.Equal(t, 0, stat.HealthScore)
	require.Equal(t, uint64(20), stat.FailureCount)
	require.Equal(t, uint64(5), stat.SuccessCount)
	require.InDelta(t, 20.0, stat.SuccessRate, 0.001)
}

func TestUnknownEndpointIgnored(t *testing.T) {
	t.Parallel()

	p := New(Config{Endpoints: []string{"a"}}, newClock(), zap.NewNop())
	p.RecordFailure("missing")
	p.RecordSuccess("missing")
	require.Equal(t, 100, healthOf(t, p, "a").HealthScore)
}

func TestFailingProxyCoolsDownAndReturnsAtThreshold(t *testing.T) {
	t.Parallel()

	clock := newClock()
	p := New(Config{
		Endpoints:       []string{"good", "bad"},
		HealthThreshold: 50,
		CooldownPeriod:  300 * time.Second,
	}, clock, zap.NewNop())

	for i := 0; i < 4; i++ {
		p.RecordFailure("bad")
	}
	require.False(t, healthOf(t, p, "bad").CoolingDown, "health 60 is above the threshold")

	p.RecordFailure("bad")
	stat := healthOf(t, p, "bad")
	require.Equal(t, 50, stat.HealthScore)
	require.True(t, stat.CoolingDown)
	require.NotNil(t, stat.CooldownUntil)

	for i := 0; i < 100; i++ {
		got, ok := p.Select()
		require.True(t, ok)
		require.Equal(t, "good", got)
	}

	clock.Advance(299 * time.Second)
	require.True(t, healthOf(t, p, "bad").CoolingDown)

	clock.Advance(time.Second)
	stat = healthOf(t, p, "bad")
	require.False(t, stat.CoolingDown)
	require.Equal(t, 50, stat.HealthScore)
}

func TestCooldownResetsToThresholdNotFullHealth(t *testing.T) {
	t.Parallel()

	clock := newClock()
	p := New(Config{Endpoints: []string{"a"}, HealthThreshold: 50, CooldownPeriod: time.Minute}, clock, zap.NewNop())
	for i := 0; i < 8; i++ {
		p.RecordFailure("a")
	}
	require.Equal(t, 20, healthOf(t, p, "a").HealthScore)
	_, ok := p.Select()
	require.False(t, ok)

	clock.Advance(time.Minute)
	got, ok := p.Select()
	require.True(t, ok)
	require.Equal(t, "a", got)
	require.Equal(t, 50, healthOf(t, p, "a").HealthScore)
}

func TestFailureWhileCoolingKeepsDeadline(t *testing.T) {
	t.Parallel()

	clock := newClock()
	p := New(Config{Endpoints: []string{"a"}, HealthThreshold: 90, CooldownPeriod: time.Minute}, clock, zap.NewNop())
	p.RecordFailure("a")
	first := *healthOf(t, p, "a").CooldownUntil

	clock.Advance(30 * time.Second)
	p.RecordFailure("a")
	require.Equal(t, first, *healthOf(t, p, "a").CooldownUntil)
}

func TestSelectPicksFromTopHalf(t *testing.T) {
	t.Parallel()

	var seen []int
	p := New(Config{Endpoints: []string{"a", "b", "c", "d"}, HealthThreshold: 10}, newClock(), zap.NewNop(),
		WithRandom(func(n int) int {
			seen = append(seen, n)
			return n - 1
		}))
	p.RecordFailure("a")
	p.RecordFailure("b")
	p.RecordFailure("b")

	got, ok := p.Select()
	require.True(t, ok)
	require.Equal(t, []int{2}, seen)
	require.Equal(t, "d", got, "c and d share the top health; stable order keeps d second")
}

func TestStatsOrderedByHealth(t *testing.T) {
	t.Parallel()

	p := New(Config{Endpoints: []string{"c", "b", "a"}, HealthThreshold: 10}, newClock(), zap.NewNop())
	p.RecordFailure("c")

	stats := p.Stats()
	require.Len(t, stats, 3)
	require.Equal(t, []string{"a", "b", "c"}, []string{stats[0].Endpoint, stats[1].Endpoint, stats[2].Endpoint})
	require.Equal(t, float64(0), stats[2].SuccessRate)
}

func TestConcurrentUpdates(t *testing.T) {
	t.Parallel()

	p := New(Config{Endpoints: []string{"a", "b"}, HealthThreshold: 50, CooldownPeriod: time.Minute}, newClock(), zap.NewNop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if endpoint, ok := p.Select(); ok {
				if i%2 == 0 {
					p.RecordFailure(endpoint)
				} else {
					p.RecordSuccess(endpoint)
				}
			}
		}(i)
	}
	wg.Wait()
	for _, s := range p.Stats() {
		require.GreaterOrEqual(t, s.HealthScore, 0)
		require.LessOrEqual(t, s.HealthScore, 100)
	}
}
