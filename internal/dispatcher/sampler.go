package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/metrics"
	"github.com/JakeFAU/harvester/internal/proxypool"
)

// ProxyStats exposes per-proxy health.
type ProxyStats interface {
	Stats() []proxypool.Stat
}

// RateStats exposes the controller's state.
type RateStats interface {
	Limit() int
	InUse() int
	FailureRate() float64
}

// Sampler copies queue, proxy and controller state into gauges.
type Sampler struct {
	queue    crawler.WorkQueue
	proxies  ProxyStats
	rate     RateStats
	interval time.Duration
	logger   *zap.Logger
}

// NewSampler builds a Sampler. proxies may be nil in direct mode.
func NewSampler(queue crawler.WorkQueue, proxies ProxyStats, rate RateStats, interval time.Duration, logger *zap.Logger) *Sampler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sampler{queue: queue, proxies: proxies, rate: rate, interval: interval, logger: logger}
}

// Sample records one snapshot.
func (s *Sampler) Sample(ctx context.Context) {
	depths, err := s.queue.Depths(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("queue depth sample failed", zap.Error(err))
		}
	} else {
		metrics.SetQueueDepths(depths.Pending, depths.InFlight, depths.Dead)
	}
	if s.proxies != nil {
		for _, st := range s.proxies.Stats() {
			metrics.SetProxyHealth(st.Endpoint, st.HealthScore, st.CoolingDown)
		}
	}
	if s.rate != nil {
		metrics.SetConcurrency(s.rate.Limit(), s.rate.InUse())
		metrics.SetFailureRate(s.rate.FailureRate())
	}
}

// Run samples on every tick until ctx is done.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample(ctx)
		}
	}
}
