// Package proxypool rotates requests across a fixed set of proxy endpoints,
// biasing selection toward healthy proxies and benching failing ones for a
// cooldown period.
package proxypool

import (
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
)

const (
	maxHealth      = 100
	successReward  = 1
	failurePenalty = 10
)

// Config controls pool membership and the cooldown policy.
type Config struct {
	Endpoints       []string
	HealthThreshold int
	CooldownPeriod  time.Duration
}

// Stat is a point-in-time view of one proxy.
type Stat struct {
	Endpoint      string     `json:"endpoint"`
	HealthScore   int        `json:"health_score"`
	SuccessCount  uint64     `json:"success_count"`
	FailureCount  uint64     `json:"failure_count"`
	SuccessRate   float64    `json:"success_rate"`
	CoolingDown   bool       `json:"cooling_down"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
}

type proxy struct {
	endpoint      string
	health        int
	successes     uint64
	failures      uint64
	cooldownUntil time.Time
}

func (p *proxy) coolingAt(now time.Time) bool {
	return !p.cooldownUntil.IsZero() && now.Before(p.cooldownUntil)
}

// Pool is safe for concurrent use.
type Pool struct {
	mu        sync.Mutex
	proxies   []*proxy
	byURL     map[string]*proxy
	threshold int
	cooldown  time.Duration
	clock     crawler.Clock
	intn      func(n int) int
	logger    *zap.Logger
}

// Option customizes a Pool.
type Option func(*Pool)

// WithRandom overrides the source used to pick among the top tier.
func WithRandom(intn func(n int) int) Option {
	return func(p *Pool) {
		if intn != nil {
			p.intn = intn
		}
	}
}

// New builds a pool with every endpoint at full health. Blank and duplicate
// endpoints are dropped.
func New(cfg Config, clock crawler.Clock, logger *zap.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := cfg.HealthThreshold
	if threshold <= 0 || threshold > maxHealth {
		threshold = 50
	}
	cooldown := cfg.CooldownPeriod
	if cooldown <= 0 {
		cooldown = 300 * time.Second
	}
	pool := &Pool{
		byURL:     make(map[string]*proxy, len(cfg.Endpoints)),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
		intn:      rand.IntN,
		logger:    logger,
	}
	for _, endpoint := range cfg.Endpoints {
		endpoint = strings.TrimSpace(endpoint)
		if endpoint == "" {
			continue
		}
		if _, dup := pool.byURL[endpoint]; dup {
			continue
		}
		p := &proxy{endpoint: endpoint, health: maxHealth}
		pool.proxies = append(pool.proxies, p)
		pool.byURL[endpoint] = p
	}
	for _, opt := range opts {
		opt(pool)
	}
	if len(pool.proxies) == 0 {
		logger.Warn("proxy pool is empty; every selection will fail")
	}
	return pool
}

// Select returns an available endpoint chosen at random from the healthier
// half of the available proxies. ok is false when every proxy is cooling down.
func (p *Pool) Select() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	p.expireCooldowns(now)

	available := make([]*proxy, 0, len(p.proxies))
	for _, px := range p.proxies {
		if !px.coolingAt(now) {
			available = append(available, px)
		}
	}
	if len(available) == 0 {
		return "", false
	}
	sort.SliceStable(available, func(i, j int) bool {
		return available[i].health > available[j].health
	})
	top := max(1, len(available)/2)
	return available[p.intn(top)].endpoint, true
}

// RecordSuccess credits the endpoint. Unknown endpoints are ignored.
func (p *Pool) RecordSuccess(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	px, ok := p.byURL[endpoint]
	if !ok {
		return
	}
	px.successes++
	px.health = min(maxHealth, px.health+successReward)
}

// RecordFailure penalizes the endpoint and benches it once its health falls
// to the threshold. A proxy already cooling down keeps its original deadline.
func (p *Pool) RecordFailure(endpoint string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	px, ok := p.byURL[endpoint]
	if !ok {
		return
	}
	px.failures++
	px.health = max(0, px.health-failurePenalty)

	now := p.clock.Now()
	if px.health <= p.threshold && !px.coolingAt(now) {
		px.cooldownUntil = now.Add(p.cooldown)
		p.logger.Warn("proxy cooling down",
			zap.String("proxy", endpoint),
			zap.Int("health", px.health),
			zap.Duration("cooldown", p.cooldown),
		)
	}
}

// Stats returns every proxy ordered by health, healthiest first.
func (p *Pool) Stats() []Stat {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	p.expireCooldowns(now)

	stats := make([]Stat, 0, len(p.proxies))
	for _, px := range p.proxies {
		stat := Stat{
			Endpoint:     px.endpoint,
			HealthScore:  px.health,
			SuccessCount: px.successes,
			FailureCount: px.failures,
			SuccessRate:  successRate(px.successes, px.failures),
		}
		if px.coolingAt(now) {
			until := px.cooldownUntil
			stat.CoolingDown = true
			stat.CooldownUntil = &until
		}
		stats = append(stats, stat)
	}
	sort.SliceStable(stats, func(i, j int) bool {
		if stats[i].HealthScore != stats[j].HealthScore {
			return stats[i].HealthScore > stats[j].HealthScore
		}
		return stats[i].Endpoint < stats[j].Endpoint
	})
	return stats
}

// expireCooldowns must be called with mu held.
func (p *Pool) expireCooldowns(now time.Time) {
	for _, px := range p.proxies {
		if px.cooldownUntil.IsZero() || now.Before(px.cooldownUntil) {
			continue
		}
		px.cooldownUntil = time.Time{}
		px.health = p.threshold
		p.logger.Info("proxy back in rotation",
			zap.String("proxy", px.endpoint),
			zap.Int("health", px.health),
		)
	}
}

func successRate(successes, failures uint64) float64 {
	total := successes + failures
	if total == 0 {
		return 100
	}
	return float64(successes) / float64(total) * 100
}
