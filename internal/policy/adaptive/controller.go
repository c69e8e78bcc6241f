package adaptive

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
)

// Config bounds the controller.
type Config struct {
	InitialLimit   int
	MinLimit       int
	MaxLimit       int
	HistoryWindow  time.Duration
	AdjustInterval time.Duration
	DecreaseAbove  float64
	IncreaseBelow  float64
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		InitialLimit:   5,
		MinLimit:       1,
		MaxLimit:       50,
		HistoryWindow:  60 * time.Second,
		AdjustInterval: 10 * time.Second,
		DecreaseAbove:  10,
		IncreaseBelow:  2,
	}
}

type outcome struct {
	at      time.Time
	failure bool
}

// Controller owns the gate and resizes it from the failure rate observed over
// a trailing window.
type Controller struct {
	gate   *Gate
	cfg    Config
	clock  crawler.Clock
	logger *zap.Logger

	mu      sync.Mutex
	history []outcome
}

// NewController validates cfg against defaults and builds a controller.
func NewController(cfg Config, clock crawler.Clock, logger *zap.Logger) *Controller {
	def := DefaultConfig()
	if cfg.MinLimit <= 0 {
		cfg.MinLimit = def.MinLimit
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = def.MaxLimit
	}
	if cfg.MaxLimit < cfg.MinLimit {
		cfg.MaxLimit = cfg.MinLimit
	}
	if cfg.InitialLimit <= 0 {
		cfg.InitialLimit = def.InitialLimit
	}
	cfg.InitialLimit = min(cfg.MaxLimit, max(cfg.MinLimit, cfg.InitialLimit))
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.AdjustInterval <= 0 {
		cfg.AdjustInterval = def.AdjustInterval
	}
	if cfg.DecreaseAbove <= 0 {
		cfg.DecreaseAbove = def.DecreaseAbove
	}
	if cfg.IncreaseBelow <= 0 {
		cfg.IncreaseBelow = def.IncreaseBelow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		gate:   NewGate(cfg.InitialLimit),
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
}

// Acquire blocks for a concurrency slot.
func (c *Controller) Acquire(ctx context.Context) error {
	return c.gate.Acquire(ctx)
}

// Release returns a concurrency slot.
func (c *Controller) Release() {
	c.gate.Release()
}

// Limit returns the current concurrency limit.
func (c *Controller) Limit() int {
	return c.gate.Limit()
}

// InUse returns the number of held slots.
func (c *Controller) InUse() int {
	return c.gate.InUse()
}

// RecordSuccess appends a successful outcome.
func (c *Controller) RecordSuccess() {
	c.record(false)
}

// RecordFailure appends a failed outcome (transport error or block).
func (c *Controller) RecordFailure() {
	c.record(true)
}

func (c *Controller) record(failure bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = append(c.history, outcome{at: now, failure: failure})
	c.pruneLocked(now)
}

// FailureRate returns the percentage of failures in the window, 0 when empty.
func (c *Controller) FailureRate() float64 {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(now)
	if len(c.history) == 0 {
		return 0
	}
	failures := 0
	for _, o := range c.history {
		if o.failure {
			failures++
		}
	}
	return float64(failures*100) / float64(len(c.history))
}

// pruneLocked drops events older than the window; callers hold mu.
func (c *Controller) pruneLocked(now time.Time) {
	cutoff := now.Add(-c.cfg.HistoryWindow)
	drop := 0
	for drop < len(c.history) && c.history[drop].at.Before(cutoff) {
		drop++
	}
	if drop > 0 {
		c.history = append(c.history[:0], c.history[drop:]...)
	}
}

// Adjust performs one control step and returns the resulting limit.
func (c *Controller) Adjust() int {
	rate := c.FailureRate()
	limit := c.gate.Limit()
	switch {
	case rate > c.cfg.DecreaseAbove && limit > c.cfg.MinLimit:
		limit--
		c.gate.SetLimit(limit)
		c.logger.Warn("high failure rate, reducing concurrency",
			zap.Float64("failure_rate", rate), zap.Int("limit", limit))
	case rate < c.cfg.IncreaseBelow && limit < c.cfg.MaxLimit:
		limit++
		c.gate.SetLimit(limit)
		c.logger.Info("low failure rate, increasing concurrency",
			zap.Float64("failure_rate", rate), zap.Int("limit", limit))
	default:
		c.logger.Debug("failure rate stable",
			zap.Float64("failure_rate", rate), zap.Int("limit", limit))
	}
	return limit
}

// Run adjusts the limit every AdjustInterval until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.AdjustInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Adjust()
		}
	}
}
