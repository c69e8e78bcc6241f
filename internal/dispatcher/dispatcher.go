// Package dispatcher admits claimed URLs to workers under the adaptive
// concurrency gate and runs the background supervisors.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/worker"
)

// Admission hands out processing slots.
type Admission interface {
	Acquire(ctx context.Context) error
	Release()
}

// Processor handles one claimed URL.
type Processor interface {
	Process(ctx context.Context, url string) (worker.Result, error)
}

// Config controls polling and reclamation cadence.
type Config struct {
	PollInterval    time.Duration
	StaleTimeout    time.Duration
	ReclaimInterval time.Duration
}

// Supervisor is a background loop that runs until ctx is done.
type Supervisor func(ctx context.Context)

// Dispatcher claims URLs and fans them out to goroutines bounded by the gate.
type Dispatcher struct {
	queue       crawler.WorkQueue
	gate        Admission
	proc        Processor
	cfg         Config
	logger      *zap.Logger
	supervisors map[string]Supervisor
	wake        chan struct{}
}

// New creates a Dispatcher.
func New(queue crawler.WorkQueue, gate Admission, proc Processor, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = 10 * time.Minute
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:       queue,
		gate:        gate,
		proc:        proc,
		cfg:         cfg,
		logger:      logger,
		supervisors: make(map[string]Supervisor),
		wake:        make(chan struct{}, 1),
	}
}

// AddSupervisor registers a loop started by Run. Call before Run.
func (d *Dispatcher) AddSupervisor(name string, fn Supervisor) {
	d.supervisors[name] = fn
}

// Run starts the supervisors and the admission loop, and blocks until ctx is
// done and every in-progress item has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var supervisors sync.WaitGroup
	d.AddSupervisor("reclaimer", d.runReclaimer)
	for name, fn := range d.supervisors {
		supervisors.Add(1)
		go func(name string, fn Supervisor) {
			defer supervisors.Done()
			d.logger.Debug("supervisor started", zap.String("supervisor", name))
			fn(ctx)
		}(name, fn)
	}

	d.admit(ctx)
	supervisors.Wait()
	d.logger.Info("dispatcher stopped")
}

// admit acquires a slot before claiming so a claimed URL never waits for
// capacity while its claim ages.
func (d *Dispatcher) admit(ctx context.Context) {
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		if err := d.gate.Acquire(ctx); err != nil {
			return
		}
		target, ok, err := d.queue.Claim(ctx)
		if err != nil {
			d.gate.Release()
			if ctx.Err() != nil {
				return
			}
			d.logger.Error("claim failed", zap.Error(err))
			d.idle(ctx)
			continue
		}
		if !ok {
			d.gate.Release()
			d.idle(ctx)
			continue
		}

		inflight.Add(1)
		go func(target string) {
			defer inflight.Done()
			defer d.gate.Release()
			result, err := d.proc.Process(ctx, target)
			if err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Debug("item not completed",
					zap.String("url", target),
					zap.String("result", string(result)),
					zap.Error(err),
				)
			}
		}(target)
	}
}

// idle waits for the poll interval, a wake-up from Enqueue, or ctx.
func (d *Dispatcher) idle(ctx context.Context) {
	timer := time.NewTimer(d.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-d.wake:
	case <-timer.C:
	}
}

// Enqueue adds URLs to the queue and wakes an idle admission loop.
func (d *Dispatcher) Enqueue(ctx context.Context, urls []string) (int, error) {
	added, err := d.queue.Enqueue(ctx, urls)
	if err != nil {
		return 0, fmt.Errorf("queue enqueue: %w", err)
	}
	if added > 0 {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
	return added, nil
}

// Reclaim returns in-flight items older than the stale timeout to pending.
func (d *Dispatcher) Reclaim(ctx context.Context) ([]string, error) {
	urls, err := d.queue.ReclaimStale(ctx, d.cfg.StaleTimeout)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale: %w", err)
	}
	if len(urls) > 0 {
		d.logger.Warn("reclaimed stale items", zap.Int("count", len(urls)))
	}
	return urls, nil
}

func (d *Dispatcher) runReclaimer(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Reclaim(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("reclaim failed", zap.Error(err))
			}
		}
	}
}
