// Package dedup collapses concurrent identical requests into one shared execution.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mycolab/labdb/internal/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

// Config holds deduplicator configuration
type Config struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
}

// DefaultConfig returns the default deduplicator configuration
func DefaultConfig() Config {
	return Config{
		SweepInterval: 60 * time.Second,
		StaleAfter:    30 * time.Second,
	}
}

// Operation is the shared unit of work
type Operation func(ctx context.Context) (interface{}, error)

type pending struct {
	done      chan struct{}
	val       interface{}
	err       error
	startedAt time.Time
	refs      atomic.Int32
}

// Deduplicator ensures at most one concurrent execution per key
type Deduplicator struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	pending *xsync.MapOf[string, *pending]

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// New creates a new deduplicator. Call Start to run the stale sweep.
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Deduplicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	return &Deduplicator{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		pending: xsync.NewMapOf[string, *pending](),
	}
}

// Start launches the background sweep of stale registrations
func (d *Deduplicator) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.running = true
	d.stopCh = make(chan struct{})
	go d.sweepLoop(d.stopCh)
}

// Stop halts the background sweep
func (d *Deduplicator) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	close(d.stopCh)
}

// Execute runs op under key unless an execution for key is already in flight, in which
// case the caller waits for and receives that execution's outcome. The operation runs
// detached from the caller's cancellation; ctx only bounds how long this caller waits.
func (d *Deduplicator) Execute(ctx context.Context, key string, op Operation) (interface{}, error) {
	p, loaded := d.pending.LoadOrCompute(key, func() *pending {
		return &pending{done: make(chan struct{}), startedAt: time.Now()}
	})
	p.refs.Add(1)

	if loaded {
		d.metrics.RecordDedupShared()
		d.logger.Debug("Joined in-flight request",
			zap.String("key", key),
			zap.Int32("refs", p.refs.Load()))
	} else {
		go d.run(context.WithoutCancel(ctx), key, p, op)
	}

	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Deduplicator) run(ctx context.Context, key string, p *pending, op Operation) {
	defer func() {
		if r := recover(); r != nil {
			p.val, p.err = nil, fmt.Errorf("operation panicked: %v", r)
			d.logger.Error("Deduplicated operation panic recovered",
				zap.String("key", key),
				zap.Any("panic", r))
		}
		d.release(key, p)
		close(p.done)
	}()

	p.val, p.err = op(ctx)
}

// release drops the registration for key if it still belongs to p
func (d *Deduplicator) release(key string, p *pending) {
	d.pending.Compute(key, func(cur *pending, loaded bool) (*pending, bool) {
		return cur, !loaded || cur == p
	})
}

// IsPending reports whether an execution for key is in flight
func (d *Deduplicator) IsPending(key string) bool {
	_, ok := d.pending.Load(key)
	return ok
}

// PendingCount returns the number of in-flight keys
func (d *Deduplicator) PendingCount() int {
	return d.pending.Size()
}

// PendingKeys returns the in-flight keys
func (d *Deduplicator) PendingKeys() []string {
	keys := make([]string, 0, d.pending.Size())
	d.pending.Range(func(k string, _ *pending) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Refs returns how many callers have requested key's in-flight execution
func (d *Deduplicator) Refs(key string) int {
	p, ok := d.pending.Load(key)
	if !ok {
		return 0
	}
	return int(p.refs.Load())
}

// Cancel stops tracking key. The in-flight execution keeps running and its
// current waiters still receive its outcome.
func (d *Deduplicator) Cancel(key string) bool {
	_, ok := d.pending.LoadAndDelete(key)
	return ok
}

// Clear stops tracking every key
func (d *Deduplicator) Clear() {
	d.pending.Clear()
}

// Sweep removes registrations older than the stale threshold and returns how many were removed
func (d *Deduplicator) Sweep() int {
	cutoff := time.Now().Add(-d.cfg.StaleAfter)
	var stale []string
	d.pending.Range(func(k string, p *pending) bool {
		if p.startedAt.Before(cutoff) {
			stale = append(stale, k)
		}
		return true
	})

	removed := 0
	for _, k := range stale {
		deleted := false
		d.pending.Compute(k, func(cur *pending, loaded bool) (*pending, bool) {
			deleted = loaded && cur.startedAt.Before(cutoff)
			return cur, !loaded || deleted
		})
		if deleted {
			removed++
			d.logger.Warn("Dropped stale in-flight request",
				zap.String("key", k),
				zap.Duration("stale_after", d.cfg.StaleAfter))
		}
	}
	d.metrics.RecordDedupSwept(removed)
	return removed
}

func (d *Deduplicator) sweepLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			d.Sweep()
		}
	}
}
