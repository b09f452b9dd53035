// Package service composes the data layer components into one DataService
// with an explicit Init/Dispose lifecycle.
package service

import (
	"context"
	"sync"

	"github.com/mycolab/labdb/internal/batch"
	"github.com/mycolab/labdb/internal/cache"
	"github.com/mycolab/labdb/internal/config"
	"github.com/mycolab/labdb/internal/connection"
	"github.com/mycolab/labdb/internal/dedup"
	"github.com/mycolab/labdb/internal/loader"
	"github.com/mycolab/labdb/internal/metrics"
	"github.com/mycolab/labdb/internal/query"
	"github.com/mycolab/labdb/internal/realtime"
	"github.com/mycolab/labdb/internal/transport"
	"go.uber.org/zap"
)

// Publisher republishes change events to other processes
type Publisher interface {
	Publish(ctx context.Context, ev transport.ChangeEvent) error
}

// Deps are the external collaborators of a DataService. Every field may be nil.
type Deps struct {
	Transport transport.Transport
	Feed      transport.ChangeFeed
	Signals   transport.Signals
	// Publisher receives the rows of successful batch writes
	Publisher Publisher
	Metrics   *metrics.Metrics
	// Closers run in reverse order on Dispose, after every component stopped
	Closers []func()
}

// DataService is the single entry point of the data layer
type DataService struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *metrics.Metrics
	transport transport.Transport
	publisher Publisher
	closers   []func()

	cache      *cache.Cache
	dedup      *dedup.Deduplicator
	executor   *query.Executor
	monitor    *connection.Monitor
	dispatcher *realtime.Dispatcher
	writer     *batch.Writer
	loader     *loader.Loader

	mu           sync.Mutex
	initialized  bool
	disposed     bool
	stopJanitor  context.CancelFunc
	removeBatchH func()
}

// New constructs every component. Background work starts with Init.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *DataService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	m := deps.Metrics

	c := cache.New(cfg.Cache, logger.Named("cache"), cache.WithMetrics(m))
	d := dedup.New(cfg.Dedup, logger.Named("dedup"), m)
	e := query.NewExecutor(cfg.Query, deps.Transport, c, d, logger.Named("query"), m)

	s := &DataService{
		cfg:        cfg,
		logger:     logger,
		metrics:    m,
		transport:  deps.Transport,
		publisher:  deps.Publisher,
		closers:    deps.Closers,
		cache:      c,
		dedup:      d,
		executor:   e,
		monitor:    connection.NewMonitor(cfg.Connection, deps.Transport, deps.Signals, logger.Named("connection"), m),
		dispatcher: realtime.NewDispatcher(cfg.Realtime, deps.Feed, logger.Named("realtime"), m),
		writer:     batch.NewWriter(cfg.Batch, deps.Transport, logger.Named("batch"), m),
		loader:     loader.NewLoader(cfg.Loader, e, logger.Named("loader"), m),
	}
	s.removeBatchH = s.writer.OnBatchComplete(s.afterBatch)
	return s
}

// Init starts the connection monitor, the dedup sweep and the cache janitor.
// Calling it again is a no-op.
func (s *DataService) Init(ctx context.Context) {
	s.mu.Lock()
	if s.initialized || s.disposed {
		s.mu.Unlock()
		return
	}
	s.initialized = true
	janitorCtx, cancel := context.WithCancel(context.Background())
	s.stopJanitor = cancel
	s.mu.Unlock()

	s.dedup.Start()
	s.cache.StartJanitor(janitorCtx, s.cfg.Cache.JanitorInterval)
	s.monitor.Start(ctx)

	s.logger.Info("Data service initialized",
		zap.Bool("transport", s.transport != nil),
		zap.String("cache_strategy", string(s.cfg.Cache.Strategy)))
}

// Dispose stops every component, fails queued writes and releases the collaborators
func (s *DataService) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	stopJanitor := s.stopJanitor
	s.mu.Unlock()

	s.removeBatchH()
	s.writer.Dispose()
	s.dispatcher.Close()
	s.monitor.Stop()
	s.dedup.Stop()
	s.dedup.Clear()
	if stopJanitor != nil {
		stopJanitor()
	}
	s.cache.Invalidate("")

	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.logger.Info("Data service disposed")
}

// Execute runs op through the query executor
func (s *DataService) Execute(ctx context.Context, op query.Operation, cacheKey string, opts ...query.Option) query.Result {
	return s.executor.Execute(ctx, op, cacheKey, opts...)
}

// Select runs q cached under its derived key
func (s *DataService) Select(ctx context.Context, q transport.SelectQuery, opts ...query.Option) query.Result {
	return s.executor.Execute(ctx, query.Select(q), query.SelectKey(q), opts...)
}

// Subscribe registers cb for change events on table. filter is an optional row filter
// such as "stage=eq.fruiting".
func (s *DataService) Subscribe(ctx context.Context, table string, event transport.EventType, cb realtime.Callback, filter string) (string, error) {
	return s.dispatcher.Subscribe(ctx, table, event, cb, filter)
}

// Unsubscribe removes one subscription
func (s *DataService) Unsubscribe(id string) bool {
	return s.dispatcher.Unsubscribe(id)
}

// UnsubscribeAll removes every subscription on table, or all of them when table is empty
func (s *DataService) UnsubscribeAll(table string) int {
	return s.dispatcher.UnsubscribeAll(table)
}

// Subscriptions lists the active subscriptions
func (s *DataService) Subscriptions() []realtime.Subscription {
	return s.dispatcher.Subscriptions()
}

// Queue adds a write to the current batch and waits for its result
func (s *DataService) Queue(ctx context.Context, op batch.Operation) batch.Result {
	return s.writer.Queue(ctx, op)
}

// Flush executes every queued write now
func (s *DataService) Flush(ctx context.Context) []batch.Result {
	return s.writer.Flush(ctx)
}

// PendingWrites returns the number of queued writes
func (s *DataService) PendingWrites() int {
	return s.writer.PendingCount()
}

// OnBatchComplete registers fn for every flush's results
func (s *DataService) OnBatchComplete(fn func([]batch.Result)) func() {
	return s.writer.OnBatchComplete(fn)
}

// LoadAll runs a load plan
func (s *DataService) LoadAll(ctx context.Context, plan loader.Plan) *loader.LoadResult {
	return s.loader.LoadAll(ctx, plan)
}

// Health returns a snapshot of the connection health
func (s *DataService) Health() connection.Health {
	return s.monitor.Health()
}

// CheckConnection probes the backend now
func (s *DataService) CheckConnection(ctx context.Context) connection.State {
	return s.monitor.CheckConnection(ctx)
}

// OnStateChange registers fn for connection state transitions
func (s *DataService) OnStateChange(fn func(connection.StateChange)) func() {
	return s.monitor.OnStateChange(fn)
}

// InvalidateCache removes cached results matching pattern, or everything when pattern is empty
func (s *DataService) InvalidateCache(pattern string) int {
	return s.cache.Invalidate(pattern)
}

// InvalidateTable removes every cached select on table
func (s *DataService) InvalidateTable(table string) int {
	return s.cache.Invalidate(query.TablePattern(table))
}

// CacheStats returns the cache statistics
func (s *DataService) CacheStats() cache.Stats {
	return s.cache.Stats()
}

// Metrics returns the metrics the service records to (may be nil)
func (s *DataService) Metrics() *metrics.Metrics {
	return s.metrics
}

// afterBatch drops cached selects of every written table and republishes written rows
func (s *DataService) afterBatch(results []batch.Result) {
	written := make(map[string]bool)
	for _, r := range results {
		if r.Success {
			written[r.Table] = true
		}
	}
	for table := range written {
		if n := s.InvalidateTable(table); n > 0 {
			s.logger.Debug("Invalidated cached selects after write",
				zap.String("table", table),
				zap.Int("count", n))
		}
	}

	if s.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Query.Timeout)
	defer cancel()
	for _, r := range results {
		if !r.Success {
			continue
		}
		for _, ev := range changeEvents(r) {
			if err := s.publisher.Publish(ctx, ev); err != nil {
				s.logger.Warn("Failed to publish change event",
					zap.String("table", ev.Table),
					zap.String("event", string(ev.Type)),
					zap.Error(err))
			}
		}
	}
}

// changeEvents converts the rows returned by a write into change events
func changeEvents(r batch.Result) []transport.ChangeEvent {
	typ := transport.EventUpdate
	switch r.Kind {
	case batch.KindInsert:
		typ = transport.EventInsert
	case batch.KindDelete:
		typ = transport.EventDelete
	}

	events := make([]transport.ChangeEvent, 0, len(r.Data))
	for _, row := range r.Data {
		ev := transport.ChangeEvent{
			Type:            typ,
			Table:           r.Table,
			CommitTimestamp: r.Timing.CompletedAt,
		}
		if typ == transport.EventDelete {
			ev.Old = row
		} else {
			ev.New = row
		}
		events = append(events, ev)
	}
	return events
}
