// Package batch coalesces write operations into grouped bulk requests while
// reporting a result for every individual operation.
package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mycolab/labdb/internal/errors"
	"github.com/mycolab/labdb/internal/metrics"
	"github.com/mycolab/labdb/internal/transport"
	"github.com/mycolab/labdb/internal/util/observer"
	"go.uber.org/zap"
)

// Kind is the write operation kind
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindUpsert Kind = "upsert"
	KindDelete Kind = "delete"
)

// Config holds batch writer configuration
type Config struct {
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
	MaxBatchSize       int           `mapstructure:"max_batch_size"`
	MaxQueueTime       time.Duration `mapstructure:"max_queue_time"`
	StaleCheckInterval time.Duration `mapstructure:"stale_check_interval"`
}

// DefaultConfig returns the default batch writer configuration
func DefaultConfig() Config {
	return Config{
		FlushInterval:      100 * time.Millisecond,
		MaxBatchSize:       50,
		MaxQueueTime:       5 * time.Second,
		StaleCheckInterval: time.Second,
	}
}

// Operation is one queued write
type Operation struct {
	Table string
	Kind  Kind
	// Rows is the payload of insert and upsert operations
	Rows []transport.Row
	// Values is the payload of update operations
	Values transport.Row
	// Filters select the rows of update and delete operations
	Filters []transport.Filter
	Options transport.WriteOptions
}

// Validate checks the operation is well formed
func (op Operation) Validate() error {
	if op.Table == "" {
		return fmt.Errorf("operation has no table")
	}
	switch op.Kind {
	case KindInsert, KindUpsert:
		if len(op.Rows) == 0 {
			return fmt.Errorf("%s into %s has no rows", op.Kind, op.Table)
		}
	case KindUpdate:
		if len(op.Values) == 0 || len(op.Filters) == 0 {
			return fmt.Errorf("update of %s needs values and filters", op.Table)
		}
	case KindDelete:
		if len(op.Filters) == 0 {
			return fmt.Errorf("delete from %s needs filters", op.Table)
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return nil
}

// Timing records the lifecycle of one operation
type Timing struct {
	QueuedAt    time.Time `json:"queued_at"`
	ExecutedAt  time.Time `json:"executed_at,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Result is the outcome of one queued operation
type Result struct {
	OperationID string             `json:"operation_id"`
	Table       string             `json:"table"`
	Kind        Kind               `json:"kind"`
	Success     bool               `json:"success"`
	Data        []transport.Row    `json:"data,omitempty"`
	Err         *errors.QueryError `json:"error,omitempty"`
	Timing      Timing             `json:"timing"`
}

type opState int

const (
	stateQueued opState = iota
	stateExecuting
	stateDone
)

type queued struct {
	id       string
	op       Operation
	queuedAt time.Time
	state    opState
	result   chan Result
}

// Writer accumulates operations and flushes them in groups
type Writer struct {
	cfg       Config
	transport transport.Transport
	logger    *zap.Logger
	metrics   *metrics.Metrics
	observers *observer.List[[]Result]

	flushing atomic.Bool

	mu       sync.Mutex
	queue    []*queued
	timer    *time.Timer
	stopCh   chan struct{}
	disposed bool
}

// NewWriter creates a new batch writer and starts its stale operation checker
func NewWriter(cfg Config, t transport.Transport, logger *zap.Logger, m *metrics.Metrics) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxQueueTime <= 0 {
		cfg.MaxQueueTime = def.MaxQueueTime
	}
	if cfg.StaleCheckInterval <= 0 {
		cfg.StaleCheckInterval = def.StaleCheckInterval
	}

	w := &Writer{
		cfg:       cfg,
		transport: t,
		logger:    logger,
		metrics:   m,
		observers: observer.NewList[[]Result]("batch complete callback", logger),
		stopCh:    make(chan struct{}),
	}
	go w.staleChecker()
	return w
}

// Queue adds op to the batch and blocks until its own result is available. An
// operation still queued after MaxQueueTime is removed and fails with QUEUE_TIMEOUT.
func (w *Writer) Queue(ctx context.Context, op Operation) Result {
	q := &queued{
		id:       uuid.NewString(),
		op:       op,
		queuedAt: time.Now(),
		result:   make(chan Result, 1),
	}

	if err := op.Validate(); err != nil {
		return q.fail(errors.InvalidArgument(err.Error(), nil))
	}
	if w.transport == nil {
		return q.fail(errors.NoTransport())
	}

	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return q.fail(errors.BatchDisposed(q.id))
	}
	w.queue = append(w.queue, q)
	full := len(w.queue) >= w.cfg.MaxBatchSize
	if !full && w.timer == nil {
		w.timer = time.AfterFunc(w.cfg.FlushInterval, w.flushFromTimer)
	}
	w.mu.Unlock()

	if full {
		go w.Flush(context.Background())
	}

	deadline := time.NewTimer(w.cfg.MaxQueueTime)
	defer deadline.Stop()

	select {
	case r := <-q.result:
		return r
	case <-deadline.C:
		return w.evict(q, errors.QueueTimeout(q.id, w.cfg.MaxQueueTime))
	case <-ctx.Done():
		return w.evict(q, errors.Classify(ctx.Err()))
	}
}

// evict removes q from the queue if it has not started executing; otherwise it waits
// for the running flush to report q's result.
func (w *Writer) evict(q *queued, qe *errors.QueryError) Result {
	w.mu.Lock()
	if q.state != stateQueued {
		w.mu.Unlock()
		return <-q.result
	}
	q.state = stateDone
	for i, other := range w.queue {
		if other == q {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			break
		}
	}
	w.mu.Unlock()

	if qe.Code == errors.CodeQueueTimeout {
		w.metrics.RecordBatchQueueTimeout()
	}
	w.logger.Warn("Operation evicted from batch queue",
		zap.String("operation_id", q.id),
		zap.String("table", q.op.Table),
		zap.String("code", string(qe.Code)))
	return q.fail(qe)
}

func (q *queued) fail(qe *errors.QueryError) Result {
	return Result{
		OperationID: q.id,
		Table:       q.op.Table,
		Kind:        q.op.Kind,
		Err:         qe,
		Timing:      Timing{QueuedAt: q.queuedAt, CompletedAt: time.Now()},
	}
}

func (w *Writer) flushFromTimer() {
	w.mu.Lock()
	w.timer = nil
	w.mu.Unlock()
	w.Flush(context.Background())
}

type group struct {
	table string
	kind  Kind
	ops   []*queued
}

// Flush executes every queued operation, grouped by table and kind, and returns the
// results. A flush already in progress makes this call a no-op returning nil.
func (w *Writer) Flush(ctx context.Context) []Result {
	if !w.flushing.CompareAndSwap(false, true) {
		return nil
	}
	// The flag is cleared before rescheduling so a refill flush can win the guard
	defer w.rescheduleRemaining()
	defer w.flushing.Store(false)

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	ops := w.queue
	w.queue = nil
	for _, q := range ops {
		q.state = stateExecuting
	}
	w.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}

	start := time.Now()
	var groups []*group
	index := make(map[string]*group)
	for _, q := range ops {
		key := q.op.Table + "|" + string(q.op.Kind)
		g, ok := index[key]
		if !ok {
			g = &group{table: q.op.Table, kind: q.op.Kind}
			index[key] = g
			groups = append(groups, g)
		}
		g.ops = append(g.ops, q)
	}

	results := make([]Result, 0, len(ops))
	order := make([]*queued, 0, len(ops))
	for _, g := range groups {
		results = append(results, w.executeGroup(ctx, g)...)
		order = append(order, g.ops...)
	}

	w.mu.Lock()
	for _, q := range ops {
		q.state = stateDone
	}
	w.mu.Unlock()

	w.metrics.RecordBatchFlush(len(ops), time.Since(start))
	w.logger.Debug("Flushed batch",
		zap.Int("operations", len(ops)),
		zap.Int("groups", len(groups)),
		zap.Duration("duration", time.Since(start)))

	w.observers.Notify(results)
	for i, q := range order {
		q.result <- results[i]
	}
	return results
}

// rescheduleRemaining arms the flush timer for operations queued during a flush
func (w *Writer) rescheduleRemaining() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 || w.disposed {
		return
	}
	if len(w.queue) >= w.cfg.MaxBatchSize {
		go w.Flush(context.Background())
		return
	}
	if w.timer == nil {
		w.timer = time.AfterFunc(w.cfg.FlushInterval, w.flushFromTimer)
	}
}

func (w *Writer) executeGroup(ctx context.Context, g *group) []Result {
	executedAt := time.Now()

	switch g.kind {
	case KindInsert, KindUpsert:
		var rows []transport.Row
		for _, q := range g.ops {
			rows = append(rows, q.op.Rows...)
		}
		data, err := w.call(func() ([]transport.Row, error) {
			if g.kind == KindInsert {
				return w.transport.Insert(ctx, g.table, rows, g.ops[0].op.Options)
			}
			return w.transport.Upsert(ctx, g.table, rows, g.ops[0].op.Options)
		})
		w.metrics.RecordBatchGroup(string(g.kind), err == nil)
		if err != nil {
			w.logger.Error("Batch group failed",
				zap.String("table", g.table),
				zap.String("kind", string(g.kind)),
				zap.Int("operations", len(g.ops)),
				zap.Error(err))
		}

		// Returned rows are attributed per operation when the backend returned one row per input row
		split := err == nil && len(data) == len(rows)
		results := make([]Result, 0, len(g.ops))
		offset := 0
		for _, q := range g.ops {
			var own []transport.Row
			if split {
				own = data[offset : offset+len(q.op.Rows)]
			} else if err == nil {
				own = data
			}
			offset += len(q.op.Rows)
			results = append(results, w.complete(q, executedAt, own, err))
		}
		return results

	default:
		results := make([]Result, 0, len(g.ops))
		allOK := true
		for _, q := range g.ops {
			op := q.op
			data, err := w.call(func() ([]transport.Row, error) {
				if g.kind == KindUpdate {
					return w.transport.Update(ctx, op.Table, op.Values, op.Filters)
				}
				return w.transport.Delete(ctx, op.Table, op.Filters)
			})
			if err != nil {
				allOK = false
				w.logger.Error("Batch operation failed",
					zap.String("operation_id", q.id),
					zap.String("table", op.Table),
					zap.String("kind", string(op.Kind)),
					zap.Error(err))
			}
			results = append(results, w.complete(q, executedAt, data, err))
		}
		w.metrics.RecordBatchGroup(string(g.kind), allOK)
		return results
	}
}

// call runs fn with panic recovery and classifies its error
func (w *Writer) call(fn func() ([]transport.Row, error)) (rows []transport.Row, qe *errors.QueryError) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Batch transport panic recovered", zap.Any("panic", r))
			rows, qe = nil, errors.NewQueryError(errors.CodeUnknown, fmt.Sprintf("transport panicked: %v", r), false, nil)
		}
	}()

	rows, err := fn()
	if err != nil {
		return nil, errors.Classify(err)
	}
	return rows, nil
}

func (w *Writer) complete(q *queued, executedAt time.Time, data []transport.Row, qe *errors.QueryError) Result {
	return Result{
		OperationID: q.id,
		Table:       q.op.Table,
		Kind:        q.op.Kind,
		Success:     qe == nil,
		Data:        data,
		Err:         qe,
		Timing: Timing{
			QueuedAt:    q.queuedAt,
			ExecutedAt:  executedAt,
			CompletedAt: time.Now(),
		},
	}
}

// PendingCount returns the number of operations waiting for a flush
func (w *Writer) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// OnBatchComplete registers fn to receive every flush's results and returns a function removing it
func (w *Writer) OnBatchComplete(fn func([]Result)) func() {
	return w.observers.Add(fn)
}

func (w *Writer) staleChecker() {
	ticker := time.NewTicker(w.cfg.StaleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			if w.hasStale() {
				w.logger.Debug("Forcing flush of stale batch operations")
				w.Flush(context.Background())
			}
		}
	}
}

func (w *Writer) hasStale() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	cutoff := time.Now().Add(-w.cfg.MaxQueueTime)
	for _, q := range w.queue {
		if q.queuedAt.Before(cutoff) {
			return true
		}
	}
	return false
}

// Dispose stops the writer's timers and fails every queued operation with BATCH_DISPOSED
func (w *Writer) Dispose() {
	w.mu.Lock()
	if w.disposed {
		w.mu.Unlock()
		return
	}
	w.disposed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	ops := w.queue
	w.queue = nil
	for _, q := range ops {
		q.state = stateDone
	}
	close(w.stopCh)
	w.mu.Unlock()

	for _, q := range ops {
		q.result <- q.fail(errors.BatchDisposed(q.id))
	}
	w.observers.Clear()

	if len(ops) > 0 {
		w.logger.Warn("Batch writer disposed with queued operations", zap.Int("operations", len(ops)))
	}
}
