// Package query executes single requests against the transport with caching,
// deduplication, timeouts and exponential backoff retry.
package query

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/mycolab/labdb/internal/cache"
	"github.com/mycolab/labdb/internal/dedup"
	"github.com/mycolab/labdb/internal/errors"
	"github.com/mycolab/labdb/internal/metrics"
	"github.com/mycolab/labdb/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Priority is an informational scheduling hint recorded with each query
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Config holds executor defaults
type Config struct {
	CacheTTL    time.Duration `mapstructure:"cache_ttl"`
	Deduplicate bool          `mapstructure:"deduplicate"`
	RetryCount  int           `mapstructure:"retry_count"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// RateLimit caps attempts per second against the transport; 0 disables it
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

// DefaultConfig returns the default executor configuration
func DefaultConfig() Config {
	return Config{
		CacheTTL:    5 * time.Minute,
		Deduplicate: true,
		RetryCount:  3,
		RetryDelay:  time.Second,
		Timeout:     30 * time.Second,
		RateBurst:   10,
	}
}

// Options tunes one Execute call
type Options struct {
	CacheTTL    time.Duration
	Deduplicate bool
	RetryCount  int
	RetryDelay  time.Duration
	Timeout     time.Duration
	Priority    Priority
}

// Option modifies Options
type Option func(*Options)

// WithCacheTTL sets the cache TTL; 0 disables caching for the call
func WithCacheTTL(ttl time.Duration) Option {
	return func(o *Options) { o.CacheTTL = ttl }
}

// WithDeduplicate enables or disables deduplication
func WithDeduplicate(enabled bool) Option {
	return func(o *Options) { o.Deduplicate = enabled }
}

// WithRetry sets the retry count and base delay
func WithRetry(count int, delay time.Duration) Option {
	return func(o *Options) {
		o.RetryCount = count
		o.RetryDelay = delay
	}
}

// WithTimeout sets the per-attempt timeout
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithPriority sets the priority hint
func WithPriority(p Priority) Option {
	return func(o *Options) { o.Priority = p }
}

// Operation is a request against the transport
type Operation func(ctx context.Context, t transport.Transport) (interface{}, error)

// Timing breaks down one Execute call
type Timing struct {
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration"`
	Retries  int           `json:"retries"`
}

// Result is the outcome of one Execute call
type Result struct {
	Data   interface{}        `json:"data"`
	Err    *errors.QueryError `json:"error,omitempty"`
	Cached bool               `json:"cached"`
	Timing Timing             `json:"timing"`
}

// Success reports whether the call produced data without error
func (r Result) Success() bool {
	return r.Err == nil
}

// Executor runs operations against a transport
type Executor struct {
	cfg       Config
	transport transport.Transport
	cache     *cache.Cache
	dedup     *dedup.Deduplicator
	limiter   *rate.Limiter
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

// NewExecutor creates a new executor. t may be nil, in which case every
// uncached call fails with NO_TRANSPORT.
func NewExecutor(cfg Config, t transport.Transport, c *cache.Cache, d *dedup.Deduplicator, logger *zap.Logger, m *metrics.Metrics) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Executor{
		cfg:       cfg,
		transport: t,
		cache:     c,
		dedup:     d,
		logger:    logger,
		metrics:   m,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return e
}

// Transport returns the configured transport, possibly nil
func (e *Executor) Transport() transport.Transport {
	return e.transport
}

// DefaultOptions returns the per-call options derived from the configuration
func (e *Executor) DefaultOptions() Options {
	return Options{
		CacheTTL:    e.cfg.CacheTTL,
		Deduplicate: e.cfg.Deduplicate,
		RetryCount:  e.cfg.RetryCount,
		RetryDelay:  e.cfg.RetryDelay,
		Timeout:     e.cfg.Timeout,
		Priority:    PriorityNormal,
	}
}

type outcome struct {
	data    interface{}
	retries int
	err     *errors.QueryError
}

// Execute runs op. A cache hit returns without touching the transport; otherwise the
// operation runs with timeout and retry, shared with identical concurrent calls when
// deduplication is on. Failures are returned in Result.Err, never as a panic.
func (e *Executor) Execute(ctx context.Context, op Operation, cacheKey string, opts ...Option) Result {
	o := e.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	useCache := cacheKey != "" && o.CacheTTL > 0 && e.cache != nil

	if useCache {
		if v, ok := e.cache.Get(cacheKey); ok {
			e.metrics.RecordQuery("cached", string(o.Priority), 0, 0)
			return Result{
				Data:   v,
				Cached: true,
				Timing: Timing{Start: start, End: start},
			}
		}
	}

	if e.transport == nil {
		end := time.Now()
		e.metrics.RecordQuery("error", string(o.Priority), 0, end.Sub(start))
		return Result{
			Err:    errors.NoTransport(),
			Timing: Timing{Start: start, End: end, Duration: end.Sub(start)},
		}
	}

	run := func(ctx context.Context) outcome {
		out := e.withRetry(ctx, op, o)
		if out.err == nil && useCache && out.data != nil {
			e.cache.Set(cacheKey, out.data, o.CacheTTL)
		}
		return out
	}

	var out outcome
	if o.Deduplicate && e.dedup != nil {
		key := cacheKey
		if key == "" {
			key = "anon:" + uuid.NewString()
		}
		v, err := e.dedup.Execute(ctx, key, func(ctx context.Context) (interface{}, error) {
			return run(ctx), nil
		})
		if err != nil {
			out = outcome{err: errors.Classify(err)}
		} else {
			out = v.(outcome)
		}
	} else {
		out = run(ctx)
	}

	end := time.Now()
	res := Result{
		Data: out.data,
		Err:  out.err,
		Timing: Timing{
			Start:    start,
			End:      end,
			Duration: end.Sub(start),
			Retries:  out.retries,
		},
	}

	label := "success"
	if out.err != nil {
		label = "error"
		e.logger.Warn("Query failed",
			zap.String("cache_key", cacheKey),
			zap.String("code", string(out.err.Code)),
			zap.Int("retries", out.retries),
			zap.Error(out.err))
	}
	e.metrics.RecordQuery(label, string(o.Priority), out.retries, res.Timing.Duration)
	return res
}

// maxRetryBackoff bounds the wait between two attempts.
const maxRetryBackoff = time.Minute

// retryBackoff returns delay*2^(attempt-1), capped at maxRetryBackoff.
func retryBackoff(delay time.Duration, attempt int) time.Duration {
	if delay <= 0 || attempt < 1 {
		return 0
	}
	backoff := delay
	for i := 1; i < attempt && backoff < maxRetryBackoff; i++ {
		backoff *= 2
	}
	if backoff > maxRetryBackoff {
		return maxRetryBackoff
	}
	return backoff
}

// withRetry attempts op up to RetryCount+1 times, backing off RetryDelay*2^(n-1)
// between attempts while the error stays retryable.
func (e *Executor) withRetry(ctx context.Context, op Operation, o Options) outcome {
	var lastErr *errors.QueryError
	retries := 0

	for attempt := 0; attempt <= o.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return outcome{retries: retries, err: errors.Classify(ctx.Err())}
			case <-time.After(retryBackoff(o.RetryDelay, attempt)):
			}
			retries++
		}

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return outcome{retries: retries, err: errors.NewQueryError(errors.CodeRateLimited, "rate limiter wait failed", true, err)}
			}
		}

		data, err := e.attempt(ctx, op, o.Timeout)
		if err == nil {
			return outcome{data: data, retries: retries}
		}

		lastErr = errors.Classify(err)
		if !lastErr.Retryable || attempt == o.RetryCount || ctx.Err() != nil {
			break
		}

		e.logger.Warn("Query attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.String("code", string(lastErr.Code)),
			zap.Error(err))
	}

	return outcome{retries: retries, err: lastErr}
}

type attemptResult struct {
	data interface{}
	err  error
}

// attempt races op against the timeout. A timed out operation keeps running in the
// background; its result is discarded.
func (e *Executor) attempt(ctx context.Context, op Operation, timeout time.Duration) (interface{}, error) {
	actx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("Query operation panic recovered", zap.Any("panic", r))
				done <- attemptResult{err: errors.NewQueryError(errors.CodeUnknown, "operation panicked", false, nil).
					WithDetail("panic", r)}
			}
		}()
		data, err := op(actx, e.transport)
		done <- attemptResult{data: data, err: err}
	}()

	select {
	case r := <-done:
		return r.data, r.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Timeout(timeout)
	}
}
