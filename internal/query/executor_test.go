package query

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mycolab/labdb/internal/cache"
	"github.com/mycolab/labdb/internal/dedup"
	"github.com/mycolab/labdb/internal/errors"
	"github.com/mycolab/labdb/internal/metrics"
	"github.com/mycolab/labdb/internal/transport"
	"github.com/mycolab/labdb/internal/transport/memory"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestExecutor(t transport.Transport, m *metrics.Metrics) (*Executor, *cache.Cache) {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.Timeout = time.Second
	c := cache.New(cache.DefaultConfig(), zap.NewNop())
	d := dedup.New(dedup.DefaultConfig(), zap.NewNop(), m)
	return NewExecutor(cfg, t, c, d, zap.NewNop(), m), c
}

// failing returns an operation failing with err for the first n calls
func failing(n int32, err error, calls *atomic.Int32) Operation {
	return func(ctx context.Context, _ transport.Transport) (interface{}, error) {
		if calls.Add(1) <= n {
			return nil, err
		}
		return "ok", nil
	}
}

func TestExecute_RetryableErrorThenSuccess(t *testing.T) {
	m := metrics.NewMetrics()
	e, _ := newTestExecutor(memory.NewTransport(), m)
	var calls atomic.Int32

	res := e.Execute(context.Background(),
		failing(3, &pgconn.PgError{Code: "40001", Message: "could not serialize access"}, &calls),
		"", WithRetry(3, time.Millisecond))

	require.True(t, res.Success())
	assert.Equal(t, "ok", res.Data)
	assert.Equal(t, 3, res.Timing.Retries)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueryRetries))
}

func TestExecute_RetriesExhausted(t *testing.T) {
	e, _ := newTestExecutor(memory.NewTransport(), nil)
	var calls atomic.Int32

	res := e.Execute(context.Background(),
		failing(100, stderrors.New("dial tcp: connection refused"), &calls),
		"", WithRetry(2, time.Millisecond))

	require.False(t, res.Success())
	assert.Equal(t, errors.CodeNetwork, res.Err.Code)
	assert.Equal(t, 2, res.Timing.Retries)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetryBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryBackoff(0, 3))
	assert.Equal(t, 100*time.Millisecond, retryBackoff(100*time.Millisecond, 1))
	assert.Equal(t, 400*time.Millisecond, retryBackoff(100*time.Millisecond, 3))
	assert.Equal(t, maxRetryBackoff, retryBackoff(time.Second, 7))

	// Shift counts past the width of a Duration stay capped
	assert.Equal(t, maxRetryBackoff, retryBackoff(time.Millisecond, 64))
	assert.Equal(t, maxRetryBackoff, retryBackoff(time.Millisecond, 1000))
	assert.Equal(t, maxRetryBackoff, retryBackoff(time.Duration(1<<62), 2))
}

func TestExecute_NonRetryableFailsFast(t *testing.T) {
	e, c := newTestExecutor(memory.NewTransport(), nil)
	var calls atomic.Int32

	res := e.Execute(context.Background(),
		failing(100, &pgconn.PgError{Code: "23505", Message: "duplicate key value"}, &calls),
		"select:cultures")

	require.False(t, res.Success())
	assert.Equal(t, errors.Code("23505"), res.Err.Code)
	assert.False(t, res.Err.Retryable)
	assert.Equal(t, 0, res.Timing.Retries)
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, c.Has("select:cultures"))
}

func TestExecute_CacheHitSkipsOperation(t *testing.T) {
	e, c := newTestExecutor(memory.NewTransport(), nil)
	c.Set("select:grows", []string{"cached"}, time.Minute)

	called := false
	res := e.Execute(context.Background(), func(context.Context, transport.Transport) (interface{}, error) {
		called = true
		return nil, nil
	}, "select:grows")

	assert.False(t, called)
	assert.True(t, res.Cached)
	assert.Equal(t, []string{"cached"}, res.Data)
	assert.Equal(t, time.Duration(0), res.Timing.Duration)
}

func TestExecute_PopulatesCacheOnSuccess(t *testing.T) {
	tr := memory.NewTransport()
	tr.Seed("recipes", transport.Row{"name": "Malt agar"})
	e, c := newTestExecutor(tr, nil)

	q := transport.SelectQuery{Table: "recipes"}
	key := SelectKey(q)

	first := e.Execute(context.Background(), Select(q), key)
	require.True(t, first.Success())
	assert.False(t, first.Cached)
	assert.True(t, c.Has(key))

	second := e.Execute(context.Background(), Select(q), key)
	assert.True(t, second.Cached)
	assert.Equal(t, 1, tr.CallCount("select", "recipes"))

	// A zero TTL bypasses the cache entirely
	third := e.Execute(context.Background(), Select(q), key, WithCacheTTL(0))
	assert.False(t, third.Cached)
	assert.Equal(t, 2, tr.CallCount("select", "recipes"))
}

func TestExecute_NilDataIsNotCached(t *testing.T) {
	e, c := newTestExecutor(memory.NewTransport(), nil)
	res := e.Execute(context.Background(), func(context.Context, transport.Transport) (interface{}, error) {
		return nil, nil
	}, "select:empty")

	assert.True(t, res.Success())
	assert.False(t, c.Has("select:empty"))
}

func TestExecute_NoTransport(t *testing.T) {
	e, _ := newTestExecutor(nil, nil)
	res := e.Execute(context.Background(), Select(transport.SelectQuery{Table: "x"}), "select:x")

	require.False(t, res.Success())
	assert.Equal(t, errors.CodeNoTransport, res.Err.Code)
	assert.False(t, res.Err.Retryable)
}

func TestExecute_Timeout(t *testing.T) {
	e, _ := newTestExecutor(memory.NewTransport(), nil)
	var calls atomic.Int32

	res := e.Execute(context.Background(), func(ctx context.Context, _ transport.Transport) (interface{}, error) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
		return "late", nil
	}, "", WithTimeout(10*time.Millisecond), WithRetry(1, time.Millisecond))

	require.False(t, res.Success())
	assert.Equal(t, errors.CodeTimeout, res.Err.Code)
	assert.True(t, res.Err.Retryable)
	assert.Equal(t, 1, res.Timing.Retries)
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecute_DeduplicatesConcurrentCalls(t *testing.T) {
	e, _ := newTestExecutor(memory.NewTransport(), nil)
	var calls atomic.Int32
	release := make(chan struct{})

	op := func(ctx context.Context, _ transport.Transport) (interface{}, error) {
		calls.Add(1)
		<-release
		return []int{1, 2, 3}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.Execute(context.Background(), op, "select:locations")
		}(i)
	}

	require.Eventually(t, func() bool { return e.dedup.Refs("select:locations") == n }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		assert.True(t, r.Success())
		assert.Equal(t, []int{1, 2, 3}, r.Data)
	}
}

func TestExecute_WithoutDeduplication(t *testing.T) {
	e, _ := newTestExecutor(memory.NewTransport(), nil)
	var calls atomic.Int32
	op := func(context.Context, transport.Transport) (interface{}, error) {
		calls.Add(1)
		return nil, nil
	}

	e.Execute(context.Background(), op, "", WithDeduplicate(false))
	e.Execute(context.Background(), op, "", WithDeduplicate(false))
	assert.Equal(t, int32(2), calls.Load())
}

func TestExecute_PanicIsReturnedAsError(t *testing.T) {
	e, _ := newTestExecutor(memory.NewTransport(), nil)
	res := e.Execute(context.Background(), func(context.Context, transport.Transport) (interface{}, error) {
		panic("nil row")
	}, "", WithDeduplicate(false))

	require.False(t, res.Success())
	assert.Equal(t, errors.CodeUnknown, res.Err.Code)
	assert.Equal(t, 0, res.Timing.Retries)
}

func TestExecute_RateLimited(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimit = 1000
	cfg.RateBurst = 1
	e := NewExecutor(cfg, memory.NewTransport(), nil, nil, nil, nil)
	require.NotNil(t, e.limiter)

	for i := 0; i < 3; i++ {
		res := e.Execute(context.Background(), func(context.Context, transport.Transport) (interface{}, error) {
			return i, nil
		}, "")
		assert.True(t, res.Success())
	}
}
