package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mycolab/labdb/internal/batch"
	"github.com/mycolab/labdb/internal/config"
	"github.com/mycolab/labdb/internal/connection"
	"github.com/mycolab/labdb/internal/errors"
	"github.com/mycolab/labdb/internal/health"
	"github.com/mycolab/labdb/internal/loader"
	"github.com/mycolab/labdb/internal/metrics"
	"github.com/mycolab/labdb/internal/service"
	"github.com/mycolab/labdb/internal/transport"
	"github.com/mycolab/labdb/internal/transport/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	server    *Server
	svc       *service.DataService
	transport *memory.Transport
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Transport.Kind = config.TransportMemory
	cfg.Transport.Feed = config.FeedMemory
	cfg.Batch.FlushInterval = time.Hour
	cfg.Metrics.Enabled = true
	if mutate != nil {
		mutate(cfg)
	}

	feed := memory.NewFeed()
	tr := memory.NewTransport(memory.WithFeed(feed))
	tr.Seed("species", transport.Row{"id": int64(1), "name": "Pleurotus ostreatus"})
	tr.Seed("strains", transport.Row{"id": int64(7), "species_id": int64(1)})

	m := metrics.NewMetrics()
	svc := service.New(cfg, service.Deps{Transport: tr, Feed: feed, Metrics: m}, nil)
	t.Cleanup(svc.Dispose)

	srv := NewServer(cfg.Server, cfg.Metrics, svc, health.NewHealthChecker(svc, nil), m, nil)
	return &fixture{server: srv, svc: svc, transport: tr}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthAndRequestID(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, connection.StateConnected, f.svc.Health().State)
}

func TestServer_Connection(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/v1/connection/check", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var h connection.Health
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&h))
	assert.Equal(t, connection.StateConnected, h.State)

	f.transport.SetHook(func(ctx context.Context, op, table string) error {
		return context.DeadlineExceeded
	})
	rec = f.do(http.MethodPost, "/v1/connection/check", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(http.MethodGet, "/v1/connection", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&h))
	assert.NotEqual(t, connection.StateConnected, h.State)
}

func TestServer_CacheStatsAndInvalidate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.True(t, f.svc.Select(ctx, transport.SelectQuery{Table: "species"}).Success())
	require.True(t, f.svc.Select(ctx, transport.SelectQuery{Table: "strains"}).Success())

	rec := f.do(http.MethodGet, "/v1/cache/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats struct {
		Size int `json:"size"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.Equal(t, 2, stats.Size)

	rec = f.do(http.MethodDelete, "/v1/cache?table=species", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var inv InvalidateResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&inv))
	assert.Equal(t, 1, inv.Removed)

	rec = f.do(http.MethodDelete, "/v1/cache", "")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&inv))
	assert.Equal(t, 1, inv.Removed)
	assert.Equal(t, 0, f.svc.CacheStats().Size)
}

func TestServer_Load(t *testing.T) {
	f := newFixture(t, nil)

	plan := `
tables:
  - name: strains
  - name: species
    required: true
`
	rec := f.do(http.MethodPost, "/v1/load", plan)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res loader.LoadResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.True(t, res.Success)
	assert.Equal(t, []string{"species", "strains"}, res.Order)
	assert.Len(t, res.Tables["species"].Data, 1)
}

func TestServer_LoadRequiredFailure(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Query.RetryCount = 0
	})
	f.transport.SetHook(func(ctx context.Context, op, table string) error {
		if table == "species" {
			return context.DeadlineExceeded
		}
		return nil
	})

	rec := f.do(http.MethodPost, "/v1/load", `{"tables":[{"name":"species","required":true}]}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	var res loader.LoadResult
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "species", res.Errors[0].Table)
	assert.Equal(t, errors.CodeTimeout, res.Errors[0].Err.Code)
}

func TestServer_LoadInvalidPlan(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(http.MethodPost, "/v1/load", `tables: []`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var e ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	assert.Equal(t, "INVALID_REQUEST", e.ErrorCode)
	assert.NotEmpty(t, e.RequestID)
}

func TestServer_Flush(t *testing.T) {
	f := newFixture(t, nil)

	done := make(chan batch.Result, 1)
	go func() {
		done <- f.svc.Queue(context.Background(), batch.Operation{
			Table: "harvests",
			Kind:  batch.KindInsert,
			Rows:  []transport.Row{{"weight_g": 420}},
		})
	}()
	require.Eventually(t, func() bool { return f.svc.PendingWrites() == 1 }, time.Second, time.Millisecond)

	rec := f.do(http.MethodGet, "/v1/writes", "")
	var pending PendingResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&pending))
	assert.Equal(t, 1, pending.Pending)

	rec = f.do(http.MethodPost, "/v1/flush", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var flushed FlushResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&flushed))
	assert.Equal(t, 1, flushed.Flushed)
	assert.True(t, (<-done).Success)

	rec = f.do(http.MethodPost, "/v1/flush", "")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&flushed))
	assert.Equal(t, 0, flushed.Flushed)
}

func TestServer_Subscriptions(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Subscribe(context.Background(), "grows", transport.EventAll, func(transport.ChangeEvent) {}, "")
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/v1/subscriptions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var subs []map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&subs))
	require.Len(t, subs, 1)
	assert.Equal(t, "grows", subs[0]["table"])
}

func TestServer_Metrics(t *testing.T) {
	f := newFixture(t, nil)
	require.True(t, f.svc.Select(context.Background(), transport.SelectQuery{Table: "species"}).Success())

	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "labdb_")
}

func TestServer_NotFoundAndMethod(t *testing.T) {
	f := newFixture(t, nil)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/v1/nope", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/v1/flush", "").Code)

	rec := f.do(http.MethodPut, "/v1/cache", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	var e ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	assert.Equal(t, "INVALID_REQUEST", e.ErrorCode)
}

func TestRateLimiter(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = 1
		cfg.Server.RateBurst = 1
	})

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/health/live", "").Code)
	rec := f.do(http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestRecovery(t *testing.T) {
	h := Recovery(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var e ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&e))
	assert.Equal(t, "INTERNAL_ERROR", e.ErrorCode)
}
