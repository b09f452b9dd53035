package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the data layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Cache metrics
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheEvictions *prometheus.CounterVec
	CacheEntries   prometheus.Gauge

	// Query metrics
	QueriesTotal   *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	QueryRetries   prometheus.Counter
	DedupShared    prometheus.Counter
	DedupSwept     prometheus.Counter

	// Connection metrics
	ConnectionState   *prometheus.GaugeVec
	ConnectionLatency prometheus.Histogram
	ReconnectAttempts prometheus.Counter

	// Realtime metrics
	RealtimeEvents        *prometheus.CounterVec
	RealtimeCoalesced     prometheus.Counter
	RealtimeSubscriptions prometheus.Gauge
	RealtimeChannels      prometheus.Gauge

	// Batch metrics
	BatchFlushes      *prometheus.CounterVec
	BatchSize         prometheus.Histogram
	BatchFlushLatency prometheus.Histogram
	BatchQueueTimeout prometheus.Counter

	// Loader metrics
	LoadDuration *prometheus.HistogramVec
}

// connectionStates mirrors connection.State values; kept here to avoid an import cycle.
var connectionStates = []string{"disconnected", "connecting", "connected", "reconnecting", "error"}

// NewMetrics creates metrics registered on a fresh registry
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates metrics registered on reg
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "labdb_cache_hits_total",
			Help: "Total number of cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "labdb_cache_misses_total",
			Help: "Total number of cache misses, including expired entries",
		}),
		CacheEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labdb_cache_evictions_total",
				Help: "Total number of cache evictions",
			},
			[]string{"strategy"},
		),
		CacheEntries: factory.NewGauge(prometheus.GaugeOpts{
			Name: "labdb_cache_entries",
			Help: "Current number of cache entries",
		}),

		QueriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labdb_queries_total",
				Help: "Total number of executed queries by outcome",
			},
			[]string{"outcome", "priority"},
		),
		QueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "labdb_query_duration_seconds",
				Help:    "Duration of query execution including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		QueryRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "labdb_query_retries_total",
			Help: "Total number of query retry attempts",
		}),
		DedupShared: factory.NewCounter(prometheus.CounterOpts{
			Name: "labdb_dedup_shared_total",
			Help: "Total number of callers served by an already in-flight request",
		}),
		DedupSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "labdb_dedup_swept_total",
			Help: "Total number of stale in-flight registrations removed by the sweeper",
		}),

		ConnectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "labdb_connection_state",
				Help: "Current connection state (1 for the active state)",
			},
			[]string{"state"},
		),
		ConnectionLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "labdb_connection_probe_seconds",
			Help:    "Round trip latency of connection probes",
			Buckets: prometheus.DefBuckets,
		}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "labdb_reconnect_attempts_total",
			Help: "Total number of reconnect attempts",
		}),

		RealtimeEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labdb_realtime_events_total",
				Help: "Total number of change events received",
			},
			[]string{"table", "event"},
		),
		RealtimeCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Name: "labdb_realtime_coalesced_total",
			Help: "Total number of change events dropped by debouncing",
		}),
		RealtimeSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "labdb_realtime_subscriptions",
			Help: "Current number of realtime subscriptions",
		}),
		RealtimeChannels: factory.NewGauge(prometheus.GaugeOpts{
			Name: "labdb_realtime_channels",
			Help: "Current number of open realtime channels",
		}),

		BatchFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "labdb_batch_groups_total",
				Help: "Total number of executed batch groups by operation kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		BatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "labdb_batch_flush_operations",
			Help:    "Number of operations per flush",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		BatchFlushLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "labdb_batch_flush_duration_seconds",
			Help:    "Duration of batch flushes",
			Buckets: prometheus.DefBuckets,
		}),
		BatchQueueTimeout: factory.NewCounter(prometheus.CounterOpts{
			Name: "labdb_batch_queue_timeouts_total",
			Help: "Total number of operations evicted from the queue after max queue time",
		}),

		LoadDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "labdb_load_duration_seconds",
				Help:    "Duration of entity loader runs",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"success"},
		),
	}
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	if m == nil {
		return
	}
	m.CacheHits.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	if m == nil {
		return
	}
	m.CacheMisses.Inc()
}

// RecordCacheEviction records an eviction for the given strategy
func (m *Metrics) RecordCacheEviction(strategy string) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(strategy).Inc()
}

// SetCacheEntries sets the cache size gauge
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

// RecordQuery records a finished query
func (m *Metrics) RecordQuery(outcome, priority string, retries int, duration time.Duration) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(outcome, priority).Inc()
	m.QueryDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if retries > 0 {
		m.QueryRetries.Add(float64(retries))
	}
}

// RecordDedupShared records a caller joining an in-flight request
func (m *Metrics) RecordDedupShared() {
	if m == nil {
		return
	}
	m.DedupShared.Inc()
}

// RecordDedupSwept records stale registrations removed by the sweeper
func (m *Metrics) RecordDedupSwept(n int) {
	if m == nil || n == 0 {
		return
	}
	m.DedupSwept.Add(float64(n))
}

// SetConnectionState marks state as the active connection state
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

// RecordProbe records a probe round trip
func (m *Metrics) RecordProbe(latency time.Duration) {
	if m == nil {
		return
	}
	m.ConnectionLatency.Observe(latency.Seconds())
}

// RecordReconnectAttempt records a reconnect attempt
func (m *Metrics) RecordReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// RecordRealtimeEvent records a received change event
func (m *Metrics) RecordRealtimeEvent(table, event string) {
	if m == nil {
		return
	}
	m.RealtimeEvents.WithLabelValues(table, event).Inc()
}

// RecordRealtimeCoalesced records an event superseded within the debounce window
func (m *Metrics) RecordRealtimeCoalesced() {
	if m == nil {
		return
	}
	m.RealtimeCoalesced.Inc()
}

// SetRealtimeCounts sets subscription and channel gauges
func (m *Metrics) SetRealtimeCounts(subscriptions, channels int) {
	if m == nil {
		return
	}
	m.RealtimeSubscriptions.Set(float64(subscriptions))
	m.RealtimeChannels.Set(float64(channels))
}

// RecordBatchGroup records one executed group
func (m *Metrics) RecordBatchGroup(kind string, success bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.BatchFlushes.WithLabelValues(kind, outcome).Inc()
}

// RecordBatchFlush records a completed flush
func (m *Metrics) RecordBatchFlush(operations int, duration time.Duration) {
	if m == nil {
		return
	}
	m.BatchSize.Observe(float64(operations))
	m.BatchFlushLatency.Observe(duration.Seconds())
}

// RecordBatchQueueTimeout records an operation evicted from the queue
func (m *Metrics) RecordBatchQueueTimeout() {
	if m == nil {
		return
	}
	m.BatchQueueTimeout.Inc()
}

// RecordLoad records an entity loader run
func (m *Metrics) RecordLoad(success bool, duration time.Duration) {
	if m == nil {
		return
	}
	label := "true"
	if !success {
		label = "false"
	}
	m.LoadDuration.WithLabelValues(label).Observe(duration.Seconds())
}
