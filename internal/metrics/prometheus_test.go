package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics

	// Just verify it doesn't panic
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheEviction("lru")
	m.RecordQuery("success", "normal", 2, time.Millisecond)
	m.SetConnectionState("connected")
	m.RecordBatchFlush(3, time.Millisecond)
	m.RecordLoad(true, time.Second)
	assert.Nil(t, m.Registry())
}

func TestMetrics_CacheCounters(t *testing.T) {
	m := NewMetrics()

	m.RecordCacheHit()
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheEviction("lfu")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheEvictions.WithLabelValues("lfu")))
}

func TestMetrics_ConnectionStateIsExclusive(t *testing.T) {
	m := NewMetrics()

	m.SetConnectionState("connecting")
	m.SetConnectionState("connected")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("connecting")))
}

func TestMetrics_QueryRetries(t *testing.T) {
	m := NewMetrics()

	m.RecordQuery("success", "high", 3, 10*time.Millisecond)
	m.RecordQuery("failure", "high", 0, 10*time.Millisecond)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.QueryRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("failure", "high")))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Two instances must not collide on registration
	a := NewMetrics()
	b := NewMetrics()
	assert.NotSame(t, a.Registry(), b.Registry())
}
