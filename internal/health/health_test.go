package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/mycolab/labdb/internal/connection"
	"github.com/mycolab/labdb/internal/util/observer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeSource struct {
	mu        sync.Mutex
	state     connection.State
	onCheck   connection.State
	checks    int
	observers *observer.List[connection.StateChange]
}

func newFakeSource(state connection.State) *fakeSource {
	return &fakeSource{
		state:     state,
		onCheck:   state,
		observers: observer.NewList[connection.StateChange]("test", nil),
	}
}

func (f *fakeSource) Health() connection.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return connection.Health{State: f.state, Online: true}
}

func (f *fakeSource) CheckConnection(ctx context.Context) connection.State {
	f.mu.Lock()
	f.checks++
	f.mu.Unlock()
	f.move(f.onCheck)
	return f.onCheck
}

func (f *fakeSource) OnStateChange(fn func(connection.StateChange)) func() {
	return f.observers.Add(fn)
}

func (f *fakeSource) move(to connection.State) {
	f.mu.Lock()
	from := f.state
	f.state = to
	f.mu.Unlock()
	if from != to {
		f.observers.Notify(connection.StateChange{From: from, To: to})
	}
}

func TestLivenessHandler(t *testing.T) {
	h := NewHealthChecker(newFakeSource(connection.StateError), nil)
	rec := httptest.NewRecorder()
	h.LivenessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "alive", status.Status)
}

func TestReadinessHandler(t *testing.T) {
	src := newFakeSource(connection.StateConnected)
	h := NewHealthChecker(src, nil)

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, src.checks)

	src.move(connection.StateError)
	src.onCheck = connection.StateError
	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 1, src.checks)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&status))
	assert.Equal(t, "not_ready", status.Status)
	require.NotNil(t, status.Health)
	assert.Equal(t, connection.StateError, status.Health.State)
}

func TestReadinessHandler_FreshProbeRecovers(t *testing.T) {
	src := newFakeSource(connection.StateReconnecting)
	src.onCheck = connection.StateConnected
	h := NewHealthChecker(src, nil)

	rec := httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGRPCBridge(t *testing.T) {
	src := newFakeSource(connection.StateConnecting)
	b := NewGRPCBridge(src)

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := b.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceName))

	src.move(connection.StateConnected)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(ServiceName))

	src.move(connection.StateDisconnected)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceName))

	b.Close()
	src.move(connection.StateConnected)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(ServiceName))
}
