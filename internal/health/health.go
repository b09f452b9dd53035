// Package health exposes the connection health over HTTP probes and the
// standard gRPC health service.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/mycolab/labdb/internal/connection"
	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported next to the overall status
const ServiceName = "labdb"

// Source reports connection health
type Source interface {
	Health() connection.Health
	CheckConnection(ctx context.Context) connection.State
	OnStateChange(fn func(connection.StateChange)) func()
}

// HealthChecker provides health check endpoints
type HealthChecker struct {
	source       Source
	logger       *zap.Logger
	checkTimeout time.Duration
}

// HealthStatus represents the health status response
type HealthStatus struct {
	Status    string             `json:"status"`
	Timestamp int64              `json:"timestamp"`
	Health    *connection.Health `json:"connection,omitempty"`
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(source Source, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{source: source, logger: logger, checkTimeout: 5 * time.Second}
}

// LivenessHandler handles liveness probe requests
func (h *HealthChecker) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().Unix(),
	})
}

// ReadinessHandler handles readiness probe requests. When the last known state is not
// connected a fresh probe decides.
func (h *HealthChecker) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	if h.source.Health().State != connection.StateConnected {
		ctx, cancel := context.WithTimeout(r.Context(), h.checkTimeout)
		h.source.CheckConnection(ctx)
		cancel()
	}

	snapshot := h.source.Health()
	status := HealthStatus{
		Timestamp: time.Now().Unix(),
		Health:    &snapshot,
	}

	if snapshot.State == connection.StateConnected {
		status.Status = "ready"
		writeStatus(w, http.StatusOK, status)
		return
	}

	h.logger.Warn("Readiness check failed",
		zap.String("state", string(snapshot.State)),
		zap.String("last_error", snapshot.LastError))
	status.Status = "not_ready"
	writeStatus(w, http.StatusServiceUnavailable, status)
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// GRPCBridge mirrors the connection state into a gRPC health server
type GRPCBridge struct {
	server *health.Server
	remove func()
}

// NewGRPCBridge creates a health server tracking source. Connected maps to SERVING,
// every other state to NOT_SERVING.
func NewGRPCBridge(source Source) *GRPCBridge {
	b := &GRPCBridge{server: health.NewServer()}
	b.set(source.Health().State)
	b.remove = source.OnStateChange(func(c connection.StateChange) {
		b.set(c.To)
	})
	return b
}

// Server returns the gRPC health server to register
func (b *GRPCBridge) Server() *health.Server {
	return b.server
}

// Close stops tracking and reports NOT_SERVING from then on
func (b *GRPCBridge) Close() {
	b.remove()
	b.server.Shutdown()
}

func (b *GRPCBridge) set(state connection.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == connection.StateConnected {
		status = healthpb.HealthCheckResponse_SERVING
	}
	b.server.SetServingStatus("", status)
	b.server.SetServingStatus(ServiceName, status)
}
