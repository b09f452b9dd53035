// Package connection tracks backend reachability with a heartbeat probe and
// reconnects with exponential backoff.
package connection

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mycolab/labdb/internal/errors"
	"github.com/mycolab/labdb/internal/metrics"
	"github.com/mycolab/labdb/internal/transport"
	"github.com/mycolab/labdb/internal/util/observer"
	"go.uber.org/zap"
)

// State is the connection state
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// Config holds connection monitor configuration
type Config struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ProbeTable           string        `mapstructure:"probe_table"`
	ProbeTimeout         time.Duration `mapstructure:"probe_timeout"`
	AutoReconnect        bool          `mapstructure:"auto_reconnect"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	ReconnectBaseDelay   time.Duration `mapstructure:"reconnect_base_delay"`
	ReconnectMultiplier  float64       `mapstructure:"reconnect_multiplier"`
	MaxReconnectDelay    time.Duration `mapstructure:"max_reconnect_delay"`
}

// DefaultConfig returns the default connection monitor configuration
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		ProbeTable:           "_health_check",
		ProbeTimeout:         10 * time.Second,
		AutoReconnect:        true,
		MaxReconnectAttempts: 5,
		ReconnectBaseDelay:   time.Second,
		ReconnectMultiplier:  2,
		MaxReconnectDelay:    60 * time.Second,
	}
}

// Health is a snapshot of the connection state
type Health struct {
	State             State         `json:"state"`
	LastConnected     time.Time     `json:"last_connected,omitempty"`
	LastError         string        `json:"last_error,omitempty"`
	ReconnectAttempts int           `json:"reconnect_attempts"`
	Latency           time.Duration `json:"latency"`
	Online            bool          `json:"online"`
}

// StateChange is delivered to state observers
type StateChange struct {
	From   State
	To     State
	Health Health
}

// Monitor probes the transport and maintains the connection Health
type Monitor struct {
	cfg       Config
	transport transport.Transport
	signals   transport.Signals
	logger    *zap.Logger
	metrics   *metrics.Metrics
	observers *observer.List[StateChange]

	checking atomic.Bool

	mu             sync.Mutex
	health         Health
	exhausted      bool
	reconnectTimer *time.Timer
	ctx            context.Context
	cancel         context.CancelFunc
	stopSignals    func()
	running        bool
}

// NewMonitor creates a new connection monitor. t and signals may be nil.
func NewMonitor(cfg Config, t transport.Transport, signals transport.Signals, logger *zap.Logger, m *metrics.Metrics) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.ProbeTable == "" {
		cfg.ProbeTable = def.ProbeTable
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.ReconnectBaseDelay <= 0 {
		cfg.ReconnectBaseDelay = def.ReconnectBaseDelay
	}
	if cfg.ReconnectMultiplier < 1 {
		cfg.ReconnectMultiplier = def.ReconnectMultiplier
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = def.MaxReconnectDelay
	}

	return &Monitor{
		cfg:       cfg,
		transport: t,
		signals:   signals,
		logger:    logger,
		metrics:   m,
		observers: observer.NewList[StateChange]("connection state observer", logger),
		health:    Health{State: StateDisconnected, Online: true},
		ctx:       context.Background(),
	}
}

// Start runs an immediate probe followed by the heartbeat and starts listening to
// network signals. Without a transport the monitor stays disconnected.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	runCtx := m.ctx
	if m.signals != nil {
		m.stopSignals = m.signals.Listen(m.handleSignal)
	}
	m.mu.Unlock()

	if m.transport == nil {
		m.logger.Warn("Connection monitor started without transport")
		return
	}

	m.transition(func(h *Health) { h.State = StateConnecting })
	go m.heartbeat(runCtx)
}

// Stop halts the heartbeat, pending reconnects and signal listening
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	m.cancel()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.stopSignals != nil {
		m.stopSignals()
		m.stopSignals = nil
	}
}

// Health returns a snapshot of the current health
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.health
}

// State returns the current state
func (m *Monitor) State() State {
	return m.Health().State
}

// IsConnected reports whether the last probe succeeded
func (m *Monitor) IsConnected() bool {
	return m.State() == StateConnected
}

// OnStateChange registers fn for state transitions and returns a function removing it.
// Observers run synchronously on the goroutine causing the transition.
func (m *Monitor) OnStateChange(fn func(StateChange)) func() {
	return m.observers.Add(fn)
}

// CheckConnection probes the backend once. A concurrent call returns the last known
// state instead of probing again.
func (m *Monitor) CheckConnection(ctx context.Context) State {
	if m.transport == nil {
		return m.State()
	}
	if !m.checking.CompareAndSwap(false, true) {
		return m.State()
	}
	defer m.checking.Store(false)

	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	start := time.Now()
	_, err := m.transport.Select(pctx, transport.SelectQuery{
		Table:   m.cfg.ProbeTable,
		Columns: "*",
		Limit:   1,
	})
	latency := time.Since(start)
	m.metrics.RecordProbe(latency)

	// A missing probe table still proves the backend answered
	if err == nil || errors.IsNotFoundResource(err) {
		m.onProbeSuccess(latency)
		return StateConnected
	}

	m.onProbeFailure(errors.Classify(err))
	return m.State()
}

func (m *Monitor) onProbeSuccess(latency time.Duration) {
	m.mu.Lock()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.exhausted = false
	m.mu.Unlock()

	m.transition(func(h *Health) {
		h.State = StateConnected
		h.LastConnected = time.Now()
		h.LastError = ""
		h.ReconnectAttempts = 0
		h.Latency = latency
	})
}

func (m *Monitor) onProbeFailure(err *errors.QueryError) {
	m.logger.Warn("Connection probe failed",
		zap.String("code", string(err.Code)),
		zap.Error(err))

	m.transition(func(h *Health) {
		h.State = StateError
		h.LastError = err.Error()
	})

	if m.cfg.AutoReconnect {
		m.scheduleReconnect()
	}
}

// reconnectDelay returns min(base * multiplier^(attempt-1), max)
func (m *Monitor) reconnectDelay(attempt int) time.Duration {
	d := float64(m.cfg.ReconnectBaseDelay) * math.Pow(m.cfg.ReconnectMultiplier, float64(attempt-1))
	if d > float64(m.cfg.MaxReconnectDelay) {
		return m.cfg.MaxReconnectDelay
	}
	return time.Duration(d)
}

func (m *Monitor) scheduleReconnect() {
	m.mu.Lock()
	if !m.running || m.exhausted || m.reconnectTimer != nil {
		m.mu.Unlock()
		return
	}

	if m.health.ReconnectAttempts >= m.cfg.MaxReconnectAttempts {
		m.exhausted = true
		attempts := m.health.ReconnectAttempts
		m.mu.Unlock()

		m.logger.Error("Reconnect attempts exhausted",
			zap.Int("attempts", attempts))
		m.transition(func(h *Health) { h.State = StateDisconnected })
		return
	}

	m.health.ReconnectAttempts++
	attempt := m.health.ReconnectAttempts
	delay := m.reconnectDelay(attempt)
	ctx := m.ctx
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnectTimer = nil
		m.mu.Unlock()

		m.metrics.RecordReconnectAttempt()
		m.CheckConnection(ctx)
	})
	m.mu.Unlock()

	m.logger.Info("Scheduling reconnect",
		zap.Int("attempt", attempt),
		zap.Duration("delay", delay))
	m.transition(func(h *Health) { h.State = StateReconnecting })
}

func (m *Monitor) heartbeat(ctx context.Context) {
	m.CheckConnection(ctx)

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			skip := m.exhausted || m.reconnectTimer != nil
			m.mu.Unlock()
			if !skip {
				m.CheckConnection(ctx)
			}
		}
	}
}

func (m *Monitor) handleSignal(s transport.Signal) {
	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()

	switch s {
	case transport.SignalOnline:
		m.logger.Info("Network online, resetting reconnect attempts")
		m.mu.Lock()
		m.exhausted = false
		m.health.ReconnectAttempts = 0
		m.health.Online = true
		m.mu.Unlock()
		m.CheckConnection(ctx)

	case transport.SignalOffline:
		m.logger.Warn("Network offline")
		m.mu.Lock()
		if m.reconnectTimer != nil {
			m.reconnectTimer.Stop()
			m.reconnectTimer = nil
		}
		m.mu.Unlock()
		m.transition(func(h *Health) {
			h.Online = false
			h.State = StateDisconnected
		})

	case transport.SignalVisible:
		if m.State() != StateConnected {
			m.CheckConnection(ctx)
		}
	}
}

// transition applies fn to the health under lock and notifies observers when the state changed
func (m *Monitor) transition(fn func(h *Health)) {
	m.mu.Lock()
	from := m.health.State
	fn(&m.health)
	snapshot := m.health
	m.mu.Unlock()

	if from == snapshot.State {
		return
	}

	m.metrics.SetConnectionState(string(snapshot.State))
	m.logger.Info("Connection state changed",
		zap.String("from", string(from)),
		zap.String("to", string(snapshot.State)))
	m.observers.Notify(StateChange{From: from, To: snapshot.State, Health: snapshot})
}
