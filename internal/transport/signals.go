package transport

import "sync"

// Signal is a host environment event relevant to connectivity
type Signal string

const (
	SignalOnline  Signal = "online"
	SignalOffline Signal = "offline"
	SignalVisible Signal = "visible"
	SignalHidden  Signal = "hidden"
)

// Signals delivers network availability and visibility changes
type Signals interface {
	// Listen registers fn and returns a function that removes it
	Listen(fn func(Signal)) (stop func())
}

// ManualSignals is a Signals source driven by explicit Emit calls
// (process signals, tests, embedding hosts).
type ManualSignals struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]func(Signal)
}

// NewManualSignals creates an empty signal source
func NewManualSignals() *ManualSignals {
	return &ManualSignals{listeners: make(map[int]func(Signal))}
}

// Listen implements Signals
func (m *ManualSignals) Listen(fn func(Signal)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Emit delivers s to every listener synchronously
func (m *ManualSignals) Emit(s Signal) {
	m.mu.RLock()
	fns := make([]func(Signal), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	for _, fn := range fns {
		fn(s)
	}
}
