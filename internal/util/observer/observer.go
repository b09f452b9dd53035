// Package observer provides panic-isolated callback lists.
package observer

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// SafeCall runs fn with panic recovery. A panic is logged and returned as an error.
func SafeCall(logger *zap.Logger, name string, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", name, r)
			logger.Error("Callback panic recovered",
				zap.String("callback", name),
				zap.Any("panic", r))
		}
	}()

	fn()
	return nil
}

// List is a set of callbacks notified in registration order.
// One failing callback never prevents the others from running.
type List[T any] struct {
	name   string
	logger *zap.Logger

	mu     sync.RWMutex
	nextID uint64
	ids    []uint64
	fns    map[uint64]func(T)
}

// NewList creates an empty observer list
func NewList[T any](name string, logger *zap.Logger) *List[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &List[T]{
		name:   name,
		logger: logger,
		fns:    make(map[uint64]func(T)),
	}
}

// Add registers fn and returns a function removing it
func (l *List[T]) Add(fn func(T)) (remove func()) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.ids = append(l.ids, id)
	l.fns[id] = fn
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.fns, id)
			for i, v := range l.ids {
				if v == id {
					l.ids = append(l.ids[:i], l.ids[i+1:]...)
					break
				}
			}
		})
	}
}

// Len returns the number of registered callbacks
func (l *List[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.fns)
}

// Notify calls every registered callback with v on the caller's goroutine
func (l *List[T]) Notify(v T) {
	l.mu.RLock()
	fns := make([]func(T), 0, len(l.ids))
	for _, id := range l.ids {
		fns = append(fns, l.fns[id])
	}
	l.mu.RUnlock()

	for _, fn := range fns {
		_ = SafeCall(l.logger, l.name, func() { fn(v) })
	}
}

// Clear removes every callback
func (l *List[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ids = nil
	l.fns = make(map[uint64]func(T))
}
