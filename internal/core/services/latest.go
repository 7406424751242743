package services

import "sync/atomic"

// Latest is a shared cell that long-lived callbacks read at invocation time
// instead of capturing a value when they are registered.
type Latest[T any] struct {
	p atomic.Pointer[T]
}

func (l *Latest[T]) Store(v T) {
	l.p.Store(&v)
}

// Load returns the current value, or the zero value and false if unset.
func (l *Latest[T]) Load() (T, bool) {
	p := l.p.Load()
	if p == nil {
		var zero T
		return zero, false
	}
	return *p, true
}

func (l *Latest[T]) Clear() {
	l.p.Store(nil)
}
