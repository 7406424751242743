package services

import (
	"sort"
	"sync"

	"callcore/internal/core/ports"
)

// EventBus is an in-process fan-out with explicit, revocable subscriptions.
// Publish delivers to the handlers registered when it was called, so a
// handler that unsubscribes another one mid-delivery cannot cause a skip.
type EventBus[T any] struct {
	mu       sync.RWMutex
	nextID   ports.SubscriptionID
	handlers map[ports.SubscriptionID]func(T)
}

func NewEventBus[T any]() *EventBus[T] {
	return &EventBus[T]{handlers: make(map[ports.SubscriptionID]func(T))}
}

func (b *EventBus[T]) Subscribe(fn func(T)) ports.SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[b.nextID] = fn
	return b.nextID
}

// Unsubscribe is a no-op for unknown or already revoked ids.
func (b *EventBus[T]) Unsubscribe(id ports.SubscriptionID) {
	b.mu.Lock()
	delete(b.handlers, id)
	b.mu.Unlock()
}

func (b *EventBus[T]) Publish(ev T) {
	for _, fn := range b.snapshot() {
		fn(ev)
	}
}

func (b *EventBus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Clear drops every subscription.
func (b *EventBus[T]) Clear() {
	b.mu.Lock()
	b.handlers = make(map[ports.SubscriptionID]func(T))
	b.mu.Unlock()
}

// snapshot returns handlers in subscription order.
func (b *EventBus[T]) snapshot() []func(T) {
	b.mu.RLock()
	ids := make([]ports.SubscriptionID, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(T), 0, len(ids))
	for _, id := range ids {
		out = append(out, b.handlers[id])
	}
	b.mu.RUnlock()
	return out
}
