// Package events provides a small synchronous observer-list emitter.
//
// Emission is fire-and-forget: listeners run inline on the emitting
// goroutine and their return values are ignored. Listeners may be
// attached and detached at any time without affecting each other.
package events

import "sync"

// Listener receives emitted values.
type Listener[T any] func(T)

// Emitter fans a value out to every subscribed listener.
type Emitter[T any] struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]Listener[T]
}

// New creates an empty emitter.
func New[T any]() *Emitter[T] {
	return &Emitter[T]{
		listeners: make(map[int]Listener[T]),
	}
}

// Subscribe registers a listener and returns a function that removes it.
// Unsubscribing is idempotent.
func (e *Emitter[T]) Subscribe(fn Listener[T]) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// Emit calls every registered listener with v. Order is unspecified.
// The listener set is snapshotted first, so a listener may unsubscribe
// itself (or others) during emission.
func (e *Emitter[T]) Emit(v T) {
	e.mu.Lock()
	snapshot := make([]Listener[T], 0, len(e.listeners))
	for _, fn := range e.listeners {
		snapshot = append(snapshot, fn)
	}
	e.mu.Unlock()

	for _, fn := range snapshot {
		fn(v)
	}
}

// Len returns the number of registered listeners.
func (e *Emitter[T]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}
