// Package cache provides a keyed async cache with single-flight
// creation: the value factory runs at most once per normalized key, no
// matter how many callers ask for it concurrently.
package cache

import (
	"context"
	"log/slog"
	"sync"
)

// Factory produces the value for a key. It is invoked at most once per
// key per cache lifetime (until the key is invalidated).
type Factory[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Normalizer canonicalizes keys so that superficially different but
// logically identical keys collide. A nil normalizer is the identity.
type Normalizer[K comparable] func(K) K

// Disposer is implemented by cached values that need teardown when the
// cache releases them.
type Disposer interface {
	Dispose() error
}

// entry is a memoized in-flight-or-settled factory call. Its done
// channel closes exactly once, after val/err are set.
type entry[V any] struct {
	done chan struct{}
	val  V
	err  error
}

func (e *entry[V]) wait(ctx context.Context) (V, error) {
	select {
	case <-e.done:
		return e.val, e.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}

// Cache maps normalized keys to lazily created, memoized values. A
// factory error is memoized too: later Get calls for the same key see
// the same error until Invalidate removes the entry.
type Cache[K comparable, V any] struct {
	factory   Factory[K, V]
	normalize Normalizer[K]
	logger    *slog.Logger

	mu      sync.Mutex
	entries map[K]*entry[V]
}

// New creates a Cache around the given factory.
func New[K comparable, V any](factory Factory[K, V], normalize Normalizer[K], logger *slog.Logger) *Cache[K, V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache[K, V]{
		factory:   factory,
		normalize: normalize,
		logger:    logger,
		entries:   make(map[K]*entry[V]),
	}
}

// Get returns the value for key, invoking the factory only if no entry
// exists yet. Concurrent callers with equivalent keys share one factory
// invocation and observe the same result. ctx cancellation abandons the
// wait but does not cancel the factory for other callers.
func (c *Cache[K, V]) Get(ctx context.Context, key K) (V, error) {
	e := c.getOrCreate(key)
	return e.wait(ctx)
}

// getOrCreate is the single-flight step: checking for an entry and
// installing a new one happen under one lock acquisition.
func (c *Cache[K, V]) getOrCreate(key K) *entry[V] {
	if c.normalize != nil {
		key = c.normalize(key)
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e
	}
	e := &entry[V]{done: make(chan struct{})}
	c.entries[key] = e
	c.mu.Unlock()

	go func() {
		// Detached from any caller's context: the entry outlives the
		// caller that triggered creation.
		e.val, e.err = c.factory(context.Background(), key)
		close(e.done)
	}()

	return e
}

// Has reports whether an entry (settled or in flight) exists for key.
func (c *Cache[K, V]) Has(key K) bool {
	if c.normalize != nil {
		key = c.normalize(key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	return ok
}

// Invalidate removes the entry for key without disposing its value.
// Callers use it to allow a retry after a memoized factory failure, or
// when they have taken over ownership of the value.
func (c *Cache[K, V]) Invalidate(key K) {
	if c.normalize != nil {
		key = c.normalize(key)
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Peek returns the value for key only if its entry has already settled
// successfully. It never blocks and never triggers the factory.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	if c.normalize != nil {
		key = c.normalize(key)
	}

	c.mu.Lock()
	e, ok := c.entries[key]
	c.mu.Unlock()

	var zero V
	if !ok {
		return zero, false
	}
	select {
	case <-e.done:
		if e.err != nil {
			return zero, false
		}
		return e.val, true
	default:
		return zero, false
	}
}

// Keys returns the normalized keys of all current entries.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	return keys
}

// Dispose tears the cache down, releasing every value it holds. The
// cache owns no other resources, so this is Clear by another name; it
// exists so owners can pair New with Dispose.
func (c *Cache[K, V]) Dispose(ctx context.Context) {
	c.Clear(ctx)
}

// Clear awaits every cached entry, disposes each value that implements
// Disposer, and empties the map. Disposal errors are logged and
// swallowed so one bad entry cannot block cleanup of the rest.
func (c *Cache[K, V]) Clear(ctx context.Context) {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[K]*entry[V])
	c.mu.Unlock()

	for key, e := range entries {
		val, err := e.wait(ctx)
		if err != nil {
			// Failed factories have nothing to dispose.
			continue
		}
		if d, ok := any(val).(Disposer); ok {
			if err := d.Dispose(); err != nil {
				c.logger.Warn("failed to dispose cached value",
					"key", key,
					"error", err,
				)
			}
		}
	}
}
