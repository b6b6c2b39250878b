// Package workbuffer provides a fixed-capacity concurrent buffer keyed by an
// opaque id, shared by the dispatch daemons. Producers add entries and block
// when the buffer is full; consumers take the next queued entry and later
// acknowledge it with Remove, which frees capacity. Entries stay members of
// the buffer between Next and Remove so pollers can see in-flight ids.
package workbuffer

import (
	"context"
	"sync"
)

// Buffer is a bounded work buffer. It is a pure synchronization primitive:
// all domain failure handling happens in callers.
type Buffer[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	entries  map[K]V
	queue    []K
	changed  chan struct{}
}

// New creates a buffer with the given capacity. Capacity must be positive.
func New[K comparable, V any](capacity int) *Buffer[K, V] {
	if capacity <= 0 {
		panic("workbuffer: capacity must be positive")
	}
	return &Buffer[K, V]{
		capacity: capacity,
		entries:  make(map[K]V),
		changed:  make(chan struct{}),
	}
}

// broadcast wakes all waiters. Callers must hold mu.
func (b *Buffer[K, V]) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// wait releases mu, blocks until the buffer changes or ctx is done, and
// reacquires mu. Returns ctx.Err() on cancellation.
func (b *Buffer[K, V]) wait(ctx context.Context) error {
	ch := b.changed
	b.mu.Unlock()
	defer b.mu.Lock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Add inserts the entry, blocking while the buffer is at capacity. Adding a
// key that is already present is a no-op; callers check membership via Keys
// before adding to avoid duplicate processing.
func (b *Buffer[K, V]) Add(ctx context.Context, key K, value V) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if _, present := b.entries[key]; present {
			return nil
		}
		if len(b.entries) < b.capacity {
			b.entries[key] = value
			b.queue = append(b.queue, key)
			b.broadcast()
			return nil
		}
		if err := b.wait(ctx); err != nil {
			return err
		}
	}
}

// Next blocks until a queued entry is available and returns it. The entry
// remains a member of the buffer until Remove is called for its key.
func (b *Buffer[K, V]) Next(ctx context.Context) (K, V, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if len(b.queue) > 0 {
			key := b.queue[0]
			b.queue = b.queue[1:]
			return key, b.entries[key], nil
		}
		if err := b.wait(ctx); err != nil {
			var zeroK K
			var zeroV V
			return zeroK, zeroV, err
		}
	}
}

// Remove deletes the entry and wakes any Add callers blocked on capacity.
func (b *Buffer[K, V]) Remove(key K) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, present := b.entries[key]; !present {
		return
	}
	delete(b.entries, key)
	for i, queued := range b.queue {
		if queued == key {
			b.queue = append(b.queue[:i], b.queue[i+1:]...)
			break
		}
	}
	b.broadcast()
}

// Keys returns a point-in-time snapshot of all member ids, queued and
// in-flight.
func (b *Buffer[K, V]) Keys() map[K]struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	keys := make(map[K]struct{}, len(b.entries))
	for key := range b.entries {
		keys[key] = struct{}{}
	}
	return keys
}

// WaitNotFull blocks until the buffer has spare capacity. Pollers use this to
// throttle database scans while the buffer is saturated.
func (b *Buffer[K, V]) WaitNotFull(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.entries) >= b.capacity {
		if err := b.wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the current number of entries, queued and in-flight.
func (b *Buffer[K, V]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Cap returns the buffer capacity.
func (b *Buffer[K, V]) Cap() int {
	return b.capacity
}
