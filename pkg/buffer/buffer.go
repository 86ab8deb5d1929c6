// Package buffer provides a bounded, thread-safe FIFO with a configurable overflow policy.
package buffer

import (
	"errors"
	"sync"
	"sync/atomic"
)

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// ErrInvalidCapacity is returned for a capacity below one
var ErrInvalidCapacity = errors.New("buffer capacity must be positive")

// DropCallback is called with every item discarded by the overflow policy.
type DropCallback[T any] func(item T)

// Option configures a Buffer
type Option[T any] func(*Buffer[T])

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(b *Buffer[T]) {
		b.policy = policy
	}
}

// WithDropCallback sets a callback invoked, outside the buffer lock, for each dropped item.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(b *Buffer[T]) {
		b.onDrop = callback
	}
}

// Buffer is a fixed-capacity circular FIFO
type Buffer[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int
	size   int
	policy OverflowPolicy
	onDrop DropCallback[T]

	dropped atomic.Int64
}

// New creates a buffer holding at most capacity items
func New[T any](capacity int, opts ...Option[T]) (*Buffer[T], error) {
	if capacity < 1 {
		return nil, ErrInvalidCapacity
	}
	b := &Buffer[T]{items: make([]T, capacity)}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Write appends item. It reports false when an item (old or new) was dropped.
func (b *Buffer[T]) Write(item T) bool {
	b.mu.Lock()
	var (
		victim  T
		dropped bool
	)

	if b.size == len(b.items) {
		dropped = true
		if b.policy == DropNewest {
			victim = item
		} else {
			victim = b.items[b.head]
			b.items[b.head] = item
			b.head = (b.head + 1) % len(b.items)
		}
	} else {
		b.items[(b.head+b.size)%len(b.items)] = item
		b.size++
	}
	b.mu.Unlock()

	if dropped {
		b.drop(victim)
	}
	return !dropped
}

// Requeue puts item back at the front, so it is read next. When full the
// newest item is dropped to make room.
func (b *Buffer[T]) Requeue(item T) {
	b.mu.Lock()
	var (
		victim  T
		dropped bool
	)

	if b.size == len(b.items) {
		last := (b.head + b.size - 1) % len(b.items)
		victim = b.items[last]
		dropped = true
		b.size--
	}
	b.head = (b.head - 1 + len(b.items)) % len(b.items)
	b.items[b.head] = item
	b.size++
	b.mu.Unlock()

	if dropped {
		b.drop(victim)
	}
}

// Read removes and returns the oldest item
func (b *Buffer[T]) Read() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	if b.size == 0 {
		return zero, false
	}
	item := b.items[b.head]
	b.items[b.head] = zero
	b.head = (b.head + 1) % len(b.items)
	b.size--
	return item, true
}

// Drain removes and returns every item, oldest first
func (b *Buffer[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	out := make([]T, b.size)
	for i := range out {
		idx := (b.head + i) % len(b.items)
		out[i] = b.items[idx]
		b.items[idx] = zero
	}
	b.head, b.size = 0, 0
	return out
}

// Len returns the number of buffered items
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the maximum number of items
func (b *Buffer[T]) Capacity() int {
	return len(b.items)
}

// Dropped returns how many items the overflow policy has discarded
func (b *Buffer[T]) Dropped() int64 {
	return b.dropped.Load()
}

func (b *Buffer[T]) drop(item T) {
	b.dropped.Add(1)
	if b.onDrop != nil {
		b.onDrop(item)
	}
}
