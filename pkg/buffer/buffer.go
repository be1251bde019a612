// Package buffer provides a generic, thread-safe ring buffer that decouples
// a fast producer, such as a socket read loop, from a slower consumer.
package buffer

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/metric"
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

// DropCallback is called, outside the buffer lock, with every item lost to
// the overflow policy.
type DropCallback[T any] func(item T)

// Option configures a Buffer.
type Option[T any] func(*Buffer[T])

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(b *Buffer[T]) {
		b.policy = policy
	}
}

// WithDropCallback sets a callback for dropped items.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(b *Buffer[T]) {
		b.onDrop = callback
	}
}

// WithMetrics exports size and drop counts under the given component
// label. A nil registry is ignored.
func WithMetrics[T any](registry *metric.MetricsRegistry, component string) Option[T] {
	return func(b *Buffer[T]) {
		if registry != nil && component != "" {
			b.registry = registry
			b.component = component
		}
	}
}

// Buffer is a fixed-capacity FIFO ring
type Buffer[T any] struct {
	mu       sync.Mutex
	items    []T
	head     int // next write position
	tail     int // next read position
	size     int
	closed   bool
	policy   OverflowPolicy
	onDrop   DropCallback[T]
	written  uint64
	dropped  uint64
	notEmpty chan struct{}

	registry  *metric.MetricsRegistry
	component string
	sizeGauge prometheus.Gauge
	drops     prometheus.Counter
}

// New creates a buffer holding at most capacity items
func New[T any](capacity int, opts ...Option[T]) (*Buffer[T], error) {
	if capacity <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: capacity must be positive, got %d", errors.ErrInvalidConfig, capacity),
			"Buffer", "New", "validate capacity")
	}

	b := &Buffer[T]{
		items:    make([]T, capacity),
		policy:   DropOldest,
		notEmpty: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}

	if b.registry != nil {
		if err := b.registerMetrics(); err != nil {
			return nil, errors.WrapTransient(err, "Buffer", "New", "metrics registration")
		}
	}
	return b, nil
}

func (b *Buffer[T]) registerMetrics() error {
	labels := prometheus.Labels{"component": b.component}
	b.sizeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   "attrstream",
		Subsystem:   "buffer",
		Name:        "size",
		ConstLabels: labels,
		Help:        "Items currently buffered",
	})
	b.drops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   "attrstream",
		Subsystem:   "buffer",
		Name:        "drops_total",
		ConstLabels: labels,
		Help:        "Items dropped because the buffer was full",
	})
	if err := b.registry.RegisterGauge(b.component, "buffer_size", b.sizeGauge); err != nil {
		return err
	}
	return b.registry.RegisterCounter(b.component, "buffer_drops", b.drops)
}

// Write appends an item, applying the overflow policy when full. Writes to
// a closed buffer fail with ErrConnectorClosed.
func (b *Buffer[T]) Write(item T) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.WrapFatal(errors.ErrConnectorClosed, "Buffer", "Write", "buffer closed")
	}

	var (
		dropped T
		lost    bool
	)
	if b.size == len(b.items) {
		lost = true
		b.dropped++
		if b.policy == DropNewest {
			b.mu.Unlock()
			b.recordDrop(item)
			return nil
		}
		dropped = b.items[b.tail]
		b.tail = (b.tail + 1) % len(b.items)
		b.size--
	}

	b.items[b.head] = item
	b.head = (b.head + 1) % len(b.items)
	b.size++
	b.written++
	size := b.size
	b.mu.Unlock()

	if b.sizeGauge != nil {
		b.sizeGauge.Set(float64(size))
	}
	if lost {
		b.recordDrop(dropped)
	}

	select {
	case b.notEmpty <- struct{}{}:
	default:
	}
	return nil
}

func (b *Buffer[T]) recordDrop(item T) {
	if b.drops != nil {
		b.drops.Inc()
	}
	if b.onDrop != nil {
		b.onDrop(item)
	}
}

// ReadBatch removes and returns up to max items in FIFO order
func (b *Buffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	b.mu.Lock()
	n := min(max, b.size)
	if n == 0 {
		b.mu.Unlock()
		return nil
	}

	out := make([]T, n)
	var zero T
	for i := range out {
		out[i] = b.items[b.tail]
		b.items[b.tail] = zero
		b.tail = (b.tail + 1) % len(b.items)
	}
	b.size -= n
	size := b.size
	b.mu.Unlock()

	if b.sizeGauge != nil {
		b.sizeGauge.Set(float64(size))
	}
	return out
}

// Ready is signalled after writes. A consumer waits on it and then drains
// with ReadBatch until empty.
func (b *Buffer[T]) Ready() <-chan struct{} {
	return b.notEmpty
}

// Size returns the current number of items
func (b *Buffer[T]) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity returns the maximum number of items
func (b *Buffer[T]) Capacity() int {
	return len(b.items)
}

// Written returns the number of accepted writes
func (b *Buffer[T]) Written() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// Dropped returns the number of items lost to the overflow policy
func (b *Buffer[T]) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close rejects further writes. Buffered items remain readable.
func (b *Buffer[T]) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
