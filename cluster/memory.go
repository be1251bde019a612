package cluster

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
)

// MemoryCounter is a process-local Counter
type MemoryCounter struct {
	mu     sync.Mutex
	values map[string]uint64
}

// NewMemoryCounter creates a counter starting at zero for every key
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{values: make(map[string]uint64)}
}

// Next implements Counter
func (c *MemoryCounter) Next(ctx context.Context, key string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errors.WrapTransient(err, "MemoryCounter", "Next", "increment "+key)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key]++
	return c.values[key], nil
}

// Hub connects in-process Loopback broadcasters. Every event broadcast on
// one member is delivered to the handlers of all members.
type Hub struct {
	mu       sync.RWMutex
	handlers []Handler
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{}
}

// Join returns a broadcaster attached to the hub
func (h *Hub) Join() *Loopback {
	return &Loopback{hub: h}
}

func (h *Hub) deliver(ctx context.Context, ev *event.Event) {
	h.mu.RLock()
	handlers := append([]Handler(nil), h.handlers...)
	h.mu.RUnlock()

	for _, handle := range handlers {
		handle(ctx, ev.Clone())
	}
}

// Loopback is a Broadcaster backed by a Hub. Delivery is synchronous.
type Loopback struct {
	hub    *Hub
	closed atomic.Bool
}

// Broadcast implements Broadcaster
func (l *Loopback) Broadcast(ctx context.Context, ev *event.Event) error {
	if l.closed.Load() {
		return errors.WrapFatal(errors.ErrConnectionLost, "Loopback", "Broadcast", "broadcast event")
	}
	l.hub.deliver(ctx, ev)
	return nil
}

// Subscribe implements Broadcaster
func (l *Loopback) Subscribe(_ context.Context, handler Handler) error {
	l.hub.mu.Lock()
	defer l.hub.mu.Unlock()
	l.hub.handlers = append(l.hub.handlers, func(ctx context.Context, ev *event.Event) {
		if !l.closed.Load() {
			handler(ctx, ev)
		}
	})
	return nil
}

// Close detaches the member; later broadcasts fail and deliveries stop
func (l *Loopback) Close() {
	l.closed.Store(true)
}

// StaticMembership is a Membership with a settable active flag
type StaticMembership struct {
	node   string
	active atomic.Bool
}

// NewStaticMembership creates an active member named node
func NewStaticMembership(node string) *StaticMembership {
	m := &StaticMembership{node: node}
	m.active.Store(true)
	return m
}

// LocalNode implements Membership
func (m *StaticMembership) LocalNode() string { return m.node }

// IsActive implements Membership
func (m *StaticMembership) IsActive() bool { return m.active.Load() }

// SetActive changes the active flag
func (m *StaticMembership) SetActive(active bool) { m.active.Store(active) }
