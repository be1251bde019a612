// Package cluster defines the services a connector needs from the cluster
// it runs in: a shared monotonic counter for sequencing, a broadcast
// channel for unicast fan-out and membership status. In-memory
// implementations serve tests and single-process deployments; the NATS
// implementations serve real clusters.
package cluster

import (
	"context"

	"github.com/google/uuid"

	"github.com/c360/attrstream/event"
)

// Counter hands out cluster-wide monotonically increasing numbers per key
type Counter interface {
	// Next returns the next value for key. The first value is 1.
	Next(ctx context.Context, key string) (uint64, error)
}

// Handler receives events from a Broadcaster
type Handler func(ctx context.Context, ev *event.Event)

// Broadcaster fans events out to every member of the cluster, including
// the sender.
type Broadcaster interface {
	Broadcast(ctx context.Context, ev *event.Event) error
	Subscribe(ctx context.Context, handler Handler) error
}

// Membership reports the local node identity and whether it currently
// takes part in the cluster.
type Membership interface {
	LocalNode() string
	IsActive() bool
}

// NewNodeID returns a random node identifier
func NewNodeID() string {
	return uuid.NewString()
}
