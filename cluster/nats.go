package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
)

// SubjectPrefix is the root of the broadcast subjects
const SubjectPrefix = "attrstream"

// EventSubject returns the broadcast subject of resource
func EventSubject(resource string) string {
	return fmt.Sprintf("%s.%s.events", SubjectPrefix, resource)
}

// KVUpdater performs compare-and-swap updates on a key.
// *natsclient.KVStore implements it.
type KVUpdater interface {
	UpdateWithRetry(ctx context.Context, key string, updateFn func(current []byte) ([]byte, error)) error
}

// KVCounter is a Counter stored in a JetStream key-value bucket. Values are
// decimal strings so operators can read them with the nats CLI.
type KVCounter struct {
	store KVUpdater
}

// NewKVCounter creates a counter over store
func NewKVCounter(store KVUpdater) *KVCounter {
	return &KVCounter{store: store}
}

// Next implements Counter
func (c *KVCounter) Next(ctx context.Context, key string) (uint64, error) {
	var next uint64
	err := c.store.UpdateWithRetry(ctx, key, func(current []byte) ([]byte, error) {
		var n uint64
		if len(current) > 0 {
			v, err := strconv.ParseUint(string(current), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: counter %s holds %q", errors.ErrDataCorrupted, key, current)
			}
			n = v
		}
		next = n + 1
		return []byte(strconv.FormatUint(next, 10)), nil
	})
	if err != nil {
		return 0, errors.WrapTransient(err, "KVCounter", "Next", "increment "+key)
	}
	return next, nil
}

// Transport is the pub/sub surface of a NATS connection.
// *natsclient.Client implements it.
type Transport interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error
}

// NATSBroadcaster broadcasts JSON-encoded events on a core NATS subject
type NATSBroadcaster struct {
	transport Transport
	subject   string
	logger    *slog.Logger
}

// NewNATSBroadcaster creates a broadcaster for resource
func NewNATSBroadcaster(transport Transport, resource string, logger *slog.Logger) *NATSBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	subject := EventSubject(resource)
	return &NATSBroadcaster{
		transport: transport,
		subject:   subject,
		logger:    logger.With("component", "broadcaster", "subject", subject),
	}
}

// Subject returns the subject events are published on
func (b *NATSBroadcaster) Subject() string {
	return b.subject
}

// Broadcast implements Broadcaster
func (b *NATSBroadcaster) Broadcast(ctx context.Context, ev *event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.WrapInvalid(err, "NATSBroadcaster", "Broadcast", "encode event")
	}
	return b.transport.Publish(ctx, b.subject, data)
}

// Subscribe implements Broadcaster. Undecodable messages are logged and
// dropped.
func (b *NATSBroadcaster) Subscribe(ctx context.Context, handler Handler) error {
	return b.transport.Subscribe(ctx, b.subject, func(msgCtx context.Context, data []byte) {
		var ev event.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			b.logger.Warn("dropping undecodable broadcast", "error", err, "size", len(data))
			return
		}
		handler(msgCtx, &ev)
	})
}

// HealthChecker reports connection health.
// *natsclient.Client implements it.
type HealthChecker interface {
	IsHealthy() bool
}

// HealthMembership is active while the cluster connection is healthy
type HealthMembership struct {
	node   string
	health HealthChecker
}

// NewHealthMembership creates a membership for node
func NewHealthMembership(node string, health HealthChecker) *HealthMembership {
	return &HealthMembership{node: node, health: health}
}

// LocalNode implements Membership
func (m *HealthMembership) LocalNode() string { return m.node }

// IsActive implements Membership
func (m *HealthMembership) IsActive() bool { return m.health.IsHealthy() }
