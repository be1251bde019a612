package repository

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/c360/attrstream/attribute"
	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
	"github.com/c360/attrstream/filter"
	"github.com/c360/attrstream/metric"
)

// WildcardCategory subscribes to every event category
const WildcardCategory = "*"

// Subscription is a named interest in events of one category
type Subscription struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Filter      string `json:"filter,omitempty"`
	Description string `json:"description,omitempty"`

	predicate filter.Predicate
}

// Matches reports whether ev should be delivered for s
func (s *Subscription) Matches(ev *event.Event) bool {
	if s.Category != WildcardCategory && s.Category != ev.Category {
		return false
	}
	return s.predicate(ev)
}

// Listener receives matched events. Notify runs on a pool worker and must
// not assume any ordering relative to other deliveries.
type Listener interface {
	Notify(ctx context.Context, sub Subscription, ev *event.Event) error
}

// ListenerFunc adapts a function to Listener
type ListenerFunc func(ctx context.Context, sub Subscription, ev *event.Event) error

// Notify implements Listener
func (f ListenerFunc) Notify(ctx context.Context, sub Subscription, ev *event.Event) error {
	return f(ctx, sub, ev)
}

// NotificationConfig configures a NotificationRepository
type NotificationConfig struct {
	Resource string
	// DropLogRate limits "delivery dropped" warnings per second
	DropLogRate float64
}

// NotificationDeps are the collaborators of a NotificationRepository
type NotificationDeps struct {
	Executor Executor
	Filters  *filter.Compiler
	Metrics  *metric.Metrics
	Logger   *slog.Logger
}

// NotificationRepository holds subscriptions and fans matched events out
// to listeners asynchronously.
type NotificationRepository struct {
	resource string
	executor Executor
	filters  *filter.Compiler
	metrics  *metric.Metrics
	logger   *slog.Logger
	dropLog  *rate.Limiter

	mu        sync.RWMutex
	subs      map[string]*Subscription
	listeners []Listener
	closed    bool
}

// NewNotificationRepository creates an empty repository
func NewNotificationRepository(cfg NotificationConfig, deps NotificationDeps) (*NotificationRepository, error) {
	if deps.Executor == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "NotificationRepository", "New", "check executor")
	}
	if cfg.DropLogRate <= 0 {
		cfg.DropLogRate = 1
	}
	filters := deps.Filters
	if filters == nil {
		filters = filter.NewCompiler()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &NotificationRepository{
		resource: cfg.Resource,
		executor: deps.Executor,
		filters:  filters,
		metrics:  deps.Metrics,
		logger:   logger.With("component", "notification-repository", "resource", cfg.Resource),
		dropLog:  rate.NewLimiter(rate.Limit(cfg.DropLogRate), 1),
		subs:     make(map[string]*Subscription),
	}, nil
}

// Subscribe registers a subscription. The category defaults to the
// subscription name; "*" matches every category.
func (n *NotificationRepository) Subscribe(name string, d attribute.Descriptor) (Subscription, error) {
	if name == "" {
		return Subscription{}, errors.WrapInvalid(errors.ErrInvalidConfig, "NotificationRepository", "Subscribe", "check name")
	}

	sub := &Subscription{Name: name, Category: name, predicate: filter.Always}
	if category, ok := d.Get(attribute.KeyCategory); ok && category != "" {
		sub.Category = category
	}
	if desc, ok := d.Get(attribute.KeyDescription); ok {
		sub.Description = desc
	}
	if expr, ok := d.Get(attribute.KeyFilter); ok {
		pred, err := n.filters.Compile(expr)
		if err != nil {
			return Subscription{}, err
		}
		sub.Filter = expr
		sub.predicate = pred
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return Subscription{}, errors.WrapFatal(errors.ErrConnectorClosed, "NotificationRepository", "Subscribe", "subscribe "+name)
	}
	if _, exists := n.subs[name]; exists {
		return Subscription{}, errors.WrapInvalid(errors.ErrDuplicateAttribute, "NotificationRepository", "Subscribe", "subscribe "+name)
	}
	n.subs[name] = sub
	return *sub, nil
}

// SubscribeAll registers every descriptor and returns the failed names
func (n *NotificationRepository) SubscribeAll(descriptors map[string]attribute.Descriptor) map[string]error {
	names := make([]string, 0, len(descriptors))
	for name := range descriptors {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := make(map[string]error)
	for _, name := range names {
		if _, err := n.Subscribe(name, descriptors[name]); err != nil {
			n.logger.Warn("subscription not registered", "subscription", name, "error", err)
			failed[name] = err
		}
	}
	return failed
}

// Unsubscribe removes a subscription
func (n *NotificationRepository) Unsubscribe(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.subs[name]
	delete(n.subs, name)
	return ok
}

// Subscriptions returns every subscription sorted by name
func (n *NotificationRepository) Subscriptions() []Subscription {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]Subscription, 0, len(n.subs))
	for _, s := range n.subs {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AddListener registers a delivery target
func (n *NotificationRepository) AddListener(l Listener) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, l)
}

// Publish submits one delivery per matching subscription and listener and
// returns the number submitted. Deliveries rejected by the executor are
// dropped and counted.
func (n *NotificationRepository) Publish(ctx context.Context, ev *event.Event) (int, error) {
	n.mu.RLock()
	if n.closed {
		n.mu.RUnlock()
		return 0, errors.WrapFatal(errors.ErrConnectorClosed, "NotificationRepository", "Publish", "publish event")
	}
	var matched []Subscription
	for _, s := range n.subs {
		if s.Matches(ev) {
			matched = append(matched, *s)
		}
	}
	listeners := append([]Listener(nil), n.listeners...)
	n.mu.RUnlock()

	submitted := 0
	for _, sub := range matched {
		for _, l := range listeners {
			err := n.executor.Submit(func(context.Context) error {
				if err := l.Notify(ctx, sub, ev); err != nil {
					n.logger.Debug("listener failed", "subscription", sub.Name, "event_id", ev.ID, "error", err)
					return err
				}
				return nil
			})
			if err != nil {
				n.dropped(sub, ev, err)
				continue
			}
			submitted++
		}
	}
	return submitted, nil
}

func (n *NotificationRepository) dropped(sub Subscription, ev *event.Event, err error) {
	if n.metrics != nil {
		n.metrics.RecordDeliveryDropped(n.resource)
	}
	if n.dropLog.Allow() {
		n.logger.Warn("notification delivery dropped",
			"subscription", sub.Name,
			"event_id", ev.ID,
			"category", ev.Category,
			"error", err)
	}
}

// Close rejects further subscriptions and publications
func (n *NotificationRepository) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	n.listeners = nil
}
