// Package websocket pushes subscription notifications of one resource to
// websocket clients.
//
// A Hub is registered as a notification listener on a connector and as an
// HTTP handler on the gateway mux. Every matched notification is wrapped in
// a MessageEnvelope and queued per client. Each client owns a writer
// goroutine, so a slow client loses its oldest queued messages without
// holding up the connector or the other clients.
//
// Clients may narrow delivery with repeated subscription query parameters:
//
//	GET /resources/web/notifications?subscription=changes&subscription=errors
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
	"github.com/c360/attrstream/gateway"
	"github.com/c360/attrstream/health"
	"github.com/c360/attrstream/metric"
	"github.com/c360/attrstream/pkg/buffer"
	"github.com/c360/attrstream/repository"
)

const (
	// DefaultQueueSize bounds messages queued per client
	DefaultQueueSize = 256
	// DefaultWriteTimeout bounds a single websocket write
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPingInterval is the keepalive period
	DefaultPingInterval = 30 * time.Second

	envelopeNotification = "notification"
)

// MessageEnvelope wraps every message sent to a client
type MessageEnvelope struct {
	Type         string          `json:"type"`
	ID           string          `json:"id"`
	Timestamp    int64           `json:"timestamp"`
	Resource     string          `json:"resource"`
	Subscription string          `json:"subscription,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// Config holds hub settings
type Config struct {
	QueueSize    int           `json:"queue_size,omitempty" yaml:"queue_size,omitempty"`
	WriteTimeout time.Duration `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	PingInterval time.Duration `json:"ping_interval,omitempty" yaml:"ping_interval,omitempty"`
	// AllowedOrigins restricts the Origin header, empty allows any origin
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// Deps holds runtime dependencies for a Hub
type Deps struct {
	Registry *metric.MetricsRegistry
	Logger   *slog.Logger
}

type hubMetrics struct {
	clients   prometheus.Gauge
	delivered prometheus.Counter
	dropped   prometheus.Counter
}

func newHubMetrics(registry *metric.MetricsRegistry, resource string) (*hubMetrics, error) {
	labels := prometheus.Labels{"resource": resource}
	m := &hubMetrics{
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "attrstream",
			Subsystem:   "websocket",
			Name:        "clients_connected",
			ConstLabels: labels,
			Help:        "Number of currently connected clients",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "attrstream",
			Subsystem:   "websocket",
			Name:        "messages_sent_total",
			ConstLabels: labels,
			Help:        "Total messages written to websocket clients",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "attrstream",
			Subsystem:   "websocket",
			Name:        "messages_dropped_total",
			ConstLabels: labels,
			Help:        "Messages discarded from full client queues",
		}),
	}
	component := "websocket_" + resource
	if err := registry.RegisterGauge(component, "clients", m.clients); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "delivered", m.delivered); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "dropped", m.dropped); err != nil {
		return nil, err
	}
	return m, nil
}

type client struct {
	conn          *websocket.Conn
	queue         *buffer.Buffer[[]byte]
	subscriptions []string
	done          chan struct{}
	closeOnce     sync.Once
}

func (c *client) wants(subscription string) bool {
	return len(c.subscriptions) == 0 || slices.Contains(c.subscriptions, subscription)
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.queue.Close()
		_ = c.conn.Close()
	})
}

// Hub fans notifications of one resource out to websocket clients
type Hub struct {
	resource string
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *hubMetrics

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup

	sequence  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	started   time.Time
}

var (
	_ repository.Listener = (*Hub)(nil)
	_ gateway.HTTPHandler = (*Hub)(nil)
)

// NewHub creates a hub for resource
func NewHub(resource string, cfg Config, deps Deps) (*Hub, error) {
	if resource == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "websocket", "NewHub", "check resource")
	}
	if cfg.QueueSize < 0 || cfg.WriteTimeout < 0 || cfg.PingInterval < 0 {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: negative hub setting", errors.ErrInvalidConfig),
			"websocket", "NewHub", "check config")
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Hub{
		resource: resource,
		cfg:      cfg,
		logger:   logger.With("component", "websocket-hub", "resource", resource),
		clients:  make(map[*client]struct{}),
		started:  time.Now(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}

	if deps.Registry != nil {
		m, err := newHubMetrics(deps.Registry, resource)
		if err != nil {
			return nil, errors.WrapTransient(err, "websocket", "NewHub", "metrics registration")
		}
		h.metrics = m
	}
	return h, nil
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(h.cfg.AllowedOrigins, origin)
}

// Path returns the route suffix served under the gateway prefix
func (h *Hub) Path() string {
	return "resources/" + h.resource + "/notifications"
}

// RegisterHTTPHandlers mounts the upgrade endpoint. The handler is not
// wrapped by gateway middleware because the connection is hijacked.
func (h *Hub) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix != "/" {
		prefix += "/"
	}
	mux.HandleFunc(http.MethodGet+" "+prefix+h.Path(), h.handleUpgrade)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		http.Error(w, "notification hub closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", "error", err)
		return
	}

	queue, err := buffer.New(h.cfg.QueueSize,
		buffer.WithOverflowPolicy[[]byte](buffer.DropOldest),
		buffer.WithDropCallback[[]byte](func([]byte) { h.drop() }),
	)
	if err != nil {
		_ = conn.Close()
		return
	}

	c := &client{
		conn:          conn,
		queue:         queue,
		subscriptions: r.URL.Query()["subscription"],
		done:          make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.wg.Add(2)
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.clients.Set(float64(count))
	}
	h.logger.Debug("Client connected", "remote", r.RemoteAddr, "clients", count)

	go h.readLoop(c)
	go h.writeLoop(c)
}

// readLoop discards client frames and notices disconnects
func (h *Hub) readLoop(c *client) {
	defer h.wg.Done()
	defer h.removeClient(c)

	deadline := 2 * h.cfg.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	defer h.wg.Done()
	defer h.removeClient(c)

	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.queue.Ready():
			for _, msg := range c.queue.ReadBatch(h.cfg.QueueSize) {
				_ = c.conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
				if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.logger.Debug("Websocket write failed", "error", err)
					return
				}
				h.delivered.Add(1)
				if h.metrics != nil {
					h.metrics.delivered.Inc()
				}
			}
		}
	}
}

func (h *Hub) removeClient(c *client) {
	c.close()

	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	if ok && h.metrics != nil {
		h.metrics.clients.Set(float64(count))
	}
}

func (h *Hub) drop() {
	h.dropped.Add(1)
	if h.metrics != nil {
		h.metrics.dropped.Inc()
	}
}

// Notify queues ev for every client interested in sub. It never blocks on
// client I/O.
func (h *Hub) Notify(_ context.Context, sub repository.Subscription, ev *event.Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed || len(h.clients) == 0 {
		return nil
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.WrapInvalid(err, "websocket", "Notify", "marshal event")
	}
	msg, err := json.Marshal(MessageEnvelope{
		Type:         envelopeNotification,
		ID:           fmt.Sprintf("%s-%d", h.resource, h.sequence.Add(1)),
		Timestamp:    time.Now().UnixMilli(),
		Resource:     h.resource,
		Subscription: sub.Name,
		Payload:      payload,
	})
	if err != nil {
		return errors.WrapInvalid(err, "websocket", "Notify", "marshal envelope")
	}

	for c := range h.clients {
		if !c.wants(sub.Name) {
			continue
		}
		// A closed queue means the client is being removed
		_ = c.queue.Write(msg)
	}
	return nil
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close(timeout time.Duration) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.close()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("close timeout after %v", timeout), "websocket", "Close", "wait for clients")
	}
}

// Health reports hub state
func (h *Hub) Health() health.Status {
	name := "websocket:" + h.resource
	h.mu.RLock()
	closed := h.closed
	count := len(h.clients)
	h.mu.RUnlock()

	var status health.Status
	switch {
	case closed:
		status = health.NewUnhealthy(name, "hub closed")
	case h.dropped.Load() > 0:
		status = health.NewDegraded(name, fmt.Sprintf("%d messages dropped for slow clients", h.dropped.Load()))
	default:
		status = health.NewHealthy(name, fmt.Sprintf("%d clients connected", count))
	}
	return status.WithMetrics(&health.Metrics{
		Uptime:         time.Since(h.started),
		EventsAccepted: int64(h.delivered.Load()),
		QueueDepth:     count,
	})
}
