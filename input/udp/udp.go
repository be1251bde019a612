// Package udp receives JSON events over UDP and hands them to a connector.
//
// Each datagram carries one JSON event or a JSON array of events. A read
// loop copies datagrams into a ring buffer and a separate loop decodes and
// accepts them, so a slow connector sheds the oldest datagrams instead of
// stalling the socket.
package udp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
	"github.com/c360/attrstream/health"
	"github.com/c360/attrstream/metric"
	"github.com/c360/attrstream/pkg/buffer"
	"github.com/c360/attrstream/pkg/retry"
)

const (
	// DefaultBufferSize bounds datagrams waiting to be decoded
	DefaultBufferSize = 5000
	// DefaultMaxBatch is the number of datagrams drained per wake-up
	DefaultMaxBatch = 100

	maxDatagramSize  = 65536
	socketBufferSize = 2 * 1024 * 1024
	readDeadline     = 100 * time.Millisecond
)

// Acceptor takes decoded events. *connector.Connector satisfies it.
type Acceptor interface {
	Accept(ctx context.Context, ev *event.Event) error
}

// Config holds the UDP listener settings for one resource
type Config struct {
	// Address is host:port to bind, port 0 picks a free port
	Address string `json:"address" yaml:"address"`
	// BufferSize bounds queued datagrams (default 5000)
	BufferSize int `json:"buffer_size,omitempty" yaml:"buffer_size,omitempty"`
	// MaxBatch bounds datagrams decoded per wake-up (default 100)
	MaxBatch int `json:"max_batch,omitempty" yaml:"max_batch,omitempty"`
	// DropNewest keeps queued datagrams and discards arrivals when full
	DropNewest bool `json:"drop_newest,omitempty" yaml:"drop_newest,omitempty"`
}

// Validate checks the listener configuration
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: address %q: %v", errors.ErrInvalidConfig, c.Address, err),
			"udp", "Validate", "parse address")
	}
	if c.BufferSize < 0 || c.MaxBatch < 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: negative buffer size or batch", errors.ErrInvalidConfig),
			"udp", "Validate", "check sizes")
	}
	return nil
}

// Deps holds runtime dependencies for an Input
type Deps struct {
	Resource string
	Target   Acceptor
	Registry *metric.MetricsRegistry
	Logger   *slog.Logger
}

// Stats is a snapshot of the input counters
type Stats struct {
	Datagrams uint64
	Bytes     uint64
	Accepted  uint64
	Rejected  uint64
	Dropped   uint64
}

type inputMetrics struct {
	datagrams prometheus.Counter
	rejected  prometheus.Counter
}

func newInputMetrics(registry *metric.MetricsRegistry, resource string) (*inputMetrics, error) {
	labels := prometheus.Labels{"resource": resource}
	m := &inputMetrics{
		datagrams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "attrstream",
			Subsystem:   "udp",
			Name:        "datagrams_received_total",
			ConstLabels: labels,
			Help:        "Total UDP datagrams received",
		}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "attrstream",
			Subsystem:   "udp",
			Name:        "events_rejected_total",
			ConstLabels: labels,
			Help:        "Datagrams or events that failed to decode or were refused",
		}),
	}
	component := "udp_" + resource
	if err := registry.RegisterCounter(component, "datagrams", m.datagrams); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(component, "rejected", m.rejected); err != nil {
		return nil, err
	}
	return m, nil
}

// Input is a UDP listener feeding one connector
type Input struct {
	cfg      Config
	resource string
	target   Acceptor
	logger   *slog.Logger
	buffer   *buffer.Buffer[[]byte]
	metrics  *inputMetrics
	retryCfg retry.Config

	mu      sync.Mutex
	conn    *net.UDPConn
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
	started atomic.Int64

	datagrams atomic.Uint64
	bytes     atomic.Uint64
	accepted  atomic.Uint64
	rejected  atomic.Uint64
}

// NewInput creates a UDP input. The socket is bound by Start.
func NewInput(cfg Config, deps Deps) (*Input, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Target == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "udp", "NewInput", "check target")
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "udp-input", "resource", deps.Resource)

	policy := buffer.DropOldest
	if cfg.DropNewest {
		policy = buffer.DropNewest
	}
	opts := []buffer.Option[[]byte]{buffer.WithOverflowPolicy[[]byte](policy)}
	var metrics *inputMetrics
	if deps.Registry != nil {
		opts = append(opts, buffer.WithMetrics[[]byte](deps.Registry, "udp_"+deps.Resource))
		m, err := newInputMetrics(deps.Registry, deps.Resource)
		if err != nil {
			return nil, errors.WrapTransient(err, "udp", "NewInput", "metrics registration")
		}
		metrics = m
	}

	buf, err := buffer.New(cfg.BufferSize, opts...)
	if err != nil {
		return nil, err
	}

	return &Input{
		cfg:      cfg,
		resource: deps.Resource,
		target:   deps.Target,
		logger:   logger,
		buffer:   buf,
		metrics:  metrics,
		retryCfg: retry.Config{MaxAttempts: 3, InitialDelay: 5 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
	}, nil
}

// Start binds the socket and starts the read and decode loops
func (u *Input) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "udp", "Start", "check state")
	}
	if u.cancel != nil {
		return errors.WrapFatal(errors.ErrConnectorClosed, "udp", "Start", "check state")
	}

	if err := retry.Do(ctx, retry.DefaultConfig(), u.bindSocket); err != nil {
		return errors.WrapTransient(err, "udp", "Start", "socket binding")
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	u.cancel = cancel
	u.running.Store(true)
	u.started.Store(time.Now().UnixNano())

	u.wg.Add(2)
	go func() {
		defer u.wg.Done()
		u.readLoop(loopCtx, u.conn)
	}()
	go func() {
		defer u.wg.Done()
		u.processLoop(loopCtx)
	}()

	u.logger.Info("UDP input listening", "address", u.conn.LocalAddr().String())
	return nil
}

func (u *Input) bindSocket() error {
	addr, err := net.ResolveUDPAddr("udp", u.cfg.Address)
	if err != nil {
		return retry.Permanent(fmt.Errorf("resolve UDP address %s: %w", u.cfg.Address, err))
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on UDP %s: %w", u.cfg.Address, err)
	}

	if err := conn.SetReadBuffer(socketBufferSize); err != nil {
		u.logger.Warn("Could not set UDP buffer size", "buffer_size", socketBufferSize, "error", err)
	}
	u.conn = conn
	return nil
}

// Addr returns the bound address, or "" before Start
func (u *Input) Addr() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return ""
	}
	return u.conn.LocalAddr().String()
}

// Stop closes the socket and waits for both loops to exit. Datagrams still
// buffered are decoded before the decode loop exits.
func (u *Input) Stop(timeout time.Duration) error {
	u.mu.Lock()
	if !u.running.Load() {
		u.mu.Unlock()
		return nil
	}
	u.running.Store(false)
	_ = u.conn.Close()
	_ = u.buffer.Close()
	u.cancel()
	u.mu.Unlock()

	done := make(chan struct{})
	go func() {
		u.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout), "udp", "Stop", "graceful shutdown")
	}
}

func (u *Input) readLoop(ctx context.Context, conn *net.UDPConn) {
	buf := make([]byte, maxDatagramSize)

	for ctx.Err() == nil {
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if !u.running.Load() {
				return
			}
			u.logger.Error("UDP read failed", "error", err)
			return
		}

		u.datagrams.Add(1)
		u.bytes.Add(uint64(n))
		if u.metrics != nil {
			u.metrics.datagrams.Inc()
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		if err := u.buffer.Write(data); err != nil {
			return
		}
	}
}

func (u *Input) processLoop(ctx context.Context) {
	for {
		select {
		case <-u.buffer.Ready():
			u.drain(ctx)
		case <-ctx.Done():
			u.drain(context.Background())
			return
		}
	}
}

func (u *Input) drain(ctx context.Context) {
	for {
		batch := u.buffer.ReadBatch(u.cfg.MaxBatch)
		if len(batch) == 0 {
			return
		}
		for _, data := range batch {
			u.handleDatagram(ctx, data)
		}
	}
}

func (u *Input) handleDatagram(ctx context.Context, data []byte) {
	events, err := decodeDatagram(data)
	if err != nil {
		u.reject()
		u.logger.Debug("Dropping undecodable datagram", "bytes", len(data), "error", err)
		return
	}

	for _, ev := range events {
		err := retry.Do(ctx, u.retryCfg, func() error {
			if err := u.target.Accept(ctx, ev); err != nil {
				if errors.IsTransient(err) {
					return err
				}
				return retry.Permanent(err)
			}
			return nil
		})
		if err != nil {
			u.reject()
			u.logger.Debug("Event refused", "event_id", ev.ID, "error", err)
			continue
		}
		u.accepted.Add(1)
	}
}

func (u *Input) reject() {
	u.rejected.Add(1)
	if u.metrics != nil {
		u.metrics.rejected.Inc()
	}
}

// decodeDatagram parses a single event object or an array of events
func decodeDatagram(data []byte) ([]*event.Event, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.ErrInvalidData
	}

	if trimmed[0] == '[' {
		var events []*event.Event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidData, err)
		}
		return events, nil
	}

	var ev event.Event
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidData, err)
	}
	return []*event.Event{&ev}, nil
}

// Stats returns the input counters
func (u *Input) Stats() Stats {
	return Stats{
		Datagrams: u.datagrams.Load(),
		Bytes:     u.bytes.Load(),
		Accepted:  u.accepted.Load(),
		Rejected:  u.rejected.Load(),
		Dropped:   u.buffer.Dropped(),
	}
}

// Health reports the listener state
func (u *Input) Health() health.Status {
	name := "udp:" + u.resource
	if !u.running.Load() {
		return health.NewUnhealthy(name, "listener not running")
	}

	stats := u.Stats()
	var status health.Status
	if stats.Dropped > 0 {
		status = health.NewDegraded(name, fmt.Sprintf("%d datagrams dropped", stats.Dropped))
	} else {
		status = health.NewHealthy(name, "listening on "+u.Addr())
	}
	return status.WithMetrics(&health.Metrics{
		Uptime:         time.Since(time.Unix(0, u.started.Load())),
		ErrorCount:     int64(stats.Rejected),
		EventsAccepted: int64(stats.Accepted),
		QueueDepth:     u.buffer.Size(),
	})
}
