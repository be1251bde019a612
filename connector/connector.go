// Package connector owns the attributes of one managed resource. A
// Connector sequences inbound events, dispatches them to its push
// attributes on a worker pool, turns processed results into attribute
// change notifications and exposes the read-only management surface and
// replica hand-off.
package connector

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/attrstream/aggregator"
	"github.com/c360/attrstream/attribute"
	"github.com/c360/attrstream/catalog"
	"github.com/c360/attrstream/cluster"
	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
	"github.com/c360/attrstream/filter"
	"github.com/c360/attrstream/grammar"
	"github.com/c360/attrstream/health"
	"github.com/c360/attrstream/metric"
	"github.com/c360/attrstream/pkg/worker"
	"github.com/c360/attrstream/replication"
	"github.com/c360/attrstream/repository"
	"github.com/c360/attrstream/sequencer"
)

// Connector states, as reported by the connector status gauge
const (
	StateStopped = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

// Defaults applied by New
const (
	DefaultWorkers     = 4
	DefaultQueueSize   = 1024
	DefaultStopTimeout = 5 * time.Second
)

// Config configures one connector
type Config struct {
	Resource      string
	Attributes    map[string]attribute.Descriptor
	Subscriptions map[string]attribute.Descriptor

	Workers             int
	QueueSize           int
	BatchTimeout        time.Duration
	DispatchConcurrency int

	// Unicast fans locally accepted events out to the other members
	Unicast bool
	// TrackArrivals keeps a connector-level arrivals aggregator that is
	// carried in replicas.
	TrackArrivals   bool
	ArrivalChannels int
}

// Deps are the collaborators of a connector. Missing cluster services
// fall back to single-process in-memory implementations.
type Deps struct {
	Counter     cluster.Counter
	Broadcaster cluster.Broadcaster
	Membership  cluster.Membership
	Parser      *grammar.Parser
	Filters     *filter.Compiler
	Registry    *metric.MetricsRegistry
	Metrics     *metric.Metrics
	Listeners   []repository.Listener
	Logger      *slog.Logger
}

// ReplicaStore persists replicas between cluster members
type ReplicaStore interface {
	Save(ctx context.Context, resource string, r *replication.Replica) (uint64, error)
	Load(ctx context.Context, resource string) (*replication.Replica, uint64, error)
}

// Connector manages the attributes of one resource
type Connector struct {
	cfg     Config
	pool    *worker.Pool[worker.Task]
	attrs   *repository.AttributeRepository
	notes   *repository.NotificationRepository
	seq     *sequencer.Sequencer
	metrics *metric.Metrics
	logger  *slog.Logger

	connectErrs map[string]error
	subErrs     map[string]error

	arrivalsMu sync.RWMutex
	arrivals   aggregator.Aggregator

	lifecycleMu sync.Mutex
	state       atomic.Int32
	startedAt   atomic.Int64

	accepted atomic.Int64
	failures atomic.Int64
	lastSeen atomic.Int64
}

var _ replication.Target = (*Connector)(nil)

// New builds the connector and connects its configured attributes and
// subscriptions. Individual connect failures are kept for ConnectErrors
// and never fail construction.
func New(cfg Config, deps Deps) (*Connector, error) {
	if cfg.Resource == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Connector", "New", "check resource name")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "connector", "resource", cfg.Resource)

	var poolOpts []worker.Option[worker.Task]
	if deps.Registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[worker.Task](deps.Registry, cfg.Resource))
	}
	metrics := deps.Metrics
	if metrics == nil && deps.Registry != nil {
		metrics = deps.Registry.CoreMetrics()
	}

	c := &Connector{
		cfg:     cfg,
		pool:    worker.NewPool(cfg.Workers, cfg.QueueSize, worker.RunTask, poolOpts...),
		metrics: metrics,
		logger:  logger,
	}

	filters := deps.Filters
	if filters == nil {
		filters = filter.NewCompiler()
	}

	var err error
	c.attrs, err = repository.NewAttributeRepository(repository.AttributeConfig{
		Resource:            cfg.Resource,
		BatchTimeout:        cfg.BatchTimeout,
		DispatchConcurrency: cfg.DispatchConcurrency,
	}, repository.AttributeDeps{
		Executor: c.pool,
		Parser:   deps.Parser,
		Filters:  filters,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Connector", "New", "create attribute repository")
	}

	c.notes, err = repository.NewNotificationRepository(repository.NotificationConfig{
		Resource: cfg.Resource,
	}, repository.NotificationDeps{
		Executor: c.pool,
		Filters:  filters,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Connector", "New", "create notification repository")
	}
	for _, l := range deps.Listeners {
		c.notes.AddListener(l)
	}

	membership := deps.Membership
	if membership == nil {
		membership = cluster.NewStaticMembership(cluster.NewNodeID())
	}
	counter := deps.Counter
	if counter == nil {
		counter = cluster.NewMemoryCounter()
	}
	c.seq, err = sequencer.New(sequencer.Config{
		Resource: cfg.Resource,
		Unicast:  cfg.Unicast,
	}, sequencer.Deps{
		Counter:     counter,
		Broadcaster: deps.Broadcaster,
		Membership:  membership,
		Apply:       c.enqueue,
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Connector", "New", "create sequencer")
	}

	if cfg.TrackArrivals {
		c.arrivals = aggregator.NewArrivals(cfg.ArrivalChannels)
	}

	c.connectErrs = c.attrs.ConnectAll(cfg.Attributes)
	c.subErrs = c.notes.SubscribeAll(cfg.Subscriptions)
	for name, err := range c.connectErrs {
		logger.Warn("attribute not connected", "attribute", name, "error", err)
	}
	for name, err := range c.subErrs {
		logger.Warn("subscription not registered", "subscription", name, "error", err)
	}

	c.recordState(StateStopped)
	return c, nil
}

// Resource returns the managed resource name
func (c *Connector) Resource() string {
	return c.cfg.Resource
}

// Start starts the worker pool and, in unicast mode, the broadcast
// subscription.
func (c *Connector) Start(ctx context.Context) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	switch c.state.Load() {
	case StateRunning:
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Connector", "Start", "check running state")
	case StateStopping, StateFailed:
		return errors.WrapFatal(errors.ErrConnectorClosed, "Connector", "Start", "check running state")
	}
	// A stopped connector has closed its attributes and cannot restart.
	if c.startedAt.Load() != 0 {
		return errors.WrapFatal(errors.ErrConnectorClosed, "Connector", "Start", "check running state")
	}
	c.recordState(StateStarting)

	if err := c.pool.Start(ctx); err != nil {
		c.recordState(StateFailed)
		return errors.WrapFatal(err, "Connector", "Start", "start worker pool")
	}
	if err := c.seq.Start(ctx); err != nil {
		_ = c.pool.Stop(DefaultStopTimeout)
		c.recordState(StateFailed)
		return errors.Wrap(err, "Connector", "Start", "start sequencer")
	}

	c.startedAt.Store(time.Now().UnixNano())
	c.recordState(StateRunning)
	c.logger.Info("connector started",
		"attributes", c.attrs.Len(),
		"connect_errors", len(c.connectErrs),
		"unicast", c.cfg.Unicast)
	return nil
}

// Stop drains the worker pool and closes every attribute. Later calls to
// Accept, reads and writes fail with errors.ErrConnectorClosed.
func (c *Connector) Stop(timeout time.Duration) error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.state.Load() != StateRunning {
		return nil
	}
	c.recordState(StateStopping)
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	err := c.pool.Stop(timeout)
	c.notes.Close()
	c.attrs.Close()

	c.recordState(StateStopped)
	c.logger.Info("connector stopped", "accepted", c.accepted.Load())
	if err != nil {
		return errors.Wrap(err, "Connector", "Stop", "stop worker pool")
	}
	return nil
}

// Running reports whether the connector accepts events
func (c *Connector) Running() bool {
	return c.state.Load() == StateRunning
}

func (c *Connector) recordState(state int32) {
	c.state.Store(state)
	if c.metrics != nil {
		c.metrics.RecordConnectorStatus(c.cfg.Resource, int(state))
	}
}

func (c *Connector) checkRunning(method string) error {
	switch c.state.Load() {
	case StateRunning:
		return nil
	case StateStopped:
		if c.startedAt.Load() == 0 {
			return errors.WrapInvalid(errors.ErrNotStarted, "Connector", method, "check running state")
		}
	}
	return errors.WrapFatal(errors.ErrConnectorClosed, "Connector", method, "check running state")
}

// Accept sequences ev and queues it for dispatch. It returns once the
// event is queued; processing happens on the worker pool.
func (c *Connector) Accept(ctx context.Context, ev *event.Event) error {
	if err := c.checkRunning("Accept"); err != nil {
		return err
	}
	if ev == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Connector", "Accept", "check event")
	}
	if err := ev.Validate(); err != nil {
		return errors.WrapInvalid(stderrors.Join(errors.ErrInvalidData, err), "Connector", "Accept", "validate event")
	}
	return c.seq.Accept(ctx, ev)
}

// enqueue is the sequencer's applier for both local and remote events
func (c *Connector) enqueue(_ context.Context, ev *event.Event) error {
	err := c.pool.Submit(func(ctx context.Context) error {
		c.process(ctx, ev)
		return nil
	})
	switch {
	case err == nil:
		c.accepted.Add(1)
		return nil
	case stderrors.Is(err, errors.ErrConnectorClosed):
		return errors.WrapFatal(err, "Connector", "Accept", "queue dispatch")
	default:
		return errors.WrapTransient(err, "Connector", "Accept", "queue dispatch")
	}
}

// process runs the dispatch pipeline for one sequenced event
func (c *Connector) process(ctx context.Context, ev *event.Event) {
	c.lastSeen.Store(time.Now().UnixNano())

	if agg := c.Arrivals(); agg != nil && !ev.IsAttributeChange() {
		if err := agg.Update(nil, ev.Timestamp); err != nil {
			c.logger.Debug("arrivals not updated", "event_id", ev.ID, "error", err)
		}
	}

	results, err := c.attrs.Dispatch(ctx, ev)
	if err != nil {
		c.logger.Debug("dispatch skipped", "event_id", ev.ID, "error", err)
		return
	}
	c.publish(ctx, ev)

	if ev.IsAttributeChange() {
		return
	}
	for _, res := range results {
		switch res.Outcome {
		case attribute.Failed:
			c.failures.Add(1)
			continue
		case attribute.Ignored:
			continue
		}
		c.emitChange(ctx, ev, res)
	}
}

// emitChange publishes the change notification for one processed result
// and offers it to the attributes once.
func (c *Connector) emitChange(ctx context.Context, cause *event.Event, res attribute.Result) {
	var typeName string
	if attr, ok := c.attrs.Get(res.Attribute); ok {
		typeName = string(attr.Info().MetricType)
	}
	change := event.NewAttributeChange(c.cfg.Resource, res.Attribute, typeName, res.Value, res.Value, cause)
	c.publish(ctx, change)

	results, err := c.attrs.Dispatch(ctx, change)
	if err != nil {
		return
	}
	for _, r := range results {
		if r.Outcome == attribute.Failed {
			c.failures.Add(1)
		}
	}
}

func (c *Connector) publish(ctx context.Context, ev *event.Event) {
	if _, err := c.notes.Publish(ctx, ev); err != nil {
		c.logger.Debug("publish skipped", "event_id", ev.ID, "error", err)
	}
}

// AddListener registers a receiver of matched notifications
func (c *Connector) AddListener(l repository.Listener) {
	c.notes.AddListener(l)
}

// Subscribe adds a notification subscription at runtime
func (c *Connector) Subscribe(name string, d attribute.Descriptor) (repository.Subscription, error) {
	return c.notes.Subscribe(name, d)
}

// Connect adds an attribute at runtime
func (c *Connector) Connect(name string, d attribute.Descriptor) (attribute.Info, error) {
	attr, err := c.attrs.Connect(name, d)
	if err != nil {
		return attribute.Info{}, err
	}
	return attr.Info(), nil
}

// ConnectErrors returns the attributes and subscriptions of the
// configuration that could not be connected.
func (c *Connector) ConnectErrors() map[string]error {
	out := make(map[string]error, len(c.connectErrs)+len(c.subErrs))
	for name, err := range c.subErrs {
		out["subscription:"+name] = err
	}
	for name, err := range c.connectErrs {
		out[name] = err
	}
	return out
}

// Describe lists the connected attributes in registration order
func (c *Connector) Describe() []attribute.Info {
	return c.attrs.Describe()
}

// GetAttributes reads names, or every attribute when names is empty.
// Failures and timeouts are reported per attribute in the result.
func (c *Connector) GetAttributes(ctx context.Context, names []string) (repository.BatchResult, error) {
	if err := c.checkRunning("GetAttributes"); err != nil {
		return repository.BatchResult{}, err
	}
	if len(names) == 0 {
		names = c.attrs.Names()
	}
	return c.attrs.ReadAttributes(ctx, names)
}

// SetAttribute always fails: errors.ErrAttributeNotFound for unknown
// names, errors.ErrAttributeReadOnly otherwise.
func (c *Connector) SetAttribute(ctx context.Context, name string, value any) error {
	if err := c.checkRunning("SetAttribute"); err != nil {
		return err
	}
	if _, ok := c.attrs.Get(name); !ok {
		return errors.WrapInvalid(errors.ErrAttributeNotFound, "Connector", "SetAttribute", "look up "+name)
	}
	res, err := c.attrs.WriteAttributes(ctx, map[string]any{name: value})
	if err != nil {
		return err
	}
	return res.Errors[name]
}

// ResetAll resets every push attribute and the arrivals aggregator
func (c *Connector) ResetAll() (int, error) {
	n, err := c.attrs.ResetAll()
	if err != nil {
		return 0, err
	}
	if agg := c.Arrivals(); agg != nil {
		agg.Reset()
	}
	return n, nil
}

// Distributed implements replication.Source
func (c *Connector) Distributed() map[string]attribute.Distributed {
	return c.attrs.Distributed()
}

// Arrivals implements replication.Source
func (c *Connector) Arrivals() aggregator.Aggregator {
	c.arrivalsMu.RLock()
	defer c.arrivalsMu.RUnlock()
	return c.arrivals
}

// InstallArrivals implements replication.Target. Mismatched aggregator
// types are ignored.
func (c *Connector) InstallArrivals(agg aggregator.Aggregator) {
	if agg == nil || agg.Type() != catalog.Arrivals {
		return
	}
	c.arrivalsMu.Lock()
	defer c.arrivalsMu.Unlock()
	c.arrivals = agg
}

// TakeReplica snapshots every distributable attribute and the arrivals
// aggregator.
func (c *Connector) TakeReplica() (*replication.Replica, error) {
	if err := c.checkRunning("TakeReplica"); err != nil {
		return nil, err
	}
	r := replication.Build(c)
	if c.metrics != nil {
		c.metrics.RecordReplica(c.cfg.Resource, "build", nil)
	}
	c.logger.Info("replica built", "snapshots", len(r.Snapshots), "arrivals", r.Arrivals != nil)
	return r, nil
}

// LoadReplica restores r. Dispatch is not paused; updates racing the
// restore may be overwritten.
func (c *Connector) LoadReplica(r *replication.Replica) (replication.RestoreStats, error) {
	if err := c.checkRunning("LoadReplica"); err != nil {
		return replication.RestoreStats{}, err
	}
	if r == nil {
		return replication.RestoreStats{}, errors.WrapInvalid(errors.ErrInvalidData, "Connector", "LoadReplica", "check replica")
	}
	stats := r.Restore(c)
	if c.metrics != nil {
		c.metrics.RecordReplica(c.cfg.Resource, "restore", nil)
	}
	c.logger.Info("replica restored",
		"loaded", stats.Loaded,
		"rejected", len(stats.Rejected),
		"unknown", len(stats.Unknown),
		"arrivals", stats.Arrivals)
	return stats, nil
}

// SaveReplica builds a replica and writes it to store
func (c *Connector) SaveReplica(ctx context.Context, store ReplicaStore) (uint64, error) {
	r, err := c.TakeReplica()
	if err != nil {
		return 0, err
	}
	rev, err := store.Save(ctx, c.cfg.Resource, r)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordReplica(c.cfg.Resource, "save", err)
		}
		return 0, errors.Wrap(err, "Connector", "SaveReplica", "save replica")
	}
	return rev, nil
}

// RestoreFrom loads the stored replica of this resource, if any
func (c *Connector) RestoreFrom(ctx context.Context, store ReplicaStore) (replication.RestoreStats, error) {
	r, _, err := store.Load(ctx, c.cfg.Resource)
	if err != nil {
		if c.metrics != nil {
			c.metrics.RecordReplica(c.cfg.Resource, "load", err)
		}
		return replication.RestoreStats{}, errors.Wrap(err, "Connector", "RestoreFrom", "load replica")
	}
	return c.LoadReplica(r)
}

// LastSequence returns the highest sequence number seen by this member
func (c *Connector) LastSequence() uint64 {
	return c.seq.LastSequence()
}

// Health reports the connector status. Attributes that failed to connect
// make a running connector degraded.
func (c *Connector) Health() health.Status {
	var status health.Status
	switch state := c.state.Load(); {
	case state != StateRunning:
		status = health.NewUnhealthy(c.cfg.Resource, "connector not running")
	case len(c.connectErrs) > 0 || len(c.subErrs) > 0:
		status = health.NewDegraded(c.cfg.Resource, "some attributes failed to connect")
	default:
		status = health.NewHealthy(c.cfg.Resource, "running")
	}

	m := &health.Metrics{
		ErrorCount:     c.failures.Load(),
		EventsAccepted: c.accepted.Load(),
		Attributes:     c.attrs.Len(),
		QueueDepth:     c.pool.Stats().QueueDepth,
	}
	if started := c.startedAt.Load(); started != 0 {
		m.Uptime = time.Since(time.Unix(0, started))
	}
	if last := c.lastSeen.Load(); last > 0 {
		m.LastActivity = time.Unix(0, last)
	}
	return status.WithMetrics(m)
}
