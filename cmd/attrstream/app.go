package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/attrstream/cluster"
	"github.com/c360/attrstream/config"
	"github.com/c360/attrstream/connector"
	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/filter"
	"github.com/c360/attrstream/gateway"
	gatewayhttp "github.com/c360/attrstream/gateway/http"
	"github.com/c360/attrstream/grammar"
	"github.com/c360/attrstream/health"
	"github.com/c360/attrstream/input/udp"
	"github.com/c360/attrstream/metric"
	"github.com/c360/attrstream/natsclient"
	"github.com/c360/attrstream/output/websocket"
	"github.com/c360/attrstream/pkg/tlsutil"
	"github.com/c360/attrstream/replication"
)

// clusterServices are shared by every connector of this member
type clusterServices struct {
	counter     cluster.Counter
	membership  cluster.Membership
	broadcaster func(resource string) cluster.Broadcaster
}

// app owns every long-running part of one member
type app struct {
	cfg     *config.Config
	nodeID  string
	logger  *slog.Logger
	metrics *metric.MetricsRegistry
	monitor *health.Monitor

	nats     *natsclient.Client
	replicas *replication.Store

	connectors *connector.Registry
	hubs       map[string]*websocket.Hub
	inputs     map[string]*udp.Input
	gateway    *gatewayhttp.Gateway
}

// newApp wires the member from cfg. With NATS urls configured it connects
// before returning; otherwise every cluster service is in-process.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:        cfg,
		nodeID:     cfg.Node.ID,
		logger:     logger,
		metrics:    metric.NewMetricsRegistry(),
		monitor:    health.NewMonitor(),
		connectors: connector.NewRegistry(),
		hubs:       make(map[string]*websocket.Hub),
		inputs:     make(map[string]*udp.Input),
	}
	if a.nodeID == "" {
		a.nodeID = cluster.NewNodeID()
	}

	svc, err := a.setupCluster(ctx)
	if err != nil {
		a.closeNATS(ctx)
		return nil, err
	}

	parser, err := grammar.NewParser()
	if err != nil {
		a.closeNATS(ctx)
		return nil, errors.WrapFatal(err, "app", "newApp", "create definition parser")
	}
	filters := filter.NewCompiler()

	var handlers []gateway.HTTPHandler
	for _, name := range cfg.ResourceNames() {
		if err := a.buildResource(name, svc, parser, filters); err != nil {
			a.closeNATS(ctx)
			return nil, err
		}
		if hub, ok := a.hubs[name]; ok {
			handlers = append(handlers, hub)
		}
	}

	a.gateway, err = gatewayhttp.NewGateway(cfg.HTTP, gatewayhttp.Deps{
		Connectors: a.connectors,
		Monitor:    a.monitor,
		Metrics:    a.metrics,
		Logger:     logger,
		Handlers:   handlers,
	})
	if err != nil {
		a.closeNATS(ctx)
		return nil, err
	}

	a.registerHealth()
	return a, nil
}

func (a *app) setupCluster(ctx context.Context) (clusterServices, error) {
	if !a.cfg.NATS.Enabled() {
		a.logger.Info("No NATS urls configured, running standalone", "node", a.nodeID)
		return clusterServices{
			counter:    cluster.NewMemoryCounter(),
			membership: cluster.NewStaticMembership(a.nodeID),
		}, nil
	}

	client, err := a.newNATSClient()
	if err != nil {
		return clusterServices{}, err
	}
	a.nats = client
	if err := connectToNATS(ctx, client, a.logger); err != nil {
		return clusterServices{}, err
	}

	counterBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      a.cfg.NATS.CounterBucket,
		Description: "attrstream per-resource sequence counters",
		History:     1,
		Replicas:    a.cfg.NATS.KVReplicas,
	})
	if err != nil {
		return clusterServices{}, errors.Wrap(err, "app", "setupCluster", "create counter bucket")
	}

	if a.cfg.Replicas.RestoreOnStart || a.cfg.Replicas.SaveOnStop {
		compression, err := replication.ParseCompression(a.cfg.Replicas.Compression)
		if err != nil {
			return clusterServices{}, err
		}
		replicaBucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
			Bucket:      a.cfg.Replicas.Bucket,
			Description: "attrstream resource replicas",
			History:     1,
			Replicas:    a.cfg.NATS.KVReplicas,
		})
		if err != nil {
			return clusterServices{}, errors.Wrap(err, "app", "setupCluster", "create replica bucket")
		}
		a.replicas = replication.NewStore(client.NewKVStore(replicaBucket), compression)
	}

	client.OnHealthChange(func(healthy bool) {
		if healthy {
			a.logger.Info("NATS connection restored, member active", "node", a.nodeID)
		} else {
			a.logger.Warn("NATS connection lost, member inactive", "node", a.nodeID)
		}
	})

	return clusterServices{
		counter:    cluster.NewKVCounter(client.NewKVStore(counterBucket)),
		membership: cluster.NewHealthMembership(a.nodeID, client),
		broadcaster: func(resource string) cluster.Broadcaster {
			return cluster.NewNATSBroadcaster(client, resource, a.logger)
		},
	}, nil
}

func (a *app) newNATSClient() (*natsclient.Client, error) {
	n := a.cfg.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(n.MaxReconnects),
		natsclient.WithReconnectWait(n.ReconnectDelay()),
		natsclient.WithLogger(a.logger),
		natsclient.WithMetrics(a.metrics.CoreMetrics()),
	}
	name := n.Name
	if name == "" {
		name = appName + "-" + a.nodeID
	}
	opts = append(opts, natsclient.WithName(name))
	if n.Username != "" {
		opts = append(opts, natsclient.WithCredentials(n.Username, n.Password))
	}
	if n.Token != "" {
		opts = append(opts, natsclient.WithToken(n.Token))
	}
	if n.TLS != nil {
		tlsConfig, err := tlsutil.LoadClientConfig(*n.TLS)
		if err != nil {
			return nil, err
		}
		opts = append(opts, natsclient.WithTLSConfig(tlsConfig))
	}

	client, err := natsclient.NewClient(strings.Join(n.URLs, ","), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	return client, nil
}

// connectToNATS establishes the connection and waits for it to be ready
func connectToNATS(ctx context.Context, client *natsclient.Client, logger *slog.Logger) error {
	logger.Info("Connecting to NATS", "url", client.URL())
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nil
}

func (a *app) buildResource(name string, svc clusterServices, parser *grammar.Parser, filters *filter.Compiler) error {
	res := a.cfg.Resources[name]
	cc, err := res.ToConnector(name)
	if err != nil {
		return err
	}

	deps := connector.Deps{
		Counter:    svc.counter,
		Membership: svc.membership,
		Parser:     parser,
		Filters:    filters,
		Registry:   a.metrics,
		Logger:     a.logger,
	}
	if res.Unicast && svc.broadcaster != nil {
		deps.Broadcaster = svc.broadcaster(name)
	}

	if res.Notifications.Enabled {
		hub, err := websocket.NewHub(name, res.Notifications.ToHub(), websocket.Deps{
			Registry: a.metrics,
			Logger:   a.logger,
		})
		if err != nil {
			return err
		}
		a.hubs[name] = hub
		deps.Listeners = append(deps.Listeners, hub)
	}

	c, err := connector.New(cc, deps)
	if err != nil {
		return err
	}
	if err := a.connectors.Add(c); err != nil {
		return err
	}

	if res.UDP != nil {
		in, err := udp.NewInput(*res.UDP, udp.Deps{
			Resource: name,
			Target:   c,
			Registry: a.metrics,
			Logger:   a.logger,
		})
		if err != nil {
			return err
		}
		a.inputs[name] = in
	}

	a.logger.Info("Resource configured",
		"resource", name,
		"attributes", len(cc.Attributes),
		"subscriptions", len(cc.Subscriptions),
		"connect_errors", len(c.ConnectErrors()),
		"unicast", cc.Unicast,
		"udp", res.UDP != nil,
		"notifications", res.Notifications.Enabled)
	return nil
}

func (a *app) registerHealth() {
	a.connectors.Register(a.monitor)
	for name, in := range a.inputs {
		a.monitor.Register("udp:"+name, in)
	}
	for name, hub := range a.hubs {
		a.monitor.Register("websocket:"+name, hub)
	}
	a.monitor.Register("gateway", a.gateway)
	if a.nats != nil {
		client := a.nats
		a.monitor.Register("nats", health.CheckerFunc(func() health.Status {
			if client.IsHealthy() {
				return health.NewHealthy("nats", client.Status().String())
			}
			return health.NewUnhealthy("nats", client.Status().String())
		}))
	}
}

// start brings connectors up first, restores replicas, then opens the
// inputs and the gateway so no event reaches a half-restored resource.
func (a *app) start(ctx context.Context) error {
	if err := a.connectors.StartAll(ctx); err != nil {
		return err
	}

	if a.replicas != nil && a.cfg.Replicas.RestoreOnStart {
		a.restoreReplicas(ctx)
	}

	for _, name := range a.cfg.ResourceNames() {
		in, ok := a.inputs[name]
		if !ok {
			continue
		}
		if err := in.Start(ctx); err != nil {
			return errors.Wrap(err, "app", "start", "start UDP input for "+name)
		}
	}

	if err := a.gateway.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("Gateway listening", "address", a.gateway.Addr())
	return nil
}

func (a *app) restoreReplicas(ctx context.Context) {
	for _, name := range a.connectors.Names() {
		c, _ := a.connectors.Get(name)
		stats, err := c.RestoreFrom(ctx, a.replicas)
		switch {
		case stderrors.Is(err, errors.ErrKeyNotFound):
			a.logger.Info("No stored replica", "resource", name)
		case err != nil:
			a.logger.Error("Replica restore failed", "resource", name, "error", err)
		default:
			a.logger.Info("Replica restored", "resource", name, "loaded", stats.Loaded)
		}
	}
}

func (a *app) saveReplicas(ctx context.Context) error {
	var errs []error
	for _, name := range a.connectors.Names() {
		c, _ := a.connectors.Get(name)
		if !c.Running() {
			continue
		}
		rev, err := c.SaveReplica(ctx, a.replicas)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		a.logger.Info("Replica saved", "resource", name, "revision", rev)
	}
	return stderrors.Join(errs...)
}

// stop shuts down in reverse dependency order and joins every error
func (a *app) stop(ctx context.Context, timeout time.Duration) error {
	var errs []error

	if err := a.gateway.Stop(timeout); err != nil {
		errs = append(errs, err)
	}
	for _, in := range a.inputs {
		if err := in.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if a.replicas != nil && a.cfg.Replicas.SaveOnStop {
		if err := a.saveReplicas(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.connectors.StopAll(timeout); err != nil {
		errs = append(errs, err)
	}
	for _, hub := range a.hubs {
		if err := hub.Close(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeNATS(ctx)

	return stderrors.Join(errs...)
}

func (a *app) closeNATS(ctx context.Context) {
	if a.nats == nil {
		return
	}
	if err := a.nats.Close(ctx); err != nil {
		a.logger.Warn("NATS close failed", "error", err)
	}
	a.nats = nil
}
