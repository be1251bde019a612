package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "attrstream"

// Metrics contains the connector-level metrics shared by every resource
type Metrics struct {
	ConnectorStatus  *prometheus.GaugeVec
	EventsAccepted   *prometheus.CounterVec
	DispatchOutcomes *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	BatchOperations  *prometheus.CounterVec
	DeliveryDropped  *prometheus.CounterVec
	ReplicaOps       *prometheus.CounterVec

	NATSConnected  prometheus.Gauge
	NATSReconnects prometheus.Counter
}

// NewMetrics creates the connector metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ConnectorStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connector",
			Name:      "status",
			Help:      "Connector status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
		}, []string{"resource"}),

		EventsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "accepted_total",
			Help:      "Events accepted for dispatch, by origin (local or remote)",
		}, []string{"resource", "origin"}),

		DispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "results_total",
			Help:      "Per-attribute dispatch results by outcome",
		}, []string{"resource", "outcome"}),

		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time to offer one event to every attribute of a resource",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"resource"}),

		BatchOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "attributes_total",
			Help:      "Per-attribute batch read/write results",
		}, []string{"resource", "operation", "status"}),

		DeliveryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "dropped_total",
			Help:      "Notification deliveries dropped because the work queue was full",
		}, []string{"resource"}),

		ReplicaOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "replica",
			Name:      "operations_total",
			Help:      "Replica build and restore operations",
		}, []string{"resource", "operation", "status"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "connected",
			Help:      "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "nats",
			Name:      "reconnects_total",
			Help:      "Total number of NATS reconnections",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectorStatus,
		m.EventsAccepted,
		m.DispatchOutcomes,
		m.DispatchDuration,
		m.BatchOperations,
		m.DeliveryDropped,
		m.ReplicaOps,
		m.NATSConnected,
		m.NATSReconnects,
	}
}

// RecordConnectorStatus updates the connector status gauge
func (m *Metrics) RecordConnectorStatus(resource string, status int) {
	m.ConnectorStatus.WithLabelValues(resource).Set(float64(status))
}

// RecordEventAccepted counts one sequenced event
func (m *Metrics) RecordEventAccepted(resource string, remote bool) {
	origin := "local"
	if remote {
		origin = "remote"
	}
	m.EventsAccepted.WithLabelValues(resource, origin).Inc()
}

// RecordDispatch counts dispatch results and the time the dispatch took
func (m *Metrics) RecordDispatch(resource string, processed, ignored, failed int, d time.Duration) {
	m.DispatchOutcomes.WithLabelValues(resource, "processed").Add(float64(processed))
	m.DispatchOutcomes.WithLabelValues(resource, "ignored").Add(float64(ignored))
	m.DispatchOutcomes.WithLabelValues(resource, "failed").Add(float64(failed))
	m.DispatchDuration.WithLabelValues(resource).Observe(d.Seconds())
}

// RecordBatch counts per-attribute batch results; status is ok, error or timeout
func (m *Metrics) RecordBatch(resource, operation, status string, n int) {
	m.BatchOperations.WithLabelValues(resource, operation, status).Add(float64(n))
}

// RecordDeliveryDropped counts one dropped notification delivery
func (m *Metrics) RecordDeliveryDropped(resource string) {
	m.DeliveryDropped.WithLabelValues(resource).Inc()
}

// RecordReplica counts a replica build or restore
func (m *Metrics) RecordReplica(resource, operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ReplicaOps.WithLabelValues(resource, operation, status).Inc()
}

// RecordNATSStatus updates NATS connection status
func (m *Metrics) RecordNATSStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	m.NATSConnected.Set(value)
}

// RecordNATSReconnect increments the reconnection counter
func (m *Metrics) RecordNATSReconnect() {
	m.NATSReconnects.Inc()
}
