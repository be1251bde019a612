// Package metric provides the Prometheus metrics registry shared by the
// connector, the worker pools and the NATS client.
//
// A single MetricsRegistry is created per process. It carries the core
// connector metrics (events accepted, dispatch outcomes, batch results,
// dropped deliveries, replica operations) and lets components register
// their own collectors under a component name:
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordEventAccepted("host1", false)
//
//	depth := prometheus.NewGauge(prometheus.GaugeOpts{Name: "pool_depth", Help: "..."})
//	if err := registry.RegisterGauge("worker_pool", "pool_depth", depth); err != nil {
//	    return err
//	}
//
// Registering the same component/metric pair twice returns an Invalid-class
// error. The HTTP gateway serves Handler() on /metrics.
package metric
