// Package attrstream turns an inbound stream of typed measurement events into
// named, strongly-typed, read-only management attributes.
//
// Each managed resource is owned by a connector. The connector parses the
// attribute and subscription descriptors it was configured with, routes every
// accepted event to the attributes whose filters match it, and keeps the
// resulting values and notification subscriptions in its repositories.
//
// # Packages
//
// The engine is split by concern:
//
//	event        inbound event and measurement model
//	catalog      metric type table and composite values
//	aggregator   stateful numeric aggregators behind the catalog types
//	grammar      attribute definition parser
//	filter       event predicate compiler
//	attribute    attribute variants (stateful, derived, notification)
//	repository   attribute and notification repositories
//	sequencer    gap-free per-resource ordering of accepted events
//	cluster      sequence counters, membership and unicast broadcast
//	replication  binary replica encoding and KV-backed replica store
//	connector    owner of one resource and its management surface
//
// Outer layers expose the engine:
//
//	config            layered JSON/YAML configuration with env overrides
//	natsclient        NATS connection, JetStream KV and test containers
//	gateway/http      HTTP management and ingest surface
//	input/udp         UDP event ingest
//	output/websocket  live notification delivery to WebSocket clients
//	metric, health    Prometheus metrics and health aggregation
//
// # Running
//
// cmd/attrstream runs one member. Without NATS urls every cluster service is
// in-process. With NATS, members of the same resource share a KV sequence
// counter, unicast resources broadcast accepted events to every healthy
// member, and replicas are restored on start and saved on stop through a KV
// bucket.
//
//	attrstream --config attrstream.yaml --config site.yaml
//	attrstream --config attrstream.yaml --validate
package attrstream
