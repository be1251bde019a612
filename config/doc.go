// Package config loads the attrstream process configuration.
//
// Configuration is read from one or more JSON or YAML layers merged over
// Defaults, followed by ATTRSTREAM_* environment overrides:
//
//	loader := config.NewLoader()
//	loader.AddLayer("attrstream.yaml")
//	loader.AddLayer("production.json") // overrides the base layer
//	cfg, err := loader.Load()
//
// Each entry under resources becomes one connector. ResourceConfig.ToConnector
// converts it into a connector.Config; attribute descriptors are passed
// through unparsed so that a bad definition is reported as a connect error
// by the connector rather than failing the whole process.
//
// Supported overrides: ATTRSTREAM_NODE_ID, ATTRSTREAM_NATS_URLS (comma
// separated), ATTRSTREAM_NATS_USERNAME, ATTRSTREAM_NATS_PASSWORD,
// ATTRSTREAM_NATS_TOKEN, ATTRSTREAM_HTTP_ADDR and
// ATTRSTREAM_REPLICA_COMPRESSION.
package config
