// Package gateway exposes the management surface of the connectors over
// external protocols. The http subpackage serves the read-only attribute
// surface, event ingest, reset and replica hand-off over HTTP.
//
// Routes served by the HTTP gateway:
//
//	GET  /resources
//	GET  /resources/{resource}/attributes
//	GET  /resources/{resource}/values?name=a&name=b
//	PUT  /resources/{resource}/attributes/{name}   always 403
//	POST /resources/{resource}/events
//	POST /resources/{resource}/reset
//	GET  /resources/{resource}/replica
//	PUT  /resources/{resource}/replica
//	GET  /health
//	GET  /metrics
//
// Every response carries an X-Request-ID header, taken from the request
// when present.
package gateway
