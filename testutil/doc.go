// Package testutil provides in-memory stand-ins for the NATS services used
// by the cluster and replication packages.
//
// MockNATSClient implements the core publish/subscribe surface of
// natsclient.Client and delivers synchronously to every subscriber, which
// makes broadcast ordering deterministic in tests. MockKVStore implements
// the Get/Put/Delete/UpdateWithRetry surface of natsclient.KVStore with
// per-key revisions.
//
// Both mocks accept injected errors so failure paths can be exercised
// without a server:
//
//	transport := testutil.NewMockNATSClient()
//	transport.FailPublish(errors.New("connection lost"))
package testutil
