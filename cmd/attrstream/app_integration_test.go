//go:build integration

package main

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/attrstream/attribute"
	"github.com/c360/attrstream/catalog"
	"github.com/c360/attrstream/config"
	"github.com/c360/attrstream/connector"
	"github.com/c360/attrstream/event"
	"github.com/c360/attrstream/natsclient"
)

func clusterConfig(t *testing.T, url, node string) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Node.ID = node
	cfg.NATS.URLs = []string{url}
	cfg.HTTP.ListenAddr = "127.0.0.1:0"
	cfg.Replicas.RestoreOnStart = true
	cfg.Replicas.SaveOnStop = true
	cfg.Resources = map[string]config.ResourceConfig{
		"web": {
			Unicast: true,
			Attributes: map[string]attribute.Descriptor{
				"requests": {attribute.KeyDefinition: "gauge64"},
			},
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func startMember(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	ctx := context.Background()
	a, err := newApp(ctx, cfg, setupLogger(io.Discard, "info", "json"))
	require.NoError(t, err)
	require.NoError(t, a.start(ctx))
	return a
}

func requestCount(t *testing.T, c *connector.Connector) int64 {
	t.Helper()
	res, err := c.GetAttributes(context.Background(), []string{"requests"})
	require.NoError(t, err)
	v, ok := res.Values["requests"].(catalog.Composite)
	if !ok {
		return 0
	}
	n, _ := v.Get("count")
	count, _ := n.(int64)
	return count
}

func TestApp_ClusterUnicastAndReplicas(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	a := startMember(t, clusterConfig(t, tc.URL, "node-a"))
	b := startMember(t, clusterConfig(t, tc.URL, "node-b"))
	require.NotNil(t, a.replicas)

	ca, _ := a.connectors.Get("web")
	cb, _ := b.connectors.Get("web")

	for i := 0; i < 3; i++ {
		ev := event.New("metrics", "requests", event.IntegerMeasurement("requests", int64(i)))
		require.NoError(t, ca.Accept(ctx, ev))
	}

	require.Eventually(t, func() bool { return requestCount(t, cb) == 3 }, 5*time.Second, 20*time.Millisecond,
		"events accepted on one member are applied on the other")
	assert.Equal(t, ca.LastSequence(), cb.LastSequence())

	require.NoError(t, b.stop(ctx, 2*time.Second))
	require.NoError(t, a.stop(ctx, 2*time.Second))

	c := startMember(t, clusterConfig(t, tc.URL, "node-c"))
	defer func() { _ = c.stop(ctx, 2*time.Second) }()
	cc, _ := c.connectors.Get("web")
	assert.Equal(t, int64(3), requestCount(t, cc), "a new member restores the saved replica")
}
