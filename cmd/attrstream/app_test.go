package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/attrstream/attribute"
	"github.com/c360/attrstream/config"
	"github.com/c360/attrstream/input/udp"
	ws "github.com/c360/attrstream/output/websocket"
)

func standaloneConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Node.ID = "test-node"
	cfg.HTTP.ListenAddr = "127.0.0.1:0"
	cfg.Resources = map[string]config.ResourceConfig{
		"web": {
			Attributes: map[string]attribute.Descriptor{
				"requests": {attribute.KeyDefinition: "gauge64"},
			},
			Subscriptions: map[string]attribute.Descriptor{
				"metrics": {attribute.KeyCategory: "metrics"},
			},
			UDP:           &udp.Config{Address: "127.0.0.1:0"},
			Notifications: config.NotificationsConfig{Enabled: true},
		},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestApp_Standalone(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, standaloneConfig(t), setupLogger(io.Discard, "info", "json"))
	require.NoError(t, err)
	require.Nil(t, a.nats)
	require.Contains(t, a.hubs, "web")
	require.Contains(t, a.inputs, "web")

	require.NoError(t, a.start(ctx))
	defer func() { assert.NoError(t, a.stop(ctx, 2*time.Second)) }()

	base := "http://" + a.gateway.Addr()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+a.gateway.Addr()+"/resources/web/notifications", nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	defer conn.Close()
	require.Eventually(t, func() bool { return a.hubs["web"].Clients() == 1 }, time.Second, 5*time.Millisecond)

	udpConn, err := net.Dial("udp", a.inputs["web"].Addr())
	require.NoError(t, err)
	defer udpConn.Close()
	_, err = udpConn.Write([]byte(`{"category":"metrics","name":"requests","measurement":{"kind":"integer","name":"requests","integer":7}}`))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env ws.MessageEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "metrics", env.Subscription)
	assert.Equal(t, "web", env.Resource)

	require.Eventually(t, func() bool {
		r, err := http.Get(base + "/resources/web/values?name=requests")
		if err != nil {
			return false
		}
		defer r.Body.Close()
		body, _ := io.ReadAll(r.Body)
		return r.StatusCode == http.StatusOK && strings.Contains(string(body), `"count"`)
	}, 3*time.Second, 10*time.Millisecond)

	status := a.monitor.Aggregate(appName)
	assert.False(t, status.IsUnhealthy(), status.Message)
}

func TestApp_StopBeforeStart(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(ctx, standaloneConfig(t), setupLogger(io.Discard, "info", "text"))
	require.NoError(t, err)
	assert.NoError(t, a.stop(ctx, time.Second))
}

func TestParseFlags(t *testing.T) {
	t.Setenv("ATTRSTREAM_LOG_FORMAT", "text")

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg, err := parseFlags(fs, []string{"--config", "base.yaml", "-c", "site.yaml", "--debug"})
	require.NoError(t, err)
	assert.Equal(t, []string{"base.yaml", "site.yaml"}, cfg.ConfigPaths)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)

	t.Setenv("ATTRSTREAM_CONFIG", "/etc/attrstream/attrstream.yaml")
	cfg, err = parseFlags(flag.NewFlagSet("test", flag.ContinueOnError), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"/etc/attrstream/attrstream.yaml"}, cfg.ConfigPaths)
}

func TestValidateFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attrstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte("resources: {}\n"), 0600))

	valid := CLIConfig{ConfigPaths: []string{path}, LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}
	assert.NoError(t, validateFlags(&valid))

	tests := []struct {
		name   string
		mutate func(*CLIConfig)
	}{
		{"missing file", func(c *CLIConfig) { c.ConfigPaths = []string{path + ".missing"} }},
		{"bad level", func(c *CLIConfig) { c.LogLevel = "trace" }},
		{"bad format", func(c *CLIConfig) { c.LogFormat = "xml" }},
		{"zero timeout", func(c *CLIConfig) { c.ShutdownTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, validateFlags(&cfg))
		})
	}

	assert.NoError(t, validateFlags(&CLIConfig{ShowVersion: true}))
}

func TestRun_ValidateOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "attrstream.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
resources:
  web:
    attributes:
      requests:
        definition: gauge64
`), 0600))
	assert.NoError(t, run([]string{"--config", path, "--validate"}))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("resources: {}\n"), 0600))
	assert.Error(t, run([]string{"--config", bad, "--validate"}))
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")
	logger.Info("hidden")
	logger.Warn("shown", "key", "value")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"service":"attrstream"`)
	assert.Contains(t, out, `"key":"value"`)
}
