package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
	"github.com/c360/attrstream/metric"
	"github.com/c360/attrstream/repository"
)

func newTestHub(t *testing.T, cfg Config, reg *metric.MetricsRegistry) (*Hub, *httptest.Server) {
	t.Helper()
	hub, err := NewHub("web", cfg, Deps{Registry: reg})
	require.NoError(t, err)

	mux := http.NewServeMux()
	hub.RegisterHTTPHandlers("/api", mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = hub.Close(time.Second)
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/resources/web/notifications" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) MessageEnvelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env MessageEnvelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func changeEvent(name string) *event.Event {
	return &event.Event{ID: "ev-" + name, Category: "attribute.change", Name: name, Timestamp: time.Now()}
}

func TestNewHub_Validation(t *testing.T) {
	_, err := NewHub("", Config{}, Deps{})
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = NewHub("web", Config{QueueSize: -1}, Deps{})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	hub, err := NewHub("web", Config{}, Deps{})
	require.NoError(t, err)
	assert.Equal(t, DefaultQueueSize, hub.cfg.QueueSize)
	assert.Equal(t, "resources/web/notifications", hub.Path())
}

func TestHub_DeliversNotifications(t *testing.T) {
	hub, srv := newTestHub(t, Config{}, metric.NewMetricsRegistry())
	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	sub := repository.Subscription{Name: "changes", Category: "attribute.change"}
	require.NoError(t, hub.Notify(context.Background(), sub, changeEvent("requests")))

	env := readEnvelope(t, conn)
	assert.Equal(t, "notification", env.Type)
	assert.Equal(t, "web", env.Resource)
	assert.Equal(t, "changes", env.Subscription)
	assert.Equal(t, "web-1", env.ID)

	var ev event.Event
	require.NoError(t, json.Unmarshal(env.Payload, &ev))
	assert.Equal(t, "requests", ev.Name)
	assert.Equal(t, "attribute.change", ev.Category)

	require.Eventually(t, func() bool { return hub.delivered.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, hub.Health().IsHealthy())
}

func TestHub_SubscriptionQueryFilters(t *testing.T) {
	hub, srv := newTestHub(t, Config{}, nil)
	conn := dial(t, srv, "?subscription=errors")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, hub.Notify(ctx, repository.Subscription{Name: "changes"}, changeEvent("a")))
	require.NoError(t, hub.Notify(ctx, repository.Subscription{Name: "errors"}, changeEvent("b")))

	env := readEnvelope(t, conn)
	assert.Equal(t, "errors", env.Subscription, "the unrequested subscription is skipped")
}

func TestHub_NotifyWithoutClients(t *testing.T) {
	hub, err := NewHub("web", Config{}, Deps{})
	require.NoError(t, err)
	assert.NoError(t, hub.Notify(context.Background(), repository.Subscription{Name: "changes"}, changeEvent("a")))
	assert.Zero(t, hub.sequence.Load())
}

func TestHub_DisconnectRemovesClient(t *testing.T) {
	hub, srv := newTestHub(t, Config{}, nil)
	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_Close(t *testing.T) {
	hub, srv := newTestHub(t, Config{}, nil)
	conn := dial(t, srv, "")
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Close(time.Second))
	require.NoError(t, hub.Close(time.Second))
	assert.Zero(t, hub.Clients())
	assert.True(t, hub.Health().IsUnhealthy())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	resp, err := http.Get(srv.URL + "/api/resources/web/notifications")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	_, srv := newTestHub(t, Config{AllowedOrigins: []string{"https://console.example"}}, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/resources/web/notifications"

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://console.example")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = resp.Body.Close()
	_ = conn.Close()
}

func TestHub_DuplicateMetricsRegistration(t *testing.T) {
	reg := metric.NewMetricsRegistry()
	_, err := NewHub("web", Config{}, Deps{Registry: reg})
	require.NoError(t, err)
	_, err = NewHub("web", Config{}, Deps{Registry: reg})
	assert.Error(t, err)
}
