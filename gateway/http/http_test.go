package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/attrstream/attribute"
	"github.com/c360/attrstream/connector"
	pkgerrors "github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/gateway"
	"github.com/c360/attrstream/metric"
)

func TestGetOrGenerateRequestID(t *testing.T) {
	tests := []struct {
		name          string
		headerValue   string
		shouldExtract bool
	}{
		{"extract existing request ID", "existing-request-id-12345", true},
		{"generate new request ID when header missing", "", false},
		{"extract UUID-style request ID", "550e8400-e29b-41d4-a716-446655440000", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.headerValue != "" {
				req.Header.Set("X-Request-ID", tt.headerValue)
			}

			requestID := getOrGenerateRequestID(req)
			if tt.shouldExtract {
				assert.Equal(t, tt.headerValue, requestID)
			} else {
				assert.Len(t, requestID, 16)
			}
		})
	}
}

func TestGetOrGenerateRequestID_Uniqueness(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)

	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := getOrGenerateRequestID(req)
		assert.False(t, ids[id], "duplicate request ID %s", id)
		ids[id] = true
	}
}

func TestMapErrorToHTTPStatus(t *testing.T) {
	g := &Gateway{}

	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"read only", pkgerrors.WrapInvalid(pkgerrors.ErrAttributeReadOnly, "A", "Write", "set"), http.StatusForbidden, "attribute cannot be modified"},
		{"not found", pkgerrors.WrapInvalid(pkgerrors.ErrAttributeNotFound, "C", "Set", "look up"), http.StatusNotFound, "attribute not found"},
		{"closed", pkgerrors.WrapFatal(pkgerrors.ErrConnectorClosed, "C", "Accept", "check"), http.StatusServiceUnavailable, "resource not running"},
		{"corrupted replica", pkgerrors.WrapFatal(pkgerrors.ErrDataCorrupted, "r", "Decode", "read"), http.StatusBadRequest, "invalid replica"},
		{"invalid", pkgerrors.WrapInvalid(pkgerrors.ErrInvalidConfig, "C", "M", "a"), http.StatusBadRequest, "invalid request"},
		{"timeout", pkgerrors.WrapTransient(context.DeadlineExceeded, "C", "M", "a"), http.StatusGatewayTimeout, "service temporarily unavailable"},
		{"queue full", pkgerrors.WrapTransient(pkgerrors.ErrQueueFull, "C", "M", "a"), http.StatusServiceUnavailable, "service temporarily unavailable"},
		{"fatal", pkgerrors.WrapFatal(fmt.Errorf("boom"), "C", "M", "a"), http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.status, g.mapErrorToHTTPStatus(tt.err))
			assert.Equal(t, tt.message, g.sanitizeError(tt.err))
		})
	}
}

type fixture struct {
	gateway *Gateway
	server  *httptest.Server
	web     *connector.Connector
}

func newFixture(t *testing.T, cfg gateway.Config) *fixture {
	t.Helper()
	registry := metric.NewMetricsRegistry()
	connectors := connector.NewRegistry()

	web, err := connector.New(connector.Config{
		Resource: "web",
		Attributes: map[string]attribute.Descriptor{
			"requests": {attribute.KeyDefinition: "gauge64"},
			"peak":     {attribute.KeyDefinition: "get max from gauge64 requests"},
			"events":   {attribute.KeyDefinition: "notificationRate"},
		},
		TrackArrivals: true,
	}, connector.Deps{Registry: registry})
	require.NoError(t, err)
	require.NoError(t, connectors.Add(web))
	require.NoError(t, connectors.StartAll(context.Background()))
	t.Cleanup(func() { _ = connectors.StopAll(time.Second) })

	g, err := NewGateway(cfg, Deps{Connectors: connectors, Metrics: registry})
	require.NoError(t, err)

	server := httptest.NewServer(g.Handler())
	t.Cleanup(server.Close)
	return &fixture{gateway: g, server: server, web: web}
}

func (f *fixture) do(t *testing.T, method, path string, body io.Reader) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func TestGateway_Routes(t *testing.T) {
	f := newFixture(t, gateway.DefaultConfig())

	resp, body := f.do(t, http.MethodGet, "/resources", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []any{"web"}, decode(t, body)["resources"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, body = f.do(t, http.MethodGet, "/resources/web/attributes", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode(t, body)["attributes"], 3)

	resp, _ = f.do(t, http.MethodGet, "/resources/nope/attributes", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	ev := `{"category":"metrics","name":"requests","timestamp":1714564800000,
		"measurement":{"kind":"integer","name":"requests","integer":42}}`
	resp, body = f.do(t, http.MethodPost, "/resources/web/events", strings.NewReader(ev))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	accepted := decode(t, body)
	assert.Equal(t, float64(1), accepted["sequence"])
	assert.NotEmpty(t, accepted["id"])

	require.Eventually(t, func() bool {
		_, body := f.do(t, http.MethodGet, "/resources/web/values?name=peak", nil)
		values, _ := decode(t, body)["values"].(map[string]any)
		return values["peak"] == float64(42)
	}, 2*time.Second, 10*time.Millisecond)

	resp, body = f.do(t, http.MethodGet, "/resources/web/values?name=requests&name=nope", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode(t, body)
	requests := out["values"].(map[string]any)["requests"].(map[string]any)
	assert.Equal(t, float64(1), requests["count"])
	assert.Equal(t, "attribute not found", out["errors"].(map[string]any)["nope"])

	resp, _ = f.do(t, http.MethodPost, "/resources/web/events", strings.NewReader(`{"name":`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPost, "/resources/web/events", strings.NewReader(`{"name":"x"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "category is required")

	resp, body = f.do(t, http.MethodPost, "/resources/web/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), decode(t, body)["reset"])
}

func TestGateway_AttributesAreReadOnly(t *testing.T) {
	f := newFixture(t, gateway.DefaultConfig())

	resp, body := f.do(t, http.MethodPut, "/resources/web/attributes/requests", strings.NewReader(`5`))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "attribute cannot be modified", decode(t, body)["error"])

	resp, _ = f.do(t, http.MethodPut, "/resources/web/attributes/unknown", strings.NewReader(`5`))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/resources/web/attributes/requests", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestGateway_ReplicaRoundTrip(t *testing.T) {
	f := newFixture(t, gateway.DefaultConfig())
	for i := 0; i < 3; i++ {
		ev := fmt.Sprintf(`{"category":"metrics","name":"requests","measurement":{"kind":"integer","name":"requests","integer":%d}}`, i)
		resp, _ := f.do(t, http.MethodPost, "/resources/web/events", strings.NewReader(ev))
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
	}
	require.Eventually(t, func() bool {
		res, err := f.web.GetAttributes(context.Background(), []string{"events"})
		if err != nil {
			return false
		}
		c, _ := json.Marshal(res.Values["events"])
		return strings.Contains(string(c), `"count":3`)
	}, 2*time.Second, 10*time.Millisecond)

	for _, comp := range []string{"", "none", "zstd"} {
		resp, replica := f.do(t, http.MethodGet, "/resources/web/replica?compression="+comp, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, comp)
		assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
		assert.Equal(t, "2", resp.Header.Get("X-Replica-Attributes"))

		resp, body := f.do(t, http.MethodPut, "/resources/web/replica", bytes.NewReader(replica))
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		stats := decode(t, body)
		assert.Equal(t, float64(2), stats["loaded"])
		assert.Equal(t, true, stats["arrivals"])
	}

	resp, _ := f.do(t, http.MethodGet, "/resources/web/replica?compression=gzip", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPut, "/resources/web/replica", strings.NewReader("ASRP garbage"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid replica", decode(t, body)["error"])
}

func TestGateway_HealthAndMetrics(t *testing.T) {
	f := newFixture(t, gateway.DefaultConfig())

	resp, body := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	status := decode(t, body)
	assert.Equal(t, "healthy", status["status"])
	assert.Len(t, status["sub_statuses"], 1)

	resp, body = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "attrstream_connector_status")

	require.NoError(t, f.web.Stop(time.Second))
	resp, _ = f.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/resources/web/values", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestGateway_RequestPolicies(t *testing.T) {
	cfg := gateway.DefaultConfig()
	cfg.MaxRequestSize = 64
	cfg.PathPrefix = "/api"
	cfg.EnableCORS = true
	cfg.CORSOrigins = []string{"https://ops.example.com"}
	f := newFixture(t, cfg)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/resources", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "trace-123")
	req.Header.Set("Origin", "https://ops.example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "trace-123", resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "https://ops.example.com", resp.Header.Get("Access-Control-Allow-Origin"))

	resp, _ = f.do(t, http.MethodGet, "/resources", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "routes live under the prefix")

	big := `{"category":"metrics","name":"requests","message":"` + strings.Repeat("x", 128) + `"}`
	resp, _ = f.do(t, http.MethodPost, "/api/resources/web/events", strings.NewReader(big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	h := f.gateway.Health()
	assert.True(t, h.IsUnhealthy(), "handler-only use does not start the listener")
}

func TestGateway_StartStop(t *testing.T) {
	cfg := gateway.DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	connectors := connector.NewRegistry()
	g, err := NewGateway(cfg, Deps{Connectors: connectors})
	require.NoError(t, err)

	require.NoError(t, g.Start(context.Background()))
	assert.ErrorIs(t, g.Start(context.Background()), pkgerrors.ErrAlreadyStarted)

	resp, err := http.Get("http://" + g.Addr() + "/resources")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, g.Health().IsHealthy())

	require.NoError(t, g.Stop(time.Second))
	require.NoError(t, g.Stop(time.Second))
}

func TestNewGateway_Validation(t *testing.T) {
	_, err := NewGateway(gateway.DefaultConfig(), Deps{})
	assert.ErrorIs(t, err, pkgerrors.ErrMissingConfig)

	cfg := gateway.DefaultConfig()
	cfg.EnableCORS = true
	_, err = NewGateway(cfg, Deps{Connectors: connector.NewRegistry()})
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidConfig)
}

type pingHandler struct{}

func (pingHandler) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc("GET "+prefix+"ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})
}

func TestGateway_MountsExtraHandlers(t *testing.T) {
	cfg := gateway.DefaultConfig()
	cfg.PathPrefix = "/api"
	g, err := NewGateway(cfg, Deps{Connectors: connector.NewRegistry(), Handlers: []gateway.HTTPHandler{pingHandler{}}})
	require.NoError(t, err)

	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pong", string(body))
	assert.Empty(t, resp.Header.Get("X-Request-ID"), "extra handlers bypass gateway middleware")
}
