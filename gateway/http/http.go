// Package http provides the HTTP management gateway for attrstream.
package http

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/attrstream/connector"
	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/event"
	"github.com/c360/attrstream/gateway"
	"github.com/c360/attrstream/health"
	"github.com/c360/attrstream/metric"
	"github.com/c360/attrstream/pkg/tlsutil"
	"github.com/c360/attrstream/replication"
)

type requestIDKey struct{}

// getOrGenerateRequestID extracts the request ID from headers or generates
// a new one
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}

	// 16 hex characters (8 random bytes)
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// RequestID returns the request ID stored in ctx by the gateway
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// Deps are the runtime dependencies of the gateway
type Deps struct {
	Connectors *connector.Registry
	Monitor    *health.Monitor
	Metrics    *metric.MetricsRegistry
	Logger     *slog.Logger
	// Handlers mount extra routes under the gateway prefix without the
	// gateway middleware
	Handlers []gateway.HTTPHandler
}

// Gateway serves the management surface of every registered connector
type Gateway struct {
	config     gateway.Config
	connectors *connector.Registry
	monitor    *health.Monitor
	metrics    *metric.MetricsRegistry
	logger     *slog.Logger
	handlers   []gateway.HTTPHandler

	running atomic.Bool

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	startTime time.Time

	requestsTotal   atomic.Uint64
	requestsSuccess atomic.Uint64
	requestsFailed  atomic.Uint64
	lastActivity    atomic.Int64
}

var _ gateway.HTTPHandler = (*Gateway)(nil)

// NewGateway creates the HTTP gateway
func NewGateway(config gateway.Config, deps Deps) (*Gateway, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Gateway", "NewGateway", "config validation")
	}
	if deps.Connectors == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "NewGateway",
			"connector registry is required")
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	monitor := deps.Monitor
	if monitor == nil {
		monitor = health.NewMonitor()
		deps.Connectors.Register(monitor)
	}

	return &Gateway{
		config:     config,
		connectors: deps.Connectors,
		monitor:    monitor,
		metrics:    deps.Metrics,
		handlers:   deps.Handlers,
		logger:     logger.With("component", "http-gateway"),
	}, nil
}

// Handler returns a mux with every gateway route registered
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	g.RegisterHTTPHandlers(g.config.PathPrefix, mux)
	return mux
}

// RegisterHTTPHandlers registers the gateway routes under prefix
func (g *Gateway) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix != "/" {
		prefix += "/"
	}

	route := func(method, path string, h http.HandlerFunc) {
		mux.Handle(method+" "+prefix+path, g.wrap(h))
	}
	route(http.MethodGet, "resources", g.handleResources)
	route(http.MethodGet, "resources/{resource}/attributes", g.handleDescribe)
	route(http.MethodGet, "resources/{resource}/values", g.handleValues)
	route(http.MethodPut, "resources/{resource}/attributes/{name}", g.handleSetAttribute)
	route(http.MethodPost, "resources/{resource}/events", g.handleEvent)
	route(http.MethodPost, "resources/{resource}/reset", g.handleReset)
	route(http.MethodGet, "resources/{resource}/replica", g.handleGetReplica)
	route(http.MethodPut, "resources/{resource}/replica", g.handlePutReplica)
	route(http.MethodGet, "health", g.handleHealth)

	if g.metrics != nil {
		mux.Handle(http.MethodGet+" "+prefix+"metrics", g.metrics.Handler())
	}
	for _, h := range g.handlers {
		h.RegisterHTTPHandlers(prefix, mux)
	}
	if g.config.EnableCORS {
		mux.Handle(http.MethodOptions+" "+prefix, g.wrap(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
	}
}

// Start listens on the configured address and serves until Stop
func (g *Gateway) Start(_ context.Context) error {
	if g.running.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Gateway", "Start",
			"gateway already running")
	}

	tlsConfig, err := tlsutil.LoadServerConfig(g.config.TLS)
	if err != nil {
		return err
	}
	ln, err := net.Listen("tcp", g.config.ListenAddr)
	if err != nil {
		return errors.WrapFatal(err, "Gateway", "Start", "listen on "+g.config.ListenAddr)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	server := &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.mu.Lock()
	g.server = server
	g.listener = ln
	g.startTime = time.Now()
	g.running.Store(true)
	g.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			g.logger.Error("http server stopped", "error", err)
		}
	}()
	g.logger.Info("http gateway listening", "addr", ln.Addr().String(), "tls", tlsConfig != nil)
	return nil
}

// Addr returns the listening address, empty before Start
func (g *Gateway) Addr() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Stop gracefully shuts the server down
func (g *Gateway) Stop(timeout time.Duration) error {
	if !g.running.CompareAndSwap(true, false) {
		return nil
	}

	g.mu.RLock()
	server := g.server
	g.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Gateway", "Stop", "shutdown http server")
	}
	return nil
}

// Health returns the gateway status with request counters
func (g *Gateway) Health() health.Status {
	if !g.running.Load() {
		return health.NewUnhealthy("http-gateway", "not running")
	}
	g.mu.RLock()
	startTime := g.startTime
	g.mu.RUnlock()

	m := &health.Metrics{
		Uptime:     time.Since(startTime),
		ErrorCount: int64(g.requestsFailed.Load()),
	}
	if last := g.lastActivity.Load(); last > 0 {
		m.LastActivity = time.Unix(0, last)
	}
	return health.NewHealthy("http-gateway", "serving").WithMetrics(m)
}

// statusRecorder captures the response status for the request counters
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// wrap applies request IDs, CORS, body limits, timeouts and counters
func (g *Gateway) wrap(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)

		g.requestsTotal.Add(1)
		g.lastActivity.Store(time.Now().UnixNano())

		if g.config.EnableCORS {
			g.applyCORS(w, r)
		}
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxRequestSize)
		}

		ctx, cancel := context.WithTimeout(r.Context(), g.config.RequestTimeout())
		defer cancel()
		ctx = context.WithValue(ctx, requestIDKey{}, requestID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r.WithContext(ctx))

		if rec.status >= http.StatusBadRequest {
			g.requestsFailed.Add(1)
		} else {
			g.requestsSuccess.Add(1)
		}
		g.logger.Debug("request handled",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status)
	})
}

// connector resolves the {resource} path value or writes a 404
func (g *Gateway) connector(w http.ResponseWriter, r *http.Request) (*connector.Connector, bool) {
	name := r.PathValue("resource")
	c, ok := g.connectors.Get(name)
	if !ok {
		g.writeError(w, http.StatusNotFound, "resource not found")
		return nil, false
	}
	return c, true
}

func (g *Gateway) handleResources(w http.ResponseWriter, _ *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]any{"resources": g.connectors.Names()})
}

func (g *Gateway) handleDescribe(w http.ResponseWriter, r *http.Request) {
	c, ok := g.connector(w, r)
	if !ok {
		return
	}
	connectErrors := make(map[string]string)
	for name, err := range c.ConnectErrors() {
		connectErrors[name] = err.Error()
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"resource":       c.Resource(),
		"attributes":     c.Describe(),
		"connect_errors": connectErrors,
	})
}

func (g *Gateway) handleValues(w http.ResponseWriter, r *http.Request) {
	c, ok := g.connector(w, r)
	if !ok {
		return
	}
	res, err := c.GetAttributes(r.Context(), r.URL.Query()["name"])
	if err != nil {
		g.writeFailure(w, r, err)
		return
	}

	failures := make(map[string]string, len(res.Errors))
	for name, err := range res.Errors {
		failures[name] = g.sanitizeError(err)
	}
	g.writeJSON(w, http.StatusOK, map[string]any{
		"values": res.Values,
		"errors": failures,
	})
}

func (g *Gateway) handleSetAttribute(w http.ResponseWriter, r *http.Request) {
	c, ok := g.connector(w, r)
	if !ok {
		return
	}
	var value any
	if err := json.NewDecoder(r.Body).Decode(&value); err != nil && !stderrors.Is(err, io.EOF) {
		g.writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := c.SetAttribute(r.Context(), r.PathValue("name"), value); err != nil {
		g.writeFailure(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleEvent(w http.ResponseWriter, r *http.Request) {
	c, ok := g.connector(w, r)
	if !ok {
		return
	}
	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		g.writeError(w, g.bodyErrorStatus(err), "invalid event")
		return
	}
	if err := c.Accept(r.Context(), &ev); err != nil {
		g.writeFailure(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusAccepted, map[string]any{
		"id":       ev.ID,
		"sequence": ev.Sequence,
	})
}

func (g *Gateway) handleReset(w http.ResponseWriter, r *http.Request) {
	c, ok := g.connector(w, r)
	if !ok {
		return
	}
	n, err := c.ResetAll()
	if err != nil {
		g.writeFailure(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"reset": n})
}

func (g *Gateway) handleGetReplica(w http.ResponseWriter, r *http.Request) {
	c, ok := g.connector(w, r)
	if !ok {
		return
	}
	comp := g.config.Compression()
	if name := r.URL.Query().Get("compression"); name != "" {
		parsed, err := replication.ParseCompression(name)
		if err != nil {
			g.writeError(w, http.StatusBadRequest, "invalid request")
			return
		}
		comp = parsed
	}

	replica, err := c.TakeReplica()
	if err != nil {
		g.writeFailure(w, r, err)
		return
	}
	data, err := replication.Marshal(replica, comp)
	if err != nil {
		g.writeFailure(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Replica-Attributes", fmt.Sprintf("%d", len(replica.Snapshots)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		g.logger.Debug("replica write failed", "request_id", RequestID(r.Context()), "error", err)
	}
}

// handlePutReplica restores a replica into the resource. Restore does not
// lock against live dispatch; callers quiesce ingest for the resource first.
func (g *Gateway) handlePutReplica(w http.ResponseWriter, r *http.Request) {
	c, ok := g.connector(w, r)
	if !ok {
		return
	}
	replica, err := replication.Decode(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			g.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		g.writeFailure(w, r, err)
		return
	}
	stats, err := c.LoadReplica(replica)
	if err != nil {
		g.writeFailure(w, r, err)
		return
	}
	g.writeJSON(w, http.StatusOK, stats)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := g.monitor.Aggregate("attrstream")
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	g.writeJSON(w, code, status)
}

// applyCORS applies CORS headers to the response
func (g *Gateway) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")

	allowed := false
	for _, allowedOrigin := range g.config.CORSOrigins {
		if allowedOrigin == "*" || allowedOrigin == origin {
			allowed = true
			break
		}
	}

	if allowed {
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")
	}
}

func (g *Gateway) bodyErrorStatus(err error) int {
	var tooLarge *http.MaxBytesError
	if stderrors.As(err, &tooLarge) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// mapErrorToHTTPStatus maps connector errors to HTTP status codes
func (g *Gateway) mapErrorToHTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusInternalServerError
	case stderrors.Is(err, errors.ErrAttributeReadOnly):
		return http.StatusForbidden
	case stderrors.Is(err, errors.ErrAttributeNotFound), stderrors.Is(err, errors.ErrKeyNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrConnectorClosed), stderrors.Is(err, errors.ErrNotStarted):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, errors.ErrDataCorrupted), stderrors.Is(err, errors.ErrInvalidData):
		return http.StatusBadRequest
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "timeout") || stderrors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// sanitizeError returns a message that is safe to show external clients
func (g *Gateway) sanitizeError(err error) string {
	switch {
	case err == nil:
		return "internal server error"
	case stderrors.Is(err, errors.ErrAttributeReadOnly):
		return errors.ErrAttributeReadOnly.Error()
	case stderrors.Is(err, errors.ErrAttributeNotFound):
		return errors.ErrAttributeNotFound.Error()
	case stderrors.Is(err, errors.ErrConnectorClosed), stderrors.Is(err, errors.ErrNotStarted):
		return "resource not running"
	case stderrors.Is(err, errors.ErrDataCorrupted):
		return "invalid replica"
	case stderrors.Is(err, errors.ErrBatchTimeout):
		return "request timeout"
	case errors.IsInvalid(err):
		return "invalid request"
	case errors.IsTransient(err):
		if strings.Contains(err.Error(), "timeout") {
			return "request timeout"
		}
		return "service temporarily unavailable"
	default:
		return "internal server error"
	}
}

// writeFailure logs err with the request ID and writes the mapped response
func (g *Gateway) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := g.mapErrorToHTTPStatus(err)
	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	g.logger.Log(r.Context(), level, "request failed",
		"request_id", RequestID(r.Context()),
		"resource", r.PathValue("resource"),
		"error", err)
	g.writeError(w, status, g.sanitizeError(err))
}

// writeError writes an error response
func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, message string) {
	g.writeJSON(w, statusCode, map[string]any{
		"error":  message,
		"status": statusCode,
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		statusCode = http.StatusInternalServerError
		data = []byte(`{"error":"internal server error","status":500}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(data)
}
