// Package admin serves the HTTP API that presentation layers use to manage
// tool servers, call tools, read execution history and follow lifecycle
// events.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/entrhq/monkey/pkg/browser"
	"github.com/entrhq/monkey/pkg/definition"
	"github.com/entrhq/monkey/pkg/dispatch"
	"github.com/entrhq/monkey/pkg/logging"
	"github.com/entrhq/monkey/pkg/server"
	"github.com/entrhq/monkey/pkg/tool"
)

const (
	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// Registry is the server registry as the admin API sees it.
type Registry interface {
	dispatch.Resolver

	Create(ctx context.Context, def definition.Server) (server.Record, error)
	Delete(ctx context.Context, id string) error
	Start(ctx context.Context, id string) (server.Record, error)
	Stop(ctx context.Context, id string) (server.Record, error)
	Reset(id string) (server.Record, error)

	AddTool(ctx context.Context, id string, def tool.Definition) (tool.Definition, error)
	ReplaceTool(ctx context.Context, id string, def tool.Definition) (tool.Definition, error)
	RemoveTool(ctx context.Context, id, name string) error

	Get(id string) (server.Record, error)
	List() []server.Record
	History(id string, limit int) ([]dispatch.ExecutionRecord, error)
	Execution(id, executionID string) (dispatch.ExecutionRecord, error)
	Events() *server.Bus
}

// Pool reports browser pool occupancy.
type Pool interface {
	Stats() browser.PoolStats
	Sessions() []browser.SessionInfo
}

// API is the admin HTTP handler.
type API struct {
	registry Registry
	router   *dispatch.Router
	pool     Pool
	gatherer prometheus.Gatherer
	logger   *logging.Logger
	upgrader websocket.Upgrader
	started  time.Time
	handler  http.Handler
}

// Option configures an API.
type Option func(*API)

// WithPool enables GET /api/pool and adds pool stats to /healthz.
func WithPool(p Pool) Option {
	return func(a *API) {
		a.pool = p
	}
}

// WithGatherer serves the given metrics at /metrics instead of the default
// registry's.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *API) {
		a.gatherer = g
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(a *API) {
		a.logger = l
	}
}

// New creates the admin API over reg.
func New(reg Registry, opts ...Option) *API {
	a := &API{
		registry: reg,
		router:   dispatch.NewRouter(reg),
		gatherer: prometheus.DefaultGatherer,
		logger:   logging.Nop(),
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.handler = a.routes()
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

func (a *API) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(a.recoverPanics, a.logRequests)
	r.NotFoundHandler = http.HandlerFunc(a.notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(a.methodNotAllowed)

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/api/servers", a.handleListServers).Methods(http.MethodGet)
	r.HandleFunc("/api/servers", a.handleCreateServer).Methods(http.MethodPost)
	r.HandleFunc("/api/servers/{id}", a.handleGetServer).Methods(http.MethodGet)
	r.HandleFunc("/api/servers/{id}", a.handleDeleteServer).Methods(http.MethodDelete)
	r.HandleFunc("/api/servers/{id}/start", a.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/api/servers/{id}/stop", a.handleStop).Methods(http.MethodPost)
	r.HandleFunc("/api/servers/{id}/reset", a.handleReset).Methods(http.MethodPost)
	r.HandleFunc("/api/servers/{id}/tools", a.handleListTools).Methods(http.MethodGet)
	r.HandleFunc("/api/servers/{id}/tools", a.handleAddTool).Methods(http.MethodPost)
	r.HandleFunc("/api/servers/{id}/tools/{name}", a.handleReplaceTool).Methods(http.MethodPut)
	r.HandleFunc("/api/servers/{id}/tools/{name}", a.handleRemoveTool).Methods(http.MethodDelete)
	r.HandleFunc("/api/servers/{id}/history", a.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/api/servers/{id}/history/{execution}", a.handleExecution).Methods(http.MethodGet)
	r.HandleFunc("/api/dispatch", a.handleDispatch).Methods(http.MethodPost)
	r.HandleFunc("/api/pool", a.handlePool).Methods(http.MethodGet)
	r.HandleFunc("/api/events", a.handleEvents).Methods(http.MethodGet)
	return r
}

// Serve runs the API on addr until ctx ends. ready, if not nil, receives the
// bound address once the listener is open.
func (a *API) Serve(ctx context.Context, addr string, ready func(addr string)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", addr, err)
	}
	// Event streams are hijacked connections that Shutdown does not track;
	// they end with ctx through the request context.
	srv := &http.Server{
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	a.logger.Infof("admin API listening on http://%s", ln.Addr())
	if ready != nil {
		ready(ln.Addr().String())
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_ = srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}
