// Package httpapi serves the HTTP gateway: tool execution, routed asks, the
// OpenAI-shaped chat adapter, and operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mimo/internal/gateway"
	"mimo/internal/knowledge"
	"mimo/internal/logging"
	"mimo/internal/memory"
	"mimo/internal/registry"
	"mimo/internal/router"
)

// Dispatcher is the call seam; satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, call gateway.ToolCall) (*gateway.ToolResult, error)
}

// Options configures the HTTP frontend.
type Options struct {
	Port             int
	APIKey           string
	RatePerMinute    int
	RequestTimeout   time.Duration
	Sandbox          bool
	ExposeDeprecated bool
}

// Server is the HTTP gateway.
type Server struct {
	dispatcher Dispatcher
	registry   *registry.Registry
	router     *router.Router
	memory     *memory.Service
	graph      *knowledge.Graph
	completer  gateway.Completer
	opts       Options
	startedAt  time.Time
	logger     logging.Logger

	httpServer *http.Server
}

// New assembles the server and its routes.
func New(dispatcher Dispatcher, reg *registry.Registry, rt *router.Router, mem *memory.Service, graph *knowledge.Graph, completer gateway.Completer, gatherer prometheus.Gatherer, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = 4000
	}
	if opts.RatePerMinute == 0 {
		opts.RatePerMinute = 60
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	s := &Server{
		dispatcher: dispatcher,
		registry:   reg,
		router:     rt,
		memory:     mem,
		graph:      graph,
		completer:  completer,
		opts:       opts,
		startedAt:  time.Now(),
		logger:     logging.NewComponentLogger("HTTP"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("POST /v1/tool", s.handleTool)
	mux.HandleFunc("POST /v1/ask", s.handleAsk)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChat)
	mux.HandleFunc("GET /v1/models", s.handleModels)
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	handler := chain(mux,
		recoveryMiddleware(s.logger),
		rateLimitMiddleware(opts.RatePerMinute),
		authMiddleware(opts.APIKey),
		timeoutMiddleware(opts.RequestTimeout),
	)
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// sandboxed reports whether this request must be treated as read-only.
func (s *Server) sandboxed(r *http.Request) bool {
	return s.opts.Sandbox || r.Header.Get("X-Sandbox") == "1"
}

// writeJSON emits a 200 body.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// errorBody is the stable error shape.
type errorBody struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	LatencyMS int64  `json:"latency_ms"`
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, start time.Time) {
	kind := gateway.KindOf(err)
	writeJSON(w, gateway.HTTPStatus(kind), errorBody{
		Error:     err.Error(),
		Kind:      string(kind),
		LatencyMS: time.Since(start).Milliseconds(),
	})
}

func decodeBody(r *http.Request, into any) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(into); err != nil {
		return gateway.Errorf(gateway.KindInvalidArguments, "invalid request body: %v", err)
	}
	return nil
}
