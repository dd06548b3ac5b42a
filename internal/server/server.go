// Package server provides the HTTP server that fronts the themecast hub.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/HerbHall/themecast/internal/version"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessChecker verifies that the server is ready to serve traffic.
// Returns nil if ready, an error describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// GatewayStatus is the live connection summary shown by the health route.
type GatewayStatus struct {
	Clients   int       `json:"clients"`
	NextReset time.Time `json:"next_reset,omitzero"`
}

// StatusReporter supplies the GatewayStatus for a health request.
type StatusReporter func(ctx context.Context) (GatewayStatus, error)

// RouteRegistrar lets other packages mount routes without the server
// importing them.
type RouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Options configures a Server. Ready and Status may be nil.
type Options struct {
	Addr string
	// RateLimit is requests per second per client address; zero disables it.
	RateLimit  float64
	RateBurst  int
	TrustProxy bool
	Ready      ReadinessChecker
	Status     StatusReporter
}

// Operational route patterns.
const (
	routeHealthz = "GET /healthz"
	routeReadyz  = "GET /readyz"
	routeMetrics = "GET /metrics"
	routeHealth  = "GET /api/v1/health"
)

// Server is the themecast HTTP server.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
	status     StatusReporter
}

// New creates a Server with middleware and routes.
func New(opts Options, logger *zap.Logger, routes ...RouteRegistrar) *Server {
	mux := http.NewServeMux()

	s := &Server{
		logger: logger,
		mux:    mux,
		ready:  opts.Ready,
		status: opts.Status,
	}

	s.registerRoutes()
	for _, r := range routes {
		r.RegisterRoutes(mux)
	}

	route := muxRoute(mux)
	probes := []string{routeHealthz, routeReadyz, routeMetrics}

	// Middleware chain: outermost listed first.
	handler := Chain(mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, route, probes),
		HeadersMiddleware,
		RateLimitMiddleware(RateLimitOptions{
			RPS:        opts.RateLimit,
			Burst:      opts.RateBurst,
			TrustProxy: opts.TrustProxy,
			SkipRoutes: probes,
		}, route, logger),
	)

	// No read/write timeouts: WebSocket connections are long-lived and
	// manage their own deadlines.
	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// registerRoutes sets up the operational routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc(routeHealthz, s.handleHealthz)
	s.mux.HandleFunc(routeReadyz, s.handleReadyz)
	s.mux.Handle(routeMetrics, promhttp.Handler())
	s.mux.HandleFunc(routeHealth, s.handleHealth)
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listen address and serves until Shutdown. A bind failure
// is returned as an error.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz is a liveness probe -- returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// handleReadyz returns 200 once the hub event loop answers.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			Unavailable(w, err.Error(), r.URL.Path)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Service string            `json:"service"`
	Version map[string]string `json:"version"`
	Gateway *GatewayStatus    `json:"gateway,omitempty"`
}

// handleHealth reports build info and, when a StatusReporter is set, the
// connected clients and next inactivity reset. A failing reporter marks the
// service degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Service: "themecast",
		Version: version.Map(),
	}
	if s.status != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		st, err := s.status(ctx)
		if err != nil {
			s.logger.Warn("gateway status unavailable", zap.Error(err))
			resp.Status = "degraded"
		} else {
			resp.Gateway = &st
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
