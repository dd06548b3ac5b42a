package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/HerbHall/themecast/internal/version"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Prometheus HTTP metrics, labelled by route pattern so unknown paths cannot
// grow the label set.
var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, including WebSocket handshakes.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds. Upgraded WebSocket sessions are not observed.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	httpRateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "themecast_http_rate_limited_total",
			Help: "Requests refused by the per-client rate limit.",
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(httpRateLimited)
}

// Middleware is a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// Chain applies middleware in order (first argument is outermost).
func Chain(handler http.Handler, mw ...Middleware) http.Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		handler = mw[i](handler)
	}
	return handler
}

// RouteFunc names the route a request will be served by.
type RouteFunc func(r *http.Request) string

// routeUnmatched labels requests no registered pattern accepts.
const routeUnmatched = "unmatched"

// muxRoute resolves requests to the pattern mux would dispatch them to.
func muxRoute(mux *http.ServeMux) RouteFunc {
	return func(r *http.Request) string {
		if _, pattern := mux.Handler(r); pattern != "" {
			return pattern
		}
		return routeUnmatched
	}
}

// requestIDKey is a context key for the request ID.
type requestIDKey struct{}

// RequestID returns the request ID from the context.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

const maxRequestIDLen = 64

// RequestIDMiddleware propagates the caller's X-Request-ID when it looks like
// an identifier and replaces it with a fresh UUID otherwise, so ids written
// to the logs are always short and printable.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !validRequestID(id) {
			id = generateID()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// LoggingMiddleware logs requests and records HTTP metrics by route.
// A request upgraded to a WebSocket returns only when the session ends, so it
// is logged once as a session with its full length. Routes in skipRoutes are
// not logged but still counted.
func LoggingMiddleware(logger *zap.Logger, route RouteFunc, skipRoutes []string) Middleware {
	skip := make(map[string]bool, len(skipRoutes))
	for _, p := range skipRoutes {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			label := route(r)
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			duration := time.Since(start)
			httpRequestsTotal.WithLabelValues(r.Method, label, strconv.Itoa(sw.status)).Inc()

			if sw.status == http.StatusSwitchingProtocols {
				logger.Info("websocket session ended",
					zap.String("route", label),
					zap.Duration("duration", duration),
					zap.String("remote", r.RemoteAddr),
					zap.String("request_id", RequestID(r.Context())),
				)
				return
			}

			httpRequestDuration.WithLabelValues(r.Method, label).Observe(duration.Seconds())
			if !skip[label] {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("route", label),
					zap.Int("status", sw.status),
					zap.Duration("duration", duration),
					zap.String("remote", r.RemoteAddr),
					zap.String("request_id", RequestID(r.Context())),
				)
			}
		})
	}
}

// HeadersMiddleware sets the headers every themecast response carries.
// Probe and health bodies describe live state and must not be cached.
func HeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Themecast-Version", version.Short())
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// RecoveryMiddleware catches panics and returns a 500 problem response.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered",
						zap.Any("panic", rec),
						zap.String("path", r.URL.Path),
						zap.String("request_id", RequestID(r.Context())),
					)
					InternalError(w, "an unexpected error occurred", r.URL.Path)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RateLimitOptions configures the per-client request limit.
type RateLimitOptions struct {
	// RPS is the sustained rate per client address. Zero disables limiting.
	RPS   float64
	Burst int
	// TrustProxy keys clients by X-Forwarded-For instead of the socket peer.
	TrustProxy bool
	// SkipRoutes are route patterns that are never limited.
	SkipRoutes []string
}

// RateLimitMiddleware limits requests per client address. It mainly guards
// the WebSocket handshake, which is the expensive route.
func RateLimitMiddleware(opts RateLimitOptions, route RouteFunc, logger *zap.Logger) Middleware {
	if opts.RPS <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	rl := &ipRateLimiter{
		rateVal: rate.Limit(opts.RPS),
		burst:   opts.Burst,
	}
	skip := make(map[string]bool, len(opts.SkipRoutes))
	for _, p := range opts.SkipRoutes {
		skip[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			label := route(r)
			if skip[label] {
				next.ServeHTTP(w, r)
				return
			}

			ip := clientIP(r, opts.TrustProxy)
			if !rl.allow(ip) {
				httpRateLimited.WithLabelValues(label).Inc()
				logger.Warn("rate limit exceeded",
					zap.String("client_ip", ip),
					zap.String("route", label),
				)
				RateLimited(w, "rate limit exceeded", r.URL.Path)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ipRateLimiter tracks per-IP token-bucket rate limiters.
type ipRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rateLimitEntry
	rateVal  rate.Limit
	burst    int
}

type rateLimitEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func (l *ipRateLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limiters == nil {
		l.limiters = make(map[string]*rateLimitEntry)
	}

	e, ok := l.limiters[ip]
	if !ok {
		if len(l.limiters) >= 10000 {
			l.cleanup()
		}
		e = &rateLimitEntry{limiter: rate.NewLimiter(l.rateVal, l.burst)}
		l.limiters[ip] = e
	}
	e.lastSeen = time.Now()

	return e.limiter.Allow()
}

// cleanup removes entries not seen in the last 10 minutes.
// Must be called with l.mu held.
func (l *ipRateLimiter) cleanup() {
	cutoff := time.Now().Add(-10 * time.Minute)
	for ip, e := range l.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

// clientIP returns the address a request is limited under. Without
// trustProxy it is the socket peer. With it, the right-most X-Forwarded-For
// entry, which is the one the proxy itself appended.
func clientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			if last := strings.TrimSpace(parts[len(parts)-1]); last != "" {
				return last
			}
		}
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// statusWriter wraps ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer so the WebSocket upgrade can reach
// its http.Hijacker.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// generateID creates a random UUID for request IDs.
func generateID() string {
	return uuid.NewString()
}
