package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// routeMux mirrors the server's shape: probes plus the WebSocket route.
func routeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(routeHealthz, okHandler())
	mux.Handle("GET /ws", okHandler())
	mux.Handle("GET /presets/{name}", okHandler())
	return mux
}

func TestRequestIDMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{name: "missing", incoming: "", keep: false},
		{name: "uuid", incoming: "6f1c2a4e-9a43-4b8e-8d1e-1c0b5a2f7e10", keep: true},
		{name: "trace token", incoming: "trace_01.abc-DEF", keep: true},
		{name: "too long", incoming: strings.Repeat("a", maxRequestIDLen+1), keep: false},
		{name: "newline", incoming: "abc\ninjected=1", keep: false},
		{name: "spaces", incoming: "a b", keep: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = RequestID(r.Context())
			}))

			req := httptest.NewRequest("GET", "/ws", http.NoBody)
			if tt.incoming != "" {
				req.Header.Set("X-Request-ID", tt.incoming)
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			got := w.Header().Get("X-Request-ID")
			if got != seen {
				t.Errorf("header %q and context %q differ", got, seen)
			}
			if tt.keep {
				if got != tt.incoming {
					t.Errorf("X-Request-ID = %q, want %q kept", got, tt.incoming)
				}
				return
			}
			if _, err := uuid.Parse(got); err != nil {
				t.Errorf("X-Request-ID = %q, want a generated UUID", got)
			}
		})
	}
}

func TestLoggingMiddleware_LabelsByRoute(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	mux := routeMux()
	handler := LoggingMiddleware(zap.New(core), muxRoute(mux), []string{routeHealthz})(mux)

	for _, path := range []string{"/healthz", "/presets/Warm", "/nope"} {
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", path, http.NoBody))
	}

	entries := logs.FilterMessage("http request").All()
	if len(entries) != 2 {
		t.Fatalf("logged %d requests, want 2 (probe skipped): %v", len(entries), entries)
	}
	want := map[string]string{
		"/presets/Warm": "GET /presets/{name}",
		"/nope":         routeUnmatched,
	}
	for _, e := range entries {
		ctx := e.ContextMap()
		path, _ := ctx["path"].(string)
		if ctx["route"] != want[path] {
			t.Errorf("path %s logged route %v, want %s", path, ctx["route"], want[path])
		}
	}
}

func TestLoggingMiddleware_WebSocketSession(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	upgrade := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusSwitchingProtocols)
	})
	handler := LoggingMiddleware(zap.New(core), func(*http.Request) string { return "GET /ws" }, nil)(upgrade)

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/ws", http.NoBody))

	if n := logs.FilterMessage("http request").Len(); n != 0 {
		t.Errorf("upgraded request logged as %d plain requests", n)
	}
	sessions := logs.FilterMessage("websocket session ended").All()
	if len(sessions) != 1 {
		t.Fatalf("got %d session entries, want 1", len(sessions))
	}
	if route := sessions[0].ContextMap()["route"]; route != "GET /ws" {
		t.Errorf("route = %v, want GET /ws", route)
	}
}

func TestHeadersMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	HeadersMiddleware(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/health", http.NoBody))

	tests := []struct {
		header string
		want   string
	}{
		{"X-Content-Type-Options", "nosniff"},
		{"Cache-Control", "no-store"},
		{"X-Frame-Options", ""},
	}
	for _, tt := range tests {
		if got := w.Header().Get(tt.header); got != tt.want {
			t.Errorf("%s = %q, want %q", tt.header, got, tt.want)
		}
	}
	if w.Header().Get("X-Themecast-Version") == "" {
		t.Error("expected X-Themecast-Version header to be set")
	}
}

func TestRecoveryMiddleware_CatchesPanic(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	inner := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("test panic")
	})

	w := httptest.NewRecorder()
	RecoveryMiddleware(zap.New(core))(inner).ServeHTTP(w, httptest.NewRequest("GET", "/ws", http.NoBody))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("content-type = %q, want %q", ct, "application/problem+json")
	}
	if logs.FilterMessage("panic recovered").Len() != 1 {
		t.Error("panic was not logged")
	}
}

func TestRecoveryMiddleware_NoPanic(t *testing.T) {
	w := httptest.NewRecorder()
	RecoveryMiddleware(zap.NewNop())(okHandler()).ServeHTTP(w, httptest.NewRequest("GET", "/ws", http.NoBody))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

// handshake issues a GET /ws from remote with an optional X-Forwarded-For.
func handshake(h http.Handler, remote, xff string) int {
	req := httptest.NewRequest("GET", "/ws", http.NoBody)
	req.RemoteAddr = remote
	if xff != "" {
		req.Header.Set("X-Forwarded-For", xff)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitMiddleware_BlocksExcessHandshakes(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	mux := routeMux()
	handler := RateLimitMiddleware(RateLimitOptions{RPS: 1, Burst: 1}, muxRoute(mux), zap.New(core))(mux)

	if code := handshake(handler, "10.0.0.1:9999", ""); code != http.StatusOK {
		t.Fatalf("first handshake: status = %d, want 200", code)
	}
	if code := handshake(handler, "10.0.0.1:9999", ""); code != http.StatusTooManyRequests {
		t.Fatalf("second handshake: status = %d, want 429", code)
	}
	if code := handshake(handler, "10.0.0.2:9999", ""); code != http.StatusOK {
		t.Errorf("other client: status = %d, want 200", code)
	}

	entries := logs.FilterMessage("rate limit exceeded").All()
	if len(entries) != 1 {
		t.Fatalf("got %d rate limit warnings, want 1", len(entries))
	}
	if ctx := entries[0].ContextMap(); ctx["client_ip"] != "10.0.0.1" || ctx["route"] != "GET /ws" {
		t.Errorf("warning fields = %v", ctx)
	}
}

func TestRateLimitMiddleware_IgnoresForwardedForByDefault(t *testing.T) {
	mux := routeMux()
	handler := RateLimitMiddleware(RateLimitOptions{RPS: 1, Burst: 1}, muxRoute(mux), zap.NewNop())(mux)

	if code := handshake(handler, "10.0.0.3:1000", "198.51.100.1"); code != http.StatusOK {
		t.Fatalf("first handshake: status = %d, want 200", code)
	}
	// A fresh header value must not buy a fresh bucket.
	if code := handshake(handler, "10.0.0.3:1001", "198.51.100.2"); code != http.StatusTooManyRequests {
		t.Errorf("spoofed X-Forwarded-For: status = %d, want 429", code)
	}
}

func TestRateLimitMiddleware_TrustProxy(t *testing.T) {
	mux := routeMux()
	opts := RateLimitOptions{RPS: 1, Burst: 1, TrustProxy: true}
	handler := RateLimitMiddleware(opts, muxRoute(mux), zap.NewNop())(mux)

	// Both arrive through the same proxy but for different clients.
	if code := handshake(handler, "10.0.0.9:1000", "203.0.113.7"); code != http.StatusOK {
		t.Fatalf("client A: status = %d, want 200", code)
	}
	if code := handshake(handler, "10.0.0.9:1001", "203.0.113.8"); code != http.StatusOK {
		t.Fatalf("client B: status = %d, want 200", code)
	}
	// Client A again, with a forged left-most entry.
	if code := handshake(handler, "10.0.0.9:1002", "192.0.2.66, 203.0.113.7"); code != http.StatusTooManyRequests {
		t.Errorf("client A with forged prefix: status = %d, want 429", code)
	}
}

func TestRateLimitMiddleware_Disabled(t *testing.T) {
	mux := routeMux()
	handler := RateLimitMiddleware(RateLimitOptions{}, muxRoute(mux), zap.NewNop())(mux)

	for i := 0; i < 50; i++ {
		if code := handshake(handler, "10.0.0.4:1000", ""); code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, code)
		}
	}
}

func TestRateLimitMiddleware_SkipsProbes(t *testing.T) {
	mux := routeMux()
	opts := RateLimitOptions{RPS: 0.001, Burst: 1, SkipRoutes: []string{routeHealthz}}
	handler := RateLimitMiddleware(opts, muxRoute(mux), zap.NewNop())(mux)

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/healthz", http.NoBody)
		req.RemoteAddr = "10.0.0.5:9999"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("probe %d: status = %d, want 200", i, w.Code)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remote     string
		xff        string
		trustProxy bool
		want       string
	}{
		{name: "peer", remote: "192.168.1.100:12345", want: "192.168.1.100"},
		{name: "peer ipv6", remote: "[::1]:4000", want: "::1"},
		{name: "forwarded ignored", remote: "127.0.0.1:1", xff: "203.0.113.50", want: "127.0.0.1"},
		{name: "trusted single", remote: "127.0.0.1:1", xff: "203.0.113.50", trustProxy: true, want: "203.0.113.50"},
		{name: "trusted right-most", remote: "127.0.0.1:1", xff: "192.0.2.1, 203.0.113.50", trustProxy: true, want: "203.0.113.50"},
		{name: "trusted but absent", remote: "127.0.0.1:1", trustProxy: true, want: "127.0.0.1"},
		{name: "trusted trailing comma", remote: "127.0.0.1:1", xff: "203.0.113.50,", trustProxy: true, want: "127.0.0.1"},
		{name: "no port", remote: "unix", want: "unix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws", http.NoBody)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(req, tt.trustProxy); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChain(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	Chain(okHandler(), mark("outer"), mark("inner")).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", http.NoBody))

	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Errorf("order = %v, want [outer inner]", order)
	}
}

func TestStatusWriter(t *testing.T) {
	w := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

	sw.WriteHeader(http.StatusSwitchingProtocols)
	sw.WriteHeader(http.StatusNotFound) // ignored

	if sw.status != http.StatusSwitchingProtocols {
		t.Errorf("status = %d, want %d (first call wins)", sw.status, http.StatusSwitchingProtocols)
	}
	if sw.Unwrap() != w {
		t.Error("Unwrap() did not return the wrapped writer")
	}
}
