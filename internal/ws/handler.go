package ws

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options configures the WebSocket endpoint.
type Options struct {
	// AllowedOrigins lists the exact Origin header values that may connect.
	// Requests without an Origin header (non-browser clients) are accepted.
	AllowedOrigins []string
	SendBuffer     int
	// MessageRate is the sustained inbound messages per second per client.
	// Zero disables inbound rate limiting.
	MessageRate  float64
	MessageBurst int
}

// Handler upgrades HTTP requests to WebSocket connections on the hub.
type Handler struct {
	hub     *Hub
	origins map[string]struct{}
	opts    Options
	logger  *zap.Logger
}

// Compile-time check that Handler implements the server interface.
var _ interface {
	RegisterRoutes(mux *http.ServeMux)
} = (*Handler)(nil)

// NewHandler creates a WebSocket handler for hub.
func NewHandler(hub *Hub, opts Options, logger *zap.Logger) *Handler {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	origins := make(map[string]struct{}, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		origins[o] = struct{}{}
	}
	return &Handler{
		hub:     hub,
		origins: origins,
		opts:    opts,
		logger:  logger,
	}
}

// RegisterRoutes registers the WebSocket route on the server mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.handleConnect)
}

// originAllowed reports whether a handshake with this Origin may proceed.
func (h *Handler) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	_, ok := h.origins[origin]
	return ok
}

// handleConnect upgrades the connection and runs the client's pumps until it
// disconnects.
func (h *Handler) handleConnect(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !h.originAllowed(origin) {
		originRejections.Inc()
		h.logger.Warn("rejected websocket origin",
			zap.String("origin", origin),
			zap.String("remote", r.RemoteAddr),
		)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Origin was checked against the allow-list above.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Error("websocket accept failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	client := &Client{
		id:     uuid.NewString(),
		origin: origin,
		remote: r.RemoteAddr,
		conn:   conn,
		send:   make(chan Message, h.opts.SendBuffer),
		logger: h.logger,
	}
	if h.opts.MessageRate > 0 {
		burst := h.opts.MessageBurst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(h.opts.MessageRate), burst)
	}

	if !h.hub.Register(client) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	// Either pump exiting tears down the other.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	done := make(chan struct{})
	go func() {
		client.writePump(ctx)
		cancel()
		close(done)
	}()

	client.readPump(ctx, h.hub)

	h.hub.Unregister(client)
	conn.Close(websocket.StatusNormalClosure, "")
	<-done
}
