package ws

import (
	"context"
	"errors"
	"time"

	"github.com/HerbHall/themecast/internal/theme"
	"github.com/HerbHall/themecast/internal/watchdog"
	"go.uber.org/zap"
)

// ErrHubStopped is returned by hub calls made after Run has returned.
var ErrHubStopped = errors.New("ws: hub stopped")

// Hub owns the live theme, the inactivity watchdog, and the set of connected
// clients. All of them are touched only from the Run goroutine; connection
// goroutines talk to it over channels, so every handler runs to completion
// before the next one starts.
type Hub struct {
	store    *theme.Store
	watchdog *watchdog.Watchdog
	logger   *zap.Logger
	now      func() time.Time

	clients map[*Client]struct{}

	register   chan *Client
	unregister chan *Client
	inbound    chan inboundMessage
	calls      chan func()
	done       chan struct{}
}

type inboundMessage struct {
	client *Client
	msg    Inbound
}

// NewHub creates a hub. Call Run to start its event loop.
func NewHub(store *theme.Store, wd *watchdog.Watchdog, logger *zap.Logger) *Hub {
	return &Hub{
		store:      store,
		watchdog:   wd,
		logger:     logger,
		now:        time.Now,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundMessage),
		calls:      make(chan func()),
		done:       make(chan struct{}),
	}
}

// Run processes connection events, client messages and watchdog expiries
// until ctx is cancelled. On return every client's send queue is closed.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()

	h.watchdog.Schedule()
	h.logger.Info("hub started", zap.Duration("inactivity_timeout", h.watchdog.Timeout()))

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-h.register:
			h.addClient(c)
		case c := <-h.unregister:
			h.removeClient(c)
		case in := <-h.inbound:
			h.handle(in.client, in.msg)
		case <-h.watchdog.C():
			h.resetToRandomPreset()
		case fn := <-h.calls:
			fn()
		}
	}
}

func (h *Hub) shutdown() {
	h.watchdog.Stop()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	clientsConnected.Set(0)
	close(h.done)
	h.logger.Info("hub stopped")
}

// Register adds a client. It reports false if the hub is no longer running.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client and closes its send queue. Unknown clients are
// ignored.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Dispatch hands an inbound message to the event loop. It reports false if
// the hub is no longer running.
func (h *Hub) Dispatch(c *Client, msg Inbound) bool {
	select {
	case h.inbound <- inboundMessage{client: c, msg: msg}:
		return true
	case <-h.done:
		return false
	}
}

// do runs fn on the event loop and waits for it to finish.
func (h *Hub) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case h.calls <- func() { fn(); close(ran) }:
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-ran
	return nil
}

// Ping returns nil once the event loop is accepting work.
func (h *Hub) Ping(ctx context.Context) error {
	return h.do(ctx, func() {})
}

// Status is a point-in-time view of the hub for health reporting.
type Status struct {
	Clients int
	// NextReset is when the watchdog fires unless the theme changes first.
	NextReset time.Time
}

// Status returns the connected client count and the pending reset time.
func (h *Hub) Status(ctx context.Context) (Status, error) {
	var st Status
	err := h.do(ctx, func() {
		st = Status{Clients: len(h.clients), NextReset: h.watchdog.Deadline()}
	})
	return st, err
}

func (h *Hub) addClient(c *Client) {
	h.clients[c] = struct{}{}
	clientsConnected.Inc()
	h.logger.Info("client connected",
		zap.String("client_id", c.id),
		zap.String("origin", c.origin),
		zap.String("remote", c.remote),
	)
}

func (h *Hub) removeClient(c *Client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	clientsConnected.Dec()
	h.logger.Info("client disconnected", zap.String("client_id", c.id))
}

// handle applies one client message. It runs on the event loop.
func (h *Hub) handle(c *Client, in Inbound) {
	messagesReceived.WithLabelValues(typeLabel(in.Type)).Inc()

	switch in.Type {
	case MessageGetInitialTheme:
		h.sendTo(c, h.message(MessageThemeUpdate, h.store.Full()))

	case MessageUpdateThemeVariable:
		u, err := decodeVariableUpdate(in.Data)
		if err != nil {
			h.reject(c, in.Type, dropInvalidPayload, err)
			return
		}
		h.store.SetVariable(u.Variable, u.Value)
		// The sender applied the change locally already.
		h.broadcastExcept(c, h.message(MessageThemeVariableUpdate, u))
		h.watchdog.Schedule()

	case MessageUpdateFullTheme:
		t, err := decodeFullTheme(in.Data)
		if err != nil {
			h.reject(c, in.Type, dropInvalidPayload, err)
			return
		}
		h.store.Replace(t)
		h.broadcastAll(h.message(MessageThemeUpdate, h.store.Full()))
		h.watchdog.Schedule()

	case MessageGetPresets:
		h.sendTo(c, h.message(MessagePresets, h.store.Presets()))

	default:
		h.reject(c, in.Type, dropUnknownType, nil)
	}
}

// resetToRandomPreset runs when the watchdog fires.
func (h *Hub) resetToRandomPreset() {
	name := h.watchdog.Pick()
	if h.store.ResetToPreset(name) {
		presetResets.WithLabelValues(name).Inc()
		h.logger.Info("inactivity detected, resetting theme to preset",
			zap.String("preset", name),
			zap.Duration("idle", h.watchdog.Timeout()),
		)
		h.broadcastAll(h.message(MessageThemeUpdate, h.store.Full()))
	} else {
		h.logger.Warn("inactivity reset skipped: unknown preset", zap.String("preset", name))
	}
	h.watchdog.Schedule()
}

func (h *Hub) reject(c *Client, t MessageType, reason string, err error) {
	messagesDropped.WithLabelValues(reason).Inc()
	fields := []zap.Field{
		zap.String("client_id", c.id),
		zap.String("type", string(t)),
		zap.String("reason", reason),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	h.logger.Warn("ignoring client message", fields...)
}

func (h *Hub) message(t MessageType, data any) Message {
	return Message{Type: t, Timestamp: h.now(), Data: data}
}

// sendTo queues msg for one client without blocking. A full queue drops the
// message for that client only.
func (h *Hub) sendTo(c *Client, msg Message) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		messagesDropped.WithLabelValues(dropBufferFull).Inc()
		h.logger.Warn("client send buffer full, dropping message",
			zap.String("client_id", c.id),
			zap.String("type", string(msg.Type)),
		)
	}
}

// broadcastExcept queues msg for every client but sender.
func (h *Hub) broadcastExcept(sender *Client, msg Message) {
	for c := range h.clients {
		if c != sender {
			h.sendTo(c, msg)
		}
	}
}

// broadcastAll queues msg for every client.
func (h *Hub) broadcastAll(msg Message) {
	for c := range h.clients {
		h.sendTo(c, msg)
	}
}
