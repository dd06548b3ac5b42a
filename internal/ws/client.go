package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeTimeout   = 5 * time.Second
	maxMessageSize = 1 << 20
)

// Client is one connected WebSocket peer.
type Client struct {
	id      string
	origin  string
	remote  string
	conn    *websocket.Conn
	send    chan Message
	limiter *rate.Limiter
	logger  *zap.Logger
}

// ID returns the opaque connection identifier.
func (c *Client) ID() string {
	return c.id
}

// writePump sends messages from the client's send queue to the WebSocket.
func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				// Queue closed by the hub (unregister or shutdown).
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, c.conn, msg)
			cancel()
			if err != nil {
				c.logger.Debug("websocket write error", zap.String("client_id", c.id), zap.Error(err))
				return
			}
		}
	}
}

// readPump decodes client messages and forwards them to the hub until the
// connection fails or the hub stops.
func (c *Client) readPump(ctx context.Context, hub *Hub) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return
		}

		if c.limiter != nil && !c.limiter.Allow() {
			messagesDropped.WithLabelValues(dropRateLimited).Inc()
			c.logger.Warn("client rate limit exceeded, dropping message", zap.String("client_id", c.id))
			continue
		}

		var in Inbound
		if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
			messagesDropped.WithLabelValues(dropMalformed).Inc()
			c.logger.Warn("malformed client message", zap.String("client_id", c.id), zap.Error(err))
			continue
		}

		if !hub.Dispatch(c, in) {
			return
		}
	}
}
