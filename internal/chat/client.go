package chat

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 8192 // fits a max-length message plus frame overhead
	sendBufferSize = 256
)

// Client is the middleman between one websocket connection and the hub.
// Its rooms set is owned by the hub loop; the pumps never touch it.
type Client struct {
	ID       string
	UserID   string
	Username string

	hub     *Hub
	gateway *Handler
	conn    *websocket.Conn
	send    chan []byte
	rooms   map[string]bool
}

// readPump pumps frames from the websocket connection to the gateway.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.gateway.log.Debug().Err(err).Str("conn", c.ID).Msg("read error")
			}
			break
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.sendError("malformed frame")
			continue
		}
		c.gateway.route(c, frame)
	}
}

// writePump pumps frames from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// requestContext scopes store and broker calls made on behalf of this
// connection. Bounded waiting comes from the broker/store client timeouts,
// not per-call deadlines.
func (c *Client) requestContext() context.Context {
	return context.Background()
}

// sendError queues an error event for this connection only.
func (c *Client) sendError(msg string) {
	frame, err := newFrame(EventError, ErrorEnvelope{Message: msg})
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// sendEvent queues an event for this connection only.
func (c *Client) sendEvent(event string, v any) {
	frame, err := newFrame(event, v)
	if err != nil {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}
