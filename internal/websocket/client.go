package websocket

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024
)

// MessageHandler consumes one decoded inbound envelope.
type MessageHandler func(c *Client, env Envelope)

// CloseHandler runs exactly once when the read pump exits.
type CloseHandler func(c *Client)

// Client wraps one upgraded connection. All writes go through the
// buffered send channel so only the write pump touches the socket.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	closeOnce chan struct{}
}

// NewClient wraps an upgraded connection. The caller starts the pumps.
func NewClient(id string, conn *websocket.Conn, log zerolog.Logger) *Client {
	return &Client{
		id:        id,
		conn:      conn,
		send:      make(chan []byte, 256),
		log:       log.With().Str("component", "ws_client").Str("conn_id", id).Logger(),
		closeOnce: make(chan struct{}),
	}
}

// ID returns the connection identifier.
func (c *Client) ID() string { return c.id }

// Send marshals an outbound envelope and queues it. A full queue means
// the peer stopped draining; the message is dropped and the write pump
// will tear the connection down on its next deadline.
func (c *Client) Send(event string, payload any) {
	data, err := json.Marshal(Outbound{Type: EventType(event), Payload: payload})
	if err != nil {
		c.log.Error().Err(err).Str("event", event).Msg("Failed to marshal outbound message")
		return
	}
	c.enqueue(data)
}

func (c *Client) enqueue(data []byte) {
	select {
	case <-c.closeOnce:
	case c.send <- data:
	default:
		c.log.Warn().Msg("Send buffer full, dropping message")
	}
}

// Close signals the write pump to send a close frame and stop. Safe to
// call multiple times.
func (c *Client) Close() {
	select {
	case <-c.closeOnce:
	default:
		close(c.closeOnce)
	}
}

// ReadPump decodes inbound frames and feeds them to handler. It owns
// the read side of the socket and must run in its own goroutine; it
// invokes onClose and releases the socket when the peer goes away.
func (c *Client) ReadPump(handler MessageHandler, onClose CloseHandler) {
	defer func() {
		onClose(c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("Unexpected close")
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Debug().Err(err).Msg("Discarding malformed frame")
			continue
		}
		handler(c, env)
	}
}

// WritePump drains the send channel onto the socket and keeps the
// connection alive with pings. Must run in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.closeOnce:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
