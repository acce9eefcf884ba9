package api

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"hyperliquid-sidecar/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBufferSize = 256
)

// dispatcher handles parsed client messages and the disconnect.
type dispatcher interface {
	onMessage(c *Client, msg types.ClientMessage)
	onDisconnect(c *Client)
}

// Client is one downstream websocket connection. Frames are queued on a
// buffered channel; a slow consumer loses frames rather than stalling the
// fan-out path.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	disp   dispatcher
	logger *slog.Logger
}

// NewClient wraps an upgraded connection and starts its pumps.
func NewClient(conn *websocket.Conn, disp dispatcher, logger *slog.Logger) *Client {
	c := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		disp:   disp,
		logger: logger,
	}

	go c.writePump()
	go c.readPump()

	return c
}

// ID returns the connection's identity.
func (c *Client) ID() string { return c.id }

// Send queues one frame without blocking. Reports false when the client's
// buffer is full and the frame was dropped.
func (c *Client) Send(frame []byte) bool {
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// writePump pumps queued frames to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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

// readPump parses client frames and hands them to the dispatcher.
func (c *Client) readPump() {
	defer func() {
		c.disp.onDisconnect(c)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "client", c.id, "error", err)
			}
			break
		}

		var msg types.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(types.ServerMessage{Error: "invalid message"}.Encode())
			continue
		}
		c.disp.onMessage(c, msg)
	}
}
