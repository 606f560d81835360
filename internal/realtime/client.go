package realtime

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBufferSize = 64
)

// Client is one authenticated websocket connection. A user reconnecting
// gets a fresh Client with a new connection id; the old one is torn down.
type Client struct {
	ID     string
	UserID string

	conn *websocket.Conn
	send chan []byte
	log  *slog.Logger

	once sync.Once
	done chan struct{}
}

func newClient(id, userID string, conn *websocket.Conn, log *slog.Logger) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		log:    log,
		done:   make(chan struct{}),
	}
}

// enqueue hands a frame to the write pump without blocking. False means
// the client is gone or too slow to keep up.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close is idempotent and safe from any goroutine.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

// readPump decodes inbound frames and hands them to handle. It owns the
// read side of the connection and returns when the peer goes away.
func (c *Client) readPump(handle func(msg ClientMessage)) {
	defer c.Close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", "user_id", c.UserID, "err", err)
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("malformed message")
			continue
		}
		if msg.Type == "" {
			c.sendError("message type required")
			continue
		}
		handle(msg)
	}
}

// writePump owns the write side of the connection and keeps it alive with
// pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
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

func (c *Client) sendError(reason string) {
	data, err := json.Marshal(Event{Type: EventError, Payload: reason, SentAt: time.Now().UTC()})
	if err != nil {
		return
	}
	c.enqueue(data)
}
