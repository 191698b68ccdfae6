package events

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 4096

	// Outbound buffer per client.
	sendBuffer = 64
)

// Client is one websocket subscriber. Room membership and the closed
// flag are guarded by the hub's mutex.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	rooms  map[string]bool
	closed bool
}

// command is the only inbound message shape clients may send.
type command struct {
	Type string `json:"type"`
	Room string `json:"room"`
}

// readPump pumps commands from the connection into the hub.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.shutdown:
		}
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket read failed",
					zap.String("client_id", c.id), zap.Error(err))
			}
			break
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			c.enqueue(Envelope{Type: TypeError, Timestamp: time.Now(), Data: "invalid message format"})
			continue
		}
		c.handleCommand(cmd)
	}
}

// writePump pumps hub envelopes out to the connection, coalescing any
// backlog into a single frame, and keeps the connection alive with
// periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(data)

			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

func (c *Client) handleCommand(cmd command) {
	switch cmd.Type {
	case "subscribe":
		c.hub.subscribe(c, cmd.Room)

	case "unsubscribe":
		c.hub.unsubscribe(c, cmd.Room)

	default:
		c.enqueue(Envelope{Type: TypeError, Timestamp: time.Now(),
			Data: "unknown message type: " + cmd.Type})
	}
}

// enqueue delivers an envelope directly to this client, dropping it if
// the client's buffer is full. The hub's mutex excludes the send from
// racing a concurrent channel close.
func (c *Client) enqueue(env Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
