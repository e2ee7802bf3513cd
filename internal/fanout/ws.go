package fanout

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The control plane sits behind the operator's ingress; origin
		// policy belongs there.
		return true
	},
}

// Client is one WebSocket connection and its channel subscriptions.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	// mu guards send against a close racing an in-flight enqueue.
	mu     sync.Mutex
	send   chan []byte
	closed bool

	// channels is guarded by the hub's mutex.
	channels map[string]struct{}
}

func (c *Client) closeConn() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// trySend queues data without blocking. It reports false when the send
// buffer is full; a closed client swallows the message silently.
func (c *Client) trySend(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// closeSend shuts the send channel exactly once. Safe to call
// concurrently with trySend.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// clientMessage is the inbound protocol frame.
type clientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// ServeWS upgrades the request and runs the connection until the client
// disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &Client{
		id:       uuid.New().String(),
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		channels: make(map[string]struct{}),
	}
	h.attach(c)
	log.Info().Str("client", c.id).Msg("websocket client connected")

	c.enqueue(map[string]any{"type": "connected", "clientId": c.id})

	go c.writePump()
	c.readPump(r)
}

func (c *Client) readPump(r *http.Request) {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
		log.Info().Str("client", c.id).Msg("websocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("client", c.id).Msg("websocket read error")
			}
			return
		}
		c.handle(r, raw)
	}
}

func (c *Client) handle(r *http.Request, raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.enqueue(map[string]any{"type": "error", "error": "invalid message"})
		return
	}

	switch msg.Type {
	case "subscribe":
		if msg.Channel == "" {
			c.enqueue(map[string]any{"type": "error", "error": "channel is required"})
			return
		}
		if err := c.hub.Subscribe(r.Context(), c, msg.Channel); err != nil {
			log.Error().Err(err).Str("channel", msg.Channel).Msg("subscribe failed")
			c.enqueue(map[string]any{"type": "error", "error": "subscription failed"})
			return
		}
		c.enqueue(map[string]any{"type": "subscribed", "channel": msg.Channel})

	case "unsubscribe":
		if msg.Channel == "" {
			c.enqueue(map[string]any{"type": "error", "error": "channel is required"})
			return
		}
		c.hub.Unsubscribe(c, msg.Channel)
		c.enqueue(map[string]any{"type": "unsubscribed", "channel": msg.Channel})

	case "ping":
		c.enqueue(map[string]any{"type": "pong", "timestamp": time.Now().UnixMilli()})

	default:
		c.enqueue(map[string]any{"type": "error", "error": "unknown message type: " + msg.Type})
	}
}

// enqueue queues an envelope for the write pump, dropping it if the
// client is already stalled.
func (c *Client) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.trySend(data)
}

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
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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
