package stream

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

// SubscriptionMessage is sent by a connected viewer to subscribe or
// unsubscribe from one or more executions' status lines.
type SubscriptionMessage struct {
	Action       string   `json:"action"` // subscribe, unsubscribe
	ExecutionIDs []string `json:"execution_ids"`
}

// Client is one WebSocket viewer connection, grounded on
// internal/orchestrator/streaming's Client/Hub pair generalized from
// task-log subscriptions to execution status-line subscriptions.
type Client struct {
	ID           string
	conn         *websocket.Conn
	executionIDs map[string]bool
	send         chan []byte
	hub          *Hub
	mu           sync.RWMutex
	logger       *logger.Logger
}

// NewClient constructs a Client bound to conn and registered against hub.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:           id,
		conn:         conn,
		executionIDs: make(map[string]bool),
		send:         make(chan []byte, 256),
		hub:          hub,
		logger:       log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump reads subscription messages from the WebSocket connection
// until it errors or closes.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			break
		}

		var sub SubscriptionMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			c.logger.Warn("invalid subscription message", zap.Error(err))
			continue
		}

		switch sub.Action {
		case "subscribe":
			for _, id := range sub.ExecutionIDs {
				c.Subscribe(id)
			}
		case "unsubscribe":
			for _, id := range sub.ExecutionIDs {
				c.Unsubscribe(id)
			}
		default:
			c.logger.Warn("unknown subscription action", zap.String("action", sub.Action))
		}
	}
}

// WritePump writes fanned-out status lines (and pings) to the
// connection until the hub closes its send channel.
func (c *Client) WritePump() {
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

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

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

// Subscribe adds the client to an execution's fan-out set.
func (c *Client) Subscribe(executionID string) {
	c.mu.Lock()
	c.executionIDs[executionID] = true
	c.mu.Unlock()
	c.hub.subscribeClient(c, executionID)
}

// Unsubscribe removes the client from an execution's fan-out set.
func (c *Client) Unsubscribe(executionID string) {
	c.mu.Lock()
	delete(c.executionIDs, executionID)
	c.mu.Unlock()
	c.hub.unsubscribeClient(c, executionID)
}

// IsSubscribed reports whether the client is currently subscribed to
// executionID.
func (c *Client) IsSubscribed(executionID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.executionIDs[executionID]
}
