package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/codefionn/syncspace/internal/logger"
	"github.com/codefionn/syncspace/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// Client represents one WebSocket subscriber
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan *protocol.Envelope
	log  *logger.Logger

	mu         sync.Mutex
	workspaces map[string]bool // empty set means everything
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	id, _ := generateClientID()
	return &Client{
		ID:         id,
		hub:        hub,
		conn:       conn,
		send:       make(chan *protocol.Envelope, 256),
		log:        logger.Global().WithPrefix("wsclient"),
		workspaces: make(map[string]bool),
	}
}

// wants reports whether the envelope passes the client's subscription
// filter. Document-scoped messages always pass; change batches are
// filtered by the workspace named in their payload.
func (c *Client) wants(env *protocol.Envelope) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.workspaces) == 0 {
		return true
	}
	if env.Type != protocol.MessageTypeChangeBatch {
		return true
	}
	var batch struct {
		Workspace string `json:"workspace"`
	}
	if err := json.Unmarshal(env.Payload, &batch); err != nil {
		return true
	}
	return c.workspaces[batch.Workspace]
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("read error: %v", err)
			}
			break
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.log.Error("unmarshal message: %v", err)
			continue
		}
		if err := c.handleMessage(&env); err != nil {
			c.log.Error("handle %s: %v", env.Type, err)
		}
	}
}

// WritePump pumps envelopes from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case env, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(env)
			if err != nil {
				c.log.Error("marshal envelope: %v", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Error("write message: %v", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes an inbound client message
func (c *Client) handleMessage(env *protocol.Envelope) error {
	switch env.Type {
	case protocol.MessageTypePing:
		pong, err := protocol.NewMessage(protocol.MessageTypePong, "", nil)
		if err != nil {
			return err
		}
		pong.RequestID = env.RequestID
		c.deliver(pong)

	case protocol.MessageTypeSubscribe:
		var req protocol.SubscribeRequest
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return err
			}
		}
		if req.Workspace != "" {
			c.mu.Lock()
			c.workspaces[req.Workspace] = true
			c.mu.Unlock()
		}

	case protocol.MessageTypeUnsubscribe:
		var req protocol.SubscribeRequest
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &req); err != nil {
				return err
			}
		}
		if req.Workspace != "" {
			c.mu.Lock()
			delete(c.workspaces, req.Workspace)
			c.mu.Unlock()
		}

	default:
		c.log.Warn("unknown message type: %s", env.Type)
	}
	return nil
}

// deliver queues an envelope for this client only
func (c *Client) deliver(env *protocol.Envelope) {
	select {
	case c.send <- env:
	default:
		c.log.Warn("send channel full, dropping %s", env.Type)
	}
}

// generateClientID generates a random client ID
func generateClientID() (string, error) {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}
