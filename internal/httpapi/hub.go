package httpapi

import (
	"sync"

	"github.com/codefionn/syncspace/internal/logger"
	"github.com/codefionn/syncspace/internal/protocol"
)

// Hub maintains the set of active clients and fans envelopes out to them.
// It satisfies workspace.Notifier, so workspace engines can report straight
// into it.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *protocol.Envelope
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	quit       chan struct{}
	log        *logger.Logger
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *protocol.Envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
		log:        logger.Global().WithPrefix("hub"),
	}
}

// Run starts the hub loop
func (h *Hub) Run() {
	h.log.Info("notification hub started")
	defer h.log.Info("notification hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.log.Debug("client registered: %s", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.log.Debug("client unregistered: %s", client.ID)

		case env := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.wants(env) {
					continue
				}
				select {
				case client.send <- env:
				default:
					// slow consumer, drop it
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()

		case <-h.quit:
			return
		}
	}
}

// Stop stops the hub loop
func (h *Hub) Stop() {
	close(h.quit)
}

// Register registers a new client
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister unregisters a client
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Notify queues an envelope for broadcast. Implements workspace.Notifier.
func (h *Hub) Notify(env *protocol.Envelope) {
	select {
	case h.broadcast <- env:
	case <-h.quit:
	default:
		h.log.Warn("broadcast channel full, dropping %s", env.Type)
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
