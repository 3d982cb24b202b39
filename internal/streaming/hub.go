// Package streaming fans control-plane events out to WebSocket
// clients: task lifecycle, ticket transitions, server heartbeats.
package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cnapi/cnapi/internal/common/logger"
	"github.com/cnapi/cnapi/internal/events"
	"github.com/cnapi/cnapi/internal/events/bus"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4 * 1024
)

// Client represents a single WebSocket connection. A client with a
// server id set only receives events for that server.
type Client struct {
	ID       string
	serverID string
	conn     *websocket.Conn
	hub      *Hub
	send     chan []byte
	logger   *logger.Logger
}

// NewClient creates a new WebSocket client.
func NewClient(id, serverID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:       id,
		serverID: serverID,
		conn:     conn,
		hub:      hub,
		send:     make(chan []byte, 256),
		logger:   log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump drains the connection so pings and close frames are
// processed. Clients are consumers only; inbound payloads are ignored.
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
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", zap.Error(err))
			}
			break
		}
	}
}

// WritePump pumps frames from the hub to the WebSocket connection.
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued frames
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

// frame is one event routed through the hub.
type frame struct {
	serverID string
	payload  []byte
}

// Hub manages all WebSocket clients and feeds them events from the
// bus.
type Hub struct {
	eventBus bus.EventBus

	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan frame

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		eventBus:   eventBus,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan frame, 256),
		logger:     log.WithFields(zap.String("component", "websocket_hub")),
	}
}

// Run subscribes to the observer subjects and serves clients until the
// context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub, err := h.eventBus.Subscribe(events.BuildObserverWildcardSubject(), h.onEvent)
	if err != nil {
		h.logger.Error("Failed to subscribe to events", zap.Error(err))
		return
	}
	defer sub.Unsubscribe()

	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))

		case f := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				if client.serverID == "" || client.serverID == f.serverID {
					targets = append(targets, client)
				}
			}
			h.mu.RUnlock()

			for _, client := range targets {
				select {
				case client.send <- f.payload:
				default:
					// Send buffer full, drop the client
					h.mu.Lock()
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
					h.mu.Unlock()
				}
			}
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// GetClientCount returns the number of connected clients.
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// onEvent marshals a bus event once and hands it to the routing loop.
// Events are dropped when the loop cannot keep up.
func (h *Hub) onEvent(ctx context.Context, event *bus.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", zap.Error(err))
		return nil
	}

	serverID := ""
	if event.Data != nil {
		if v, ok := event.Data["server_id"].(string); ok {
			serverID = v
		}
	}

	select {
	case h.broadcast <- frame{serverID: serverID, payload: payload}:
	default:
		h.logger.Warn("Dropping event, broadcast queue full", zap.String("type", event.Type))
	}
	return nil
}
