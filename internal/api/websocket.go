package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"autonomous-trading-engine/internal/events"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingInterval   = 30 * time.Second
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The token query parameter already gates the upgrade.
		return true
	},
}

// wsClient is one dashboard connection.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans bus events out to every connected dashboard client. All map
// mutation happens on the Run goroutine; the mutex covers ClientCount reads.
type Hub struct {
	logger     zerolog.Logger
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}

	mu      sync.RWMutex
	clients map[*wsClient]bool
}

// NewHub creates an empty hub. Run must be started before clients connect.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		logger:     logger.With().Str("component", "ws").Logger(),
		broadcast:  make(chan []byte, 4096),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		clients:    make(map[*wsClient]bool),
	}
}

// Run processes client churn and broadcasts until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Send buffer full: unregister the slow client.
					go func(c *wsClient) { h.unregister <- c }(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// BroadcastEvent queues one bus event for every connected client. Slow
// delivery never blocks the bus.
func (h *Hub) BroadcastEvent(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("type", string(event.Type)).Msg("event marshal failed")
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn().Msg("broadcast queue full, dropping event")
	}
}

// ClientCount reports connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// handleWebSocket upgrades the connection and registers it on the hub. The
// auth middleware has already validated the query token.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		hub:  s.hub,
	}

	// Queue the confirmation before the client is visible to the hub; the
	// fresh buffer always has room.
	if welcome, err := json.Marshal(map[string]any{
		"type":      "CONNECTED",
		"timestamp": time.Now().UTC(),
	}); err == nil {
		client.send <- welcome
	}

	select {
	case s.hub.register <- client:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// writePump pumps queued messages to the connection and keeps it alive with
// pings. Exits when the hub closes the send channel or a write fails.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingInterval)
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

// readPump drains the connection so pongs are processed and close frames
// are noticed. The dashboard never sends application messages.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug().Err(err).Msg("websocket read closed")
			}
			return
		}
	}
}
