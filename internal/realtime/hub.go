// Package realtime pushes outbox events to connected users over WebSocket.
//
// A teacher with the dashboard open sees a pending decision the moment a
// student pays, instead of polling /decisions/pending. Delivery is best
// effort; the outbox and webhooks are the durable channels.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/teocoin/settlement/internal/auth"
	"github.com/teocoin/settlement/internal/errs"
	"github.com/teocoin/settlement/internal/metrics"
	"github.com/teocoin/settlement/internal/outbox"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // Allow non-browser clients
		}
		// Allow same-host connections
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Message is what clients receive.
type Message struct {
	ID          string          `json:"id"`
	Type        outbox.Type     `json:"type"`
	AggregateID string          `json:"aggregateId"`
	Timestamp   time.Time       `json:"timestamp"`
	Data        json.RawMessage `json:"data"`
}

// Subscription filters for a client. It is sent by the client as JSON at
// any time; an empty list means every event type.
type Subscription struct {
	EventTypes []outbox.Type `json:"eventTypes"`
}

// Client represents a WebSocket connection
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	userRef string
	admin   bool
	mu      sync.RWMutex
	sub     Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

type routed struct {
	recipient string
	typ       outbox.Type
	data      []byte
}

// Hub manages all WebSocket connections
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan routed
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	// Stats
	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan routed, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "userRef", client.userRef, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case msg := <-h.broadcast:
			h.totalEvents.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if client.wants(msg) {
					select {
					case client.send <- msg.data:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Remove slow clients under write lock
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// wants reports whether msg is for this client and passes its filter.
// Admin connections see every user's events.
func (c *Client) wants(msg routed) bool {
	if !c.admin && msg.recipient != c.userRef {
		return false
	}
	c.mu.RLock()
	types := c.sub.EventTypes
	c.mu.RUnlock()
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if t == msg.typ {
			return true
		}
	}
	return false
}

// Name implements outbox.Sink.
func (h *Hub) Name() string { return "realtime" }

// Deliver implements outbox.Sink. It never fails: a full queue drops the
// push rather than making the relay redeliver to every other sink.
func (h *Hub) Deliver(_ context.Context, e *outbox.Event) error {
	if e.Recipient == "" {
		return nil
	}
	data, err := json.Marshal(Message{
		ID:          e.ID,
		Type:        e.Type,
		AggregateID: e.AggregateID,
		Timestamp:   e.CreatedAt,
		Data:        e.Payload,
	})
	if err != nil {
		h.logger.Warn("failed to encode realtime message", "eventId", e.ID, "error", err)
		return nil
	}
	select {
	case h.broadcast <- routed{recipient: e.Recipient, typ: e.Type, data: data}:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "eventId", e.ID)
	}
	return nil
}

// Stats returns hub statistics
func (h *Hub) Stats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]interface{}{
		"connectedClients": len(h.clients),
		"totalEvents":      h.totalEvents.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// RegisterProtectedRoutes mounts the stream behind authentication.
func (h *Hub) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/realtime/stream", h.HandleWebSocket)
}

// HandleWebSocket handles GET /v1/realtime/stream
func (h *Hub) HandleWebSocket(c *gin.Context) {
	a, ok := auth.GetActor(c)
	if !ok || a.UserRef == "" {
		errs.Abort(c, errs.ErrUnauthenticated)
		return
	}

	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		errs.AbortWith(c, http.StatusServiceUnavailable, "shutting_down", "server shutting down")
		return
	default:
	}

	// Enforce connection limit
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		errs.AbortWith(c, http.StatusServiceUnavailable, "too_many_connections", "too many connections")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 256),
		userRef: a.UserRef,
		admin:   a.IsAdmin(),
	}

	h.register <- client

	// Start goroutines for reading and writing
	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and pongs.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
