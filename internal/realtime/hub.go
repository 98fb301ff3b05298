// Package realtime streams notifications to connected clients over WebSocket.
//
// Each connection belongs to one authenticated wallet address and receives
// only that address's notifications, optionally narrowed to specific escrows.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peervault/peervault/internal/metrics"
	"github.com/peervault/peervault/internal/notify"
)

// normalCloseCodes are WebSocket close codes for expected disconnects.
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
			return true // non-browser clients
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// MaxClients caps concurrent feed connections.
const MaxClients = 10000

// Frame is the wire envelope pushed to clients.
type Frame struct {
	Type      string               `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Data      *notify.Notification `json:"data"`
}

// Subscription narrows a client's feed to specific escrows. An empty list
// means every notification for the client's address.
type Subscription struct {
	EscrowIDs []string `json:"escrowIds"`
}

// Client is one WebSocket connection bound to a wallet address.
type Client struct {
	hub       *Hub
	conn      *websocket.Conn
	recipient string
	send      chan []byte
	mu        sync.RWMutex
	sub       Subscription
}

type delivery struct {
	recipient string
	frame     *Frame
}

// Hub fans notifications out to connected clients by recipient address.
type Hub struct {
	clients    map[*Client]bool
	deliveries chan delivery
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalFrames  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

var _ notify.RealtimeSink = (*Hub)(nil)

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		deliveries: make(chan delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop and blocks until ctx is cancelled.
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
			metrics.RealtimeClients.Set(0)
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
			metrics.RealtimeClients.Set(float64(n))
			h.logger.Info("feed client connected", "recipient", client.recipient, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.RealtimeClients.Set(float64(n))
			h.logger.Info("feed client disconnected", "total", n)

		case d := <-h.deliveries:
			h.totalFrames.Add(1)
			payload, err := json.Marshal(d.frame)
			if err != nil {
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if client.wants(d.recipient, d.frame) {
					select {
					case client.send <- payload:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// Drop slow clients under write lock.
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

// Publish routes a freshly persisted notification to the recipient's open
// connections. Best effort: a full delivery channel drops the frame.
func (h *Hub) Publish(recipient string, n *notify.Notification) {
	d := delivery{
		recipient: strings.ToLower(recipient),
		frame: &Frame{
			Type:      "notification",
			Timestamp: time.Now().UTC(),
			Data:      n,
		},
	}
	select {
	case h.deliveries <- d:
	default:
		h.logger.Warn("realtime delivery channel full, dropping frame", "recipient", recipient)
	}
}

func (c *Client) wants(recipient string, f *Frame) bool {
	if c.recipient != recipient {
		return false
	}
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()

	if len(sub.EscrowIDs) == 0 {
		return true
	}
	for _, id := range sub.EscrowIDs {
		if strings.EqualFold(id, f.Data.EscrowID) {
			return true
		}
	}
	return false
}

// Stats returns hub counters for the status endpoint.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalFrames":      h.totalFrames.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleFeed upgrades the request to a WebSocket bound to recipient. The
// caller is responsible for authenticating recipient first.
func (h *Hub) HandleFeed(w http.ResponseWriter, r *http.Request, recipient string) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:       h,
		conn:      conn,
		recipient: strings.ToLower(recipient),
		send:      make(chan []byte, 256),
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump consumes subscription updates and keeps the read deadline fresh.
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
