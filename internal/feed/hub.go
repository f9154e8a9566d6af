// Package feed pushes triage events to connected websocket viewers.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Brownie44l1/cxr-api/internal/pathology"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// Event is one finished prediction as seen by the triage dashboard.
type Event struct {
	RequestID   string            `json:"request_id"`
	ModelID     string            `json:"model_id"`
	UrgencyTier pathology.Urgency `json:"urgency_tier"`
	Labels      []string          `json:"labels"`
	CreatedAt   time.Time         `json:"created_at"`
}

// client is one viewer. Only its writer goroutine touches conn for writes;
// the hub closes send to tell it to hang up.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans events out to every registered connection.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	mutex      sync.RWMutex
	stopped    chan struct{}
	upgrader   websocket.Upgrader
	logger     *slog.Logger
}

// NewHub builds a hub. checkOrigin may be nil to accept any origin.
func NewHub(checkOrigin func(*http.Request) bool, logger *slog.Logger) *Hub {
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
		stopped:    make(chan struct{}),
		upgrader:   websocket.Upgrader{CheckOrigin: checkOrigin},
		logger:     logger.With("component", "feed"),
	}
}

// Run serves the hub until ctx is cancelled, then closes every client.
// Delivery to a viewer is a non-blocking hand-off to its send buffer; a
// viewer whose buffer is full is dropped.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mutex.Unlock()
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("viewer connected", "total", n)

		case c := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mutex.Unlock()
			h.logger.Info("viewer disconnected", "total", n)

		case message := <-h.broadcast:
			h.mutex.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					h.logger.Warn("viewer too slow, dropping")
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Publish encodes e and queues it for broadcast. It never blocks; events
// are dropped when the hub is backed up.
func (h *Hub) Publish(e Event) {
	if e.Labels == nil {
		e.Labels = []string{}
	}
	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("failed to encode event", "error", err)
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("feed backlog full, dropping event", "request_id", e.RequestID)
	}
}

func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades a viewer connection. Viewers only receive; anything
// they send is discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.stopped:
		conn.Close()
		return
	}
	go c.writeLoop()
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.stopped:
		}
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop delivers queued events and keeps the connection alive with
// pings. It closes the connection once send is closed or a write fails.
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
