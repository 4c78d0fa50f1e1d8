package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"skewhunter/internal/metrics"
	"skewhunter/internal/model"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsClient is one live-state subscriber. send holds at most the latest
// message; a slow reader skips intermediate states.
type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// offer replaces any queued message with msg.
func (c *wsClient) offer(msg []byte) {
	for {
		select {
		case c.send <- msg:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

// Hub fans published snapshots out to WebSocket subscribers.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*wsClient]struct{}
	register   chan *wsClient
	unregister chan *wsClient
	latest     chan []byte
	done       chan struct{}
	heartbeat  time.Duration
	metrics    *metrics.Recorder
	logger     *zap.Logger
}

// NewHub creates a hub. heartbeat <= 0 disables heartbeat messages.
func NewHub(heartbeat time.Duration, rec *metrics.Recorder, logger *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*wsClient]struct{}),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		latest:     make(chan []byte, 1),
		done:       make(chan struct{}),
		heartbeat:  heartbeat,
		metrics:    rec,
		logger:     logger,
	}
}

// Broadcast queues msg for every subscriber without blocking. Only the
// most recent message is kept when the hub falls behind.
func (h *Hub) Broadcast(msg model.WSMessage) {
	buf, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("ws_encode_failed", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	for {
		select {
		case h.latest <- buf:
			return
		default:
		}
		select {
		case <-h.latest:
		default:
		}
	}
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run processes registrations and fans out messages until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	var beat <-chan time.Time
	if h.heartbeat > 0 {
		t := time.NewTicker(h.heartbeat)
		defer t.Stop()
		beat = t.C
	}
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.Subscribers(n)
			h.logger.Info("ws_client_connected", zap.Int("total", n))
		case c := <-h.unregister:
			h.mu.Lock()
			if _, found := h.clients[c]; found {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.metrics.Subscribers(n)
			h.logger.Info("ws_client_disconnected", zap.Int("total", n))
		case msg := <-h.latest:
			h.fanOut(msg)
		case now := <-beat:
			buf, _ := json.Marshal(model.WSMessage{Type: "heartbeat", Timestamp: now})
			h.fanOut(buf)
		}
	}
}

func (h *Hub) fanOut(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.offer(msg)
	}
}

// ServeWS upgrades the request and registers the connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws_upgrade_failed", zap.Error(err))
		return
	}
	c := &wsClient{hub: h, conn: conn, send: make(chan []byte, 1)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, open := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !open {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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

// readPump discards client frames; it exists to observe pongs and close.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
