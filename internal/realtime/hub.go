// Package realtime carries live chat over WebSockets.
//
// Each conversation is a topic; clients join exactly one when they
// connect and every chat event on that conversation fans out to its
// connected parties. The socket speaks the same operations as the
// REST chat endpoints: send a message, propose a handshake, approve
// one.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thehive/hive/internal/metrics"
)

// Close codes sent before dropping a connection.
const (
	CloseUnauthorized = 4001
	CloseBadRequest   = 4000
	CloseForbidden    = 4003
)

// normalCloseCodes are WebSocket close codes that indicate an expected
// disconnect.
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

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 10000

// Client is one WebSocket connection joined to one conversation.
type Client struct {
	hub            *Hub
	conn           *websocket.Conn
	send           chan []byte
	userID         string
	conversationID string
}

// Hub manages all chat WebSocket connections, indexed by conversation.
type Hub struct {
	clients    map[*Client]bool
	topics     map[string]map[*Client]bool
	broadcast  chan *outbound
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalEvents  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

type outbound struct {
	conversationID string
	payload        []byte
}

// NewHub creates a new chat hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		topics:     make(map[string]map[*Client]bool),
		broadcast:  make(chan *outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("chat hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("chat hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				h.drop(client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("chat hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			topic := h.topics[client.conversationID]
			if topic == nil {
				topic = make(map[*Client]bool)
				h.topics[client.conversationID] = topic
			}
			topic[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client joined conversation",
				"conversation_id", client.conversationID, "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				close(client.send)
				h.drop(client)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client left conversation",
				"conversation_id", client.conversationID, "total", n)

		case out := <-h.broadcast:
			h.totalEvents.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.topics[out.conversationID] {
				select {
				case client.send <- out.payload:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						h.drop(client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// drop removes a client from both indexes. Caller holds the write lock.
func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	if topic, ok := h.topics[client.conversationID]; ok {
		delete(topic, client)
		if len(topic) == 0 {
			delete(h.topics, client.conversationID)
		}
	}
}

// Publish fans a payload out to every client in a conversation.
func (h *Hub) Publish(conversationID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal event failed", "error", err)
		return
	}
	select {
	case h.broadcast <- &outbound{conversationID: conversationID, payload: data}:
	default:
		h.logger.Warn("broadcast channel full, dropping event",
			"conversation_id", conversationID)
	}
}

// sendTo delivers a payload to a single client, for errors the rest of
// the conversation should not see.
func (h *Hub) sendTo(client *Client, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

// Stats returns hub statistics.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]any{
		"connectedClients":    len(h.clients),
		"activeConversations": len(h.topics),
		"totalEvents":         h.totalEvents.Load(),
		"totalClients":        h.totalClients.Load(),
		"peakClients":         h.peakClients.Load(),
	}
}

func (h *Hub) closed() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

func (h *Hub) full() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) >= h.maxClients
}

func (c *Client) readPump(onEvent func(*Client, []byte)) {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
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
		onEvent(c, message)
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
