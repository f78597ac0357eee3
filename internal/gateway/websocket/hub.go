package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/stagehand/stagehand/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Hub manages the connected observer clients.
type Hub struct {
	clients            map[*Client]bool
	sessionSubscribers map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a hub; call Run to start its loop.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:            make(map[*Client]bool),
		sessionSubscribers: make(map[string]map[*Client]bool),
		register:           make(chan *Client),
		unregister:         make(chan *Client),
		broadcast:          make(chan *Message, 256),
		logger:             log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run processes registrations and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.remove(c)
		case msg := <-h.broadcast:
			h.send(msg)
		}
	}
}

// Broadcast queues a message for all connected clients.
func (h *Hub) Broadcast(msg *Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast buffer full, dropping message")
	}
}

// BroadcastToSession sends a message only to clients subscribed to the
// session. Clients with no subscriptions receive everything.
func (h *Hub) BroadcastToSession(sessionID string, msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if len(c.subscriptions) > 0 && !h.sessionSubscribers[sessionID][c] {
			continue
		}
		c.enqueue(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribe(c *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessionSubscribers[sessionID]; !ok {
		h.sessionSubscribers[sessionID] = make(map[*Client]bool)
	}
	h.sessionSubscribers[sessionID][c] = true
	c.subscriptions[sessionID] = true
}

func (h *Hub) unsubscribe(c *Client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(c.subscriptions, sessionID)
	if subs, ok := h.sessionSubscribers[sessionID]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.sessionSubscribers, sessionID)
		}
	}
}

func (h *Hub) send(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(data)
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.sendCh)
	for sessionID := range c.subscriptions {
		if subs, ok := h.sessionSubscribers[sessionID]; ok {
			delete(subs, c)
			if len(subs) == 0 {
				delete(h.sessionSubscribers, sessionID)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.sendCh)
		delete(h.clients, c)
	}
	h.sessionSubscribers = make(map[string]map[*Client]bool)
}

// Client is one observer connection.
type Client struct {
	id            string
	conn          *websocket.Conn
	hub           *Hub
	sendCh        chan []byte
	subscriptions map[string]bool
	logger        *logger.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		id:            id,
		conn:          conn,
		hub:           hub,
		sendCh:        make(chan []byte, 256),
		subscriptions: make(map[string]bool),
		logger:        log.WithFields(zap.String("client_id", id)),
	}
}

func (c *Client) enqueue(data []byte) {
	select {
	case c.sendCh <- data:
	default:
		// Buffer full; the write pump will clean up.
	}
}

// ReadPump consumes client messages (subscribe/unsubscribe) until the
// connection drops.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(NewErrorMessage("", "", "invalid message format"))
			continue
		}
		c.handle(&msg)
	}
}

type subscribeRequest struct {
	SessionID string `json:"session_id"`
}

func (c *Client) handle(msg *Message) {
	switch msg.Action {
	case ActionSubscribe, ActionUnsubscribe:
		var req subscribeRequest
		if err := msg.ParsePayload(&req); err != nil || req.SessionID == "" {
			c.reply(NewErrorMessage(msg.ID, msg.Action, "session_id is required"))
			return
		}
		if msg.Action == ActionSubscribe {
			c.hub.subscribe(c, req.SessionID)
		} else {
			c.hub.unsubscribe(c, req.SessionID)
		}
		if resp, err := NewResponse(msg.ID, msg.Action, map[string]any{"ok": true, "session_id": req.SessionID}); err == nil {
			c.reply(resp)
		}
	default:
		c.reply(NewErrorMessage(msg.ID, msg.Action, "unknown action"))
	}
}

func (c *Client) reply(msg *Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.enqueue(data)
}

// WritePump flushes queued messages and keeps the connection alive with
// pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.sendCh:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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
