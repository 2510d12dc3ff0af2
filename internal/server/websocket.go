// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/johnnynv/stepflow-monitor/internal/hub"
	"github.com/johnnynv/stepflow-monitor/internal/orchestrator"
	"github.com/johnnynv/stepflow-monitor/internal/protocol"
	"github.com/johnnynv/stepflow-monitor/internal/storage"
)

const (
	// WebSocket limits
	maxMessageSize = 4096
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	writeWait      = 10 * time.Second
	maxClients     = 1000
)

// newUpgrader creates a WebSocket upgrader that respects the configured allowed
// origins. When allowedOrigins is empty the upgrader accepts any origin
// (localhost development mode). When set, only those origins are permitted.
func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = struct{}{}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			_, ok := allowed[origin]
			return ok
		},
	}
}

// ClientRegistry tracks connected WebSocket clients for the connection cap
// and the health counters.
type ClientRegistry struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewClientRegistry creates a new client registry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[*wsClient]struct{})}
}

func (r *ClientRegistry) add(c *wsClient) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.clients) >= maxClients {
		return false
	}
	r.clients[c] = struct{}{}
	return true
}

func (r *ClientRegistry) remove(c *wsClient) {
	r.mu.Lock()
	delete(r.clients, c)
	r.mu.Unlock()
}

// Count returns the number of connected clients.
func (r *ClientRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// wsClient represents a single connected WebSocket client with its hub
// subscriptions. The key "" holds the implicit global subscription.
type wsClient struct {
	conn *websocket.Conn
	orch *orchestrator.Orchestrator

	send chan protocol.ServerMessage

	mu   sync.Mutex
	subs map[string]*hub.Subscriber

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *wsClient) enqueue(msg protocol.ServerMessage) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.closed:
		return false
	default:
		// The client's own outbound queue is the last line of back-pressure.
		c.fail(protocol.ErrCodeOverloaded, "outbound queue overflow")
		return false
	}
}

// fail pushes a best-effort error frame and tears the connection down.
func (c *wsClient) fail(code, message string) {
	c.closeOnce.Do(func() {
		payload, _ := json.Marshal(protocol.NewServerMessage(protocol.MsgError,
			protocol.ErrorPayload{Code: code, Message: message}))
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		c.conn.WriteMessage(websocket.TextMessage, payload)
		c.conn.Close()
	})
}

// attach replaces any existing subscription under key and forwards its
// stream into the client's outbound queue.
func (c *wsClient) attach(key string, sub *hub.Subscriber) {
	c.mu.Lock()
	if old := c.subs[key]; old != nil {
		c.orch.Hub().Unsubscribe(old)
	}
	c.subs[key] = sub
	c.mu.Unlock()

	go func() {
		for msg := range sub.Out() {
			if !c.enqueue(msg) {
				return
			}
		}
		// The hub closed this subscriber; an overloaded close means the
		// client must reconnect and resynchronize.
		if sub.CloseReason() == protocol.ErrCodeOverloaded {
			c.fail(protocol.ErrCodeOverloaded, "subscriber queue exceeded high-water mark")
		}
	}()
}

func (c *wsClient) detach(key string) {
	c.mu.Lock()
	sub := c.subs[key]
	delete(c.subs, key)
	c.mu.Unlock()
	if sub != nil {
		c.orch.Hub().Unsubscribe(sub)
	}
}

func (c *wsClient) detachAll() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*hub.Subscriber)
	c.mu.Unlock()
	for _, sub := range subs {
		c.orch.Hub().Unsubscribe(sub)
	}
}

// HandleWebSocket upgrades an HTTP connection and manages the client
// lifecycle. A fresh connection is implicitly subscribed to the global topic.
func HandleWebSocket(orch *orchestrator.Orchestrator, registry *ClientRegistry, allowedOrigins []string) http.HandlerFunc {
	upgrader := newUpgrader(allowedOrigins)

	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			getLog().Error().Err(err).Msg("WebSocket upgrade failed")
			return
		}

		client := &wsClient{
			conn:   conn,
			orch:   orch,
			send:   make(chan protocol.ServerMessage, 256),
			subs:   make(map[string]*hub.Subscriber),
			closed: make(chan struct{}),
		}
		if !registry.add(client) {
			getLog().Warn().Msg("WebSocket connection limit reached")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
			conn.Close()
			return
		}
		getLog().Info().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

		client.enqueue(protocol.NewServerMessage(protocol.MsgConnectionEstablished, map[string]string{
			"version": orchestrator.Version,
		}))
		client.attach("", orch.SubscribeGlobal())

		go client.writePump()
		client.readPump(registry)
	}
}

func (c *wsClient) readPump(registry *ClientRegistry) {
	defer func() {
		registry.remove(c)
		c.detachAll()
		close(c.closed) // signals writePump to exit
		c.conn.Close()
		getLog().Info().Msg("WebSocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				getLog().Error().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			getLog().Warn().Err(err).Msg("Invalid WebSocket message")
			c.enqueue(protocol.NewServerMessage(protocol.MsgError, protocol.ErrorPayload{
				Code: protocol.ErrCodeUnknownMessage, Message: "invalid message",
			}))
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *wsClient) handleMessage(msg protocol.ClientMessage) {
	switch msg.Type {
	case protocol.MsgSubscribe:
		id := msg.Data.ExecutionID
		if id == "" {
			c.enqueue(protocol.NewServerMessage(protocol.MsgError, protocol.ErrorPayload{
				Code: protocol.ErrCodeUnknownMessage, Message: "subscribe requires execution_id",
			}))
			return
		}
		sub, err := c.orch.SubscribeExecution(c.requestContext(), id)
		if err != nil {
			code := protocol.ErrCodeNotFound
			if !storage.IsNotFound(err) {
				code = "subscribe_failed"
			}
			c.enqueue(protocol.NewServerMessage(protocol.MsgError, protocol.ErrorPayload{
				Code: code, Message: "cannot subscribe to execution " + id,
			}))
			return
		}
		c.attach(id, sub)

	case protocol.MsgUnsubscribe:
		c.detach(msg.Data.ExecutionID)

	case protocol.MsgGetStatus:
		snapshot, err := c.orch.ExecutionSnapshot(c.requestContext(), msg.Data.ExecutionID)
		if err != nil {
			c.enqueue(protocol.NewServerMessage(protocol.MsgError, protocol.ErrorPayload{
				Code: protocol.ErrCodeNotFound, Message: "unknown execution " + msg.Data.ExecutionID,
			}))
			return
		}
		c.enqueue(protocol.NewServerMessage(protocol.MsgInitialState, snapshot))

	case protocol.MsgPing:
		c.enqueue(protocol.NewServerMessage(protocol.MsgPong, nil))

	default:
		c.enqueue(protocol.NewServerMessage(protocol.MsgError, protocol.ErrorPayload{
			Code: protocol.ErrCodeUnknownMessage, Message: "unknown message type: " + string(msg.Type),
		}))
	}
}

func (c *wsClient) requestContext() context.Context {
	return context.Background()
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				getLog().Error().Err(err).Msg("WebSocket write error")
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}
