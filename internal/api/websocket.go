package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/printgate/internal/device"
	"github.com/nerrad567/printgate/internal/infrastructure/config"
	"github.com/nerrad567/printgate/internal/infrastructure/logging"
	"github.com/nerrad567/printgate/internal/metrics"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"

	// EventDeviceStatus carries a device.StatusUpdate.
	EventDeviceStatus = "device.status"

	// EventDeviceSnapshot carries the current device.Info list on subscribe.
	EventDeviceSnapshot = "device.snapshot"

	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256
)

// WSMessage represents a message sent to/from a websocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe messages.
// An empty Devices list subscribes to every device.
type WSSubscribePayload struct {
	Devices []device.Identity `json:"devices"`
}

// Hub tracks websocket clients and hands each one an aggregator listener.
type Hub struct {
	cfg        config.WebSocketConfig
	logger     *logging.Logger
	aggregator *device.Aggregator
	registry   *device.Registry
	clients    map[*WSClient]struct{}
	mu         sync.RWMutex
}

// WSClient represents a connected websocket client.
type WSClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	name string

	mu       sync.Mutex
	listener *device.Listener
	closed   bool
}

// upgrader configures the websocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a new websocket hub.
func NewHub(cfg config.WebSocketConfig, agg *device.Aggregator, reg *device.Registry, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:        cfg,
		logger:     logger,
		aggregator: agg,
		registry:   reg,
		clients:    make(map[*WSClient]struct{}),
	}
}

// Run blocks until the context is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.StreamClients.Inc()
	h.logger.Debug("websocket client connected", "client", client.name, "clients", n)
}

// Unregister removes a client from the hub.
// Only the goroutine that removes the client from the map closes it.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if existed {
		client.shutdown()
		metrics.StreamClients.Dec()
	}
	h.logger.Debug("websocket client disconnected", "client", client.name, "clients", n)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients so their pumps exit.
func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.shutdown()
		metrics.StreamClients.Dec()
		if client.conn != nil {
			client.conn.Close()
		}
	}
}

// handleWebSocket upgrades the HTTP connection to a websocket connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	name := "ws"
	if claims := claimsFromContext(r.Context()); claims != nil {
		name = "ws:" + claims.Subject
	}
	client := &WSClient{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, wsSendBufferSize),
		name: name,
	}

	s.hub.Register(client)

	go client.writePump(s.wsCfg)
	go client.readPump(s.wsCfg)
}

// readPump reads messages from the websocket connection.
func (c *WSClient) readPump(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	if cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	pingInterval, pongWait := wsTimings(cfg)
	//nolint:errcheck // Best-effort deadline on connection setup
	c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			} else {
				c.hub.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the websocket connection.
func (c *WSClient) writePump(cfg config.WebSocketConfig) {
	pingInterval, pongWait := wsTimings(cfg)
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				//nolint:errcheck // Best-effort close message
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			c.conn.SetWriteDeadline(time.Now().Add(pongWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// wsTimings returns the ping interval and pong wait with defaults applied.
func wsTimings(cfg config.WebSocketConfig) (time.Duration, time.Duration) {
	ping := time.Duration(cfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = 30 * time.Second
	}
	pong := time.Duration(cfg.PongTimeout) * time.Second
	if pong <= 0 {
		pong = 10 * time.Second
	}
	return ping, pong
}

// handleMessage processes an incoming websocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.swapListener(nil)
		c.sendResponse(msg.ID, WSTypeResponse, map[string]any{"subscribed": false})
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleSubscribe replaces the client's listener with one for the requested devices.
// The current view of the matching devices is sent before any update.
func (c *WSClient) handleSubscribe(msg WSMessage) {
	var sub WSSubscribePayload
	if msg.Payload != nil {
		payloadBytes, err := json.Marshal(msg.Payload)
		if err != nil {
			c.sendError(msg.ID, "invalid payload")
			return
		}
		if err := json.Unmarshal(payloadBytes, &sub); err != nil {
			c.sendError(msg.ID, "invalid subscribe payload")
			return
		}
	}

	l := c.hub.aggregator.Subscribe(c.name, c.hub.cfg.BufferSize, sub.Devices...)

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"subscribed": true,
		"devices":    sub.Devices,
	})
	c.sendEvent(EventDeviceSnapshot, c.hub.snapshot(sub.Devices))

	if !c.swapListener(l) {
		return
	}
	go c.forward(l)

	c.hub.logger.Debug("websocket client subscribed", "client", c.name, "devices", sub.Devices)
}

// snapshot returns the current view of the given devices, or all when empty.
func (h *Hub) snapshot(ids []device.Identity) []device.Info {
	if len(ids) == 0 {
		return h.registry.List()
	}
	infos := make([]device.Info, 0, len(ids))
	for _, id := range ids {
		if info, err := h.registry.Info(id); err == nil {
			infos = append(infos, info)
		}
	}
	return infos
}

// swapListener installs l and closes the previous listener.
// It reports false, closing l, when the client has already gone.
func (c *WSClient) swapListener(l *device.Listener) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if l != nil {
			l.Close()
		}
		return false
	}
	prev := c.listener
	c.listener = l
	c.mu.Unlock()
	if prev != nil {
		prev.Close()
	}
	return true
}

// forward relays updates from l until it is closed.
func (c *WSClient) forward(l *device.Listener) {
	for u := range l.C() {
		c.sendEvent(EventDeviceStatus, u)
	}
}

// shutdown closes the listener and the send channel exactly once.
func (c *WSClient) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	l := c.listener
	c.listener = nil
	close(c.send)
	c.mu.Unlock()
	if l != nil {
		l.Close()
	}
}

// trySend queues data for the client, dropping it when the buffer is full
// or the client has gone.
func (c *WSClient) trySend(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (c *WSClient) sendEvent(eventType string, payload any) {
	c.enqueue(WSMessage{
		Type:      WSTypeEvent,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
}

// sendResponse sends a response message to the client.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	c.enqueue(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}

func (c *WSClient) enqueue(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.hub.logger.Error("failed to marshal websocket message", "error", err)
		return
	}
	c.trySend(data)
}
