package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-bus/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-bus/internal/transport"
)

// WebSocket message types.
const (
	WSTypeSubscribe    = "subscribe"
	WSTypeSOWSubscribe = "sow_subscribe"
	WSTypeUnsubscribe  = "unsubscribe"
	WSTypePublish      = "publish"
	WSTypePing         = "ping"
	WSTypePong         = "pong"
	WSTypeEvent        = "event"
	WSTypeResponse     = "response"
	WSTypeError        = "error"
)

// Event types pushed to clients.
const (
	EventTypeMessage    = "message"
	EventTypeConnection = "connection"
)

const (
	// wsSendBufferSize is the per-client outbound message buffer size.
	wsSendBufferSize = 256

	defaultPingInterval   = 30 * time.Second
	defaultPongTimeout    = 10 * time.Second
	defaultMaxMessageSize = 64 * 1024

	// operationTimeout bounds each transport call made for a client.
	operationTimeout = 10 * time.Second
)

// WSMessage is a message sent to a WebSocket client.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// wsRequest is a message received from a WebSocket client.
type wsRequest struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload for subscribe and sow_subscribe.
type WSSubscribePayload struct {
	Topic      string `json:"topic"`
	Filter     string `json:"filter,omitempty"`
	Options    string `json:"options,omitempty"`
	QueueGroup string `json:"queue_group,omitempty"`
	QoS        byte   `json:"qos,omitempty"`
	TopN       int    `json:"top_n,omitempty"`
	OrderBy    string `json:"order_by,omitempty"`
}

func (p WSSubscribePayload) options() []transport.SubscribeOption {
	return []transport.SubscribeOption{
		transport.WithFilter(p.Filter),
		transport.WithOptions(p.Options),
		transport.WithQueueGroup(p.QueueGroup),
		transport.WithSubscribeQoS(p.QoS),
		transport.WithTopN(p.TopN),
		transport.WithOrderBy(p.OrderBy),
	}
}

// WSUnsubscribePayload is the payload for unsubscribe.
type WSUnsubscribePayload struct {
	Subscription string `json:"subscription"`
}

// WSPublishPayload is the payload for publish. Data is forwarded verbatim.
type WSPublishPayload struct {
	Topic         string            `json:"topic"`
	Data          json.RawMessage   `json:"data"`
	Headers       map[string]string `json:"headers,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// envelopeView is the JSON form of a relayed message.
type envelopeView struct {
	Data          any               `json:"data"`
	Topic         string            `json:"topic"`
	MessageID     string            `json:"message_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Timestamp     string            `json:"timestamp"`
	Headers       map[string]string `json:"headers,omitempty"`
}

func viewEnvelope(env transport.Envelope) envelopeView {
	return envelopeView{
		Data:          env.Data,
		Topic:         env.Topic,
		MessageID:     env.MessageID,
		CorrelationID: env.CorrelationID,
		Timestamp:     env.Timestamp.UTC().Format(time.RFC3339Nano),
		Headers:       env.Headers,
	}
}

// Hub tracks connected WebSocket clients.
type Hub struct {
	cfg     config.WebSocketConfig
	logger  *logging.Logger
	clients map[*WSClient]struct{}
	mu      sync.RWMutex
}

// WSClient is one connected WebSocket client. Each client owns the
// transport subscriptions it created; they are released when it disconnects.
type WSClient struct {
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	transport transport.Transport
	subject   string

	mu     sync.Mutex
	subs   map[string]*transport.Subscription
	closed bool
}

// upgrader configures the WebSocket upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Origin checking is handled by CORS middleware
		return true
	},
}

// NewHub creates a WebSocket hub.
func NewHub(cfg config.WebSocketConfig, logger *logging.Logger) *Hub {
	return &Hub{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*WSClient]struct{}),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *WSClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", h.ClientCount())
}

// Unregister removes a client from the hub.
// Only the goroutine that removes the client from the map closes the send
// channel.
func (h *Hub) Unregister(client *WSClient) {
	h.mu.Lock()
	_, existed := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if existed {
		close(client.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", h.ClientCount())
}

// Broadcast sends an event to every connected client.
func (h *Hub) Broadcast(eventType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to marshal broadcast message", "error", err)
		return
	}

	// Snapshot client list under hub lock, then release before sending
	h.mu.RLock()
	clients := make([]*WSClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		client.trySend(data)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// closeAll disconnects all clients and closes their send channels
// so writePump goroutines can exit cleanly.
func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		if client.conn != nil {
			client.conn.Close()
		}
		delete(h.clients, client)
	}
}

// handleWebSocket upgrades the connection. When a JWT secret is configured
// the request must carry a valid token in the token query parameter or an
// Authorization bearer header.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	var subject string
	if secret := s.cfg.Auth.JWTSecret; secret != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token == "" {
			writeUnauthorized(w, "token is required")
			return
		}
		claims, err := ParseToken(token, secret)
		if err != nil {
			s.logger.Debug("websocket token rejected", "error", err)
			writeUnauthorized(w, "invalid or expired token")
			return
		}
		subject = claims.Subject
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &WSClient{
		hub:       s.hub,
		conn:      conn,
		send:      make(chan []byte, wsSendBufferSize),
		transport: s.transport,
		subject:   subject,
		subs:      make(map[string]*transport.Subscription),
	}

	s.hub.Register(client)

	go client.writePump()
	go client.readPump()
}

func (h *Hub) timings() (ping, pong time.Duration, limit int64) {
	ping = time.Duration(h.cfg.PingInterval) * time.Second
	if ping <= 0 {
		ping = defaultPingInterval
	}
	pong = time.Duration(h.cfg.PongTimeout) * time.Second
	if pong <= 0 {
		pong = defaultPongTimeout
	}
	limit = int64(h.cfg.MaxMessageSize)
	if limit <= 0 {
		limit = defaultMaxMessageSize
	}
	return ping, pong, limit
}

// readPump reads messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
		c.releaseAll()
	}()

	pingInterval, pongWait, limit := c.hub.timings()
	c.conn.SetReadLimit(limit)
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
		// Any client message resets the read deadline.
		//nolint:errcheck // Best-effort deadline reset
		c.conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		c.handleMessage(message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *WSClient) writePump() {
	pingInterval, pongWait, _ := c.hub.timings()
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

// handleMessage processes an incoming WebSocket message.
func (c *WSClient) handleMessage(data []byte) {
	var msg wsRequest
	if err := json.Unmarshal(data, &msg); err != nil {
		c.sendError("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeSOWSubscribe:
		c.handleSubscribe(msg)
	case WSTypeUnsubscribe:
		c.handleUnsubscribe(msg)
	case WSTypePublish:
		c.handlePublish(msg)
	case WSTypePing:
		c.sendResponse(msg.ID, WSTypePong, nil)
	default:
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

// handleSubscribe opens a transport subscription whose messages are relayed
// to the client as message events carrying the request id.
func (c *WSClient) handleSubscribe(msg wsRequest) {
	var p WSSubscribePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.sendError(msg.ID, "invalid subscribe payload")
		return
	}
	if p.Topic == "" {
		c.sendError(msg.ID, "topic is required")
		return
	}

	reqID := msg.ID
	handler := func(env transport.Envelope) error {
		c.sendEvent(reqID, viewEnvelope(env))
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	var (
		sub *transport.Subscription
		err error
	)
	if msg.Type == WSTypeSOWSubscribe {
		snap, ok := c.transport.(transport.SnapshotCapable)
		if !ok {
			c.sendError(msg.ID, "transport does not support snapshots")
			return
		}
		sub, err = snap.SOWAndSubscribe(ctx, p.Topic, handler, p.options()...)
	} else {
		sub, err = c.transport.Subscribe(ctx, p.Topic, handler, p.options()...)
	}
	if err != nil {
		c.sendError(msg.ID, err.Error())
		return
	}

	if !c.track(sub) {
		//nolint:errcheck // Client already gone; release is best-effort
		sub.Unsubscribe(ctx)
		return
	}

	c.hub.logger.Info("websocket client subscribed",
		"topic", p.Topic,
		"subscription", sub.ID(),
		"snapshot", msg.Type == WSTypeSOWSubscribe,
		"subject", c.subject,
	)
	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"subscription": sub.ID(),
		"topic":        sub.Topic(),
	})
}

// handleUnsubscribe releases one of the client's subscriptions.
func (c *WSClient) handleUnsubscribe(msg wsRequest) {
	var p WSUnsubscribePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.sendError(msg.ID, "invalid unsubscribe payload")
		return
	}

	c.mu.Lock()
	sub, ok := c.subs[p.Subscription]
	delete(c.subs, p.Subscription)
	c.mu.Unlock()
	if !ok {
		c.sendError(msg.ID, "unknown subscription: "+p.Subscription)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	if err := sub.Unsubscribe(ctx); err != nil {
		c.sendError(msg.ID, err.Error())
		return
	}

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"unsubscribed": p.Subscription,
	})
}

// handlePublish forwards the payload's data to the transport.
func (c *WSClient) handlePublish(msg wsRequest) {
	var p WSPublishPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		c.sendError(msg.ID, "invalid publish payload")
		return
	}
	if p.Topic == "" {
		c.sendError(msg.ID, "topic is required")
		return
	}
	if len(p.Data) == 0 {
		c.sendError(msg.ID, "data is required")
		return
	}

	opts := []transport.PublishOption{transport.WithHeaders(p.Headers)}
	if p.CorrelationID != "" {
		opts = append(opts, transport.WithCorrelationID(p.CorrelationID))
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	if err := c.transport.Publish(ctx, p.Topic, p.Data, opts...); err != nil {
		c.sendError(msg.ID, err.Error())
		return
	}

	c.sendResponse(msg.ID, WSTypeResponse, map[string]any{
		"published": p.Topic,
	})
}

// track records sub unless the client has already disconnected.
func (c *WSClient) track(sub *transport.Subscription) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.subs[sub.ID()] = sub
	return true
}

// releaseAll unsubscribes everything the client opened.
func (c *WSClient) releaseAll() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	if len(subs) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	for id, sub := range subs {
		if err := sub.Unsubscribe(ctx); err != nil && !errors.Is(err, transport.ErrNotConnected) {
			c.hub.logger.Warn("releasing websocket subscription failed", "subscription", id, "error", err)
		}
	}
	c.hub.logger.Debug("websocket subscriptions released", "count", len(subs))
}

// trySend queues data for the client. Closed channels and full buffers
// drop the message.
func (c *WSClient) trySend(data []byte) {
	defer func() {
		recover() //nolint:errcheck // Absorb send-on-closed-channel panic
	}()

	select {
	case c.send <- data:
	default:
		c.hub.logger.Debug("websocket client buffer full, message dropped")
	}
}

func (c *WSClient) sendEvent(id string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      WSTypeEvent,
		ID:        id,
		EventType: EventTypeMessage,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	})
	if err != nil {
		c.hub.logger.Warn("failed to marshal message event", "error", err)
		return
	}
	c.trySend(data)
}

// sendResponse sends a response message to the client.
func (c *WSClient) sendResponse(id, msgType string, payload any) {
	msg := WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payload,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.trySend(data)
}

// sendError sends an error message to the client.
func (c *WSClient) sendError(id, message string) {
	c.sendResponse(id, WSTypeError, map[string]string{"message": message})
}
