// Package websocket pushes screening events to connected clients. Clients
// subscribe to session and patient topics and receive every event
// published to them.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Event represents a real-time notification sent to WebSocket clients.
type Event struct {
	Type         string          `json:"type"`
	Topic        string          `json:"topic"`
	ResourceType string          `json:"resourceType"`
	ResourceID   string          `json:"resourceId,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
	Data         json.RawMessage `json:"data,omitempty"`
}

var errMalformedMessage = errors.New("malformed message")

// ErrorEvent is sent back to a client whose message was rejected.
const ErrorEvent = "subscription.error"

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// EventPublisher defines the interface for publishing events to subscribers.
type EventPublisher interface {
	Publish(ctx context.Context, event Event) error
}

// Topic prefixes clients may subscribe to. Each is followed by a UUID.
const (
	ScreeningTopicPrefix = "screening/"
	PatientTopicPrefix   = "patient/"
)

// ScreeningTopic returns the topic for a single session.
func ScreeningTopic(id uuid.UUID) string { return ScreeningTopicPrefix + id.String() }

// PatientTopic returns the topic for every session of a patient.
func PatientTopic(id uuid.UUID) string { return PatientTopicPrefix + id.String() }

// ValidTopic reports whether topic names a session or a patient.
func ValidTopic(topic string) bool {
	for _, prefix := range []string{ScreeningTopicPrefix, PatientTopicPrefix} {
		if rest := strings.TrimPrefix(topic, prefix); rest != topic {
			_, err := uuid.Parse(rest)
			return err == nil
		}
	}
	return false
}

// Client represents a single WebSocket connection.
type Client struct {
	ID     string
	UserID string
	Topics []string
	Send   chan []byte
}

// NewClient creates a client with a buffered send queue.
func NewClient(userID string) *Client {
	return &Client{
		ID:     uuid.New().String(),
		UserID: userID,
		Topics: []string{},
		Send:   make(chan []byte, 256),
	}
}

// Hub tracks clients and their topic subscriptions.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> set of clients
	all     map[*Client]struct{}
	logger  zerolog.Logger
}

// NewHub creates a new Hub ready to manage WebSocket clients.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
		logger:  logger,
	}
}

// Register adds a client to the hub and subscribes it to its initial topics.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[client] = struct{}{}
	for _, topic := range client.Topics {
		h.addLocked(topic, client)
	}
}

// Unregister removes a client from the hub and every topic, and closes its
// Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for _, topic := range client.Topics {
		h.removeLocked(topic, client)
	}
	delete(h.all, client)
	close(client.Send)
}

// Subscribe adds topics to a registered client. Invalid topics are skipped
// and reported in the error.
func (h *Hub) Subscribe(client *Client, topics []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var rejected []string
	for _, topic := range topics {
		if !ValidTopic(topic) {
			rejected = append(rejected, topic)
			continue
		}
		if h.addLocked(topic, client) {
			client.Topics = append(client.Topics, topic)
		}
	}
	if len(rejected) > 0 {
		return fmt.Errorf("invalid topics: %s", strings.Join(rejected, ", "))
	}
	return nil
}

// Unsubscribe removes topics from a registered client.
func (h *Hub) Unsubscribe(client *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	removeSet := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		removeSet[t] = struct{}{}
		h.removeLocked(t, client)
	}

	remaining := make([]string, 0, len(client.Topics))
	for _, t := range client.Topics {
		if _, rm := removeSet[t]; !rm {
			remaining = append(remaining, t)
		}
	}
	client.Topics = remaining
}

// addLocked reports whether the client was not yet subscribed.
func (h *Hub) addLocked(topic string, client *Client) bool {
	subscribers := h.clients[topic]
	if subscribers == nil {
		subscribers = make(map[*Client]struct{})
		h.clients[topic] = subscribers
	}
	if _, ok := subscribers[client]; ok {
		return false
	}
	subscribers[client] = struct{}{}
	return true
}

func (h *Hub) removeLocked(topic string, client *Client) {
	if subscribers, ok := h.clients[topic]; ok {
		delete(subscribers, client)
		if len(subscribers) == 0 {
			delete(h.clients, topic)
		}
	}
}

// ProcessMessage dispatches an inbound ClientMessage.
func (h *Hub) ProcessMessage(client *Client, msg ClientMessage) error {
	switch msg.Action {
	case "subscribe":
		return h.Subscribe(client, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics)
		return nil
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
}

// Broadcast sends an event to all clients subscribed to the given topic.
// Clients whose queue is full miss the event.
func (h *Hub) Broadcast(topic string, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", topic).Msg("marshal websocket event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients[topic] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().Str("client_id", client.ID).Str("topic", topic).Msg("websocket client queue full, event dropped")
		}
	}
}

// Publish implements EventPublisher for a single process.
func (h *Hub) Publish(_ context.Context, event Event) error {
	h.Broadcast(event.Topic, event)
	return nil
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of clients subscribed to a specific topic.
func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// notify queues an error event for one client.
func (h *Hub) notify(client *Client, err error) {
	msg, _ := json.Marshal(err.Error())
	data, _ := json.Marshal(Event{
		Type:      ErrorEvent,
		Timestamp: time.Now().UTC(),
		Data:      msg,
	})
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.all[client]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
)

// Handler upgrades HTTP requests to WebSocket connections.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
	userID   func(echo.Context) string
}

// NewHandler creates a handler bound to hub. userID names the caller for
// logging; allowedOrigins empty accepts every origin.
func NewHandler(hub *Hub, userID func(echo.Context) string, allowedOrigins []string) *Handler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Handler{
		hub:    hub,
		userID: userID,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				return origins[r.Header.Get("Origin")]
			},
		},
	}
}

// RegisterRoutes registers GET /ws behind the given middleware.
func (wsh *Handler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.GET("/ws", wsh.HandleConnect, mw...)
}

// HandleConnect upgrades the connection and subscribes the client to any
// comma-separated topics in the ?topics= query parameter.
func (wsh *Handler) HandleConnect(c echo.Context) error {
	var initial []string
	if raw := c.QueryParam("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			t = strings.TrimSpace(t)
			if !ValidTopic(t) {
				return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid topic %q", t))
			}
			initial = append(initial, t)
		}
	}

	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	var user string
	if wsh.userID != nil {
		user = wsh.userID(c)
	}
	client := NewClient(user)
	client.Topics = initial
	wsh.hub.Register(client)
	wsh.hub.logger.Debug().Str("client_id", client.ID).Str("user_id", user).Strs("topics", initial).Msg("websocket client connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *Handler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
		wsh.hub.logger.Debug().Str("client_id", client.ID).Msg("websocket client disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			wsh.hub.notify(client, errMalformedMessage)
			continue
		}
		if err := wsh.hub.ProcessMessage(client, msg); err != nil {
			wsh.hub.notify(client, err)
		}
	}
}

func (wsh *Handler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
