// Package posestream broadcasts animator poses to websocket clients and
// accepts state requests from them.
package posestream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/normanking/visemesync/internal/avatar3d"
	"github.com/normanking/visemesync/internal/bus"
	"github.com/normanking/visemesync/internal/observe"
	"github.com/rs/zerolog"
)

const (
	// WriteWait is the timeout for writing to a WebSocket.
	WriteWait = 10 * time.Second

	// PongWait is the timeout for pong responses.
	PongWait = 60 * time.Second

	// PingPeriod is how often to send ping frames.
	PingPeriod = (PongWait * 9) / 10

	// MaxMessageSize is the maximum inbound message size.
	MaxMessageSize = 512

	sendBuffer = 8
)

// Message types on the wire.
const (
	TypeHello = "hello"
	TypePose  = "pose"
	TypeState = "state"
)

// Message is the envelope for every frame sent or received.
type Message struct {
	Type     string         `json:"type"`
	ClientID string         `json:"client_id,omitempty"`
	State    string         `json:"state,omitempty"`
	Pose     *avatar3d.Pose `json:"pose,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// Hub fans poses out to connected clients. Slow clients miss poses rather
// than delay the render loop.
type Hub struct {
	eventBus *bus.EventBus
	metrics  *observe.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
	wg      sync.WaitGroup
}

// NewHub creates a hub. eventBus receives state requests and may be nil.
func NewHub(eventBus *bus.EventBus, metrics *observe.Metrics, logger zerolog.Logger) *Hub {
	return &Hub{
		eventBus: eventBus,
		metrics:  metrics,
		logger:   logger.With().Str("component", "posestream").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	hello, _ := json.Marshal(Message{Type: TypeHello, ClientID: c.id})
	c.send <- hello

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c.id] = c
	count := len(h.clients)
	h.wg.Add(2)
	h.mu.Unlock()

	h.metrics.AddPoseClients(context.Background(), 1)
	h.logger.Info().Str("client", c.id).Int("clients", count).Msg("Pose client connected")

	go h.writePump(c)
	go h.readPump(c)
}

// PublishPose broadcasts p to every client.
func (h *Hub) PublishPose(p avatar3d.Pose) {
	data, err := json.Marshal(Message{Type: TypePose, Pose: &p})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal pose")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Close disconnects every client and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		h.remove(id)
	}
	h.wg.Wait()
}

// remove unregisters a client once; later calls are no-ops.
func (h *Hub) remove(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		h.metrics.AddPoseClients(context.Background(), -1)
		h.logger.Info().Str("client", id).Int("clients", count).Msg("Pose client disconnected")
	}
}

func (h *Hub) writePump(c *client) {
	defer h.wg.Done()
	defer c.conn.Close()

	ticker := time.NewTicker(PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.remove(c.id)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c.id)
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	defer h.wg.Done()
	defer h.remove(c.id)

	c.conn.SetReadLimit(MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Str("client", c.id).Msg("WebSocket read error")
			}
			return
		}
		h.handleMessage(c, data)
	}
}

func (h *Hub) handleMessage(c *client, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Warn().Err(err).Str("client", c.id).Msg("Malformed client message")
		return
	}
	if msg.Type != TypeState {
		h.logger.Debug().Str("client", c.id).Str("type", msg.Type).Msg("Ignoring client message")
		return
	}
	if _, err := avatar3d.ParseState(msg.State); err != nil {
		h.logger.Warn().Err(err).Str("client", c.id).Msg("Rejected state request")
		return
	}
	if h.eventBus != nil {
		h.eventBus.Publish(bus.Event{
			Type: bus.EventTypeAvatarStateRequested,
			Data: map[string]any{"state": msg.State, "client_id": c.id},
		})
	}
}
