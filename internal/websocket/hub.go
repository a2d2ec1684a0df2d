// Package websocket carries the realtime legs of the control plane: the
// agent hub that nudges connected agents about queued work, and the relay
// that shuttles remote-session signaling frames between an operator and an
// agent.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/breeze-rmm/breeze/internal/metrics"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024 * 16,
	WriteBufferSize: 1024 * 16,
	CheckOrigin: func(r *http.Request) bool {
		// Agents connect with bearer credentials, not cookies; origin
		// checks add nothing here.
		return true
	},
}

// Message is the envelope for every frame on an agent connection.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type agentConn struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	deviceID string
}

// Hub tracks connected agents, one connection per device. A second
// connection for the same device replaces the first. Satisfies
// jobs.CommandNotifier so fan-out and remote sessions can push instead of
// waiting for the next heartbeat poll.
type Hub struct {
	mu     sync.RWMutex
	agents map[string]*agentConn
}

// NewHub builds an empty agent hub.
func NewHub() *Hub {
	return &Hub{agents: make(map[string]*agentConn)}
}

// HandleAgent upgrades an authenticated agent request and parks the
// connection. The caller has already resolved credentials to a device.
func (h *Hub) HandleAgent(w http.ResponseWriter, r *http.Request, device *models.Device) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("device_id", device.ID).Msg("Agent WebSocket upgrade failed")
		return
	}

	c := &agentConn{
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		deviceID: device.ID,
	}
	h.mu.Lock()
	if prev, ok := h.agents[device.ID]; ok {
		close(prev.send)
	}
	h.agents[device.ID] = c
	h.mu.Unlock()

	metrics.WSConnections.WithLabelValues("agent").Inc()
	log.Info().Str("device_id", device.ID).Msg("Agent connected")

	go c.writePump()
	go c.readPump()
}

// NotifyCommand tells a connected agent that a command is waiting. Agents
// without a live connection pick it up on the next heartbeat.
func (h *Hub) NotifyCommand(deviceID string) {
	h.mu.RLock()
	c, ok := h.agents[deviceID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	frame, _ := json.Marshal(Message{Type: "command.available"})
	select {
	case c.send <- frame:
	default:
		log.Warn().Str("device_id", deviceID).Msg("Agent send buffer full, dropping nudge")
	}
}

// CloseDevice drops a device's connection, used when the device is
// decommissioned or quarantined mid-session.
func (h *Hub) CloseDevice(deviceID string) {
	h.mu.Lock()
	c, ok := h.agents[deviceID]
	if ok {
		delete(h.agents, deviceID)
	}
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

// Connected reports whether a device currently holds a live connection.
func (h *Hub) Connected(deviceID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.agents[deviceID]
	return ok
}

// ConnectedCount returns the number of live agent connections.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.agents)
}

func (h *Hub) drop(c *agentConn) {
	h.mu.Lock()
	if cur, ok := h.agents[c.deviceID]; ok && cur == c {
		delete(h.agents, c.deviceID)
		close(c.send)
	}
	h.mu.Unlock()
}

func (c *agentConn) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
		metrics.WSConnections.WithLabelValues("agent").Dec()
		log.Info().Str("device_id", c.deviceID).Msg("Agent disconnected")
	}()

	c.conn.SetReadLimit(1024 * 16)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("device_id", c.deviceID).Msg("Agent WebSocket read error")
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			frame, _ := json.Marshal(Message{Type: "pong"})
			select {
			case c.send <- frame:
			default:
			}
		}
	}
}

func (c *agentConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
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
