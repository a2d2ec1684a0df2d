package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/breeze-rmm/breeze/internal/metrics"
	"github.com/breeze-rmm/breeze/internal/models"
	"github.com/breeze-rmm/breeze/internal/remote"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// SignalFrame is one signaling message on a relay leg. The server forwards
// Data opaquely; SDP and candidates are never decoded.
type SignalFrame struct {
	Type string          `json:"type"` // offer, answer, ice, close
	Data json.RawMessage `json:"data,omitempty"`
}

type legConn struct {
	conn *websocket.Conn
	send chan []byte
}

type sessionLegs struct {
	mu    sync.Mutex
	user  *legConn
	agent *legConn
}

// Relay pairs the operator and agent WebSocket legs of a remote session and
// forwards signaling frames between them. Both legs are authorized before
// attach; the relay itself only moves bytes and activity timestamps.
type Relay struct {
	sessions sync.Map // sessionID -> *sessionLegs
	remotes  *remote.Service
}

// NewRelay wires the relay and registers it as the session closer.
func NewRelay(remotes *remote.Service) *Relay {
	r := &Relay{remotes: remotes}
	remotes.SetCloser(r)
	return r
}

// HandleUserLeg attaches the session owner's connection. Authorization
// (bearer + ownership) happened in the HTTP handler.
func (r *Relay) HandleUserLeg(w http.ResponseWriter, req *http.Request, session *models.RemoteSession) {
	r.attach(w, req, session, true)
}

// HandleAgentLeg attaches the target device's connection.
func (r *Relay) HandleAgentLeg(w http.ResponseWriter, req *http.Request, session *models.RemoteSession) {
	r.attach(w, req, session, false)
}

func (r *Relay) attach(w http.ResponseWriter, req *http.Request, session *models.RemoteSession, isUser bool) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Warn().Err(err).Str("session_id", session.ID).Msg("Relay upgrade failed")
		return
	}

	kind := "operator"
	if !isUser {
		kind = "agent"
	}
	leg := &legConn{conn: conn, send: make(chan []byte, sendBuffer)}

	entry, _ := r.sessions.LoadOrStore(session.ID, &sessionLegs{})
	legs := entry.(*sessionLegs)
	legs.mu.Lock()
	if isUser {
		if legs.user != nil {
			close(legs.user.send)
		}
		legs.user = leg
	} else {
		if legs.agent != nil {
			close(legs.agent.send)
		}
		legs.agent = leg
	}
	legs.mu.Unlock()

	metrics.WSConnections.WithLabelValues(kind).Inc()
	if isUser {
		metrics.RemoteSessionsActive.Inc()
	}
	log.Info().Str("session_id", session.ID).Str("leg", kind).Msg("Relay leg attached")

	go leg.writePump()
	r.readLoop(leg, legs, session, isUser)
}

func (r *Relay) readLoop(leg *legConn, legs *sessionLegs, session *models.RemoteSession, isUser bool) {
	kind := "operator"
	if !isUser {
		kind = "agent"
	}
	defer func() {
		r.detach(legs, session.ID, leg, isUser)
		leg.conn.Close()
		metrics.WSConnections.WithLabelValues(kind).Dec()
		if isUser {
			metrics.RemoteSessionsActive.Dec()
		}
	}()

	leg.conn.SetReadLimit(1024 * 64)
	leg.conn.SetReadDeadline(time.Now().Add(pongWait))
	leg.conn.SetPongHandler(func(string) error {
		leg.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := leg.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame SignalFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}

		ctx := context.Background()
		switch frame.Type {
		case "offer", "answer", "ice":
			if frame.Type == "answer" && !isUser {
				// Persist the answer so REST pollers see session state too.
				var answer string
				if err := json.Unmarshal(frame.Data, &answer); err == nil {
					if err := r.remotes.AgentAnswer(ctx, session.ID, session.DeviceID, answer); err != nil {
						log.Warn().Err(err).Str("session_id", session.ID).Msg("Answer persist failed")
					}
				}
			}
			r.remotes.Touch(ctx, session.ID, int64(len(raw)))
			r.forward(legs, raw, isUser)
		case "close":
			r.forward(legs, raw, isUser)
			return
		}
	}
}

// forward hands a frame to the opposite leg, dropping it when that leg is
// absent or backed up. Signaling is re-sent by clients on reconnect.
func (r *Relay) forward(legs *sessionLegs, raw []byte, fromUser bool) {
	legs.mu.Lock()
	peer := legs.agent
	if !fromUser {
		peer = legs.user
	}
	legs.mu.Unlock()
	if peer == nil {
		return
	}
	select {
	case peer.send <- raw:
	default:
	}
}

func (r *Relay) detach(legs *sessionLegs, sessionID string, leg *legConn, isUser bool) {
	legs.mu.Lock()
	if isUser && legs.user == leg {
		close(legs.user.send)
		legs.user = nil
	} else if !isUser && legs.agent == leg {
		close(legs.agent.send)
		legs.agent = nil
	}
	empty := legs.user == nil && legs.agent == nil
	legs.mu.Unlock()
	if empty {
		r.sessions.Delete(sessionID)
	}
}

// CloseSession drops both legs. Called by the remote service when a session
// ends or the idle sweeper kills it.
func (r *Relay) CloseSession(sessionID string) {
	entry, ok := r.sessions.LoadAndDelete(sessionID)
	if !ok {
		return
	}
	legs := entry.(*sessionLegs)
	legs.mu.Lock()
	if legs.user != nil {
		close(legs.user.send)
		legs.user = nil
	}
	if legs.agent != nil {
		close(legs.agent.send)
		legs.agent = nil
	}
	legs.mu.Unlock()
}

func (l *legConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		l.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				l.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
