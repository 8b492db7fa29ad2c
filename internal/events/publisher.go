// Package events broadcasts best-effort notifications about agent activity
// to connected websocket subscribers (§6.5). Nothing in here ever fails a
// caller: a publish with no subscribers, or one that hits a full client
// buffer, is simply logged and dropped.
package events

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tradingrun/agentrun/pkg/logger"
)

// EventType names the three outbound event kinds (§6.5).
type EventType string

const (
	EventDecision       EventType = "decision"
	EventPositionUpdate EventType = "position_update"
	EventStrategyStatus EventType = "strategy_status"
)

// Event is the envelope broadcast to every connected subscriber.
type Event struct {
	Type      EventType   `json:"type"`
	AgentID   uuid.UUID   `json:"agent_id"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Publisher fans an Event out to subscribers. Implementations must never
// block the caller on a slow or disconnected client.
type Publisher interface {
	Publish(evt Event)
}

const (
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingInterval     = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub is the gorilla/websocket-backed Publisher: every Publish call
// marshals the event once and fans it out to every registered client,
// dropping (and disconnecting) any client whose send buffer is full rather
// than blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub builds an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// Publish marshals evt and fans it out to every connected client. Marshal
// failures and per-client backpressure are logged, never returned: a
// broadcast failure must never interrupt the execution cycle that
// triggered it (§7).
func (h *Hub) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		logger.Error("events: failed to marshal event", zap.String("type", string(evt.Type)), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			logger.Warn("events: client send buffer full, dropping connection")
			go h.disconnect(c)
		}
	}
}

// ServeWS upgrades an HTTP request to a websocket connection and registers
// it as a subscriber until the connection closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.register(c)

	go h.writePump(c)
	go h.readPump(c)
	return nil
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	logger.Debug("events: client connected", zap.Int("total", n))
}

func (h *Hub) disconnect(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	c.conn.Close()
	logger.Debug("events: client disconnected", zap.Int("total", n))
}

// readPump only exists to surface close frames and keep the connection's
// read deadline alive via pong handling; subscribers never send us data we
// act on.
func (h *Hub) readPump(c *client) {
	defer h.disconnect(c)

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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

// NoopPublisher discards every event; the default when no Hub is wired, so
// callers never need a nil check.
type NoopPublisher struct{}

func (NoopPublisher) Publish(Event) {}
