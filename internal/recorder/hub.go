package recorder

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/funnyzak/reqreplay/internal/logger"
	"github.com/funnyzak/reqreplay/pkg/artifact"
)

const (
	feedPongWait   = 60 * time.Second
	feedPingPeriod = feedPongWait * 9 / 10
	feedWriteWait  = 5 * time.Second
	// events buffered per subscriber before it is considered too slow
	feedQueueSize = 64
)

// FeedEvent is one message on the live feed
type FeedEvent struct {
	Type    string        `json:"type"`
	Session *Session      `json:"session,omitempty"`
	Row     *artifact.Row `json:"row,omitempty"`
}

// sessionID returns the session the event belongs to
func (ev FeedEvent) sessionID() string {
	switch {
	case ev.Row != nil:
		return ev.Row.SessionID
	case ev.Session != nil:
		return ev.Session.ID
	}
	return ""
}

// feedClient is a subscriber, optionally limited to one session. Only its
// writer goroutine writes data frames to conn.
type feedClient struct {
	conn    *websocket.Conn
	session string
	send    chan []byte
	done    chan struct{}
}

func (c *feedClient) wants(ev FeedEvent) bool {
	return c.session == "" || c.session == ev.sessionID()
}

// Hub fans recorded exchanges out to websocket subscribers. A subscriber
// that connects with ?session=<id> only receives events of that session.
type Hub struct {
	logger  logger.Logger
	mu      sync.RWMutex
	clients map[*websocket.Conn]*feedClient

	upgrader websocket.Upgrader
}

// NewHub creates an empty hub
func NewHub(log logger.Logger) *Hub {
	if log == nil {
		log = logger.Nop()
	}
	return &Hub{
		logger:  log,
		clients: make(map[*websocket.Conn]*feedClient),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and subscribes it to the feed
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Live feed upgrade failed", "error", err)
		return
	}
	client := &feedClient{
		conn:    conn,
		session: r.URL.Query().Get("session"),
		send:    make(chan []byte, feedQueueSize),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[conn] = client
	h.mu.Unlock()
	h.logger.Debug("Live feed subscriber connected", "remote", r.RemoteAddr, "session", client.session)

	go h.write(client)
	go h.drain(client)
}

// drain discards client messages; it only exists to process pongs and
// notice disconnects.
func (h *Hub) drain(c *feedClient) {
	defer h.drop(c)

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// write delivers queued events and keepalive pings until c is dropped
func (h *Hub) write(c *feedClient) {
	ticker := time.NewTicker(feedPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.logger.Warn("Dropping live feed subscriber", "error", err)
				h.drop(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(feedWriteWait)); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// drop removes c once; later calls are no-ops
func (h *Hub) drop(c *feedClient) {
	h.mu.Lock()
	_, ok := h.clients[c.conn]
	delete(h.clients, c.conn)
	h.mu.Unlock()

	if ok {
		close(c.done)
		c.conn.Close()
	}
}

// Clients returns the number of connected subscribers
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) subscribers(ev FeedEvent) []*feedClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*feedClient, 0, len(h.clients))
	for _, c := range h.clients {
		if c.wants(ev) {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast queues ev for every interested subscriber without waiting on
// the network. Subscribers whose queue is full are dropped.
func (h *Hub) Broadcast(ev FeedEvent) {
	targets := h.subscribers(ev)
	if len(targets) == 0 {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("Failed to encode live feed event", "type", ev.Type, "error", err)
		return
	}

	for _, c := range targets {
		select {
		case c.send <- payload:
		default:
			h.logger.Warn("Dropping slow live feed subscriber", "remote", c.conn.RemoteAddr().String())
			h.drop(c)
		}
	}
}

// Close says goodbye to every subscriber and disconnects them
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*feedClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "recorder shutting down"),
			time.Now().Add(feedWriteWait))
		h.drop(c)
	}
}
