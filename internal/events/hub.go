package events

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thruflo/foreman/internal/logging"
)

const (
	clientBuffer   = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	defaultBacklog = 512
)

// Hub broadcasts events to websocket clients. It keeps a bounded backlog so
// a reconnecting client can ask for everything after the last seq it saw.
type Hub struct {
	mu       sync.Mutex
	seq      uint64
	backlog  []*Event
	capacity int
	clients  map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *logging.Logger
}

type client struct {
	send      chan []byte
	sessionID string
}

// NewHub creates a Hub.
func NewHub(logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		capacity: defaultBacklog,
		clients:  make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger: logger,
	}
}

// Publish assigns e the next sequence number and queues it for every
// interested client. Clients whose buffer is full are disconnected rather
// than allowed to stall the publisher.
func (h *Hub) Publish(e *Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	ev := *e
	ev.Seq = h.seq
	h.backlog = append(h.backlog, &ev)
	if len(h.backlog) > h.capacity {
		h.backlog = h.backlog[len(h.backlog)-h.capacity:]
	}

	data, err := json.Marshal(&ev)
	if err != nil {
		h.logger.Warn("failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	for c := range h.clients {
		if c.sessionID != "" && c.sessionID != ev.SessionID {
			continue
		}
		select {
		case c.send <- data:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Since returns backlog events with Seq greater than seq.
func (h *Hub) Since(seq uint64) []*Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Event
	for _, e := range h.backlog {
		if e.Seq > seq {
			out = append(out, e)
		}
	}
	return out
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request to a websocket and streams events. The
// optional "session" query parameter filters to one session and "since"
// replays backlog events after that seq.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		send:      make(chan []byte, clientBuffer),
		sessionID: r.URL.Query().Get("session"),
	}

	h.mu.Lock()
	if s := r.URL.Query().Get("since"); s != "" {
		if since, err := strconv.ParseUint(s, 10, 64); err == nil {
			for _, e := range h.backlog {
				if e.Seq <= since || (c.sessionID != "" && e.SessionID != c.sessionID) {
					continue
				}
				if data, err := json.Marshal(e); err == nil {
					select {
					case c.send <- data:
					default:
					}
				}
			}
		}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writePump(conn, c)
	h.readPump(conn, c)
}

// readPump discards client messages and unregisters the client on close.
func (h *Hub) readPump(conn *websocket.Conn, c *client) {
	defer func() {
		h.mu.Lock()
		if _, ok := h.clients[c]; ok {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(conn *websocket.Conn, c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
