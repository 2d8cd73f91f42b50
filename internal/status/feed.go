package status

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// pongWait is the maximum time to wait for a pong reply from the peer.
	pongWait = 60 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize is the maximum inbound message size in bytes.
	maxMessageSize = 512
)

// Event kinds published on the feed.
const (
	EventStatus = "status"
	EventRelay  = "relay"
)

// Event is the JSON envelope written to feed clients.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin accepts non-browser clients and browsers on the same host.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// Hub fans feed events out to connected WebSocket clients. Slow clients miss
// events rather than stall the publisher.
type Hub struct {
	clients    map[string]*feedClient
	mu         sync.RWMutex
	register   chan *feedClient
	unregister chan *feedClient
	broadcast  chan []byte
	done       chan struct{}
	logger     *slog.Logger
}

type feedClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// NewHub allocates a Hub. Run must be called to start delivering events.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]*feedClient),
		register:   make(chan *feedClient, 16),
		unregister: make(chan *feedClient, 16),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		logger:     logger.With("component", "feed"),
	}
}

// Run delivers events until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for id, c := range h.clients {
			delete(h.clients, id)
			close(c.send)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()
			h.logger.Debug("Feed client connected", "client", c.id)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Debug("Feed client disconnected", "client", c.id)

		case data := <-h.broadcast:
			h.mu.RLock()
			for _, c := range h.clients {
				select {
				case c.send <- data:
				default:
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish queues an event for every connected client. It never blocks; the
// event is dropped when the hub is backed up or stopped.
func (h *Hub) Publish(kind string, data any) {
	payload, err := json.Marshal(Event{Type: kind, Time: time.Now().UTC(), Data: data})
	if err != nil {
		h.logger.Warn("Failed to encode feed event", "type", kind, "error", err)
		return
	}
	select {
	case h.broadcast <- payload:
	default:
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader already wrote the error response.
		return
	}

	c := &feedClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 64),
		hub:  h,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// readPump discards inbound frames; it exists to process pings, pongs and
// the close handshake.
func (c *feedClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("Feed client read error", "client", c.id, "error", err)
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay stopping"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
