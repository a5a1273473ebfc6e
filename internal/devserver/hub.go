package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/gauthierbraillon/feedsync/internal/feed"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub pushes frames to plain WebSocket clients.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn   *websocket.Conn
	viewer string
	filter string

	writeMu sync.Mutex
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*hubClient]struct{}),
	}
}

// HandleWebSocket upgrades an authenticated request and keeps the client
// registered until it disconnects.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &hubClient{
		conn:   conn,
		viewer: viewerOf(c),
		filter: c.Query("filter"),
	}
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("websocket client connected", "viewer", client.viewer, "filter", client.filter)

	defer func() {
		h.remove(client)
		h.logger.Info("websocket client disconnected", "viewer", client.viewer)
	}()

	for {
		var f feed.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		h.receive(client, f)
	}
}

func (h *Hub) receive(client *hubClient, f feed.Frame) {
	if f.Event != feed.FramePresence {
		h.logger.Debug("ignoring client frame", "event", f.Event)
		return
	}
	var p struct {
		Filter string `json:"filter"`
	}
	if err := json.Unmarshal(f.Data, &p); err == nil && p.Filter != "" {
		h.mu.Lock()
		client.filter = p.Filter
		h.mu.Unlock()
	}
	h.logger.Debug("presence", "viewer", client.viewer, "filter", p.Filter)
}

// Publish writes f to every client. Clients that cannot take the write are
// dropped.
func (h *Hub) Publish(f feed.Frame) {
	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(f); err != nil {
			h.logger.Debug("dropping websocket client", "viewer", c.viewer, "error", err)
			h.remove(c)
		}
	}
}

func (c *hubClient) write(f feed.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteJSON(f)
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.conn.Close()
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		h.remove(c)
	}
}
