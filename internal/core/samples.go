package core

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/care/rheed/internal/emitter"
)

const (
	sampleClientBuffer = 32
	sampleWriteTimeout = 5 * time.Second
	samplePingInterval = 30 * time.Second
)

// sampleClient is one websocket subscriber of the brightness feed
type sampleClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *sampleClient) close() {
	c.once.Do(func() { close(c.send) })
}

// sampleHub fans sample batches out to websocket clients as binary MsgPack
// messages. A client that cannot keep up loses batches, never the pipeline.
type sampleHub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*sampleClient
	closed  bool
	dropped uint64
}

func newSampleHub() *sampleHub {
	return &sampleHub{
		upgrader: websocket.Upgrader{
			// Plotters run on the lab network without a browser origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*sampleClient),
	}
}

// ServeHTTP upgrades the request and streams batches until the client leaves
func (h *sampleHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &sampleClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, sampleClientBuffer),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client.id] = client
	total := len(h.clients)
	h.mu.Unlock()

	slog.Info("sample feed client connected", "client_id", client.id, "remote", r.RemoteAddr, "clients", total)

	go h.writer(client)
	h.reader(client)
}

// reader discards client messages and detects disconnects
func (h *sampleHub) reader(c *sampleClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("sample feed read error", "client_id", c.id, "error", err)
			}
			return
		}
	}
}

// writer sends queued batches and keepalive pings
func (h *sampleHub) writer(c *sampleClient) {
	ticker := time.NewTicker(samplePingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(time.Second))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(sampleWriteTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				slog.Debug("sample feed write failed", "client_id", c.id, "error", err)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(sampleWriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *sampleHub) remove(c *sampleClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		c.close()
		slog.Info("sample feed client disconnected", "client_id", c.id, "clients", total)
	}
}

// Broadcast queues a batch for every client
func (h *sampleHub) Broadcast(batch emitter.SampleBatch) {
	h.mu.RLock()
	if len(h.clients) == 0 || h.closed {
		h.mu.RUnlock()
		return
	}
	h.mu.RUnlock()

	payload, err := emitter.EncodeBatch(batch)
	if err != nil {
		slog.Error("failed to encode sample batch", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			h.dropped++
			if h.dropped == 1 || h.dropped%100 == 0 {
				slog.Warn("sample feed client too slow, batch dropped",
					"client_id", c.id,
					"dropped_total", h.dropped,
				)
			}
		}
	}
}

// Clients returns the number of connected clients
func (h *sampleHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns the number of batches dropped for slow clients
func (h *sampleHub) Dropped() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// Close disconnects every client
func (h *sampleHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}
