package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rsclarke/wpsrelay/internal/api"
	"github.com/rsclarke/wpsrelay/internal/dispatch"
	"github.com/rsclarke/wpsrelay/internal/logging"
	"github.com/rsclarke/wpsrelay/internal/tunnel"
)

const (
	liveSendBuffer   = 64
	liveWriteTimeout = 5 * time.Second
)

// LiveHub pushes session changes and new history records to dashboard
// websocket clients. A client that falls behind is disconnected.
type LiveHub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*liveClient]struct{}
	closed  bool
}

type liveClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *liveClient) close() {
	c.once.Do(func() { close(c.send) })
}

// NewLiveHub creates a hub with no clients.
func NewLiveHub(logger *zap.Logger) *LiveHub {
	return &LiveHub{
		logger:  logger.With(logging.Component("live")),
		clients: make(map[*liveClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}
}

// Serve upgrades the request and streams messages to the client until it
// disconnects. initial is sent before any broadcast.
func (h *LiveHub) Serve(w http.ResponseWriter, r *http.Request, initial api.LiveMessage) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("live upgrade failed", zap.Error(err))
		return
	}

	c := &liveClient{conn: conn, send: make(chan []byte, liveSendBuffer)}
	if data, err := json.Marshal(initial); err == nil {
		c.send <- data
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)

	// Inbound messages are ignored; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("live client error", zap.Error(err))
			}
			break
		}
	}
	h.remove(c)
}

func (h *LiveHub) writeLoop(c *liveClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(c)
			return
		}
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func (h *LiveHub) remove(c *liveClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *LiveHub) broadcast(msg api.LiveMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("marshal live message", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Warn("dropping slow live client", logging.Addr(c.conn.RemoteAddr().String()))
			delete(h.clients, c)
			c.close()
		}
	}
}

// Clients returns the number of connected clients.
func (h *LiveHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// OnDispatched broadcasts the stored record of a completed call.
func (h *LiveHub) OnDispatched(_ context.Context, d dispatch.Delivery) error {
	rec := historyRecord(d.Record)
	h.broadcast(api.LiveMessage{Type: api.LiveRecord, Record: &rec})
	return nil
}

// OnSessionChange broadcasts a tunnel state transition.
func (h *LiveHub) OnSessionChange(s tunnel.Snapshot) {
	info := sessionInfo(s)
	h.broadcast(api.LiveMessage{Type: api.LiveStatus, Status: &info})
}

// Close disconnects every client and refuses new ones.
func (h *LiveHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
