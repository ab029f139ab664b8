package tunnel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rsclarke/wpsrelay/internal/envelope"
	"github.com/rsclarke/wpsrelay/internal/events"
)

// channel is one physical control-channel connection. It serializes
// writes and refuses them once the session has left Connected.
type channel struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu     sync.Mutex
	closed atomic.Bool
}

func newChannel(conn *websocket.Conn, writeTimeout time.Duration) *channel {
	return &channel{conn: conn, writeTimeout: writeTimeout}
}

// Reply encodes resp and writes it to the cloud service.
func (c *channel) Reply(ctx context.Context, resp events.Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := envelope.EncodeResponse(resp)
	if err != nil {
		return err
	}
	return c.send(data)
}

func (c *channel) sendFrame(f envelope.Frame) error {
	data, err := envelope.Encode(f)
	if err != nil {
		return err
	}
	return c.send(data)
}

func (c *channel) send(data []byte) error {
	if c.closed.Load() {
		return ErrNotConnected
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return ErrNotConnected
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// close marks the channel unusable and tears down the connection.
func (c *channel) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.conn.Close()
}
