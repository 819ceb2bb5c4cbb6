package websocket

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/sensorgate/errors"
)

// Conn wraps a websocket connection as a registry endpoint. The registry
// never sees gorilla types; it holds the Conn through the Endpoint interface.
type Conn struct {
	id string
	ws *websocket.Conn

	connectedAt  time.Time
	writeTimeout time.Duration

	// gorilla/websocket panics on concurrent writes to the same connection
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	lastPong  atomic.Value // stores time.Time
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	c := &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		connectedAt:  time.Now(),
		writeTimeout: writeTimeout,
	}
	c.lastPong.Store(time.Now())
	return c
}

// ID returns the connection's stable identifier.
func (c *Conn) ID() string {
	return c.id
}

// Send writes a payload to the client as a text message. The write deadline
// is the earlier of the context deadline and the configured write timeout.
func (c *Conn) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return errors.ErrEndpointClosed
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.WrapTransient(err, "Conn", "Send", "write message")
	}
	return nil
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.ws.Close()
	})
	return nil
}

// ping sends a ping control frame with the write deadline applied.
func (c *Conn) ping() error {
	if c.closed.Load() {
		return errors.ErrEndpointClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}
