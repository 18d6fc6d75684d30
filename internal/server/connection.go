// Package server models individual client sessions as Connection values that
// wrap a transport handle with identity and close semantics.
package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Connection represents one live client session. The underlying Handle belongs to the
// transport; the Connection only references it.
type Connection struct {
	id          uuid.UUID
	handle      Handle
	connectedAt time.Time
	registry    *Registry

	mu        sync.Mutex
	onClose   func()
	closeOnce sync.Once
}

func newConnection(h Handle, r *Registry) *Connection {
	return &Connection{
		id:          uuid.New(),
		handle:      h,
		connectedAt: time.Now(),
		registry:    r,
	}
}

// ID returns the identifier assigned when the connection was registered.
func (c *Connection) ID() uuid.UUID { return c.id }

// RemoteAddr returns the peer address reported by the transport.
func (c *Connection) RemoteAddr() string { return c.handle.RemoteAddr() }

// ConnectedAt returns the registration time.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Send queues a frame to this client only.
func (c *Connection) Send(payload []byte, binary bool) error {
	if err := c.handle.Send(payload, binary); err != nil {
		return &SendError{ConnID: c.id, Err: err}
	}
	return nil
}

// SendText sends s as a UTF-8 text frame.
func (c *Connection) SendText(s string) error {
	return c.Send([]byte(s), false)
}

// SendBinary sends b as a binary frame.
func (c *Connection) SendBinary(b []byte) error {
	return c.Send(b, true)
}

// SetCloseHandler sets the callback invoked once when the connection is removed.
// A later call replaces the previous callback.
func (c *Connection) SetCloseHandler(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// Close closes the connection from the application side and removes it from
// the registry. Closing an already closed connection does nothing.
func (c *Connection) Close() {
	if c.registry != nil && c.registry.UnregisterConnection(c) {
		return
	}
	c.teardown(websocket.CloseNormalClosure)
}

// teardown closes the handle and runs the close callback. Only the first call has an effect.
func (c *Connection) teardown(code int) {
	c.closeOnce.Do(func() {
		if err := c.handle.Close(code); err != nil && !isExpectedCloseError(err) && c.registry != nil {
			c.registry.log.Debug().Err(err).Str("conn_id", c.id.String()).Msg("error closing handle")
		}

		c.mu.Lock()
		fn := c.onClose
		c.mu.Unlock()

		if fn != nil {
			c.runCloseHandler(fn)
		}
	})
}

func (c *Connection) runCloseHandler(fn func()) {
	defer func() {
		if r := recover(); r != nil && c.registry != nil {
			c.registry.log.Error().
				Str("conn_id", c.id.String()).
				Strs("stack", boundedStack(3, handlerTraceDepth)).
				Msgf("recovered from panic in close handler: %v", r)
		}
	}()
	fn()
}
