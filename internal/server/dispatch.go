package server

import (
	"sync"

	"github.com/rs/zerolog"
)

// MessageHandler processes one inbound message from conn. A returned error or a panic is
// logged and contained; it never reaches the transport.
type MessageHandler func(payload []byte, conn *Connection) error

// Router routes inbound messages to the application handler for their kind.
type Router struct {
	registry *Registry
	log      zerolog.Logger

	mu     sync.RWMutex
	text   MessageHandler
	binary MessageHandler
}

// NewRouter creates a router with no handlers; messages are dropped until one is set.
func NewRouter(r *Registry, log zerolog.Logger) *Router {
	return &Router{
		registry: r,
		log:      log,
	}
}

// SetTextHandler replaces the handler for text messages. Nil drops text messages.
func (rt *Router) SetTextHandler(h MessageHandler) {
	rt.mu.Lock()
	rt.text = h
	rt.mu.Unlock()
}

// SetBinaryHandler replaces the handler for binary messages. Nil drops binary messages.
func (rt *Router) SetBinaryHandler(h MessageHandler) {
	rt.mu.Lock()
	rt.binary = h
	rt.mu.Unlock()
}

func (rt *Router) handler(binary bool) MessageHandler {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	if binary {
		return rt.binary
	}
	return rt.text
}

// Route invokes the matching handler with the connection registered for h. It returns
// the *HandlerError the handler produced, after logging it.
func (rt *Router) Route(h Handle, payload []byte, binary bool) error {
	conn, ok := rt.registry.Find(h)
	if !ok {
		rt.log.Debug().Str("remote", h.RemoteAddr()).Msg("message from unregistered connection dropped")
		return nil
	}

	fn := rt.handler(binary)
	if fn == nil {
		return nil
	}

	if err := invoke(fn, payload, conn, binary); err != nil {
		rt.log.Error().Err(err.Err).
			Str("conn_id", conn.ID().String()).
			Bool("binary", binary).
			Strs("stack", err.Stack).
			Msg("message handler failed")
		return err
	}
	return nil
}

func invoke(fn MessageHandler, payload []byte, conn *Connection, binary bool) (herr *HandlerError) {
	defer func() {
		if r := recover(); r != nil {
			herr = &HandlerError{
				ConnID: conn.ID(),
				Binary: binary,
				Err:    panicError(r),
				Stack:  boundedStack(3, handlerTraceDepth),
			}
		}
	}()

	if err := fn(payload, conn); err != nil {
		return &HandlerError{ConnID: conn.ID(), Binary: binary, Err: err}
	}
	return nil
}
