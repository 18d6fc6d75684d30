// Package server keeps the set of open client connections in a Registry that
// supports identity lookup and stable snapshots for broadcast iteration.
package server

import (
	"errors"
	"slices"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Registry holds every currently open Connection, keyed by transport handle.
// Iteration order is the order in which clients joined.
type Registry struct {
	mu       sync.RWMutex
	byHandle map[Handle]*Connection
	order    []*Connection
	onRemove RemoveFunc
	log      zerolog.Logger
}

// RemoveFunc is called once for every connection that leaves the registry, after its
// handle is closed. reason is nil for an application close.
type RemoveFunc func(conn *Connection, reason error)

// NewRegistry creates an empty registry that logs through log.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		byHandle: make(map[Handle]*Connection),
		log:      log,
	}
}

// Register wraps h in a new Connection and appends it to the registry. It fails with
// *DuplicateConnectionError if h is already registered.
func (r *Registry) Register(h Handle) (*Connection, error) {
	if h == nil {
		return nil, errors.New("nil handle")
	}

	r.mu.Lock()
	if _, exists := r.byHandle[h]; exists {
		r.mu.Unlock()
		return nil, &DuplicateConnectionError{RemoteAddr: h.RemoteAddr()}
	}
	conn := newConnection(h, r)
	r.byHandle[h] = conn
	r.order = append(r.order, conn)
	count := len(r.byHandle)
	r.mu.Unlock()

	r.log.Info().
		Str("conn_id", conn.id.String()).
		Str("remote", h.RemoteAddr()).
		Int("clients", count).
		Msg("client registered")
	return conn, nil
}

// SetRemoveHandler sets the function notified of every removal.
func (r *Registry) SetRemoveHandler(fn RemoveFunc) {
	r.mu.Lock()
	r.onRemove = fn
	r.mu.Unlock()
}

// Unregister removes the connection for h, closing it and running its close callback.
// It reports whether an entry was removed; a second call for the same handle returns false.
func (r *Registry) Unregister(h Handle) bool {
	return r.unregister(h, websocket.CloseNormalClosure, nil)
}

// UnregisterConnection is Unregister keyed by the connection instead of its handle.
func (r *Registry) UnregisterConnection(c *Connection) bool {
	if c == nil {
		return false
	}
	return r.unregister(c.handle, websocket.CloseNormalClosure, nil)
}

// Disconnect is Unregister for a handle the transport reported as gone.
// reason is passed on to the remove handler.
func (r *Registry) Disconnect(h Handle, reason error) bool {
	return r.unregister(h, websocket.CloseNormalClosure, reason)
}

func (r *Registry) unregister(h Handle, code int, reason error) bool {
	r.mu.Lock()
	conn, ok := r.byHandle[h]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.byHandle, h)
	r.order = slices.DeleteFunc(r.order, func(c *Connection) bool { return c == conn })
	count := len(r.byHandle)
	onRemove := r.onRemove
	r.mu.Unlock()

	// Teardown runs outside the lock so close callbacks may call back into the registry.
	conn.teardown(code)

	r.log.Info().
		Str("conn_id", conn.id.String()).
		Str("remote", h.RemoteAddr()).
		Int("clients", count).
		Msg("client unregistered")

	if onRemove != nil {
		onRemove(conn, reason)
	}
	return true
}

// Find returns the connection registered for h.
func (r *Registry) Find(h Handle) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byHandle[h]
	return conn, ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byHandle)
}

// Snapshot returns the registered connections in join order. The slice is a copy and
// stays valid while the registry changes.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// CloseAll unregisters every connection with a going-away status and returns how many
// were closed. reason is passed on to the remove handler.
func (r *Registry) CloseAll(reason error) int {
	closed := 0
	for _, conn := range r.Snapshot() {
		if r.unregister(conn.handle, websocket.CloseGoingAway, reason) {
			closed++
		}
	}
	return closed
}
