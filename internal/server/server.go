// Package server composes the registry, broadcaster, and router into the Server
// facade and drives its Created, Starting, Running, Stopped lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// State is a Server lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Option customises a Server built by New.
type Option func(*Server)

// WithLogger sets the logger used by the server and all of its components.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithTransport replaces the default gorilla/websocket transport.
func WithTransport(t Transport) Option {
	return func(s *Server) { s.transport = t }
}

// Server owns the connection registry, the broadcaster and the router for its whole
// running lifetime. A stopped Server cannot be restarted.
type Server struct {
	cfg       Config
	log       zerolog.Logger
	transport Transport

	registry    *Registry
	broadcaster *Broadcaster
	router      *Router

	lifecycle sync.Mutex
	state     atomic.Int32
	listener  Listener
	cancel    context.CancelFunc
	done      chan struct{}

	hooksMu         sync.RWMutex
	connectHooks    []func(*Connection)
	disconnectHooks []func(*Connection, error)
}

// New builds a Server in the Created state. cfg is copied.
func New(cfg Config, opts ...Option) *Server {
	cfg.Sanitize()

	s := &Server{
		cfg:  cfg,
		done: make(chan struct{}),
	}
	s.log = NewLogger(os.Stderr, cfg.Debug)
	for _, opt := range opts {
		opt(s)
	}
	if s.transport == nil {
		s.transport = NewWSTransport(s.log)
	}

	s.registry = NewRegistry(s.log.With().Str("component", "registry").Logger())
	s.registry.SetRemoveHandler(s.connectionRemoved)
	s.broadcaster = NewBroadcaster(s.registry, s.log.With().Str("component", "broadcast").Logger())
	s.router = NewRouter(s.registry, s.log.With().Str("component", "dispatch").Logger())

	s.broadcaster.SetThrottle(cfg.Throttle)
	if cfg.EncodeBase64 {
		s.broadcaster.SetEncoder(Base64Encoder)
	}
	return s
}

// Config returns a copy of the server configuration.
func (s *Server) Config() Config {
	cfg := s.cfg
	cfg.AllowedOrigins = append([]string(nil), s.cfg.AllowedOrigins...)
	return cfg
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Done is closed once the server has stopped and its background tasks have exited.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// Addr returns the bound address while running, or the configured one otherwise.
func (s *Server) Addr() string {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.cfg.Addr()
}

// Start binds the listening endpoint and begins accepting connections. A TLS or bind
// failure is returned and leaves the server in the Created state.
func (s *Server) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	switch st := s.State(); st {
	case StateCreated:
	case StateStopped:
		return fmt.Errorf("%w: %w", ErrServerStopped, ErrInvalidState)
	default:
		return fmt.Errorf("start in state %s: %w", st, ErrInvalidState)
	}
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	s.state.Store(int32(StateStarting))
	s.log.Debug().Bool("tls", s.cfg.UseTLS).Bool("debug", s.cfg.Debug).Msg("start called")

	ln, err := s.transport.Listen(s.listenConfig(), s)
	if err != nil {
		s.state.Store(int32(StateCreated))
		s.log.Error().Err(err).Str("addr", s.cfg.Addr()).Msg("server failed to start")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	s.listener = ln
	s.cancel = cancel
	s.state.Store(int32(StateRunning))

	g.Go(ln.Serve)
	g.Go(func() error { return s.flushLoop(gctx) })

	go func() {
		if err := g.Wait(); err != nil {
			s.log.Error().Err(err).Msg("background task failed")
		}
		close(s.done)
	}()

	scheme := "ws"
	if s.cfg.UseTLS {
		scheme = "wss"
	}
	s.log.Info().
		Str("addr", ln.Addr().String()).
		Str("scheme", scheme).
		Bool("throttle", s.broadcaster.Throttled()).
		Dur("broadcast_rate", s.cfg.BroadcastRate).
		Msg("server started")
	return nil
}

// Stop closes every connection, stops accepting new ones and cancels the flush timer.
// It waits at most timeout for background tasks and returns context.DeadlineExceeded
// when they did not finish in time. Stop on a stopped server is a no-op.
func (s *Server) Stop(timeout time.Duration) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	prev := s.State()
	if prev == StateStopped {
		return nil
	}
	s.state.Store(int32(StateStopped))

	if prev != StateRunning {
		close(s.done)
		s.log.Info().Msg("server stopped before start")
		return nil
	}

	s.log.Info().Msg("initiating server shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.listener.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("listener shutdown error")
	}
	s.cancel()

	closed := s.registry.CloseAll(ErrServerStopped)
	s.log.Info().Int("closed", closed).Msg("closed client connections")

	select {
	case <-s.done:
		s.log.Info().Msg("server shutdown completed")
		return nil
	case <-ctx.Done():
		s.log.Warn().Msg("server shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}

func (s *Server) listenConfig() ListenConfig {
	return ListenConfig{
		Addr:           s.cfg.Addr(),
		UseTLS:         s.cfg.UseTLS,
		TLSCertPath:    s.cfg.TLSCertPath,
		TLSKeyPath:     s.cfg.TLSKeyPath,
		AllowedOrigins: append([]string(nil), s.cfg.AllowedOrigins...),
		MaxMessageSize: s.cfg.MaxMessageSize,
		SendBufferSize: s.cfg.SendBufferSize,
		RateLimit:      s.cfg.RateLimit,
	}
}

func (s *Server) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.BroadcastRate)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if report, ok := s.broadcaster.FlushPending(); ok {
				s.log.Debug().Int("delivered", report.Delivered).Int("failed", report.Failed).Msg("flushed pending broadcast")
			}
		}
	}
}

// OnConnected registers a newly opened handle. Handles arriving while the server is not
// running are closed immediately.
func (s *Server) OnConnected(h Handle) {
	if s.State() != StateRunning {
		_ = h.Close(websocket.CloseGoingAway)
		return
	}

	conn, err := s.registry.Register(h)
	if err != nil {
		var dup *DuplicateConnectionError
		if errors.As(err, &dup) {
			s.log.Error().Err(err).Msg("duplicate connection ignored")
			return
		}
		s.log.Error().Err(err).Msg("connection registration failed")
		return
	}

	// Stop may have drained the registry between the state check and Register.
	if s.State() != StateRunning {
		s.registry.unregister(h, websocket.CloseGoingAway, ErrServerStopped)
		return
	}

	s.hooksMu.RLock()
	hooks := slices.Clone(s.connectHooks)
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		s.runHook(conn, func() { hook(conn) })
	}
}

// OnMessage routes an inbound message to the registered handler.
func (s *Server) OnMessage(h Handle, payload []byte, binary bool) {
	_ = s.router.Route(h, payload, binary)
}

// OnDisconnected removes the handle from the registry.
func (s *Server) OnDisconnected(h Handle, reason error) {
	s.registry.Disconnect(h, reason)
}

// connectionRemoved runs the disconnect hooks. The registry calls it once per
// connection, whichever side closed it.
func (s *Server) connectionRemoved(conn *Connection, reason error) {
	s.log.Debug().Err(reason).Str("conn_id", conn.ID().String()).Msg("connection closed")

	s.hooksMu.RLock()
	hooks := slices.Clone(s.disconnectHooks)
	s.hooksMu.RUnlock()
	for _, hook := range hooks {
		s.runHook(conn, func() { hook(conn, reason) })
	}
}

func (s *Server) runHook(conn *Connection, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Str("conn_id", conn.ID().String()).
				Strs("stack", boundedStack(3, handlerTraceDepth)).
				Msgf("recovered from panic in connection hook: %v", r)
		}
	}()
	fn()
}

// RegisterConnectHook adds fn to the functions called after a client is registered.
func (s *Server) RegisterConnectHook(fn func(*Connection)) {
	s.hooksMu.Lock()
	s.connectHooks = append(s.connectHooks, fn)
	s.hooksMu.Unlock()
}

// RegisterDisconnectHook adds fn to the functions called after a client disconnects.
// reason is the transport error for a client-side disconnect, ErrServerStopped when
// Stop closed the connection and nil for Connection.Close. Hooks run on the goroutine
// that removed the connection and must not call Start, Stop or Addr.
func (s *Server) RegisterDisconnectHook(fn func(*Connection, error)) {
	s.hooksMu.Lock()
	s.disconnectHooks = append(s.disconnectHooks, fn)
	s.hooksMu.Unlock()
}

// SetTextHandler sets the handler for inbound text messages.
func (s *Server) SetTextHandler(h MessageHandler) { s.router.SetTextHandler(h) }

// SetBinaryHandler sets the handler for inbound binary messages.
func (s *Server) SetBinaryHandler(h MessageHandler) { s.router.SetBinaryHandler(h) }

// Broadcast sends payload to every client, or queues it when throttling is enabled.
func (s *Server) Broadcast(payload []byte, binary bool) Report {
	return s.broadcaster.Broadcast(payload, binary)
}

// BroadcastText broadcasts msg as a text frame.
func (s *Server) BroadcastText(msg string) Report {
	return s.broadcaster.Broadcast([]byte(msg), false)
}

// FlushPending sends the pending throttled message now.
func (s *Server) FlushPending() (Report, bool) {
	return s.broadcaster.FlushPending()
}

// SetThrottle toggles broadcast coalescing at runtime.
func (s *Server) SetThrottle(enabled bool) {
	s.broadcaster.SetThrottle(enabled)
}

// ClientCount returns the number of registered clients.
func (s *Server) ClientCount() int {
	return s.registry.Count()
}

// Connections returns the registered clients in join order.
func (s *Server) Connections() []*Connection {
	return s.registry.Snapshot()
}

var _ Events = (*Server)(nil)
