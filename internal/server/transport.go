package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSTransport is the default Transport, serving WebSocket upgrades over
// gorilla/websocket on a plain or TLS listener.
type WSTransport struct {
	log zerolog.Logger
}

// NewWSTransport creates a transport that logs through log.
func NewWSTransport(log zerolog.Logger) *WSTransport {
	return &WSTransport{log: log.With().Str("component", "transport").Logger()}
}

// Listen loads the TLS key pair when requested and binds cfg.Addr.
func (t *WSTransport) Listen(cfg ListenConfig, events Events) (Listener, error) {
	var tlsConfig *tls.Config
	if cfg.UseTLS {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return nil, &TLSConfigurationError{CertPath: cfg.TLSCertPath, KeyPath: cfg.TLSKeyPath, Err: err}
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		t.log.Debug().Msg("using tls")
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, &BindError{Addr: cfg.Addr, Err: err}
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}

	l := &wsListener{
		ln:     ln,
		cfg:    cfg,
		events: events,
		log:    t.log,
	}
	l.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     newOriginPolicy(cfg.AllowedOrigins, t.log).check,
	}
	l.srv = CreateServer(cfg.Addr, SetupRoutes(l.handleUpgrade))
	return l, nil
}

type wsListener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	cfg      ListenConfig
	events   Events
	log      zerolog.Logger
	pumps    sync.WaitGroup

	mu      sync.Mutex
	closing bool
}

func (l *wsListener) Addr() net.Addr { return l.ln.Addr() }

// Serve accepts until Shutdown, then waits for in-flight upgrades and the pumps of
// every accepted socket.
func (l *wsListener) Serve() error {
	err := l.srv.Serve(l.ln)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	l.pumps.Wait()
	return err
}

// Shutdown refuses new upgrades and stops the HTTP server. Hijacked sockets are not
// closed here; their owner closes them.
func (l *wsListener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
	return l.srv.Shutdown(ctx)
}

// beginUpgrade counts an upgrade in pumps so Serve cannot return before its pumps
// start. It fails once Shutdown has been called.
func (l *wsListener) beginUpgrade() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closing {
		return false
	}
	l.pumps.Add(1)
	return true
}
