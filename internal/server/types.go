// Package server defines the transport contracts the core consumes and the
// utility helpers shared across connection and transport logic.
package server

import (
	"context"
	"net"
	"strings"
	"time"
)

// Handle is the transport's representation of one client socket. Handles must be
// comparable; the registry keys connections by handle identity.
type Handle interface {
	// Send queues a frame for delivery without blocking on the peer.
	Send(payload []byte, binary bool) error
	// Close sends a close frame with the given status code and releases the socket.
	// Calling it more than once is a no-op.
	Close(code int) error
	RemoteAddr() string
}

// Events receives the lifecycle notifications of a Transport. The Server implements it.
type Events interface {
	OnConnected(h Handle)
	OnMessage(h Handle, payload []byte, binary bool)
	OnDisconnected(h Handle, reason error)
}

// ListenConfig is the part of Config needed to open a listening endpoint.
type ListenConfig struct {
	Addr           string
	UseTLS         bool
	TLSCertPath    string
	TLSKeyPath     string
	AllowedOrigins []string
	MaxMessageSize int64
	SendBufferSize int
	RateLimit      RateLimitConfig
}

// Transport opens listening endpoints that report to an Events sink.
type Transport interface {
	// Listen binds the endpoint. It fails with *TLSConfigurationError or *BindError.
	Listen(cfg ListenConfig, events Events) (Listener, error)
}

// Listener is a bound endpoint returned by Transport.Listen.
type Listener interface {
	Addr() net.Addr
	// Serve accepts connections until Shutdown. It returns nil after a clean shutdown.
	Serve() error
	// Shutdown stops accepting new connections.
	Shutdown(ctx context.Context) error
}

// Message is a text or binary frame waiting for delivery.
type Message struct {
	Payload []byte
	Binary  bool
}

// Report summarises one broadcast round.
type Report struct {
	Attempted int
	Delivered int
	Failed    int
	// Queued is set when the payload was parked as the pending throttled message.
	Queued bool
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
