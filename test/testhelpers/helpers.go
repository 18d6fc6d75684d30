// Package testhelpers provides common utilities for the end-to-end tests of the
// broadcast server.
//
// It starts servers on ephemeral ports, dials them with gorilla/websocket and
// wraps the read-with-deadline patterns the integration tests share.
package testhelpers

import (
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gobroadcast/internal/server"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:9000"

// StartServer starts a server on an ephemeral port and stops it when the test ends.
// customize adjusts the configuration; setup registers handlers before Start.
func StartServer(t *testing.T, customize func(cfg *server.Config), setup func(srv *server.Server)) *server.Server {
	t.Helper()

	cfg := server.NewConfig()
	cfg.Port = 0
	if customize != nil {
		customize(cfg)
	}

	srv := server.New(*cfg, server.WithLogger(zerolog.Nop()))
	if setup != nil {
		setup(srv)
	}
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop(5 * time.Second) })
	return srv
}

// WebSocketURL returns the loopback ws:// URL of a running server.
func WebSocketURL(t *testing.T, srv *server.Server) string {
	t.Helper()
	_, port, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	return "ws://127.0.0.1:" + port + "/ws"
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// It returns the connection, the handshake response and any dial error.
func ConnectWebSocket(url string, origin string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// MustConnect dials url and closes the connection when the test ends.
func MustConnect(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := ConnectWebSocket(url, TestOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// WaitForClients blocks until the server reports want registered clients.
func WaitForClients(t *testing.T, srv *server.Server, want int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.ClientCount() == want },
		2*time.Second, 10*time.Millisecond, "expected %d clients", want)
}

// ReceiveRawMessage reads one frame, failing after timeout.
func ReceiveRawMessage(conn *websocket.Conn, timeout time.Duration) (int, []byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, err
	}
	return conn.ReadMessage()
}

// ExpectNoMessage asserts that nothing arrives within timeout.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	_, payload, err := ReceiveRawMessage(conn, timeout)
	if err == nil {
		t.Fatalf("expected no message, received %q", payload)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	t.Fatalf("unexpected error while waiting for absence of message: %v", err)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}
