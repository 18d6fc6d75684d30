// Package server exposes the HTTP handlers of the transport: the WebSocket upgrade
// endpoint and the health check.
package server

import (
	"fmt"
	"net/http"
)

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "broadcast server is running")
}

// handleUpgrade upgrades a GET request to WebSocket, reports the new handle to the
// events sink and starts its pumps.
func (l *wsListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if !l.beginUpgrade() {
		http.Error(w, "Server is shutting down.", http.StatusServiceUnavailable)
		return
	}
	defer l.pumps.Done()

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	l.log.Debug().Str("remote", r.RemoteAddr).Msg("client connecting")
	h := newWSHandle(conn, r.RemoteAddr, l.cfg, l.log)

	// Registration happens before the read pump starts so no message precedes it.
	l.events.OnConnected(h)
	h.run(l.events, &l.pumps)
}
