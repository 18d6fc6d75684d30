// Package server constructs the HTTP service that carries WebSocket upgrades with
// helpers that apply sensible production defaults.
package server

import (
	"net/http"
	"time"
)

// CreateServer creates and configures an HTTP server with the specified address and handler.
// It sets reasonable timeout values for production use.
func CreateServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// SetupRoutes configures and returns an HTTP ServeMux with the health check at "/"
// and the WebSocket endpoint at "/ws".
func SetupRoutes(ws http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", HealthHandler)
	mux.HandleFunc("/ws", ws)
	return mux
}
