// Package server implements a broadcast-capable WebSocket server.
//
// The core is a connection Registry, a Broadcaster that can coalesce rapid
// broadcasts, and a Router that hands inbound messages to application handlers.
// The Server type composes them, owns their configuration and drives the
// lifecycle. Socket I/O lives behind the Transport interface; WSTransport is the
// gorilla/websocket implementation used by default.
package server
