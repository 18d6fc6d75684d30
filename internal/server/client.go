// Package server manages individual WebSocket sockets for the transport, handling
// read/write pumps, rate limiting, and close control for each connection.
package server

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wsHandle is the gorilla/websocket implementation of Handle. Outbound frames go through
// a bounded queue drained by writePump, so Send never waits on the peer.
type wsHandle struct {
	conn           *websocket.Conn
	addr           string
	send           chan Message
	done           chan struct{}
	closeOnce      sync.Once
	closeErr       error
	maxMessageSize int64
	rateLimiter    *rateLimiter
	rateLimit      RateLimitConfig
	log            zerolog.Logger
}

func newWSHandle(conn *websocket.Conn, addr string, cfg ListenConfig, log zerolog.Logger) *wsHandle {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	buffer := cfg.SendBufferSize
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}

	return &wsHandle{
		conn:           conn,
		addr:           addr,
		send:           make(chan Message, buffer),
		done:           make(chan struct{}),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit),
		rateLimit:      cfg.RateLimit,
		log:            log.With().Str("remote", addr).Logger(),
	}
}

func (h *wsHandle) RemoteAddr() string { return h.addr }

// Send queues a frame. It fails fast with ErrSendBufferFull when the client is not
// keeping up and with ErrConnectionClosed after Close.
func (h *wsHandle) Send(payload []byte, binary bool) error {
	select {
	case <-h.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case h.send <- Message{Payload: payload, Binary: binary}:
		return nil
	case <-h.done:
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close writes a close frame with code and closes the socket. Only the first call acts.
func (h *wsHandle) Close(code int) error {
	h.closeOnce.Do(func() {
		close(h.done)
		if h.conn == nil {
			return
		}
		deadline := time.Now().Add(writeWait)
		if err := h.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), deadline); err != nil && !isExpectedCloseError(err) {
			h.log.Debug().Err(err).Msg("error writing close message")
		}
		if err := h.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.closeErr = err
		}
	})
	return h.closeErr
}

// run starts both pumps; wg is released once each of them returns.
func (h *wsHandle) run(events Events, wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.writePump()
	}()
	go func() {
		defer wg.Done()
		h.readPump(events)
	}()
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (h *wsHandle) setupReadConnection() {
	if err := h.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		h.log.Debug().Err(err).Msg("error setting initial read deadline")
	}
	h.conn.SetPongHandler(func(string) error {
		if err := h.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			h.log.Debug().Err(err).Msg("error setting read deadline in pong handler")
		}
		return nil
	})
}

// logReadError logs a read failure at a level matching how expected it is.
func (h *wsHandle) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		h.log.Warn().Int64("limit", h.maxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		h.log.Debug().Err(err).Msg("client disconnected")
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		h.log.Debug().Err(err).Msg("client connection closed")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		h.log.Warn().Err(err).Msg("unexpected websocket error")
	default:
		h.log.Warn().Err(err).Msg("websocket read error")
	}
}

// checkRateLimit reports whether the next inbound message may be processed.
func (h *wsHandle) checkRateLimit() bool {
	if h.rateLimiter != nil && !h.rateLimiter.allow() {
		h.log.Warn().
			Int("burst", h.rateLimit.Burst).
			Dur("interval", h.rateLimit.RefillInterval).
			Msg("rate limit exceeded; discarding message")
		return false
	}
	return true
}

func (h *wsHandle) readPump(events Events) {
	var reason error
	defer func() {
		events.OnDisconnected(h, reason)
		_ = h.Close(websocket.CloseNormalClosure)
	}()

	h.setupReadConnection()

	for {
		messageType, payload, err := h.conn.ReadMessage()
		if err != nil {
			h.logReadError(err)
			reason = err
			return
		}

		if !h.checkRateLimit() {
			continue
		}

		events.OnMessage(h, payload, messageType == websocket.BinaryMessage)
	}
}

func (h *wsHandle) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case msg := <-h.send:
			if !h.write(msg) {
				h.abort()
				return
			}
		case <-ticker.C:
			if !h.ping() {
				h.abort()
				return
			}
		}
	}
}

// abort drops the socket so that readPump observes the failure and reports the disconnect.
func (h *wsHandle) abort() {
	if err := h.conn.Close(); err != nil && !isExpectedCloseError(err) {
		h.log.Debug().Err(err).Msg("error closing connection in writePump")
	}
}

func (h *wsHandle) write(msg Message) bool {
	if err := h.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		h.log.Debug().Err(err).Msg("error setting write deadline")
		return false
	}

	messageType := websocket.TextMessage
	if msg.Binary {
		messageType = websocket.BinaryMessage
	}
	if err := h.conn.WriteMessage(messageType, msg.Payload); err != nil {
		if !isExpectedCloseError(err) {
			h.log.Warn().Err(err).Msg("error writing message")
		}
		return false
	}
	return true
}

// ping sends a ping message to keep the connection alive
func (h *wsHandle) ping() bool {
	if err := h.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		h.log.Debug().Err(err).Msg("error setting write deadline for ping")
		return false
	}
	if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		h.log.Debug().Err(err).Msg("error writing ping message")
		return false
	}
	return true
}
