// Package server fans messages out to every registered connection through the
// Broadcaster, optionally coalescing rapid broadcasts into one pending message.
package server

import (
	"bytes"
	"encoding/base64"
	"sync"

	"github.com/rs/zerolog"
)

// Encoder transforms a payload before it is broadcast.
type Encoder func(payload []byte) []byte

// Base64Encoder encodes payloads with standard base64.
func Base64Encoder(payload []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(payload)))
	base64.StdEncoding.Encode(out, payload)
	return out
}

// Broadcaster sends messages to all registry members. With throttling enabled only the
// most recent message is kept and FlushPending delivers it.
type Broadcaster struct {
	registry *Registry
	log      zerolog.Logger

	mu       sync.Mutex
	throttle bool
	pending  *Message
	encode   Encoder
}

// NewBroadcaster creates a broadcaster over r with throttling disabled.
func NewBroadcaster(r *Registry, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		registry: r,
		log:      log,
	}
}

// SetEncoder installs a transform applied to every payload at send time. Nil removes it.
func (b *Broadcaster) SetEncoder(enc Encoder) {
	b.mu.Lock()
	b.encode = enc
	b.mu.Unlock()
}

// SetThrottle enables or disables coalescing. Disabling it sends any pending message
// right away.
func (b *Broadcaster) SetThrottle(enabled bool) {
	b.mu.Lock()
	b.throttle = enabled
	var msg *Message
	if !enabled {
		msg = b.pending
		b.pending = nil
	}
	b.mu.Unlock()

	if msg != nil {
		b.sendAll(*msg)
	}
}

// Throttled reports whether coalescing is enabled.
func (b *Broadcaster) Throttled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.throttle
}

// HasPending reports whether a throttled message is waiting for the next flush.
func (b *Broadcaster) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending != nil
}

// Broadcast sends payload to every registered connection, or parks it as the pending
// message when throttling is enabled. A pending message is overwritten, never queued.
func (b *Broadcaster) Broadcast(payload []byte, binary bool) Report {
	msg := Message{Payload: bytes.Clone(payload), Binary: binary}

	b.mu.Lock()
	if b.throttle {
		replaced := b.pending != nil
		b.pending = &msg
		b.mu.Unlock()
		b.log.Debug().Int("bytes", len(payload)).Bool("replaced", replaced).Msg("broadcast queued")
		return Report{Queued: true}
	}
	b.mu.Unlock()

	return b.sendAll(msg)
}

// FlushPending sends the pending message, if any, and clears it. The second result is
// false when nothing was pending.
func (b *Broadcaster) FlushPending() (Report, bool) {
	b.mu.Lock()
	msg := b.pending
	b.pending = nil
	b.mu.Unlock()

	if msg == nil {
		return Report{}, false
	}
	return b.sendAll(*msg), true
}

func (b *Broadcaster) sendAll(msg Message) Report {
	b.mu.Lock()
	enc := b.encode
	b.mu.Unlock()

	payload := msg.Payload
	if enc != nil {
		payload = enc(payload)
	}

	conns := b.registry.Snapshot()
	report := Report{Attempted: len(conns)}
	for _, conn := range conns {
		if err := b.safeSend(conn, payload, msg.Binary); err != nil {
			report.Failed++
			b.log.Warn().Err(err).
				Str("conn_id", conn.ID().String()).
				Str("remote", conn.RemoteAddr()).
				Msg("broadcast send failed")
			continue
		}
		report.Delivered++
	}

	b.log.Debug().
		Int("attempted", report.Attempted).
		Int("delivered", report.Delivered).
		Int("failed", report.Failed).
		Bool("binary", msg.Binary).
		Msg("broadcast sent")
	return report
}

// safeSend delivers to a single connection, turning a panicking handle into an error.
func (b *Broadcaster) safeSend(conn *Connection, payload []byte, binary bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SendError{ConnID: conn.ID(), Err: panicError(r)}
		}
	}()
	return conn.Send(payload, binary)
}
