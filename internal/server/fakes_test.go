package server

import (
	"bytes"
	"context"
	"net"
	"sync"

	"github.com/rs/zerolog"
)

type fakeHandle struct {
	addr string

	mu          sync.Mutex
	sent        []Message
	sendErr     error
	panicOnSend bool
	closeCalls  int
	closeCode   int
}

func newFakeHandle(addr string) *fakeHandle {
	return &fakeHandle{addr: addr}
}

func (f *fakeHandle) RemoteAddr() string { return f.addr }

func (f *fakeHandle) Send(payload []byte, binary bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOnSend {
		panic("socket exploded")
	}
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, Message{Payload: bytes.Clone(payload), Binary: binary})
	return nil
}

func (f *fakeHandle) Close(code int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	f.closeCode = code
	return nil
}

func (f *fakeHandle) messages() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.sent...)
}

func (f *fakeHandle) payloads() []string {
	var out []string
	for _, m := range f.messages() {
		out = append(out, string(m.Payload))
	}
	return out
}

func (f *fakeHandle) closes() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCalls, f.closeCode
}

type fakeListener struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func (l *fakeListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
}

func (l *fakeListener) Serve() error {
	<-l.stop
	return nil
}

func (l *fakeListener) Shutdown(context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	return nil
}

type fakeTransport struct {
	mu       sync.Mutex
	err      error
	cfg      ListenConfig
	events   Events
	listener *fakeListener
}

func (t *fakeTransport) Listen(cfg ListenConfig, events Events) (Listener, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return nil, t.err
	}
	t.cfg = cfg
	t.events = events
	t.listener = &fakeListener{stop: make(chan struct{})}
	return t.listener, nil
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
