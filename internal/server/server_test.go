package server

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, customize func(cfg *Config)) (*Server, *fakeTransport) {
	t.Helper()
	cfg := NewConfig()
	if customize != nil {
		customize(cfg)
	}
	transport := &fakeTransport{}
	srv := New(*cfg, WithLogger(testLogger()), WithTransport(transport))
	t.Cleanup(func() { _ = srv.Stop(time.Second) })
	return srv, transport
}

func TestServer_Lifecycle(t *testing.T) {
	srv, transport := newTestServer(t, nil)
	assert.Equal(t, StateCreated, srv.State())

	require.NoError(t, srv.Start())
	assert.Equal(t, StateRunning, srv.State())
	assert.Equal(t, ":9000", transport.cfg.Addr)
	assert.Equal(t, "127.0.0.1:9000", srv.Addr())

	err := srv.Start()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, srv.Stop(time.Second))
	assert.Equal(t, StateStopped, srv.State())
	require.NoError(t, srv.Stop(time.Second))

	select {
	case <-srv.Done():
	case <-time.After(time.Second):
		t.Fatal("Done was not closed after Stop")
	}

	err = srv.Start()
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.ErrorIs(t, err, ErrServerStopped)
}

func TestServer_StopBeforeStart(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	require.NoError(t, srv.Stop(time.Second))
	assert.Equal(t, StateStopped, srv.State())
	<-srv.Done()
}

func TestServer_StartFailureKeepsCreatedState(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "tls", err: &TLSConfigurationError{CertPath: "c", KeyPath: "k", Err: os.ErrNotExist}},
		{name: "bind", err: &BindError{Addr: ":9000", Err: errors.New("address already in use")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, transport := newTestServer(t, nil)
			transport.err = tt.err

			err := srv.Start()
			require.Error(t, err)
			assert.Same(t, tt.err, err)
			assert.Equal(t, StateCreated, srv.State())

			transport.err = nil
			require.NoError(t, srv.Start())
			assert.Equal(t, StateRunning, srv.State())
		})
	}
}

func TestServer_InvalidConfigRefusesStart(t *testing.T) {
	srv, _ := newTestServer(t, func(cfg *Config) {
		cfg.UseTLS = true
		cfg.TLSCertPath = ""
	})

	require.Error(t, srv.Start())
	assert.Equal(t, StateCreated, srv.State())
}

func TestServer_TransportEvents(t *testing.T) {
	srv, transport := newTestServer(t, nil)
	require.NoError(t, srv.Start())

	var connected, disconnected atomic.Int32
	var lastReason atomic.Value
	srv.RegisterConnectHook(func(*Connection) { connected.Add(1) })
	srv.RegisterDisconnectHook(func(_ *Connection, reason error) {
		disconnected.Add(1)
		lastReason.Store(reason)
	})

	var received []recordedCall
	srv.SetTextHandler(recorder(&received))

	a, b := newFakeHandle("A"), newFakeHandle("B")
	transport.events.OnConnected(a)
	transport.events.OnConnected(b)
	assert.Equal(t, 2, srv.ClientCount())
	assert.Equal(t, int32(2), connected.Load())

	transport.events.OnMessage(a, []byte("hello"), false)
	transport.events.OnMessage(a, []byte{0x00}, true)
	require.Len(t, received, 1)
	assert.Equal(t, "hello", received[0].payload)
	assert.Equal(t, "A", received[0].conn.RemoteAddr())

	reason := &websocket.CloseError{Code: websocket.CloseGoingAway}
	transport.events.OnDisconnected(a, reason)
	transport.events.OnDisconnected(a, reason)
	assert.Equal(t, 1, srv.ClientCount())
	assert.Equal(t, int32(1), disconnected.Load())
	assert.Equal(t, reason, lastReason.Load())

	conns := srv.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "B", conns[0].RemoteAddr())
}

func TestServer_DisconnectHooksRunForEveryRemoval(t *testing.T) {
	srv, transport := newTestServer(t, nil)
	require.NoError(t, srv.Start())

	var mu sync.Mutex
	reasons := map[string]error{}
	srv.RegisterDisconnectHook(func(c *Connection, reason error) {
		mu.Lock()
		defer mu.Unlock()
		_, seen := reasons[c.RemoteAddr()]
		assert.False(t, seen, "hook ran twice for %s", c.RemoteAddr())
		reasons[c.RemoteAddr()] = reason
	})

	closed, dropped, stopped := newFakeHandle("closed"), newFakeHandle("dropped"), newFakeHandle("stopped")
	for _, h := range []*fakeHandle{closed, dropped, stopped} {
		transport.events.OnConnected(h)
	}
	require.Equal(t, 3, srv.ClientCount())

	// Application close, then the read pump reports the same socket.
	srv.Connections()[0].Close()
	transport.events.OnDisconnected(closed, &websocket.CloseError{Code: websocket.CloseNormalClosure})

	gone := &websocket.CloseError{Code: websocket.CloseGoingAway}
	transport.events.OnDisconnected(dropped, gone)

	require.NoError(t, srv.Stop(time.Second))
	transport.events.OnDisconnected(stopped, gone)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reasons, 3)
	assert.NoError(t, reasons["closed"])
	assert.Equal(t, gone, reasons["dropped"])
	assert.ErrorIs(t, reasons["stopped"], ErrServerStopped)
}

func TestServer_DuplicateConnectIsLoggedAndIgnored(t *testing.T) {
	logs := &syncBuffer{}
	transport := &fakeTransport{}
	srv := New(*NewConfig(), WithLogger(NewLogger(logs, false)), WithTransport(transport))
	t.Cleanup(func() { _ = srv.Stop(time.Second) })
	require.NoError(t, srv.Start())

	h := newFakeHandle("A")
	transport.events.OnConnected(h)
	transport.events.OnConnected(h)

	assert.Equal(t, 1, srv.ClientCount())
	assert.Contains(t, logs.String(), "duplicate connection ignored")
}

func TestServer_ConnectAfterStopIsRejected(t *testing.T) {
	srv, transport := newTestServer(t, nil)
	require.NoError(t, srv.Start())
	events := transport.events
	require.NoError(t, srv.Stop(time.Second))

	h := newFakeHandle("late")
	events.OnConnected(h)

	assert.Zero(t, srv.ClientCount())
	calls, code := h.closes()
	assert.Equal(t, 1, calls)
	assert.Equal(t, websocket.CloseGoingAway, code)
}

func TestServer_StopClosesConnections(t *testing.T) {
	srv, transport := newTestServer(t, nil)
	require.NoError(t, srv.Start())

	var closed atomic.Int32
	srv.RegisterConnectHook(func(c *Connection) {
		c.SetCloseHandler(func() { closed.Add(1) })
	})

	handles := []*fakeHandle{newFakeHandle("A"), newFakeHandle("B"), newFakeHandle("C")}
	for _, h := range handles {
		transport.events.OnConnected(h)
	}

	require.NoError(t, srv.Stop(time.Second))
	assert.Zero(t, srv.ClientCount())
	assert.Equal(t, int32(3), closed.Load())
	for _, h := range handles {
		calls, code := h.closes()
		assert.Equal(t, 1, calls)
		assert.Equal(t, websocket.CloseGoingAway, code)
	}
}

func TestServer_ThrottledFlushTick(t *testing.T) {
	srv, transport := newTestServer(t, func(cfg *Config) {
		cfg.Throttle = true
		cfg.BroadcastRate = 20 * time.Millisecond
	})
	require.NoError(t, srv.Start())

	handles := []*fakeHandle{newFakeHandle("A"), newFakeHandle("B")}
	for _, h := range handles {
		transport.events.OnConnected(h)
	}

	assert.True(t, srv.Broadcast([]byte("x"), false).Queued)
	assert.True(t, srv.Broadcast([]byte("y"), false).Queued)

	for _, h := range handles {
		require.Eventually(t, func() bool { return len(h.messages()) == 1 }, time.Second, 5*time.Millisecond)
	}

	time.Sleep(60 * time.Millisecond)
	for _, h := range handles {
		assert.Equal(t, []string{"y"}, h.payloads())
	}
}

func TestServer_UnthrottledBroadcastAndBase64(t *testing.T) {
	srv, transport := newTestServer(t, func(cfg *Config) { cfg.EncodeBase64 = true })
	require.NoError(t, srv.Start())

	h := newFakeHandle("A")
	transport.events.OnConnected(h)

	report := srv.BroadcastText("hi")
	assert.Equal(t, Report{Attempted: 1, Delivered: 1}, report)
	assert.Equal(t, []string{"aGk="}, h.payloads())
}

func TestServer_PanickingConnectHookIsContained(t *testing.T) {
	srv, transport := newTestServer(t, nil)
	require.NoError(t, srv.Start())
	srv.RegisterConnectHook(func(*Connection) { panic("hook failed") })

	h := newFakeHandle("A")
	assert.NotPanics(t, func() { transport.events.OnConnected(h) })
	assert.Equal(t, 1, srv.ClientCount())
}

func TestServer_ConfigIsCopied(t *testing.T) {
	cfg := NewConfig()
	srv := New(*cfg, WithLogger(testLogger()), WithTransport(&fakeTransport{}))

	cfg.AllowedOrigins[0] = "http://changed.example"
	cfg.Port = 1

	got := srv.Config()
	assert.Equal(t, 9000, got.Port)
	assert.Equal(t, []string{"*"}, got.AllowedOrigins)
}

func TestServer_WSTransportTLSFailure(t *testing.T) {
	dir := t.TempDir()
	srv := New(Config{
		Port:        0,
		UseTLS:      true,
		TLSCertPath: filepath.Join(dir, "missing.crt"),
		TLSKeyPath:  filepath.Join(dir, "missing.key"),
	}, WithLogger(testLogger()))

	err := srv.Start()
	var tlsErr *TLSConfigurationError
	require.ErrorAs(t, err, &tlsErr)
	assert.Equal(t, filepath.Join(dir, "missing.crt"), tlsErr.CertPath)
	assert.Equal(t, StateCreated, srv.State())
}

func TestServer_WSTransportBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer occupied.Close()

	port := occupied.Addr().(*net.TCPAddr).Port
	srv := New(Config{Port: port}, WithLogger(testLogger()))

	err = srv.Start()
	var bindErr *BindError
	require.ErrorAs(t, err, &bindErr)
	assert.Equal(t, ":"+strconv.Itoa(port), bindErr.Addr)
	assert.Equal(t, StateCreated, srv.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "state(9)", State(9).String())
}
