package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gobroadcast/internal/relay"
	"github.com/Tyrowin/gobroadcast/internal/server"
)

func TestRunReturnsStartError(t *testing.T) {
	dir := t.TempDir()
	cfg := *server.NewConfig()
	cfg.Port = 0
	cfg.UseTLS = true
	cfg.TLSCertPath = filepath.Join(dir, "missing.crt")
	cfg.TLSKeyPath = filepath.Join(dir, "missing.key")

	err := run(context.Background(), cfg, relay.Config{}, 0, zerolog.Nop())

	var tlsErr *server.TLSConfigurationError
	require.ErrorAs(t, err, &tlsErr)
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	cfg := *server.NewConfig()
	cfg.Port = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, relay.Config{}, 10*time.Millisecond, zerolog.Nop()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after the context was cancelled")
	}
}
