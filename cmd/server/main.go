package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gobroadcast/internal/relay"
	"github.com/Tyrowin/gobroadcast/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := server.NewConfigFromEnv()
	relayCfg := relay.NewConfigFromEnv()

	flag.BoolVar(&cfg.UseTLS, "ssl", cfg.UseTLS, "use tls (wss://)")
	flag.BoolVar(&cfg.Debug, "debug", cfg.Debug, "turn on debugging")
	flag.StringVar(&cfg.TLSCertPath, "sslcert", cfg.TLSCertPath, "tls certificate")
	flag.StringVar(&cfg.TLSKeyPath, "sslkey", cfg.TLSKeyPath, "tls key")
	flag.IntVar(&cfg.Port, "port", cfg.Port, "port of server")
	flag.BoolVar(&cfg.Throttle, "throttle", cfg.Throttle, "coalesce broadcasts to one per interval")
	flag.DurationVar(&cfg.BroadcastRate, "rate", cfg.BroadcastRate, "interval between throttled broadcasts")
	announce := flag.Duration("announce", 0, "broadcast a heartbeat message at this interval (0 disables)")
	flag.StringVar(&relayCfg.Addr, "redis", relayCfg.Addr, "redis address for the broadcast relay")
	flag.StringVar(&relayCfg.Channel, "redis-channel", relayCfg.Channel, "redis channel for the broadcast relay")
	flag.Parse()

	level := zerolog.InfoLevel
	if cfg.Debug {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, *cfg, relayCfg, *announce, log)
	stop()
	if err != nil {
		var tlsErr *server.TLSConfigurationError
		if errors.As(err, &tlsErr) {
			log.Error().Err(err).Msg("tls configuration failed")
		} else {
			log.Error().Err(err).Msg("server exited with error")
		}
		os.Exit(1)
	}
}

// run serves until ctx is done or the server stops on its own. Every resource it opens
// is released before it returns.
func run(ctx context.Context, cfg server.Config, relayCfg relay.Config, announce time.Duration, log zerolog.Logger) error {
	srv := server.New(cfg, server.WithLogger(log))
	srv.SetTextHandler(func(payload []byte, conn *server.Connection) error {
		log.Info().Str("conn_id", conn.ID().String()).Str("message", string(payload)).Msg("received message")
		return nil
	})

	if err := srv.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if relayCfg.Enabled() {
		r := relay.New(relayCfg, log)
		defer func() { _ = r.Close() }()
		go func() {
			if err := r.Run(ctx, srv); err != nil {
				log.Error().Err(err).Msg("relay stopped")
			}
		}()
	}

	if announce > 0 {
		go heartbeat(ctx, srv, announce, log)
	}

	select {
	case <-ctx.Done():
	case <-srv.Done():
	}
	cancel()

	if err := srv.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("shutdown did not complete cleanly: %w", err)
	}
	return nil
}

func heartbeat(ctx context.Context, srv *server.Server, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Debug().Int("clients", srv.ClientCount()).Msg("broadcasting heartbeat")
			srv.BroadcastText(`{"hello":"world"}`)
		}
	}
}
