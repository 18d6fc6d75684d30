// Package relay forwards messages published on a Redis channel to the local
// broadcast server so that several server processes can share one fan-out.
package relay

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/gobroadcast/internal/server"
)

// ErrSubscriptionClosed is returned by Run when Redis closes the subscription.
var ErrSubscriptionClosed = errors.New("relay subscription closed")

const defaultChannel = "wss:broadcast"

// Sink receives relayed payloads. *server.Server satisfies it.
type Sink interface {
	Broadcast(payload []byte, binary bool) server.Report
}

// Config holds the Redis connection settings of the relay.
type Config struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// NewConfigFromEnv reads RELAY_REDIS_ADDR, RELAY_REDIS_PASSWORD, RELAY_REDIS_DB and
// RELAY_CHANNEL. An empty Addr means the relay is disabled.
func NewConfigFromEnv() Config {
	cfg := Config{
		Addr:     os.Getenv("RELAY_REDIS_ADDR"),
		Password: os.Getenv("RELAY_REDIS_PASSWORD"),
		Channel:  os.Getenv("RELAY_CHANNEL"),
	}
	if db, err := strconv.Atoi(os.Getenv("RELAY_REDIS_DB")); err == nil && db >= 0 {
		cfg.DB = db
	}
	if cfg.Channel == "" {
		cfg.Channel = defaultChannel
	}
	return cfg
}

// Enabled reports whether a Redis address is configured.
func (c Config) Enabled() bool { return c.Addr != "" }

// Relay subscribes to one Redis channel.
type Relay struct {
	client  *redis.Client
	channel string
	log     zerolog.Logger
}

// New creates a relay. It does not connect until Ping, Run or Publish is called.
func New(cfg Config, log zerolog.Logger) *Relay {
	channel := cfg.Channel
	if channel == "" {
		channel = defaultChannel
	}
	return &Relay{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel: channel,
		log:     log.With().Str("component", "relay").Str("channel", channel).Logger(),
	}
}

// Ping checks that Redis is reachable.
func (r *Relay) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Publish sends payload to every relay subscribed to the channel, including this one.
func (r *Relay) Publish(ctx context.Context, payload []byte) error {
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// Run forwards every message on the channel to sink until ctx is done.
func (r *Relay) Run(ctx context.Context, sink Sink) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer func() {
		if err := pubsub.Close(); err != nil {
			r.log.Debug().Err(err).Msg("error closing subscription")
		}
	}()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	r.log.Info().Msg("relay subscribed")

	return r.consume(ctx, pubsub.Channel(), sink)
}

func (r *Relay) consume(ctx context.Context, messages <-chan *redis.Message, sink Sink) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return ErrSubscriptionClosed
			}
			report := sink.Broadcast([]byte(msg.Payload), false)
			r.log.Debug().
				Int("delivered", report.Delivered).
				Bool("queued", report.Queued).
				Msg("relayed message")
		}
	}
}

// Close releases the Redis client.
func (r *Relay) Close() error {
	return r.client.Close()
}
