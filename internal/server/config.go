// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the broadcast server.
package server

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultPort           = 9000
	defaultCertPath       = "server.crt"
	defaultKeyPath        = "server.key"
	defaultBroadcastRate  = 10 * time.Second
	defaultMaxMessageSize = 64 * 1024
	defaultSendBuffer     = 256
	defaultRateBurst      = 50
	defaultRateInterval   = time.Second
)

// RateLimitConfig defines the parameters for per-connection inbound message rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration
}

// Config holds the server configuration. The Server copies it on construction,
// so later changes to a Config value never affect a running server.
type Config struct {
	Port        int
	UseTLS      bool
	TLSCertPath string
	TLSKeyPath  string
	Debug       bool

	// BroadcastRate is the interval between flushes of the pending throttled broadcast.
	BroadcastRate time.Duration
	// Throttle enables last-write-wins coalescing of broadcasts.
	Throttle bool
	// EncodeBase64 applies standard base64 encoding to every broadcast payload before sending.
	EncodeBase64 bool

	AllowedOrigins []string
	MaxMessageSize int64
	SendBufferSize int
	RateLimit      RateLimitConfig
}

func defaultConfig() Config {
	return Config{
		Port:           defaultPort,
		TLSCertPath:    defaultCertPath,
		TLSKeyPath:     defaultKeyPath,
		BroadcastRate:  defaultBroadcastRate,
		AllowedOrigins: []string{"*"},
		MaxMessageSize: defaultMaxMessageSize,
		SendBufferSize: defaultSendBuffer,
		RateLimit: RateLimitConfig{
			Burst:          defaultRateBurst,
			RefillInterval: defaultRateInterval,
		},
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables.
// Falls back to default values if environment variables are not set or invalid.
func NewConfigFromEnv() *Config {
	cfg := defaultConfig()

	if port := os.Getenv("WSS_PORT"); port != "" {
		cfg.Port = parsePort(port, cfg.Port)
	}

	cfg.UseTLS = parseBool(os.Getenv("WSS_USE_TLS"), cfg.UseTLS)

	if cert := os.Getenv("WSS_TLS_CERT"); cert != "" {
		cfg.TLSCertPath = cert
	}

	if key := os.Getenv("WSS_TLS_KEY"); key != "" {
		cfg.TLSKeyPath = key
	}

	cfg.Debug = parseBool(os.Getenv("WSS_DEBUG"), cfg.Debug)

	if rate := os.Getenv("WSS_BROADCAST_RATE"); rate != "" {
		cfg.BroadcastRate = parseSeconds(rate, cfg.BroadcastRate)
	}

	cfg.Throttle = parseBool(os.Getenv("WSS_THROTTLE"), cfg.Throttle)
	cfg.EncodeBase64 = parseBool(os.Getenv("WSS_ENCODE_BASE64"), cfg.EncodeBase64)

	if origins := os.Getenv("WSS_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = parseOrigins(origins)
	}

	if maxSize := os.Getenv("WSS_MAX_MESSAGE_SIZE"); maxSize != "" {
		cfg.MaxMessageSize = parseMaxMessageSize(maxSize, cfg.MaxMessageSize)
	}

	if buffer := os.Getenv("WSS_SEND_BUFFER"); buffer != "" {
		cfg.SendBufferSize = parseIntValue(buffer, cfg.SendBufferSize)
	}

	if burst := os.Getenv("WSS_RATE_LIMIT_BURST"); burst != "" {
		cfg.RateLimit.Burst = parseIntValue(burst, cfg.RateLimit.Burst)
	}

	if interval := os.Getenv("WSS_RATE_LIMIT_REFILL_INTERVAL"); interval != "" {
		cfg.RateLimit.RefillInterval = parseSeconds(interval, cfg.RateLimit.RefillInterval)
	}

	return &cfg
}

// Addr renders the listen address for the configured port.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Sanitize replaces unset or non-positive tuning values with their defaults.
func (c *Config) Sanitize() {
	if c.BroadcastRate <= 0 {
		c.BroadcastRate = defaultBroadcastRate
	}

	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaultMaxMessageSize
	}

	if c.SendBufferSize <= 0 {
		c.SendBufferSize = defaultSendBuffer
	}

	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = defaultRateBurst
	}

	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = defaultRateInterval
	}

	c.AllowedOrigins = append([]string(nil), c.AllowedOrigins...)
}

// Validate reports configuration that can never produce a working server.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.UseTLS && (c.TLSCertPath == "" || c.TLSKeyPath == "") {
		return errors.New("tls enabled without certificate and key paths")
	}
	return nil
}

func parsePort(value string, defaultValue int) int {
	if port, err := strconv.Atoi(value); err == nil && port >= 0 && port <= 65535 {
		return port
	}
	return defaultValue
}

func parseBool(value string, defaultValue bool) bool {
	if value == "" {
		return defaultValue
	}
	if parsed, err := strconv.ParseBool(value); err == nil {
		return parsed
	}
	return defaultValue
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseMaxMessageSize(value string, defaultValue int64) int64 {
	if size, err := strconv.ParseInt(value, 10, 64); err == nil && size > 0 {
		return size
	}
	return defaultValue
}

func parseIntValue(value string, defaultValue int) int {
	if parsed, err := strconv.Atoi(value); err == nil && parsed > 0 {
		return parsed
	}
	return defaultValue
}

func parseSeconds(value string, defaultValue time.Duration) time.Duration {
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return defaultValue
}
