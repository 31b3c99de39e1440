package transport

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/gardenchat/internal/models"
)

const (
	DefaultReconnectDelay = 2 * time.Second
	DefaultMaxAttempts    = 5
	DefaultDialTimeout    = 5 * time.Second
	DefaultSendTimeout    = 5 * time.Second
	DefaultMaxLineBytes   = 256 * 1024
)

// Config configures a Transport.
type Config struct {
	// Addr is host:port, or a unix socket path.
	Addr string

	DialTimeout    time.Duration
	ReconnectDelay time.Duration
	// MaxAttempts is the number of consecutive failures after which the
	// transport gives up.
	MaxAttempts int
	SendTimeout time.Duration

	// SendRate limits outbound events per second. Zero means unlimited.
	SendRate  float64
	SendBurst int

	MaxLineBytes int
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.SendBurst <= 0 {
		c.SendBurst = 1
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	return c
}

// Dialer opens the underlying stream.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)

// Metrics receives transport observations.
type Metrics interface {
	SetConnectionState(state models.ConnectionState)
	ObserveFailure(op string)
	ObserveMalformed()
	ObserveSent(eventType string)
}

type nopMetrics struct{}

func (nopMetrics) SetConnectionState(models.ConnectionState) {}
func (nopMetrics) ObserveFailure(string) {}
func (nopMetrics) ObserveMalformed() {}
func (nopMetrics) ObserveSent(string) {}

// Option configures a Transport.
type Option func(*Transport)

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) Option {
	return func(t *Transport) {
		if d != nil {
			t.dial = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(t *Transport) {
		if m != nil {
			t.metrics = m
		}
	}
}

// WithClock overrides the clock used for state-change timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Transport) {
		if now != nil {
			t.now = now
		}
	}
}

// NetDialer dials TCP, or a unix socket when addr looks like a path.
func NetDialer(timeout time.Duration) Dialer {
	return func(ctx context.Context, addr string) (net.Conn, error) {
		dialer := &net.Dialer{Timeout: timeout}
		addr = strings.TrimSpace(addr)
		network := "tcp"
		if looksLikeUnixSocket(addr) {
			network = "unix"
		}
		return dialer.DialContext(ctx, network, addr)
	}
}

func looksLikeUnixSocket(addr string) bool {
	if strings.HasPrefix(addr, "/") || strings.HasPrefix(addr, "./") {
		return true
	}
	return strings.HasSuffix(addr, ".sock") && !strings.Contains(addr, ":")
}
