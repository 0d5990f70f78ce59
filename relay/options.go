package relay

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/boardsync/transport"
)

type options struct {
	logger       *slog.Logger
	sendBuffer   int
	maxFrame     int64
	writeTimeout time.Duration
	pingInterval time.Duration
}

func defaults() options {
	return options{
		logger:       slog.Default(),
		sendBuffer:   256,
		maxFrame:     transport.MaxFrameSize,
		writeTimeout: 10 * time.Second,
		pingInterval: 30 * time.Second,
	}
}

// Option configures a Hub, a Server or a QUIC listener.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithSendBuffer sets how many frames may queue for one peer before the
// peer is considered slow and dropped. Default 256.
func WithSendBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.sendBuffer = n
		}
	}
}

// WithMaxFrame caps inbound frames. Default transport.MaxFrameSize.
func WithMaxFrame(n int64) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrame = n
		}
	}
}

// WithWriteTimeout bounds a single write to a peer. Default 10s.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithPingInterval sets the WebSocket keepalive. A peer silent for two
// intervals is disconnected. Default 30s.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pingInterval = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := defaults()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
