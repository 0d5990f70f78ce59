package transport

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hazyhaar/boardsync/connectivity"
)

type options struct {
	logger       *slog.Logger
	backoff      connectivity.Backoff
	breaker      *connectivity.CircuitBreaker
	dialer       *websocket.Dialer
	tlsConfig    *tls.Config
	writeTimeout time.Duration
	pingInterval time.Duration
	maxFrame     int64
}

func defaultOptions() options {
	return options{
		logger:       slog.Default(),
		backoff:      connectivity.DefaultBackoff,
		dialer:       websocket.DefaultDialer,
		writeTimeout: 5 * time.Second,
		pingInterval: 20 * time.Second,
		maxFrame:     MaxFrameSize,
	}
}

// Option configures a backend.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithBackoff sets the reconnect backoff.
func WithBackoff(b connectivity.Backoff) Option { return func(o *options) { o.backoff = b } }

// WithBreaker guards dials with a circuit breaker. While it is open the
// reconnect loop waits instead of dialing.
func WithBreaker(cb *connectivity.CircuitBreaker) Option { return func(o *options) { o.breaker = cb } }

// WithDialer overrides the WebSocket dialer.
func WithDialer(d *websocket.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithTLSConfig sets the TLS config of the QUIC backend.
func WithTLSConfig(c *tls.Config) Option { return func(o *options) { o.tlsConfig = c } }

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option { return func(o *options) { o.writeTimeout = d } }

// WithPingInterval sets the WebSocket keepalive interval. The read deadline
// is twice this value.
func WithPingInterval(d time.Duration) Option { return func(o *options) { o.pingInterval = d } }

// WithMaxFrame caps inbound frame size.
func WithMaxFrame(n int64) Option { return func(o *options) { o.maxFrame = n } }

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return o
}
