package health

import (
	"log/slog"
	"time"
)

type options struct {
	confirmTimeout time.Duration
	pollInterval   time.Duration
	self           string
	pollables      []Pollable
	onChange       func(from, to State)
	logger         *slog.Logger
}

func defaults() options {
	return options{
		confirmTimeout: time.Second,
		pollInterval:   time.Second,
		logger:         slog.Default(),
	}
}

// Option configures a Monitor.
type Option func(*options)

// WithConfirmTimeout sets how long to wait for the first authentic message
// before falling back to polling. Default: 1s.
func WithConfirmTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.confirmTimeout = d
		}
	}
}

// WithPollInterval sets the fallback poll period. Default: 1s.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithSelf names this client so its own writes are not polled back.
func WithSelf(clientID string) Option { return func(o *options) { o.self = clientID } }

// WithPollable adds a source refreshed on each poll.
func WithPollable(p Pollable) Option {
	return func(o *options) { o.pollables = append(o.pollables, p) }
}

// WithOnChange is called (on its own goroutine) after every state change.
func WithOnChange(fn func(from, to State)) Option { return func(o *options) { o.onChange = fn } }

// WithLogger sets the logger. Messages carry no board attribute; the caller
// binds it with Logger.With.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }
