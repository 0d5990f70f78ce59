package persist

import (
	"log/slog"
	"time"
)

// DefaultDebounce is the quiet period before a page is written.
const DefaultDebounce = 500 * time.Millisecond

type options struct {
	debounce     time.Duration
	writeTimeout time.Duration
	gate         func() bool
	onSaved      func(pageID string, updatedAt int64)
	now          func() time.Time
	logger       *slog.Logger
}

func defaults() options {
	return options{
		debounce:     DefaultDebounce,
		writeTimeout: 10 * time.Second,
		now:          time.Now,
		logger:       slog.Default(),
	}
}

// Option configures a Gateway.
type Option func(*options)

// WithDebounce sets the per-page quiet period.
func WithDebounce(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// WithWriteTimeout bounds one timer-driven write. Default: 10s.
func WithWriteTimeout(d time.Duration) Option { return func(o *options) { o.writeTimeout = d } }

// WithGate defers a due write while gate returns false (e.g. mid-stroke).
// Flush ignores the gate.
func WithGate(gate func() bool) Option { return func(o *options) { o.gate = gate } }

// WithOnSaved is called after each successful write with the stored version.
func WithOnSaved(fn func(pageID string, updatedAt int64)) Option {
	return func(o *options) { o.onSaved = fn }
}

// WithClock overrides the clock used to stamp writes.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithLogger sets the logger. Messages carry no board attribute; the caller
// binds it with Logger.With.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }
