package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BreakerState is the position of a CircuitBreaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // calls pass through
	BreakerOpen                         // calls rejected immediately
	BreakerHalfOpen                     // probes allowed to test recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// CircuitBreaker stops hammering an endpoint that keeps failing: a relay
// that refuses connections, a backing store that times out.
type CircuitBreaker struct {
	name     string
	limit    int           // consecutive failures that open the breaker
	cooldown time.Duration // open time before a probe is let through
	probes   int           // half-open successes that close it again
	now      func() time.Time
	onChange func(name string, from, to BreakerState)

	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	trips     int64
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithBreakerThreshold sets the consecutive failures that open the breaker.
// Default: 5.
func WithBreakerThreshold(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.limit = n }
}

// WithBreakerResetTimeout sets how long the breaker stays open before it
// lets a probe through. Default: 10s.
func WithBreakerResetTimeout(d time.Duration) BreakerOption {
	return func(cb *CircuitBreaker) { cb.cooldown = d }
}

// WithBreakerHalfOpenMax sets how many probe successes close it. Default: 1.
func WithBreakerHalfOpenMax(n int) BreakerOption {
	return func(cb *CircuitBreaker) { cb.probes = n }
}

// WithBreakerClock sets a custom clock (for testing).
func WithBreakerClock(fn func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = fn }
}

// WithBreakerOnChange registers fn to run after every state change. It is
// called without the breaker's lock held.
func WithBreakerOnChange(fn func(name string, from, to BreakerState)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onChange = fn }
}

// NewCircuitBreaker creates a breaker named after the endpoint it guards.
func NewCircuitBreaker(name string, opts ...BreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:     name,
		limit:    5,
		cooldown: 10 * time.Second,
		probes:   1,
		now:      time.Now,
	}
	for _, o := range opts {
		o(cb)
	}
	return cb
}

// Name returns the guarded endpoint name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Trips returns how many times the breaker has opened.
func (cb *CircuitBreaker) Trips() int64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.trips
}

// State returns the current state, moving open to half-open once the reset
// timeout has passed.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	from := cb.state
	to := cb.tick()
	cb.mu.Unlock()
	cb.notify(from, to)
	return to
}

// Allow reports whether a call may go through.
func (cb *CircuitBreaker) Allow() bool { return cb.State() != BreakerOpen }

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case BreakerHalfOpen:
		if cb.successes++; cb.successes >= cb.probes {
			cb.transition(BreakerClosed)
		}
	case BreakerClosed:
		cb.failures = 0
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case BreakerClosed:
		if cb.failures++; cb.failures >= cb.limit {
			cb.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		cb.transition(BreakerOpen)
	case BreakerOpen:
		cb.openedAt = cb.now()
	}
	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.transition(BreakerClosed)
	cb.mu.Unlock()
	cb.notify(from, BreakerClosed)
}

// Do runs fn through the breaker. An open breaker returns *ErrCircuitOpen
// without calling fn. Context cancellation is not counted as a failure.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !cb.Allow() {
		return &ErrCircuitOpen{Endpoint: cb.name}
	}
	err := fn(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case ctx.Err() == nil:
		cb.RecordFailure()
	}
	return err
}

// tick applies the open to half-open timeout. Caller holds mu.
func (cb *CircuitBreaker) tick() BreakerState {
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.transition(BreakerHalfOpen)
	}
	return cb.state
}

// transition resets the counters for the new state. Caller holds mu.
func (cb *CircuitBreaker) transition(to BreakerState) {
	cb.failures, cb.successes = 0, 0
	if to == BreakerOpen {
		cb.openedAt = cb.now()
		cb.trips++
	}
	cb.state = to
}

func (cb *CircuitBreaker) notify(from, to BreakerState) {
	if from != to && cb.onChange != nil {
		cb.onChange(cb.name, from, to)
	}
}

// LogStateChange returns an onChange hook that logs transitions: opening at
// Warn, the rest at Info.
func LogStateChange(logger *slog.Logger) func(name string, from, to BreakerState) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(name string, from, to BreakerState) {
		level := slog.LevelInfo
		if to == BreakerOpen {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "connectivity: breaker state changed",
			"endpoint", name, "from", from.String(), "to", to.String())
	}
}
