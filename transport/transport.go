// Package transport moves sync payloads between clients.
//
// Every backend exposes the same Transport interface: publish a message,
// receive messages through a handler, and report connection state. Three
// backends exist: WebSocket (direct socket to a room relay), QUIC (a
// broadcast-channel service) and Memory (in-process, for tests and
// embedding). Delivery is at-least-once with no cross-publisher ordering.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Transport is one subscription to one channel.
type Transport interface {
	// Connect starts connecting. It returns without waiting for the
	// connection; progress is reported through OnState.
	Connect(ctx context.Context) error
	// Publish sends msg to every other subscriber of the channel.
	Publish(ctx context.Context, msg *Message) error
	// OnMessage registers a handler for inbound messages.
	OnMessage(fn Handler)
	// OnState registers a handler for state transitions.
	OnState(fn StateHandler)
	// State returns the current connection state.
	State() State
	// Close stops the transport. It cannot be reconnected.
	Close() error
}

// Handler receives inbound messages. It runs on the transport's read
// goroutine and must not block for long.
type Handler func(msg *Message)

// StateHandler receives state transitions. err is set for StateError and,
// when known, StateDisconnected.
type StateHandler func(state State, err error)

// ErrNotConnected is returned by Publish while the transport is down.
type ErrNotConnected struct {
	Channel string
	State   State
}

func (e *ErrNotConnected) Error() string {
	return fmt.Sprintf("transport: not connected: %s (%s)", e.Channel, e.State)
}

// State is the connection state of a Transport.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// Healthy reports whether messages can flow. Disconnected and error are
// the same externally: not healthy.
func (s State) Healthy() bool { return s == StateConnected }

func (s State) validateTransitionTo(next State) error {
	if next == StateClosed && s != StateClosed {
		return nil
	}
	switch s {
	case StateIdle, StateDisconnected, StateError:
		if next == StateConnecting {
			return nil
		}
	case StateConnecting:
		switch next {
		case StateConnected, StateDisconnected, StateError:
			return nil
		}
	case StateConnected:
		switch next {
		case StateDisconnected, StateError:
			return nil
		}
	}
	return fmt.Errorf("transport: invalid state transition from %v to %v", s, next)
}

// machine carries the state and handler registries shared by all backends.
type machine struct {
	channel string
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	onMsg   []Handler
	onState []StateHandler
}

func (m *machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *machine) OnMessage(fn Handler) {
	m.mu.Lock()
	m.onMsg = append(m.onMsg, fn)
	m.mu.Unlock()
}

func (m *machine) OnState(fn StateHandler) {
	m.mu.Lock()
	m.onState = append(m.onState, fn)
	m.mu.Unlock()
}

// transitionTo validates and applies a state change, then notifies the
// state handlers outside the lock. Errors are logged here and nowhere else.
func (m *machine) transitionTo(next State, cause error) error {
	m.mu.Lock()
	if err := m.state.validateTransitionTo(next); err != nil {
		m.mu.Unlock()
		return err
	}
	prev := m.state
	m.state = next
	handlers := append([]StateHandler(nil), m.onState...)
	m.mu.Unlock()

	if cause != nil {
		m.logger.Warn("transport: state changed", "channel", m.channel, "from", prev, "to", next, "error", cause)
	} else {
		m.logger.Debug("transport: state changed", "channel", m.channel, "from", prev, "to", next)
	}
	for _, fn := range handlers {
		fn(next, cause)
	}
	return nil
}

// deliver hands a raw frame to the message handlers. Malformed frames are
// logged and dropped.
func (m *machine) deliver(raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		m.logger.Warn("transport: dropping malformed message", "channel", m.channel, "error", err)
		return
	}
	m.dispatch(msg)
}

func (m *machine) dispatch(msg *Message) {
	m.mu.Lock()
	handlers := append([]Handler(nil), m.onMsg...)
	m.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}
