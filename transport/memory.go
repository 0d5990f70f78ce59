package transport

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Faults injects delivery failures into a Hub.
type Faults struct {
	Drop      float64       // probability a delivery is lost
	Duplicate float64       // probability a delivery is sent twice
	MaxDelay  time.Duration // random per-delivery delay, reorders messages
	Seed      int64
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithFaults enables fault injection.
func WithFaults(f Faults) HubOption {
	return func(h *Hub) {
		h.faults = f
		h.rng = rand.New(rand.NewSource(f.Seed))
	}
}

// WithReady controls whether joining peers receive a ready frame.
// Default true.
func WithReady(on bool) HubOption { return func(h *Hub) { h.ready = on } }

var errHubDown = errors.New("transport: memory hub down")

// Hub is an in-process broadcast service. Channels are created on first
// join.
type Hub struct {
	mu       sync.Mutex
	channels map[string]map[*Memory]struct{}
	down     bool
	ready    bool
	faults   Faults
	rng      *rand.Rand
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{channels: make(map[string]map[*Memory]struct{}), ready: true}
	for _, fn := range opts {
		fn(h)
	}
	return h
}

// Transport returns a new unconnected subscription to channel.
func (h *Hub) Transport(channel, clientID string, opts ...Option) *Memory {
	o := buildOptions(opts)
	return &Memory{
		machine: machine{channel: channel, logger: o.logger},
		hub:     h,
		client:  clientID,
		inbox:   make(chan []byte, 1024),
		done:    make(chan struct{}),
	}
}

// SetDown simulates an outage. Going down disconnects every peer; while
// down, Connect fails.
func (h *Hub) SetDown(down bool) {
	h.mu.Lock()
	h.down = down
	var dropped []*Memory
	if down {
		for _, peers := range h.channels {
			for p := range peers {
				dropped = append(dropped, p)
			}
		}
		h.channels = make(map[string]map[*Memory]struct{})
	}
	h.mu.Unlock()
	for _, p := range dropped {
		p.transitionTo(StateDisconnected, errHubDown)
	}
}

// Peers returns the number of subscribers of channel.
func (h *Hub) Peers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[channel])
}

func (h *Hub) join(m *Memory) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.down {
		return errHubDown
	}
	peers := h.channels[m.channel]
	if peers == nil {
		peers = make(map[*Memory]struct{})
		h.channels[m.channel] = peers
	}
	peers[m] = struct{}{}
	return nil
}

func (h *Hub) leave(m *Memory) {
	h.mu.Lock()
	delete(h.channels[m.channel], m)
	h.mu.Unlock()
}

func (h *Hub) broadcast(from *Memory, raw []byte) {
	h.mu.Lock()
	var targets []*Memory
	for p := range h.channels[from.channel] {
		if p == from {
			continue
		}
		copies := 1
		if h.rng != nil {
			if h.rng.Float64() < h.faults.Drop {
				continue
			}
			if h.rng.Float64() < h.faults.Duplicate {
				copies = 2
			}
		}
		for i := 0; i < copies; i++ {
			targets = append(targets, p)
		}
	}
	var delays []time.Duration
	if h.rng != nil && h.faults.MaxDelay > 0 {
		for range targets {
			delays = append(delays, time.Duration(h.rng.Int63n(int64(h.faults.MaxDelay))))
		}
	}
	h.mu.Unlock()

	for i, p := range targets {
		if delays != nil {
			p := p
			time.AfterFunc(delays[i], func() { p.enqueue(raw) })
			continue
		}
		p.enqueue(raw)
	}
}

// Memory is a subscription to a Hub channel.
type Memory struct {
	machine
	hub    *Hub
	client string

	inbox     chan []byte
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

var _ Transport = (*Memory)(nil)

// Connect joins the channel.
func (m *Memory) Connect(ctx context.Context) error {
	if m.State() == StateClosed {
		return errors.New("transport: memory transport closed")
	}
	if err := m.transitionTo(StateConnecting, nil); err != nil {
		return err
	}
	m.startOnce.Do(func() { go m.readLoop() })
	if err := m.hub.join(m); err != nil {
		m.transitionTo(StateError, err)
		return nil
	}
	m.transitionTo(StateConnected, nil)
	m.hub.mu.Lock()
	ready := m.hub.ready
	m.hub.mu.Unlock()
	if ready {
		if raw, err := Encode(NewReady(m.channel, m.client)); err == nil {
			m.enqueue(raw)
		}
	}
	return nil
}

// Publish fans msg out to the other peers of the channel.
func (m *Memory) Publish(ctx context.Context, msg *Message) error {
	if st := m.State(); st != StateConnected {
		return &ErrNotConnected{Channel: m.channel, State: st}
	}
	raw, err := Encode(msg)
	if err != nil {
		return err
	}
	m.hub.broadcast(m, raw)
	return nil
}

// Close leaves the channel and stops delivery.
func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		m.hub.leave(m)
		close(m.done)
		m.transitionTo(StateClosed, nil)
	})
	return nil
}

func (m *Memory) enqueue(raw []byte) {
	select {
	case <-m.done:
	case m.inbox <- raw:
	default:
		m.logger.Warn("transport: memory inbox full, dropping", "channel", m.channel, "client", m.client)
	}
}

func (m *Memory) readLoop() {
	for {
		select {
		case <-m.done:
			return
		case raw := <-m.inbox:
			m.deliver(raw)
		}
	}
}
