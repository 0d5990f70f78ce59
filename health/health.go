// Package health tracks whether push delivery is confirmed and runs a
// pull-based fallback against the backing store while it is not.
//
//	awaiting_confirmation --authentic message--> healthy
//	awaiting_confirmation --timeout/error/close--> degraded --> polling_active
//	healthy --error/close--> degraded --> polling_active
//	polling_active --authentic message--> healthy
//
// A transport that reconnects does not end polling; only a delivered message
// does. Polling never overlaps confirmed push delivery: results of a poll that
// was in flight when the transport was confirmed are discarded.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/boardsync/boardstore"
	"github.com/hazyhaar/boardsync/transport"
	"github.com/hazyhaar/boardsync/watch"
)

// State is the push-delivery health.
type State int

const (
	AwaitingConfirmation State = iota
	Healthy
	Degraded
	PollingActive
)

func (s State) String() string {
	switch s {
	case AwaitingConfirmation:
		return "awaiting_confirmation"
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case PollingActive:
		return "polling_active"
	default:
		return "unknown"
	}
}

// Source is the slice of boardstore.Store the poller reads.
type Source interface {
	MaxUpdatedAt(ctx context.Context, boardID string) (int64, error)
	ListPages(ctx context.Context, boardID string) ([]boardstore.PageVersion, error)
	LoadSnapshot(ctx context.Context, boardID, pageID string) (boardstore.PageSnapshot, error)
}

// Deliver routes a polled page snapshot into the applier. A non-nil error
// leaves the page unseen so the next poll retries it.
type Deliver func(ctx context.Context, ps boardstore.PageSnapshot) error

// Pollable is refreshed on every poll that observed a change.
type Pollable interface {
	Poll(ctx context.Context) error
}

// Monitor is the health state machine plus its poller.
type Monitor struct {
	src     Source
	boardID string
	deliver Deliver
	opts    options

	mu       sync.Mutex
	state    State
	ctx      context.Context
	timer    *time.Timer
	stopPoll context.CancelFunc
	pollDone chan struct{}
	lastSeen map[string]int64

	healthy atomic.Bool

	confirmations atomic.Int64
	degradations  atomic.Int64
	polls         atomic.Int64
	delivered     atomic.Int64
	discarded     atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	State         string `json:"state"`
	Confirmations int64  `json:"confirmations"`
	Degradations  int64  `json:"degradations"`
	Polls         int64  `json:"polls"`
	Delivered     int64  `json:"delivered"`
	Discarded     int64  `json:"discarded"`
}

// New creates a Monitor in awaiting_confirmation. Call Start to arm the
// confirmation timer.
func New(src Source, boardID string, deliver Deliver, opts ...Option) *Monitor {
	o := defaults()
	for _, fn := range opts {
		fn(&o)
	}
	return &Monitor{
		src:      src,
		boardID:  boardID,
		deliver:  deliver,
		opts:     o,
		ctx:      context.Background(),
		lastSeen: make(map[string]int64),
	}
}

// Start arms the confirmation timer. ctx bounds the poller's lifetime and
// every query it issues.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctx = ctx
	m.state = AwaitingConfirmation
	m.armTimerLocked()
	m.opts.logger.Debug("health: awaiting confirmation", "timeout", m.opts.confirmTimeout)
}

// Confirm records an authentic push message. The poller stops at once.
func (m *Monitor) Confirm() {
	if m.healthy.Load() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Healthy {
		return
	}
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.healthy.Store(true)
	m.confirmations.Add(1)
	m.stopPollerLocked()
	m.setLocked(Healthy, "confirmed")
}

// Observe feeds a transport state change.
func (m *Monitor) Observe(s transport.State) {
	switch s {
	case transport.StateDisconnected, transport.StateError:
		m.Degrade(s.String())
	}
}

// Degrade leaves healthy (or awaiting) and starts the poller.
func (m *Monitor) Degrade(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.degradeLocked(reason)
}

// MarkSeen records that this client already holds page's content as of at,
// e.g. after hydrating or saving it.
func (m *Monitor) MarkSeen(pageID string, at int64) {
	m.mu.Lock()
	if at > m.lastSeen[pageID] {
		m.lastSeen[pageID] = at
	}
	m.mu.Unlock()
}

// State returns the current state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsHealthy reports whether push delivery is confirmed.
func (m *Monitor) IsHealthy() bool { return m.healthy.Load() }

// Polling reports whether the poller is running.
func (m *Monitor) Polling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopPoll != nil
}

// Stop disarms the timer and waits for the last poller to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	done := m.pollDone
	m.stopPollerLocked()
	m.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Stats returns the current counters.
func (m *Monitor) Stats() Stats {
	return Stats{
		State:         m.State().String(),
		Confirmations: m.confirmations.Load(),
		Degradations:  m.degradations.Load(),
		Polls:         m.polls.Load(),
		Delivered:     m.delivered.Load(),
		Discarded:     m.discarded.Load(),
	}
}

func (m *Monitor) armTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(m.opts.confirmTimeout, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.state == AwaitingConfirmation {
			m.degradeLocked("confirmation timeout")
		}
	})
}

func (m *Monitor) degradeLocked(reason string) {
	if m.state == PollingActive || m.state == Degraded {
		return
	}
	if m.ctx.Err() != nil {
		return
	}
	m.healthy.Store(false)
	m.degradations.Add(1)
	m.setLocked(Degraded, reason)
	m.startPollerLocked()
	m.setLocked(PollingActive, reason)
}

func (m *Monitor) setLocked(next State, cause string) {
	prev := m.state
	if prev == next {
		return
	}
	m.state = next
	m.opts.logger.Info("health: state change",
		"from", prev.String(), "to", next.String(), "cause", cause)
	if m.opts.onChange != nil {
		go m.opts.onChange(prev, next)
	}
}

func (m *Monitor) startPollerLocked() {
	if m.stopPoll != nil {
		return
	}
	parent := m.ctx
	loopCtx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	m.stopPoll = cancel
	m.pollDone = done

	// The detector and the action query with parent, not loopCtx: stopping
	// the loop never aborts a query already on the wire.
	w := watch.New(func(context.Context) (int64, error) {
		return m.src.MaxUpdatedAt(parent, m.boardID)
	}, watch.Options{
		Interval:  m.opts.pollInterval,
		Immediate: true,
		Name:      "health-poll:" + m.boardID,
		Logger:    m.opts.logger,
	})
	go func() {
		defer close(done)
		w.Run(loopCtx, func(context.Context) error { return m.poll(parent) })
	}()
}

func (m *Monitor) stopPollerLocked() {
	if m.stopPoll == nil {
		return
	}
	m.stopPoll()
	m.stopPoll = nil
}

// poll loads every page newer than what this client has seen and delivers
// it, then refreshes the pollables.
func (m *Monitor) poll(ctx context.Context) error {
	if m.healthy.Load() {
		return nil
	}
	m.polls.Add(1)

	pages, err := m.src.ListPages(ctx, m.boardID)
	if err != nil {
		return err
	}
	for _, pv := range pages {
		if !m.newer(pv.PageID, pv.UpdatedAt) {
			continue
		}
		if pv.UpdatedBy != "" && pv.UpdatedBy == m.opts.self {
			m.MarkSeen(pv.PageID, pv.UpdatedAt)
			continue
		}
		ps, err := m.src.LoadSnapshot(ctx, m.boardID, pv.PageID)
		if err != nil {
			return err
		}
		if m.healthy.Load() {
			m.discarded.Add(1)
			return nil
		}
		if err := m.deliver(ctx, ps); err != nil {
			return err
		}
		m.delivered.Add(1)
		m.MarkSeen(ps.PageID, ps.UpdatedAt)
		m.opts.logger.Debug("health: polled snapshot delivered",
			"page", ps.PageID, "updated_at", ps.UpdatedAt)
	}

	for _, p := range m.opts.pollables {
		if m.healthy.Load() {
			return nil
		}
		if err := p.Poll(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (m *Monitor) newer(pageID string, at int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return at > m.lastSeen[pageID]
}
