// Package session wires the sync components for one open board: change
// detection, delta broadcast, remote apply, health-monitored polling,
// debounced persistence and function-definition sync.
//
// A single event-loop goroutine owns the session state (active page, the
// two baselines, the stroke timer). Everything else (transport reads,
// timers, the poller) posts events to it:
//
//	local edit      -> detect -> delta -> publish, and schedule a page write
//	inbound payload -> apply (guarded) -> absorb into both baselines
//	polled snapshot -> apply, same path as a pushed full snapshot
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/boardsync/apply"
	"github.com/hazyhaar/boardsync/boardstore"
	"github.com/hazyhaar/boardsync/delta"
	"github.com/hazyhaar/boardsync/detect"
	"github.com/hazyhaar/boardsync/docstore"
	"github.com/hazyhaar/boardsync/funcsync"
	"github.com/hazyhaar/boardsync/health"
	"github.com/hazyhaar/boardsync/persist"
	"github.com/hazyhaar/boardsync/record"
	"github.com/hazyhaar/boardsync/transport"
)

// ErrClosed is returned by calls made after Close.
var ErrClosed = errors.New("session: closed")

const (
	stateNew int32 = iota
	stateRunning
	stateClosed
)

type call struct {
	fn   func(ctx context.Context)
	done chan struct{}
}

// Session is one client's sync engine for one board.
type Session struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	detector *detect.Detector
	delta    *delta.Computer
	applier  *apply.Applier
	health   *health.Monitor
	persist  *persist.Gateway
	funcs    *funcsync.Sync

	pageMu sync.RWMutex
	page   string

	state    atomic.Int32
	pokeCh   chan struct{}
	strokeCh chan struct{}
	reconnCh chan struct{}
	inbox    chan *transport.Message
	fnInbox  chan *transport.Message
	calls    chan call
	quit     chan struct{}
	done     chan struct{}
	stroke   *time.Timer // loop-owned

	closeOnce sync.Once
	closeErr  error
	unlisten  func()

	localChanges  atomic.Int64
	broadcasts    atomic.Int64
	fullSnapshots atomic.Int64
	publishErrors atomic.Int64
	inbound       atomic.Int64
	absorbed      atomic.Int64
	polled        atomic.Int64
}

// New builds a session. Nothing runs until Run.
func New(cfg Config, deps Deps) (*Session, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("board", cfg.BoardID, "client", cfg.ClientID)

	s := &Session{
		cfg:      cfg,
		deps:     deps,
		log:      logger,
		page:     cfg.PageID,
		pokeCh:   make(chan struct{}, 1),
		strokeCh: make(chan struct{}, 1),
		reconnCh: make(chan struct{}, 1),
		inbox:    make(chan *transport.Message, 256),
		fnInbox:  make(chan *transport.Message, 64),
		calls:    make(chan call),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.applier = apply.New(deps.Store, cfg.BoardID, cfg.ClientID,
		apply.WithCooldown(cfg.Cooldown),
		apply.WithOnSettled(s.poke),
		apply.WithLogger(logger))
	s.detector = detect.New(
		detect.WithGuard(s.applier),
		detect.WithLogger(logger))
	s.delta = delta.New(cfg.BoardID,
		delta.WithOrigin(cfg.ClientID),
		delta.WithLogger(logger))

	var fnPub funcsync.Publisher
	if deps.Functions != nil {
		fnPub = deps.Functions
	}
	s.funcs = funcsync.New(deps.Backing, fnPub, cfg.BoardID, cfg.ClientID,
		funcsync.WithLogger(logger))

	s.health = health.New(deps.Backing, cfg.BoardID, s.deliverPolled,
		health.WithSelf(cfg.ClientID),
		health.WithConfirmTimeout(cfg.ConfirmTimeout),
		health.WithPollInterval(cfg.PollInterval),
		health.WithPollable(s.funcs),
		health.WithLogger(logger))

	s.persist = persist.New(deps.Backing, cfg.BoardID, cfg.ClientID, s.pageSnapshot,
		persist.WithDebounce(cfg.PersistDebounce),
		persist.WithGate(func() bool { return s.detector.Idle(cfg.StrokeIdle) }),
		persist.WithOnSaved(s.health.MarkSeen),
		persist.WithLogger(logger))
	return s, nil
}

// Run hydrates the active page from the backing store, connects the
// transports and processes events until ctx is done or Close is called.
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(stateNew, stateRunning) {
		return errors.New("session: already started")
	}
	defer close(s.done)

	s.deps.Transport.OnMessage(s.enqueue)
	s.deps.Transport.OnState(s.onTransportState)
	if s.deps.Functions != nil {
		s.deps.Functions.OnMessage(s.enqueueFunctions)
	}
	s.unlisten = s.deps.Store.Listen(func(ch docstore.Change) {
		if ch.Source == docstore.SourceUser && !ch.OnlyEphemeral() {
			s.poke()
		}
	})

	s.hydrate(ctx, s.Page())
	s.health.Start(ctx)
	if err := s.deps.Transport.Connect(ctx); err != nil {
		s.log.Warn("session: connect failed, relying on polling", "error", err)
		s.health.Degrade("connect failed")
	}
	if s.deps.Functions != nil {
		if err := s.deps.Functions.Connect(ctx); err != nil {
			s.log.Warn("session: functions channel connect failed", "error", err)
		}
	}
	s.log.Info("session: started", "page", s.Page())
	s.loop(ctx)
	return nil
}

func (s *Session) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.quit:
			return
		case <-s.pokeCh:
			s.handleLocal(ctx)
		case <-s.strokeCh:
			s.handleStroke(ctx)
		case <-s.reconnCh:
			s.broadcast(ctx)
		case msg := <-s.inbox:
			s.handleInbound(ctx, msg)
		case msg := <-s.fnInbox:
			s.handleFunctions(msg)
		case c := <-s.calls:
			c.fn(ctx)
			close(c.done)
		}
	}
}

// Close stops the loop, writes every pending page (best effort, bounded by
// ctx) and closes the transports.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		prev := s.state.Swap(stateClosed)
		if prev == stateRunning {
			close(s.quit)
			<-s.done
		}
		// The loop is gone: this goroutine owns the state now.
		s.handleLocal(ctx)
		if s.stroke != nil {
			s.stroke.Stop()
		}
		s.closeErr = s.persist.Flush(ctx)
		s.persist.Close()
		s.health.Stop()
		if s.unlisten != nil {
			s.unlisten()
		}
		s.deps.Transport.Close()
		if s.deps.Functions != nil {
			s.deps.Functions.Close()
		}
		s.log.Info("session: closed", "flush_error", s.closeErr)
	})
	return s.closeErr
}

// Page returns the active page.
func (s *Session) Page() string {
	s.pageMu.RLock()
	defer s.pageMu.RUnlock()
	return s.page
}

// SetPage switches the active page: pending local changes of the old page
// go out first, then the new page is hydrated and both baselines restart
// from it.
func (s *Session) SetPage(ctx context.Context, pageID string) error {
	if pageID == "" {
		return errors.New("session: empty page id")
	}
	return s.do(ctx, func(ctx context.Context) {
		if pageID == s.Page() {
			return
		}
		s.broadcast(ctx)
		s.stopStroke()
		s.pageMu.Lock()
		s.page = pageID
		s.pageMu.Unlock()
		s.hydrate(ctx, pageID)
		s.log.Info("session: page switched", "page", pageID)
	})
}

// BroadcastSnapshot publishes the full content of the active page.
func (s *Session) BroadcastSnapshot(ctx context.Context) error {
	var err error
	if callErr := s.do(ctx, func(ctx context.Context) {
		err = s.publishFull(ctx, s.Page(), s.deps.Store.ContentRecords())
	}); callErr != nil {
		return callErr
	}
	return err
}

// Functions returns the function-definition synchronizer.
func (s *Session) Functions() *funcsync.Sync { return s.funcs }

// Health returns the push-delivery health state.
func (s *Session) Health() health.State { return s.health.State() }

// Stats is a snapshot of every component's counters.
type Stats struct {
	Page          string         `json:"page"`
	LocalChanges  int64          `json:"local_changes"`
	Broadcasts    int64          `json:"broadcasts"`
	FullSnapshots int64          `json:"full_snapshots"`
	PublishErrors int64          `json:"publish_errors"`
	Inbound       int64          `json:"inbound"`
	Absorbed      int64          `json:"absorbed"`
	Polled        int64          `json:"polled"`
	Detect        detect.Stats   `json:"detect"`
	Delta         delta.Stats    `json:"delta"`
	Apply         apply.Stats    `json:"apply"`
	Health        health.Stats   `json:"health"`
	Persist       persist.Stats  `json:"persist"`
	Functions     funcsync.Stats `json:"functions"`
}

// Stats returns the current counters.
func (s *Session) Stats() Stats {
	return Stats{
		Page:          s.Page(),
		LocalChanges:  s.localChanges.Load(),
		Broadcasts:    s.broadcasts.Load(),
		FullSnapshots: s.fullSnapshots.Load(),
		PublishErrors: s.publishErrors.Load(),
		Inbound:       s.inbound.Load(),
		Absorbed:      s.absorbed.Load(),
		Polled:        s.polled.Load(),
		Detect:        s.detector.Stats(),
		Delta:         s.delta.Stats(),
		Apply:         s.applier.Stats(),
		Health:        s.health.Stats(),
		Persist:       s.persist.Stats(),
		Functions:     s.funcs.Stats(),
	}
}

// do runs fn on the loop and waits for it. Before Run it runs inline.
func (s *Session) do(ctx context.Context, fn func(ctx context.Context)) error {
	switch s.state.Load() {
	case stateNew:
		fn(ctx)
		return nil
	case stateClosed:
		return ErrClosed
	}
	c := call{fn: fn, done: make(chan struct{})}
	select {
	case s.calls <- c:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-c.done:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

func (s *Session) poke() {
	select {
	case s.pokeCh <- struct{}{}:
	default:
	}
}

func (s *Session) enqueue(msg *transport.Message) {
	select {
	case s.inbox <- msg:
	case <-s.done:
	}
}

func (s *Session) enqueueFunctions(msg *transport.Message) {
	select {
	case s.fnInbox <- msg:
	case <-s.done:
	}
}

func (s *Session) onTransportState(st transport.State, err error) {
	s.health.Observe(st)
	if st == transport.StateConnected {
		select {
		case s.reconnCh <- struct{}{}:
		default:
		}
	}
}

// handleLocal runs the detector over the store. A change touching records
// edited within ActiveWindow is part of an ongoing stroke and waits for the
// stroke to end; anything else goes out at once.
func (s *Session) handleLocal(ctx context.Context) {
	records := s.deps.Store.ContentRecords()
	ch := s.detector.Detect(records)
	if ch.Empty() {
		return
	}
	s.localChanges.Add(1)
	ids := ch.IDs()
	drawing := s.detector.HasRecentlyModified(ids, s.cfg.ActiveWindow)
	s.detector.MarkModified(ids...)
	for _, p := range s.ownerPages(records, ch) {
		s.persist.Schedule(p)
	}
	if drawing {
		s.armStroke()
		return
	}
	s.broadcast(ctx)
}

func (s *Session) handleStroke(ctx context.Context) {
	switch {
	case s.detector.HasStrokeCompleted(s.cfg.StrokeIdle):
		s.broadcast(ctx)
	case s.detector.Pending():
		s.armStroke()
	}
}

func (s *Session) armStroke() {
	s.stopStroke()
	s.stroke = time.AfterFunc(s.cfg.StrokeIdle, func() {
		select {
		case s.strokeCh <- struct{}{}:
		default:
		}
	})
}

func (s *Session) stopStroke() {
	if s.stroke != nil {
		s.stroke.Stop()
		s.stroke = nil
	}
}

// broadcast publishes whatever differs from the broadcast baseline on the
// active page. A failed publish leaves the baseline alone so the same
// changes are computed again next time. It reports whether there was
// anything to send.
func (s *Session) broadcast(ctx context.Context) bool {
	page := s.Page()
	records := s.deps.Store.ContentRecords()
	d := s.delta.Compute(records, page)
	if d == nil {
		s.detector.ClearPending()
		return false
	}
	if th := s.cfg.FullSnapshotThreshold; th > 0 && d.Len() > th {
		s.publishFull(ctx, page, records)
		return true
	}
	if err := s.deps.Transport.Publish(ctx, transport.NewDelta(d)); err != nil {
		s.publishErrors.Add(1)
		s.log.Debug("session: publish failed, kept for next attempt", "page", page, "changes", d.Len(), "error", err)
		return true
	}
	s.delta.Commit(d)
	s.detector.ClearPending()
	s.broadcasts.Add(1)
	return true
}

func (s *Session) publishFull(ctx context.Context, page string, records []record.Record) error {
	snap := record.NewSnapshot(record.ForPage(records, page), record.CurrentSchema)
	msg := transport.NewFull(s.cfg.BoardID, page, s.cfg.ClientID, time.Now().UnixMilli(), snap)
	if err := s.deps.Transport.Publish(ctx, msg); err != nil {
		s.publishErrors.Add(1)
		s.log.Debug("session: full snapshot publish failed", "page", page, "error", err)
		return err
	}
	s.delta.CommitSnapshot(page, snap)
	s.detector.ClearPending()
	s.fullSnapshots.Add(1)
	return nil
}

// handleInbound takes a frame from the document channel. Only a relay ready
// frame or a document payload addressed to this board confirms push
// delivery.
func (s *Session) handleInbound(ctx context.Context, msg *transport.Message) {
	s.inbound.Add(1)
	switch msg.Type {
	case transport.TypeReady:
		s.health.Confirm()
		return
	case transport.TypeFunctions:
		s.funcs.HandleMessage(msg)
		return
	}
	res := s.applier.Apply(msg)
	if res.Addressed() {
		s.health.Confirm()
	}
	s.absorb(ctx, res)
}

// handleFunctions takes a frame from the functions channel. It never
// touches document health.
func (s *Session) handleFunctions(msg *transport.Message) {
	s.inbound.Add(1)
	if msg.Type == transport.TypeFunctions {
		s.funcs.HandleMessage(msg)
	}
}

// deliverPolled is the health poller's sink. It runs on the loop.
func (s *Session) deliverPolled(ctx context.Context, ps boardstore.PageSnapshot) error {
	return s.do(ctx, func(ctx context.Context) {
		s.polled.Add(1)
		s.absorb(ctx, s.applier.ApplySnapshot(ps.BoardID, ps.PageID, "", ps.Snapshot))
	})
}

// absorb brings both baselines up to the post-merge state. The broadcast
// baseline takes the merged records so they are never sent back; the
// detector restarts from the store so the merge is not seen as an edit.
// Local edits that were still unsent are then published.
func (s *Session) absorb(ctx context.Context, res apply.Result) {
	if !res.Changed() {
		return
	}
	s.absorbed.Add(1)
	s.delta.Absorb(res.Put, res.Removed)
	s.detector.Reset()
	s.detector.Baseline(s.deps.Store.ContentRecords())
	if s.broadcast(ctx) {
		s.persist.Schedule(s.Page())
	}
}

// hydrate loads pageID from the backing store and restarts both baselines
// from the result.
func (s *Session) hydrate(ctx context.Context, pageID string) {
	ps, err := s.deps.Backing.LoadSnapshot(ctx, s.cfg.BoardID, pageID)
	switch {
	case errors.Is(err, boardstore.ErrNotFound):
	case err != nil:
		s.log.Warn("session: hydrate failed", "page", pageID, "error", err)
	default:
		s.applier.ApplySnapshot(s.cfg.BoardID, pageID, "", ps.Snapshot)
		s.health.MarkSeen(pageID, ps.UpdatedAt)
	}

	records := s.deps.Store.ContentRecords()
	s.detector.Reset()
	s.detector.Baseline(records)
	s.delta.Reset()
	s.delta.CommitSnapshot(pageID, record.NewSnapshot(record.ForPage(records, pageID), record.CurrentSchema))

	if err := s.funcs.Load(ctx, pageID); err != nil {
		s.log.Warn("session: loading functions failed", "page", pageID, "error", err)
	}
}

func (s *Session) pageSnapshot(pageID string) record.Snapshot {
	return record.NewSnapshot(record.ForPage(s.deps.Store.ContentRecords(), pageID), record.CurrentSchema)
}

// ownerPages returns the pages whose stored snapshot a change touches.
// Global records and deletions count against the active page.
func (s *Session) ownerPages(records []record.Record, ch detect.Changes) []string {
	lookup := record.IndexByID(records)
	active := s.Page()
	set := map[string]bool{active: true}
	for _, ids := range [][]string{ch.Added, ch.Modified} {
		for _, id := range ids {
			r, ok := lookup(id)
			if !ok {
				continue
			}
			if owner, global := record.Owner(r, lookup); !global && owner != "" {
				set[owner] = true
			}
		}
	}
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
