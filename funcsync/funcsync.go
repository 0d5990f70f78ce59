// Package funcsync keeps the function definitions of the active page in sync
// across clients. It follows the same publish-and-persist pattern as page
// content, on its own channel and its own table:
//
//   - local Upsert/Remove update the in-memory list, publish a "functions"
//     message and write through to the backing store;
//   - inbound messages merge last-writer-wins by UpdatedAt and are never
//     re-broadcast;
//   - Poll replaces the list with the backing store's copy (polling fallback).
package funcsync

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/boardsync/boardstore"
	"github.com/hazyhaar/boardsync/idgen"
	"github.com/hazyhaar/boardsync/record"
	"github.com/hazyhaar/boardsync/transport"
)

// Channel is the transport channel carrying a board's function definitions.
func Channel(boardID string) string { return boardID + "/functions" }

// Backing is the slice of boardstore.Store used for definitions.
type Backing interface {
	UpsertFunction(ctx context.Context, fn record.FunctionDefinition) error
	DeleteFunction(ctx context.Context, boardID, pageID, functionID string, at int64) error
	ListFunctions(ctx context.Context, boardID, pageID string) ([]record.FunctionDefinition, error)
}

// Publisher sends messages. A transport.Transport satisfies it.
type Publisher interface {
	Publish(ctx context.Context, msg *transport.Message) error
}

// Sync is the function-definition synchronizer of one board.
type Sync struct {
	backing  Backing
	pub      Publisher
	boardID  string
	clientID string
	opts     options

	mu        sync.Mutex
	pageID    string
	defs      map[string]record.FunctionDefinition
	deletedAt map[string]int64
	unsaved   map[string]bool // ids whose last write did not reach the backing store
	listeners []func([]record.FunctionDefinition)

	published atomic.Int64
	merged    atomic.Int64
	stale     atomic.Int64
	ignored   atomic.Int64
	saveErrs  atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Definitions int   `json:"definitions"`
	Published   int64 `json:"published"`
	Merged      int64 `json:"merged"`
	Stale       int64 `json:"stale"`
	Ignored     int64 `json:"ignored"`
	SaveErrors  int64 `json:"save_errors"`
	Unsaved     int   `json:"unsaved"`
}

// New creates a Sync. pub may be nil when running without push delivery.
func New(backing Backing, pub Publisher, boardID, clientID string, opts ...Option) *Sync {
	o := defaults()
	for _, fn := range opts {
		fn(&o)
	}
	return &Sync{
		backing:   backing,
		pub:       pub,
		boardID:   boardID,
		clientID:  clientID,
		opts:      o,
		defs:      make(map[string]record.FunctionDefinition),
		deletedAt: make(map[string]int64),
		unsaved:   make(map[string]bool),
	}
}

// Page returns the active page.
func (s *Sync) Page() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pageID
}

// Load switches to pageID and replaces the list with the stored one.
func (s *Sync) Load(ctx context.Context, pageID string) error {
	fns, err := s.backing.ListFunctions(ctx, s.boardID, pageID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pageID = pageID
	s.defs = make(map[string]record.FunctionDefinition, len(fns))
	s.deletedAt = make(map[string]int64)
	s.unsaved = make(map[string]bool)
	for _, fn := range fns {
		s.defs[fn.FunctionID] = fn
	}
	out, ls := s.listLocked(), s.listeners
	s.mu.Unlock()

	notify(ls, out)
	return nil
}

// List returns the definitions of the active page ordered by creation.
func (s *Sync) List() []record.FunctionDefinition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

// OnChange registers fn, called with the full list after every change.
func (s *Sync) OnChange(fn func([]record.FunctionDefinition)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Upsert creates or updates a definition on the active page. Missing ids
// and timestamps are filled in. Publish and persistence failures are logged;
// an unsaved definition is written again on the next Poll or mutation.
func (s *Sync) Upsert(ctx context.Context, fn record.FunctionDefinition) (record.FunctionDefinition, error) {
	s.mu.Lock()
	if s.pageID == "" {
		s.mu.Unlock()
		return fn, errors.New("funcsync: no active page")
	}
	fn.BoardID = s.boardID
	fn.PageID = s.pageID
	if fn.FunctionID == "" {
		fn.FunctionID = s.opts.newID()
	}
	now := s.opts.now().UnixMilli()
	prev, exists := s.defs[fn.FunctionID]
	fn.UpdatedAt = now
	if exists {
		fn.CreatedAt = prev.CreatedAt
		if fn.UpdatedAt <= prev.UpdatedAt {
			fn.UpdatedAt = prev.UpdatedAt + 1
		}
	} else if fn.CreatedAt <= 0 {
		fn.CreatedAt = now
	}
	s.defs[fn.FunctionID] = fn
	delete(s.deletedAt, fn.FunctionID)
	out, ls := s.listLocked(), s.listeners
	s.mu.Unlock()

	notify(ls, out)
	s.publish(ctx, transport.NewFunctions(s.boardID, fn.PageID, s.clientID, fn.UpdatedAt,
		[]record.FunctionDefinition{fn}, nil))
	s.save(ctx, fn)
	s.retryUnsaved(ctx)
	return fn, nil
}

// Remove deletes a definition from the active page.
func (s *Sync) Remove(ctx context.Context, functionID string) error {
	s.mu.Lock()
	prev, ok := s.defs[functionID]
	if !ok {
		s.mu.Unlock()
		return boardstore.ErrNotFound
	}
	at := s.opts.now().UnixMilli()
	if at <= prev.UpdatedAt {
		at = prev.UpdatedAt + 1
	}
	delete(s.defs, functionID)
	delete(s.unsaved, functionID)
	s.deletedAt[functionID] = at
	pageID := s.pageID
	out, ls := s.listLocked(), s.listeners
	s.mu.Unlock()

	notify(ls, out)
	s.publish(ctx, transport.NewFunctions(s.boardID, pageID, s.clientID, at, nil, []string{functionID}))
	err := s.backing.DeleteFunction(ctx, s.boardID, pageID, functionID, at)
	if err != nil && !errors.Is(err, boardstore.ErrNotFound) {
		s.saveErrs.Add(1)
		s.opts.logger.Warn("funcsync: delete failed", "function", functionID, "error", err)
	}
	return nil
}

// HandleMessage merges an inbound "functions" message. It reports whether
// the list changed. Nothing is published in response.
func (s *Sync) HandleMessage(msg *transport.Message) bool {
	if msg == nil || msg.Type != transport.TypeFunctions {
		return false
	}
	s.mu.Lock()
	switch {
	case msg.BoardID != s.boardID, msg.PageID == "", msg.PageID != s.pageID:
		s.mu.Unlock()
		s.ignored.Add(1)
		s.opts.logger.Debug("funcsync: message ignored",
			"msg_board", msg.BoardID, "page", msg.PageID, "active_page", s.Page())
		return false
	case msg.Origin != "" && msg.Origin == s.clientID:
		s.mu.Unlock()
		s.ignored.Add(1)
		return false
	}

	changed := false
	for _, fn := range msg.Functions {
		if fn.FunctionID == "" || fn.PageID != s.pageID {
			continue
		}
		if cur, ok := s.defs[fn.FunctionID]; ok && cur.UpdatedAt >= fn.UpdatedAt {
			s.stale.Add(1)
			continue
		}
		if at, ok := s.deletedAt[fn.FunctionID]; ok && at >= fn.UpdatedAt {
			s.stale.Add(1)
			continue
		}
		fn.BoardID = s.boardID
		s.defs[fn.FunctionID] = fn
		delete(s.deletedAt, fn.FunctionID)
		changed = true
	}
	for _, id := range msg.Deleted {
		cur, ok := s.defs[id]
		if !ok {
			continue
		}
		if cur.UpdatedAt > msg.Timestamp {
			s.stale.Add(1)
			continue
		}
		delete(s.defs, id)
		delete(s.unsaved, id)
		s.deletedAt[id] = msg.Timestamp
		changed = true
	}
	if !changed {
		s.mu.Unlock()
		return false
	}
	s.merged.Add(1)
	out, ls := s.listLocked(), s.listeners
	s.mu.Unlock()

	notify(ls, out)
	return true
}

// Poll replaces the list with the backing store's copy, keeping local
// definitions that have not been saved yet. It satisfies health.Pollable.
func (s *Sync) Poll(ctx context.Context) error {
	s.retryUnsaved(ctx)

	pageID := s.Page()
	if pageID == "" {
		return nil
	}
	fns, err := s.backing.ListFunctions(ctx, s.boardID, pageID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.pageID != pageID {
		s.mu.Unlock()
		return nil
	}
	next := make(map[string]record.FunctionDefinition, len(fns))
	for _, fn := range fns {
		next[fn.FunctionID] = fn
	}
	for id := range s.unsaved {
		if cur, ok := s.defs[id]; ok && cur.UpdatedAt >= next[id].UpdatedAt {
			next[id] = cur
		}
	}
	changed := !sameDefs(s.defs, next)
	s.defs = next
	out, ls := s.listLocked(), s.listeners
	s.mu.Unlock()

	if changed {
		s.merged.Add(1)
		notify(ls, out)
	}
	return nil
}

// Stats returns the current counters.
func (s *Sync) Stats() Stats {
	s.mu.Lock()
	n, u := len(s.defs), len(s.unsaved)
	s.mu.Unlock()
	return Stats{
		Definitions: n,
		Published:   s.published.Load(),
		Merged:      s.merged.Load(),
		Stale:       s.stale.Load(),
		Ignored:     s.ignored.Load(),
		SaveErrors:  s.saveErrs.Load(),
		Unsaved:     u,
	}
}

func (s *Sync) publish(ctx context.Context, msg *transport.Message) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, msg); err != nil {
		s.opts.logger.Debug("funcsync: publish failed", "error", err)
		return
	}
	s.published.Add(1)
}

func (s *Sync) save(ctx context.Context, fn record.FunctionDefinition) {
	err := s.backing.UpsertFunction(ctx, fn)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.saveErrs.Add(1)
		s.unsaved[fn.FunctionID] = true
		s.opts.logger.Warn("funcsync: save failed", "function", fn.FunctionID, "error", err)
		return
	}
	delete(s.unsaved, fn.FunctionID)
}

func (s *Sync) retryUnsaved(ctx context.Context) {
	s.mu.Lock()
	var pending []record.FunctionDefinition
	for id := range s.unsaved {
		if fn, ok := s.defs[id]; ok {
			pending = append(pending, fn)
		} else {
			delete(s.unsaved, id)
		}
	}
	s.mu.Unlock()
	for _, fn := range pending {
		s.save(ctx, fn)
	}
}

func (s *Sync) listLocked() []record.FunctionDefinition {
	out := make([]record.FunctionDefinition, 0, len(s.defs))
	for _, fn := range s.defs {
		out = append(out, fn)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].FunctionID < out[j].FunctionID
	})
	return out
}

func sameDefs(a, b map[string]record.FunctionDefinition) bool {
	if len(a) != len(b) {
		return false
	}
	for id, fa := range a {
		if fb, ok := b[id]; !ok || fa != fb {
			return false
		}
	}
	return true
}

func notify(ls []func([]record.FunctionDefinition), out []record.FunctionDefinition) {
	for _, fn := range ls {
		fn(out)
	}
}

type options struct {
	now    func() time.Time
	newID  idgen.Generator
	logger *slog.Logger
}

func defaults() options {
	return options{now: time.Now, newID: idgen.Function, logger: slog.Default()}
}

// Option configures a Sync.
type Option func(*options)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithIDGenerator overrides how new function ids are made.
func WithIDGenerator(g idgen.Generator) Option { return func(o *options) { o.newID = g } }

// WithLogger sets the logger. Messages carry no board attribute; the caller
// binds it with Logger.With.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }
