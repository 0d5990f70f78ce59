// Package persist writes page snapshots to the backing store on a per-page
// debounce, independently of real-time broadcast.
//
// Schedule never blocks: it (re)arms a timer for the page. A later Schedule
// for the same page supersedes the pending one, so a burst of edits becomes
// one write of the latest content. A failed write is logged and retried on
// the next cycle. Flush writes every pending page synchronously and is meant
// for teardown.
package persist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/boardsync/boardstore"
	"github.com/hazyhaar/boardsync/record"
)

// Saver is the slice of boardstore.Store the gateway writes to.
type Saver interface {
	SaveSnapshot(ctx context.Context, ps boardstore.PageSnapshot) (int64, error)
}

// SnapshotFunc returns the current content of a page.
type SnapshotFunc func(pageID string) record.Snapshot

// Gateway debounces and writes page snapshots.
type Gateway struct {
	saver    Saver
	boardID  string
	clientID string
	snapshot SnapshotFunc
	opts     options

	mu      sync.Mutex
	pending map[string]slot
	gen     uint64
	closed  bool

	writeMu sync.Mutex

	scheduled atomic.Int64
	writes    atomic.Int64
	failures  atomic.Int64
	deferred  atomic.Int64
}

type slot struct {
	timer *time.Timer
	gen   uint64
}

// Stats are point-in-time counters.
type Stats struct {
	Scheduled int64 `json:"scheduled"`
	Writes    int64 `json:"writes"`
	Failures  int64 `json:"failures"`
	Deferred  int64 `json:"deferred"` // gate said not yet
	Pending   int   `json:"pending"`
}

// New creates a Gateway writing board pages as clientID.
func New(saver Saver, boardID, clientID string, snapshot SnapshotFunc, opts ...Option) *Gateway {
	o := defaults()
	for _, fn := range opts {
		fn(&o)
	}
	return &Gateway{
		saver:    saver,
		boardID:  boardID,
		clientID: clientID,
		snapshot: snapshot,
		opts:     o,
		pending:  make(map[string]slot),
	}
}

// Schedule arms (or re-arms) the write of pageID.
func (g *Gateway) Schedule(pageID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed || pageID == "" {
		return
	}
	g.scheduled.Add(1)
	g.armLocked(pageID, g.opts.debounce)
}

// Pending returns the pages waiting to be written, sorted.
func (g *Gateway) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.pending))
	for p := range g.pending {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Flush writes every pending page now, ignoring the gate. Pages that fail
// stay pending.
func (g *Gateway) Flush(ctx context.Context) error {
	g.mu.Lock()
	pages := make([]string, 0, len(g.pending))
	for p, sl := range g.pending {
		sl.timer.Stop()
		pages = append(pages, p)
	}
	g.pending = make(map[string]slot)
	g.mu.Unlock()
	sort.Strings(pages)

	var errs []error
	for _, p := range pages {
		if err := g.write(ctx, p); err != nil {
			errs = append(errs, err)
			g.mu.Lock()
			if !g.closed {
				g.armLocked(p, g.opts.debounce)
			}
			g.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

// Close stops every timer. Pending pages are dropped; call Flush first.
func (g *Gateway) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	for p, sl := range g.pending {
		sl.timer.Stop()
		delete(g.pending, p)
	}
}

// Stats returns the current counters.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	n := len(g.pending)
	g.mu.Unlock()
	return Stats{
		Scheduled: g.scheduled.Load(),
		Writes:    g.writes.Load(),
		Failures:  g.failures.Load(),
		Deferred:  g.deferred.Load(),
		Pending:   n,
	}
}

func (g *Gateway) armLocked(pageID string, d time.Duration) {
	if sl, ok := g.pending[pageID]; ok {
		sl.timer.Stop()
	}
	g.gen++
	gen := g.gen
	g.pending[pageID] = slot{
		timer: time.AfterFunc(d, func() { g.fire(pageID, gen) }),
		gen:   gen,
	}
}

func (g *Gateway) fire(pageID string, gen uint64) {
	g.mu.Lock()
	if sl, ok := g.pending[pageID]; g.closed || !ok || sl.gen != gen {
		// Superseded or flushed.
		g.mu.Unlock()
		return
	}
	if g.opts.gate != nil && !g.opts.gate() {
		g.deferred.Add(1)
		g.armLocked(pageID, g.opts.debounce)
		g.mu.Unlock()
		return
	}
	delete(g.pending, pageID)
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), g.opts.writeTimeout)
	defer cancel()
	if err := g.write(ctx, pageID); err != nil {
		g.mu.Lock()
		if _, again := g.pending[pageID]; !again && !g.closed {
			g.armLocked(pageID, g.opts.debounce)
		}
		g.mu.Unlock()
	}
}

func (g *Gateway) write(ctx context.Context, pageID string) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	ps := boardstore.PageSnapshot{
		BoardID:   g.boardID,
		PageID:    pageID,
		Snapshot:  g.snapshot(pageID),
		UpdatedAt: g.opts.now().UnixMilli(),
		UpdatedBy: g.clientID,
	}
	at, err := g.saver.SaveSnapshot(ctx, ps)
	if err != nil {
		g.failures.Add(1)
		g.opts.logger.Warn("persist: write failed, retrying next cycle",
			"page", pageID, "error", err)
		return fmt.Errorf("persist: %s: %w", pageID, err)
	}
	g.writes.Add(1)
	g.opts.logger.Debug("persist: page written",
		"page", pageID, "records", len(ps.Snapshot.Store), "updated_at", at)
	if g.opts.onSaved != nil {
		g.opts.onSaved(pageID, at)
	}
	return nil
}
