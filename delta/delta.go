// Package delta builds delta payloads against what this client last told its
// peers.
//
// The baseline here is deliberately not the detector's: a remote merge moves
// the "seen" baseline but must only move this one through Absorb, and a local
// edit moves this one only after the publish that carried it succeeded.
package delta

import (
	"bytes"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/boardsync/record"
)

type entry struct {
	rec    record.Record
	owner  string
	global bool
	canon  []byte
}

type options struct {
	origin string
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Computer.
type Option func(*options)

// WithOrigin stamps every delta with the publishing client id.
func WithOrigin(id string) Option { return func(o *options) { o.origin = id } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Computer holds the last-broadcast baseline of one board.
type Computer struct {
	boardID string
	opts    options

	mu       sync.Mutex
	baseline map[string]entry

	computes atomic.Int64
	empty    atomic.Int64
	commits  atomic.Int64
	absorbed atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Computes int64 `json:"computes"`
	Empty    int64 `json:"empty"`
	Commits  int64 `json:"commits"`
	Absorbed int64 `json:"absorbed"`
	Baseline int   `json:"baseline"`
}

// New creates a Computer with an empty baseline.
func New(boardID string, opts ...Option) *Computer {
	o := options{now: time.Now, logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	return &Computer{boardID: boardID, opts: o, baseline: make(map[string]entry)}
}

// Compute diffs the content records of current that are in scope for pageID
// (owned by it, or global) against the baseline. It returns nil when there
// is nothing to send. The baseline is not advanced; call Commit once the
// delta was published.
func (c *Computer) Compute(current []record.Record, pageID string) *record.DeltaUpdate {
	c.computes.Add(1)
	content := record.FilterEphemeral(current)
	lookup := record.IndexByID(content)

	d := &record.DeltaUpdate{
		BoardID:  c.boardID,
		PageID:   pageID,
		Origin:   c.opts.origin,
		Added:    make(map[string]record.Record),
		Modified: make(map[string]record.Record),
		Deleted:  []string{},
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	present := make(map[string]bool, len(content))
	for _, r := range content {
		if !record.InScope(r, pageID, lookup) {
			continue
		}
		present[r.ID] = true
		canon, err := record.Canonical(r)
		if err != nil {
			c.opts.logger.Warn("delta: canonical encoding failed", "id", r.ID, "error", err)
			canon = nil
		}
		old, ok := c.baseline[r.ID]
		switch {
		case !ok:
			d.Added[r.ID] = r.Clone()
		case canon == nil || !bytes.Equal(old.canon, canon):
			d.Modified[r.ID] = r.Clone()
		}
	}
	for id, e := range c.baseline {
		if present[id] {
			continue
		}
		if e.global || e.owner == pageID {
			if cur, ok := lookup(id); ok && !record.InScope(cur, pageID, lookup) {
				// Moved to another page: it is not gone, the other page's
				// delta will carry it.
				continue
			}
			d.Deleted = append(d.Deleted, id)
		}
	}
	if d.Empty() {
		c.empty.Add(1)
		return nil
	}
	sort.Strings(d.Deleted)
	d.Timestamp = c.opts.now().UnixMilli()
	return d
}

// Commit advances the baseline by a delta that was published.
func (c *Computer) Commit(d *record.DeltaUpdate) {
	if d.Empty() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lookup := c.lookupWith(d.Added, d.Modified)
	for _, m := range []map[string]record.Record{d.Added, d.Modified} {
		for id, r := range m {
			if r.ID == "" {
				r.ID = id
			}
			c.put(r, lookup)
		}
	}
	for _, id := range d.Deleted {
		delete(c.baseline, id)
	}
	c.commits.Add(1)
}

// Next is Compute followed by Commit, for callers that treat publish as
// fire-and-forget.
func (c *Computer) Next(current []record.Record, pageID string) *record.DeltaUpdate {
	d := c.Compute(current, pageID)
	if d != nil {
		c.Commit(d)
	}
	return d
}

// Absorb advances the baseline by a remote merge: puts are the records
// written, removed the ids deleted. What was just received is never sent
// back.
func (c *Computer) Absorb(puts []record.Record, removed []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := make(map[string]record.Record, len(puts))
	for _, r := range puts {
		if record.IsContent(r) {
			byID[r.ID] = r
		}
	}
	lookup := c.lookupWith(byID)
	for _, r := range byID {
		c.put(r, lookup)
	}
	for _, id := range removed {
		delete(c.baseline, id)
	}
	c.absorbed.Add(1)
}

// CommitSnapshot advances the baseline after a full snapshot of pageID was
// published. Page-scoped entries of that page absent from the snapshot are
// dropped. Global entries absent from it are kept so their deletion still
// goes out in the next delta.
func (c *Computer) CommitSnapshot(pageID string, snap record.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, e := range c.baseline {
		if _, ok := snap.Store[id]; !ok && !e.global && e.owner == pageID {
			delete(c.baseline, id)
		}
	}
	lookup := c.lookupWith(snap.Store)
	for _, r := range snap.Records() {
		c.put(r, lookup)
	}
	c.commits.Add(1)
}

// Reset empties the baseline, so the next Compute reports every record in
// scope as added.
func (c *Computer) Reset() {
	c.mu.Lock()
	c.baseline = make(map[string]entry)
	c.mu.Unlock()
}

// Stats returns the current counters.
func (c *Computer) Stats() Stats {
	c.mu.Lock()
	n := len(c.baseline)
	c.mu.Unlock()
	return Stats{
		Computes: c.computes.Load(),
		Empty:    c.empty.Load(),
		Commits:  c.commits.Load(),
		Absorbed: c.absorbed.Load(),
		Baseline: n,
	}
}

// put stores r. Caller holds mu.
func (c *Computer) put(r record.Record, lookup record.Lookup) {
	if record.IsEphemeral(r) {
		return
	}
	canon, err := record.Canonical(r)
	if err != nil {
		c.opts.logger.Warn("delta: canonical encoding failed", "id", r.ID, "error", err)
	}
	owner, global := record.Owner(r, lookup)
	c.baseline[r.ID] = entry{rec: r.Clone(), owner: owner, global: global, canon: canon}
}

// lookupWith resolves ids against the given maps first, then the baseline.
// Caller holds mu.
func (c *Computer) lookupWith(ms ...map[string]record.Record) record.Lookup {
	return func(id string) (record.Record, bool) {
		for _, m := range ms {
			if r, ok := m[id]; ok {
				return r, true
			}
		}
		e, ok := c.baseline[id]
		return e.rec, ok
	}
}
