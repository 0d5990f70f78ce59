// Package detect tracks which content records a client has already seen.
//
// The detector keeps a content hash per record id and diffs every local
// mutation batch against it. It also keeps a short window of recently
// touched ids, which tells an active stroke apart from a finished edit.
package detect

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/boardsync/record"
)

// Guard reports whether a remote update is being absorbed. The applier
// implements it.
type Guard interface {
	Absorbing() bool
}

// Changes is the result of one Detect call. The three sets are disjoint.
type Changes struct {
	Added    []string
	Modified []string
	Deleted  []string
}

// Empty reports whether nothing changed.
func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// IDs returns added and modified ids, the records that still exist.
func (c Changes) IDs() []string {
	out := make([]string, 0, len(c.Added)+len(c.Modified))
	out = append(out, c.Added...)
	return append(out, c.Modified...)
}

type options struct {
	guard  Guard
	now    func() time.Time
	window time.Duration
	logger *slog.Logger
}

func defaults() options {
	return options{
		now:    time.Now,
		window: 2 * time.Second,
		logger: slog.Default(),
	}
}

// Option configures a Detector.
type Option func(*options)

// WithGuard makes HasRecentlyModified report false while g is absorbing.
func WithGuard(g Guard) Option { return func(o *options) { o.guard = g } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// WithWindow sets how long a MarkModified stamp is kept. Default 2s.
func WithWindow(d time.Duration) Option { return func(o *options) { o.window = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Detector is safe for concurrent use.
type Detector struct {
	opts options

	mu               sync.Mutex
	hashes           map[string]string
	lastChange       time.Time
	pending          bool
	recentlyModified map[string]time.Time

	detects  atomic.Int64
	nonEmpty atomic.Int64
	suppress atomic.Int64
	resets   atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Detects       int64 `json:"detects"`
	ChangeBatches int64 `json:"change_batches"`
	Suppressed    int64 `json:"suppressed"`
	Resets        int64 `json:"resets"`
	Tracked       int   `json:"tracked"`
}

// New creates a Detector with an empty baseline.
func New(opts ...Option) *Detector {
	o := defaults()
	for _, fn := range opts {
		fn(&o)
	}
	return &Detector{
		opts:             o,
		hashes:           make(map[string]string),
		recentlyModified: make(map[string]time.Time),
	}
}

// Detect diffs the content records in current against the baseline.
// Ephemeral records are ignored. On a non-empty result the baseline is
// replaced by the new set, the change time is stamped and pending is set.
func (d *Detector) Detect(current []record.Record) Changes {
	d.detects.Add(1)
	next := make(map[string]string, len(current))
	for _, r := range current {
		if record.IsEphemeral(r) {
			continue
		}
		h, err := record.Hash(r)
		if err != nil {
			// Unencodable props: fall back to a value that never matches so
			// the record is treated as changed rather than lost.
			d.opts.logger.Warn("detect: hash failed", "id", r.ID, "error", err)
			h = "!" + err.Error()
		}
		next[r.ID] = h
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var ch Changes
	for id, h := range next {
		old, ok := d.hashes[id]
		switch {
		case !ok:
			ch.Added = append(ch.Added, id)
		case old != h:
			ch.Modified = append(ch.Modified, id)
		}
	}
	for id := range d.hashes {
		if _, ok := next[id]; !ok {
			ch.Deleted = append(ch.Deleted, id)
		}
	}
	if ch.Empty() {
		return ch
	}
	sort.Strings(ch.Added)
	sort.Strings(ch.Modified)
	sort.Strings(ch.Deleted)

	d.hashes = next
	d.lastChange = d.opts.now()
	d.pending = true
	d.nonEmpty.Add(1)
	return ch
}

// MarkModified stamps ids as touched now and prunes stamps older than the
// window.
func (d *Detector) MarkModified(ids ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.opts.now()
	for id, ts := range d.recentlyModified {
		if now.Sub(ts) > d.opts.window {
			delete(d.recentlyModified, id)
		}
	}
	for _, id := range ids {
		d.recentlyModified[id] = now
	}
}

// HasRecentlyModified reports whether any of ids was touched within
// threshold. It is always false while the guard is absorbing a remote
// update.
func (d *Detector) HasRecentlyModified(ids []string, threshold time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.opts.guard != nil && d.opts.guard.Absorbing() {
		d.suppress.Add(1)
		return false
	}
	now := d.opts.now()
	for _, id := range ids {
		if ts, ok := d.recentlyModified[id]; ok && now.Sub(ts) < threshold {
			return true
		}
	}
	return false
}

// HasStrokeCompleted reports whether changes are pending and none arrived
// for at least idle.
func (d *Detector) HasStrokeCompleted(idle time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending && d.opts.now().Sub(d.lastChange) >= idle
}

// Idle reports whether no local change was detected within threshold.
func (d *Detector) Idle(threshold time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastChange.IsZero() || d.opts.now().Sub(d.lastChange) >= threshold
}

// Pending reports whether a detected change has not been broadcast yet.
func (d *Detector) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// ClearPending drops the pending flag once the change went out.
func (d *Detector) ClearPending() {
	d.mu.Lock()
	d.pending = false
	d.mu.Unlock()
}

// Reset clears every map and timestamp.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.hashes = make(map[string]string)
	d.recentlyModified = make(map[string]time.Time)
	d.lastChange = time.Time{}
	d.pending = false
	d.mu.Unlock()
	d.resets.Add(1)
}

// Baseline replaces the hash baseline with records without reporting a
// change. Used after a reset so the records already present count as seen.
func (d *Detector) Baseline(current []record.Record) {
	next := make(map[string]string, len(current))
	for _, r := range current {
		if record.IsEphemeral(r) {
			continue
		}
		if h, err := record.Hash(r); err == nil {
			next[r.ID] = h
		}
	}
	d.mu.Lock()
	d.hashes = next
	d.mu.Unlock()
}

// Stats returns the current counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	tracked := len(d.hashes)
	d.mu.Unlock()
	return Stats{
		Detects:       d.detects.Load(),
		ChangeBatches: d.nonEmpty.Load(),
		Suppressed:    d.suppress.Load(),
		Resets:        d.resets.Load(),
		Tracked:       tracked,
	}
}
