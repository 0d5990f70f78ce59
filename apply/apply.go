// Package apply merges inbound deltas and full snapshots into the local
// document store.
//
// Every payload goes through the same steps: validate, drop echoes, filter
// ephemeral records, scope a full snapshot to its page, skip records that
// are already equal, then write what is left in one merge transaction. While
// a merge is in flight, and for a short cooldown after it, the applier
// reports Absorbing so the change detector does not mistake the merge for
// local drawing.
package apply

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/boardsync/docstore"
	"github.com/hazyhaar/boardsync/record"
	"github.com/hazyhaar/boardsync/transport"
)

// Kind says which merge path a payload took.
type Kind string

const (
	KindDelta    Kind = "delta"
	KindSnapshot Kind = "snapshot"
)

// Reasons a payload is ignored.
const (
	ReasonNoPage     = "missing page id"
	ReasonWrongBoard = "wrong board id"
	ReasonEcho       = "echo"
	ReasonNoSnapshot = "full message without snapshot"
)

// Result describes what one Apply call did. Ignored is set when the payload
// was dropped, with the reason.
type Result struct {
	Kind    Kind
	PageID  string
	Put     []record.Record
	Removed []string
	Skipped int
	Ignored string
}

// Changed reports whether the store was written.
func (r Result) Changed() bool { return len(r.Put) > 0 || len(r.Removed) > 0 }

// Addressed reports whether the payload was a well-formed document payload
// for this board, whatever the merge made of it. Echoes count.
func (r Result) Addressed() bool {
	switch {
	case r.Kind == "":
		return false
	case r.Ignored == ReasonNoPage, r.Ignored == ReasonWrongBoard, r.Ignored == ReasonNoSnapshot:
		return false
	}
	return true
}

type options struct {
	cooldown  time.Duration
	onSettled func()
	logger    *slog.Logger
}

// Option configures an Applier.
type Option func(*options)

// WithCooldown sets how long the guard stays up after a merge. Default 100ms.
func WithCooldown(d time.Duration) Option { return func(o *options) { o.cooldown = d } }

// WithOnSettled registers fn to run once the guard drops after a quiet
// cooldown. It runs on a timer goroutine.
func WithOnSettled(fn func()) Option { return func(o *options) { o.onSettled = fn } }

// WithLogger sets the logger. Messages carry no board attribute; the caller
// binds it with Logger.With.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// Applier is safe for concurrent use, though merges are serialised by the
// store.
type Applier struct {
	store    *docstore.Store
	boardID  string
	clientID string
	opts     options

	absorbing atomic.Bool

	guardMu  sync.Mutex
	inFlight int
	timer    *time.Timer
	gen      uint64

	applied  atomic.Int64
	noops    atomic.Int64
	ignored  atomic.Int64
	echoes   atomic.Int64
	nested   atomic.Int64
	settles  atomic.Int64
	failures atomic.Int64
}

// Stats are point-in-time counters.
type Stats struct {
	Applied  int64 `json:"applied"`
	Noops    int64 `json:"noops"`
	Ignored  int64 `json:"ignored"`
	Echoes   int64 `json:"echoes"`
	Nested   int64 `json:"nested"`
	Settles  int64 `json:"settles"`
	Failures int64 `json:"failures"`
}

// New creates an Applier writing into store for boardID. clientID is this
// client's origin id, used to drop echoes.
func New(store *docstore.Store, boardID, clientID string, opts ...Option) *Applier {
	o := options{cooldown: 100 * time.Millisecond, logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	return &Applier{store: store, boardID: boardID, clientID: clientID, opts: o}
}

// Absorbing reports whether a remote update is being absorbed, cooldown
// included.
func (a *Applier) Absorbing() bool { return a.absorbing.Load() }

// Apply routes a transport message to the matching merge path. Messages
// that carry no document content are ignored.
func (a *Applier) Apply(msg *transport.Message) Result {
	switch msg.Type {
	case transport.TypeDelta:
		return a.ApplyDelta(msg.Delta())
	case transport.TypeFull:
		if msg.Snapshot == nil {
			return a.ignore(KindSnapshot, msg.PageID, ReasonNoSnapshot)
		}
		return a.ApplySnapshot(msg.BoardID, msg.PageID, msg.Origin, *msg.Snapshot)
	default:
		return a.ignore("", msg.PageID, "not a document payload: "+string(msg.Type))
	}
}

// ApplyDelta merges a delta update. Applying the same delta twice leaves the
// store as applying it once.
func (a *Applier) ApplyDelta(d *record.DeltaUpdate) Result {
	if reason := a.validate(d.BoardID, d.PageID, d.Origin); reason != "" {
		return a.ignore(KindDelta, d.PageID, reason)
	}

	res := Result{Kind: KindDelta, PageID: d.PageID}
	var candidates []record.Record
	for _, m := range []map[string]record.Record{d.Added, d.Modified} {
		for _, r := range record.FilterEphemeralMap(m) {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })

	puts, skipped := a.diff(candidates)
	res.Skipped = skipped
	var removes []string
	for _, id := range d.Deleted {
		cur, ok := a.store.Get(id)
		if !ok {
			res.Skipped++
			continue
		}
		if record.IsEphemeral(cur) {
			continue
		}
		removes = append(removes, id)
	}
	return a.merge(res, puts, removes)
}

// ApplySnapshot merges a full snapshot of pageID. Only records in scope for
// the page are written. Local page-scoped records of that page missing from
// the snapshot are removed; global records are never removed this way.
func (a *Applier) ApplySnapshot(boardID, pageID, origin string, snap record.Snapshot) Result {
	if reason := a.validate(boardID, pageID, origin); reason != "" {
		return a.ignore(KindSnapshot, pageID, reason)
	}

	res := Result{Kind: KindSnapshot, PageID: pageID}
	incoming := record.FilterEphemeral(snap.Records())

	local := a.store.ContentRecords()
	byID := make(map[string]record.Record, len(local)+len(incoming))
	for _, r := range local {
		byID[r.ID] = r
	}
	inSnap := make(map[string]record.Record, len(incoming))
	for _, r := range incoming {
		inSnap[r.ID] = r
	}
	// Incoming parents win over local ones when resolving ownership.
	lookup := func(id string) (record.Record, bool) {
		if r, ok := inSnap[id]; ok {
			return r, true
		}
		r, ok := byID[id]
		return r, ok
	}

	var eligible []record.Record
	for _, r := range incoming {
		if record.InScope(r, pageID, lookup) {
			eligible = append(eligible, r)
		} else {
			res.Skipped++
		}
	}

	localLookup := record.MapLookup(byID)
	var removes []string
	for _, r := range local {
		if _, ok := inSnap[r.ID]; ok {
			continue
		}
		owner, global := record.Owner(r, localLookup)
		if !global && owner == pageID {
			removes = append(removes, r.ID)
		}
	}
	sort.Strings(removes)

	puts, skipped := a.diff(eligible)
	res.Skipped += skipped
	return a.merge(res, puts, removes)
}

// Stats returns the current counters.
func (a *Applier) Stats() Stats {
	return Stats{
		Applied:  a.applied.Load(),
		Noops:    a.noops.Load(),
		Ignored:  a.ignored.Load(),
		Echoes:   a.echoes.Load(),
		Nested:   a.nested.Load(),
		Settles:  a.settles.Load(),
		Failures: a.failures.Load(),
	}
}

func (a *Applier) validate(boardID, pageID, origin string) string {
	switch {
	case pageID == "":
		return ReasonNoPage
	case boardID != a.boardID:
		return ReasonWrongBoard
	case origin != "" && origin == a.clientID:
		a.echoes.Add(1)
		return ReasonEcho
	}
	return ""
}

func (a *Applier) ignore(kind Kind, pageID, reason string) Result {
	a.ignored.Add(1)
	a.opts.logger.Debug("apply: payload ignored", "kind", kind, "page", pageID, "reason", reason)
	return Result{Kind: kind, PageID: pageID, Ignored: reason}
}

// diff keeps the candidates that differ from the local store.
func (a *Applier) diff(candidates []record.Record) (puts []record.Record, skipped int) {
	for _, r := range candidates {
		if cur, ok := a.store.Get(r.ID); ok && record.Equal(cur, r) {
			skipped++
			continue
		}
		puts = append(puts, r)
	}
	return puts, skipped
}

var errNothingToApply = errors.New("apply: nothing to apply")

func (a *Applier) merge(res Result, puts []record.Record, removes []string) Result {
	if len(puts) == 0 && len(removes) == 0 {
		a.noops.Add(1)
		return res
	}

	a.begin()
	defer a.end()

	ch, err := a.store.Merge(func(tx *docstore.Tx) error {
		for _, r := range puts {
			if cur, ok := tx.Get(r.ID); ok && record.Equal(cur, r) {
				continue
			}
			tx.Put(r)
		}
		for _, id := range removes {
			if _, ok := tx.Get(id); ok {
				tx.Remove(id)
			}
		}
		if tx.Len() == 0 {
			return errNothingToApply
		}
		return nil
	})
	switch {
	case errors.Is(err, errNothingToApply):
		a.noops.Add(1)
		return res
	case err != nil:
		a.failures.Add(1)
		a.opts.logger.Warn("apply: merge failed", "kind", res.Kind, "page", res.PageID, "error", err)
		res.Ignored = err.Error()
		return res
	}

	res.Put = ch.Put
	for _, r := range ch.Removed {
		res.Removed = append(res.Removed, r.ID)
	}
	a.applied.Add(1)
	a.opts.logger.Debug("apply: merged", "kind", res.Kind, "page", res.PageID,
		"put", len(res.Put), "removed", len(res.Removed), "skipped", res.Skipped)
	return res
}

// begin raises the guard. A merge that starts while the guard is already up
// cancels the pending cooldown instead of stacking another one.
func (a *Applier) begin() {
	a.guardMu.Lock()
	defer a.guardMu.Unlock()
	if a.absorbing.Load() {
		a.nested.Add(1)
	}
	a.absorbing.Store(true)
	a.inFlight++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.gen++
}

// end arms the single cooldown timer once no merge is in flight.
func (a *Applier) end() {
	a.guardMu.Lock()
	defer a.guardMu.Unlock()
	a.inFlight--
	if a.inFlight > 0 {
		return
	}
	gen := a.gen
	a.timer = time.AfterFunc(a.opts.cooldown, func() { a.settle(gen) })
}

func (a *Applier) settle(gen uint64) {
	a.guardMu.Lock()
	if gen != a.gen || a.inFlight > 0 {
		a.guardMu.Unlock()
		return
	}
	a.absorbing.Store(false)
	a.timer = nil
	a.guardMu.Unlock()

	a.settles.Add(1)
	if a.opts.onSettled != nil {
		a.opts.onSettled()
	}
}
