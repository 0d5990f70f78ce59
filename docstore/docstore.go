// Package docstore holds a client's local copy of a board document in memory.
//
// Local edits go through Put and Remove and are visible immediately. Remote
// updates go through Merge, which applies a whole batch in one transaction
// and tags the resulting change notification as remote so listeners can
// tell absorbed updates from user edits.
package docstore

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/boardsync/record"
)

// ErrNestedMerge is returned when a merge transaction is started while
// another one is still open.
var ErrNestedMerge = errors.New("docstore: merge transaction already open")

// Source tags who produced a change.
type Source int

const (
	SourceUser   Source = iota // local edit
	SourceRemote               // absorbed remote update
)

func (s Source) String() string {
	if s == SourceRemote {
		return "remote"
	}
	return "user"
}

// Change is delivered to listeners after each mutation batch.
type Change struct {
	Source  Source
	Put     []record.Record // new values of added or updated records
	Removed []record.Record // last values of removed records
}

// Empty reports whether the change touched nothing.
func (c Change) Empty() bool { return len(c.Put) == 0 && len(c.Removed) == 0 }

// OnlyEphemeral reports whether every touched record is ephemeral.
func (c Change) OnlyEphemeral() bool {
	for _, r := range c.Put {
		if record.IsContent(r) {
			return false
		}
	}
	for _, r := range c.Removed {
		if record.IsContent(r) {
			return false
		}
	}
	return true
}

// Listener receives change notifications synchronously, on the goroutine
// that made the change, after the store lock is released.
type Listener func(Change)

// Store is a thread-safe in-memory record set.
type Store struct {
	mu      sync.RWMutex
	records map[string]record.Record

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int

	merging atomic.Bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		records:   make(map[string]record.Record),
		listeners: make(map[int]Listener),
	}
}

// Listen registers fn and returns a function that unregisters it.
func (s *Store) Listen(fn Listener) (cancel func()) {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.lmu.Unlock()
	return func() {
		s.lmu.Lock()
		delete(s.listeners, id)
		s.lmu.Unlock()
	}
}

// Put adds or replaces records as a local edit.
func (s *Store) Put(rs ...record.Record) {
	if len(rs) == 0 {
		return
	}
	ch := Change{Source: SourceUser}
	s.mu.Lock()
	for _, r := range rs {
		r = r.Clone()
		s.records[r.ID] = r
		ch.Put = append(ch.Put, r)
	}
	s.mu.Unlock()
	s.notify(ch)
}

// Remove deletes records as a local edit. Unknown ids are ignored.
func (s *Store) Remove(ids ...string) {
	ch := Change{Source: SourceUser}
	s.mu.Lock()
	for _, id := range ids {
		if r, ok := s.records[id]; ok {
			delete(s.records, id)
			ch.Removed = append(ch.Removed, r)
		}
	}
	s.mu.Unlock()
	if !ch.Empty() {
		s.notify(ch)
	}
}

// Get returns a copy of the record with the given id.
func (s *Store) Get(id string) (record.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return record.Record{}, false
	}
	return r.Clone(), true
}

// Len returns the number of records, ephemeral included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Records returns copies of all records sorted by id.
func (s *Store) Records() []record.Record {
	s.mu.RLock()
	out := make([]record.Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ContentRecords is Records without ephemeral entries.
func (s *Store) ContentRecords() []record.Record {
	return record.FilterEphemeral(s.Records())
}

// Tx collects the writes of one merge transaction.
type Tx struct {
	store   *Store
	puts    map[string]record.Record
	removes map[string]struct{}
}

// Get reads through the transaction: pending writes first, then the store.
func (tx *Tx) Get(id string) (record.Record, bool) {
	if _, gone := tx.removes[id]; gone {
		return record.Record{}, false
	}
	if r, ok := tx.puts[id]; ok {
		return r, true
	}
	return tx.store.Get(id)
}

// Put queues a write.
func (tx *Tx) Put(r record.Record) {
	delete(tx.removes, r.ID)
	tx.puts[r.ID] = r.Clone()
}

// Remove queues a deletion.
func (tx *Tx) Remove(id string) {
	delete(tx.puts, id)
	tx.removes[id] = struct{}{}
}

// Len is the number of queued operations.
func (tx *Tx) Len() int { return len(tx.puts) + len(tx.removes) }

// Merge runs fn inside a single remote-tagged transaction. If fn returns an
// error nothing is applied. Only one merge may be open at a time; a second
// concurrent or nested call returns ErrNestedMerge.
func (s *Store) Merge(fn func(tx *Tx) error) (Change, error) {
	if !s.merging.CompareAndSwap(false, true) {
		return Change{}, ErrNestedMerge
	}
	defer s.merging.Store(false)

	tx := &Tx{store: s, puts: make(map[string]record.Record), removes: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		return Change{}, err
	}

	ch := Change{Source: SourceRemote}
	s.mu.Lock()
	for id := range tx.removes {
		if r, ok := s.records[id]; ok {
			delete(s.records, id)
			ch.Removed = append(ch.Removed, r)
		}
	}
	for id, r := range tx.puts {
		s.records[id] = r
		ch.Put = append(ch.Put, r)
	}
	s.mu.Unlock()

	if !ch.Empty() {
		s.notify(ch)
	}
	return ch, nil
}

// Merging reports whether a merge transaction is open.
func (s *Store) Merging() bool { return s.merging.Load() }

func (s *Store) notify(ch Change) {
	s.lmu.Lock()
	fns := make([]Listener, 0, len(s.listeners))
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.lmu.Unlock()
	for _, fn := range fns {
		fn(ch)
	}
}
