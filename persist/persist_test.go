package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/boardsync/boardstore"
	"github.com/hazyhaar/boardsync/dbopen"
	"github.com/hazyhaar/boardsync/record"
)

type fakeSaver struct {
	mu    sync.Mutex
	saved []boardstore.PageSnapshot
	fail  atomic.Int32 // number of calls left to fail
}

func (f *fakeSaver) SaveSnapshot(ctx context.Context, ps boardstore.PageSnapshot) (int64, error) {
	if f.fail.Load() > 0 {
		f.fail.Add(-1)
		return 0, errors.New("disk full")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, ps)
	return ps.UpdatedAt, nil
}

func (f *fakeSaver) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

func (f *fakeSaver) last() boardstore.PageSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved[len(f.saved)-1]
}

// content is a page source whose shape count the test bumps.
type content struct{ n atomic.Int32 }

func (c *content) snapshot(pageID string) record.Snapshot {
	var rs []record.Record
	for i := int32(0); i < c.n.Load(); i++ {
		rs = append(rs, record.Record{
			ID:       "shape:" + string(rune('a'+i)),
			TypeName: record.TypeShape,
			ParentID: pageID,
		})
	}
	rs = append(rs, record.Record{ID: "camera:me", TypeName: record.TypeCamera})
	return record.NewSnapshot(rs, record.CurrentSchema)
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestSchedule_Coalesces(t *testing.T) {
	var saver fakeSaver
	var c content
	g := New(&saver, "b1", "me", c.snapshot, WithDebounce(40*time.Millisecond))
	defer g.Close()

	for i := 0; i < 5; i++ {
		c.n.Add(1)
		g.Schedule("page:1")
		time.Sleep(10 * time.Millisecond)
	}
	waitFor(t, time.Second, func() bool { return saver.count() == 1 })
	time.Sleep(80 * time.Millisecond)
	if saver.count() != 1 {
		t.Fatalf("got %d writes, want 1", saver.count())
	}

	ps := saver.last()
	if len(ps.Snapshot.Store) != 5 {
		t.Fatalf("wrote %d records, want the latest 5", len(ps.Snapshot.Store))
	}
	if ps.UpdatedBy != "me" || ps.BoardID != "b1" {
		t.Fatalf("unexpected row header: %+v", ps)
	}
	if _, ok := ps.Snapshot.Store["camera:me"]; ok {
		t.Fatal("ephemeral record written")
	}
}

func TestSchedule_PerPage(t *testing.T) {
	var saver fakeSaver
	var c content
	g := New(&saver, "b1", "me", c.snapshot, WithDebounce(20*time.Millisecond))
	defer g.Close()

	g.Schedule("page:1")
	g.Schedule("page:2")
	g.Schedule("page:1")
	waitFor(t, time.Second, func() bool { return saver.count() == 2 })
}

func TestGateDefers(t *testing.T) {
	var saver fakeSaver
	var c content
	var ready atomic.Bool
	g := New(&saver, "b1", "me", c.snapshot,
		WithDebounce(10*time.Millisecond),
		WithGate(ready.Load))
	defer g.Close()

	g.Schedule("page:1")
	time.Sleep(60 * time.Millisecond)
	if saver.count() != 0 {
		t.Fatal("wrote while gate closed")
	}
	if g.Stats().Deferred == 0 {
		t.Fatal("expected deferred writes")
	}

	ready.Store(true)
	waitFor(t, time.Second, func() bool { return saver.count() == 1 })
}

func TestFailureRetriedNextCycle(t *testing.T) {
	var saver fakeSaver
	saver.fail.Store(2)
	var c content
	g := New(&saver, "b1", "me", c.snapshot, WithDebounce(10*time.Millisecond))
	defer g.Close()

	g.Schedule("page:1")
	waitFor(t, time.Second, func() bool { return saver.count() == 1 })
	if st := g.Stats(); st.Failures != 2 || st.Writes != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestFlush(t *testing.T) {
	var saver fakeSaver
	var c content
	var saved []string
	g := New(&saver, "b1", "me", c.snapshot,
		WithDebounce(time.Hour),
		WithOnSaved(func(p string, _ int64) { saved = append(saved, p) }))
	defer g.Close()

	g.Schedule("page:2")
	g.Schedule("page:1")
	if got := g.Pending(); len(got) != 2 || got[0] != "page:1" {
		t.Fatalf("pending = %v", got)
	}
	if err := g.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if saver.count() != 2 || len(g.Pending()) != 0 {
		t.Fatalf("count = %d, pending = %v", saver.count(), g.Pending())
	}
	if len(saved) != 2 || saved[0] != "page:1" {
		t.Fatalf("onSaved = %v", saved)
	}
}

func TestFlush_FailureStaysPending(t *testing.T) {
	var saver fakeSaver
	saver.fail.Store(1)
	var c content
	g := New(&saver, "b1", "me", c.snapshot, WithDebounce(time.Hour))
	defer g.Close()

	g.Schedule("page:1")
	if err := g.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if p := g.Pending(); len(p) != 1 {
		t.Fatalf("pending = %v", p)
	}
}

func TestClose_DropsPending(t *testing.T) {
	var saver fakeSaver
	var c content
	g := New(&saver, "b1", "me", c.snapshot, WithDebounce(10*time.Millisecond))
	g.Schedule("page:1")
	g.Close()
	g.Schedule("page:1")
	time.Sleep(40 * time.Millisecond)
	if saver.count() != 0 {
		t.Fatal("closed gateway wrote")
	}
}

func TestWritesToSQLite(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithSchema(boardstore.Schema))
	store := boardstore.NewSQLite(db)
	var c content
	c.n.Store(2)
	g := New(store, "b1", "me", c.snapshot, WithDebounce(time.Hour))
	defer g.Close()

	g.Schedule("page:1")
	if err := g.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	ps, err := store.LoadSnapshot(context.Background(), "b1", "page:1")
	if err != nil {
		t.Fatal(err)
	}
	if len(ps.Snapshot.Store) != 2 || ps.UpdatedBy != "me" {
		t.Fatalf("unexpected row: %+v", ps)
	}
}
