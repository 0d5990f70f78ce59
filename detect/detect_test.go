package detect

import (
	"math/rand"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/boardsync/record"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type flagGuard struct{ on atomic.Bool }

func (g *flagGuard) Absorbing() bool { return g.on.Load() }

func shape(id string, x int) record.Record {
	return record.Record{ID: id, TypeName: record.TypeShape, ParentID: "page:1", Props: map[string]any{"x": x}}
}

func TestDetect_AddModifyDelete(t *testing.T) {
	d := New()

	ch := d.Detect([]record.Record{shape("shape:a", 1), shape("shape:b", 1)})
	if len(ch.Added) != 2 || len(ch.Modified) != 0 || len(ch.Deleted) != 0 {
		t.Fatalf("first detect: %+v", ch)
	}

	ch = d.Detect([]record.Record{shape("shape:a", 2), shape("shape:c", 1)})
	if len(ch.Added) != 1 || ch.Added[0] != "shape:c" {
		t.Fatalf("added: %+v", ch)
	}
	if len(ch.Modified) != 1 || ch.Modified[0] != "shape:a" {
		t.Fatalf("modified: %+v", ch)
	}
	if len(ch.Deleted) != 1 || ch.Deleted[0] != "shape:b" {
		t.Fatalf("deleted: %+v", ch)
	}

	if ch := d.Detect([]record.Record{shape("shape:a", 2), shape("shape:c", 1)}); !ch.Empty() {
		t.Fatalf("no-op detect reported %+v", ch)
	}
}

func TestDetect_IgnoresEphemeral(t *testing.T) {
	d := New()
	ch := d.Detect([]record.Record{
		{ID: "camera:1", TypeName: record.TypeCamera},
		{ID: "instance:1", TypeName: record.TypeInstance},
	})
	if !ch.Empty() {
		t.Fatalf("ephemeral records reported: %+v", ch)
	}
	if d.Pending() {
		t.Fatal("pending set by ephemeral-only batch")
	}
}

// Every id of old ∪ new lands in exactly one set, or in none when unchanged.
func TestDetect_Partition(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	d := New()
	prev := map[string]int{}

	for round := 0; round < 200; round++ {
		cur := map[string]int{}
		for id, v := range prev {
			switch rng.Intn(4) {
			case 0: // delete
			case 1:
				cur[id] = v + 1
			default:
				cur[id] = v
			}
		}
		for i := 0; i < rng.Intn(4); i++ {
			cur["shape:"+string(rune('a'+rng.Intn(26)))+string(rune('a'+rng.Intn(26)))] = rng.Intn(5)
		}

		var rs []record.Record
		for id, v := range cur {
			rs = append(rs, shape(id, v))
		}
		ch := d.Detect(rs)

		seen := map[string]string{}
		for name, set := range map[string][]string{"added": ch.Added, "modified": ch.Modified, "deleted": ch.Deleted} {
			for _, id := range set {
				if other, dup := seen[id]; dup {
					t.Fatalf("round %d: %s in both %s and %s", round, id, other, name)
				}
				seen[id] = name
			}
		}

		union := map[string]bool{}
		for id := range prev {
			union[id] = true
		}
		for id := range cur {
			union[id] = true
		}
		for id := range union {
			pv, inPrev := prev[id]
			cv, inCur := cur[id]
			want := ""
			switch {
			case !inPrev:
				want = "added"
			case !inCur:
				want = "deleted"
			case pv != cv:
				want = "modified"
			}
			if seen[id] != want {
				t.Fatalf("round %d: %s classified %q, want %q", round, id, seen[id], want)
			}
		}
		prev = cur
	}
}

func TestHasRecentlyModified(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	g := &flagGuard{}
	d := New(WithClock(clk.now), WithGuard(g))

	d.MarkModified("shape:a")
	if !d.HasRecentlyModified([]string{"shape:a"}, 300*time.Millisecond) {
		t.Fatal("just-touched record should be recent")
	}
	if d.HasRecentlyModified([]string{"shape:b"}, 300*time.Millisecond) {
		t.Fatal("untouched record reported recent")
	}

	g.on.Store(true)
	if d.HasRecentlyModified([]string{"shape:a"}, 300*time.Millisecond) {
		t.Fatal("absorbing a remote update must not look like drawing")
	}
	g.on.Store(false)

	clk.advance(time.Second)
	if d.HasRecentlyModified([]string{"shape:a"}, 300*time.Millisecond) {
		t.Fatal("stamp should have aged out")
	}
	if d.Stats().Suppressed != 1 {
		t.Fatalf("suppressed = %d", d.Stats().Suppressed)
	}
}

func TestHasStrokeCompleted(t *testing.T) {
	clk := &fakeClock{t: time.Unix(1000, 0)}
	d := New(WithClock(clk.now))

	if d.HasStrokeCompleted(0) {
		t.Fatal("nothing pending yet")
	}
	d.Detect([]record.Record{shape("shape:a", 1)})
	if d.HasStrokeCompleted(200 * time.Millisecond) {
		t.Fatal("stroke not idle yet")
	}
	if d.Idle(200 * time.Millisecond) {
		t.Fatal("Idle right after a change")
	}
	clk.advance(250 * time.Millisecond)
	if !d.HasStrokeCompleted(200 * time.Millisecond) {
		t.Fatal("stroke should be complete")
	}
	if !d.Idle(200 * time.Millisecond) {
		t.Fatal("should be idle")
	}
	d.ClearPending()
	if d.HasStrokeCompleted(200 * time.Millisecond) {
		t.Fatal("cleared pending still completes")
	}
}

func TestResetAndBaseline(t *testing.T) {
	d := New()
	d.Detect([]record.Record{shape("shape:a", 1)})
	d.Reset()
	if d.Pending() || d.Stats().Tracked != 0 {
		t.Fatal("reset left state behind")
	}

	rs := []record.Record{shape("shape:a", 1), shape("shape:b", 1)}
	d.Baseline(rs)
	if ch := d.Detect(rs); !ch.Empty() {
		t.Fatalf("baselined records reported as changes: %+v", ch)
	}
	ch := d.Detect([]record.Record{shape("shape:a", 1)})
	got := append([]string(nil), ch.Deleted...)
	sort.Strings(got)
	if len(got) != 1 || got[0] != "shape:b" {
		t.Fatalf("deleted = %v", got)
	}
}
