package delta

import (
	"testing"
	"time"

	"github.com/hazyhaar/boardsync/record"
)

func shape(id, page string, x int) record.Record {
	return record.Record{ID: id, TypeName: record.TypeShape, ParentID: page, Props: map[string]any{"x": x}}
}

func fixedClock() time.Time { return time.UnixMilli(1700000000000) }

func newComputer() *Computer {
	return New("board-1", WithOrigin("client-a"), WithClock(fixedClock))
}

func TestCompute_AddedThenNil(t *testing.T) {
	c := newComputer()
	rs := []record.Record{shape("shape:s1", "page:1", 1)}

	d := c.Next(rs, "page:1")
	if d == nil {
		t.Fatal("expected a delta")
	}
	if _, ok := d.Added["shape:s1"]; !ok || d.Len() != 1 {
		t.Fatalf("unexpected delta: %+v", d)
	}
	if d.BoardID != "board-1" || d.PageID != "page:1" || d.Origin != "client-a" || d.Timestamp != 1700000000000 {
		t.Fatalf("envelope not stamped: %+v", d)
	}
	if d := c.Next(rs, "page:1"); d != nil {
		t.Fatalf("nothing changed, got %+v", d)
	}
}

func TestCompute_DoesNotAdvanceWithoutCommit(t *testing.T) {
	c := newComputer()
	rs := []record.Record{shape("shape:s1", "page:1", 1)}
	if d := c.Compute(rs, "page:1"); d == nil {
		t.Fatal("expected a delta")
	}
	d := c.Compute(rs, "page:1")
	if d == nil || len(d.Added) != 1 {
		t.Fatalf("uncommitted change must be offered again, got %+v", d)
	}
	c.Commit(d)
	if d := c.Compute(rs, "page:1"); d != nil {
		t.Fatalf("committed change offered again: %+v", d)
	}
}

func TestCompute_ModifiedAndDeleted(t *testing.T) {
	c := newComputer()
	c.Next([]record.Record{shape("shape:a", "page:1", 1), shape("shape:b", "page:1", 1)}, "page:1")

	d := c.Next([]record.Record{shape("shape:a", "page:1", 2)}, "page:1")
	if d == nil {
		t.Fatal("expected a delta")
	}
	if _, ok := d.Modified["shape:a"]; !ok {
		t.Fatalf("expected shape:a modified: %+v", d)
	}
	if len(d.Deleted) != 1 || d.Deleted[0] != "shape:b" {
		t.Fatalf("expected shape:b deleted: %+v", d)
	}
}

func TestCompute_ScopeAndGlobal(t *testing.T) {
	c := newComputer()
	rs := []record.Record{
		{ID: "document:document", TypeName: record.TypeDocument},
		{ID: "page:1", TypeName: record.TypePage},
		{ID: "page:2", TypeName: record.TypePage},
		shape("shape:on1", "page:1", 1),
		shape("shape:on2", "page:2", 1),
		{ID: "shape:child", TypeName: record.TypeShape, ParentID: "shape:on1"},
		{ID: "camera:me", TypeName: record.TypeCamera},
		{ID: "presence:me", TypeName: record.TypePresence},
	}
	d := c.Compute(rs, "page:1")
	for _, want := range []string{"document:document", "page:1", "page:2", "shape:on1", "shape:child"} {
		if _, ok := d.Added[want]; !ok {
			t.Errorf("missing %s", want)
		}
	}
	for _, unwanted := range []string{"shape:on2", "camera:me", "presence:me"} {
		if _, ok := d.Added[unwanted]; ok {
			t.Errorf("%s should not be in a page:1 delta", unwanted)
		}
	}
}

func TestCompute_OtherPageDeletionNotReported(t *testing.T) {
	c := newComputer()
	c.Next([]record.Record{shape("shape:on2", "page:2", 1)}, "page:2")
	if d := c.Compute(nil, "page:1"); d != nil {
		t.Fatalf("page:2 deletion leaked into page:1 delta: %+v", d)
	}
	d := c.Compute(nil, "page:2")
	if d == nil || len(d.Deleted) != 1 {
		t.Fatalf("expected deletion on page:2: %+v", d)
	}
}

func TestCompute_MovedRecordIsNotDeleted(t *testing.T) {
	c := newComputer()
	c.Next([]record.Record{shape("shape:a", "page:1", 1)}, "page:1")
	moved := []record.Record{shape("shape:a", "page:2", 1)}
	if d := c.Compute(moved, "page:1"); d != nil {
		t.Fatalf("moved record reported on its old page: %+v", d)
	}
	d := c.Compute(moved, "page:2")
	if d == nil || len(d.Modified) != 1 {
		t.Fatalf("expected modification on new page: %+v", d)
	}
}

func TestAbsorb_NoEcho(t *testing.T) {
	c := newComputer()
	remote := []record.Record{shape("shape:s1", "page:1", 1)}
	c.Absorb(remote, nil)
	if d := c.Compute(remote, "page:1"); d != nil {
		t.Fatalf("absorbed record would be re-broadcast: %+v", d)
	}

	// A local edit right after the merge produces a minimal diff.
	local := append(remote, shape("shape:mine", "page:1", 1))
	d := c.Compute(local, "page:1")
	if d == nil || d.Len() != 1 {
		t.Fatalf("expected only shape:mine, got %+v", d)
	}

	c.Absorb(nil, []string{"shape:s1"})
	if d := c.Compute([]record.Record{shape("shape:mine", "page:1", 1)}, "page:1"); d == nil || len(d.Deleted) != 0 {
		t.Fatalf("absorbed removal re-broadcast: %+v", d)
	}
}

func TestCommitSnapshot(t *testing.T) {
	c := newComputer()
	c.Next([]record.Record{
		{ID: "page:1", TypeName: record.TypePage},
		shape("shape:stale", "page:1", 1),
	}, "page:1")

	cur := []record.Record{
		{ID: "page:1", TypeName: record.TypePage},
		shape("shape:a", "page:1", 1),
	}
	snap := record.NewSnapshot(record.ForPage(cur, "page:1"), record.CurrentSchema)
	c.CommitSnapshot("page:1", snap)
	if d := c.Compute(cur, "page:1"); d != nil {
		t.Fatalf("snapshot content offered again: %+v", d)
	}
}

func TestReset(t *testing.T) {
	c := newComputer()
	rs := []record.Record{shape("shape:a", "page:1", 1)}
	c.Next(rs, "page:1")
	c.Reset()
	if d := c.Compute(rs, "page:1"); d == nil || len(d.Added) != 1 {
		t.Fatalf("after reset everything is new: %+v", d)
	}
	if c.Stats().Computes != 2 {
		t.Fatalf("computes = %d", c.Stats().Computes)
	}
}
