package record

import (
	"encoding/json"
	"testing"
)

func shape(id, parent string) Record {
	return Record{ID: id, TypeName: TypeShape, ParentID: parent, Props: map[string]any{"x": 1, "y": 2}}
}

func TestClassifier(t *testing.T) {
	cases := []struct {
		typ       Type
		ephemeral bool
	}{
		{TypeShape, false},
		{TypeAsset, false},
		{TypeBinding, false},
		{TypePage, false},
		{TypeDocument, false},
		{TypeInstance, true},
		{TypeInstancePageState, true},
		{TypePresence, true},
		{TypeCamera, true},
		{Type("pointer_trail"), false}, // unknown types sync
	}
	for _, c := range cases {
		r := Record{ID: "x", TypeName: c.typ}
		if got := IsEphemeral(r); got != c.ephemeral {
			t.Errorf("IsEphemeral(%s) = %v, want %v", c.typ, got, c.ephemeral)
		}
		if got := IsContent(r); got == c.ephemeral {
			t.Errorf("IsContent(%s) = %v, want %v", c.typ, got, !c.ephemeral)
		}
	}
}

func TestFilterEphemeral(t *testing.T) {
	in := []Record{
		shape("shape:a", "page:1"),
		{ID: "camera:1", TypeName: TypeCamera},
		{ID: "presence:u", TypeName: TypePresence},
		{ID: "document:document", TypeName: TypeDocument},
	}
	out := FilterEphemeral(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 content records, got %d", len(out))
	}
	if out[0].ID != "shape:a" || out[1].ID != "document:document" {
		t.Fatalf("order not preserved: %+v", out)
	}
	if len(in) != 4 {
		t.Fatal("input modified")
	}

	m := FilterEphemeralMap(map[string]Record{
		"shape:a":  shape("", "page:1"),
		"camera:1": {ID: "camera:1", TypeName: TypeCamera},
	})
	if len(m) != 1 {
		t.Fatalf("expected 1, got %d", len(m))
	}
	if m["shape:a"].ID != "shape:a" {
		t.Fatalf("expected id filled from key, got %+v", m["shape:a"])
	}
}

func TestOwner(t *testing.T) {
	group := Record{ID: "shape:group", TypeName: TypeShape, ParentID: "page:1"}
	child := Record{ID: "shape:child", TypeName: TypeShape, ParentID: "shape:group"}
	direct := Record{ID: "binding:b", TypeName: TypeBinding, PageID: "page:2"}
	orphan := Record{ID: "shape:orphan", TypeName: TypeShape, ParentID: "shape:missing"}
	doc := Record{ID: "document:document", TypeName: TypeDocument}
	page := Record{ID: "page:1", TypeName: TypePage}
	lookup := IndexByID([]Record{group, child, direct, orphan, doc, page})

	cases := []struct {
		r      Record
		page   string
		global bool
	}{
		{group, "page:1", false},
		{child, "page:1", false},
		{direct, "page:2", false},
		{orphan, "", true},
		{doc, "", true},
		{page, "", true},
	}
	for _, c := range cases {
		p, g := Owner(c.r, lookup)
		if p != c.page || g != c.global {
			t.Errorf("Owner(%s) = (%q, %v), want (%q, %v)", c.r.ID, p, g, c.page, c.global)
		}
	}
}

func TestOwner_CycleTerminates(t *testing.T) {
	a := Record{ID: "shape:a", TypeName: TypeShape, ParentID: "shape:b"}
	b := Record{ID: "shape:b", TypeName: TypeShape, ParentID: "shape:a"}
	_, global := Owner(a, IndexByID([]Record{a, b}))
	if !global {
		t.Fatal("cyclic chain should resolve to global")
	}
}

func TestForPage(t *testing.T) {
	rs := []Record{
		shape("shape:on1", "page:1"),
		shape("shape:on2", "page:2"),
		{ID: "document:document", TypeName: TypeDocument},
		{ID: "instance_page_state:page:1", TypeName: TypeInstancePageState, PageID: "page:1"},
	}
	got := ForPage(rs, "page:1")
	ids := map[string]bool{}
	for _, r := range got {
		ids[r.ID] = true
	}
	if !ids["shape:on1"] || !ids["document:document"] || len(ids) != 2 {
		t.Fatalf("unexpected page scope: %v", ids)
	}
}

func TestCanonical_KeyOrderAndNumberForm(t *testing.T) {
	var a, b Record
	if err := json.Unmarshal([]byte(`{"id":"shape:a","typeName":"shape","props":{"x":1.0,"y":2,"meta":{"b":1,"a":2}}}`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"props":{"meta":{"a":2,"b":1},"y":2.0,"x":1},"typeName":"shape","id":"shape:a"}`), &b); err != nil {
		t.Fatal(err)
	}
	if !Equal(a, b) {
		t.Fatal("records differing only in key order and number spelling must be equal")
	}
	ha, _ := Hash(a)
	hb, _ := Hash(b)
	if ha != hb {
		t.Fatalf("hash mismatch: %s vs %s", ha, hb)
	}

	// Go-built props with ints compare equal to their JSON form.
	c := Record{ID: "shape:a", TypeName: TypeShape, Props: map[string]any{"x": 1, "y": 2, "meta": map[string]any{"a": 2, "b": 1}}}
	if !Equal(a, c) {
		t.Fatal("int props should equal float props after normalisation")
	}

	c.Props["x"] = 3
	if Equal(a, c) {
		t.Fatal("different props must not be equal")
	}
}

func TestClone_Independent(t *testing.T) {
	r := Record{ID: "shape:a", TypeName: TypeShape, Props: map[string]any{"style": map[string]any{"color": "red"}, "pts": []any{1.0, 2.0}}}
	c := r.Clone()
	c.Props["style"].(map[string]any)["color"] = "blue"
	c.Props["pts"].([]any)[0] = 9.0
	if r.Props["style"].(map[string]any)["color"] != "red" {
		t.Fatal("clone shares nested map")
	}
	if r.Props["pts"].([]any)[0] != 1.0 {
		t.Fatal("clone shares nested slice")
	}
}

func TestRecordJSON_KeepsUnknownFields(t *testing.T) {
	in := `{"id":"shape:1","typeName":"shape","parentId":"page:1","x":10,"y":20,"rotation":0.5,"props":{"w":3}}`
	var r Record
	if err := json.Unmarshal([]byte(in), &r); err != nil {
		t.Fatal(err)
	}
	if r.ParentID != "page:1" || r.Props["w"] != 3.0 {
		t.Fatalf("known fields: %+v", r)
	}
	if r.Extra["x"] != 10.0 || r.Extra["y"] != 20.0 || r.Extra["rotation"] != 0.5 {
		t.Fatalf("extra = %v", r.Extra)
	}
	if _, ok := r.Extra["id"]; ok {
		t.Fatal("known field leaked into Extra")
	}

	out, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var back map[string]any
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatal(err)
	}
	for k, want := range map[string]any{"id": "shape:1", "parentId": "page:1", "x": 10.0, "y": 20.0, "rotation": 0.5} {
		if back[k] != want {
			t.Fatalf("%s = %v after round trip, want %v", k, back[k], want)
		}
	}
	if _, ok := back["pageId"]; ok {
		t.Fatal("empty pageId written")
	}

	moved := r.Clone()
	moved.Extra["x"] = 11.0
	if r.Extra["x"] != 10.0 {
		t.Fatal("clone shares Extra")
	}
	if Equal(r, moved) {
		t.Fatal("records differing in x must not be equal")
	}
	ca, _ := Canonical(r)
	cb, _ := Canonical(moved)
	if string(ca) == string(cb) {
		t.Fatal("canonical bytes ignore top-level fields")
	}
}

func TestRecordJSON_ExtraCannotShadowKnownFields(t *testing.T) {
	r := Record{ID: "shape:1", TypeName: TypeShape, Extra: map[string]any{"id": "shape:evil", "x": 1}}
	out, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var back Record
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatal(err)
	}
	if back.ID != "shape:1" || back.Extra["x"] != 1.0 {
		t.Fatalf("got %+v", back)
	}
}

func TestNewSnapshot_DropsEphemeral(t *testing.T) {
	s := NewSnapshot([]Record{
		shape("shape:b", "page:1"),
		shape("shape:a", "page:1"),
		{ID: "camera:1", TypeName: TypeCamera},
		{ID: "instance:1", TypeName: TypeInstance},
	}, CurrentSchema)
	if len(s.Store) != 2 {
		t.Fatalf("expected 2 records, got %d", len(s.Store))
	}
	recs := s.Records()
	if recs[0].ID != "shape:a" || recs[1].ID != "shape:b" {
		t.Fatalf("Records not sorted: %+v", recs)
	}
	if s.Schema.SchemaVersion != CurrentSchema.SchemaVersion {
		t.Fatal("schema not carried")
	}
}

func TestDeltaLen(t *testing.T) {
	var nilDelta *DeltaUpdate
	if !nilDelta.Empty() {
		t.Fatal("nil delta should be empty")
	}
	d := &DeltaUpdate{
		Added:    map[string]Record{"a": {}},
		Modified: map[string]Record{"b": {}},
		Deleted:  []string{"c", "d"},
	}
	if d.Len() != 4 || d.Empty() {
		t.Fatalf("Len = %d", d.Len())
	}
}

func TestFunctionDefinitionValidate(t *testing.T) {
	f := FunctionDefinition{BoardID: "b", PageID: "page:1", FunctionID: "fn_1", Equation: "y=x^2"}
	if err := f.Validate(); err != nil {
		t.Fatal(err)
	}
	f.PageID = ""
	if err := f.Validate(); err == nil {
		t.Fatal("expected error for missing page id")
	}
}
