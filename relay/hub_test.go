package relay

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/boardsync/kit"
	"github.com/hazyhaar/boardsync/record"
	"github.com/hazyhaar/boardsync/transport"
)

func join(t *testing.T, h *Hub, roomName, client string) *Peer {
	t.Helper()
	ctx := kit.WithTransport(context.Background(), "test")
	p, err := h.Join(ctx, roomName, client)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Leave(p) })
	return p
}

func next(t *testing.T, p *Peer) *transport.Message {
	t.Helper()
	select {
	case raw := <-p.Outbox():
		msg, err := transport.Decode(raw)
		if err != nil {
			t.Fatal(err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatalf("%s: no frame", p.Client)
		return nil
	}
}

func expectNone(t *testing.T, p *Peer) {
	t.Helper()
	select {
	case raw := <-p.Outbox():
		t.Fatalf("%s: unexpected frame %s", p.Client, raw)
	case <-time.After(20 * time.Millisecond):
	}
}

func deltaFrame(t *testing.T, origin, id string) []byte {
	t.Helper()
	raw, err := transport.Encode(transport.NewDelta(&record.DeltaUpdate{
		BoardID:   "b1",
		PageID:    "page:1",
		Timestamp: 1,
		Origin:    origin,
		Added: map[string]record.Record{
			id: {ID: id, TypeName: record.TypeShape, ParentID: "page:1"},
		},
	}))
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestHub_ReadyThenFanOut(t *testing.T) {
	h := NewHub()
	a := join(t, h, "b1", "a")
	b := join(t, h, "b1", "b")
	other := join(t, h, "b2", "c")

	for _, p := range []*Peer{a, b, other} {
		msg := next(t, p)
		if msg.Type != transport.TypeReady || msg.Client != p.Client || msg.Channel != p.Room {
			t.Fatalf("%s: first frame %+v", p.Client, msg)
		}
	}

	if n := h.Publish(a, deltaFrame(t, "a", "shape:s1")); n != 1 {
		t.Fatalf("queued for %d peers, want 1", n)
	}
	msg := next(t, b)
	if msg.Type != transport.TypeDelta || msg.Origin != "a" {
		t.Fatalf("b got %+v", msg)
	}
	if _, ok := msg.Added["shape:s1"]; !ok {
		t.Fatalf("b got %+v", msg.Added)
	}
	expectNone(t, a)
	expectNone(t, other)

	if a.Transport != "test" {
		t.Fatalf("transport: got %q", a.Transport)
	}
}

func TestHub_DropsMalformedAndControlFrames(t *testing.T) {
	h := NewHub()
	a := join(t, h, "b1", "a")
	b := join(t, h, "b1", "b")
	next(t, a)
	next(t, b)

	ready, _ := transport.Encode(transport.NewReady("b1", "a"))
	for _, raw := range [][]byte{[]byte("{not json"), []byte(`{"type":"bogus"}`), ready} {
		if n := h.Publish(a, raw); n != 0 {
			t.Fatalf("%s forwarded to %d peers", raw, n)
		}
	}
	expectNone(t, b)

	st := h.Stats()
	if st.Malformed != 2 || st.Frames != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestHub_SlowPeerDropped(t *testing.T) {
	h := NewHub(WithSendBuffer(2))
	a := join(t, h, "b1", "a")
	b := join(t, h, "b1", "b") // outbox holds the ready frame

	h.Publish(a, deltaFrame(t, "a", "shape:1"))
	h.Publish(a, deltaFrame(t, "a", "shape:2"))

	select {
	case <-b.Done():
	case <-time.After(time.Second):
		t.Fatal("slow peer was not dropped")
	}
	if n := h.Peers("b1"); n != 1 {
		t.Fatalf("peers = %d, want 1", n)
	}
	if st := h.Stats(); st.Dropped != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestHub_RoomsAndLeave(t *testing.T) {
	h := NewHub()
	a := join(t, h, "b1", "a")
	join(t, h, "b1", "b")
	join(t, h, "a0", "c")

	rooms := h.Rooms()
	if len(rooms) != 2 || rooms[0].Name != "a0" || rooms[1].Name != "b1" {
		t.Fatalf("rooms = %+v", rooms)
	}
	if len(rooms[1].Peers) != 2 || rooms[1].Peers[0].Client != "a" {
		t.Fatalf("b1 peers = %+v", rooms[1].Peers)
	}

	h.Leave(a)
	h.Leave(a)
	select {
	case <-a.Done():
	default:
		t.Fatal("leave did not release the peer")
	}
	if st := h.Stats(); st.Leaves != 1 || st.Peers != 2 || st.Rooms != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestHub_JoinValidationAndClose(t *testing.T) {
	h := NewHub()
	if _, err := h.Join(context.Background(), "", "a"); err != ErrBadJoin {
		t.Fatalf("empty room: %v", err)
	}
	if _, err := h.Join(context.Background(), "b1", ""); err != ErrBadJoin {
		t.Fatalf("empty client: %v", err)
	}

	p := join(t, h, "b1", "a")
	h.Close()
	select {
	case <-p.Done():
	default:
		t.Fatal("close did not release peers")
	}
	if _, err := h.Join(context.Background(), "b1", "b"); err != ErrClosed {
		t.Fatalf("join after close: %v", err)
	}
}
