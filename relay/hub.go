// Package relay is the server end of both network transports. A Hub keeps
// rooms of peers and forwards every frame a peer publishes to the other
// peers of its room. It does not interpret payloads beyond rejecting frames
// that do not decode; ordering, echo suppression and merging are the
// clients' job.
//
// The same package serves the REST API of the backing store and an MCP
// surface over HTTP.
package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/boardsync/idgen"
	"github.com/hazyhaar/boardsync/kit"
	"github.com/hazyhaar/boardsync/transport"
)

// ErrBadJoin is returned by Join when the room or client is empty.
var ErrBadJoin = errors.New("relay: room and client are required")

// ErrClosed is returned by Join after Close.
var ErrClosed = errors.New("relay: hub closed")

// Peer is one live subscription to a room.
type Peer struct {
	ID        string
	Room      string
	Client    string
	Transport string
	Remote    string
	Joined    time.Time

	send chan []byte
	done chan struct{}
	once sync.Once
}

// Outbox yields the frames to write to the peer, starting with a ready frame.
func (p *Peer) Outbox() <-chan []byte { return p.send }

// Done is closed when the hub drops the peer or the peer leaves.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) kick() { p.once.Do(func() { close(p.done) }) }

type room struct {
	mu    sync.Mutex
	peers map[*Peer]struct{}
}

// Hub fans frames out to the peers of a room.
type Hub struct {
	opts options

	mu     sync.Mutex
	rooms  map[string]*room
	closed bool

	joins     atomic.Int64
	leaves    atomic.Int64
	frames    atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	malformed atomic.Int64
}

// Stats are point-in-time hub counters.
type Stats struct {
	Rooms     int   `json:"rooms"`
	Peers     int   `json:"peers"`
	Joins     int64 `json:"joins"`
	Leaves    int64 `json:"leaves"`
	Frames    int64 `json:"frames"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Malformed int64 `json:"malformed"`
}

// RoomInfo describes one room for the listing endpoints.
type RoomInfo struct {
	Name  string     `json:"name"`
	Peers []PeerInfo `json:"peers"`
}

// PeerInfo describes one peer of a room.
type PeerInfo struct {
	ID        string    `json:"id"`
	Client    string    `json:"client"`
	Transport string    `json:"transport"`
	Remote    string    `json:"remote,omitempty"`
	Joined    time.Time `json:"joined"`
}

// NewHub creates an empty hub.
func NewHub(opts ...Option) *Hub {
	return &Hub{opts: buildOptions(opts), rooms: make(map[string]*room)}
}

// Join subscribes client to roomName. The transport name and remote address
// are read from ctx (kit.GetTransport, kit.GetRemoteAddr). The first frame
// in the peer's outbox is a ready frame; by the time it is written the peer
// already receives the room's traffic.
func (h *Hub) Join(ctx context.Context, roomName, client string) (*Peer, error) {
	if roomName == "" || client == "" {
		return nil, ErrBadJoin
	}
	ready, err := transport.Encode(transport.NewReady(roomName, client))
	if err != nil {
		return nil, err
	}
	p := &Peer{
		ID:        idgen.Peer(),
		Room:      roomName,
		Client:    client,
		Transport: kit.GetTransport(ctx),
		Remote:    kit.GetRemoteAddr(ctx),
		Joined:    time.Now(),
		send:      make(chan []byte, h.opts.sendBuffer),
		done:      make(chan struct{}),
	}
	p.send <- ready

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	r := h.rooms[roomName]
	if r == nil {
		r = &room{peers: make(map[*Peer]struct{})}
		h.rooms[roomName] = r
	}
	r.mu.Lock()
	r.peers[p] = struct{}{}
	n := len(r.peers)
	r.mu.Unlock()
	h.mu.Unlock()

	h.joins.Add(1)
	h.opts.logger.Info("relay: peer joined",
		"room", roomName, "client", client, "peer", p.ID,
		"transport", p.Transport, "remote", p.Remote, "peers", n)
	return p, nil
}

// Leave removes p from its room and releases it. Safe to call twice.
func (h *Hub) Leave(p *Peer) {
	p.kick()
	h.mu.Lock()
	r := h.rooms[p.Room]
	if r == nil {
		h.mu.Unlock()
		return
	}
	r.mu.Lock()
	_, present := r.peers[p]
	delete(r.peers, p)
	empty := len(r.peers) == 0
	r.mu.Unlock()
	if empty {
		delete(h.rooms, p.Room)
	}
	h.mu.Unlock()

	if present {
		h.leaves.Add(1)
		h.opts.logger.Info("relay: peer left", "room", p.Room, "client", p.Client, "peer", p.ID)
	}
}

// Publish forwards raw to every peer of from's room except from and returns
// how many peers it was queued for. Frames that do not decode, and join or
// ready frames sent by clients, are dropped. A peer whose outbox is full is
// disconnected rather than allowed to stall the room.
func (h *Hub) Publish(from *Peer, raw []byte) int {
	msg, err := transport.Decode(raw)
	if err != nil {
		h.malformed.Add(1)
		h.opts.logger.Debug("relay: malformed frame dropped", "room", from.Room, "client", from.Client, "error", err)
		return 0
	}
	if msg.Type == transport.TypeJoin || msg.Type == transport.TypeReady {
		return 0
	}
	h.frames.Add(1)

	h.mu.Lock()
	r := h.rooms[from.Room]
	h.mu.Unlock()
	if r == nil {
		return 0
	}

	sent := 0
	r.mu.Lock()
	for p := range r.peers {
		if p == from {
			continue
		}
		select {
		case p.send <- raw:
			sent++
		default:
			delete(r.peers, p)
			p.kick()
			h.dropped.Add(1)
			h.opts.logger.Warn("relay: slow peer dropped", "room", p.Room, "client", p.Client, "peer", p.ID)
		}
	}
	r.mu.Unlock()
	h.delivered.Add(int64(sent))
	return sent
}

// Rooms lists live rooms sorted by name, peers sorted by join time.
func (h *Hub) Rooms() []RoomInfo {
	h.mu.Lock()
	names := make([]string, 0, len(h.rooms))
	rooms := make(map[string]*room, len(h.rooms))
	for name, r := range h.rooms {
		names = append(names, name)
		rooms[name] = r
	}
	h.mu.Unlock()
	sort.Strings(names)

	out := make([]RoomInfo, 0, len(names))
	for _, name := range names {
		r := rooms[name]
		info := RoomInfo{Name: name, Peers: []PeerInfo{}}
		r.mu.Lock()
		for p := range r.peers {
			info.Peers = append(info.Peers, PeerInfo{
				ID:        p.ID,
				Client:    p.Client,
				Transport: p.Transport,
				Remote:    p.Remote,
				Joined:    p.Joined,
			})
		}
		r.mu.Unlock()
		sort.Slice(info.Peers, func(i, j int) bool {
			if info.Peers[i].Joined.Equal(info.Peers[j].Joined) {
				return info.Peers[i].ID < info.Peers[j].ID
			}
			return info.Peers[i].Joined.Before(info.Peers[j].Joined)
		})
		out = append(out, info)
	}
	return out
}

// Peers returns the number of peers in roomName.
func (h *Hub) Peers(roomName string) int {
	h.mu.Lock()
	r := h.rooms[roomName]
	h.mu.Unlock()
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Stats returns the current counters.
func (h *Hub) Stats() Stats {
	s := Stats{
		Joins:     h.joins.Load(),
		Leaves:    h.leaves.Load(),
		Frames:    h.frames.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
		Malformed: h.malformed.Load(),
	}
	h.mu.Lock()
	s.Rooms = len(h.rooms)
	for _, r := range h.rooms {
		r.mu.Lock()
		s.Peers += len(r.peers)
		r.mu.Unlock()
	}
	h.mu.Unlock()
	return s
}

// Close disconnects every peer and refuses new joins.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	for _, r := range h.rooms {
		r.mu.Lock()
		for p := range r.peers {
			p.kick()
		}
		r.mu.Unlock()
	}
	h.mu.Unlock()
}
