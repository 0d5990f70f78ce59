package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hazyhaar/boardsync/record"
)

// MessageType discriminates wire messages.
type MessageType string

const (
	TypeDelta     MessageType = "delta"
	TypeFull      MessageType = "full"
	TypeSnapshot  MessageType = "snapshot" // accepted on input, normalised to TypeFull
	TypeFunctions MessageType = "functions"
	TypeReady     MessageType = "ready"
	TypeJoin      MessageType = "join" // first frame of a QUIC subscription
)

// Message is the JSON envelope of every frame. Which fields are set depends
// on Type.
type Message struct {
	Type      MessageType `json:"type"`
	BoardID   string      `json:"boardId,omitempty"`
	PageID    string      `json:"pageId,omitempty"`
	Timestamp int64       `json:"timestamp,omitempty"`
	Origin    string      `json:"origin,omitempty"`

	// delta
	Added    map[string]record.Record `json:"added,omitempty"`
	Modified map[string]record.Record `json:"modified,omitempty"`
	Deleted  []string                 `json:"deleted,omitempty"`

	// full
	Snapshot *record.Snapshot `json:"snapshot,omitempty"`

	// functions
	Functions []record.FunctionDefinition `json:"functions,omitempty"`

	// join and ready
	Channel string `json:"channel,omitempty"`
	Client  string `json:"client,omitempty"`
}

// ErrUnknownType is returned by Decode for a frame it cannot classify.
var ErrUnknownType = errors.New("transport: unknown message type")

// Decode parses a frame and normalises its type: "snapshot" becomes "full",
// and a frame of any other type that carries a snapshot is treated as full.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("transport: decode: %w", err)
	}
	switch m.Type {
	case TypeDelta, TypeFunctions, TypeReady, TypeJoin:
	case TypeFull, TypeSnapshot:
		m.Type = TypeFull
	default:
		if m.Snapshot == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownType, m.Type)
		}
		m.Type = TypeFull
	}
	if m.Type == TypeFull && m.Snapshot == nil {
		return nil, fmt.Errorf("transport: decode: full message without snapshot")
	}
	return &m, nil
}

// Encode marshals m.
func Encode(m *Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s: %w", m.Type, err)
	}
	return b, nil
}

// NewDelta wraps a delta update.
func NewDelta(d *record.DeltaUpdate) *Message {
	return &Message{
		Type:      TypeDelta,
		BoardID:   d.BoardID,
		PageID:    d.PageID,
		Timestamp: d.Timestamp,
		Origin:    d.Origin,
		Added:     d.Added,
		Modified:  d.Modified,
		Deleted:   d.Deleted,
	}
}

// NewFull wraps a page snapshot.
func NewFull(boardID, pageID, origin string, ts int64, snap record.Snapshot) *Message {
	return &Message{
		Type:      TypeFull,
		BoardID:   boardID,
		PageID:    pageID,
		Timestamp: ts,
		Origin:    origin,
		Snapshot:  &snap,
	}
}

// NewFunctions carries upserted and deleted function definitions of a page.
func NewFunctions(boardID, pageID, origin string, ts int64, fns []record.FunctionDefinition, deleted []string) *Message {
	return &Message{
		Type:      TypeFunctions,
		BoardID:   boardID,
		PageID:    pageID,
		Timestamp: ts,
		Origin:    origin,
		Functions: fns,
		Deleted:   deleted,
	}
}

// NewReady is sent by a relay once a subscription is live.
func NewReady(channel, client string) *Message {
	return &Message{Type: TypeReady, Channel: channel, Client: client}
}

// Delta extracts the delta update carried by a delta message.
func (m *Message) Delta() *record.DeltaUpdate {
	return &record.DeltaUpdate{
		BoardID:   m.BoardID,
		PageID:    m.PageID,
		Timestamp: m.Timestamp,
		Origin:    m.Origin,
		Added:     m.Added,
		Modified:  m.Modified,
		Deleted:   m.Deleted,
	}
}
