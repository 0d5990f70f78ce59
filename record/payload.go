package record

import (
	"errors"
	"sort"
)

// Schema is the serialized schema/version tag carried with every snapshot.
type Schema struct {
	SchemaVersion int            `json:"schemaVersion"`
	Sequences     map[string]int `json:"sequences,omitempty"`
}

// CurrentSchema is stamped on snapshots built by this process.
var CurrentSchema = Schema{
	SchemaVersion: 2,
	Sequences: map[string]int{
		"com.board.document": 2,
		"com.board.page":     1,
		"com.board.shape":    4,
		"com.board.asset":    1,
		"com.board.binding":  1,
	},
}

// Snapshot is a complete content-record set for one page. It is both the
// "full" wire payload and the at-rest format.
type Snapshot struct {
	Store  map[string]Record `json:"store"`
	Schema Schema            `json:"schema"`
}

// NewSnapshot builds a snapshot from rs. Ephemeral records are dropped.
func NewSnapshot(rs []Record, schema Schema) Snapshot {
	s := Snapshot{Store: make(map[string]Record, len(rs)), Schema: schema}
	for _, r := range rs {
		if IsEphemeral(r) {
			continue
		}
		s.Store[r.ID] = r
	}
	return s
}

// Records returns the snapshot content sorted by id.
func (s Snapshot) Records() []Record {
	out := make([]Record, 0, len(s.Store))
	for id, r := range s.Store {
		if r.ID == "" {
			r.ID = id
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeltaUpdate is the diff between a page's current content and the last
// content this client broadcast.
type DeltaUpdate struct {
	BoardID   string            `json:"boardId"`
	PageID    string            `json:"pageId"`
	Timestamp int64             `json:"timestamp"` // unix ms
	Origin    string            `json:"origin,omitempty"`
	Added     map[string]Record `json:"added"`
	Modified  map[string]Record `json:"modified"`
	Deleted   []string          `json:"deleted"`
}

// Len is the number of record-level changes carried.
func (d *DeltaUpdate) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Added) + len(d.Modified) + len(d.Deleted)
}

// Empty reports whether the delta carries no change.
func (d *DeltaUpdate) Empty() bool { return d.Len() == 0 }

// FunctionDefinition is a symbolic expression plotted on a page. It is synced
// on its own channel and persisted in its own table.
type FunctionDefinition struct {
	BoardID    string `json:"boardId"`
	PageID     string `json:"pageId"`
	FunctionID string `json:"functionId"`
	Equation   string `json:"equation"`
	Color      string `json:"color"`
	Visible    bool   `json:"visible"`
	CreatedAt  int64  `json:"createdAt"` // unix ms
	UpdatedAt  int64  `json:"updatedAt"` // unix ms
}

// Validate checks that the definition carries its full key.
func (f FunctionDefinition) Validate() error {
	switch {
	case f.BoardID == "":
		return errors.New("function definition: missing board id")
	case f.PageID == "":
		return errors.New("function definition: missing page id")
	case f.FunctionID == "":
		return errors.New("function definition: missing function id")
	}
	return nil
}
