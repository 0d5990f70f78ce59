// Package boardstore is the durable backing store of boards: one snapshot
// row per (board, page) and a function-definition table keyed by
// (board, page, function).
//
// Two implementations exist: SQLite, used by the relay, and Client, which
// talks to a relay's REST API. Both satisfy Store, so a sync session does
// not know whether it persists locally or remotely.
package boardstore

import (
	"context"
	"errors"

	"github.com/hazyhaar/boardsync/record"
)

// ErrNotFound is returned when a snapshot or function does not exist.
var ErrNotFound = errors.New("boardstore: not found")

// PageSnapshot is the durable row of one page.
type PageSnapshot struct {
	BoardID   string          `json:"board_id"`
	PageID    string          `json:"page_id"`
	Snapshot  record.Snapshot `json:"snapshot"`
	UpdatedAt int64           `json:"updated_at"` // unix ms, strictly increasing per page
	UpdatedBy string          `json:"updated_by,omitempty"`
}

// PageVersion is the header of a PageSnapshot, without the content.
type PageVersion struct {
	PageID    string `json:"page_id"`
	UpdatedAt int64  `json:"updated_at"`
	UpdatedBy string `json:"updated_by,omitempty"`
}

// Store is the backing store contract.
type Store interface {
	// SaveSnapshot writes the page row and returns the stored updated_at,
	// which is max(previous+1, ps.UpdatedAt). Ephemeral records are
	// dropped before writing.
	SaveSnapshot(ctx context.Context, ps PageSnapshot) (int64, error)
	LoadSnapshot(ctx context.Context, boardID, pageID string) (PageSnapshot, error)
	// ListSnapshots returns the rows updated after since, oldest first.
	ListSnapshots(ctx context.Context, boardID string, since int64) ([]PageSnapshot, error)
	// ListPages returns the version header of every page of the board.
	ListPages(ctx context.Context, boardID string) ([]PageVersion, error)
	// MaxUpdatedAt is the newest updated_at across snapshots and function
	// definitions of the board, 0 when empty.
	MaxUpdatedAt(ctx context.Context, boardID string) (int64, error)

	// UpsertFunction inserts or updates a definition. An older write never
	// replaces a newer one.
	UpsertFunction(ctx context.Context, fn record.FunctionDefinition) error
	// DeleteFunction tombstones a definition at time at.
	DeleteFunction(ctx context.Context, boardID, pageID, functionID string, at int64) error
	ListFunctions(ctx context.Context, boardID, pageID string) ([]record.FunctionDefinition, error)
}

// sanitize drops ephemeral records from a snapshot before it is stored.
func sanitize(s record.Snapshot) record.Snapshot {
	return record.NewSnapshot(s.Records(), s.Schema)
}
