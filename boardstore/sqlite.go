package boardstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/boardsync/dbopen"
	"github.com/hazyhaar/boardsync/record"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// Schema creates the board tables.
const Schema = `
CREATE TABLE IF NOT EXISTS board_snapshots (
	board_id   TEXT NOT NULL,
	page_id    TEXT NOT NULL,
	snapshot   TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	updated_by TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (board_id, page_id)
);
CREATE INDEX IF NOT EXISTS idx_board_snapshots_updated ON board_snapshots(board_id, updated_at);

CREATE TABLE IF NOT EXISTS function_definitions (
	board_id    TEXT NOT NULL,
	page_id     TEXT NOT NULL,
	function_id TEXT NOT NULL,
	equation    TEXT NOT NULL,
	color       TEXT NOT NULL DEFAULT '',
	visible     INTEGER NOT NULL DEFAULT 1,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	deleted     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (board_id, page_id, function_id)
);
CREATE INDEX IF NOT EXISTS idx_function_definitions_updated ON function_definitions(board_id, updated_at);
`

// SQLite stores boards in an SQLite database.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// SQLiteOption configures a SQLite store.
type SQLiteOption func(*SQLite)

// WithClock overrides the clock used to stamp rows saved without a time.
func WithClock(now func() time.Time) SQLiteOption { return func(s *SQLite) { s.now = now } }

// Migrations are the numbered schema steps tracked in PRAGMA user_version.
// Append only.
var Migrations = []string{Schema}

// Open opens (or creates) the database at path and migrates it.
func Open(path string, opts ...SQLiteOption) (*SQLite, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithMigrations(Migrations...))
	if err != nil {
		return nil, fmt.Errorf("boardstore: %w", err)
	}
	return NewSQLite(db, opts...), nil
}

// NewSQLite wraps an open database. The caller applies Schema.
func NewSQLite(db *sql.DB, opts ...SQLiteOption) *SQLite {
	s := &SQLite{db: db, now: time.Now}
	for _, fn := range opts {
		fn(s)
	}
	return s
}

// Init migrates a database opened elsewhere.
func (s *SQLite) Init(ctx context.Context) error {
	if _, err := dbopen.Migrate(ctx, s.db, Migrations); err != nil {
		return fmt.Errorf("boardstore: init: %w", err)
	}
	return nil
}

// DB exposes the handle, for change detectors.
func (s *SQLite) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) SaveSnapshot(ctx context.Context, ps PageSnapshot) (int64, error) {
	if ps.BoardID == "" || ps.PageID == "" {
		return 0, errors.New("boardstore: save snapshot: missing board or page id")
	}
	raw, err := json.Marshal(sanitize(ps.Snapshot))
	if err != nil {
		return 0, fmt.Errorf("boardstore: marshal snapshot: %w", err)
	}
	at := ps.UpdatedAt
	if at <= 0 {
		at = s.now().UnixMilli()
	}

	var stored int64
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx, `
			INSERT INTO board_snapshots (board_id, page_id, snapshot, updated_at, updated_by)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(board_id, page_id) DO UPDATE SET
				snapshot   = excluded.snapshot,
				updated_by = excluded.updated_by,
				updated_at = MAX(board_snapshots.updated_at + 1, excluded.updated_at)
			RETURNING updated_at`,
			ps.BoardID, ps.PageID, string(raw), at, ps.UpdatedBy).Scan(&stored)
	})
	if err != nil {
		return 0, fmt.Errorf("boardstore: save snapshot %s/%s: %w", ps.BoardID, ps.PageID, err)
	}
	return stored, nil
}

func (s *SQLite) LoadSnapshot(ctx context.Context, boardID, pageID string) (PageSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT board_id, page_id, snapshot, updated_at, updated_by
		FROM board_snapshots WHERE board_id = ? AND page_id = ?`, boardID, pageID)
	ps, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PageSnapshot{}, ErrNotFound
	}
	if err != nil {
		return PageSnapshot{}, fmt.Errorf("boardstore: load snapshot %s/%s: %w", boardID, pageID, err)
	}
	return ps, nil
}

func (s *SQLite) ListSnapshots(ctx context.Context, boardID string, since int64) ([]PageSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT board_id, page_id, snapshot, updated_at, updated_by
		FROM board_snapshots WHERE board_id = ? AND updated_at > ?
		ORDER BY updated_at, page_id`, boardID, since)
	if err != nil {
		return nil, fmt.Errorf("boardstore: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []PageSnapshot
	for rows.Next() {
		ps, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("boardstore: scan snapshot: %w", err)
		}
		out = append(out, ps)
	}
	return out, rows.Err()
}

func (s *SQLite) ListPages(ctx context.Context, boardID string) ([]PageVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_id, updated_at, updated_by FROM board_snapshots
		WHERE board_id = ? ORDER BY page_id`, boardID)
	if err != nil {
		return nil, fmt.Errorf("boardstore: list pages: %w", err)
	}
	defer rows.Close()

	var out []PageVersion
	for rows.Next() {
		var v PageVersion
		if err := rows.Scan(&v.PageID, &v.UpdatedAt, &v.UpdatedBy); err != nil {
			return nil, fmt.Errorf("boardstore: scan page: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *SQLite) MaxUpdatedAt(ctx context.Context, boardID string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(
			(SELECT COALESCE(MAX(updated_at), 0) FROM board_snapshots WHERE board_id = ?),
			(SELECT COALESCE(MAX(updated_at), 0) FROM function_definitions WHERE board_id = ?)
		)`, boardID, boardID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("boardstore: max updated_at: %w", err)
	}
	return v, nil
}

func (s *SQLite) UpsertFunction(ctx context.Context, fn record.FunctionDefinition) error {
	if err := fn.Validate(); err != nil {
		return fmt.Errorf("boardstore: %w", err)
	}
	now := s.now().UnixMilli()
	if fn.UpdatedAt <= 0 {
		fn.UpdatedAt = now
	}
	if fn.CreatedAt <= 0 {
		fn.CreatedAt = fn.UpdatedAt
	}
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO function_definitions
			(board_id, page_id, function_id, equation, color, visible, created_at, updated_at, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(board_id, page_id, function_id) DO UPDATE SET
			equation   = excluded.equation,
			color      = excluded.color,
			visible    = excluded.visible,
			updated_at = excluded.updated_at,
			deleted    = 0
		WHERE excluded.updated_at >= function_definitions.updated_at`,
		fn.BoardID, fn.PageID, fn.FunctionID, fn.Equation, fn.Color, fn.Visible, fn.CreatedAt, fn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("boardstore: upsert function %s: %w", fn.FunctionID, err)
	}
	return nil
}

func (s *SQLite) DeleteFunction(ctx context.Context, boardID, pageID, functionID string, at int64) error {
	if at <= 0 {
		at = s.now().UnixMilli()
	}
	res, err := dbopen.Exec(ctx, s.db, `
		UPDATE function_definitions
		SET deleted = 1, updated_at = MAX(updated_at + 1, ?)
		WHERE board_id = ? AND page_id = ? AND function_id = ? AND deleted = 0`,
		at, boardID, pageID, functionID)
	if err != nil {
		return fmt.Errorf("boardstore: delete function %s: %w", functionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ListFunctions(ctx context.Context, boardID, pageID string) ([]record.FunctionDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT board_id, page_id, function_id, equation, color, visible, created_at, updated_at
		FROM function_definitions
		WHERE board_id = ? AND page_id = ? AND deleted = 0
		ORDER BY created_at, function_id`, boardID, pageID)
	if err != nil {
		return nil, fmt.Errorf("boardstore: list functions: %w", err)
	}
	defer rows.Close()

	var out []record.FunctionDefinition
	for rows.Next() {
		var f record.FunctionDefinition
		if err := rows.Scan(&f.BoardID, &f.PageID, &f.FunctionID, &f.Equation, &f.Color, &f.Visible, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("boardstore: scan function: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(sc scanner) (PageSnapshot, error) {
	var (
		ps  PageSnapshot
		raw string
	)
	if err := sc.Scan(&ps.BoardID, &ps.PageID, &raw, &ps.UpdatedAt, &ps.UpdatedBy); err != nil {
		return PageSnapshot{}, err
	}
	if err := json.Unmarshal([]byte(raw), &ps.Snapshot); err != nil {
		return PageSnapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return ps, nil
}
