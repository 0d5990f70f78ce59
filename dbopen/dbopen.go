// Package dbopen opens the SQLite databases of boardsync. Every handle gets
// WAL journaling, enforced foreign keys, a busy timeout and NORMAL sync, then
// its schema: either plain statements (WithSchema) or numbered migrations
// tracked in PRAGMA user_version (WithMigrations).
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("data/boards.db", dbopen.WithMkdirAll(), dbopen.WithMigrations(v1, v2))
package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// Memory is the path of a private in-memory database.
const Memory = ":memory:"

type config struct {
	mkdirAll   bool
	pragmas    []pragma
	schemas    []string
	migrations []string
}

type pragma struct{ name, value string }

func (p pragma) String() string { return "PRAGMA " + p.name + " = " + p.value }

func defaults() config {
	return config{
		pragmas: []pragma{
			{"foreign_keys", "ON"},
			{"journal_mode", "WAL"},
			{"busy_timeout", "10000"},
			{"synchronous", "NORMAL"},
		},
	}
}

// setPragma replaces name's value, or appends it.
func (c *config) setPragma(name, value string) {
	for i := range c.pragmas {
		if c.pragmas[i].name == name {
			c.pragmas[i].value = value
			return
		}
	}
	c.pragmas = append(c.pragmas, pragma{name, value})
}

// Option customises Open.
type Option func(*config)

// WithBusyTimeout sets the busy timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option {
	return func(c *config) { c.setPragma("busy_timeout", fmt.Sprint(ms)) }
}

// WithSynchronous sets the synchronous mode. Default: NORMAL.
func WithSynchronous(mode string) Option {
	return func(c *config) { c.setPragma("synchronous", mode) }
}

// WithPragma sets any other pragma, run in order after the defaults.
func WithPragma(name, value string) Option {
	return func(c *config) { c.setPragma(name, value) }
}

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithSchema queues idempotent SQL run on every open.
func WithSchema(s string) Option { return func(c *config) { c.schemas = append(c.schemas, s) } }

// WithMigrations queues numbered migrations; see Migrate.
func WithMigrations(ms ...string) Option {
	return func(c *config) { c.migrations = append(c.migrations, ms...) }
}

// Open opens the database at path, applies pragmas, schemas and migrations,
// and pings it.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != Memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	if path == Memory {
		// each connection to :memory: would be a separate database
		db.SetMaxOpenConns(1)
	}
	if err := setup(db, cfg); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func setup(db *sql.DB, cfg config) error {
	ctx := context.Background()
	for _, p := range cfg.pragmas {
		if _, err := db.ExecContext(ctx, p.String()); err != nil {
			return fmt.Errorf("dbopen: %s: %w", p, err)
		}
	}
	for _, s := range cfg.schemas {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("dbopen: exec schema: %w", err)
		}
	}
	if len(cfg.migrations) > 0 {
		if _, err := Migrate(ctx, db, cfg.migrations); err != nil {
			return err
		}
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("dbopen: ping: %w", err)
	}
	return nil
}

// UserVersion reads PRAGMA user_version, the number of migrations applied.
func UserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("dbopen: user_version: %w", err)
	}
	return v, nil
}

// Migrate applies migrations[v:] where v is the current user_version, each
// in its own transaction together with the version bump. It returns the new
// version. A database newer than the list is an error.
func Migrate(ctx context.Context, db *sql.DB, migrations []string) (int, error) {
	v, err := UserVersion(ctx, db)
	if err != nil {
		return 0, err
	}
	if v > len(migrations) {
		return v, fmt.Errorf("dbopen: database at version %d, only %d migrations known", v, len(migrations))
	}
	for ; v < len(migrations); v++ {
		err := RunTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
				return err
			}
			// PRAGMA takes no bind parameters.
			_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1))
			return err
		})
		if err != nil {
			return v, fmt.Errorf("dbopen: migration %d: %w", v+1, err)
		}
	}
	return v, nil
}

// OpenMemory opens an in-memory database for tests and closes it on cleanup.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(Memory, opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
