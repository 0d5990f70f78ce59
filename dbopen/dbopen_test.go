package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/boardsync/dbopen"
)

func pragmaInt(t *testing.T, db *sql.DB, name string) int {
	t.Helper()
	var v int
	if err := db.QueryRow("PRAGMA " + name).Scan(&v); err != nil {
		t.Fatalf("PRAGMA %s: %v", name, err)
	}
	return v
}

func TestOpen_Pragmas(t *testing.T) {
	cases := []struct {
		name string
		opts []dbopen.Option
		want map[string]int
	}{
		{"defaults", nil, map[string]int{"foreign_keys": 1, "busy_timeout": 10_000, "synchronous": 1}},
		{"busy timeout", []dbopen.Option{dbopen.WithBusyTimeout(2500)}, map[string]int{"busy_timeout": 2500}},
		{"synchronous full", []dbopen.Option{dbopen.WithSynchronous("FULL")}, map[string]int{"synchronous": 2}},
		{"extra pragma", []dbopen.Option{dbopen.WithPragma("cache_size", "-4000")}, map[string]int{"cache_size": -4000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db := dbopen.OpenMemory(t, tc.opts...)
			for name, want := range tc.want {
				if got := pragmaInt(t, db, name); got != want {
					t.Fatalf("%s = %d, want %d", name, got, want)
				}
			}
		})
	}
}

func TestOpen_FileIsWAL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay", "boards.db")
	db, err := dbopen.Open(path, dbopen.WithMkdirAll())
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		t.Fatalf("directory not created: %v", err)
	}
	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Fatalf("journal_mode = %q, want wal", mode)
	}
}

func TestOpen_BadSchemaFails(t *testing.T) {
	_, err := dbopen.Open(dbopen.Memory, dbopen.WithSchema("CREATE TABLEE pages (id TEXT)"))
	if err == nil || !strings.Contains(err.Error(), "exec schema") {
		t.Fatalf("err = %v, want schema error", err)
	}
}

var pageMigrations = []string{
	`CREATE TABLE pages (id TEXT PRIMARY KEY, title TEXT NOT NULL)`,
	`ALTER TABLE pages ADD COLUMN position INTEGER NOT NULL DEFAULT 0`,
}

func TestMigrate(t *testing.T) {
	ctx := context.Background()
	db := dbopen.OpenMemory(t, dbopen.WithMigrations(pageMigrations[0]))

	if v, _ := dbopen.UserVersion(ctx, db); v != 1 {
		t.Fatalf("user_version = %d after open, want 1", v)
	}
	if _, err := db.Exec(`INSERT INTO pages (id, title) VALUES ('page:1', 'Sketch')`); err != nil {
		t.Fatal(err)
	}

	v, err := dbopen.Migrate(ctx, db, pageMigrations)
	if err != nil {
		t.Fatal(err)
	}
	if v != 2 {
		t.Fatalf("version = %d, want 2", v)
	}
	var pos int
	if err := db.QueryRow(`SELECT position FROM pages WHERE id = 'page:1'`).Scan(&pos); err != nil {
		t.Fatalf("migrated column: %v", err)
	}

	// Already current: nothing runs, ALTER would fail if it did.
	if v, err := dbopen.Migrate(ctx, db, pageMigrations); err != nil || v != 2 {
		t.Fatalf("re-migrate = %d, %v", v, err)
	}
}

func TestMigrate_FailureRollsBack(t *testing.T) {
	ctx := context.Background()
	db := dbopen.OpenMemory(t)

	bad := []string{pageMigrations[0], `ALTER TABLE missing ADD COLUMN x INTEGER`}
	v, err := dbopen.Migrate(ctx, db, bad)
	if err == nil {
		t.Fatal("expected migration 2 to fail")
	}
	if v != 1 {
		t.Fatalf("version = %d, want 1", v)
	}
	if got, _ := dbopen.UserVersion(ctx, db); got != 1 {
		t.Fatalf("user_version = %d, want 1", got)
	}
}

func TestMigrate_NewerDatabase(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithMigrations(pageMigrations...))
	if _, err := dbopen.Migrate(context.Background(), db, pageMigrations[:1]); err == nil {
		t.Fatal("expected error for a database ahead of the migration list")
	}
}

func TestIsBusy(t *testing.T) {
	cases := map[string]bool{
		"some other error":         false,
		"SQLITE_BUSY":              true,
		"prefix: SQLITE_BUSY (5)":  true,
		"database is locked":       true,
		"database table is locked": true,
	}
	if dbopen.IsBusy(nil) {
		t.Fatal("IsBusy(nil) = true")
	}
	for msg, want := range cases {
		if got := dbopen.IsBusy(errors.New(msg)); got != want {
			t.Errorf("IsBusy(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestRunTx(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithMigrations(pageMigrations...))
	ctx := context.Background()

	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO pages (id, title) VALUES ('page:1', 'Sketch')`)
		return err
	})
	if err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	sentinel := errors.New("rollback me")
	err = dbopen.RunTx(ctx, db, func(tx *sql.Tx) error {
		tx.Exec(`INSERT INTO pages (id, title) VALUES ('page:2', 'Draft')`)
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("RunTx error = %v, want sentinel", err)
	}

	var count int
	db.QueryRow(`SELECT COUNT(*) FROM pages`).Scan(&count)
	if count != 1 {
		t.Fatalf("count = %d, want 1 after rollback", count)
	}
}

func TestExec(t *testing.T) {
	db := dbopen.OpenMemory(t, dbopen.WithMigrations(pageMigrations...))

	res, err := dbopen.Exec(context.Background(), db, `INSERT INTO pages (id, title) VALUES (?, ?)`, "page:1", "Sketch")
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		t.Fatalf("rows affected = %d, want 1", n)
	}
}

func TestRunTx_ContextCancelled(t *testing.T) {
	db := dbopen.OpenMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := dbopen.RunTx(ctx, db, func(*sql.Tx) error { return nil }); err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
