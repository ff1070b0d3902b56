package dialect

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

func TestIsPostgres(t *testing.T) {
	if !IsPostgres(PGX) {
		t.Error("pgx should be postgres")
	}
	if IsPostgres(SQLite3) {
		t.Error("sqlite3 should not be postgres")
	}
	if IsPostgres("") {
		t.Error("empty driver should not be postgres")
	}
}

func TestBoolToInt(t *testing.T) {
	if got := BoolToInt(true); got != 1 {
		t.Errorf("BoolToInt(true) = %d, want 1", got)
	}
	if got := BoolToInt(false); got != 0 {
		t.Errorf("BoolToInt(false) = %d, want 0", got)
	}
}

func TestInsertReturningIDSQLite(t *testing.T) {
	db, err := sqlx.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`CREATE TABLE notes (id INTEGER PRIMARY KEY AUTOINCREMENT, body TEXT NOT NULL)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	ctx := context.Background()
	first, err := InsertReturningID(ctx, db, `INSERT INTO notes (body) VALUES (?)`, "one")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	second, err := InsertReturningID(ctx, db, `INSERT INTO notes (body) VALUES (?)`, "two")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if first != 1 || second != 2 {
		t.Errorf("ids = %d, %d, want 1, 2", first, second)
	}
}
