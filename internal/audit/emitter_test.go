package audit

import (
	"context"
	"database/sql"
	"testing"

	"hamanager/internal/registry"

	_ "github.com/mattn/go-sqlite3"
)

func testDialect(t *testing.T) registry.Dialect {
	t.Helper()
	d, err := registry.DialectFor("sqlite3")
	if err != nil {
		t.Fatalf("dialect: %v", err)
	}
	return d
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(`CREATE TABLE audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp INTEGER NOT NULL,
		action TEXT NOT NULL,
		entity TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		changes TEXT NOT NULL DEFAULT '',
		prev_hash TEXT NOT NULL DEFAULT '',
		row_hash TEXT NOT NULL DEFAULT ''
	)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecord_SkippedWhenDisabled(t *testing.T) {
	db := newTestDB(t)
	e := NewEmitter(testDialect(t), nil, false)
	tx, _ := db.Begin()
	if err := e.Record(context.Background(), tx, Event{Action: ActionAdd, Entity: EntityNode, EntityID: "n1"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	tx.Commit()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&count)
	if count != 0 {
		t.Fatalf("expected no rows when disabled, got %d", count)
	}
}

func TestRecord_DiscardedOnRollback(t *testing.T) {
	db := newTestDB(t)
	e := NewEmitter(testDialect(t), []byte("k"), true)
	tx, _ := db.Begin()
	if err := e.Record(context.Background(), tx, Event{Action: ActionAdd, Entity: EntityNode, EntityID: "n1"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	tx.Rollback()

	var count int
	db.QueryRow("SELECT COUNT(*) FROM audit_log").Scan(&count)
	if count != 0 {
		t.Fatalf("expected rollback to discard audit row, got %d", count)
	}
}

func TestRecord_ChainsHashes(t *testing.T) {
	db := newTestDB(t)
	e := NewEmitter(testDialect(t), []byte("secret"), true)
	ctx := context.Background()

	for i, id := range []string{"n1", "n2", "n3"} {
		tx, _ := db.Begin()
		if err := e.Record(ctx, tx, Event{Timestamp: int64(i), Action: ActionUpdate, Entity: EntityNode, EntityID: id}); err != nil {
			t.Fatalf("record %s: %v", id, err)
		}
		tx.Commit()
	}

	ok, brokenAt, err := VerifyChain(ctx, db, []byte("secret"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("expected valid chain, broke at row %d", brokenAt)
	}
}

func TestVerifyChain_DetectsTamper(t *testing.T) {
	db := newTestDB(t)
	e := NewEmitter(testDialect(t), []byte("secret"), true)
	ctx := context.Background()

	tx, _ := db.Begin()
	e.Record(ctx, tx, Event{Action: ActionAdd, Entity: EntityNode, EntityID: "n1"})
	tx.Commit()

	if _, err := db.Exec(`UPDATE audit_log SET entity_id = 'tampered' WHERE id = 1`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	ok, brokenAt, err := VerifyChain(ctx, db, []byte("secret"))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ok || brokenAt != 1 {
		t.Fatalf("expected tamper detected at row 1, got ok=%v brokenAt=%d", ok, brokenAt)
	}
}
