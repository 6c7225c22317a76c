package registry

import (
	"context"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndReadNodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	now, err := tx.ReadDBTime(ctx)
	if err != nil {
		t.Fatalf("read db time: %v", err)
	}
	if err := tx.InsertNode(ctx, "node-a-id", "a", now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, err = s.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	nodes, err := tx.ReadNodes(ctx, true)
	if err != nil {
		t.Fatalf("read nodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(nodes))
	}
	if nodes[0].Name != "a" || nodes[0].Status != StatusStopped {
		t.Errorf("unexpected node: %+v", nodes[0])
	}
}

func TestUpdateNodePartialFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	now, _ := tx.ReadDBTime(ctx)
	if err := tx.InsertNode(ctx, "node-b-id", "b", now); err != nil {
		t.Fatalf("insert: %v", err)
	}
	active := StatusActive
	addr := "10.0.0.5"
	if err := tx.UpdateNode(ctx, "node-b-id", NodeFields{Status: &active, Address: &addr}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, _ = s.Begin(ctx)
	defer tx.Rollback()
	nodes, _ := tx.ReadNodes(ctx, false)
	if len(nodes) != 1 || nodes[0].Status != StatusActive || nodes[0].Address != "10.0.0.5" {
		t.Fatalf("unexpected node after update: %+v", nodes)
	}
}

func TestUpdateNodeMissingRowIsFatal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	defer tx.Rollback()

	active := StatusActive
	err := tx.UpdateNode(ctx, "does-not-exist", NodeFields{Status: &active})
	if err == nil {
		t.Fatal("expected error for missing row")
	}
}

func TestDeleteNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	now, _ := tx.ReadDBTime(ctx)
	tx.InsertNode(ctx, "node-c-id", "c", now)
	tx.Commit()

	tx, _ = s.Begin(ctx)
	if err := tx.DeleteNode(ctx, "node-c-id"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	tx.Commit()

	tx, _ = s.Begin(ctx)
	defer tx.Rollback()
	nodes, _ := tx.ReadNodes(ctx, false)
	if len(nodes) != 0 {
		t.Fatalf("expected no nodes after delete, got %d", len(nodes))
	}
}

func TestRollbackDiscardsChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	now, _ := tx.ReadDBTime(ctx)
	tx.InsertNode(ctx, "node-d-id", "d", now)
	if err := tx.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	tx, _ = s.Begin(ctx)
	defer tx.Rollback()
	nodes, _ := tx.ReadNodes(ctx, false)
	if len(nodes) != 0 {
		t.Fatalf("expected rollback to discard insert, got %d nodes", len(nodes))
	}
}

func TestUpdateFailoverDelay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	cfg, err := tx.ReadConfig(ctx)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if cfg.FailoverDelay != 60 {
		t.Fatalf("expected default failover delay 60, got %d", cfg.FailoverDelay)
	}
	if err := tx.UpdateFailoverDelay(ctx, 30); err != nil {
		t.Fatalf("update failover delay: %v", err)
	}
	tx.Commit()

	tx, _ = s.Begin(ctx)
	defer tx.Rollback()
	cfg, _ = tx.ReadConfig(ctx)
	if cfg.FailoverDelay != 30 {
		t.Fatalf("expected 30, got %d", cfg.FailoverDelay)
	}
}
