package manager

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"hamanager/internal/audit"
	"hamanager/internal/registry"

	_ "github.com/mattn/go-sqlite3"
)

func newTestManager(t *testing.T, name string) (*Manager, *registry.Store) {
	t.Helper()
	store, err := registry.Open("sqlite3", "file::memory:?cache=shared&_busy_timeout=5000")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	emitter := audit.NewEmitter(store.Dialect(), []byte("test-key"), true)
	m := New(store, emitter, Config{Name: name, Address: "127.0.0.1", Port: 9000, TickPeriod: time.Minute}, nil, nil)
	return m, store
}

func TestRegisterStandaloneBecomesActive(t *testing.T) {
	m, _ := newTestManager(t, "")
	status, err := m.register(context.Background())
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if status != registry.StatusActive {
		t.Fatalf("expected standalone node to start active, got %s", status)
	}
	if m.Snapshot().NodeID == "" {
		t.Fatalf("expected a node id after registration")
	}
}

func TestRegisterClusterFirstNodeActiveSecondStandby(t *testing.T) {
	m1, store := newTestManager(t, "cluster1")
	status1, err := m1.register(context.Background())
	if err != nil {
		t.Fatalf("register m1: %v", err)
	}
	if status1 != registry.StatusActive {
		t.Fatalf("expected first cluster node active, got %s", status1)
	}

	emitter := audit.NewEmitter(store.Dialect(), []byte("test-key"), true)
	m2 := New(store, emitter, Config{Name: "cluster1-b", Address: "127.0.0.1", Port: 9001, TickPeriod: time.Minute}, nil, nil)
	status2, err := m2.register(context.Background())
	if err != nil {
		t.Fatalf("register m2: %v", err)
	}
	if status2 != registry.StatusStandby {
		t.Fatalf("expected second cluster node standby, got %s", status2)
	}
}

func TestTickActiveRenewsLease(t *testing.T) {
	m, _ := newTestManager(t, "")
	if _, err := m.register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	before := m.Snapshot()
	if err := m.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if m.Snapshot().Status != registry.StatusActive {
		t.Fatalf("expected still active after tick, got %s", m.Snapshot().Status)
	}
	_ = before
}

func TestTickStandbyPromotesWhenActiveMissing(t *testing.T) {
	m1, store := newTestManager(t, "cluster2")
	if _, err := m1.register(context.Background()); err != nil {
		t.Fatalf("register m1: %v", err)
	}
	emitter := audit.NewEmitter(store.Dialect(), []byte("test-key"), true)
	m2 := New(store, emitter, Config{Name: "cluster2-b", Address: "127.0.0.1", Port: 9001, TickPeriod: time.Second}, nil, nil)
	status2, err := m2.register(context.Background())
	if err != nil {
		t.Fatalf("register m2: %v", err)
	}
	if status2 != registry.StatusStandby {
		t.Fatalf("expected m2 standby, got %s", status2)
	}

	// Delete m1's row directly to simulate it vanishing, then tick the
	// standby once: with no active row left it self-promotes immediately.
	tx, err := store.Begin(context.Background())
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.DeleteNode(context.Background(), m1.Snapshot().NodeID); err != nil {
		t.Fatalf("delete m1 row: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if err := m2.tick(context.Background()); err != nil {
		t.Fatalf("tick m2: %v", err)
	}
	if m2.Snapshot().Status != registry.StatusActive {
		t.Fatalf("expected m2 to self-promote once no active row exists, got %s", m2.Snapshot().Status)
	}
}

func TestGetNodesJSONShape(t *testing.T) {
	m, _ := newTestManager(t, "")
	if _, err := m.register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	raw, err := m.GetNodes(context.Background())
	if err != nil {
		t.Fatalf("get nodes: %v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(rows))
	}
	for _, key := range []string{"nodeid", "name", "status", "lastaccess", "address", "db_timestamp", "lastaccess_age"} {
		if _, ok := rows[0][key]; !ok {
			t.Fatalf("missing expected key %q in GetNodes row: %v", key, rows[0])
		}
	}
}

func TestRemoveNodeRejectsActive(t *testing.T) {
	m, _ := newTestManager(t, "")
	if _, err := m.register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := m.RemoveNode(context.Background(), 1)
	if err == nil {
		t.Fatalf("expected error removing the active node")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected a descriptive error")
	}
}

func TestRemoveNodeOutOfRange(t *testing.T) {
	m, _ := newTestManager(t, "")
	if _, err := m.register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.RemoveNode(context.Background(), 5); err == nil {
		t.Fatalf("expected out-of-range error")
	}
	if err := m.RemoveNode(context.Background(), 0); err == nil {
		t.Fatalf("expected index 0 to be out of range under 1-based indexing")
	}
}

func TestSetFailoverDelayUpdatesInfo(t *testing.T) {
	m, _ := newTestManager(t, "")
	if _, err := m.register(context.Background()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.SetFailoverDelay(context.Background(), 42); err != nil {
		t.Fatalf("set failover delay: %v", err)
	}
	if got := m.Snapshot().FailoverDelay; got != 42 {
		t.Fatalf("expected FailoverDelay=42, got %d", got)
	}
}

func TestStopMarksNodeStopped(t *testing.T) {
	m, _ := newTestManager(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Give Run a moment to complete registration before stopping.
	time.Sleep(50 * time.Millisecond)
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	<-done
	if m.Snapshot().Status != registry.StatusStopped {
		t.Fatalf("expected stopped status, got %s", m.Snapshot().Status)
	}
}
