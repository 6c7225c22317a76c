package haclient

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hamanager/internal/audit"
	"hamanager/internal/ipc"
	"hamanager/internal/manager"
	"hamanager/internal/registry"

	_ "github.com/mattn/go-sqlite3"
)

// startTestManager runs a manager + ipc.Server in-process (no exec.Command)
// so Facade's IPC-facing methods can be exercised without a real binary.
func startTestManager(t *testing.T) (socketPath string) {
	t.Helper()
	store, err := registry.Open("sqlite3", "file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	emitter := audit.NewEmitter(store.Dialect(), []byte("k"), true)
	mgr := manager.New(store, emitter, manager.Config{Address: "127.0.0.1", Port: 9100, TickPeriod: time.Minute}, nil, nil)
	srv := ipc.NewServer(mgr, 0, nil)
	socketPath = filepath.Join(t.TempDir(), "hamanager.sock")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, socketPath)
	go mgr.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := ipc.Dial(socketPath); err == nil {
			c.Close()
			return socketPath
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("manager never became reachable")
	return ""
}

func TestFacadeGetNodesDecodesReply(t *testing.T) {
	socketPath := startTestManager(t)
	f := New(socketPath, 0, false)

	nodes, err := f.GetNodes()
	if err != nil {
		t.Fatalf("get nodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected 1 node, got %d", len(nodes))
	}
}

func TestFacadeSetFailoverDelay(t *testing.T) {
	socketPath := startTestManager(t)
	f := New(socketPath, 0, false)

	if err := f.SetFailoverDelay(99); err != nil {
		t.Fatalf("set failover delay: %v", err)
	}
}

func TestFacadeRemoveNodeRejectsActive(t *testing.T) {
	socketPath := startTestManager(t)
	f := New(socketPath, 0, false)

	if err := f.RemoveNode(1); err == nil {
		t.Fatalf("expected error removing the active node")
	}
}

func TestFacadeReceiveStatusWatchdogPresumesDead(t *testing.T) {
	f := New("/nonexistent.sock", 20*time.Millisecond, true)
	f.mu.Lock()
	f.lastSeen = time.Now().Add(-time.Second)
	f.wasEverActive = false
	f.pushConn = &ipc.Client{}
	f.mu.Unlock()

	report, err := f.ReceiveStatus(time.Second)
	if err != nil {
		t.Fatalf("receive status: %v", err)
	}
	if !report.Presumed {
		t.Fatalf("expected a presumed report once the watchdog elapsed")
	}
}
