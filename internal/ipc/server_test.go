package ipc

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"hamanager/internal/audit"
	"hamanager/internal/manager"
	"hamanager/internal/registry"

	_ "github.com/mattn/go-sqlite3"
)

func startTestServer(t *testing.T) (socketPath string, mgr *manager.Manager) {
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
	mgr = manager.New(store, emitter, manager.Config{Address: "127.0.0.1", Port: 9000, TickPeriod: time.Minute}, nil, nil)

	srv := NewServer(mgr, 0, nil)
	socketPath = filepath.Join(t.TempDir(), "hamanager.sock")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, socketPath)

	mgrCtx, mgrCancel := context.WithCancel(context.Background())
	t.Cleanup(mgrCancel)
	go mgr.Run(mgrCtx)

	// Give the listener and registration a moment to settle.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := Dial(socketPath); err == nil {
			c.Close()
			return socketPath, mgr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("server never became reachable at %s", socketPath)
	return "", nil
}

func TestServerGetNodes(t *testing.T) {
	socketPath, _ := startTestServer(t)
	c, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	reply, err := c.Request(Envelope{Frame: FrameGetNodes}, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Frame != FrameReply {
		t.Fatalf("expected reply frame, got %s", reply.Frame)
	}
	if reply.JSON == "" {
		t.Fatalf("expected non-empty node list JSON")
	}
}

func TestServerRequestStatus(t *testing.T) {
	socketPath, _ := startTestServer(t)
	c, err := Dial(socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	reply, err := c.Request(Envelope{Frame: FrameRequestStatus}, 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Frame != FrameStatusUpdate {
		t.Fatalf("expected status_update frame, got %s", reply.Frame)
	}
}
