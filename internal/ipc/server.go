package ipc

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hamanager/internal/manager"
)

// upgrader has no origin check: connections only ever arrive over a
// Unix-domain socket the parent process itself created, so there is no
// browser origin to validate.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the manager-side half of the Parent Notification Channel
// (spec §4.4): it listens on a Unix-domain socket, upgrades each
// connection to a WebSocket, and dispatches incoming Envelopes to the
// bound Manager. The most recently registered connection receives
// status_update and heartbeat pushes.
type Server struct {
	mgr  *manager.Manager
	log  *log.Logger
	hbPeriod time.Duration

	mu        sync.Mutex
	notifyee  *conn
	listener  net.Listener
	http      *http.Server
}

type conn struct {
	ws *websocket.Conn
	mu sync.Mutex // serializes writes; gorilla/websocket forbids concurrent writers
}

func (c *conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// NewServer builds a Server bound to mgr. Call Serve to start accepting
// connections on socketPath.
func NewServer(mgr *manager.Manager, heartbeatPeriod time.Duration, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{mgr: mgr, log: logger, hbPeriod: heartbeatPeriod}
}

// Notify implements manager.NotifyFunc: it pushes a status_update frame
// to the current notification connection, if any. Passed to
// manager.New so every Info change reaches the parent without the
// manager importing this package.
func (s *Server) Notify(info manager.Info) {
	s.mu.Lock()
	c := s.notifyee
	s.mu.Unlock()
	if c == nil {
		return
	}
	env := Envelope{
		Frame: FrameStatusUpdate, Status: int32(info.Status),
		FailoverDelay: int32(info.FailoverDelay), Error: info.Error,
	}
	if err := c.writeJSON(env); err != nil {
		s.log.Printf("ipc: status_update write failed: %v", err)
	}
}

// Serve listens on the Unix-domain socket at socketPath (removing any
// stale socket file left by a previous run) until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConn)
	srv := &http.Server{Handler: mux}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()

	go s.heartbeatLoop(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		_ = srv.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	if s.hbPeriod <= 0 {
		return
	}
	t := time.NewTicker(s.hbPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.mu.Lock()
			c := s.notifyee
			s.mu.Unlock()
			if c != nil {
				_ = c.writeJSON(Envelope{Frame: FrameHeartbeat})
			}
		}
	}
}

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Printf("ipc: upgrade failed: %v", err)
		return
	}
	c := &conn{ws: ws}
	defer func() {
		s.mu.Lock()
		if s.notifyee == c {
			s.notifyee = nil
		}
		s.mu.Unlock()
		ws.Close()
	}()

	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Printf("ipc: read failed: %v", err)
			}
			return
		}
		s.dispatch(r.Context(), c, env)
	}
}

func (s *Server) dispatch(ctx context.Context, c *conn, env Envelope) {
	switch env.Frame {
	case FrameRegister:
		s.mu.Lock()
		s.notifyee = c
		s.mu.Unlock()
		_ = c.writeJSON(Envelope{Frame: FrameReply})

	case FrameRequestStatus:
		info := s.mgr.Snapshot()
		_ = c.writeJSON(Envelope{
			Frame: FrameStatusUpdate, Status: int32(info.Status),
			FailoverDelay: int32(info.FailoverDelay), Error: info.Error,
		})

	case FramePause:
		s.mgr.Pause()
		_ = c.writeJSON(Envelope{Frame: FrameReply})

	case FrameStop:
		go func() {
			if err := s.mgr.Stop(ctx); err != nil {
				s.log.Printf("ipc: stop: %v", err)
			}
		}()
		_ = c.writeJSON(Envelope{Frame: FrameReply})

	case FrameGetNodes:
		raw, err := s.mgr.GetNodes(ctx)
		if err != nil {
			_ = c.writeJSON(Envelope{Frame: FrameReply, Error: err.Error()})
			return
		}
		_ = c.writeJSON(Envelope{Frame: FrameReply, JSON: string(raw)})

	case FrameRemoveNode:
		if err := s.mgr.RemoveNode(ctx, int(env.Index)); err != nil {
			_ = c.writeJSON(Envelope{Frame: FrameReply, Error: err.Error()})
			return
		}
		_ = c.writeJSON(Envelope{Frame: FrameReply})

	case FrameSetFailoverDelay:
		if err := s.mgr.SetFailoverDelay(ctx, int(env.Seconds)); err != nil {
			_ = c.writeJSON(Envelope{Frame: FrameReply, Error: err.Error()})
			return
		}
		_ = c.writeJSON(Envelope{Frame: FrameReply})

	case FrameLogLevelUp:
		s.mgr.LogLevelUp()
		_ = c.writeJSON(Envelope{Frame: FrameReply})

	case FrameLogLevelDown:
		s.mgr.LogLevelDown()
		_ = c.writeJSON(Envelope{Frame: FrameReply})

	default:
		_ = c.writeJSON(Envelope{Frame: FrameReply, Error: "unknown frame"})
	}
}
