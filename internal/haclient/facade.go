// Package haclient is the Parent-side Client Facade (spec §4.5): the API
// the parent process uses to start, monitor, and administer its HA
// manager child without speaking the wire protocol in internal/ipc
// directly.
package haclient

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"hamanager/internal/ipc"
)

// Status mirrors the status_update frame's numeric encoding, kept as its
// own type here so callers never need to import internal/registry just
// to read a Facade's last known state.
type Status int32

const (
	StatusStandby Status = iota
	StatusStopped
	StatusUnavailable
	StatusActive
)

// StatusReport is what ReceiveStatus returns: either a genuine
// status_update pushed by the manager, or — once the heartbeat watchdog
// trips — a synthesized report with Presumed set, so callers can
// distinguish "the manager told us it's standby" from "we haven't heard
// from it in too long and are assuming the worst."
type StatusReport struct {
	Status        Status
	FailoverDelay int32
	Error         string
	Presumed      bool
}

// Facade owns the child manager process and one long-lived IPC connection
// kept open for push notifications (status_update/heartbeat); each
// request/reply admin call dials its own short-lived connection, matching
// ipc.Client's documented restriction against mixing both uses on a
// single connection.
type Facade struct {
	socketPath    string
	cmd           *exec.Cmd
	clusterMember bool

	mu            sync.Mutex
	pushConn      *ipc.Client
	lastStatus    StatusReport
	lastSeen      time.Time
	watchdog      time.Duration
	wasEverActive bool
}

// New builds a Facade that will supervise a manager process listening
// (once started) on socketPath. watchdog is the maximum gap between
// heartbeats/status pushes before ReceiveStatus starts returning
// Presumed reports; pass 0 to disable the watchdog. clusterMember marks
// whether this node runs with a non-empty HA_NODE_NAME (spec §3): the
// presumed-dead forced-kill safety net in ReceiveStatus applies only to
// cluster members, per spec §4.5 — a standalone node has no active peer
// that could be confused by a stale process resurfacing, so there is
// nothing for the kill to protect against.
func New(socketPath string, watchdog time.Duration, clusterMember bool) *Facade {
	return &Facade{socketPath: socketPath, watchdog: watchdog, clusterMember: clusterMember}
}

// Start launches the manager binary and connects the push channel. The
// caller is responsible for the binary having been given socketPath via
// its own flags.
func (f *Facade) Start(binary string, args ...string) error {
	cmd := exec.Command(binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("haclient: start %s: %w", binary, err)
	}
	f.mu.Lock()
	f.cmd = cmd
	f.mu.Unlock()

	var lastErr error
	for i := 0; i < 50; i++ {
		conn, err := ipc.Dial(f.socketPath)
		if err == nil {
			if err := conn.Send(ipc.Envelope{Frame: ipc.FrameRegister}); err != nil {
				conn.Close()
				return fmt.Errorf("haclient: register: %w", err)
			}
			if _, err := conn.Recv(5 * time.Second); err != nil {
				conn.Close()
				return fmt.Errorf("haclient: register reply: %w", err)
			}
			f.mu.Lock()
			f.pushConn = conn
			f.lastSeen = time.Now()
			f.mu.Unlock()
			return nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("haclient: manager never became reachable: %w", lastErr)
}

// request opens a short-lived Client for one admin round trip, leaving
// the long-lived push connection untouched.
func (f *Facade) request(env ipc.Envelope, timeout time.Duration) (ipc.Envelope, error) {
	c, err := ipc.Dial(f.socketPath)
	if err != nil {
		return ipc.Envelope{}, err
	}
	defer c.Close()
	return c.Request(env, timeout)
}

// Pause asks the manager to suspend its tick loop without deregistering.
func (f *Facade) Pause() error {
	_, err := f.request(ipc.Envelope{Frame: ipc.FramePause}, 5*time.Second)
	return err
}

// Stop asks the manager to mark its node stopped and exit cleanly.
func (f *Facade) Stop() error {
	_, err := f.request(ipc.Envelope{Frame: ipc.FrameStop}, 5*time.Second)
	return err
}

// Kill forcibly terminates the manager process, bypassing its own
// shutdown sequence. Used by the watchdog safety net below, and
// available directly when the parent decides the manager is
// unresponsive to Stop.
func (f *Facade) Kill() error {
	f.mu.Lock()
	cmd := f.cmd
	f.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// RequestStatus asks the manager to push a fresh status_update; the
// answer arrives on the push connection and is observed via ReceiveStatus.
func (f *Facade) RequestStatus() error {
	f.mu.Lock()
	conn := f.pushConn
	f.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("haclient: not started")
	}
	return conn.Send(ipc.Envelope{Frame: ipc.FrameRequestStatus})
}

// drainPollInterval is the read deadline used once ReceiveStatus already
// has one envelope in hand and is checking whether more are queued —
// short enough that it never meaningfully delays the caller, long enough
// that it isn't mistaken for a zero/no-deadline read by ipc.Client.Recv.
const drainPollInterval = time.Millisecond

// ReceiveStatus waits up to timeout for the next push on the
// notification connection, then drains any further frames already
// queued so the caller observes the most recent status rather than the
// oldest one still sitting in the socket buffer (spec §4.5: "drains all
// pending frames, then returns the most recent status"). A heartbeat
// frame only refreshes liveness — it carries no status payload, so it
// never overwrites the last genuinely observed status_update.
//
// If nothing arrives before the watchdog elapses since the last message
// of any kind, it returns a Presumed report instead of blocking past
// that point. For a cluster member that has reported Active in any
// status_update since start, it also kills the child outright rather than letting a
// manager that might still believe itself active linger unobserved
// (spec §8 P5: a standby whose active peer goes dark must not let the
// old active resurface and contest the lease once the parent restarts
// it). A standalone node has no peer to protect from that scenario, so
// the kill is skipped there (spec §4.5) — it still gets the Presumed
// report.
func (f *Facade) ReceiveStatus(timeout time.Duration) (StatusReport, error) {
	f.mu.Lock()
	conn := f.pushConn
	f.mu.Unlock()
	if conn == nil {
		return StatusReport{}, fmt.Errorf("haclient: not started")
	}

	if report, presumed := f.presumedDead(); presumed {
		return report, nil
	}

	env, err := conn.Recv(f.clampToWatchdog(timeout))
	if err != nil {
		if report, presumed := f.presumedDead(); presumed {
			return report, nil
		}
		return StatusReport{}, err
	}
	report := f.applyEnvelope(env)

	for {
		env, err := conn.Recv(drainPollInterval)
		if err != nil {
			break
		}
		report = f.applyEnvelope(env)
	}
	return report, nil
}

// presumedDead checks whether the watchdog has elapsed since the last
// message of any kind and, if so, synthesizes the Presumed report
// ReceiveStatus returns in that case.
func (f *Facade) presumedDead() (StatusReport, bool) {
	f.mu.Lock()
	watchdog := f.watchdog
	lastSeen := f.lastSeen
	wasActive := f.wasEverActive
	f.mu.Unlock()
	if watchdog <= 0 || time.Since(lastSeen) < watchdog {
		return StatusReport{}, false
	}
	if wasActive && f.clusterMember {
		_ = f.Kill()
	}
	report := StatusReport{Presumed: true}
	f.mu.Lock()
	f.lastStatus = report
	f.mu.Unlock()
	return report, true
}

// clampToWatchdog bounds timeout by however much of the watchdog window
// remains, so a caller blocking on ReceiveStatus is always woken in time
// for presumedDead to re-check rather than oversleeping past it.
func (f *Facade) clampToWatchdog(timeout time.Duration) time.Duration {
	f.mu.Lock()
	watchdog := f.watchdog
	lastSeen := f.lastSeen
	f.mu.Unlock()
	if watchdog <= 0 {
		return timeout
	}
	remaining := watchdog - time.Since(lastSeen)
	if timeout <= 0 || remaining < timeout {
		return remaining
	}
	return timeout
}

// applyEnvelope folds one received envelope into lastStatus/lastSeen and
// returns the resulting report. Only a status_update frame carries a
// status payload; every other frame (chiefly heartbeat) is liveness-only
// and returns the previously recorded status unchanged.
func (f *Facade) applyEnvelope(env ipc.Envelope) StatusReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSeen = time.Now()
	if env.Frame != ipc.FrameStatusUpdate {
		return f.lastStatus
	}
	report := StatusReport{Status: Status(env.Status), FailoverDelay: env.FailoverDelay, Error: env.Error}
	f.lastStatus = report
	if report.Status == StatusActive {
		f.wasEverActive = true
	}
	return report
}

// LastStatus returns the most recently observed or presumed report
// without waiting.
func (f *Facade) LastStatus() StatusReport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastStatus
}

// NodeInfo is one entry of GetNodes' result, matching the JSON shape
// internal/manager.GetNodes produces.
type NodeInfo struct {
	NodeID        string `json:"nodeid"`
	Name          string `json:"name"`
	Status        int    `json:"status"`
	LastAccess    int64  `json:"lastaccess"`
	Address       string `json:"address"`
	DBTimestamp   int64  `json:"db_timestamp"`
	LastAccessAge int64  `json:"lastaccess_age"`
}

// GetNodes fetches and decodes the current node table.
func (f *Facade) GetNodes() ([]NodeInfo, error) {
	reply, err := f.request(ipc.Envelope{Frame: ipc.FrameGetNodes}, 5*time.Second)
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("haclient: get_nodes: %s", reply.Error)
	}
	var nodes []NodeInfo
	if err := json.Unmarshal([]byte(reply.JSON), &nodes); err != nil {
		return nil, fmt.Errorf("haclient: decode get_nodes reply: %w", err)
	}
	return nodes, nil
}

// RemoveNode asks the manager to delete the row at the 1-based table
// position index (spec §4.3/§8 scenario 6).
func (f *Facade) RemoveNode(index int32) error {
	reply, err := f.request(ipc.Envelope{Frame: ipc.FrameRemoveNode, Index: index}, 5*time.Second)
	if err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("haclient: remove_node: %s", reply.Error)
	}
	return nil
}

// SetFailoverDelay asks the manager to change the global failover delay.
func (f *Facade) SetFailoverDelay(seconds int32) error {
	reply, err := f.request(ipc.Envelope{Frame: ipc.FrameSetFailoverDelay, Seconds: seconds}, 5*time.Second)
	if err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("haclient: set_failover_delay: %s", reply.Error)
	}
	return nil
}

// ChangeLogLevel nudges the manager's logging verbosity up (delta > 0)
// or down (delta < 0) by one step.
func (f *Facade) ChangeLogLevel(delta int) error {
	frame := ipc.FrameLogLevelUp
	if delta < 0 {
		frame = ipc.FrameLogLevelDown
	}
	_, err := f.request(ipc.Envelope{Frame: frame}, 5*time.Second)
	return err
}
