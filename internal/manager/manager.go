// Package manager is the HA Manager Loop (spec §4.3): the process that
// owns one row of the registry, re-checks its lease on every tick, and
// drives the active/standby state machine described by the Node Lease
// Engine. It is the orchestration point the registry and lease packages
// were built to be driven from — every mutation it makes is wrapped in a
// single registry.Tx so the state change and its audit entry commit or
// roll back together.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"hamanager/internal/audit"
	"hamanager/internal/haerr"
	"hamanager/internal/lease"
	"hamanager/internal/metrics"
	"hamanager/internal/registry"
)

// DBStatus reports whether the last registry operation succeeded.
type DBStatus int

const (
	DBOnline DBStatus = iota
	DBOffline
)

func (d DBStatus) String() string {
	if d == DBOffline {
		return "offline"
	}
	return "online"
}

// Info is the in-memory state a Manager exposes to its parent (spec §3's
// "Info" record). It is copied, never shared, across the Notify callback
// and the admin accessors so callers never observe a half-updated value.
type Info struct {
	NodeID        string
	Name          string
	Address       string
	Port          int
	Status        registry.Status
	DBStatus      DBStatus
	FailoverDelay int
	Error         string
}

// NotifyFunc is called whenever Info changes in a way the parent process
// cares about (spec §4.4's status_update frame). Implementations must not
// block — the manager's tick loop calls it synchronously.
type NotifyFunc func(Info)

// Manager runs the registration/tick/lease loop for a single node.
type Manager struct {
	store  *registry.Store
	audit  *audit.Emitter
	log    *log.Logger
	notify NotifyFunc

	name       string
	address    string
	port       int
	tickPeriod time.Duration

	mu                 sync.Mutex
	info               Info
	sessionID          string
	registered         bool
	paused             bool
	lastAccessActive   int64
	offlineTicksActive int
	logLevel           int

	pauseCh chan bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Config bundles the construction parameters a Manager needs, mirroring
// the flags cmd/hamanaged parses.
type Config struct {
	Name          string // "" selects standalone mode (spec §3)
	Address       string
	Port          int
	TickPeriod    time.Duration
	FailoverDelay int // not read by New; EnsureSchema always seeds the config row with 60
}

// New builds a Manager bound to store and emitter. notify may be nil.
func New(store *registry.Store, emitter *audit.Emitter, cfg Config, notify NotifyFunc, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	if notify == nil {
		notify = func(Info) {}
	}
	return &Manager{
		store:      store,
		audit:      emitter,
		log:        logger,
		notify:     notify,
		name:       cfg.Name,
		address:    cfg.Address,
		port:       cfg.Port,
		tickPeriod: cfg.TickPeriod,
		pauseCh:    make(chan bool, 1),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Snapshot returns a copy of the current Info.
func (m *Manager) Snapshot() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.info
}

func (m *Manager) setInfo(fn func(*Info)) {
	m.mu.Lock()
	fn(&m.info)
	snap := m.info
	m.mu.Unlock()
	m.notify(snap)
}

// Run registers the node, then ticks until ctx is cancelled or Stop is
// called. The first tick after starting as standby runs at 2×tickPeriod
// (spec §4.3) to give a freshly-joined node one full extra window to
// observe a currently-active peer's heartbeat before its own liveness
// math could mistake a slow first read for an active-failure signal.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.doneCh)

	startStatus, err := m.register(ctx)
	for haerr.IsOffline(err) {
		// Registry unreachable: retry registration every second instead
		// of treating a transient outage as fatal.
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			return nil
		case <-time.After(time.Second):
		}
		startStatus, err = m.register(ctx)
	}
	if err != nil {
		m.fatal(err)
		return err
	}

	firstDelay := m.tickPeriod
	if startStatus == registry.StatusStandby {
		firstDelay = 2 * m.tickPeriod
	}
	timer := time.NewTimer(firstDelay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stopCh:
			return nil
		case paused := <-m.pauseCh:
			m.mu.Lock()
			m.paused = paused
			m.mu.Unlock()
		case <-timer.C:
			period := m.tickPeriod
			if m.paused {
				timer.Reset(period)
				continue
			}
			if err := m.tick(ctx); err != nil {
				if haerr.IsFatal(err) {
					metrics.TickTotal.WithLabelValues("fatal").Inc()
					m.fatal(err)
					return err
				}
				metrics.TickTotal.WithLabelValues("offline").Inc()
				// Offline: already recorded by tick via setInfo; tick faster
				// so a reconnect is noticed well inside one failover window.
				period = time.Second
			} else {
				metrics.TickTotal.WithLabelValues("ok").Inc()
			}
			timer.Reset(period)
		}
	}
}

// Pause suspends tick processing without deregistering the node (spec
// §4.3's pause admin op) — the node keeps its row but stops contesting
// or renewing its lease until Resume.
func (m *Manager) Pause() { m.pauseCh <- true }

// Resume undoes Pause.
func (m *Manager) Resume() { m.pauseCh <- false }

// Stop marks the node's row stopped and exits Run's loop. It blocks until
// Run has returned.
func (m *Manager) Stop(ctx context.Context) error {
	err := m.withTx(ctx, func(tx *registry.Tx, nodeID, sessionID string) error {
		stopped := registry.StatusStopped
		if err := tx.UpdateNode(ctx, nodeID, registry.NodeFields{Status: &stopped}); err != nil {
			return err
		}
		return m.audit.Record(ctx, tx.SQL(), audit.Event{
			Action: audit.ActionUpdate, Entity: audit.EntityNode, EntityID: nodeID,
			Changes: map[string]any{"status": stopped.String()},
		})
	})
	if err != nil && !haerr.IsOffline(err) {
		return err
	}
	close(m.stopCh)
	<-m.doneCh
	m.setInfo(func(i *Info) { i.Status = registry.StatusStopped })
	return nil
}

// recordRejection writes a security-relevant audit entry independent of
// the failing transaction, via audit.Emitter.RecordImmediate, so the
// event survives the rollback that always follows it. Logged, not
// propagated — the original haerr.Fatal is what the caller returns.
func (m *Manager) recordRejection(ctx context.Context, action audit.Action, entityID string, cause error) {
	err := m.audit.RecordImmediate(ctx, m.store.DB(), audit.Event{
		Action: action, Entity: audit.EntityNode, EntityID: entityID,
		Changes: map[string]any{"reason": cause.Error()},
	})
	if err != nil {
		metrics.AuditWriteFailures.Inc()
		m.log.Printf("manager: failed to record %s: %v", action, err)
	}
}

func (m *Manager) fatal(err error) {
	m.setInfo(func(i *Info) { i.Error = err.Error() })
	m.log.Printf("manager: fatal: %v", err)
}

// withTx is the common begin/commit-or-rollback wrapper every mutating
// operation uses; f receives the node's own id/session for convenience.
func (m *Manager) withTx(ctx context.Context, f func(tx *registry.Tx, nodeID, sessionID string) error) error {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		m.setInfo(func(i *Info) { i.DBStatus = DBOffline })
		return err
	}
	m.mu.Lock()
	nodeID, sessionID := m.info.NodeID, m.sessionID
	m.mu.Unlock()
	if err := f(tx, nodeID, sessionID); err != nil {
		_ = tx.Rollback()
		if haerr.IsOffline(err) {
			m.setInfo(func(i *Info) { i.DBStatus = DBOffline })
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if haerr.IsOffline(err) {
			m.setInfo(func(i *Info) { i.DBStatus = DBOffline })
		}
		return err
	}
	m.setInfo(func(i *Info) { i.DBStatus = DBOnline })
	return nil
}

// register performs the join described in spec §4.3: run admission,
// insert a stopped row under a fresh node id, then — in the same
// transaction — write the resulting status, address, port, and a fresh
// session id. A single transaction is used rather than two so no other
// node can observe the half-joined row.
func (m *Manager) register(ctx context.Context) (registry.Status, error) {
	var result registry.Status
	err := m.retryingWithTx(ctx, func(tx *registry.Tx, _ string) error {
		nodes, err := tx.ReadNodes(ctx, true)
		if err != nil {
			return err
		}
		dbTime, err := tx.ReadDBTime(ctx)
		if err != nil {
			return err
		}
		cfg, err := tx.ReadConfig(ctx)
		if err != nil {
			return err
		}
		status, err := lease.Admit(m.name, "", nodes, dbTime, cfg.FailoverDelay)
		if err != nil {
			m.recordRejection(ctx, audit.ActionAdmissionRejected, m.name, err)
			return err
		}

		nodeID := registry.NewID()
		sessionID := registry.NewID()
		if err := tx.InsertNode(ctx, nodeID, m.name, dbTime); err != nil {
			return err
		}
		addr := m.address
		port := m.port
		sess := sessionID
		now := dbTime
		if err := tx.UpdateNode(ctx, nodeID, registry.NodeFields{
			Status: &status, LastAccess: &now, Address: &addr, Port: &port, SessionID: &sess,
		}); err != nil {
			return err
		}
		if err := m.audit.Record(ctx, tx.SQL(), audit.Event{
			Timestamp: dbTime, Action: audit.ActionAdd, Entity: audit.EntityNode, EntityID: nodeID,
			Changes: map[string]any{"name": m.name, "status": status.String(), "address": addr, "port": port},
		}); err != nil {
			return err
		}

		m.mu.Lock()
		m.sessionID = sessionID
		m.registered = true
		m.lastAccessActive = dbTime
		m.offlineTicksActive = 0
		m.mu.Unlock()

		if status == registry.StatusActive {
			metrics.Promotions.Inc()
		}
		result = status
		m.setInfo(func(i *Info) {
			i.NodeID = nodeID
			i.Name = m.name
			i.Address = addr
			i.Port = port
			i.Status = status
			i.FailoverDelay = cfg.FailoverDelay
			i.DBStatus = DBOnline
		})
		return nil
	})
	return result, err
}

// retryingWithTx is register's transaction wrapper: registration has no
// node id yet, so f receives none, and on success it leaves DBStatus to
// register itself. It shares withTx's offline bookkeeping; Run retries
// register while the error is offline.
func (m *Manager) retryingWithTx(ctx context.Context, f func(tx *registry.Tx, nodeID string) error) error {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		m.setInfo(func(i *Info) { i.DBStatus = DBOffline })
		return err
	}
	if err := f(tx, ""); err != nil {
		_ = tx.Rollback()
		if haerr.IsOffline(err) {
			m.setInfo(func(i *Info) { i.DBStatus = DBOffline })
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		if haerr.IsOffline(err) {
			m.setInfo(func(i *Info) { i.DBStatus = DBOffline })
		}
		return err
	}
	return nil
}

// tick re-reads the node table under lock, verifies this node still owns
// its row, then runs exactly the active-side or standby-side lease check
// from spec §4.2 and commits any resulting state change in the same
// transaction as its audit entry.
func (m *Manager) tick(ctx context.Context) error {
	return m.withTx(ctx, func(tx *registry.Tx, nodeID, sessionID string) error {
		nodes, err := tx.ReadNodes(ctx, true)
		if err != nil {
			return err
		}
		dbTime, err := tx.ReadDBTime(ctx)
		if err != nil {
			return err
		}
		cfg, err := tx.ReadConfig(ctx)
		if err != nil {
			return err
		}

		self, ok := findNode(nodes, nodeID)
		if !ok {
			return haerr.Fatal("registry row for node %s is gone", nodeID)
		}
		if self.SessionID != sessionID {
			takeoverErr := haerr.Fatal("HA registry record has changed ownership")
			m.recordRejection(ctx, audit.ActionSessionTakeover, nodeID, takeoverErr)
			return takeoverErr
		}

		m.debugf(1, "manager: tick status=%s db_time=%d failover_delay=%d nodes=%d", self.Status, dbTime, cfg.FailoverDelay, len(nodes))

		switch self.Status {
		case registry.StatusActive:
			if err := m.tickActive(ctx, tx, nodes, self, dbTime, cfg.FailoverDelay); err != nil {
				return err
			}
		case registry.StatusStandby:
			if err := m.tickStandby(ctx, tx, nodes, self, dbTime, cfg.FailoverDelay); err != nil {
				return err
			}
		}

		m.setInfo(func(i *Info) { i.FailoverDelay = cfg.FailoverDelay })
		return nil
	})
}

func (m *Manager) tickActive(ctx context.Context, tx *registry.Tx, nodes []registry.Node, self registry.Node, dbTime int64, failoverDelay int) error {
	now := dbTime
	if err := tx.UpdateNode(ctx, self.NodeID, registry.NodeFields{LastAccess: &now}); err != nil {
		return err
	}
	for _, staleID := range lease.EnforceStandbyLiveness(nodes, dbTime, failoverDelay) {
		unavailable := registry.StatusUnavailable
		if err := tx.UpdateNode(ctx, staleID, registry.NodeFields{Status: &unavailable}); err != nil {
			return err
		}
		if err := m.audit.Record(ctx, tx.SQL(), audit.Event{
			Timestamp: dbTime, Action: audit.ActionUpdate, Entity: audit.EntityNode, EntityID: staleID,
			Changes: map[string]any{"status": unavailable.String()},
		}); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) tickStandby(ctx context.Context, tx *registry.Tx, nodes []registry.Node, self registry.Node, dbTime int64, failoverDelay int) error {
	m.mu.Lock()
	prevLastAccess, prevOfflineTicks := m.lastAccessActive, m.offlineTicksActive
	m.mu.Unlock()

	tickSeconds := int(m.tickPeriod / time.Second)
	if tickSeconds <= 0 {
		tickSeconds = 1
	}
	check, newLastAccess, newOfflineTicks := lease.DetectActiveFailure(nodes, prevLastAccess, prevOfflineTicks, failoverDelay, tickSeconds)

	m.mu.Lock()
	m.lastAccessActive = newLastAccess
	m.offlineTicksActive = newOfflineTicks
	m.mu.Unlock()

	m.debugf(2, "manager: standby check promote=%v mark_unavailable=%q offline_ticks=%d", check.PromoteSelf, check.MarkUnavailable, newOfflineTicks)

	if !check.PromoteSelf {
		return tx.UpdateNode(ctx, self.NodeID, registry.NodeFields{LastAccess: &dbTime})
	}

	active := registry.StatusActive
	if err := tx.UpdateNode(ctx, self.NodeID, registry.NodeFields{Status: &active, LastAccess: &dbTime}); err != nil {
		return err
	}
	if err := m.audit.Record(ctx, tx.SQL(), audit.Event{
		Timestamp: dbTime, Action: audit.ActionUpdate, Entity: audit.EntityNode, EntityID: self.NodeID,
		Changes: map[string]any{"status": active.String()},
	}); err != nil {
		return err
	}
	metrics.Promotions.Inc()
	if check.MarkUnavailable != "" {
		unavailable := registry.StatusUnavailable
		if err := tx.UpdateNode(ctx, check.MarkUnavailable, registry.NodeFields{Status: &unavailable}); err != nil {
			return err
		}
		if err := m.audit.Record(ctx, tx.SQL(), audit.Event{
			Timestamp: dbTime, Action: audit.ActionUpdate, Entity: audit.EntityNode, EntityID: check.MarkUnavailable,
			Changes: map[string]any{"status": unavailable.String()},
		}); err != nil {
			return err
		}
	}
	m.setInfo(func(i *Info) { i.Status = registry.StatusActive })
	return nil
}

func findNode(nodes []registry.Node, id string) (registry.Node, bool) {
	for _, n := range nodes {
		if n.NodeID == id {
			return n, true
		}
	}
	return registry.Node{}, false
}

// --- Admin operations (spec §4.3's GetNodes/RemoveNode/SetFailoverDelay/LogLevel) ---

// nodeJSON is the exact wire shape of one GetNodes entry (spec §6).
type nodeJSON struct {
	NodeID        string `json:"nodeid"`
	Name          string `json:"name"`
	Status        int    `json:"status"`
	LastAccess    int64  `json:"lastaccess"`
	Address       string `json:"address"`
	DBTimestamp   int64  `json:"db_timestamp"`
	LastAccessAge int64  `json:"lastaccess_age"`
}

// GetNodes returns the current node table as the JSON array shape the
// parent-side facade and hamanagectl both expect.
func (m *Manager) GetNodes(ctx context.Context) ([]byte, error) {
	tx, err := m.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	nodes, err := tx.ReadNodes(ctx, false)
	if err != nil {
		return nil, err
	}
	dbTime, err := tx.ReadDBTime(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]nodeJSON, 0, len(nodes))
	for _, n := range nodes {
		addr := n.Address
		if n.Port != 0 {
			addr = fmt.Sprintf("%s:%d", n.Address, n.Port)
		}
		out = append(out, nodeJSON{
			NodeID: n.NodeID, Name: n.Name, Status: int(n.Status),
			LastAccess: n.LastAccess, Address: addr,
			DBTimestamp: dbTime, LastAccessAge: dbTime - n.LastAccess,
		})
	}
	return json.Marshal(out)
}

// RemoveNode deletes the row at the 1-based position index in ReadNodes'
// ha_nodeid order (spec §4.3/§8 scenario 6: "RemoveNode(index=2)" names
// the second row as 2), refusing when that row is still active or standby.
func (m *Manager) RemoveNode(ctx context.Context, index int) error {
	return m.withTx(ctx, func(tx *registry.Tx, _, _ string) error {
		nodes, err := tx.ReadNodes(ctx, true)
		if err != nil {
			return err
		}
		if index < 1 || index > len(nodes) {
			return haerr.Fatal("node index out of range")
		}
		target := nodes[index-1]
		switch target.Status {
		case registry.StatusActive:
			return haerr.Fatal("node is active")
		case registry.StatusStandby:
			return haerr.Fatal("node is standby")
		}
		if err := tx.DeleteNode(ctx, target.NodeID); err != nil {
			return err
		}
		return m.audit.Record(ctx, tx.SQL(), audit.Event{
			Action: audit.ActionDelete, Entity: audit.EntityNode, EntityID: target.NodeID,
		})
	})
}

// SetFailoverDelay updates the global failover delay and notifies the
// parent of the resulting status (spec §4.3, §9). The change is a single
// UPDATE with no preceding read of the old value, so there is no
// read-then-update race window; no ha_node table lock is taken.
func (m *Manager) SetFailoverDelay(ctx context.Context, seconds int) error {
	err := m.withTx(ctx, func(tx *registry.Tx, _, _ string) error {
		if err := tx.UpdateFailoverDelay(ctx, seconds); err != nil {
			return err
		}
		return m.audit.Record(ctx, tx.SQL(), audit.Event{
			Action: audit.ActionUpdate, Entity: audit.EntitySettings, EntityID: "failover_delay",
			Changes: map[string]any{"seconds": seconds},
		})
	})
	if err != nil {
		return err
	}
	m.setInfo(func(i *Info) { i.FailoverDelay = seconds })
	return nil
}

// maxLogLevel bounds how verbose debugf can get; beyond this there is
// nothing further in the tick loop left to narrate.
const maxLogLevel = 2

// LogLevelUp and LogLevelDown adjust how chatty debugf is about each
// tick's lease-engine decisions; they touch no database state so they
// take effect even while offline.
func (m *Manager) LogLevelUp() {
	m.mu.Lock()
	if m.logLevel < maxLogLevel {
		m.logLevel++
	}
	level := m.logLevel
	m.mu.Unlock()
	m.log.Printf("manager: log level increased to %d", level)
}

func (m *Manager) LogLevelDown() {
	m.mu.Lock()
	if m.logLevel > 0 {
		m.logLevel--
	}
	level := m.logLevel
	m.mu.Unlock()
	m.log.Printf("manager: log level decreased to %d", level)
}

// debugf logs msg only once the operator has raised the verbosity past
// level via LogLevelUp.
func (m *Manager) debugf(level int, format string, args ...any) {
	m.mu.Lock()
	current := m.logLevel
	m.mu.Unlock()
	if current >= level {
		m.log.Printf(format, args...)
	}
}
