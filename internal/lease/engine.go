// Package lease is the Node Lease Engine (spec §4.2): a set of pure
// functions over a node-table snapshot and the database clock. It does no
// I/O — every decision is a function of its inputs, which is what makes
// the control loop in internal/manager straightforward to test.
package lease

import (
	"hamanager/internal/haerr"
	"hamanager/internal/registry"
)

// Live reports whether node n is live at dbTime under failoverDelay
// seconds (spec §4.2).
func Live(n registry.Node, dbTime int64, failoverDelay int) bool {
	return n.IsLive(dbTime, failoverDelay)
}

// StandaloneAdmission checks whether a node may run in standalone mode
// (name == ""). excludeNodeID, if non-empty, is the caller's own row and
// is skipped — relevant when re-checking admission for a node that
// already registered in an earlier tick.
func StandaloneAdmission(nodes []registry.Node, excludeNodeID string, dbTime int64, failoverDelay int) error {
	for _, n := range nodes {
		if n.NodeID != "" && n.NodeID == excludeNodeID {
			continue
		}
		if n.Name != "" && Live(n, dbTime, failoverDelay) {
			return haerr.Fatal("cannot change mode to standalone while HA node %q is %s", n.Name, n.Status)
		}
	}
	return nil
}

// ClusterAdmission checks whether a node named name may join the
// cluster, and if so whether it should start active (no live peer) or
// standby (spec §4.2). excludeNodeID is skipped the same way as in
// StandaloneAdmission.
func ClusterAdmission(name, excludeNodeID string, nodes []registry.Node, dbTime int64, failoverDelay int) (startActive bool, err error) {
	for _, n := range nodes {
		if n.NodeID != "" && n.NodeID == excludeNodeID {
			continue
		}
		if n.Name == "" && Live(n, dbTime, failoverDelay) {
			return false, haerr.Fatal("cannot change mode to HA while standalone node is %s", n.Status)
		}
	}
	for _, n := range nodes {
		if n.NodeID != "" && n.NodeID == excludeNodeID {
			continue
		}
		if n.Name == name && Live(n, dbTime, failoverDelay) {
			return false, haerr.Fatal("found %s duplicate %q node", n.Status, name)
		}
	}
	anyLive := false
	for _, n := range nodes {
		if n.NodeID != "" && n.NodeID == excludeNodeID {
			continue
		}
		if Live(n, dbTime, failoverDelay) {
			anyLive = true
			break
		}
	}
	return !anyLive, nil
}

// Admit runs the correct admission check for name ("" => standalone,
// otherwise cluster) and returns the role the caller should take.
func Admit(name, excludeNodeID string, nodes []registry.Node, dbTime int64, failoverDelay int) (registry.Status, error) {
	if name == "" {
		if err := StandaloneAdmission(nodes, excludeNodeID, dbTime, failoverDelay); err != nil {
			return 0, err
		}
		return registry.StatusActive, nil
	}
	active, err := ClusterAdmission(name, excludeNodeID, nodes, dbTime, failoverDelay)
	if err != nil {
		return 0, err
	}
	if active {
		return registry.StatusActive, nil
	}
	return registry.StatusStandby, nil
}

// ActiveCheck is the result of DetectActiveFailure.
type ActiveCheck struct {
	// PromoteSelf is true when this (standby) node should claim active,
	// either because no row is active or because the active peer has
	// stalled past the failover threshold.
	PromoteSelf bool
	// MarkUnavailable is the node_id of the previously-active peer that
	// must be marked unavailable in the same transaction as the
	// promotion, or "" if no peer needs marking.
	MarkUnavailable string
}

// DetectActiveFailure implements the standby-side check in spec §4.2: it
// looks for the sole active row, self-promotes if there is none, and
// otherwise tracks how many consecutive ticks its lastaccess has not
// advanced. prevLastAccess/prevOfflineTicks are the caller's
// lastaccess_active/offline_ticks_active from the previous tick; the
// function returns the updated values to store back on Info.
func DetectActiveFailure(nodes []registry.Node, prevLastAccess int64, prevOfflineTicks int, failoverDelay, tickPeriodSeconds int) (ActiveCheck, int64, int) {
	var active *registry.Node
	for i := range nodes {
		if nodes[i].Status == registry.StatusActive {
			active = &nodes[i]
			break
		}
	}
	if active == nil {
		return ActiveCheck{PromoteSelf: true}, 0, 0
	}
	if active.LastAccess != prevLastAccess {
		return ActiveCheck{}, active.LastAccess, 0
	}
	offlineTicks := prevOfflineTicks + 1
	threshold := failoverDelay/tickPeriodSeconds + 1
	if offlineTicks > threshold {
		return ActiveCheck{PromoteSelf: true, MarkUnavailable: active.NodeID}, active.LastAccess, offlineTicks
	}
	return ActiveCheck{}, active.LastAccess, offlineTicks
}

// EnforceStandbyLiveness implements the active-side check in spec §4.2:
// every standby row whose lease has expired must be marked unavailable
// in the same transaction.
func EnforceStandbyLiveness(nodes []registry.Node, dbTime int64, failoverDelay int) []string {
	var stale []string
	for _, n := range nodes {
		if n.Status == registry.StatusStandby && dbTime >= n.LastAccess+int64(failoverDelay) {
			stale = append(stale, n.NodeID)
		}
	}
	return stale
}
