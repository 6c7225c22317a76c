package registry

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a node row, matching the integer
// encoding of the ha_node.status column (spec §3): standby=0, stopped=1,
// unavailable=2, active=3. The odd ordering is kept on purpose — it is
// the wire format other tooling (hamanagectl, dashboards) reads.
type Status int

const (
	StatusStandby Status = iota
	StatusStopped
	StatusUnavailable
	StatusActive
)

func (s Status) String() string {
	switch s {
	case StatusStandby:
		return "standby"
	case StatusStopped:
		return "stopped"
	case StatusUnavailable:
		return "unavailable"
	case StatusActive:
		return "active"
	default:
		return "unknown"
	}
}

// Live reports whether status s is one a live node can hold.
func (s Status) Live() bool {
	return s == StatusActive || s == StatusStandby
}

// Node is one row of the ha_node table (spec §3).
type Node struct {
	NodeID     string
	Name       string
	Status     Status
	LastAccess int64
	Address    string
	Port       int
	SessionID  string
}

// IsLive reports whether the node is considered live at dbTime under the
// given failover delay (spec §4.2: live(n) ≡ status ∈ {active,standby} ∧
// lastaccess + failover_delay > db_time).
func (n Node) IsLive(dbTime int64, failoverDelay int) bool {
	return n.Status.Live() && n.LastAccess+int64(failoverDelay) > dbTime
}

// Config is the global settings row (spec §3).
type Config struct {
	FailoverDelay   int
	AuditLogEnabled bool
}

// NodeFields is a partial update: only non-nil fields are written by
// UpdateNode, matching the Registry Store's update_node(id, fields…)
// contract in spec §4.1.
type NodeFields struct {
	Status     *Status
	LastAccess *int64
	Address    *string
	Port       *int
	SessionID  *string
}

// NewID generates a 25-character collision-resistant identifier used for
// both node_id and session_id (spec §3). A UUIDv4 gives 122 bits of
// randomness; base32-encoding it and truncating to 25 characters keeps
// more than 100 bits while matching the field's fixed width.
func NewID() string {
	u := uuid.New()
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(u[:])
	return strings.ToLower(enc[:25])
}
