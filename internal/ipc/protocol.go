// Package ipc is the Parent Notification Channel (spec §4.4): a
// message-oriented, reliable, per-client-ordered link between the HA
// manager and its parent process. The teacher repo already ships a
// message-oriented transport for exactly this shape of problem
// (internal/websocket/monitor.go's hub, paired with
// internal/handlers/websocket.go's upgrade handler) — this package
// reuses gorilla/websocket the same way, over a Unix-domain listener
// instead of a browser-facing HTTP route, and carries JSON envelopes
// instead of dashboard snapshots. WebSocket's own message framing
// satisfies the "length-prefixed, ordered, reliable" requirement in spec
// §4.4 without any hand-rolled length prefix.
package ipc

import "fmt"

// Frame identifies the message kind, matching the catalogue in spec §4.4.
type Frame string

const (
	// Parent → Manager
	FrameRegister          Frame = "register"
	FrameRequestStatus     Frame = "request_status"
	FramePause             Frame = "pause"
	FrameStop              Frame = "stop"
	FrameGetNodes          Frame = "get_nodes"
	FrameRemoveNode        Frame = "remove_node"
	FrameSetFailoverDelay  Frame = "set_failover_delay"
	FrameLogLevelUp        Frame = "log_level_up"
	FrameLogLevelDown      Frame = "log_level_down"

	// Manager → Parent
	FrameStatusUpdate Frame = "status_update"
	FrameHeartbeat    Frame = "heartbeat"
	FrameReply        Frame = "reply"
)

// Envelope is the single message type carried by one WebSocket frame.
// Only the fields relevant to Frame are populated; the rest are left at
// their zero value and omitted from the wire JSON.
type Envelope struct {
	Frame Frame `json:"frame"`

	// RemoveNode request
	Index int32 `json:"index,omitempty"`
	// SetFailoverDelay request
	Seconds int32 `json:"seconds,omitempty"`

	// StatusUpdate payload (spec §4.4: status:i32, failover_delay:i32, error:str)
	Status        int32  `json:"status,omitempty"`
	FailoverDelay int32  `json:"failover_delay,omitempty"`
	Error         string `json:"error,omitempty"`

	// Reply payload for GetNodes/RemoveNode/SetFailoverDelay
	JSON string `json:"json,omitempty"`
}

func (e Envelope) String() string {
	return fmt.Sprintf("Envelope{%s index=%d seconds=%d status=%d delay=%d err=%q}",
		e.Frame, e.Index, e.Seconds, e.Status, e.FailoverDelay, e.Error)
}
