// payload.go: the wire formats published to the control plane. Field names
// are frozen; the control plane parses them as-is. `vps_id` is the wire name
// of the host id.
package report

// Report type tags.
const (
	TypeStatusUpdate   = "STATUS_UPDATE"
	TypeRestartRequest = "RESTART_REQUEST"
	TypeHeartbeat      = "HEARTBEAT"
)

// StatusProgress is throttled per stream; every other status is queued
// unconditionally.
const StatusProgress = "PROGRESS"

// StatusUpdate tells the control plane about a stream state change.
type StatusUpdate struct {
	Type      string         `json:"type"`
	StreamID  int64          `json:"stream_id"`
	VpsID     string         `json:"vps_id"`
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Timestamp int64          `json:"timestamp"`
	ExtraData map[string]any `json:"extra_data,omitempty"`
}

// RestartRequest asks the control plane to decide about a stream the agent
// gave up on.
type RestartRequest struct {
	Type       string `json:"type"`
	StreamID   int64  `json:"stream_id"`
	VpsID      string `json:"vps_id"`
	Reason     string `json:"reason"`
	CrashCount int    `json:"crash_count"`
	LastError  string `json:"last_error,omitempty"`
	ErrorType  string `json:"error_type,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Heartbeat is the periodic liveness beacon. ActiveStreams is the set of
// stream ids currently in an active state; the control plane diffs it
// against its desired state. ReAnnounce asks the control plane to resync
// after a bus outage.
type Heartbeat struct {
	Type          string  `json:"type"`
	VpsID         string  `json:"vps_id"`
	ActiveStreams []int64 `json:"active_streams"`
	Timestamp     int64   `json:"timestamp"`
	ReAnnounce    bool    `json:"re_announce,omitempty"`
}
