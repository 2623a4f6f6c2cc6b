package store

import (
	"encoding/json"
	"time"
)

// Command status values. Transitions are monotonic: a command leaves
// StatusPending exactly once and never returns to it.
const (
	StatusPending  = "pending"
	StatusExecuted = "executed"
	StatusFailed   = "failed"
)

// Command types recognized by the queue.
const (
	CommandSpawn       = "spawn"
	CommandStop        = "stop"
	CommandUpdateProxy = "update_proxy"
	CommandReconnect   = "reconnect"
	CommandCustom      = "custom"
)

// TargetAll is the broadcast target. Broadcast commands are cloned into one
// row per registered slave at enqueue time, so the stored target is always a
// concrete slave ID.
const TargetAll = "all"

// Command is an instruction directed at one slave.
type Command struct {
	CommandID string          `json:"command_id" db:"command_id"`
	Type      string          `json:"type" db:"type"`
	Target    string          `json:"target" db:"target"`
	Payload   json.RawMessage `json:"payload" db:"payload"`
	Status    string          `json:"status" db:"status"`
	Result    json.RawMessage `json:"result,omitempty" db:"result"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// SlaveMetrics is the resource snapshot a slave reports with each heartbeat.
type SlaveMetrics struct {
	CPU       float64 `json:"cpu"`
	RAM       float64 `json:"ram"`
	Instances int     `json:"instances"`
}

// SlaveServer is a registered worker node.
type SlaveServer struct {
	SlaveID  string       `json:"slave_id" db:"slave_id"`
	Name     string       `json:"name" db:"name"`
	Hostname string       `json:"hostname" db:"hostname"`
	IP       string       `json:"ip" db:"ip"`
	Status   string       `json:"status" db:"status"` // "online", "offline", "error"
	LastSeen time.Time    `json:"last_seen" db:"last_seen"`
	Metrics  SlaveMetrics `json:"metrics" db:"metrics"` // JSONB in Postgres
}

// Proxy is one upstream HTTP proxy credential set. Valid is the last observed
// check outcome, not a guarantee of current reachability.
type Proxy struct {
	ProxyID     string    `json:"proxy_id" db:"proxy_id"`
	Address     string    `json:"address" db:"address"`
	Port        int       `json:"port" db:"port"`
	Username    string    `json:"username,omitempty" db:"username"`
	Password    string    `json:"password,omitempty" db:"password"`
	Valid       bool      `json:"valid" db:"valid"`
	LastChecked time.Time `json:"last_checked" db:"last_checked"`
	FailCount   int       `json:"fail_count" db:"fail_count"`
}

// ViewerInstance is one spawned browser/stream session. A viewer with an
// empty SlaveID is locally simulated and never dispatched to a remote agent.
type ViewerInstance struct {
	ViewerID  string    `json:"viewer_id" db:"viewer_id"`
	SlaveID   string    `json:"slave_id,omitempty" db:"slave_id"`
	UserID    string    `json:"user_id,omitempty" db:"user_id"`
	URL       string    `json:"url" db:"url"`
	Proxy     string    `json:"proxy,omitempty" db:"proxy"`
	Status    string    `json:"status" db:"status"` // "running", "stopped", "error"
	Error     string    `json:"error,omitempty" db:"error"`
	StartedAt time.Time `json:"started_at" db:"started_at"`
}

// LogEntry is an immutable observational record. Append-only.
type LogEntry struct {
	LogID     string          `json:"log_id" db:"log_id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Level     string          `json:"level" db:"level"` // "info", "warning", "error"
	Source    string          `json:"source" db:"source"`
	Message   string          `json:"message" db:"message"`
	Details   json.RawMessage `json:"details,omitempty" db:"details"`
}

// User is a billing identity owning viewers. Read-only to this service.
type User struct {
	UserID string `json:"user_id" db:"user_id"`
	Email  string `json:"email" db:"email"`
	PlanID string `json:"plan_id" db:"plan_id"`
}

// Plan is a subscription tier with a concurrent-viewer quota.
type Plan struct {
	PlanID      string `json:"plan_id" db:"plan_id"`
	Name        string `json:"name" db:"name"`
	ViewerLimit int    `json:"viewer_limit" db:"viewer_limit"`
}
