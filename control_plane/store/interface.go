package store

import (
	"context"
	"encoding/json"
	"time"
)

// Store defines the methods required of a record store backend.
// It abstracts over Postgres (durable) and the in-memory store (tests/dev).
//
// Every mutation is a single-row, single-table operation. There are no
// multi-row transactions; callers must treat each write as independently
// durable and use compensating writes for invariants spanning tables.
type Store interface {
	// Slave Operations
	UpsertSlave(ctx context.Context, slave *SlaveServer) error
	GetSlave(ctx context.Context, slaveID string) (*SlaveServer, error)
	ListSlaves(ctx context.Context) ([]*SlaveServer, error)
	UpdateSlaveLastSeen(ctx context.Context, slaveID string, t time.Time) error
	// MarkSlaveOffline sets the slave's status to offline only if its stored
	// lastSeen is older than staleBefore, so a heartbeat that lands mid-sweep
	// is never clobbered. Returns whether the transition was applied.
	MarkSlaveOffline(ctx context.Context, slaveID string, staleBefore time.Time) (bool, error)
	DeleteSlave(ctx context.Context, slaveID string) error

	// Proxy Operations
	CreateProxy(ctx context.Context, proxy *Proxy) error
	ListProxies(ctx context.Context) ([]*Proxy, error)
	// UpdateProxyCheck records a health-check outcome. A successful check
	// resets the failure count to zero; a failed one increments it.
	UpdateProxyCheck(ctx context.Context, proxyID string, valid bool, checkedAt time.Time) error
	DeleteProxy(ctx context.Context, proxyID string) error

	// Viewer Operations
	CreateViewer(ctx context.Context, viewer *ViewerInstance) error
	GetViewer(ctx context.Context, viewerID string) (*ViewerInstance, error)
	UpdateViewerStatus(ctx context.Context, viewerID string, status string, errMsg string) error
	ListViewers(ctx context.Context) ([]*ViewerInstance, error)
	ListViewersBySlave(ctx context.Context, slaveID string) ([]*ViewerInstance, error)
	DeleteViewer(ctx context.Context, viewerID string) error
	// CountRunningViewersByUser feeds the capacity gate.
	CountRunningViewersByUser(ctx context.Context, userID string) (int, error)

	// Command Operations
	CreateCommand(ctx context.Context, cmd *Command) error
	GetCommand(ctx context.Context, commandID string) (*Command, error)
	// ListPendingCommands returns pending commands for one target in
	// insertion order.
	ListPendingCommands(ctx context.Context, target string) ([]*Command, error)
	ListCommands(ctx context.Context, limit int) ([]*Command, error)
	// CompleteCommand transitions pending -> executed|failed. A command
	// already in a terminal state, or an unknown command ID, is left
	// untouched and (false, nil) is returned; the transition is applied at
	// most once.
	CompleteCommand(ctx context.Context, commandID string, status string, result json.RawMessage) (bool, error)
	CountCommandsByStatus(ctx context.Context, status string) (int, error)

	// Log Operations
	AppendLog(ctx context.Context, entry *LogEntry) error
	ListLogs(ctx context.Context, limit int) ([]*LogEntry, error)

	// User/Plan Operations (read-only inputs to the capacity gate)
	GetUserPlan(ctx context.Context, userID string) (*Plan, error)
}
