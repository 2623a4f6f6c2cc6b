package main

import (
	"context"
	"time"

	"github.com/FrAqQ/viewer-command-center/control_plane/observability"
	"github.com/FrAqQ/viewer-command-center/control_plane/store"
)

// DashboardSnapshot is the aggregated state pushed to the dashboard.
type DashboardSnapshot struct {
	OnlineSlaves    int `json:"online_slaves"`
	OfflineSlaves   int `json:"offline_slaves"`
	ErrorSlaves     int `json:"error_slaves"`
	RunningViewers  int `json:"running_viewers"`
	PendingCommands int `json:"pending_commands"`
	ValidProxies    int `json:"valid_proxies"`
	TotalProxies    int `json:"total_proxies"`

	TotalInstances int   `json:"total_instances"`
	Timestamp      int64 `json:"timestamp"`
}

// DashboardService aggregates store state into one snapshot. It decouples
// the API and WebSocket hub from direct store access.
type DashboardService struct {
	store store.Store
}

// NewDashboardService creates a new DashboardService.
func NewDashboardService(s store.Store) *DashboardService {
	return &DashboardService{store: s}
}

// Snapshot collects the current fleet state. Each read is an independent
// store call; the snapshot is eventually consistent, not transactional.
func (s *DashboardService) Snapshot(ctx context.Context) (DashboardSnapshot, error) {
	slaves, err := s.store.ListSlaves(ctx)
	if err != nil {
		return DashboardSnapshot{}, err
	}

	snap := DashboardSnapshot{Timestamp: time.Now().Unix()}
	for _, sl := range slaves {
		switch sl.Status {
		case "online":
			snap.OnlineSlaves++
		case "error":
			snap.ErrorSlaves++
		default:
			snap.OfflineSlaves++
		}
		snap.TotalInstances += sl.Metrics.Instances
	}

	viewers, err := s.store.ListViewers(ctx)
	if err != nil {
		return DashboardSnapshot{}, err
	}
	for _, v := range viewers {
		if v.Status == "running" {
			snap.RunningViewers++
		}
	}

	pending, err := s.store.CountCommandsByStatus(ctx, store.StatusPending)
	if err != nil {
		return DashboardSnapshot{}, err
	}
	snap.PendingCommands = pending

	proxies, err := s.store.ListProxies(ctx)
	if err != nil {
		return DashboardSnapshot{}, err
	}
	snap.TotalProxies = len(proxies)
	for _, p := range proxies {
		if p.Valid {
			snap.ValidProxies++
		}
	}

	observability.OnlineSlaves.Set(float64(snap.OnlineSlaves))
	observability.RunningViewers.Set(float64(snap.RunningViewers))
	observability.PendingCommands.Set(float64(snap.PendingCommands))

	return snap, nil
}
