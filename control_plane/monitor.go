package main

import (
	"context"
	"log"
	"time"

	"github.com/FrAqQ/viewer-command-center/control_plane/observability"
	"github.com/FrAqQ/viewer-command-center/control_plane/store"
)

// SlaveMonitor periodically checks for stale slave heartbeats and marks
// silent slaves offline. Freshness is advisory: the transition is a
// convenience for the dashboard, not an enforcement mechanism.
type SlaveMonitor struct {
	store     store.Store
	interval  time.Duration
	threshold time.Duration
}

func NewSlaveMonitor(s store.Store, interval, threshold time.Duration) *SlaveMonitor {
	return &SlaveMonitor{
		store:     s,
		interval:  interval,
		threshold: threshold,
	}
}

func (m *SlaveMonitor) Start(ctx context.Context) {
	go m.loop(ctx)
}

func (m *SlaveMonitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	log.Printf("Starting Slave Liveness Monitor (Interval: %v, Threshold: %v)", m.interval, m.threshold)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkLiveness(ctx)
		}
	}
}

func (m *SlaveMonitor) checkLiveness(ctx context.Context) {
	slaves, err := m.store.ListSlaves(ctx)
	if err != nil {
		log.Printf("SlaveMonitor: failed to list slaves: %v", err)
		return
	}

	onlineCount := 0
	now := time.Now()
	cutoff := now.Add(-m.threshold)
	for _, slave := range slaves {
		if slave.Status == "offline" {
			continue
		}

		if slave.LastSeen.Before(cutoff) {
			// Status-only conditional write; a heartbeat landing between
			// the list and this update wins.
			applied, err := m.store.MarkSlaveOffline(ctx, slave.SlaveID, cutoff)
			if err != nil {
				log.Printf("SlaveMonitor: failed to mark slave %s offline: %v", slave.SlaveID, err)
				continue
			}
			if applied {
				log.Printf("SlaveMonitor: slave %s last seen %v ago, marking offline", slave.SlaveID, now.Sub(slave.LastSeen))
			}
			continue
		}
		if slave.Status == "online" {
			onlineCount++
		}
	}
	observability.OnlineSlaves.Set(float64(onlineCount))
}
