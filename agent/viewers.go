package main

import (
	"context"
	"log"
	"sync"
	"time"
)

// viewerSession is one running stream session. The goroutine behind it
// stands in for a headless browser process; the manager only tracks
// lifecycle and proxy assignment.
type viewerSession struct {
	ID     string
	URL    string
	Proxy  string
	Status string // "running", "stopped", "error"
	Error  string

	cancel context.CancelFunc
}

// ViewerManager owns every viewer session on this slave.
type ViewerManager struct {
	mu       sync.Mutex
	sessions map[string]*viewerSession
}

// NewViewerManager creates an empty manager.
func NewViewerManager() *ViewerManager {
	return &ViewerManager{sessions: make(map[string]*viewerSession)}
}

// Spawn starts one session per assigned viewer ID. The control plane already
// created the viewer rows; the IDs here attach our sessions to them.
func (m *ViewerManager) Spawn(ctx context.Context, ids []string, url, proxy string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range ids {
		if _, exists := m.sessions[id]; exists {
			continue
		}
		sessCtx, cancel := context.WithCancel(ctx)
		sess := &viewerSession{
			ID:     id,
			URL:    url,
			Proxy:  proxy,
			Status: "running",
			cancel: cancel,
		}
		m.sessions[id] = sess
		go m.run(sessCtx, sess)
		log.Printf("Viewer %s started for %s (proxy: %s)", id, url, proxy)
	}
}

// run keeps the session alive until cancelled. A real deployment drives a
// headless browser here; the loop is the keepalive for the session goroutine.
func (m *ViewerManager) run(ctx context.Context, sess *viewerSession) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Session heartbeat; nothing to do while healthy.
		}
	}
}

// Stop stops one viewer, or every viewer when all is true. It returns the
// IDs that were actually stopped.
func (m *ViewerManager) Stop(all bool, viewerID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stopped []string
	for id, sess := range m.sessions {
		if !all && id != viewerID {
			continue
		}
		if sess.Status == "running" {
			sess.cancel()
			sess.Status = "stopped"
			stopped = append(stopped, id)
			log.Printf("Viewer %s stopped", id)
		}
	}
	return stopped
}

// RotateProxy reassigns the proxy on every running session. An empty proxy
// keeps the current assignment. Returns the affected IDs.
func (m *ViewerManager) RotateProxy(proxy string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rotated []string
	for id, sess := range m.sessions {
		if sess.Status != "running" {
			continue
		}
		if proxy != "" {
			sess.Proxy = proxy
		}
		rotated = append(rotated, id)
	}
	return rotated
}

// Reconnect restarts every running session against its current URL and
// proxy. Returns the affected IDs.
func (m *ViewerManager) Reconnect(ctx context.Context) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reconnected []string
	for id, sess := range m.sessions {
		if sess.Status != "running" {
			continue
		}
		sess.cancel()
		sessCtx, cancel := context.WithCancel(ctx)
		sess.cancel = cancel
		go m.run(sessCtx, sess)
		reconnected = append(reconnected, id)
		log.Printf("Viewer %s reconnected", id)
	}
	return reconnected
}

// Reports snapshots every session as a viewer_update batch.
func (m *ViewerManager) Reports() []ViewerReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	reports := make([]ViewerReport, 0, len(m.sessions))
	for _, sess := range m.sessions {
		reports = append(reports, ViewerReport{
			ID:     sess.ID,
			URL:    sess.URL,
			Status: sess.Status,
			Error:  sess.Error,
		})
	}
	return reports
}

// RunningCount returns the number of sessions currently running.
func (m *ViewerManager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, sess := range m.sessions {
		if sess.Status == "running" {
			count++
		}
	}
	return count
}

// Prune drops sessions that reached a terminal state, returning their IDs.
// Called after the terminal status has been reported upstream.
func (m *ViewerManager) Prune() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pruned []string
	for id, sess := range m.sessions {
		if sess.Status == "stopped" || sess.Status == "error" {
			delete(m.sessions, id)
			pruned = append(pruned, id)
		}
	}
	return pruned
}
