package main

import (
	"context"
	"log"

	"github.com/FrAqQ/viewer-command-center/control_plane/observability"
	"github.com/FrAqQ/viewer-command-center/control_plane/store"
)

// Gate enforces the per-user concurrent-viewer quota.
//
// The check is read-only: no reservation is taken, so two concurrent spawn
// polls for the same user can both pass before either viewer row lands. That
// transient over-quota window is an accepted limitation.
type Gate struct {
	store store.Store
}

// NewGate creates a Gate over the given store.
func NewGate(s store.Store) *Gate {
	return &Gate{store: s}
}

// CanStartViewers reports whether userID may start `requested` more viewers.
//
// An empty userID always passes: local/test viewers are not attributed to a
// billing identity. Any lookup failure denies (fail-closed) - quota checks
// must not open up under store trouble.
func (g *Gate) CanStartViewers(ctx context.Context, userID string, requested int) bool {
	if userID == "" {
		return true
	}
	if requested < 1 {
		requested = 1
	}

	plan, err := g.store.GetUserPlan(ctx, userID)
	if err != nil {
		log.Printf("Gate: plan lookup failed for user %s: %v (denying)", userID, err)
		observability.CapacityDenials.WithLabelValues("lookup_failed").Inc()
		return false
	}

	running, err := g.store.CountRunningViewersByUser(ctx, userID)
	if err != nil {
		log.Printf("Gate: viewer count failed for user %s: %v (denying)", userID, err)
		observability.CapacityDenials.WithLabelValues("lookup_failed").Inc()
		return false
	}

	if running+requested > plan.ViewerLimit {
		observability.CapacityDenials.WithLabelValues("over_quota").Inc()
		return false
	}
	return true
}
