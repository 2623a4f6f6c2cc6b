package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/FrAqQ/viewer-command-center/control_plane/observability"
	"github.com/FrAqQ/viewer-command-center/control_plane/store"
)

// Queue turns operator intent into durable pending command rows and applies
// their one-shot terminal transitions.
type Queue struct {
	store store.Store
}

// NewQueue creates a Queue over the given store.
func NewQueue(s store.Store) *Queue {
	return &Queue{store: s}
}

var errNoSlaves = errors.New("no registered slaves for broadcast")

// Enqueue validates and persists a command with status pending and returns
// the created command IDs.
//
// A broadcast target ("all") is resolved here: the command is cloned into one
// row per registered slave, so each slave receives exactly one copy and no
// de-duplication is needed at poll time. Slave existence is otherwise not
// validated; commands for unknown targets simply stay pending.
func (q *Queue) Enqueue(ctx context.Context, cmdType, target string, payload json.RawMessage) ([]string, error) {
	if err := store.ValidatePayload(cmdType, payload); err != nil {
		return nil, err
	}
	if target == "" {
		return nil, errors.New("target is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	targets := []string{target}
	if target == store.TargetAll {
		slaves, err := q.store.ListSlaves(ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve broadcast target: %w", err)
		}
		if len(slaves) == 0 {
			return nil, errNoSlaves
		}
		targets = targets[:0]
		for _, sl := range slaves {
			targets = append(targets, sl.SlaveID)
		}
	}

	ids := make([]string, 0, len(targets))
	now := time.Now()
	for _, t := range targets {
		cmd := &store.Command{
			CommandID: generateUUID(),
			Type:      cmdType,
			Target:    t,
			Payload:   payload,
			Status:    store.StatusPending,
			CreatedAt: now,
		}
		if err := q.store.CreateCommand(ctx, cmd); err != nil {
			// Partial broadcast inserts are left in place; each row is
			// independently durable and still valid work.
			return ids, fmt.Errorf("enqueue %s for %s: %w", cmdType, t, err)
		}
		ids = append(ids, cmd.CommandID)
	}

	observability.CommandsEnqueued.WithLabelValues(cmdType).Add(float64(len(ids)))
	return ids, nil
}

// Complete applies the terminal transition pending -> executed|failed. A
// command already in a terminal state is left untouched; the stale report is
// logged and swallowed so agent retries stay harmless.
func (q *Queue) Complete(ctx context.Context, commandID, status string, result json.RawMessage) error {
	if status != store.StatusExecuted && status != store.StatusFailed {
		return fmt.Errorf("invalid terminal status %q", status)
	}

	applied, err := q.store.CompleteCommand(ctx, commandID, status, result)
	if err != nil {
		return err
	}
	if !applied {
		log.Printf("Queue: ignoring stale result for command %s (already terminal)", commandID)
		return nil
	}

	observability.CommandsCompleted.WithLabelValues(status).Inc()
	return nil
}

// Fail force-fails a pending command with an explanatory result. Used by the
// capacity gate before the command is ever handed to a slave.
func (q *Queue) Fail(ctx context.Context, commandID, reason string) error {
	result, _ := json.Marshal(map[string]string{"error": reason})
	return q.Complete(ctx, commandID, store.StatusFailed, result)
}
