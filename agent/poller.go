package main

import (
	"context"
	"encoding/json"
	"log"
	"math/rand"
	"time"
)

const maxPollBackoff = 60 * time.Second

// Poller drives the fetch-execute-report cycle against the control plane.
type Poller struct {
	cfg     *Config
	client  *Client
	viewers *ViewerManager
}

// NewPoller creates a Poller.
func NewPoller(cfg *Config, client *Client, viewers *ViewerManager) *Poller {
	return &Poller{cfg: cfg, client: client, viewers: viewers}
}

// Run polls until the context is cancelled. Consecutive failures back off
// exponentially with jitter so a fleet of slaves does not hammer a control
// plane that is already struggling.
func (p *Poller) Run(ctx context.Context) {
	failures := 0
	for {
		interval := p.cfg.PollInterval
		if failures > 0 {
			interval = backoffInterval(p.cfg.PollInterval, failures)
		}

		select {
		case <-ctx.Done():
			log.Println("Poller stopping...")
			return
		case <-time.After(interval):
		}

		resp, err := p.client.GetPendingCommands(ctx)
		if err != nil {
			failures++
			log.Printf("Poll failed (%d consecutive): %v", failures, err)
			continue
		}
		failures = 0

		for _, cmd := range resp.Commands {
			p.execute(ctx, &cmd, resp.Viewers[cmd.CommandID])
		}
	}
}

// backoffInterval doubles the base per failure, capped, plus up to 50%
// jitter to spread retries across the fleet.
func backoffInterval(base time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures && d < maxPollBackoff; i++ {
		d *= 2
	}
	if d > maxPollBackoff {
		d = maxPollBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 2))
	return d + jitter
}

// execute runs one command and reports its outcome. Every command reaches a
// terminal status exactly once on the control plane; the idempotency key on
// the result report keeps retries harmless.
func (p *Poller) execute(ctx context.Context, cmd *Command, assignedViewers []string) {
	log.Printf("Executing command %s (%s)", cmd.CommandID, cmd.Type)

	var (
		result any
		err    error
	)

	switch cmd.Type {
	case "spawn":
		result, err = p.executeSpawn(ctx, cmd, assignedViewers)
	case "stop":
		result, err = p.executeStop(ctx, cmd)
	case "update_proxy":
		result, err = p.executeUpdateProxy(ctx, cmd)
	case "reconnect":
		result = map[string]any{"reconnected": p.viewers.Reconnect(ctx)}
	case "custom":
		// Custom commands are surfaced to the operator log; this agent has
		// no handlers registered for them.
		p.client.ReportLog(ctx, "info", "custom command received", json.RawMessage(cmd.Payload))
		result = map[string]any{"handled": false}
	default:
		err = &commandError{msg: "unsupported command type: " + cmd.Type}
	}

	status := "executed"
	if err != nil {
		status = "failed"
		result = map[string]string{"error": err.Error()}
		p.client.ReportLog(ctx, "error", "command "+cmd.CommandID+" failed: "+err.Error(), nil)
	}

	if rerr := p.client.ReportResult(ctx, cmd.CommandID, status, result); rerr != nil {
		log.Printf("Failed to report result for %s: %v", cmd.CommandID, rerr)
	}
}

type commandError struct{ msg string }

func (e *commandError) Error() string { return e.msg }

func (p *Poller) executeSpawn(ctx context.Context, cmd *Command, assignedViewers []string) (any, error) {
	var payload SpawnPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, err
	}
	if len(assignedViewers) == 0 {
		return nil, &commandError{msg: "no viewer assignments in poll response"}
	}

	p.viewers.Spawn(ctx, assignedViewers, payload.URL, payload.Proxy)
	p.reportViewerState(ctx)

	return map[string]any{"spawned": len(assignedViewers)}, nil
}

func (p *Poller) executeStop(ctx context.Context, cmd *Command) (any, error) {
	var payload StopPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, err
	}

	stopped := p.viewers.Stop(payload.All, payload.ViewerID)
	p.reportViewerState(ctx)
	p.viewers.Prune()

	return map[string]any{"stopped": stopped}, nil
}

func (p *Poller) executeUpdateProxy(ctx context.Context, cmd *Command) (any, error) {
	var payload UpdateProxyPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return nil, err
	}

	rotated := p.viewers.RotateProxy(payload.Proxy)
	return map[string]any{"rotated": len(rotated)}, nil
}

// reportViewerState pushes the current per-viewer statuses upstream.
// Best-effort: the next heartbeat cycle retries implicitly.
func (p *Poller) reportViewerState(ctx context.Context) {
	reports := p.viewers.Reports()
	if len(reports) == 0 {
		return
	}
	if err := p.client.ReportViewers(ctx, reports); err != nil {
		log.Printf("Failed to report viewer state: %v", err)
	}
}
