package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/FrAqQ/viewer-command-center/control_plane/idempotency"
	"github.com/FrAqQ/viewer-command-center/control_plane/observability"
	"github.com/FrAqQ/viewer-command-center/control_plane/store"
)

// Webhook verb names. The agent drives the whole poll protocol through these
// five verbs on a single stateless POST endpoint.
const (
	verbStatusUpdate       = "status_update"
	verbViewerUpdate       = "viewer_update"
	verbLogEntry           = "log_entry"
	verbCommandResult      = "command_result"
	verbGetPendingCommands = "get_pending_commands"
)

// webhookEnvelope is the request body shared by every verb.
type webhookEnvelope struct {
	Type    string          `json:"type"`
	SlaveID string          `json:"slaveId"`
	Data    json.RawMessage `json:"data"`
}

// Webhook is the single endpoint slave agents use to fetch work and report
// results, telemetry and log events. Each request is handled independently;
// concurrency control is left to the store's row-level semantics.
type Webhook struct {
	store store.Store
	queue *Queue
	gate  *Gate
	idem  *idempotency.Store

	// Storm protection across the whole fleet.
	limiter *rate.Limiter
}

// NewWebhook wires the webhook handler.
func NewWebhook(s store.Store, queue *Queue, gate *Gate, idem *idempotency.Store) *Webhook {
	return &Webhook{
		store: s,
		queue: queue,
		gate:  gate,
		idem:  idem,
		// Allow 100 requests/sec, burst 200.
		limiter: rate.NewLimiter(rate.Limit(100), 200),
	}
}

// ServeHTTP handles one webhook call. Auth has already been enforced by the
// bearer middleware; nothing here runs for an unauthenticated request.
func (h *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The endpoint must always respond; a handler bug must not reset the
	// connection on the agent.
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("Webhook: panic recovered: %v", rec)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
	}()

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	if !h.limiter.Allow() {
		observability.APIRateLimited.WithLabelValues("webhook").Inc()
		retryAfter := 1 + rand.Intn(2) // jittered seconds
		w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
		writeError(w, http.StatusTooManyRequests, "Too Many Requests")
		return
	}

	var env webhookEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		observability.WebhookRequests.WithLabelValues("invalid", "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if env.SlaveID == "" {
		observability.WebhookRequests.WithLabelValues(env.Type, "bad_request").Inc()
		writeError(w, http.StatusBadRequest, "slaveId is required")
		return
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage(`{}`)
	}

	// Report verbs tolerate retries: a replayed idempotency key returns the
	// cached response without touching the store again.
	if key := r.Header.Get("X-Idempotency-Key"); key != "" && env.Type != verbGetPendingCommands {
		if cached, ok := h.idem.Get(r.Context(), key); ok {
			observability.IdempotentReplays.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(cached.StatusCode)
			w.Write(cached.Body)
			return
		}
		status, body := h.dispatch(r.Context(), &env)
		h.idem.Set(r.Context(), key, idempotency.Response{StatusCode: status, Body: body})
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
		return
	}

	status, body := h.dispatch(r.Context(), &env)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// dispatch routes the envelope to its verb handler and renders the response.
func (h *Webhook) dispatch(ctx context.Context, env *webhookEnvelope) (int, []byte) {
	var (
		payload any
		err     error
	)

	switch env.Type {
	case verbStatusUpdate:
		payload, err = h.handleStatusUpdate(ctx, env.SlaveID, env.Data)
	case verbViewerUpdate:
		payload, err = h.handleViewerUpdate(ctx, env.Data)
	case verbLogEntry:
		payload, err = h.handleLogEntry(ctx, env.SlaveID, env.Data)
	case verbCommandResult:
		payload, err = h.handleCommandResult(ctx, env.Data)
	case verbGetPendingCommands:
		payload, err = h.handleGetPendingCommands(ctx, env.SlaveID)
	default:
		observability.WebhookRequests.WithLabelValues(env.Type, "bad_request").Inc()
		return marshalResponse(http.StatusBadRequest, map[string]string{"error": "Unknown webhook type"})
	}

	if err != nil {
		var be *badRequestError
		if errors.As(err, &be) {
			observability.WebhookRequests.WithLabelValues(env.Type, "bad_request").Inc()
			return marshalResponse(http.StatusBadRequest, map[string]string{"error": be.msg})
		}
		log.Printf("Webhook: %s failed for slave %s: %v", env.Type, env.SlaveID, err)
		observability.WebhookRequests.WithLabelValues(env.Type, "error").Inc()
		return marshalResponse(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	observability.WebhookRequests.WithLabelValues(env.Type, "ok").Inc()
	return marshalResponse(http.StatusOK, payload)
}

func marshalResponse(status int, v any) (int, []byte) {
	body, err := json.Marshal(v)
	if err != nil {
		return http.StatusInternalServerError, []byte(`{"error":"internal error"}`)
	}
	return status, body
}

// badRequestError marks validation failures that map to HTTP 400.
type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &badRequestError{msg: fmt.Sprintf(format, args...)}
}

// --- status_update ---

type statusUpdateData struct {
	Status   string              `json:"status"`
	Hostname string              `json:"hostname,omitempty"`
	IP       string              `json:"ip,omitempty"`
	Metrics  *store.SlaveMetrics `json:"metrics,omitempty"`
}

// handleStatusUpdate upserts the slave row. An unknown slaveId creates the
// row (self-registration); lastSeen is always refreshed to now.
func (h *Webhook) handleStatusUpdate(ctx context.Context, slaveID string, data json.RawMessage) (any, error) {
	var d statusUpdateData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, badRequest("invalid status_update data: %v", err)
	}
	if d.Status == "" {
		return nil, badRequest("status is required")
	}
	if d.Metrics != nil && (d.Metrics.CPU < 0 || d.Metrics.RAM < 0 || d.Metrics.Instances < 0) {
		return nil, badRequest("metrics must be non-negative")
	}

	slave, err := h.store.GetSlave(ctx, slaveID)
	if err != nil {
		return nil, err
	}
	if slave == nil {
		slave = &store.SlaveServer{SlaveID: slaveID, Name: slaveID}
	}
	slave.Status = d.Status
	slave.LastSeen = time.Now()
	if d.Hostname != "" {
		slave.Hostname = d.Hostname
	}
	if d.IP != "" {
		slave.IP = d.IP
	}
	if d.Metrics != nil {
		slave.Metrics = *d.Metrics
	}

	if err := h.store.UpsertSlave(ctx, slave); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

// --- viewer_update ---

type viewerUpdateData struct {
	Viewers []viewerUpdateItem `json:"viewers"`
}

type viewerUpdateItem struct {
	ID         string `json:"id"`
	URL        string `json:"url,omitempty"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Screenshot string `json:"screenshot,omitempty"`
}

type viewerUpdateResult struct {
	ID      string `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// handleViewerUpdate applies a batch of per-viewer status reports. The batch
// has partial-failure semantics: one bad entry never aborts the rest, and the
// response array mirrors the input one-to-one.
func (h *Webhook) handleViewerUpdate(ctx context.Context, data json.RawMessage) (any, error) {
	var d viewerUpdateData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, badRequest("invalid viewer_update data: %v", err)
	}

	results := make([]viewerUpdateResult, 0, len(d.Viewers))
	for _, item := range d.Viewers {
		res := viewerUpdateResult{ID: item.ID, Success: true}
		err := h.store.UpdateViewerStatus(ctx, item.ID, item.Status, item.Error)
		if err != nil {
			res.Success = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}

	return map[string]any{"success": true, "results": results}, nil
}

// --- log_entry ---

type logEntryData struct {
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Details json.RawMessage `json:"details,omitempty"`
}

func (h *Webhook) handleLogEntry(ctx context.Context, slaveID string, data json.RawMessage) (any, error) {
	var d logEntryData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, badRequest("invalid log_entry data: %v", err)
	}
	switch d.Level {
	case "info", "warning", "error":
	default:
		return nil, badRequest("invalid log level %q", d.Level)
	}
	if d.Message == "" {
		return nil, badRequest("message is required")
	}

	entry := &store.LogEntry{
		LogID:     generateUUID(),
		Timestamp: time.Now(),
		Level:     d.Level,
		Source:    slaveID,
		Message:   d.Message,
		Details:   d.Details,
	}
	if err := h.store.AppendLog(ctx, entry); err != nil {
		return nil, err
	}
	return map[string]any{"success": true, "logId": entry.LogID}, nil
}

// --- command_result ---

type commandResultData struct {
	CommandID string          `json:"commandId"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
}

func (h *Webhook) handleCommandResult(ctx context.Context, data json.RawMessage) (any, error) {
	var d commandResultData
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, badRequest("invalid command_result data: %v", err)
	}
	if d.CommandID == "" {
		return nil, badRequest("commandId is required")
	}
	if d.Status != store.StatusExecuted && d.Status != store.StatusFailed {
		return nil, badRequest("status must be executed or failed")
	}

	if err := h.queue.Complete(ctx, d.CommandID, d.Status, d.Result); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

// --- get_pending_commands ---

// handleGetPendingCommands returns the slave's pending commands in insertion
// order. This is a read with side effects: spawn commands attributed to a
// user are re-validated against the capacity gate, and rejected ones are
// force-failed and excluded from the response. For each admitted spawn the
// viewer rows are created up front; their IDs ride alongside the unmodified
// command payload so the agent can attach its sessions to them.
//
// The side effect is single-shot per command. Viewer IDs are derived from the
// command ID, and a spawn whose rows already exist (a re-poll while the
// command is still pending) skips the gate and row creation and is handed the
// same assignment again.
func (h *Webhook) handleGetPendingCommands(ctx context.Context, slaveID string) (any, error) {
	pending, err := h.store.ListPendingCommands(ctx, slaveID)
	if err != nil {
		return nil, err
	}

	// Polling doubles as a liveness signal. Best-effort: the slave may not
	// have registered yet.
	if err := h.store.UpdateSlaveLastSeen(ctx, slaveID, time.Now()); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("Webhook: lastSeen refresh failed for %s: %v", slaveID, err)
	}

	admitted := make([]*store.Command, 0, len(pending))
	viewerAssignments := make(map[string][]string)

	for _, cmd := range pending {
		if cmd.Type != store.CommandSpawn {
			admitted = append(admitted, cmd)
			continue
		}

		spawn, err := store.DecodeSpawnPayload(cmd.Payload)
		if err != nil {
			// A malformed payload should have been caught at enqueue;
			// fail the command rather than crash the poll.
			if ferr := h.queue.Fail(ctx, cmd.CommandID, "malformed spawn payload"); ferr != nil {
				return nil, ferr
			}
			continue
		}

		first, err := h.store.GetViewer(ctx, viewerID(cmd.CommandID, 0))
		if err != nil {
			return nil, err
		}
		if first == nil {
			if !h.gate.CanStartViewers(ctx, spawn.UserID, spawn.Count) {
				reason := fmt.Sprintf("viewer limit reached for user %s", spawn.UserID)
				if ferr := h.queue.Fail(ctx, cmd.CommandID, reason); ferr != nil {
					return nil, ferr
				}
				continue
			}
			if err := h.createViewerRows(ctx, slaveID, cmd.CommandID, spawn); err != nil {
				return nil, err
			}
		}
		viewerAssignments[cmd.CommandID] = assignedViewerIDs(cmd.CommandID, spawn.Count)
		admitted = append(admitted, cmd)
	}

	return map[string]any{
		"success":  true,
		"commands": admitted,
		"viewers":  viewerAssignments,
	}, nil
}

// viewerID derives the i-th viewer ID for a spawn command. Deterministic so
// a re-polled spawn maps onto the rows the first poll created.
func viewerID(commandID string, i int) string {
	return fmt.Sprintf("%s-v%d", commandID, i)
}

func assignedViewerIDs(commandID string, count int) []string {
	ids := make([]string, count)
	for i := range ids {
		ids[i] = viewerID(commandID, i)
	}
	return ids
}

func (h *Webhook) createViewerRows(ctx context.Context, slaveID, commandID string, spawn *store.SpawnPayload) error {
	now := time.Now()
	for i := 0; i < spawn.Count; i++ {
		v := &store.ViewerInstance{
			ViewerID:  viewerID(commandID, i),
			SlaveID:   slaveID,
			UserID:    spawn.UserID,
			URL:       spawn.URL,
			Proxy:     spawn.Proxy,
			Status:    "running",
			StartedAt: now,
		}
		if err := h.store.CreateViewer(ctx, v); err != nil {
			return err
		}
	}
	return nil
}
