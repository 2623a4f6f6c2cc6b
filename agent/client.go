package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Command is a pending instruction fetched from the control plane.
type Command struct {
	CommandID string          `json:"command_id"`
	Type      string          `json:"type"`
	Target    string          `json:"target"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// SpawnPayload mirrors the spawn command payload schema.
type SpawnPayload struct {
	URL    string `json:"url"`
	Count  int    `json:"count"`
	Proxy  string `json:"proxy,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// StopPayload mirrors the stop command payload schema.
type StopPayload struct {
	All      bool   `json:"all,omitempty"`
	ViewerID string `json:"viewerId,omitempty"`
}

// UpdateProxyPayload mirrors the update_proxy command payload schema.
type UpdateProxyPayload struct {
	Proxy string `json:"proxy,omitempty"`
}

// ViewerReport is one entry in a viewer_update batch.
type ViewerReport struct {
	ID     string `json:"id"`
	URL    string `json:"url,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// SlaveMetrics is the telemetry snapshot attached to heartbeats.
type SlaveMetrics struct {
	CPU       float64 `json:"cpu"`
	RAM       float64 `json:"ram"`
	Instances int     `json:"instances"`
}

// PendingResponse is the control plane's answer to get_pending_commands.
// Viewers maps each admitted spawn command to the viewer rows the control
// plane pre-created for it.
type PendingResponse struct {
	Success  bool                `json:"success"`
	Commands []Command           `json:"commands"`
	Viewers  map[string][]string `json:"viewers"`
}

// Client speaks the webhook protocol to the control plane.
type Client struct {
	cfg  *Config
	http *http.Client
}

// NewClient creates a webhook client.
func NewClient(cfg *Config) *Client {
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

type webhookEnvelope struct {
	Type    string `json:"type"`
	SlaveID string `json:"slaveId"`
	Data    any    `json:"data"`
}

// post sends one webhook call and decodes the response into out (if non-nil).
// idemKey, when non-empty, makes retries of the same report safe.
func (c *Client) post(ctx context.Context, verb string, data any, idemKey string, out any) error {
	body, err := json.Marshal(webhookEnvelope{Type: verb, SlaveID: c.cfg.SlaveID, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", verb, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+"/webhook", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", verb, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.Secret)
	if idemKey != "" {
		req.Header.Set("X-Idempotency-Key", idemKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", verb, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return fmt.Errorf("%s rejected with status %d: %s", verb, resp.StatusCode, errBody.Error)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s response: %w", verb, err)
		}
	}
	return nil
}

// ReportStatus sends a status_update heartbeat.
func (c *Client) ReportStatus(ctx context.Context, status string, metrics SlaveMetrics) error {
	return c.post(ctx, "status_update", map[string]any{
		"status":   status,
		"hostname": c.cfg.Hostname,
		"metrics":  metrics,
	}, "", nil)
}

// ReportViewers sends a viewer_update batch.
func (c *Client) ReportViewers(ctx context.Context, viewers []ViewerReport) error {
	return c.post(ctx, "viewer_update", map[string]any{"viewers": viewers}, "", nil)
}

// ReportLog sends one log_entry.
func (c *Client) ReportLog(ctx context.Context, level, message string, details any) error {
	return c.post(ctx, "log_entry", map[string]any{
		"level":   level,
		"message": message,
		"details": details,
	}, "", nil)
}

// ReportResult sends a command_result with an idempotency key so a retried
// report cannot double-apply the terminal transition.
func (c *Client) ReportResult(ctx context.Context, commandID, status string, result any) error {
	return c.post(ctx, "command_result", map[string]any{
		"commandId": commandID,
		"status":    status,
		"result":    result,
	}, "result-"+commandID, nil)
}

// GetPendingCommands fetches this slave's pending work.
func (c *Client) GetPendingCommands(ctx context.Context) (*PendingResponse, error) {
	var resp PendingResponse
	if err := c.post(ctx, "get_pending_commands", map[string]any{}, "", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
