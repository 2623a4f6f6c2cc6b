package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/FrAqQ/viewer-command-center/control_plane/idempotency"
	"github.com/FrAqQ/viewer-command-center/control_plane/middleware"
	"github.com/FrAqQ/viewer-command-center/control_plane/store"
)

const testSecret = "test-webhook-secret"

func newTestWebhook() (*store.MemoryStore, *Queue, http.Handler) {
	s := store.NewMemoryStore()
	queue := NewQueue(s)
	gate := NewGate(s)
	wh := NewWebhook(s, queue, gate, idempotency.NewStore(nil))
	return s, queue, middleware.BearerAuth(testSecret, wh)
}

func postWebhook(t *testing.T, h http.Handler, token string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func TestWebhookRejectsBadToken(t *testing.T) {
	_, _, h := newTestWebhook()

	cases := []struct {
		name  string
		token string
	}{
		{"missing token", ""},
		{"wrong token", "not-the-secret"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := postWebhook(t, h, tc.token, `{"type":"status_update","slaveId":"s1","data":{"status":"online"}}`, nil)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			var body map[string]string
			decodeBody(t, rec, &body)
			if body["error"] != "Unauthorized" {
				t.Errorf("expected error %q, got %q", "Unauthorized", body["error"])
			}
		})
	}
}

func TestWebhookUnknownType(t *testing.T) {
	_, _, h := newTestWebhook()

	rec := postWebhook(t, h, testSecret, `{"type":"explode","slaveId":"s1","data":{}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] != "Unknown webhook type" {
		t.Errorf("expected error %q, got %q", "Unknown webhook type", body["error"])
	}
}

func TestWebhookRequiresSlaveID(t *testing.T) {
	_, _, h := newTestWebhook()

	rec := postWebhook(t, h, testSecret, `{"type":"status_update","data":{"status":"online"}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestWebhookMethodNotAllowed(t *testing.T) {
	_, _, h := newTestWebhook()

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestStatusUpdateSelfRegisters(t *testing.T) {
	s, _, h := newTestWebhook()

	rec := postWebhook(t, h, testSecret,
		`{"type":"status_update","slaveId":"s1","data":{"status":"online","hostname":"worker-1","metrics":{"cpu":12.5,"ram":40,"instances":3}}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	slave, err := s.GetSlave(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetSlave failed: %v", err)
	}
	if slave == nil {
		t.Fatal("expected slave row to be created by status_update")
	}
	if slave.Status != "online" || slave.Hostname != "worker-1" {
		t.Errorf("unexpected slave state: %+v", slave)
	}
	if slave.Metrics.Instances != 3 {
		t.Errorf("expected 3 instances, got %d", slave.Metrics.Instances)
	}
	if slave.LastSeen.IsZero() {
		t.Error("expected lastSeen to be set")
	}
}

func TestStatusUpdateRejectsNegativeMetrics(t *testing.T) {
	_, _, h := newTestWebhook()

	rec := postWebhook(t, h, testSecret,
		`{"type":"status_update","slaveId":"s1","data":{"status":"online","metrics":{"cpu":-1,"ram":0,"instances":0}}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestViewerUpdateBatchResults(t *testing.T) {
	s, _, h := newTestWebhook()
	ctx := context.Background()

	s.CreateViewer(ctx, &store.ViewerInstance{ViewerID: "v1", SlaveID: "s1", Status: "running"})
	s.CreateViewer(ctx, &store.ViewerInstance{ViewerID: "v2", SlaveID: "s1", Status: "running"})

	rec := postWebhook(t, h, testSecret,
		`{"type":"viewer_update","slaveId":"s1","data":{"viewers":[
			{"id":"v1","status":"running"},
			{"id":"ghost","status":"running"},
			{"id":"v2","status":"error","error":"proxy timeout"}
		]}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Success bool `json:"success"`
		Results []struct {
			ID      string `json:"id"`
			Success bool   `json:"success"`
			Error   string `json:"error"`
		} `json:"results"`
	}
	decodeBody(t, rec, &body)
	if !body.Success {
		t.Error("expected batch-level success true despite per-item failure")
	}
	if len(body.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(body.Results))
	}
	if !body.Results[0].Success || body.Results[1].Success || !body.Results[2].Success {
		t.Errorf("unexpected per-item outcomes: %+v", body.Results)
	}
	if body.Results[1].ID != "ghost" || body.Results[1].Error == "" {
		t.Errorf("expected failure detail for unknown viewer, got %+v", body.Results[1])
	}

	v2, _ := s.GetViewer(ctx, "v2")
	if v2.Status != "error" || v2.Error != "proxy timeout" {
		t.Errorf("expected v2 updated to error state, got %+v", v2)
	}
}

func TestLogEntryLevelWhitelist(t *testing.T) {
	s, _, h := newTestWebhook()

	rec := postWebhook(t, h, testSecret,
		`{"type":"log_entry","slaveId":"s1","data":{"level":"debug","message":"hi"}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid level, got %d", rec.Code)
	}

	rec = postWebhook(t, h, testSecret,
		`{"type":"log_entry","slaveId":"s1","data":{"level":"warning","message":"disk pressure"}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	logs, _ := s.ListLogs(context.Background(), 10)
	if len(logs) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(logs))
	}
	if logs[0].Source != "s1" || logs[0].Level != "warning" {
		t.Errorf("unexpected log entry: %+v", logs[0])
	}
}

func TestCommandResultAppliesOnce(t *testing.T) {
	s, queue, h := newTestWebhook()
	ctx := context.Background()

	ids, err := queue.Enqueue(ctx, store.CommandReconnect, "s1", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	cmdID := ids[0]

	rec := postWebhook(t, h, testSecret,
		`{"type":"command_result","slaveId":"s1","data":{"commandId":"`+cmdID+`","status":"executed","result":{"ok":true}}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// A duplicate report with a contradictory status must not flip the row.
	rec = postWebhook(t, h, testSecret,
		`{"type":"command_result","slaveId":"s1","data":{"commandId":"`+cmdID+`","status":"failed"}}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for stale report, got %d", rec.Code)
	}

	cmd, _ := s.GetCommand(ctx, cmdID)
	if cmd.Status != store.StatusExecuted {
		t.Errorf("expected status executed after stale report, got %s", cmd.Status)
	}
}

func TestCommandResultRejectsNonTerminalStatus(t *testing.T) {
	_, _, h := newTestWebhook()

	rec := postWebhook(t, h, testSecret,
		`{"type":"command_result","slaveId":"s1","data":{"commandId":"c1","status":"pending"}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetPendingCommandsPayloadRoundTrip(t *testing.T) {
	s, queue, h := newTestWebhook()
	ctx := context.Background()

	s.UpsertSlave(ctx, &store.SlaveServer{SlaveID: "s1", Name: "s1", Status: "online"})

	payload := `{"url":"https://example.com/live","count":2,"proxy":"10.0.0.1:8080"}`
	ids, err := queue.Enqueue(ctx, store.CommandSpawn, "s1", json.RawMessage(payload))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	rec := postWebhook(t, h, testSecret, `{"type":"get_pending_commands","slaveId":"s1"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Success  bool                `json:"success"`
		Commands []*store.Command    `json:"commands"`
		Viewers  map[string][]string `json:"viewers"`
	}
	decodeBody(t, rec, &body)
	if len(body.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(body.Commands))
	}
	cmd := body.Commands[0]
	if cmd.CommandID != ids[0] || cmd.Status != store.StatusPending {
		t.Errorf("unexpected command: %+v", cmd)
	}
	if !bytes.Equal(cmd.Payload, []byte(payload)) {
		t.Errorf("payload did not survive the round trip: got %s", cmd.Payload)
	}

	assigned := body.Viewers[ids[0]]
	if len(assigned) != 2 {
		t.Fatalf("expected 2 assigned viewer IDs, got %d", len(assigned))
	}
	for _, vid := range assigned {
		v, _ := s.GetViewer(ctx, vid)
		if v == nil {
			t.Fatalf("viewer row %s was not created", vid)
		}
		if v.SlaveID != "s1" || v.URL != "https://example.com/live" || v.Status != "running" {
			t.Errorf("unexpected viewer row: %+v", v)
		}
	}

	// Polling refreshes liveness.
	slave, _ := s.GetSlave(ctx, "s1")
	if slave.LastSeen.IsZero() {
		t.Error("expected poll to refresh lastSeen")
	}
}

func TestGetPendingCommandsQuotaExceeded(t *testing.T) {
	s, queue, h := newTestWebhook()
	ctx := context.Background()

	s.UpsertSlave(ctx, &store.SlaveServer{SlaveID: "s1", Name: "s1", Status: "online"})
	s.SeedUserPlan(
		&store.User{UserID: "u1", PlanID: "starter"},
		&store.Plan{PlanID: "starter", Name: "Starter", ViewerLimit: 2},
	)
	s.CreateViewer(ctx, &store.ViewerInstance{ViewerID: "existing", UserID: "u1", Status: "running", StartedAt: time.Now()})

	ids, err := queue.Enqueue(ctx, store.CommandSpawn, "s1",
		json.RawMessage(`{"url":"https://example.com/live","count":5,"userId":"u1"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	rec := postWebhook(t, h, testSecret, `{"type":"get_pending_commands","slaveId":"s1"}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var body struct {
		Commands []*store.Command `json:"commands"`
	}
	decodeBody(t, rec, &body)
	if len(body.Commands) != 0 {
		t.Fatalf("expected over-quota spawn excluded from poll, got %d commands", len(body.Commands))
	}

	cmd, _ := s.GetCommand(ctx, ids[0])
	if cmd.Status != store.StatusFailed {
		t.Fatalf("expected over-quota spawn failed, got %s", cmd.Status)
	}
	var result map[string]string
	if err := json.Unmarshal(cmd.Result, &result); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if !strings.Contains(result["error"], "viewer limit reached for user u1") {
		t.Errorf("expected explanatory result, got %q", result["error"])
	}

	// No viewer rows beyond the pre-existing one.
	count, _ := s.CountRunningViewersByUser(ctx, "u1")
	if count != 1 {
		t.Errorf("expected no new viewer rows, running count = %d", count)
	}
}

func TestGetPendingCommandsWithinQuota(t *testing.T) {
	s, queue, h := newTestWebhook()
	ctx := context.Background()

	s.UpsertSlave(ctx, &store.SlaveServer{SlaveID: "s1", Name: "s1", Status: "online"})
	s.SeedUserPlan(
		&store.User{UserID: "u1", PlanID: "pro"},
		&store.Plan{PlanID: "pro", Name: "Pro", ViewerLimit: 10},
	)

	if _, err := queue.Enqueue(ctx, store.CommandSpawn, "s1",
		json.RawMessage(`{"url":"https://example.com/live","count":3,"userId":"u1"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	rec := postWebhook(t, h, testSecret, `{"type":"get_pending_commands","slaveId":"s1"}`, nil)
	var body struct {
		Commands []*store.Command `json:"commands"`
	}
	decodeBody(t, rec, &body)
	if len(body.Commands) != 1 {
		t.Fatalf("expected 1 admitted command, got %d", len(body.Commands))
	}

	count, _ := s.CountRunningViewersByUser(ctx, "u1")
	if count != 3 {
		t.Errorf("expected 3 viewer rows created, got %d", count)
	}
}

func TestGetPendingCommandsRepollReusesAssignment(t *testing.T) {
	s, queue, h := newTestWebhook()
	ctx := context.Background()

	s.UpsertSlave(ctx, &store.SlaveServer{SlaveID: "s1", Name: "s1", Status: "online"})
	// Limit equal to the spawn count: duplicate viewer rows from a re-poll
	// would push the user over quota and fail their own command.
	s.SeedUserPlan(
		&store.User{UserID: "u1", PlanID: "starter"},
		&store.Plan{PlanID: "starter", Name: "Starter", ViewerLimit: 3},
	)

	ids, err := queue.Enqueue(ctx, store.CommandSpawn, "s1",
		json.RawMessage(`{"url":"https://example.com/live","count":3,"userId":"u1"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	poll := func() map[string][]string {
		rec := postWebhook(t, h, testSecret, `{"type":"get_pending_commands","slaveId":"s1"}`, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		var body struct {
			Commands []*store.Command    `json:"commands"`
			Viewers  map[string][]string `json:"viewers"`
		}
		decodeBody(t, rec, &body)
		if len(body.Commands) != 1 {
			t.Fatalf("expected 1 admitted command, got %d", len(body.Commands))
		}
		return body.Viewers
	}

	first := poll()
	// Re-poll before any command_result lands: slow execution or an agent
	// restart makes this a normal occurrence.
	second := poll()

	if len(first[ids[0]]) != 3 || len(second[ids[0]]) != 3 {
		t.Fatalf("expected 3 assigned viewers per poll, got %d and %d",
			len(first[ids[0]]), len(second[ids[0]]))
	}
	for i, vid := range first[ids[0]] {
		if second[ids[0]][i] != vid {
			t.Errorf("assignment changed between polls: %v vs %v", first[ids[0]], second[ids[0]])
			break
		}
	}

	count, _ := s.CountRunningViewersByUser(ctx, "u1")
	if count != 3 {
		t.Errorf("expected 3 viewer rows after re-poll, got %d", count)
	}

	cmd, _ := s.GetCommand(ctx, ids[0])
	if cmd.Status != store.StatusPending {
		t.Errorf("expected command still pending after re-polls, got %s", cmd.Status)
	}
}

func TestIdempotentReplayDoesNotReapply(t *testing.T) {
	s, _, h := newTestWebhook()

	body := `{"type":"log_entry","slaveId":"s1","data":{"level":"info","message":"once"}}`
	headers := map[string]string{"X-Idempotency-Key": "log-abc"}

	rec1 := postWebhook(t, h, testSecret, body, headers)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec1.Code)
	}
	rec2 := postWebhook(t, h, testSecret, body, headers)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 on replay, got %d", rec2.Code)
	}
	if rec1.Body.String() != rec2.Body.String() {
		t.Errorf("replay returned a different body: %q vs %q", rec1.Body.String(), rec2.Body.String())
	}

	logs, _ := s.ListLogs(context.Background(), 10)
	if len(logs) != 1 {
		t.Errorf("expected replay to skip the write, got %d log entries", len(logs))
	}
}
