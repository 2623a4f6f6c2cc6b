package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/FrAqQ/viewer-command-center/control_plane/store"
)

func newTestAPI() (*store.MemoryStore, *API) {
	s := store.NewMemoryStore()
	return s, NewAPI(s, NewQueue(s))
}

func TestHandleCommandsPost(t *testing.T) {
	s, api := newTestAPI()

	req := httptest.NewRequest(http.MethodPost, "/api/commands",
		strings.NewReader(`{"type":"stop","target":"s1","payload":{"all":true}}`))
	rec := httptest.NewRecorder()
	api.handleCommands(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		CommandIDs []string `json:"command_ids"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(body.CommandIDs) != 1 {
		t.Fatalf("expected 1 command ID, got %d", len(body.CommandIDs))
	}

	cmd, _ := s.GetCommand(context.Background(), body.CommandIDs[0])
	if cmd == nil || cmd.Status != store.StatusPending {
		t.Errorf("expected pending command row, got %+v", cmd)
	}
}

func TestHandleCommandsPostInvalid(t *testing.T) {
	_, api := newTestAPI()

	req := httptest.NewRequest(http.MethodPost, "/api/commands",
		strings.NewReader(`{"type":"spawn","target":"s1","payload":{"count":1}}`))
	rec := httptest.NewRecorder()
	api.handleCommands(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for spawn without url, got %d", rec.Code)
	}
}

func TestHandleSlaveByID(t *testing.T) {
	s, api := newTestAPI()
	s.UpsertSlave(context.Background(), &store.SlaveServer{SlaveID: "s1", Name: "s1", Status: "online"})

	req := httptest.NewRequest(http.MethodGet, "/api/slaves/s1", nil)
	rec := httptest.NewRecorder()
	api.handleSlaveByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/slaves/nope", nil)
	rec = httptest.NewRecorder()
	api.handleSlaveByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/slaves/s1", nil)
	rec = httptest.NewRecorder()
	api.handleSlaveByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on delete, got %d", rec.Code)
	}
	if slave, _ := s.GetSlave(context.Background(), "s1"); slave != nil {
		t.Error("expected slave to be deleted")
	}
}

func TestHandleProxyImport(t *testing.T) {
	s, api := newTestAPI()

	body := `{"text":"10.0.0.1:8080\n10.0.0.2:3128:u:p\nbroken line\n"}`
	req := httptest.NewRequest(http.MethodPost, "/api/proxies/import", strings.NewReader(body))
	rec := httptest.NewRecorder()
	api.handleProxyImport(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]int
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["imported"] != 2 || resp["skipped"] != 1 {
		t.Errorf("expected imported=2 skipped=1, got %v", resp)
	}

	proxies, _ := s.ListProxies(context.Background())
	if len(proxies) != 2 {
		t.Errorf("expected 2 proxy rows, got %d", len(proxies))
	}
	for _, p := range proxies {
		if p.ProxyID == "" {
			t.Error("expected import to assign proxy IDs")
		}
	}
}

func TestDashboardSnapshotAggregates(t *testing.T) {
	s, api := newTestAPI()
	ctx := context.Background()

	s.UpsertSlave(ctx, &store.SlaveServer{SlaveID: "s1", Status: "online", Metrics: store.SlaveMetrics{Instances: 4}})
	s.UpsertSlave(ctx, &store.SlaveServer{SlaveID: "s2", Status: "offline"})
	s.UpsertSlave(ctx, &store.SlaveServer{SlaveID: "s3", Status: "error", Metrics: store.SlaveMetrics{Instances: 1}})
	s.CreateViewer(ctx, &store.ViewerInstance{ViewerID: "v1", Status: "running"})
	s.CreateViewer(ctx, &store.ViewerInstance{ViewerID: "v2", Status: "stopped"})
	s.CreateProxy(ctx, &store.Proxy{ProxyID: "p1", Address: "10.0.0.1", Port: 80, Valid: true})
	s.CreateProxy(ctx, &store.Proxy{ProxyID: "p2", Address: "10.0.0.2", Port: 80})
	s.CreateCommand(ctx, &store.Command{CommandID: "c1", Type: store.CommandReconnect, Target: "s1",
		Payload: json.RawMessage(`{}`), Status: store.StatusPending, CreatedAt: time.Now()})

	snap, err := api.dashboardService.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	if snap.OnlineSlaves != 1 || snap.OfflineSlaves != 1 || snap.ErrorSlaves != 1 {
		t.Errorf("unexpected slave counts: %+v", snap)
	}
	if snap.RunningViewers != 1 {
		t.Errorf("expected 1 running viewer, got %d", snap.RunningViewers)
	}
	if snap.PendingCommands != 1 {
		t.Errorf("expected 1 pending command, got %d", snap.PendingCommands)
	}
	if snap.ValidProxies != 1 || snap.TotalProxies != 2 {
		t.Errorf("unexpected proxy counts: %+v", snap)
	}
	if snap.TotalInstances != 5 {
		t.Errorf("expected 5 total instances, got %d", snap.TotalInstances)
	}
}
