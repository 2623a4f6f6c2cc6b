package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/FrAqQ/viewer-command-center/control_plane/store"
)

// API serves the dashboard-facing REST surface: slave registry, proxy pool,
// viewer inspection, command issuing and log retrieval.
type API struct {
	store store.Store
	queue *Queue

	dashboardService *DashboardService
	wsHub            *DashboardHub
}

// NewAPI wires the dashboard API.
func NewAPI(s store.Store, queue *Queue) *API {
	api := &API{
		store: s,
		queue: queue,
	}
	api.dashboardService = NewDashboardService(s)
	api.wsHub = NewDashboardHub(api.dashboardService)
	return api
}

// pathID extracts the trailing ID from /api/{resource}/{id}.
func pathID(path, prefix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(path, prefix), "/")
}

// --- Slaves ---

func (a *API) handleSlaves(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		slaves, err := a.store.ListSlaves(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, slaves)
	case http.MethodPost:
		var slave store.SlaveServer
		if err := json.NewDecoder(r.Body).Decode(&slave); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if slave.SlaveID == "" {
			writeError(w, http.StatusBadRequest, "slave_id is required")
			return
		}
		if slave.Status == "" {
			slave.Status = "offline"
		}
		slave.LastSeen = time.Now()
		if err := a.store.UpsertSlave(r.Context(), &slave); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, slave)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (a *API) handleSlaveByID(w http.ResponseWriter, r *http.Request) {
	id := pathID(r.URL.Path, "/api/slaves/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Invalid slave ID")
		return
	}
	switch r.Method {
	case http.MethodGet:
		slave, err := a.store.GetSlave(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if slave == nil {
			writeError(w, http.StatusNotFound, "Slave not found")
			return
		}
		writeJSON(w, http.StatusOK, slave)
	case http.MethodDelete:
		if err := a.store.DeleteSlave(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "Slave not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"success": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// --- Proxies ---

func (a *API) handleProxies(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		proxies, err := a.store.ListProxies(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, proxies)
	case http.MethodPost:
		var proxy store.Proxy
		if err := json.NewDecoder(r.Body).Decode(&proxy); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		if proxy.Address == "" || proxy.Port <= 0 {
			writeError(w, http.StatusBadRequest, "address and port are required")
			return
		}
		proxy.ProxyID = generateUUID()
		if err := a.store.CreateProxy(r.Context(), &proxy); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, proxy)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (a *API) handleProxyByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	id := pathID(r.URL.Path, "/api/proxies/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Invalid proxy ID")
		return
	}
	if err := a.store.DeleteProxy(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Proxy not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleProxyImport bulk-imports proxies from a newline-separated text body.
// Unparseable lines are skipped and reported, not fatal.
func (a *API) handleProxyImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	proxies, skipped := ParseProxyList(req.Text)
	imported := 0
	for _, p := range proxies {
		p.ProxyID = generateUUID()
		if err := a.store.CreateProxy(r.Context(), p); err != nil {
			log.Printf("API: proxy import insert failed for %s:%d: %v", p.Address, p.Port, err)
			skipped++
			continue
		}
		imported++
	}

	writeJSON(w, http.StatusOK, map[string]int{"imported": imported, "skipped": skipped})
}

// --- Viewers ---

func (a *API) handleViewers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	viewers, err := a.store.ListViewers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewers)
}

func (a *API) handleViewerByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	id := pathID(r.URL.Path, "/api/viewers/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "Invalid viewer ID")
		return
	}
	if err := a.store.DeleteViewer(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Viewer not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// --- Commands ---

func (a *API) handleCommands(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		limit := 50
		if l := r.URL.Query().Get("limit"); l != "" {
			if n, err := strconv.Atoi(l); err == nil && n > 0 {
				limit = n
			}
		}
		cmds, err := a.store.ListCommands(r.Context(), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, cmds)
	case http.MethodPost:
		var req struct {
			Type    string          `json:"type"`
			Target  string          `json:"target"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
		ids, err := a.queue.Enqueue(r.Context(), req.Type, req.Target, req.Payload)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"command_ids": ids})
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// --- Logs ---

func (a *API) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	logs, err := a.store.ListLogs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// --- Dashboard ---

func (a *API) handleGetDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	snapshot, err := a.dashboardService.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}
