package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxWSConnections = 100

// DashboardHub manages WebSocket connections and broadcasts dashboard
// snapshots. A single broadcaster ticker serves every client.
type DashboardHub struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	service    *DashboardService
}

// NewDashboardHub creates a new WebSocket hub.
func NewDashboardHub(service *DashboardService) *DashboardHub {
	return &DashboardHub{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		service:    service,
	}
}

// Run starts the hub's main loop.
func (h *DashboardHub) Run(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case conn := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxWSConnections {
				h.mu.Unlock()
				conn.Close()
				log.Printf("WebSocket connection rejected: max connections (%d) reached", maxWSConnections)
				continue
			}
			h.clients[conn] = struct{}{}
			h.mu.Unlock()
			log.Printf("WebSocket client registered. Total: %d", h.ClientCount())

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcast(ctx)
		}
	}
}

func (h *DashboardHub) broadcast(ctx context.Context) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return
	}

	snapshot, err := h.service.Snapshot(ctx)
	if err != nil {
		log.Printf("WebSocket broadcast: snapshot failed: %v", err)
		return
	}

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(snapshot); err != nil {
			log.Printf("WebSocket write error: %v", err)
			go h.Unregister(conn)
		}
	}
}

func (h *DashboardHub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	log.Printf("Shutting down WebSocket hub with %d clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a new client connection.
func (h *DashboardHub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes a client connection.
func (h *DashboardHub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// ClientCount returns the number of connected clients.
func (h *DashboardHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
