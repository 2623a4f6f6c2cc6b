package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/FrAqQ/viewer-command-center/control_plane/idempotency"
	"github.com/FrAqQ/viewer-command-center/control_plane/middleware"
	"github.com/FrAqQ/viewer-command-center/control_plane/store"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	ctx := context.Background()

	webhookSecret := os.Getenv("WEBHOOK_SECRET")
	if webhookSecret == "" {
		log.Fatal("WEBHOOK_SECRET is required")
	}
	adminSecret := envOr("ADMIN_SECRET", webhookSecret)

	// Storage: Postgres when configured, in-memory otherwise (dev mode).
	var s store.Store
	if connString := os.Getenv("DATABASE_URL"); connString != "" {
		pg, err := store.NewPostgresStore(ctx, connString)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.Close()
		s = pg
		log.Println("Connected to Postgres record store")
	} else {
		s = store.NewMemoryStore()
		log.Println("DATABASE_URL not set. Using in-memory store (dev mode, no durability)")
	}

	// Idempotency cache: Redis when configured, process memory otherwise.
	var idemStore *idempotency.Store
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		client, err := idempotency.NewRedisClient(redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("Failed to connect to Redis at %s: %v", redisAddr, err)
		}
		idemStore = idempotency.NewStore(client)
		log.Printf("Connected to Redis at %s for idempotency cache", redisAddr)
	} else {
		idemStore = idempotency.NewStore(nil)
		log.Println("REDIS_ADDR not set. Using in-memory idempotency cache (ephemeral)")
	}

	queue := NewQueue(s)
	gate := NewGate(s)
	webhook := NewWebhook(s, queue, gate, idemStore)
	api := NewAPI(s, queue)

	// Background workers.
	monitor := NewSlaveMonitor(s, 15*time.Second, 60*time.Second)
	monitor.Start(ctx)

	checker := NewProxyChecker(s, 5*time.Minute)
	checker.Start(ctx)

	go api.wsHub.Run(ctx)

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Slave poll protocol: one stateless POST endpoint behind the shared
	// webhook secret.
	mux.Handle("/webhook", middleware.BearerAuth(webhookSecret, webhook))

	// Dashboard REST surface behind the admin secret.
	admin := func(h http.HandlerFunc) http.Handler {
		return middleware.BearerAuth(adminSecret, h)
	}
	mux.Handle("/api/slaves", admin(api.handleSlaves))
	mux.Handle("/api/slaves/", admin(api.handleSlaveByID))
	mux.Handle("/api/proxies", admin(api.handleProxies))
	mux.Handle("/api/proxies/import", admin(api.handleProxyImport))
	mux.Handle("/api/proxies/", admin(api.handleProxyByID))
	mux.Handle("/api/viewers", admin(api.handleViewers))
	mux.Handle("/api/viewers/", admin(api.handleViewerByID))
	mux.Handle("/api/commands", admin(api.handleCommands))
	mux.Handle("/api/logs", admin(api.handleLogs))
	mux.Handle("/api/dashboard", admin(api.handleGetDashboard))
	mux.Handle("/api/dashboard/stream", admin(api.handleDashboardStream))

	// Metrics Endpoint
	mux.Handle("/metrics", promhttp.Handler())

	addr := ":" + envOr("PORT", "8080")
	log.Printf("Viewer Command Center control plane listening on %s", addr)

	handler := middleware.CORSMiddleware(mux)
	log.Fatal(http.ListenAndServe(addr, handler))
}
