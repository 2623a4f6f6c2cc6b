package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const heartbeatInterval = 10 * time.Second

func main() {
	cfg := LoadConfig()
	log.Printf("Slave agent starting. Slave ID: %s", cfg.SlaveID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Received shutdown signal")
		cancel()
	}()

	client := NewClient(cfg)
	viewers := NewViewerManager()

	// Registration loop with backoff. The first status_update creates the
	// slave row on the control plane (self-registration).
	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := client.ReportStatus(ctx, "online", sampleMetrics(0))
		if err == nil {
			log.Println("Registered with control plane")
			break
		}
		log.Printf("Registration failed: %v. Retrying in %s...", err, backoff)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	go heartbeatLoop(ctx, client, viewers)

	poller := NewPoller(cfg, client, viewers)
	go poller.Run(ctx)

	<-ctx.Done()

	// Best-effort offline notice; the control plane's liveness monitor
	// catches the case where this never arrives.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := client.ReportStatus(shutdownCtx, "offline", sampleMetrics(viewers.RunningCount())); err != nil {
		log.Printf("Failed to report offline status: %v", err)
	}
	log.Println("Slave agent shutting down.")
}

// heartbeatLoop reports status and telemetry until the context is cancelled.
func heartbeatLoop(ctx context.Context, client *Client, viewers *ViewerManager) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Heartbeat loop stopping...")
			return
		case <-ticker.C:
			metrics := sampleMetrics(viewers.RunningCount())
			if err := client.ReportStatus(ctx, "online", metrics); err != nil {
				log.Printf("Heartbeat failed: %v", err)
			}
		}
	}
}
