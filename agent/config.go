package main

import (
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the agent configuration and identity.
type Config struct {
	SlaveID      string
	Name         string
	Hostname     string
	ServerURL    string
	Secret       string
	PollInterval time.Duration
}

// LoadConfig initializes the agent configuration from the environment. The
// slave ID is persisted across restarts so the control plane keeps a stable
// row per machine.
func LoadConfig() *Config {
	secret := os.Getenv("WEBHOOK_SECRET")
	if secret == "" {
		log.Fatal("WEBHOOK_SECRET is required")
	}

	slaveID, err := getOrCreateSlaveID()
	if err != nil {
		log.Fatalf("Failed to initialize slave ID: %v", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v", err)
		hostname = "unknown"
	}

	serverURL := os.Getenv("CONTROL_PLANE_URL")
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}

	pollInterval := 5 * time.Second
	if v := os.Getenv("POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			pollInterval = d
		}
	}

	name := os.Getenv("SLAVE_NAME")
	if name == "" {
		name = hostname
	}

	return &Config{
		SlaveID:      slaveID,
		Name:         name,
		Hostname:     hostname,
		ServerURL:    serverURL,
		Secret:       secret,
		PollInterval: pollInterval,
	}
}

// getOrCreateSlaveID retrieves the existing slave ID or generates a new one.
// It persists the ID to ~/.viewercc/slave_id.
func getOrCreateSlaveID() (string, error) {
	if id := os.Getenv("SLAVE_ID"); id != "" {
		return id, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".viewercc")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	idPath := filepath.Join(configDir, "slave_id")

	data, err := os.ReadFile(idPath)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	newID := generateUUID()
	if err := os.WriteFile(idPath, []byte(newID), 0600); err != nil {
		return "", fmt.Errorf("failed to save slave ID to %s: %w", idPath, err)
	}

	return newID, nil
}

// generateUUID generates a random v4 UUID string.
func generateUUID() string {
	b := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		log.Fatalf("Failed to generate random UUID: %v", err)
	}
	b[8] = b[8]&0x3f | 0x80
	b[6] = b[6]&0x0f | 0x40
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}
