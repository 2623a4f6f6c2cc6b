package store

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Typed command payloads. The wire format keeps the open JSON document the
// dashboard sends, but every document is validated against the schema for its
// command type before it is accepted into the queue.

// SpawnPayload instructs a slave to start viewer sessions against a stream URL.
type SpawnPayload struct {
	URL    string `json:"url"`
	Count  int    `json:"count"`
	Proxy  string `json:"proxy,omitempty"`
	UserID string `json:"userId,omitempty"`
}

// StopPayload stops either every viewer on the slave or one specific viewer.
type StopPayload struct {
	All      bool   `json:"all,omitempty"`
	ViewerID string `json:"viewerId,omitempty"`
}

// UpdateProxyPayload rotates the proxy assignment on running viewers. An empty
// proxy means the slave picks the next one from its configured pool.
type UpdateProxyPayload struct {
	Proxy string `json:"proxy,omitempty"`
}

// ReconnectPayload carries no required fields; present for symmetry.
type ReconnectPayload struct{}

var ErrUnknownCommandType = errors.New("unknown command type")

// ValidatePayload checks that raw conforms to the schema for the given command
// type. The raw document itself is stored untouched so a later fetch returns
// exactly the bytes that were enqueued.
func ValidatePayload(cmdType string, raw json.RawMessage) error {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	switch cmdType {
	case CommandSpawn:
		var p SpawnPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("spawn payload: %w", err)
		}
		if p.URL == "" {
			return errors.New("spawn payload: url is required")
		}
		if p.Count <= 0 {
			return errors.New("spawn payload: count must be positive")
		}
		return nil
	case CommandStop:
		var p StopPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("stop payload: %w", err)
		}
		if !p.All && p.ViewerID == "" {
			return errors.New("stop payload: all or viewerId is required")
		}
		return nil
	case CommandUpdateProxy:
		var p UpdateProxyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("update_proxy payload: %w", err)
		}
		return nil
	case CommandReconnect:
		if !json.Valid(raw) {
			return errors.New("reconnect payload: invalid JSON")
		}
		return nil
	case CommandCustom:
		// Custom payloads are pass-through; only require well-formed JSON.
		if !json.Valid(raw) {
			return errors.New("custom payload: invalid JSON")
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCommandType, cmdType)
	}
}

// DecodeSpawnPayload parses a spawn payload. Used by the capacity gate to read
// the attributed user and requested count.
func DecodeSpawnPayload(raw json.RawMessage) (*SpawnPayload, error) {
	var p SpawnPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("spawn payload: %w", err)
	}
	if p.Count <= 0 {
		p.Count = 1
	}
	return &p, nil
}
