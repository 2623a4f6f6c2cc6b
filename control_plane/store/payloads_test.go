package store

import (
	"encoding/json"
	"testing"
)

func TestValidatePayload(t *testing.T) {
	cases := []struct {
		name    string
		cmdType string
		payload string
		wantErr bool
	}{
		{"spawn ok", CommandSpawn, `{"url":"https://example.com/live","count":3}`, false},
		{"spawn with proxy and user", CommandSpawn, `{"url":"https://example.com/live","count":1,"proxy":"10.0.0.1:8080","userId":"u1"}`, false},
		{"spawn missing url", CommandSpawn, `{"count":3}`, true},
		{"spawn zero count", CommandSpawn, `{"url":"https://example.com/live","count":0}`, true},
		{"stop all", CommandStop, `{"all":true}`, false},
		{"stop one viewer", CommandStop, `{"viewerId":"v1"}`, false},
		{"stop neither", CommandStop, `{}`, true},
		{"update_proxy empty", CommandUpdateProxy, `{}`, false},
		{"update_proxy with proxy", CommandUpdateProxy, `{"proxy":"10.0.0.2:3128"}`, false},
		{"reconnect empty", CommandReconnect, `{}`, false},
		{"custom arbitrary", CommandCustom, `{"anything":["goes",1]}`, false},
		{"unknown type", "frobnicate", `{}`, true},
		{"spawn malformed json", CommandSpawn, `{url:}`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidatePayload(tc.cmdType, json.RawMessage(tc.payload))
			if tc.wantErr && err == nil {
				t.Errorf("expected error for %s payload %s", tc.cmdType, tc.payload)
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidatePayloadEmptyDefaultsToObject(t *testing.T) {
	if err := ValidatePayload(CommandReconnect, nil); err != nil {
		t.Errorf("empty reconnect payload should validate: %v", err)
	}
	if err := ValidatePayload(CommandSpawn, nil); err == nil {
		t.Error("empty spawn payload should fail validation")
	}
}

func TestDecodeSpawnPayloadDefaultsCount(t *testing.T) {
	p, err := DecodeSpawnPayload(json.RawMessage(`{"url":"https://example.com/live"}`))
	if err != nil {
		t.Fatalf("DecodeSpawnPayload failed: %v", err)
	}
	if p.Count != 1 {
		t.Errorf("expected default count 1, got %d", p.Count)
	}
}
