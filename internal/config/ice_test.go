package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls": "stun:stun.example.com:3478"},
		{"urls": ["turn:turn.example.com:3478"], "username": "u", "credential": "c"}
	]`
	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len=%d, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("urls[0]=%q", servers[0].URLs[0])
	}
	if servers[1].Username != "u" {
		t.Fatalf("username=%q", servers[1].Username)
	}
}

func TestParseICEServersJSON_TurnWithoutCredentials(t *testing.T) {
	raw := `[{"urls": ["turn:turn.example.com:3478"]}]`
	_, err := ParseICEServersJSON(raw)
	if err == nil || !strings.Contains(err.Error(), "username") {
		t.Fatalf("err=%v, want turn credential error", err)
	}
}

func TestParseICEServersJSON_BadScheme(t *testing.T) {
	raw := `[{"urls": ["https://example.com"]}]`
	if _, err := ParseICEServersJSON(raw); err == nil {
		t.Fatalf("expected error for non-ICE scheme")
	}
}

func TestConvenienceEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		EnvSTUNURLs:       "stun:stun.example.com:3478",
		EnvTURNURLs:       "turn:turn.example.com:3478,turns:turn.example.com:5349",
		EnvTURNUsername:   "u",
		EnvTURNCredential: "c",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("servers=%v, want stun + turn entries", cfg.ICEServers)
	}
	if len(cfg.ICEServers[1].URLs) != 2 {
		t.Fatalf("turn urls=%v, want 2", cfg.ICEServers[1].URLs)
	}
}

func TestConvenienceEnv_TurnWithoutUsername(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		EnvTURNURLs: "turn:turn.example.com:3478",
	}), nil)
	if err == nil {
		t.Fatalf("expected error for turn urls without credentials")
	}
}

func TestICEServersJSONTakesPrecedence(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		EnvICEServersJSON: `[{"urls": "stun:override.example.com:3478"}]`,
		EnvSTUNURLs:       "stun:ignored.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:override.example.com:3478" {
		t.Fatalf("servers=%v, want JSON override only", cfg.ICEServers)
	}
}
