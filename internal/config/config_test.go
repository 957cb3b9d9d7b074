package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func emptyLookup(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(emptyLookup, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("listenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want debug", cfg.LogLevel)
	}
	if cfg.DemoFallback {
		t.Fatalf("DemoFallback=true, want false by default")
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "http://localhost:3000" {
		t.Fatalf("allowedOrigins=%v, want local dev defaults", cfg.AllowedOrigins)
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Fatalf("MaxMessageBytes=%d, want %d", cfg.MaxMessageBytes, DefaultMaxMessageBytes)
	}
	if cfg.MaxMessagesPerSecond != DefaultMaxMessagesPerSecond {
		t.Fatalf("MaxMessagesPerSecond=%d, want %d", cfg.MaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	}
	if len(cfg.ICEServers) != 1 || len(cfg.ICEServers[0].URLs) != len(DefaultSTUNURLs) {
		t.Fatalf("ICEServers=%v, want default STUN set", cfg.ICEServers)
	}
	if cfg.TurnREST.Enabled() {
		t.Fatalf("TurnREST enabled without a shared secret")
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(emptyLookup, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want prod", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want json in prod", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want info in prod", cfg.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		EnvListenAddr:           "0.0.0.0:9000",
		EnvAllowedOrigins:       "https://app.example.com, https://staging.example.com",
		EnvDemoFallback:         "true",
		EnvDemoAcceptDelay:      "250ms",
		EnvMaxMessageBytes:      "1024",
		EnvMaxMessagesPerSecond: "10",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Fatalf("listenAddr=%q", cfg.ListenAddr)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://staging.example.com" {
		t.Fatalf("allowedOrigins=%v", cfg.AllowedOrigins)
	}
	if !cfg.DemoFallback {
		t.Fatalf("DemoFallback=false, want true")
	}
	if cfg.DemoAcceptDelay != 250*time.Millisecond {
		t.Fatalf("DemoAcceptDelay=%v", cfg.DemoAcceptDelay)
	}
	if cfg.MaxMessageBytes != 1024 || cfg.MaxMessagesPerSecond != 10 {
		t.Fatalf("limits=(%d,%d)", cfg.MaxMessageBytes, cfg.MaxMessagesPerSecond)
	}
}

func TestInvalidMode(t *testing.T) {
	_, err := load(lookupMap(map[string]string{EnvMode: "staging"}), nil)
	if err == nil || !strings.Contains(err.Error(), "invalid mode") {
		t.Fatalf("err=%v, want invalid mode", err)
	}
}

func TestInvalidDuration(t *testing.T) {
	_, err := load(lookupMap(map[string]string{EnvWSIdleTimeout: "soon"}), nil)
	if err == nil {
		t.Fatalf("expected error for invalid duration")
	}
}

func TestPingIntervalMustBeShorterThanIdleTimeout(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		EnvWSIdleTimeout:  "10s",
		EnvWSPingInterval: "20s",
	}), nil)
	if err == nil {
		t.Fatalf("expected error for ping >= idle timeout")
	}
}

func TestDemoFallbackFlag(t *testing.T) {
	cfg, err := load(emptyLookup, []string{"--demo-fallback"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.DemoFallback {
		t.Fatalf("DemoFallback=false, want true via flag")
	}
}

func TestTurnRESTRequiresPositiveTTL(t *testing.T) {
	_, err := load(lookupMap(map[string]string{
		EnvTURNRESTSharedSecret: "s3cret",
		EnvTURNRESTTTLSeconds:   "0",
	}), nil)
	if err == nil {
		t.Fatalf("expected error for zero TURN REST TTL")
	}
}
