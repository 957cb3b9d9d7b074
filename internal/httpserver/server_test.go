package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/vitacall/call-relay/internal/call"
	"github.com/vitacall/call-relay/internal/config"
	"github.com/vitacall/call-relay/internal/registry"
)

func startTestServer(t *testing.T, cfg config.Config, reg *registry.Registry) (baseURL string) {
	t.Helper()

	if reg == nil {
		reg = registry.New(registry.Options{})
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	build := BuildInfo{Version: "test", Commit: "abc", BuildTime: "time"}

	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotImplemented)
	})

	srv, err := New(cfg, log, build, reg, ws)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})

	return "http://" + ln.Addr().String()
}

func getJSON(t *testing.T, url string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
	return resp.StatusCode, body
}

func devConfig() config.Config {
	return config.Config{
		ListenAddr:     "127.0.0.1:0",
		Mode:           config.ModeDev,
		LogFormat:      config.LogFormatText,
		LogLevel:       slog.LevelInfo,
		AllowedOrigins: []string{"*"},
	}
}

func TestHealthzReportsRegistryCounts(t *testing.T) {
	reg := registry.New(registry.Options{})
	reg.RegisterParticipant(call.Participant{ConnectionID: "c1", Role: call.RoleCaller, ExternalID: "dr-1"})
	reg.RegisterParticipant(call.Participant{ConnectionID: "c2", Role: call.RoleCallee, ExternalID: "patient-1"})

	baseURL := startTestServer(t, devConfig(), reg)

	status, body := getJSON(t, baseURL+"/healthz")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v", body["status"])
	}
	if body["activeConnections"] != float64(2) {
		t.Fatalf("activeConnections = %v", body["activeConnections"])
	}
	if body["activeCalls"] != float64(0) {
		t.Fatalf("activeCalls = %v", body["activeCalls"])
	}
}

func TestReadyzFlipsOnShutdown(t *testing.T) {
	baseURL := startTestServer(t, devConfig(), nil)

	status, body := getJSON(t, baseURL+"/readyz")
	if status != http.StatusOK || body["ready"] != true {
		t.Fatalf("readyz = %d %v", status, body)
	}
}

func TestVersion(t *testing.T) {
	baseURL := startTestServer(t, devConfig(), nil)

	status, body := getJSON(t, baseURL+"/version")
	if status != http.StatusOK || body["commit"] != "abc" {
		t.Fatalf("version = %d %v", status, body)
	}
}

func TestICEWithoutTURNRest(t *testing.T) {
	cfg := devConfig()
	cfg.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	baseURL := startTestServer(t, cfg, nil)

	status, body := getJSON(t, baseURL+"/webrtc/ice")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	servers, ok := body["iceServers"].([]any)
	if !ok || len(servers) != 1 {
		t.Fatalf("iceServers = %v", body["iceServers"])
	}
	if _, present := body["ttlSeconds"]; present {
		t.Fatalf("unexpected ttlSeconds without TURN REST: %v", body)
	}
}

func TestICEMintsTURNCredentials(t *testing.T) {
	cfg := devConfig()
	cfg.ICEServers = []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478?transport=udp"}},
	}
	cfg.TurnREST = config.TurnRESTConfig{
		SharedSecret:   "secret",
		TTLSeconds:     600,
		UsernamePrefix: "vitacall",
	}

	baseURL := startTestServer(t, cfg, nil)

	status, body := getJSON(t, baseURL+"/webrtc/ice?session=conn-1")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	servers := body["iceServers"].([]any)
	if len(servers) != 2 {
		t.Fatalf("iceServers = %v", servers)
	}

	stun := servers[0].(map[string]any)
	if _, present := stun["username"]; present && stun["username"] != "" {
		t.Fatalf("stun entry got credentials: %v", stun)
	}

	turn := servers[1].(map[string]any)
	username, _ := turn["username"].(string)
	if !strings.HasSuffix(username, ":vitacall:conn-1") {
		t.Fatalf("turn username = %q", username)
	}
	if cred, _ := turn["credential"].(string); cred == "" {
		t.Fatalf("turn entry missing credential: %v", turn)
	}

	ttl, _ := body["ttlSeconds"].(float64)
	if ttl <= 0 || ttl > 600 {
		t.Fatalf("ttlSeconds = %v", ttl)
	}
}

func TestDebugRegistryDevOnly(t *testing.T) {
	baseURL := startTestServer(t, devConfig(), nil)
	resp, err := http.Get(baseURL + "/debug/registry")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dev mode /debug/registry = %d", resp.StatusCode)
	}

	prodCfg := devConfig()
	prodCfg.Mode = config.ModeProd
	prodURL := startTestServer(t, prodCfg, nil)
	resp, err = http.Get(prodURL + "/debug/registry")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("prod mode /debug/registry = %d", resp.StatusCode)
	}
}

func TestMetricsExposed(t *testing.T) {
	baseURL := startTestServer(t, devConfig(), nil)
	resp, err := http.Get(baseURL + "/metrics")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "vitacall_") {
		t.Fatalf("metrics body missing vitacall_ series")
	}
}
