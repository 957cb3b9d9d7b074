// Package httpserver is the relay's HTTP surface: health and readiness,
// the ICE configuration endpoint, Prometheus metrics, the dev-only registry
// dump, and the mount point for the signaling WebSocket.
package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vitacall/call-relay/internal/config"
	// Registers the relay's vitacall_ series with the default Prometheus
	// registry served at /metrics.
	_ "github.com/vitacall/call-relay/internal/metrics"
	"github.com/vitacall/call-relay/internal/registry"
	"github.com/vitacall/call-relay/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	reg   *registry.Registry
	turn  *turnrest.Generator // nil when TURN REST is disabled

	started time.Time
	ready   atomic.Bool

	srv *http.Server
}

// New assembles the HTTP server. ws is the signaling endpoint handler; it is
// mounted at /ws and shares the middleware chain with the JSON routes.
func New(cfg config.Config, logger *slog.Logger, build BuildInfo, reg *registry.Registry, ws http.Handler) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		log:     logger,
		cfg:     cfg,
		build:   build,
		reg:     reg,
		started: time.Now(),
	}

	if cfg.TurnREST.Enabled() {
		gen, err := turnrest.NewGenerator(cfg.TurnREST.SharedSecret, cfg.TurnREST.UsernamePrefix, time.Duration(cfg.TurnREST.TTLSeconds)*time.Second)
		if err != nil {
			return nil, err
		}
		s.turn = gen
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(requestLogger(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})
	r.Get("/webrtc/ice", s.handleICE)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if cfg.Mode == config.ModeDev {
		r.Get("/debug/registry", s.handleDebugRegistry)
	}
	r.Handle("/ws", ws)

	s.srv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
		// Only the header read gets a timeout: /ws connections are long-lived
		// and a server-wide read/write timeout would sever them.
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s, nil
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	participants, sessions := s.reg.Counts()
	WriteJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"uptimeSeconds":     int64(time.Since(s.started).Seconds()),
		"activeConnections": participants,
		"activeCalls":       sessions,
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
}

// handleICE hands clients the ICE server list. When TURN REST is configured
// each response carries freshly minted ephemeral credentials on the TURN
// entries; STUN entries pass through untouched.
func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.ICEServers
	body := map[string]any{}

	if s.turn != nil {
		sessionID := r.URL.Query().Get("session")
		creds, err := s.mintCredentials(sessionID)
		if err != nil {
			WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to mint TURN credentials"})
			return
		}
		servers = withTURNCredentials(servers, creds.Username, creds.Credential)
		body["ttlSeconds"] = int64(creds.TTLRemaining(time.Now()).Seconds())
	}

	body["iceServers"] = servers
	WriteJSON(w, http.StatusOK, body)
}

func (s *Server) mintCredentials(sessionID string) (turnrest.Credentials, error) {
	if sessionID == "" {
		return s.turn.Random()
	}
	return s.turn.ForSession(sessionID)
}

func (s *Server) handleDebugRegistry(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.reg.Snapshot())
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// WrapResponseWriter preserves http.Hijacker so the /ws upgrade
			// still works under this middleware.
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", chimw.GetReqID(r.Context()),
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
