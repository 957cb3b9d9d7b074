// Package config loads and validates the relay's environment-driven
// configuration.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	EnvListenAddr      = "VITACALL_LISTEN_ADDR"
	EnvMode            = "VITACALL_MODE"
	EnvLogFormat       = "VITACALL_LOG_FORMAT"
	EnvLogLevel        = "VITACALL_LOG_LEVEL"
	EnvAllowedOrigins  = "VITACALL_ALLOWED_ORIGINS"
	EnvShutdownTimeout = "VITACALL_SHUTDOWN_TIMEOUT"

	// Demo fallback: simulated callee when the intended target is absent.
	EnvDemoFallback    = "VITACALL_DEMO_FALLBACK"
	EnvDemoAcceptDelay = "VITACALL_DEMO_ACCEPT_DELAY"
	EnvDemoAnswerDelay = "VITACALL_DEMO_ANSWER_DELAY"

	// WebSocket signaling hardening.
	EnvRegisterTimeout          = "VITACALL_REGISTER_TIMEOUT"
	EnvWSIdleTimeout            = "VITACALL_WS_IDLE_TIMEOUT"
	EnvWSPingInterval           = "VITACALL_WS_PING_INTERVAL"
	EnvMaxMessageBytes          = "VITACALL_MAX_SIGNALING_MESSAGE_BYTES"
	EnvMaxMessagesPerSecond     = "VITACALL_MAX_SIGNALING_MESSAGES_PER_SECOND"
	EnvEndedSessionRetention    = "VITACALL_ENDED_SESSION_RETENTION"

	// coturn TURN REST (ephemeral) credentials, surfaced via /webrtc/ice.
	EnvTURNRESTSharedSecret   = "VITACALL_TURN_REST_SHARED_SECRET"
	EnvTURNRESTTTLSeconds     = "VITACALL_TURN_REST_TTL_SECONDS"
	EnvTURNRESTUsernamePrefix = "VITACALL_TURN_REST_USERNAME_PREFIX"
	EnvTURNRESTRealm          = "VITACALL_TURN_REST_REALM"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultMode            Mode = ModeDev

	DefaultRegisterTimeout       = 5 * time.Second
	DefaultWSIdleTimeout         = 60 * time.Second
	DefaultWSPingInterval        = 20 * time.Second
	DefaultMaxMessageBytes       = int64(64 * 1024)
	DefaultMaxMessagesPerSecond  = 50
	DefaultEndedSessionRetention = 64

	DefaultDemoAcceptDelay = 1 * time.Second
	DefaultDemoAnswerDelay = 500 * time.Millisecond

	DefaultTURNRESTTTLSeconds     int64 = 3600
	DefaultTURNRESTUsernamePrefix       = "vitacall"
)

// DefaultAllowedOrigins is the fixed local development set. Production
// deployments must configure their own list.
var DefaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:5173",
}

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	ICEServers []webrtc.ICEServer

	DemoFallback    bool
	DemoAcceptDelay time.Duration
	DemoAnswerDelay time.Duration

	RegisterTimeout       time.Duration
	WSIdleTimeout         time.Duration
	WSPingInterval        time.Duration
	MaxMessageBytes       int64
	MaxMessagesPerSecond  int
	EndedSessionRetention int

	TurnREST TurnRESTConfig
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(EnvMode)
	modeDefault := string(DefaultMode)
	if strings.TrimSpace(envMode) != "" {
		modeDefault = strings.TrimSpace(envMode)
	}

	listenAddrDefault := envOrDefault(lookup, EnvListenAddr, DefaultListenAddr)

	fs := flag.NewFlagSet("vitacall-relay", flag.ContinueOnError)
	modeFlag := fs.String("mode", modeDefault, "dev or prod")
	listenFlag := fs.String("listen-addr", listenAddrDefault, "host:port to listen on")
	demoFlag := fs.Bool("demo-fallback", false, "answer calls with a simulated peer when the target is absent")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode := Mode(strings.TrimSpace(*modeFlag))
	switch mode {
	case ModeDev, ModeProd:
	default:
		return Config{}, fmt.Errorf("invalid mode %q (want dev or prod)", *modeFlag)
	}

	logFormatRaw := envOrDefault(lookup, EnvLogFormat, string(defaultLogFormatForMode(mode)))
	logFormat := LogFormat(strings.TrimSpace(logFormatRaw))
	switch logFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid %s %q (want text or json)", EnvLogFormat, logFormatRaw)
	}

	logLevelRaw := envOrDefault(lookup, EnvLogLevel, defaultLogLevelForMode(mode))
	logLevel, err := parseLogLevel(logLevelRaw)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s %q: %w", EnvLogLevel, logLevelRaw, err)
	}

	allowedOrigins := DefaultAllowedOrigins
	if raw, ok := lookup(EnvAllowedOrigins); ok && strings.TrimSpace(raw) != "" {
		allowedOrigins = splitCommaSeparated(raw)
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	iceServers, err := parseICEServersFromEnv(lookup)
	if err != nil {
		return Config{}, err
	}

	demoFallback := *demoFlag
	if raw, ok := lookup(EnvDemoFallback); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvDemoFallback, raw, err)
		}
		demoFallback = demoFallback || v
	}
	demoAcceptDelay, err := envDurationOrDefault(lookup, EnvDemoAcceptDelay, DefaultDemoAcceptDelay)
	if err != nil {
		return Config{}, err
	}
	demoAnswerDelay, err := envDurationOrDefault(lookup, EnvDemoAnswerDelay, DefaultDemoAnswerDelay)
	if err != nil {
		return Config{}, err
	}

	registerTimeout, err := envDurationOrDefault(lookup, EnvRegisterTimeout, DefaultRegisterTimeout)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, EnvWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, EnvWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s (%v) must be shorter than %s (%v)",
			EnvWSPingInterval, wsPingInterval, EnvWSIdleTimeout, wsIdleTimeout)
	}

	maxMessageBytes, err := envInt64OrDefault(lookup, EnvMaxMessageBytes, DefaultMaxMessageBytes)
	if err != nil {
		return Config{}, err
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", EnvMaxMessageBytes)
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, EnvMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	if maxMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s must be >= 0", EnvMaxMessagesPerSecond)
	}
	endedRetention, err := envIntOrDefault(lookup, EnvEndedSessionRetention, DefaultEndedSessionRetention)
	if err != nil {
		return Config{}, err
	}
	if endedRetention <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", EnvEndedSessionRetention)
	}

	turnRESTTTL, err := envInt64OrDefault(lookup, EnvTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      strings.TrimSpace(*listenFlag),
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		AllowedOrigins:  allowedOrigins,
		ShutdownTimeout: shutdownTimeout,

		ICEServers: iceServers,

		DemoFallback:    demoFallback,
		DemoAcceptDelay: demoAcceptDelay,
		DemoAnswerDelay: demoAnswerDelay,

		RegisterTimeout:       registerTimeout,
		WSIdleTimeout:         wsIdleTimeout,
		WSPingInterval:        wsPingInterval,
		MaxMessageBytes:       maxMessageBytes,
		MaxMessagesPerSecond:  maxMessagesPerSecond,
		EndedSessionRetention: endedRetention,

		TurnREST: TurnRESTConfig{
			SharedSecret:   envOrDefault(lookup, EnvTURNRESTSharedSecret, ""),
			TTLSeconds:     turnRESTTTL,
			UsernamePrefix: envOrDefault(lookup, EnvTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix),
			Realm:          envOrDefault(lookup, EnvTURNRESTRealm, ""),
		},
	}

	if cfg.ListenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if cfg.TurnREST.Enabled() && cfg.TurnREST.TTLSeconds <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", EnvTURNRESTTTLSeconds)
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func defaultLogFormatForMode(mode Mode) LogFormat {
	if mode == ModeProd {
		return LogFormatJSON
	}
	return LogFormatText
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level")
	}
}

func envOrDefault(lookup func(string) (string, bool), key, def string) string {
	if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
		return strings.TrimSpace(raw)
	}
	return def
}

func envIntOrDefault(lookup func(string) (string, bool), key string, def int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, def int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, def time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitCommaSeparated(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
