package main

import (
	"log/slog"
	"slices"

	"github.com/vitacall/call-relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: VITACALL_ALLOWED_ORIGINS contains '*' (any origin may open signaling connections)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.DemoFallback {
		logger.Warn("startup security warning: demo fallback is enabled (calls to absent callees get a simulated peer instead of an error)",
			"warning_code", "demo_fallback_enabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeDev {
		logger.Warn("startup security warning: dev mode exposes the unauthenticated /debug/registry endpoint",
			"warning_code", "debug_registry_exposed",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && !cfg.TurnREST.Enabled() {
		logger.Warn("startup warning: no TURN REST secret configured; clients behind symmetric NAT may fail to connect",
			"warning_code", "turn_rest_disabled_in_prod",
			"mode", cfg.Mode,
		)
	}
}
