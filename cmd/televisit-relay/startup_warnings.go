package main

import (
	"log/slog"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/stillpoint/televisit/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSessions <= 0 {
		logger.Warn("startup security warning: MAX_SESSIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_sessions_unlimited_in_prod",
			"max_sessions", cfg.MaxSessions,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup security warning: ICE server configuration is invalid; GET /webrtc/ice returns 503 until fixed",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	} else if cfg.Mode == config.ModeProd && !hasTURNServer(cfg.ICEServers) && !cfg.TURNREST.Enabled() {
		logger.Warn("startup security warning: no TURN server configured while --mode=prod (participants behind symmetric NATs cannot connect)",
			"warning_code", "no_turn_server_in_prod",
			"mode", cfg.Mode,
		)
	}

	// SDP offers are a few KiB; a cap far above that weakens the signaling
	// DoS hardening for no benefit.
	if cfg.MaxMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_MESSAGE_BYTES is very large (increases per-message allocation risk on the signaling socket)",
			"warning_code", "max_message_bytes_large",
			"max_message_bytes", cfg.MaxMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.WSIdleTimeout > 5*time.Minute {
		logger.Warn("startup security warning: WS_IDLE_TIMEOUT is very large (silently disconnected participants occupy their session slot until it elapses)",
			"warning_code", "ws_idle_timeout_large",
			"ws_idle_timeout", cfg.WSIdleTimeout,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}

func hasTURNServer(servers []webrtc.ICEServer) bool {
	for _, server := range servers {
		for _, raw := range server.URLs {
			url := strings.ToLower(strings.TrimSpace(raw))
			if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
				return true
			}
		}
	}
	return false
}
