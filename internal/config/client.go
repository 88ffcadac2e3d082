package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/pion/webrtc/v4"

	"github.com/stillpoint/televisit/internal/protocol"
)

const (
	envVarRelayWSURL   = "TELEVISIT_RELAY_WS_URL"
	envVarRelayOrigin  = "TELEVISIT_RELAY_ORIGIN"
	envVarSessionID    = "TELEVISIT_SESSION_ID"
	envVarUserID       = "TELEVISIT_USER_ID"
	envVarUserRole     = "TELEVISIT_USER_ROLE"
	envVarUserName     = "TELEVISIT_USER_NAME"
	envVarAudioFile    = "TELEVISIT_AUDIO_FILE"
	envVarVideoFile    = "TELEVISIT_VIDEO_FILE"
	envVarICEConfigURL = "TELEVISIT_ICE_CONFIG_URL"
)

// ClientConfig configures the headless session client.
type ClientConfig struct {
	// RelayWSURL is the signaling relay WebSocket endpoint (ws:// or wss://).
	RelayWSURL string
	// RelayOrigin is an optional Origin header value to present when dialing
	// the relay. Empty means no Origin header (non-browser client).
	RelayOrigin string

	SessionID string
	UserID    string
	UserRole  protocol.Role
	UserName  string

	// AudioFile is an Ogg/Opus file played as the local audio track.
	AudioFile string
	// VideoFile is an optional IVF/VP8 file played as the local video track.
	VideoFile string

	LogFormat LogFormat
	LogLevel  slog.Level
	Mode      Mode

	// ICEConfigURL, when set, is fetched at startup (GET, JSON
	// {"iceServers": [...]}) and takes precedence over the static ICE config.
	ICEConfigURL string
	ICEServers   []webrtc.ICEServer

	iceConfigErr error
}

func (c ClientConfig) ICEConfigError() error {
	return c.iceConfigErr
}

// PeerConnectionICEServers returns the ICE server list to use when
// constructing the client's PeerConnection.
//
// A statically configured list may include TURN URLs without credentials
// (ephemeral credentials come from the relay's /webrtc/ice endpoint). Pion
// requires TURN credentials, so TURN servers without complete credentials
// are filtered out.
func (c ClientConfig) PeerConnectionICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, server := range c.ICEServers {
		if !iceServerHasTURNURL(server) {
			out = append(out, server)
			continue
		}
		if strings.TrimSpace(server.Username) == "" {
			continue
		}
		cred, ok := server.Credential.(string)
		if !ok || strings.TrimSpace(cred) == "" {
			continue
		}
		out = append(out, server)
	}
	return out
}

func iceServerHasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.TrimSpace(raw)
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}

func LoadClient(args []string) (ClientConfig, error) {
	return loadClient(os.LookupEnv, args)
}

func loadClient(lookup func(string) (string, bool), args []string) (ClientConfig, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	relayWSURL := envOrDefault(lookup, envVarRelayWSURL, "")
	relayOrigin := envOrDefault(lookup, envVarRelayOrigin, "")
	sessionID := envOrDefault(lookup, envVarSessionID, "")
	userID := envOrDefault(lookup, envVarUserID, "")
	userRoleStr := envOrDefault(lookup, envVarUserRole, string(protocol.RoleClient))
	userName := envOrDefault(lookup, envVarUserName, "")
	audioFile := envOrDefault(lookup, envVarAudioFile, "")
	videoFile := envOrDefault(lookup, envVarVideoFile, "")
	iceConfigURL := envOrDefault(lookup, envVarICEConfigURL, "")
	iceServersJSON := envOrDefault(lookup, envVarICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envVarStunURLs, "")
	turnURLs := envOrDefault(lookup, envVarTurnURLs, "")
	turnUsername := envOrDefault(lookup, envVarTurnUsername, "")
	turnCredential := envOrDefault(lookup, envVarTurnCredential, "")

	fs := flag.NewFlagSet("televisit-client", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&relayWSURL, "relay-ws-url", relayWSURL, "Relay signaling WebSocket URL, e.g. ws://127.0.0.1:8080/ws (env "+envVarRelayWSURL+")")
	fs.StringVar(&relayOrigin, "relay-origin", relayOrigin, "Origin header to present when dialing the relay (env "+envVarRelayOrigin+")")
	fs.StringVar(&sessionID, "session-id", sessionID, "Session to join (env "+envVarSessionID+")")
	fs.StringVar(&userID, "user-id", userID, "Stable participant identifier (env "+envVarUserID+")")
	fs.StringVar(&userRoleStr, "user-role", userRoleStr, "Participant role: therapist or client (env "+envVarUserRole+")")
	fs.StringVar(&userName, "user-name", userName, "Display name (default: user id; env "+envVarUserName+")")
	fs.StringVar(&audioFile, "audio-file", audioFile, "Ogg/Opus file for the local audio track (env "+envVarAudioFile+")")
	fs.StringVar(&videoFile, "video-file", videoFile, "Optional IVF/VP8 file for the local video track (env "+envVarVideoFile+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.StringVar(&iceConfigURL, "ice-config-url", iceConfigURL, "Relay ICE config endpoint, e.g. http://127.0.0.1:8080/webrtc/ice (env "+envVarICEConfigURL+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envVarICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envVarStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envVarTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envVarTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envVarTurnCredential+")")

	if err := fs.Parse(args); err != nil {
		return ClientConfig{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return ClientConfig{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return ClientConfig{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return ClientConfig{}, err
	}

	relayWSURL = strings.TrimSpace(relayWSURL)
	if relayWSURL == "" {
		return ClientConfig{}, fmt.Errorf("%s/--relay-ws-url must be set", envVarRelayWSURL)
	}
	u, err := url.Parse(relayWSURL)
	if err != nil {
		return ClientConfig{}, fmt.Errorf("invalid %s/--relay-ws-url %q: %w", envVarRelayWSURL, relayWSURL, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
	default:
		return ClientConfig{}, fmt.Errorf("invalid %s/--relay-ws-url %q (expected ws:// or wss://)", envVarRelayWSURL, relayWSURL)
	}
	if u.Host == "" {
		return ClientConfig{}, fmt.Errorf("invalid %s/--relay-ws-url %q (missing host)", envVarRelayWSURL, relayWSURL)
	}
	if u.User != nil {
		return ClientConfig{}, fmt.Errorf("invalid %s/--relay-ws-url %q (must not include credentials)", envVarRelayWSURL, relayWSURL)
	}

	if strings.TrimSpace(relayOrigin) != "" {
		normalized, err := normalizeOriginHeaderValue(relayOrigin)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("invalid %s/--relay-origin %q: %w", envVarRelayOrigin, relayOrigin, err)
		}
		relayOrigin = normalized
	}

	if strings.TrimSpace(sessionID) == "" {
		return ClientConfig{}, fmt.Errorf("%s/--session-id must be set", envVarSessionID)
	}
	if strings.TrimSpace(userID) == "" {
		return ClientConfig{}, fmt.Errorf("%s/--user-id must be set", envVarUserID)
	}

	userRole, err := parseUserRole(userRoleStr)
	if err != nil {
		return ClientConfig{}, err
	}

	if strings.TrimSpace(userName) == "" {
		userName = userID
	}

	if strings.TrimSpace(audioFile) == "" {
		return ClientConfig{}, fmt.Errorf("%s/--audio-file must be set", envVarAudioFile)
	}

	iceConfigURL = strings.TrimSpace(iceConfigURL)
	if iceConfigURL != "" {
		iu, err := url.Parse(iceConfigURL)
		if err != nil {
			return ClientConfig{}, fmt.Errorf("invalid %s/--ice-config-url %q: %w", envVarICEConfigURL, iceConfigURL, err)
		}
		switch strings.ToLower(iu.Scheme) {
		case "http", "https":
		default:
			return ClientConfig{}, fmt.Errorf("invalid %s/--ice-config-url %q (expected http:// or https://)", envVarICEConfigURL, iceConfigURL)
		}
		if iu.Host == "" {
			return ClientConfig{}, fmt.Errorf("invalid %s/--ice-config-url %q (missing host)", envVarICEConfigURL, iceConfigURL)
		}
	}

	cfg := ClientConfig{
		RelayWSURL:  relayWSURL,
		RelayOrigin: relayOrigin,

		SessionID: strings.TrimSpace(sessionID),
		UserID:    strings.TrimSpace(userID),
		UserRole:  userRole,
		UserName:  userName,

		AudioFile: audioFile,
		VideoFile: videoFile,

		LogFormat: logFormat,
		LogLevel:  level,
		Mode:      mode,

		ICEConfigURL: iceConfigURL,
	}

	// Static ICE config; TURN URLs without credentials are tolerated when an
	// ICE config endpoint will supply ephemeral credentials.
	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		iceConfigURL != "",
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewClientLogger(cfg ClientConfig) (*slog.Logger, error) {
	return newLogger(cfg.LogFormat, cfg.LogLevel)
}

func parseUserRole(raw string) (protocol.Role, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(protocol.RoleClient):
		return protocol.RoleClient, nil
	case string(protocol.RoleTherapist):
		return protocol.RoleTherapist, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarUserRole, raw, protocol.RoleTherapist, protocol.RoleClient)
	}
}
