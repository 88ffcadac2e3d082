package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/stillpoint/televisit/internal/config"
)

const (
	iceConfigFetchTimeout = 10 * time.Second
	maxICEConfigBytes     = 1 << 20
)

// fetchICEServers retrieves the relay's advertised ICE configuration, the
// same JSON shape GET /webrtc/ice serves: {"iceServers": [...]}.
func fetchICEServers(ctx context.Context, url string) ([]webrtc.ICEServer, error) {
	ctx, cancel := context.WithTimeout(ctx, iceConfigFetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxICEConfigBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ice config endpoint returned %s", resp.Status)
	}

	var payload struct {
		ICEServers json.RawMessage `json:"iceServers"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode ice config: %w", err)
	}
	if len(payload.ICEServers) == 0 {
		return nil, fmt.Errorf("ice config missing iceServers")
	}

	// The relay materializes credentials before serving (TURN REST included),
	// so TURN entries must arrive complete.
	servers, err := config.ParseICEServersJSON(string(payload.ICEServers), false)
	if err != nil {
		return nil, fmt.Errorf("invalid ice config: %w", err)
	}
	return servers, nil
}
