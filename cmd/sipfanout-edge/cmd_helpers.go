package main

import (
	"fmt"
	"net/url"
	"strings"
)

// normalizeServerURL ensures the server URL has a valid WebSocket scheme.
// If no scheme is provided, wss:// is prepended. http(s) schemes are
// converted to ws(s) for clarity (coder/websocket accepts both).
func normalizeServerURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("empty URL")
	}

	// If there's no scheme at all, prepend wss://.
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing URL: %w", err)
	}

	switch u.Scheme {
	case "wss", "ws":
		// Already correct.
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q (expected ws, wss, http, or https)", u.Scheme)
	}

	return u.String(), nil
}
