package tunnel

import (
	"fmt"
	"net/url"
	"strings"
)

const tunnelPath = "server/tunnel"

// ControlURL builds the websocket URL of the tunnel endpoint for hub.
// http and https endpoints are mapped to ws and wss.
func ControlURL(endpoint, hub string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("endpoint %q has no host", endpoint)
	}
	if hub == "" {
		return "", fmt.Errorf("hub is required")
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + tunnelPath
	u.RawQuery = url.Values{"hub": {hub}}.Encode()
	u.Fragment = ""
	return u.String(), nil
}

func withAccessToken(controlURL, token string) string {
	return controlURL + "&access_token=" + url.QueryEscape(token)
}
