package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

const (
	// DefaultPort is the well-known port the server listens on.
	DefaultPort = "5456"
	// Path is the HTTP route upgraded to a WebSocket.
	Path = "/ws"
	// AuthTokenHeader carries the observer token during the upgrade.
	AuthTokenHeader = "X-Auth-Token"
)

// WebsocketURL turns an operator supplied address into a dialable URL. Bare
// hosts gain the default port, and http(s) schemes map onto ws(s).
func WebsocketURL(address string) (string, error) {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "", errors.New("address is required")
	}
	if strings.Contains(trimmed, "://") {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", fmt.Errorf("parse address: %w", err)
		}
		switch parsed.Scheme {
		case "ws", "wss":
		case "http":
			parsed.Scheme = "ws"
		case "https":
			parsed.Scheme = "wss"
		default:
			return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
		}
		if parsed.Host == "" {
			return "", fmt.Errorf("address %q has no host", address)
		}
		if parsed.Port() == "" {
			parsed.Host = net.JoinHostPort(parsed.Hostname(), DefaultPort)
		}
		if parsed.Path == "" || parsed.Path == "/" {
			parsed.Path = Path
		}
		return parsed.String(), nil
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		host, port = trimmed, DefaultPort
	}
	if host == "" {
		host = "localhost"
	}
	return (&url.URL{Scheme: "ws", Host: net.JoinHostPort(host, port), Path: Path}).String(), nil
}
