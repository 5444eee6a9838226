package main

import (
	"fmt"
	"net"
	"strings"

	"wandersync/internal/transport"
)

// listenerURLs returns human-friendly URLs for the ops endpoints and the
// observer upgrade path served on the same address.
// 1.- Decide between plain and TLS schemes for both HTTP and WebSocket.
// 2.- Normalise the configured address so the message always shows a reachable host:port pair.
func listenerURLs(address string, tlsEnabled bool) (ops, observer string) {
	httpScheme, wsScheme := "http", "ws"
	if tlsEnabled {
		httpScheme, wsScheme = "https", "wss"
	}
	hostPort := normaliseHostPort(address)
	return fmt.Sprintf("%s://%s", httpScheme, hostPort), fmt.Sprintf("%s://%s%s", wsScheme, hostPort, transport.Path)
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return net.JoinHostPort("localhost", transport.DefaultPort)
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return net.JoinHostPort(trimmed, transport.DefaultPort)
	}
	host = strings.TrimSpace(host)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
