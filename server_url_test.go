package main

import "testing"

func TestListenerURLs(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		address  string
		tls      bool
		ops      string
		observer string
	}{
		"default_port_only":    {address: ":5456", ops: "http://localhost:5456", observer: "ws://localhost:5456/ws"},
		"explicit_localhost":   {address: "localhost:8000", ops: "http://localhost:8000", observer: "ws://localhost:8000/ws"},
		"explicit_ipv4_any":    {address: "0.0.0.0:9000", ops: "http://localhost:9000", observer: "ws://localhost:9000/ws"},
		"explicit_ipv4_local":  {address: "127.0.0.1:5456", ops: "http://127.0.0.1:5456", observer: "ws://127.0.0.1:5456/ws"},
		"explicit_ipv6_any":    {address: "[::]:5456", ops: "http://localhost:5456", observer: "ws://localhost:5456/ws"},
		"explicit_ipv6_custom": {address: "[2001:db8::1]:5456", ops: "http://[2001:db8::1]:5456", observer: "ws://[2001:db8::1]:5456/ws"},
		"bare_host":            {address: "sim.local", ops: "http://sim.local:5456", observer: "ws://sim.local:5456/ws"},
		"tls_enabled":          {address: ":5456", tls: true, ops: "https://localhost:5456", observer: "wss://localhost:5456/ws"},
	}

	for name, tc := range tests {
		tc := tc
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ops, observer := listenerURLs(tc.address, tc.tls)
			if ops != tc.ops || observer != tc.observer {
				t.Fatalf("listenerURLs(%q, %t) = %q, %q, want %q, %q", tc.address, tc.tls, ops, observer, tc.ops, tc.observer)
			}
		})
	}
}

func TestNormaliseHostPortEmpty(t *testing.T) {
	t.Parallel()

	got := normaliseHostPort("")
	if got != "localhost:5456" {
		t.Fatalf("expected localhost:5456 for empty address, got %q", got)
	}
}
