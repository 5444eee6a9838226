package transport

import (
	"bytes"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wandersync/internal/logging"
)

func waitForEvent(t *testing.T, source Source, kind EventKind) Event {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var seen []EventKind
	for time.Now().Before(deadline) {
		for _, event := range source.Poll() {
			if event.Kind == kind {
				return event
			}
			seen = append(seen, event.Kind)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %v, saw %v", kind, seen)
	return Event{}
}

func newTestHub(t *testing.T, opts HubOptions) (*Hub, string) {
	t.Helper()
	opts.Logger = logging.NewTestLogger()
	hub := NewHub(opts)
	server := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		server.Close()
	})
	return hub, server.Listener.Addr().String()
}

func newTestConnector(t *testing.T) *Connector {
	t.Helper()
	connector := NewConnector(ConnectorOptions{HandshakeTimeout: 2 * time.Second, Logger: logging.NewTestLogger()})
	t.Cleanup(func() { _ = connector.Close() })
	return connector
}

func TestHubDeliversFramesToConnector(t *testing.T) {
	hub, addr := newTestHub(t, HubOptions{})
	connector := newTestConnector(t)

	if err := connector.Connect(addr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForEvent(t, connector, EventConnectionAccepted)
	waitForEvent(t, hub, EventNewIncomingConnection)
	if hub.Clients() != 1 {
		t.Fatalf("expected one client, got %d", hub.Clients())
	}

	frame := []byte{135, 0, 0, 0, 0}
	hub.Transmit(frame)
	message := waitForEvent(t, connector, EventMessage)
	if !bytes.Equal(message.Payload, frame) {
		t.Fatalf("unexpected payload %v", message.Payload)
	}
	if err := connector.Connect(addr); err != ErrConnectInProgress {
		t.Fatalf("expected second connect to be refused, got %v", err)
	}
}

func TestConnectorReportsServerFull(t *testing.T) {
	hub, addr := newTestHub(t, HubOptions{MaxClients: 1})
	first := newTestConnector(t)
	if err := first.Connect(addr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForEvent(t, hub, EventNewIncomingConnection)

	second := newTestConnector(t)
	if err := second.Connect(addr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForEvent(t, second, EventNoFreeIncomingConnections)
	if hub.Stats().Rejected != 1 {
		t.Fatalf("expected one rejection, got %+v", hub.Stats())
	}
}

func TestConnectorReportsFailedAttempt(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()

	connector := newTestConnector(t)
	if err := connector.Connect(addr); err != nil {
		t.Fatalf("connect should defer failure to an event, got %v", err)
	}
	event := waitForEvent(t, connector, EventConnectionAttemptFailed)
	if event.Err == nil {
		t.Fatalf("expected failure cause on the event")
	}
	if connector.Connected() {
		t.Fatalf("connector must stay disconnected")
	}
}

func TestConnectorRejectsEmptyAddress(t *testing.T) {
	connector := newTestConnector(t)
	if err := connector.Connect("  "); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestHubNoticesObserverDisconnect(t *testing.T) {
	hub, addr := newTestHub(t, HubOptions{})
	connector := newTestConnector(t)
	if err := connector.Connect(addr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForEvent(t, hub, EventNewIncomingConnection)

	if err := connector.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitForEvent(t, hub, EventDisconnectionNotification)
	deadline := time.Now().Add(time.Second)
	for hub.Clients() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hub.Clients() != 0 {
		t.Fatalf("expected client to be unregistered")
	}
}

func TestConnectorNoticesServerShutdown(t *testing.T) {
	hub, addr := newTestHub(t, HubOptions{})
	connector := newTestConnector(t)
	if err := connector.Connect(addr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForEvent(t, hub, EventNewIncomingConnection)

	hub.Close()
	waitForEvent(t, connector, EventDisconnectionNotification)
}

func TestTransmitDropsWhenQueueFull(t *testing.T) {
	hub := NewHub(HubOptions{SendQueue: 1, Logger: logging.NewTestLogger()})
	client := &hubClient{id: "slow", send: make(chan []byte, 1), done: make(chan struct{})}
	hub.clients[client.id] = client

	hub.Transmit([]byte("a"))
	hub.Transmit([]byte("b"))

	if stats := hub.Stats(); stats.Dropped != 1 {
		t.Fatalf("expected one dropped frame, got %+v", stats)
	}
	if frame := <-client.send; string(frame) != "a" {
		t.Fatalf("expected first frame to be queued, got %q", frame)
	}
}

func TestWebsocketURL(t *testing.T) {
	cases := map[string]string{
		"localhost":                "ws://localhost:5456/ws",
		"10.0.0.2:9000":            "ws://10.0.0.2:9000/ws",
		":7000":                    "ws://localhost:7000/ws",
		"http://example.com":       "ws://example.com:5456/ws",
		"https://example.com:8443": "wss://example.com:8443/ws",
		"ws://example.com/custom":  "ws://example.com:5456/custom",
	}
	for input, want := range cases {
		got, err := WebsocketURL(input)
		if err != nil {
			t.Fatalf("%q: %v", input, err)
		}
		if got != want {
			t.Fatalf("%q: expected %q, got %q", input, want, got)
		}
	}
	if _, err := WebsocketURL("ftp://example.com"); err == nil || !strings.Contains(err.Error(), "scheme") {
		t.Fatalf("expected unsupported scheme error, got %v", err)
	}
}

func TestHubAuthenticatesObservers(t *testing.T) {
	hub, addr := newTestHub(t, HubOptions{Authenticate: func(r *http.Request) (string, error) {
		if r.Header.Get("X-Auth-Token") != "letmein" {
			return "", errors.New("missing token")
		}
		return "observer-9", nil
	}})

	anonymous := newTestConnector(t)
	if err := anonymous.Connect(addr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForEvent(t, anonymous, EventConnectionAttemptFailed)
	if hub.Stats().Unauthorized != 1 {
		t.Fatalf("expected one unauthorized attempt, got %+v", hub.Stats())
	}

	header := http.Header{}
	header.Set("X-Auth-Token", "letmein")
	trusted := NewConnector(ConnectorOptions{HandshakeTimeout: 2 * time.Second, Header: header, Logger: logging.NewTestLogger()})
	t.Cleanup(func() { _ = trusted.Close() })
	if err := trusted.Connect(addr); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitForEvent(t, trusted, EventConnectionAccepted)
	joined := waitForEvent(t, hub, EventNewIncomingConnection)
	if !strings.HasPrefix(joined.Peer, "observer-9@") {
		t.Fatalf("expected observer to be named by its token subject, got %q", joined.Peer)
	}
}
