package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wandersync/internal/logging"
)

var (
	// ErrConnectInProgress is returned when Connect is called on a live connector.
	ErrConnectInProgress = errors.New("transport: connection already started")
	// ErrConnectorClosed is returned when Connect is called after Close.
	ErrConnectorClosed = errors.New("transport: connector closed")
)

// ConnectorOptions configures the observer side of the transport.
type ConnectorOptions struct {
	HandshakeTimeout time.Duration
	MaxPayloadBytes  int64
	Header           http.Header
	EventBuffer      int
	Logger           *logging.Logger
}

// Connector dials a server in the background and reports progress through
// polled events. It never retries; a failed or lost connection stays down.
type Connector struct {
	opts   ConnectorOptions
	dialer websocket.Dialer
	log    *logging.Logger
	events *EventQueue

	mu      sync.Mutex
	started bool
	closed  bool
	conn    *websocket.Conn
	cancel  context.CancelFunc
}

// NewConnector constructs an idle connector.
func NewConnector(opts ConnectorOptions) *Connector {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Connector{
		opts: opts,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		log:    logger.With(logging.Component("websocket_connector")),
		events: NewEventQueue(opts.EventBuffer),
	}
}

// Connect starts dialing address and returns immediately. The returned error
// only covers addresses that cannot be dialed at all; the outcome of the
// attempt arrives later as an event.
func (c *Connector) Connect(address string) error {
	target, err := WebsocketURL(address)
	if err != nil {
		return fmt.Errorf("unable to start connection: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectorClosed
	}
	if c.started {
		return ErrConnectInProgress
	}
	c.started = true
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	c.cancel = cancel
	go c.run(ctx, target)
	return nil
}

func (c *Connector) run(ctx context.Context, target string) {
	conn, resp, err := c.dialer.DialContext(ctx, target, c.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	c.mu.Lock()
	c.cancel()
	if c.closed {
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		c.mu.Unlock()
		//1.- A 503 during the handshake is the server declaring itself full.
		if resp != nil && resp.StatusCode == http.StatusServiceUnavailable {
			c.events.Push(Event{Kind: EventNoFreeIncomingConnections, Peer: target, Err: err})
			return
		}
		c.events.Push(Event{Kind: EventConnectionAttemptFailed, Peer: target, Err: err})
		return
	}
	c.conn = conn
	c.mu.Unlock()

	c.events.Push(Event{Kind: EventConnectionAccepted, Peer: target})
	c.log.Debug("connected", logging.String("server", target))

	if c.opts.MaxPayloadBytes > 0 {
		conn.SetReadLimit(c.opts.MaxPayloadBytes)
	}
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			c.finish(conn, target, err)
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		c.events.Push(Event{Kind: EventMessage, Peer: target, Payload: payload})
	}
}

func (c *Connector) finish(conn *websocket.Conn, target string, err error) {
	c.mu.Lock()
	closed := c.closed
	c.conn = nil
	c.mu.Unlock()
	_ = conn.Close()
	if closed {
		return
	}
	kind := classifyClose(err)
	c.events.Push(Event{Kind: kind, Peer: target, Err: err})
	c.log.Debug("connection ended", logging.String("server", target), logging.String("reason", kind.String()))
}

// Poll drains pending events without blocking.
func (c *Connector) Poll() []Event {
	return c.events.Drain()
}

// Connected reports whether a handshake has completed and not yet ended.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close aborts a pending dial or closes the live connection.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
	return conn.Close()
}
