package transport

import (
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"wandersync/internal/logging"
	"wandersync/internal/networking"
)

const (
	writeWait = 10 * time.Second

	// CloseReasonServerFull accompanies the 1013 close sent to surplus observers.
	CloseReasonServerFull = "server full"
)

// HubOptions configures the server side of the transport.
type HubOptions struct {
	// MaxClients bounds concurrent observers. Zero disables the limit.
	MaxClients int
	// SendQueue bounds how many frames wait for each observer's writer.
	SendQueue int
	// PingInterval controls keepalive pings. Zero disables them.
	PingInterval time.Duration
	// MaxPayloadBytes limits inbound message size.
	MaxPayloadBytes int64
	// AllowedOrigins restricts browser origins. Empty accepts every origin.
	AllowedOrigins []string
	// Bandwidth optionally caps the byte rate delivered to each observer.
	Bandwidth *networking.BandwidthRegulator
	// Authenticate optionally vets the upgrade request and names the observer.
	// A nil hook admits everyone under their remote address.
	Authenticate func(r *http.Request) (string, error)
	// EventBuffer bounds the undrained event mailbox.
	EventBuffer int
	Logger      *logging.Logger
}

// HubStats reports delivery counters.
type HubStats struct {
	Clients      int
	Sent         uint64
	Dropped      uint64
	Throttled    uint64
	Rejected     uint64
	Unauthorized uint64
}

type hubClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *hubClient) stop() {
	c.once.Do(func() { close(c.done) })
}

// Hub accepts observer connections and fans snapshot frames out to them.
// Transmit never blocks: frames for an observer whose queue is full are
// dropped, which the protocol already tolerates.
type Hub struct {
	opts     HubOptions
	upgrader websocket.Upgrader
	log      *logging.Logger
	events   *EventQueue

	mu      sync.RWMutex
	clients map[string]*hubClient
	closed  bool

	sent      atomic.Uint64
	dropped   atomic.Uint64
	throttled atomic.Uint64
	rejected  atomic.Uint64
	denied    atomic.Uint64
}

// NewHub constructs a hub ready to be mounted as an http.Handler.
func NewHub(opts HubOptions) *Hub {
	if opts.SendQueue <= 0 {
		opts.SendQueue = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	h := &Hub{
		opts:    opts,
		log:     logger.With(logging.Component("websocket_hub")),
		events:  NewEventQueue(opts.EventBuffer),
		clients: make(map[string]*hubClient),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades the request and registers the observer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	//1.- Vet credentials and turn surplus observers away before paying for the upgrade.
	peer := r.RemoteAddr
	if h.opts.Authenticate != nil {
		subject, err := h.opts.Authenticate(r)
		if err != nil {
			h.denied.Add(1)
			h.log.Warn("observer rejected, authentication failed", logging.Peer(r.RemoteAddr), logging.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if subject != "" {
			peer = subject + "@" + r.RemoteAddr
		}
	}
	if h.full() {
		h.rejected.Add(1)
		h.log.Warn("observer rejected, server full", logging.Peer(r.RemoteAddr))
		http.Error(w, CloseReasonServerFull, http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logging.Peer(r.RemoteAddr), logging.Error(err))
		return
	}

	//2.- Registration re-checks capacity since concurrent upgrades may race.
	client := &hubClient{
		id:   peer,
		conn: conn,
		send: make(chan []byte, h.opts.SendQueue),
		done: make(chan struct{}),
	}
	if !h.register(client) {
		h.rejected.Add(1)
		message := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, CloseReasonServerFull)
		_ = conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	h.events.Push(Event{Kind: EventNewIncomingConnection, Peer: client.id})
	h.log.Debug("observer connected", logging.Peer(client.id))

	go h.writePump(client)
	h.readPump(client)
}

func (h *Hub) full() bool {
	if h.opts.MaxClients <= 0 {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) >= h.opts.MaxClients
}

func (h *Hub) register(client *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	if h.opts.MaxClients > 0 && len(h.clients) >= h.opts.MaxClients {
		return false
	}
	h.clients[client.id] = client
	return true
}

func (h *Hub) unregister(client *hubClient) {
	h.mu.Lock()
	if current, ok := h.clients[client.id]; ok && current == client {
		delete(h.clients, client.id)
	}
	h.mu.Unlock()
	h.opts.Bandwidth.Forget(client.id)
	client.stop()
}

func (h *Hub) readPump(client *hubClient) {
	defer h.unregister(client)
	conn := client.conn
	if h.opts.MaxPayloadBytes > 0 {
		conn.SetReadLimit(h.opts.MaxPayloadBytes)
	}
	if h.opts.PingInterval > 0 {
		deadline := 2 * h.opts.PingInterval
		_ = conn.SetReadDeadline(time.Now().Add(deadline))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(deadline))
		})
	}
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			kind := classifyClose(err)
			h.events.Push(Event{Kind: kind, Peer: client.id, Err: err})
			h.log.Debug("observer left", logging.Peer(client.id), logging.String("reason", kind.String()))
			return
		}
		h.events.Push(Event{Kind: EventMessage, Peer: client.id, Payload: payload})
	}
}

func (h *Hub) writePump(client *hubClient) {
	var pings <-chan time.Time
	if h.opts.PingInterval > 0 {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		pings = ticker.C
	}
	conn := client.conn
	defer conn.Close()
	for {
		select {
		case frame := <-client.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				client.stop()
				return
			}
			h.sent.Add(1)
		case <-pings:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				client.stop()
				return
			}
		case <-client.done:
			return
		}
	}
}

// Transmit queues frame for every connected observer.
func (h *Hub) Transmit(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !h.opts.Bandwidth.Allow(client.id, len(frame)) {
			h.throttled.Add(1)
			continue
		}
		select {
		case client.send <- frame:
		default:
			h.dropped.Add(1)
		}
	}
}

// Poll drains pending lifecycle and message events without blocking.
func (h *Hub) Poll() []Event {
	return h.events.Drain()
}

// Clients reports the number of connected observers.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns delivery counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Clients:      h.Clients(),
		Sent:         h.sent.Load(),
		Dropped:      h.dropped.Load(),
		Throttled:    h.throttled.Load(),
		Rejected:     h.rejected.Load(),
		Unauthorized: h.denied.Load(),
	}
}

// Close disconnects every observer with a going-away close and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*hubClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	message := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, client := range clients {
		if client.conn != nil {
			_ = client.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		}
		client.stop()
	}
}

// classifyClose maps a read error onto a lifecycle notice.
func classifyClose(err error) EventKind {
	switch {
	case websocket.IsCloseError(err, websocket.CloseTryAgainLater):
		return EventNoFreeIncomingConnections
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		return EventDisconnectionNotification
	default:
		return EventConnectionLost
	}
}
