// Package transport carries snapshot frames between the simulation server
// and its observers over WebSocket connections.
package transport

// EventKind classifies a polled transport notice.
type EventKind int

const (
	// EventNewIncomingConnection is raised on the server when an observer joins.
	EventNewIncomingConnection EventKind = iota
	// EventConnectionAccepted is raised on the client once the handshake completes.
	EventConnectionAccepted
	// EventConnectionAttemptFailed is raised on the client when dialing fails.
	EventConnectionAttemptFailed
	// EventNoFreeIncomingConnections is raised on the client when the server is full.
	EventNoFreeIncomingConnections
	// EventDisconnectionNotification reports an orderly close by the remote side.
	EventDisconnectionNotification
	// EventConnectionLost reports a connection that dropped without a close handshake.
	EventConnectionLost
	// EventMessage carries an inbound payload.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventNewIncomingConnection:
		return "new_incoming_connection"
	case EventConnectionAccepted:
		return "connection_accepted"
	case EventConnectionAttemptFailed:
		return "connection_attempt_failed"
	case EventNoFreeIncomingConnections:
		return "no_free_incoming_connections"
	case EventDisconnectionNotification:
		return "disconnection_notification"
	case EventConnectionLost:
		return "connection_lost"
	case EventMessage:
		return "message"
	default:
		return "unknown"
	}
}

// Event is a single notice drained by Poll.
type Event struct {
	Kind    EventKind
	Peer    string
	Payload []byte
	Err     error
}

// Source is anything that yields transport events without blocking.
type Source interface {
	Poll() []Event
}

// DefaultEventBuffer bounds how many undrained events a transport retains.
const DefaultEventBuffer = 1024

// EventQueue is a bounded mailbox between network goroutines and the
// single-threaded loop that polls it. Pushes never block; events arriving
// while the mailbox is full are discarded.
type EventQueue struct {
	ch chan Event
}

// NewEventQueue constructs a mailbox holding up to capacity events.
func NewEventQueue(capacity int) *EventQueue {
	if capacity <= 0 {
		capacity = DefaultEventBuffer
	}
	return &EventQueue{ch: make(chan Event, capacity)}
}

// Push enqueues event, reporting false when it had to be discarded.
func (q *EventQueue) Push(event Event) bool {
	select {
	case q.ch <- event:
		return true
	default:
		return false
	}
}

// Drain returns every queued event without blocking.
func (q *EventQueue) Drain() []Event {
	var events []Event
	for {
		select {
		case event := <-q.ch:
			events = append(events, event)
		default:
			return events
		}
	}
}
