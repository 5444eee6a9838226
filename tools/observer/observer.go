// Package observer drives the client side of the snapshot stream: it drains
// transport events, feeds snapshots to a reconciler and extrapolates once per
// rendered frame.
package observer

import (
	"errors"

	"wandersync/internal/logging"
	"wandersync/internal/protocol"
	"wandersync/internal/reconcile"
	"wandersync/internal/transport"
)

// Stats summarises what the runner has processed.
type Stats struct {
	Frames    int
	Messages  int
	Applied   int
	Malformed int
	Unhandled int
}

// Runner couples a transport event source with a reconciler. It is driven
// by a single goroutine and is not safe for concurrent use.
type Runner struct {
	source     transport.Source
	reconciler reconcile.Observer
	log        *logging.Logger

	noticed   map[transport.EventKind]bool
	connected bool
	stats     Stats
}

// NewRunner wires source events into reconciler.
func NewRunner(source transport.Source, reconciler reconcile.Observer, logger *logging.Logger) *Runner {
	if logger == nil {
		logger = logging.L()
	}
	return &Runner{
		source:     source,
		reconciler: reconciler,
		log:        logger.With(logging.Component("observer")),
		noticed:    make(map[transport.EventKind]bool),
	}
}

// Frame drains pending events, applies any snapshots and then advances the
// display copy by one frame.
func (r *Runner) Frame() {
	for _, event := range r.source.Poll() {
		r.handle(event)
	}
	r.reconciler.Extrapolate()
	r.stats.Frames++
}

func (r *Runner) handle(event transport.Event) {
	switch event.Kind {
	case transport.EventMessage:
		r.stats.Messages++
		r.handleMessage(event.Payload)
	case transport.EventConnectionAccepted:
		r.connected = true
		r.notice(event, "our connection request has been accepted")
	case transport.EventConnectionAttemptFailed:
		r.connected = false
		r.notice(event, "our connection request failed")
	case transport.EventNoFreeIncomingConnections:
		r.connected = false
		r.notice(event, "the server is full")
	case transport.EventDisconnectionNotification:
		r.connected = false
		r.notice(event, "we have been disconnected")
	case transport.EventConnectionLost:
		r.connected = false
		r.notice(event, "connection lost")
	default:
		r.stats.Unhandled++
		r.log.Debug("received unhandled event", logging.String("kind", event.Kind.String()))
	}
}

// notice logs each lifecycle kind only the first time it is seen.
func (r *Runner) notice(event transport.Event, message string) {
	if r.noticed[event.Kind] {
		return
	}
	r.noticed[event.Kind] = true
	fields := []logging.Field{logging.String("server", event.Peer)}
	if event.Err != nil {
		fields = append(fields, logging.Error(event.Err))
	}
	r.log.Info(message, fields...)
}

func (r *Runner) handleMessage(payload []byte) {
	tag, ok := protocol.PeekTag(payload)
	if !ok || tag != protocol.MessageEntityList {
		r.stats.Unhandled++
		r.log.Debug("received unhandled message", logging.Int("id", int(tag)))
		return
	}
	result, err := r.reconciler.ApplyMessage(payload)
	if err != nil {
		//1.- A corrupt or mismatched snapshot is skipped; the next one may be fine.
		r.stats.Malformed++
		fields := []logging.Field{logging.Error(err)}
		if errors.Is(err, reconcile.ErrEntityCountMismatch) {
			fields = append(fields, logging.Bool("count_mismatch", true))
		}
		r.log.Warn("discarding snapshot", fields...)
		return
	}
	r.stats.Applied++
	if result.Initialized {
		r.log.Info("first snapshot received", logging.Int("entities", result.Entities))
	}
}

// Connected reports whether the server accepted us and no failure has been
// seen since. A disconnected runner keeps extrapolating its last state; it
// never reconnects.
func (r *Runner) Connected() bool {
	return r.connected
}

// Stats returns cumulative counters.
func (r *Runner) Stats() Stats {
	return r.stats
}

// Display exposes the extrapolated entities for rendering.
func (r *Runner) Display() []protocol.Entity {
	return r.reconciler.Display()
}
