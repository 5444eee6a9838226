package grpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"wandersync/internal/logging"
	"wandersync/internal/transport"
)

// ErrSubscriberStarted is returned when Connect is called twice.
var ErrSubscriberStarted = errors.New("grpc: subscriber already started")

// SubscriberOptions configures the observer side of the snapshot stream.
type SubscriberOptions struct {
	// ObserverID names this observer to the server.
	ObserverID string
	// SharedSecret is sent as metadata when the server requires it.
	SharedSecret string
	// DialOptions replace the default insecure transport credentials.
	DialOptions []grpc.DialOption
	EventBuffer int
	Logger      *logging.Logger
}

// Subscriber receives snapshot frames over gRPC and reports them through
// polled events, matching the WebSocket connector's contract.
type Subscriber struct {
	opts   SubscriberOptions
	log    *logging.Logger
	events *transport.EventQueue

	mu      sync.Mutex
	started bool
	closed  bool
	conn    *grpc.ClientConn
	cancel  context.CancelFunc
}

// NewSubscriber constructs an idle subscriber.
func NewSubscriber(opts SubscriberOptions) *Subscriber {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Subscriber{
		opts:   opts,
		log:    logger.With(logging.Component("grpc_subscriber")),
		events: transport.NewEventQueue(opts.EventBuffer),
	}
}

// Connect opens the stream in the background. Only an unusable target is
// reported synchronously.
func (s *Subscriber) Connect(target string) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return errors.New("unable to start connection: target is required")
	}
	dialOpts := s.opts.DialOptions
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.started {
		return ErrSubscriberStarted
	}
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return fmt.Errorf("unable to start connection: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	if secret := strings.TrimSpace(s.opts.SharedSecret); secret != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, SharedSecretMetadataKey, secret)
	}
	s.started = true
	s.conn = conn
	s.cancel = cancel
	go s.run(ctx, conn, target)
	return nil
}

func (s *Subscriber) run(ctx context.Context, conn *grpc.ClientConn, target string) {
	//1.- Open the stream and send the single request naming this observer.
	stream, err := conn.NewStream(ctx, &SnapshotStreamServiceDesc.Streams[0], SubscribeMethod)
	if err != nil {
		s.fail(target, err, false)
		return
	}
	client := &grpc.GenericClientStream[wrapperspb.StringValue, wrapperspb.BytesValue]{ClientStream: stream}
	if err := client.SendMsg(wrapperspb.String(s.opts.ObserverID)); err != nil {
		s.fail(target, err, false)
		return
	}
	if err := client.CloseSend(); err != nil {
		s.fail(target, err, false)
		return
	}

	//2.- The response header marks the handshake as complete.
	header, err := client.Header()
	if err != nil {
		s.fail(target, err, false)
		return
	}
	if header == nil {
		_, err := client.Recv()
		s.fail(target, err, false)
		return
	}
	var encoding string
	if values := header.Get(EncodingMetadataKey); len(values) > 0 {
		encoding = values[0]
	}
	compressor, err := CompressorByName(encoding)
	if err != nil {
		s.fail(target, err, false)
		return
	}
	s.events.Push(transport.Event{Kind: transport.EventConnectionAccepted, Peer: target})
	s.log.Debug("subscribed", logging.String("server", target), logging.String("encoding", compressor.Name()))

	for {
		message, err := client.Recv()
		if err != nil {
			s.fail(target, err, true)
			return
		}
		frame, err := compressor.Decompress(message.GetValue())
		if err != nil {
			s.log.Warn("discarding undecodable frame", logging.Error(err))
			continue
		}
		s.events.Push(transport.Event{Kind: transport.EventMessage, Peer: target, Payload: frame})
	}
}

// fail maps a stream error onto a lifecycle event. Errors caused by Close
// are swallowed.
func (s *Subscriber) fail(target string, err error, accepted bool) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	kind := classifyStreamError(err, accepted)
	s.events.Push(transport.Event{Kind: kind, Peer: target, Err: err})
	s.log.Debug("stream ended", logging.String("server", target), logging.String("reason", kind.String()))
}

func classifyStreamError(err error, accepted bool) transport.EventKind {
	if errors.Is(err, io.EOF) {
		return transport.EventDisconnectionNotification
	}
	switch status.Code(err) {
	case codes.ResourceExhausted:
		return transport.EventNoFreeIncomingConnections
	case codes.OK, codes.Canceled:
		return transport.EventDisconnectionNotification
	}
	if !accepted {
		return transport.EventConnectionAttemptFailed
	}
	return transport.EventConnectionLost
}

// Poll drains pending events without blocking.
func (s *Subscriber) Poll() []transport.Event {
	return s.events.Drain()
}

// Close cancels the stream and releases the connection.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn, cancel := s.conn, s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
